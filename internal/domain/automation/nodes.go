package automation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type NodeType string

const (
	NodeTypeStart           NodeType = "START"
	NodeTypeSendMessage     NodeType = "SEND_MESSAGE"
	NodeTypeCondition       NodeType = "CONDITION"
	NodeTypeDelay           NodeType = "DELAY"
	NodeTypeUpdateAttribute NodeType = "UPDATE_ATTRIBUTE"
	NodeTypeAssignAgent     NodeType = "ASSIGN_AGENT"
	NodeTypeEnd             NodeType = "END"
)

// Known reports whether the node type is part of the catalog.
func (t NodeType) Known() bool {
	switch t {
	case NodeTypeStart, NodeTypeSendMessage, NodeTypeCondition, NodeTypeDelay,
		NodeTypeUpdateAttribute, NodeTypeAssignAgent, NodeTypeEnd:
		return true
	}
	return false
}

// NodeConfig is implemented by one struct per node type.
type NodeConfig interface {
	NodeType() NodeType
}

type StartConfig struct{}

type EndConfig struct{}

type SendMessageConfig struct {
	Channel    string                 `json:"channel"`
	TemplateID string                 `json:"templateId"`
	Variables  map[string]interface{} `json:"variables,omitempty"`
}

// Condition match types
const (
	MatchAny = "any"
	MatchAll = "all"
)

type ConditionConfig struct {
	Conditions        []ConditionRule `json:"conditions"`
	DefaultNextNodeID string          `json:"defaultNextNodeId,omitempty"`
}

// Delay units
const (
	UnitMinutes = "minutes"
	UnitHours   = "hours"
	UnitDays    = "days"
)

var unitFactors = map[string]time.Duration{
	UnitMinutes: time.Minute,
	UnitHours:   time.Hour,
	UnitDays:    24 * time.Hour,
}

type DelayConfig struct {
	Duration float64 `json:"duration"`
	Unit     string  `json:"unit"`
}

// Wait converts the configured duration into a time.Duration.
func (c DelayConfig) Wait() (time.Duration, error) {
	factor, ok := unitFactors[c.Unit]
	if !ok {
		return 0, fmt.Errorf("unsupported delay unit %q", c.Unit)
	}
	if c.Duration <= 0 {
		return 0, fmt.Errorf("delay duration must be positive, got %v", c.Duration)
	}
	return time.Duration(c.Duration * float64(factor)), nil
}

// ValidDelayUnit reports whether unit is minutes, hours or days.
func ValidDelayUnit(unit string) bool {
	_, ok := unitFactors[unit]
	return ok
}

// UpdateAttributeConfig distinguishes an explicit null value from an absent
// one through HasValue.
type UpdateAttributeConfig struct {
	AttributeName  string      `json:"attributeName"`
	AttributeValue interface{} `json:"attributeValue"`
	HasValue       bool        `json:"-"`
}

func (c *UpdateAttributeConfig) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	if raw, ok := fields["attributeName"]; ok {
		if err := json.Unmarshal(raw, &c.AttributeName); err != nil {
			return fmt.Errorf("attributeName: %w", err)
		}
	}
	if raw, ok := fields["attributeValue"]; ok {
		c.HasValue = true
		if err := json.Unmarshal(raw, &c.AttributeValue); err != nil {
			return fmt.Errorf("attributeValue: %w", err)
		}
	}
	return nil
}

// Assignment strategies
const (
	StrategyRoundRobin = "round_robin"
	StrategyLeastBusy  = "least_busy"
	StrategyRandom     = "random"
)

type AssignAgentConfig struct {
	AgentID  string `json:"agentId,omitempty"`
	TeamID   string `json:"teamId,omitempty"`
	Strategy string `json:"strategy,omitempty"`
}

// ValidStrategy reports whether s is empty or a known assignment strategy.
func ValidStrategy(s string) bool {
	switch s {
	case "", StrategyRoundRobin, StrategyLeastBusy, StrategyRandom:
		return true
	}
	return false
}

// UnknownConfig holds the raw data of a node whose type is not in the catalog.
type UnknownConfig struct {
	Type NodeType
	Raw  json.RawMessage
}

func (StartConfig) NodeType() NodeType           { return NodeTypeStart }
func (EndConfig) NodeType() NodeType             { return NodeTypeEnd }
func (SendMessageConfig) NodeType() NodeType     { return NodeTypeSendMessage }
func (ConditionConfig) NodeType() NodeType       { return NodeTypeCondition }
func (DelayConfig) NodeType() NodeType           { return NodeTypeDelay }
func (UpdateAttributeConfig) NodeType() NodeType { return NodeTypeUpdateAttribute }
func (AssignAgentConfig) NodeType() NodeType     { return NodeTypeAssignAgent }
func (c UnknownConfig) NodeType() NodeType       { return c.Type }

func (c UnknownConfig) MarshalJSON() ([]byte, error) {
	if len(c.Raw) == 0 {
		return []byte("{}"), nil
	}
	return c.Raw, nil
}

func (c UpdateAttributeConfig) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{"attributeName": c.AttributeName}
	if c.HasValue {
		out["attributeValue"] = c.AttributeValue
	}
	return json.Marshal(out)
}

func decodeNodeConfig(t NodeType, data json.RawMessage) (NodeConfig, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		data = []byte("{}")
	}

	var err error
	switch t {
	case NodeTypeStart:
		return StartConfig{}, nil
	case NodeTypeEnd:
		return EndConfig{}, nil
	case NodeTypeSendMessage:
		var c SendMessageConfig
		err = json.Unmarshal(data, &c)
		return c, wrapConfigErr(t, err)
	case NodeTypeCondition:
		var c ConditionConfig
		err = json.Unmarshal(data, &c)
		return c, wrapConfigErr(t, err)
	case NodeTypeDelay:
		var c DelayConfig
		err = json.Unmarshal(data, &c)
		return c, wrapConfigErr(t, err)
	case NodeTypeUpdateAttribute:
		var c UpdateAttributeConfig
		err = json.Unmarshal(data, &c)
		return c, wrapConfigErr(t, err)
	case NodeTypeAssignAgent:
		var c AssignAgentConfig
		err = json.Unmarshal(data, &c)
		return c, wrapConfigErr(t, err)
	default:
		return UnknownConfig{Type: t, Raw: data}, nil
	}
}

func wrapConfigErr(t NodeType, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("invalid %s config: %w", t, err)
}
