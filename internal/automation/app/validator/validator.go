// Package validator checks workflow graphs and trigger configurations before
// they can be published.
package validator

import (
	"fmt"
	"strings"

	"github.com/reachflow-go/internal/automation/app/condition"
	"github.com/reachflow-go/internal/domain/automation"
)

// Issue codes
const (
	CodeEmptyNodes        = "EMPTY_NODES"
	CodeEmptyEdges        = "EMPTY_EDGES"
	CodeDuplicateNodeID   = "DUPLICATE_NODE_ID"
	CodeDuplicateEdgeID   = "DUPLICATE_EDGE_ID"
	CodeInvalidEdgeSource = "INVALID_EDGE_SOURCE"
	CodeInvalidEdgeTarget = "INVALID_EDGE_TARGET"
	CodeSelfLoop          = "SELF_LOOP"

	CodeNoStartNode        = "NO_START_NODE"
	CodeMultipleStartNodes = "MULTIPLE_START_NODES"
	CodeNoEndNode          = "NO_END_NODE"
	CodeStartHasIncoming   = "START_HAS_INCOMING"
	CodeEndHasOutgoing     = "END_HAS_OUTGOING"
	CodeUnreachableNode    = "UNREACHABLE_NODE"
	CodeDeadEndNode        = "DEAD_END_NODE"
	CodeCycleDetected      = "CYCLE_DETECTED"

	CodeUnknownNodeType           = "UNKNOWN_NODE_TYPE"
	CodeInvalidNodeConfig         = "INVALID_NODE_CONFIG"
	CodeMissingChannel            = "MISSING_CHANNEL"
	CodeMissingTemplate           = "MISSING_TEMPLATE"
	CodeMissingConditions         = "MISSING_CONDITIONS"
	CodeInvalidCondition          = "INVALID_CONDITION"
	CodeInvalidConditionTarget    = "INVALID_CONDITION_TARGET"
	CodeUnknownOperator           = "UNKNOWN_OPERATOR"
	CodeInvalidDelayDuration      = "INVALID_DELAY_DURATION"
	CodeInvalidDelayUnit          = "INVALID_DELAY_UNIT"
	CodeMissingAttributeName      = "MISSING_ATTRIBUTE_NAME"
	CodeMissingAttributeValue     = "MISSING_ATTRIBUTE_VALUE"
	CodeInvalidAssignmentStrategy = "INVALID_ASSIGNMENT_STRATEGY"
)

type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeID  string `json:"nodeId,omitempty"`
	EdgeID  string `json:"edgeId,omitempty"`
}

type Result struct {
	IsValid  bool    `json:"isValid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// HasCode reports whether an error or warning with the given code was raised.
func (r Result) HasCode(code string) bool {
	for _, list := range [][]Issue{r.Errors, r.Warnings} {
		for _, issue := range list {
			if issue.Code == code {
				return true
			}
		}
	}
	return false
}

// Merge appends the issues of other and recomputes IsValid.
func (r *Result) Merge(other Result) {
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	r.IsValid = len(r.Errors) == 0
}

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// graphCheck holds the state of a single validation pass
type graphCheck struct {
	graph    *automation.Graph
	nodeMap  map[string]*automation.Node
	incoming map[string]int
	outgoing map[string]int
	result   Result
}

func (c *graphCheck) errorf(code, nodeID, edgeID, format string, args ...interface{}) {
	c.result.Errors = append(c.result.Errors, Issue{
		Code: code, Message: fmt.Sprintf(format, args...), NodeID: nodeID, EdgeID: edgeID,
	})
}

func (c *graphCheck) warnf(code, nodeID, edgeID, format string, args ...interface{}) {
	c.result.Warnings = append(c.result.Warnings, Issue{
		Code: code, Message: fmt.Sprintf(format, args...), NodeID: nodeID, EdgeID: edgeID,
	})
}

// Validate runs every structural, connectivity and per-node check. Errors
// block publishing, warnings are advisory.
func (v *Validator) Validate(graph *automation.Graph) Result {
	c := &graphCheck{
		graph:    graph,
		nodeMap:  make(map[string]*automation.Node, len(graph.Nodes)),
		incoming: make(map[string]int),
		outgoing: make(map[string]int),
		result:   Result{Errors: []Issue{}, Warnings: []Issue{}},
	}

	c.checkStructure()
	c.checkNodeCounts()
	c.checkConnectivity()
	c.checkCycles()
	c.checkNodeConfigs()

	c.result.IsValid = len(c.result.Errors) == 0
	return c.result
}

func (c *graphCheck) checkStructure() {
	if len(c.graph.Nodes) == 0 {
		c.errorf(CodeEmptyNodes, "", "", "workflow must contain at least one node")
	}
	if len(c.graph.Edges) == 0 {
		c.errorf(CodeEmptyEdges, "", "", "workflow must contain at least one edge")
	}

	for i := range c.graph.Nodes {
		node := &c.graph.Nodes[i]
		if _, exists := c.nodeMap[node.ID]; exists {
			c.errorf(CodeDuplicateNodeID, node.ID, "", "duplicate node id %q", node.ID)
			continue
		}
		c.nodeMap[node.ID] = node
	}

	edgeIDs := make(map[string]bool, len(c.graph.Edges))
	for _, edge := range c.graph.Edges {
		if edgeIDs[edge.ID] {
			c.errorf(CodeDuplicateEdgeID, "", edge.ID, "duplicate edge id %q", edge.ID)
		}
		edgeIDs[edge.ID] = true

		_, sourceOK := c.nodeMap[edge.Source]
		_, targetOK := c.nodeMap[edge.Target]
		if !sourceOK {
			c.errorf(CodeInvalidEdgeSource, "", edge.ID, "edge %q references unknown source node %q", edge.ID, edge.Source)
		}
		if !targetOK {
			c.errorf(CodeInvalidEdgeTarget, "", edge.ID, "edge %q references unknown target node %q", edge.ID, edge.Target)
		}
		if edge.Source == edge.Target {
			c.errorf(CodeSelfLoop, edge.Source, edge.ID, "edge %q connects node %q to itself", edge.ID, edge.Source)
		}

		if sourceOK && targetOK {
			c.outgoing[edge.Source]++
			c.incoming[edge.Target]++
		}
	}
}

func (c *graphCheck) checkNodeCounts() {
	var starts, ends int
	for _, node := range c.nodeMap {
		switch node.Type {
		case automation.NodeTypeStart:
			starts++
		case automation.NodeTypeEnd:
			ends++
		}
	}

	switch {
	case starts == 0:
		c.errorf(CodeNoStartNode, "", "", "workflow must have exactly one START node")
	case starts > 1:
		c.errorf(CodeMultipleStartNodes, "", "", "workflow has %d START nodes, expected exactly one", starts)
	}

	if ends == 0 {
		c.warnf(CodeNoEndNode, "", "", "workflow has no END node")
	}
}

func (c *graphCheck) checkConnectivity() {
	for i := range c.graph.Nodes {
		node := &c.graph.Nodes[i]
		if c.nodeMap[node.ID] != node {
			continue
		}

		in, out := c.incoming[node.ID], c.outgoing[node.ID]
		switch node.Type {
		case automation.NodeTypeStart:
			if in > 0 {
				c.errorf(CodeStartHasIncoming, node.ID, "", "START node %q must not have incoming edges", node.ID)
			}
		case automation.NodeTypeEnd:
			if out > 0 {
				c.errorf(CodeEndHasOutgoing, node.ID, "", "END node %q must not have outgoing edges", node.ID)
			}
		}

		if node.Type != automation.NodeTypeStart && in == 0 {
			c.warnf(CodeUnreachableNode, node.ID, "", "node %q has no incoming edges and is unreachable", node.ID)
		}
		if node.Type != automation.NodeTypeEnd && node.Type != automation.NodeTypeCondition && out == 0 {
			c.warnf(CodeDeadEndNode, node.ID, "", "node %q has no outgoing edges", node.ID)
		}
	}
}

// checkCycles runs a colored depth-first search over the valid edges and
// reports the first back edge found.
func (c *graphCheck) checkCycles() {
	adj := make(map[string][]string, len(c.nodeMap))
	for _, edge := range c.graph.Edges {
		if edge.Source == edge.Target {
			continue
		}
		if _, ok := c.nodeMap[edge.Source]; !ok {
			continue
		}
		if _, ok := c.nodeMap[edge.Target]; !ok {
			continue
		}
		adj[edge.Source] = append(adj[edge.Source], edge.Target)
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(c.nodeMap))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = grey
		for _, next := range adj[id] {
			switch color[next] {
			case grey:
				return next
			case white:
				if found := visit(next); found != "" {
					return found
				}
			}
		}
		color[id] = black
		return ""
	}

	for i := range c.graph.Nodes {
		id := c.graph.Nodes[i].ID
		if color[id] != white {
			continue
		}
		if at := visit(id); at != "" {
			c.warnf(CodeCycleDetected, at, "", "workflow contains a cycle through node %q; make sure it has a termination condition", at)
			return
		}
	}
}

func (c *graphCheck) checkNodeConfigs() {
	for i := range c.graph.Nodes {
		node := &c.graph.Nodes[i]
		if c.nodeMap[node.ID] != node {
			continue
		}

		if !node.Type.Known() {
			c.errorf(CodeUnknownNodeType, node.ID, "", "node %q has unknown type %q", node.ID, node.Type)
			continue
		}

		cfg, err := node.Config()
		if err != nil {
			c.errorf(CodeInvalidNodeConfig, node.ID, "", "node %q: %v", node.ID, err)
			continue
		}

		switch cfg := cfg.(type) {
		case automation.SendMessageConfig:
			if strings.TrimSpace(cfg.Channel) == "" {
				c.errorf(CodeMissingChannel, node.ID, "", "SEND_MESSAGE node %q requires a channel", node.ID)
			}
			if strings.TrimSpace(cfg.TemplateID) == "" {
				c.errorf(CodeMissingTemplate, node.ID, "", "SEND_MESSAGE node %q requires a template", node.ID)
			}
		case automation.ConditionConfig:
			c.checkCondition(node.ID, cfg)
		case automation.DelayConfig:
			if cfg.Duration <= 0 {
				c.errorf(CodeInvalidDelayDuration, node.ID, "", "DELAY node %q requires a positive duration", node.ID)
			}
			if !automation.ValidDelayUnit(cfg.Unit) {
				c.errorf(CodeInvalidDelayUnit, node.ID, "", "DELAY node %q has unit %q, expected minutes, hours or days", node.ID, cfg.Unit)
			}
		case automation.UpdateAttributeConfig:
			if strings.TrimSpace(cfg.AttributeName) == "" {
				c.errorf(CodeMissingAttributeName, node.ID, "", "UPDATE_ATTRIBUTE node %q requires an attribute name", node.ID)
			}
			if !cfg.HasValue {
				c.errorf(CodeMissingAttributeValue, node.ID, "", "UPDATE_ATTRIBUTE node %q requires an attribute value", node.ID)
			}
		case automation.AssignAgentConfig:
			if !automation.ValidStrategy(cfg.Strategy) {
				c.errorf(CodeInvalidAssignmentStrategy, node.ID, "", "ASSIGN_AGENT node %q has unknown strategy %q", node.ID, cfg.Strategy)
			}
		}
	}
}

func (c *graphCheck) checkCondition(nodeID string, cfg automation.ConditionConfig) {
	if len(cfg.Conditions) == 0 {
		c.errorf(CodeMissingConditions, nodeID, "", "CONDITION node %q requires at least one condition", nodeID)
	}

	for i, rule := range cfg.Conditions {
		if rule.Field == "" || rule.Operator == "" || rule.NextNodeID == "" {
			c.errorf(CodeInvalidCondition, nodeID, "", "condition %d of node %q requires field, operator and nextNodeId", i, nodeID)
			continue
		}
		if !condition.KnownOperator(rule.Operator) {
			c.warnf(CodeUnknownOperator, nodeID, "", "condition %d of node %q uses unknown operator %q and will never match", i, nodeID, rule.Operator)
		}
		if _, ok := c.nodeMap[rule.NextNodeID]; !ok {
			c.errorf(CodeInvalidConditionTarget, nodeID, "", "condition %d of node %q targets unknown node %q", i, nodeID, rule.NextNodeID)
		}
	}

	if cfg.DefaultNextNodeID != "" {
		if _, ok := c.nodeMap[cfg.DefaultNextNodeID]; !ok {
			c.errorf(CodeInvalidConditionTarget, nodeID, "", "default branch of node %q targets unknown node %q", nodeID, cfg.DefaultNextNodeID)
		}
	}
}
