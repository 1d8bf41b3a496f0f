package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/reachflow-go/internal/automation/app/condition"
	"github.com/reachflow-go/internal/automation/app/trigger"
	"github.com/reachflow-go/pkg/events"
	"github.com/reachflow-go/pkg/logger"
	"github.com/reachflow-go/pkg/metrics"
)

const (
	DefaultMessageTopic = "inbox.message.received"
	DefaultEventTopic   = "crm.domain.events"
)

var ErrMissingTenant = errors.New("event has no tenant id")

// Signals is the part of the trigger matcher fed by the consumers.
type Signals interface {
	HandleIncomingMessage(ctx context.Context, msg trigger.IncomingMessage) ([]trigger.TriggerResult, error)
	HandleEvent(ctx context.Context, event trigger.DomainEvent) ([]trigger.TriggerResult, error)
}

// Consumer feeds inbound messages and CRM domain events into the matcher.
type Consumer struct {
	bus          events.EventBus
	signals      Signals
	messageTopic string
	eventTopic   string
	logger       logger.Logger
}

func NewConsumer(bus events.EventBus, signals Signals, messageTopic, eventTopic string, log logger.Logger) *Consumer {
	if messageTopic == "" {
		messageTopic = DefaultMessageTopic
	}
	if eventTopic == "" {
		eventTopic = DefaultEventTopic
	}
	return &Consumer{
		bus:          bus,
		signals:      signals,
		messageTopic: messageTopic,
		eventTopic:   eventTopic,
		logger:       log.With("component", "trigger_consumer"),
	}
}

func (c *Consumer) Start() error {
	if err := c.bus.Subscribe(c.messageTopic, c.handleMessage); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.messageTopic, err)
	}
	if err := c.bus.Subscribe(c.eventTopic, c.handleDomainEvent); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.eventTopic, err)
	}
	c.logger.Info("Trigger consumers started", "messageTopic", c.messageTopic, "eventTopic", c.eventTopic)
	return nil
}

func (c *Consumer) handleMessage(ctx context.Context, event events.Event) error {
	metrics.RecordEventConsumed(c.messageTopic)

	msg, err := MessageFromEvent(event)
	if err != nil {
		return err
	}

	results, err := c.signals.HandleIncomingMessage(ctx, msg)
	if err != nil {
		return err
	}
	c.logger.Debug("Incoming message handled", "tenantId", msg.TenantID, "contactId", msg.ContactID, "matched", len(results))
	return nil
}

func (c *Consumer) handleDomainEvent(ctx context.Context, event events.Event) error {
	metrics.RecordEventConsumed(c.eventTopic)

	domainEvent, err := DomainEventFromEvent(event)
	if err != nil {
		return err
	}

	results, err := c.signals.HandleEvent(ctx, domainEvent)
	if err != nil {
		return err
	}
	c.logger.Debug("Domain event handled", "tenantId", domainEvent.TenantID, "type", domainEvent.Type, "matched", len(results))
	return nil
}

// MessageFromEvent reads an inbox message from the bus envelope. Producers
// may put the tenant either on the envelope or in the payload.
func MessageFromEvent(event events.Event) (trigger.IncomingMessage, error) {
	p := event.Payload
	msg := trigger.IncomingMessage{
		TenantID:  firstNonEmpty(event.TenantID, str(p, "tenantId")),
		ContactID: str(p, "contactId"),
		Channel:   str(p, "channel"),
		Content:   str(p, "content"),
	}
	if meta, ok := p["metadata"].(map[string]interface{}); ok {
		msg.Metadata = meta
	}

	if msg.TenantID == "" {
		return msg, ErrMissingTenant
	}
	if msg.Channel == "" {
		return msg, errors.New("message has no channel")
	}
	return msg, nil
}

// DomainEventFromEvent reads a CRM domain event. The event data is taken from
// payload.payload when present, otherwise from the payload itself.
func DomainEventFromEvent(event events.Event) (trigger.DomainEvent, error) {
	p := event.Payload
	out := trigger.DomainEvent{
		TenantID:  firstNonEmpty(event.TenantID, str(p, "tenantId")),
		Type:      firstNonEmpty(event.Type, str(p, "type")),
		ContactID: str(p, "contactId"),
		Payload:   p,
	}
	if nested, ok := p["payload"].(map[string]interface{}); ok {
		out.Payload = nested
		if out.ContactID == "" {
			out.ContactID = str(nested, "contactId")
		}
	}
	if out.ContactID == "" && event.AggregateType == "contact" {
		out.ContactID = event.AggregateID
	}

	if out.TenantID == "" {
		return out, ErrMissingTenant
	}
	if out.Type == "" {
		return out, errors.New("domain event has no type")
	}
	return out, nil
}

func str(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	return condition.ToString(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
