package events

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"

	"github.com/reachflow-go/internal/automation/ports"
	"github.com/reachflow-go/pkg/events"
	"github.com/reachflow-go/pkg/logger"
	"github.com/reachflow-go/pkg/metrics"
	"github.com/reachflow-go/pkg/resilience"
)

// Publisher puts engine events on the event bus. Transient failures are
// retried; a failing bus trips the circuit breaker so that node execution is
// never slowed down by repeated timeouts.
type Publisher struct {
	bus     events.EventBus
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	logger  logger.Logger
}

type PublisherOption func(*Publisher)

func WithRetry(cfg resilience.RetryConfig) PublisherOption {
	return func(p *Publisher) { p.retry = cfg }
}

func WithCircuitBreaker(cb *resilience.CircuitBreaker) PublisherOption {
	return func(p *Publisher) { p.breaker = cb }
}

func NewPublisher(bus events.EventBus, log logger.Logger, opts ...PublisherOption) *Publisher {
	log = log.With("component", "event_publisher")

	breakerCfg := resilience.DefaultCircuitBreakerConfig("event-bus")
	breakerCfg.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn("Event bus circuit breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
	}
	p := &Publisher{
		bus:    bus,
		retry:  resilience.DefaultRetryConfig(),
		logger: log,
	}
	p.retry.ShouldRetry = func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.breaker == nil {
		p.breaker = resilience.NewCircuitBreaker(breakerCfg)
	}
	return p
}

func (p *Publisher) Publish(ctx context.Context, subject string, payload map[string]interface{}, opts ports.PublishOptions) error {
	event := events.NewEventBuilder(subject).
		WithAggregateID(opts.AggregateID).
		WithAggregateType(aggregateType(subject)).
		WithTenantID(opts.TenantID).
		WithCorrelationID(opts.CorrelationID).
		WithPayloadMap(payload).
		Build()

	err := p.breaker.Do(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, p.retry, func() error {
			return p.bus.Publish(ctx, event)
		})
	})

	outcome := "success"
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		outcome = "circuit_open"
	case err != nil:
		outcome = "error"
	}
	metrics.RecordEventPublished(subject, outcome)

	if err != nil {
		p.logger.Debug("Publish failed", "subject", subject, "eventId", event.ID, "error", err)
	}
	return err
}

func aggregateType(subject string) string {
	switch subject {
	case ports.SubjectWorkflowPublished, ports.SubjectWorkflowUnpublished, ports.SubjectSegmentExpand:
		return "workflow"
	}
	return "workflow_run"
}
