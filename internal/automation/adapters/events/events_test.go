package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/reachflow-go/internal/automation/app/trigger"
	"github.com/reachflow-go/internal/automation/ports"
	"github.com/reachflow-go/pkg/events"
	"github.com/reachflow-go/pkg/logger"
	"github.com/reachflow-go/pkg/resilience"
)

type MockSignals struct {
	mock.Mock
}

func (m *MockSignals) HandleIncomingMessage(ctx context.Context, msg trigger.IncomingMessage) ([]trigger.TriggerResult, error) {
	args := m.Called(ctx, msg)
	return nil, args.Error(0)
}

func (m *MockSignals) HandleEvent(ctx context.Context, event trigger.DomainEvent) ([]trigger.TriggerResult, error) {
	args := m.Called(ctx, event)
	return nil, args.Error(0)
}

// flakyBus rejects the first `failures` publishes.
type flakyBus struct {
	mu        sync.Mutex
	failures  int
	published []events.Event
}

func (b *flakyBus) Publish(_ context.Context, event events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return errors.New("broker unavailable")
	}
	b.published = append(b.published, event)
	return nil
}

func (b *flakyBus) Subscribe(string, events.EventHandler) error { return nil }
func (b *flakyBus) Close() error                                { return nil }

func fastRetry() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	return cfg
}

func TestPublisher_BuildsEnvelope(t *testing.T) {
	bus := &flakyBus{failures: 1}
	p := NewPublisher(bus, logger.NewNop(), WithRetry(fastRetry()))

	err := p.Publish(context.Background(), ports.SubjectSendMessage,
		map[string]interface{}{"contactId": "c1", "templateId": "welcome"},
		ports.PublishOptions{TenantID: "t1", CorrelationID: "corr-1", AggregateID: "run-1"})
	require.NoError(t, err)

	require.Len(t, bus.published, 1)
	event := bus.published[0]
	assert.Equal(t, ports.SubjectSendMessage, event.Type)
	assert.Equal(t, "t1", event.TenantID)
	assert.Equal(t, "run-1", event.AggregateID)
	assert.Equal(t, "workflow_run", event.AggregateType)
	assert.Equal(t, "corr-1", event.Metadata.CorrelationID)
	assert.Equal(t, "welcome", event.Payload["templateId"])
	assert.NotEmpty(t, event.ID)
}

func TestPublisher_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	bus := &flakyBus{failures: 1000}
	cfg := resilience.DefaultCircuitBreakerConfig("test")
	cfg.MinRequests = 2
	retry := fastRetry()
	retry.MaxAttempts = 1

	p := NewPublisher(bus, logger.NewNop(), WithRetry(retry), WithCircuitBreaker(resilience.NewCircuitBreaker(cfg)))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := p.Publish(ctx, ports.SubjectRunCompleted, nil, ports.PublishOptions{TenantID: "t1"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, resilience.ErrCircuitOpen)
	}

	err := p.Publish(ctx, ports.SubjectRunCompleted, nil, ports.PublishOptions{TenantID: "t1"})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestMessageFromEvent(t *testing.T) {
	msg, err := MessageFromEvent(events.Event{
		TenantID: "t1",
		Payload: map[string]interface{}{
			"contactId": "c1",
			"channel":   "whatsapp",
			"content":   "hello",
			"metadata":  map[string]interface{}{"messageId": "m1"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, trigger.IncomingMessage{
		TenantID:  "t1",
		ContactID: "c1",
		Channel:   "whatsapp",
		Content:   "hello",
		Metadata:  map[string]interface{}{"messageId": "m1"},
	}, msg)

	_, err = MessageFromEvent(events.Event{Payload: map[string]interface{}{"channel": "sms"}})
	assert.ErrorIs(t, err, ErrMissingTenant)

	_, err = MessageFromEvent(events.Event{TenantID: "t1", Payload: map[string]interface{}{}})
	assert.Error(t, err)
}

func TestDomainEventFromEvent(t *testing.T) {
	raw := []byte(`{"tenantId":"t1","type":"contact.updated","payload":{"tier":"vip"}}`)
	envelope, err := events.Decode(raw)
	require.NoError(t, err)
	envelope.AggregateType = "contact"
	envelope.AggregateID = "c9"

	ev, err := DomainEventFromEvent(envelope)
	require.NoError(t, err)
	assert.Equal(t, "t1", ev.TenantID)
	assert.Equal(t, "contact.updated", ev.Type)
	assert.Equal(t, "c9", ev.ContactID)
	assert.Equal(t, "vip", ev.Payload["tier"])

	// Producers without the envelope
	plain, err := events.Decode([]byte(`{"tenantId":"t2","type":"deal.won","contactId":"c1","amount":10}`))
	require.NoError(t, err)
	ev, err = DomainEventFromEvent(plain)
	require.NoError(t, err)
	assert.Equal(t, "deal.won", ev.Type)
	assert.Equal(t, "c1", ev.ContactID)

	_, err = DomainEventFromEvent(events.Event{TenantID: "t1", Payload: map[string]interface{}{}})
	assert.Error(t, err)
}

func TestConsumer_DispatchesToMatcher(t *testing.T) {
	var (
		mu          sync.Mutex
		consumeErrs []error
	)
	bus := events.NewChannelEventBus(func(_ string, err error) {
		mu.Lock()
		consumeErrs = append(consumeErrs, err)
		mu.Unlock()
	})
	t.Cleanup(func() { _ = bus.Close() })

	signals := &MockSignals{}
	received := make(chan string, 2)
	signals.On("HandleIncomingMessage", mock.Anything, mock.MatchedBy(func(m trigger.IncomingMessage) bool {
		return m.TenantID == "t1" && m.Channel == "email"
	})).Run(func(mock.Arguments) { received <- "message" }).Return(nil)
	signals.On("HandleEvent", mock.Anything, mock.MatchedBy(func(e trigger.DomainEvent) bool {
		return e.Type == "contact.created"
	})).Run(func(mock.Arguments) { received <- "event" }).Return(nil)

	consumer := NewConsumer(bus, signals, "", "", logger.NewNop())
	require.NoError(t, consumer.Start())

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, events.Event{
		Type:     DefaultMessageTopic,
		TenantID: "t1",
		Payload:  map[string]interface{}{"contactId": "c1", "channel": "email", "content": "hi"},
	}))
	require.NoError(t, bus.Publish(ctx, events.Event{
		Type:    DefaultMessageTopic,
		Payload: map[string]interface{}{"channel": "email"},
	}))

	// The channel bus routes by event type, so domain events arrive on their
	// own topic name here
	domainBus := events.NewChannelEventBus(nil)
	t.Cleanup(func() { _ = domainBus.Close() })
	require.NoError(t, NewConsumer(domainBus, signals, "unused", "contact.created", logger.NewNop()).Start())
	require.NoError(t, domainBus.Publish(ctx, events.Event{
		Type:     "contact.created",
		TenantID: "t1",
		Payload:  map[string]interface{}{"contactId": "c1"},
	}))

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case kind := <-received:
			got[kind] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, received %v", got)
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(consumeErrs) == 1
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.ErrorIs(t, consumeErrs[0], ErrMissingTenant)
	mu.Unlock()

	signals.AssertExpectations(t)
}
