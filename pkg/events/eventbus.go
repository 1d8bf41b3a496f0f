package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	AggregateID   string                 `json:"aggregateId"`
	AggregateType string                 `json:"aggregateType"`
	TenantID      string                 `json:"tenantId"`
	Timestamp     time.Time              `json:"timestamp"`
	Version       int                    `json:"version"`
	Payload       map[string]interface{} `json:"payload"`
	Metadata      EventMetadata          `json:"metadata"`
}

type EventMetadata struct {
	CorrelationID string `json:"correlationId"`
	CausationID   string `json:"causationId"`
	TraceID       string `json:"traceId"`
}

type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(topic string, handler EventHandler) error
	Close() error
}

type EventHandler func(ctx context.Context, event Event) error

// ErrorHandler receives consume-side failures that cannot be returned to a caller.
type ErrorHandler func(topic string, err error)

type KafkaConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

type KafkaEventBus struct {
	config  KafkaConfig
	writer  *kafka.Writer
	readers map[string]*kafka.Reader
	onError ErrorHandler
	mu      sync.Mutex
	cancel  context.CancelFunc
	ctx     context.Context
	wg      sync.WaitGroup
}

// NewKafkaEventBus creates a bus that writes every event to config.Topic, or
// to a topic named after the event type when config.Topic is empty.
func NewKafkaEventBus(config KafkaConfig, onError ErrorHandler) (*KafkaEventBus, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	if onError == nil {
		onError = func(string, error) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaEventBus{
		config:  config,
		writer:  writer,
		readers: make(map[string]*kafka.Reader),
		onError: onError,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (k *KafkaEventBus) Publish(ctx context.Context, event Event) error {
	event = normalize(event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := k.config.Topic
	if topic == "" {
		topic = event.Type
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(event.AggregateID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "tenant-id", Value: []byte(event.TenantID)},
			{Key: "correlation-id", Value: []byte(event.Metadata.CorrelationID)},
		},
	}

	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaEventBus) Subscribe(topic string, handler EventHandler) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.readers[topic]; exists {
		return fmt.Errorf("already subscribed to topic %s", topic)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		Topic:       topic,
		GroupID:     k.config.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
		MaxWait:     1 * time.Second,
	})
	k.readers[topic] = reader

	k.wg.Add(1)
	go k.consume(topic, reader, handler)

	return nil
}

func (k *KafkaEventBus) consume(topic string, reader *kafka.Reader, handler EventHandler) {
	defer k.wg.Done()

	for {
		msg, err := reader.ReadMessage(k.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			k.onError(topic, fmt.Errorf("read message: %w", err))
			select {
			case <-k.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		event, err := Decode(msg.Value)
		if err != nil {
			k.onError(topic, err)
			continue
		}

		if err := handler(k.ctx, event); err != nil {
			k.onError(topic, fmt.Errorf("handle %s: %w", event.Type, err))
		}
	}
}

func (k *KafkaEventBus) Close() error {
	k.cancel()

	var errs []error
	if err := k.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close writer: %w", err))
	}

	k.mu.Lock()
	for topic, reader := range k.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close reader for topic %s: %w", topic, err))
		}
	}
	k.mu.Unlock()

	k.wg.Wait()
	return errors.Join(errs...)
}

// Decode parses an event envelope. Messages produced by systems that do not
// use the envelope are wrapped as the payload of an untyped event.
func Decode(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if event.Type == "" && event.Payload == nil {
		var payload map[string]interface{}
		if err := json.Unmarshal(data, &payload); err != nil {
			return Event{}, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		event.Payload = payload
	}
	return event, nil
}

func normalize(event Event) Event {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Version == 0 {
		event.Version = 1
	}
	return event
}

// Event builder helper
type EventBuilder struct {
	event Event
}

func NewEventBuilder(eventType string) *EventBuilder {
	return &EventBuilder{
		event: Event{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now().UTC(),
			Version:   1,
			Payload:   make(map[string]interface{}),
		},
	}
}

func (b *EventBuilder) WithAggregateID(id string) *EventBuilder {
	b.event.AggregateID = id
	return b
}

func (b *EventBuilder) WithAggregateType(aggregateType string) *EventBuilder {
	b.event.AggregateType = aggregateType
	return b
}

func (b *EventBuilder) WithTenantID(tenantID string) *EventBuilder {
	b.event.TenantID = tenantID
	return b
}

func (b *EventBuilder) WithPayload(key string, value interface{}) *EventBuilder {
	b.event.Payload[key] = value
	return b
}

func (b *EventBuilder) WithPayloadMap(payload map[string]interface{}) *EventBuilder {
	for k, v := range payload {
		b.event.Payload[k] = v
	}
	return b
}

func (b *EventBuilder) WithCorrelationID(id string) *EventBuilder {
	b.event.Metadata.CorrelationID = id
	return b
}

func (b *EventBuilder) WithCausationID(id string) *EventBuilder {
	b.event.Metadata.CausationID = id
	return b
}

func (b *EventBuilder) WithTraceID(id string) *EventBuilder {
	b.event.Metadata.TraceID = id
	return b
}

func (b *EventBuilder) Build() Event {
	return b.event
}
