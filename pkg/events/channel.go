package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// ChannelEventBus is an in-process bus for local development and tests. Event
// types double as topics.
type ChannelEventBus struct {
	pubSub  *gochannel.GoChannel
	onError ErrorHandler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewChannelEventBus(onError ErrorHandler) *ChannelEventBus {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            1000,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NopLogger{},
	)

	if onError == nil {
		onError = func(string, error) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ChannelEventBus{
		pubSub:  pubSub,
		onError: onError,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *ChannelEventBus) Publish(_ context.Context, event Event) error {
	event = normalize(event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(event.ID, data)
	msg.Metadata.Set("event-type", event.Type)
	msg.Metadata.Set("tenant-id", event.TenantID)
	msg.Metadata.Set("correlation-id", event.Metadata.CorrelationID)

	return b.pubSub.Publish(event.Type, msg)
}

func (b *ChannelEventBus) Subscribe(topic string, handler EventHandler) error {
	messages, err := b.pubSub.Subscribe(b.ctx, topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range messages {
			event, err := Decode(msg.Payload)
			if err != nil {
				b.onError(topic, err)
				msg.Ack()
				continue
			}
			if err := handler(b.ctx, event); err != nil {
				b.onError(topic, fmt.Errorf("handle %s: %w", event.Type, err))
			}
			msg.Ack()
		}
	}()

	return nil
}

func (b *ChannelEventBus) Close() error {
	b.cancel()
	err := b.pubSub.Close()
	b.wg.Wait()
	return err
}
