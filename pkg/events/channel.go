package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const metadataType = "event_type"

// ChannelBus is the in-process event bus used when no NATS server is configured.
type ChannelBus struct {
	pubSub *gochannel.GoChannel
}

func NewChannelBus(logger watermill.LoggerAdapter) *ChannelBus {
	return &ChannelBus{
		pubSub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger),
	}
}

func (b *ChannelBus) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event.Payload())
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set(metadataType, event.EventType())

	if err := b.pubSub.Publish(Subject(event.EventType()), msg); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.EventType(), err)
	}
	return nil
}

// Subscribe delivers events of eventType to handler until ctx is done.
// A handler error nacks the message so it is redelivered.
func (b *ChannelBus) Subscribe(ctx context.Context, eventType string, handler Handler) error {
	messages, err := b.pubSub.Subscribe(ctx, Subject(eventType))
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			var payload map[string]interface{}
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				msg.Ack() // malformed, never retry
				continue
			}
			evt := BaseEvent{
				Type:       msg.Metadata.Get(metadataType),
				Data:       payload,
				OccurredAt: time.Now(),
			}
			if err := handler(msg.Context(), evt); err != nil {
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}()
	return nil
}

func (b *ChannelBus) Close() error {
	return b.pubSub.Close()
}
