package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/branchchat/pkg/helpers"
	"github.com/rs/zerolog/log"
)

// EventSink is a destination for turn events.
type EventSink interface {
	PublishEvent(ctx context.Context, event Event) error
}

// WatermillSink publishes events as JSON messages on a watermill publisher.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

var _ EventSink = (*WatermillSink)(nil)

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{publisher: publisher, topic: topic}
}

func (w *WatermillSink) PublishEvent(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal event to JSON")
		return err
	}

	// publishers copy messages without their context, only metadata reaches handlers
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if id := helpers.RequestIDFromContext(ctx); id != "" {
		msg.Metadata.Set(helpers.RequestIDMetadataKey, id)
	}
	msg.Metadata.Set("event_type", string(event.Type()))

	if err := w.publisher.Publish(w.topic, msg); err != nil {
		log.Error().Err(err).Str("topic", w.topic).Msg("Failed to publish event")
		return err
	}
	log.Trace().Str("topic", w.topic).Str("event_type", string(event.Type())).Msg("Published event")
	return nil
}

// NullSink discards every event.
type NullSink struct{}

var _ EventSink = NullSink{}

func (NullSink) PublishEvent(context.Context, Event) error { return nil }

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event Event) error

func (f EventSinkFunc) PublishEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// RecordingSink keeps published events in memory.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

var _ EventSink = (*RecordingSink)(nil)

func (r *RecordingSink) PublishEvent(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *RecordingSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event{}, r.events...)
}

// Types returns the types of the recorded events in publish order.
func (r *RecordingSink) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		ret = append(ret, e.Type())
	}
	return ret
}
