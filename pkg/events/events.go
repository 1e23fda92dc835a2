// Package events carries turn lifecycle events from the streaming coordinator to
// in-process subscribers (memory recording, metrics) over a watermill bus.
package events

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// TopicTurns is the topic every turn event is published on.
const TopicTurns = "turns"

type EventType string

const (
	EventTypeStart     EventType = "start"
	EventTypePartial   EventType = "partial"
	EventTypeFinal     EventType = "final"
	EventTypeInterrupt EventType = "interrupt"
	EventTypeError     EventType = "error"
)

type TurnKind string

const (
	TurnKindQuery TurnKind = "query"
	TurnKindEdit  TurnKind = "edit"
	TurnKindRetry TurnKind = "retry"
)

// TurnMetadata identifies the turn an event belongs to.
type TurnMetadata struct {
	RequestID      string    `json:"request_id,omitempty"`
	Kind           TurnKind  `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	GroupID        string    `json:"group_id"`
	GroupCreatedAt time.Time `json:"group_created_at"`
	UserMessageID  string    `json:"user_message_id"`
	Query          string    `json:"query"`
	Model          string    `json:"model,omitempty"`
}

func (m TurnMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("kind", string(m.Kind)).
		Str("conversation_id", m.ConversationID).
		Str("group_id", m.GroupID).
		Str("user_message_id", m.UserMessageID)
	if m.RequestID != "" {
		e.Str("request_id", m.RequestID)
	}
}

type Event interface {
	Type() EventType
	Metadata() TurnMetadata
}

type EventImpl struct {
	Type_     EventType    `json:"type"`
	Metadata_ TurnMetadata `json:"meta"`
}

func (e *EventImpl) Type() EventType { return e.Type_ }

func (e *EventImpl) Metadata() TurnMetadata { return e.Metadata_ }

type EventStart struct {
	EventImpl
}

func NewStartEvent(meta TurnMetadata) *EventStart {
	return &EventStart{EventImpl{Type_: EventTypeStart, Metadata_: meta}}
}

// EventPartial carries one streamed chunk and the text accumulated so far.
type EventPartial struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialEvent(meta TurnMetadata, delta, completion string) *EventPartial {
	return &EventPartial{
		EventImpl:  EventImpl{Type_: EventTypePartial, Metadata_: meta},
		Delta:      delta,
		Completion: completion,
	}
}

// EventFinal is published once the full reply is known. Persisted tells whether
// the reply was durably recorded in the store.
type EventFinal struct {
	EventImpl
	Text               string `json:"text"`
	Persisted          bool   `json:"persisted"`
	AssistantMessageID string `json:"assistant_message_id,omitempty"`
}

func NewFinalEvent(meta TurnMetadata, text string, persisted bool, assistantMessageID string) *EventFinal {
	return &EventFinal{
		EventImpl:          EventImpl{Type_: EventTypeFinal, Metadata_: meta},
		Text:               text,
		Persisted:          persisted,
		AssistantMessageID: assistantMessageID,
	}
}

// EventInterrupt reports a stream cut short. Text is whatever was relayed so far.
type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(meta TurnMetadata, text string) *EventInterrupt {
	return &EventInterrupt{EventImpl{Type_: EventTypeInterrupt, Metadata_: meta}, text}
}

type EventError struct {
	EventImpl
	ErrorString string `json:"error"`
}

func NewErrorEvent(meta TurnMetadata, err error) *EventError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &EventError{EventImpl{Type_: EventTypeError, Metadata_: meta}, msg}
}

// NewEventFromJson decodes an event published by a sink.
func NewEventFromJson(b []byte) (Event, error) {
	var hdr EventImpl
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, errors.Wrap(err, "decode event header")
	}

	var ret Event
	switch hdr.Type_ {
	case EventTypeStart:
		ret = &EventStart{}
	case EventTypePartial:
		ret = &EventPartial{}
	case EventTypeFinal:
		ret = &EventFinal{}
	case EventTypeInterrupt:
		ret = &EventInterrupt{}
	case EventTypeError:
		ret = &EventError{}
	default:
		return nil, errors.Errorf("unknown event type %q", hdr.Type_)
	}
	if err := json.Unmarshal(b, ret); err != nil {
		return nil, errors.Wrapf(err, "decode %s event", hdr.Type_)
	}
	return ret, nil
}
