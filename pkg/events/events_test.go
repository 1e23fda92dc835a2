package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-go-golems/branchchat/pkg/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMeta() TurnMetadata {
	return TurnMetadata{
		Kind:           TurnKindEdit,
		ConversationID: "c1",
		GroupID:        "g1",
		GroupCreatedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		UserMessageID:  "u2",
		Query:          "what about tomorrow?",
	}
}

func TestNewEventFromJsonDecodesTypedEvents(t *testing.T) {
	meta := testMeta()
	for _, e := range []Event{
		NewStartEvent(meta),
		NewPartialEvent(meta, "lo", "hello"),
		NewFinalEvent(meta, "hello", true, "a2"),
		NewInterruptEvent(meta, "hel"),
		NewErrorEvent(meta, assert.AnError),
	} {
		b, err := json.Marshal(e)
		require.NoError(t, err)

		decoded, err := NewEventFromJson(b)
		require.NoError(t, err)
		assert.Equal(t, e.Type(), decoded.Type())
		assert.Equal(t, "g1", decoded.Metadata().GroupID)
		assert.True(t, meta.GroupCreatedAt.Equal(decoded.Metadata().GroupCreatedAt))
	}

	b, err := json.Marshal(NewFinalEvent(meta, "done", true, "a2"))
	require.NoError(t, err)
	decoded, err := NewEventFromJson(b)
	require.NoError(t, err)
	final, ok := decoded.(*EventFinal)
	require.True(t, ok)
	assert.Equal(t, "done", final.Text)
	assert.True(t, final.Persisted)
	assert.Equal(t, "a2", final.AssistantMessageID)
}

func TestNewEventFromJsonRejectsUnknownType(t *testing.T) {
	_, err := NewEventFromJson([]byte(`{"type":"bogus"}`))
	require.Error(t, err)
	_, err = NewEventFromJson([]byte(`not json`))
	require.Error(t, err)
}

func TestRouterDeliversEventsToHandlers(t *testing.T) {
	r, err := NewRouter()
	require.NoError(t, err)

	received := make(chan Event, 4)
	requestIDs := make(chan string, 4)
	ctxErrs := make(chan error, 4)
	r.AddEventHandler("test", func(ctx context.Context, e Event) error {
		requestIDs <- helpers.RequestIDFromContext(ctx)
		ctxErrs <- ctx.Err()
		received <- e
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = r.Run(ctx)
	}()
	<-r.Running()
	defer func() { _ = r.Close() }()

	// the request id travels as metadata, the publisher's cancellation does not
	pubCtx, pubCancel := context.WithCancel(helpers.ContextWithRequestID(context.Background(), "req-1"))
	pubCancel()
	require.NoError(t, r.Sink().PublishEvent(pubCtx, NewFinalEvent(testMeta(), "hi", true, "a1")))

	select {
	case e := <-received:
		assert.Equal(t, EventTypeFinal, e.Type())
		assert.Equal(t, "req-1", <-requestIDs)
		assert.NoError(t, <-ctxErrs)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestRecordingSinkKeepsOrder(t *testing.T) {
	s := &RecordingSink{}
	meta := testMeta()
	require.NoError(t, s.PublishEvent(context.Background(), NewStartEvent(meta)))
	require.NoError(t, s.PublishEvent(context.Background(), NewPartialEvent(meta, "a", "a")))
	require.NoError(t, s.PublishEvent(context.Background(), NewFinalEvent(meta, "a", false, "")))
	assert.Equal(t, []EventType{EventTypeStart, EventTypePartial, EventTypeFinal}, s.Types())
}
