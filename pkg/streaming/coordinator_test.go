package streaming

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-go-golems/branchchat/pkg/completion"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	bytes.Buffer
	flushes int
	// afterFlush is called with the number of flushes so far.
	afterFlush func(n int)
	failWrite  bool
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	if w.failWrite {
		return 0, errors.New("broken pipe")
	}
	return w.Buffer.Write(p)
}

func (w *recordingWriter) Flush() error {
	w.flushes++
	if w.afterFlush != nil {
		w.afterFlush(w.flushes)
	}
	return nil
}

func tokens(n int) []string {
	ret := make([]string, n)
	for i := range ret {
		ret[i] = fmt.Sprintf("t%d ", i)
	}
	return ret
}

func meta() events.TurnMetadata {
	return events.TurnMetadata{Kind: events.TurnKindQuery, ConversationID: "c1", GroupID: "g1", Query: "q"}
}

func TestRelayDeliversAndPersistsOnce(t *testing.T) {
	svc := &completion.ScriptedService{Chunks: []string{"Hel", "lo", " world"}}
	stream, err := svc.Stream(context.Background(), &completion.Request{})
	require.NoError(t, err)

	sink := &events.RecordingSink{}
	c := NewCoordinator(WithSink(sink))
	w := &recordingWriter{}

	calls := 0
	var persisted string
	text, err := c.Relay(context.Background(), stream, w, meta(), func(ctx context.Context, full string) (string, error) {
		calls++
		persisted = full
		assert.NoError(t, ctx.Err())
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return "a1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)
	assert.Equal(t, "Hello world", w.String())
	assert.Equal(t, 3, w.flushes)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "Hello world", persisted)

	assert.Equal(t, []events.EventType{
		events.EventTypeStart,
		events.EventTypePartial, events.EventTypePartial, events.EventTypePartial,
		events.EventTypeFinal,
	}, sink.Types())
	all := sink.Events()
	final, ok := all[len(all)-1].(*events.EventFinal)
	require.True(t, ok)
	assert.True(t, final.Persisted)
	assert.Equal(t, "a1", final.AssistantMessageID)
	assert.Equal(t, "Hello world", final.Text)
}

func TestRelayFlushesBeforeNextChunk(t *testing.T) {
	svc := &completion.ScriptedService{Chunks: []string{"a", "b", "c"}}
	stream, err := svc.Stream(context.Background(), &completion.Request{})
	require.NoError(t, err)

	w := &recordingWriter{}
	seen := []string{}
	w.afterFlush = func(n int) {
		seen = append(seen, w.String())
	}
	_, err = NewCoordinator().Relay(context.Background(), stream, w, meta(), func(context.Context, string) (string, error) {
		return "a1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "ab", "abc"}, seen)
}

func TestRelayDisconnectAfterTenOfFiftyTokens(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := &completion.ScriptedService{Chunks: tokens(50)}
	stream, err := svc.Stream(ctx, &completion.Request{})
	require.NoError(t, err)

	sink := &events.RecordingSink{}
	w := &recordingWriter{}
	w.afterFlush = func(n int) {
		if n == 10 {
			cancel()
		}
	}

	called := false
	text, err := NewCoordinator(WithSink(sink)).Relay(ctx, stream, w, meta(), func(context.Context, string) (string, error) {
		called = true
		return "a1", nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, conversation.ErrStreamInterrupted)
	assert.False(t, called)
	assert.Equal(t, 10, w.flushes)
	assert.Equal(t, w.String(), text)

	types := sink.Types()
	assert.Equal(t, events.EventTypeInterrupt, types[len(types)-1])
	assert.NotContains(t, types, events.EventTypeFinal)
}

func TestRelayUpstreamFailureMidStream(t *testing.T) {
	svc := &completion.ScriptedService{Chunks: tokens(50), FailAfter: 10}
	stream, err := svc.Stream(context.Background(), &completion.Request{})
	require.NoError(t, err)

	sink := &events.RecordingSink{}
	called := false
	text, err := NewCoordinator(WithSink(sink)).Relay(context.Background(), stream, &recordingWriter{}, meta(),
		func(context.Context, string) (string, error) {
			called = true
			return "", nil
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, conversation.ErrStreamInterrupted)
	assert.False(t, called)
	assert.Contains(t, text, "t9 ")
	assert.NotContains(t, text, "t10 ")

	types := sink.Types()
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, events.EventTypeError, types[len(types)-2])
	assert.Equal(t, events.EventTypeInterrupt, types[len(types)-1])
}

func TestRelayWriteFailureInterrupts(t *testing.T) {
	svc := &completion.ScriptedService{Chunks: []string{"a", "b"}}
	stream, err := svc.Stream(context.Background(), &completion.Request{})
	require.NoError(t, err)

	_, err = NewCoordinator().Relay(context.Background(), stream, &recordingWriter{failWrite: true}, meta(),
		func(context.Context, string) (string, error) {
			t.Fatal("must not persist")
			return "", nil
		})
	assert.ErrorIs(t, err, conversation.ErrStreamInterrupted)
}

func TestRelayPersistFailureStillReturnsText(t *testing.T) {
	svc := &completion.ScriptedService{Chunks: []string{"done"}}
	stream, err := svc.Stream(context.Background(), &completion.Request{})
	require.NoError(t, err)

	sink := &events.RecordingSink{}
	w := &recordingWriter{}
	text, err := NewCoordinator(WithSink(sink)).Relay(context.Background(), stream, w, meta(),
		func(context.Context, string) (string, error) {
			return "", errors.New("disk full")
		})
	require.Error(t, err)
	assert.NotErrorIs(t, err, conversation.ErrStreamInterrupted)
	assert.Equal(t, "done", text)
	assert.Equal(t, "done", w.String())

	all := sink.Events()
	final, ok := all[len(all)-1].(*events.EventFinal)
	require.True(t, ok)
	assert.False(t, final.Persisted)
}

func TestRelayPersistsOnDetachedContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	svc := &completion.ScriptedService{Chunks: []string{"x"}}
	stream, err := svc.Stream(context.Background(), &completion.Request{})
	require.NoError(t, err)

	c := NewCoordinator(WithPersistTimeout(time.Second))
	_, err = c.Relay(ctx, stream, &recordingWriter{}, meta(), func(pctx context.Context, _ string) (string, error) {
		// caller goes away while the write is in flight
		cancel()
		assert.NoError(t, pctx.Err())
		return "a1", nil
	})
	require.NoError(t, err)
}
