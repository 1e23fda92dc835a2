// Package streaming relays a completion stream to the caller and persists the
// reply once it is complete.
package streaming

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/go-go-golems/branchchat/pkg/completion"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultPersistTimeout = 10 * time.Second

// ChunkWriter receives reply chunks. Flush is called after every chunk.
type ChunkWriter interface {
	io.Writer
	Flush() error
}

// CompleteFunc persists the full reply. It returns the assistant message id.
type CompleteFunc func(ctx context.Context, fullText string) (string, error)

type Coordinator struct {
	sink           events.EventSink
	persistTimeout time.Duration
}

type Option func(*Coordinator)

func WithSink(sink events.EventSink) Option {
	return func(c *Coordinator) {
		c.sink = sink
	}
}

func WithPersistTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.persistTimeout = d
	}
}

func NewCoordinator(options ...Option) *Coordinator {
	c := &Coordinator{
		sink:           events.NullSink{},
		persistTimeout: DefaultPersistTimeout,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *Coordinator) publish(ctx context.Context, e events.Event) {
	if err := c.sink.PublishEvent(ctx, e); err != nil {
		log.Warn().Err(err).Str("event_type", string(e.Type())).Msg("Could not publish turn event")
	}
}

// Relay forwards every chunk of stream to w as soon as it arrives and returns the
// full reply.
//
// onComplete runs once, after the stream ended cleanly, on a context detached
// from ctx so that a disconnect after the last chunk cannot abandon the write.
// A persistence failure is logged and returned wrapped; the text was already
// delivered at that point.
//
// If ctx is done, a write fails or the stream breaks, Relay returns
// conversation.ErrStreamInterrupted together with the partial text and
// onComplete is not called.
func (c *Coordinator) Relay(
	ctx context.Context,
	stream completion.Stream,
	w ChunkWriter,
	meta events.TurnMetadata,
	onComplete CompleteFunc,
) (string, error) {
	defer func() {
		_ = stream.Close()
	}()

	c.publish(ctx, events.NewStartEvent(meta))

	var full strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return c.interrupted(ctx, meta, full.String(), err)
		}
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return c.interrupted(ctx, meta, full.String(), ctx.Err())
			}
			c.publish(ctx, events.NewErrorEvent(meta, err))
			return c.interrupted(ctx, meta, full.String(), err)
		}
		if chunk == "" {
			continue
		}
		if _, err := io.WriteString(w, chunk); err != nil {
			return c.interrupted(ctx, meta, full.String(), errors.Wrap(err, "write chunk"))
		}
		if err := w.Flush(); err != nil {
			return c.interrupted(ctx, meta, full.String(), errors.Wrap(err, "flush chunk"))
		}
		full.WriteString(chunk)
		c.publish(ctx, events.NewPartialEvent(meta, chunk, full.String()))
	}

	text := full.String()
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.persistTimeout)
	defer cancel()

	assistantID, err := onComplete(persistCtx, text)
	if err != nil {
		log.Error().Err(err).EmbedObject(meta).Int("length", len(text)).
			Msg("Reply was delivered but could not be persisted")
		c.publish(persistCtx, events.NewFinalEvent(meta, text, false, ""))
		return text, errors.Wrap(err, "persist reply")
	}

	log.Debug().EmbedObject(meta).Str("assistant_message_id", assistantID).Int("length", len(text)).
		Msg("Reply persisted")
	c.publish(persistCtx, events.NewFinalEvent(meta, text, true, assistantID))
	return text, nil
}

func (c *Coordinator) interrupted(ctx context.Context, meta events.TurnMetadata, partial string, cause error) (string, error) {
	log.Warn().Err(cause).EmbedObject(meta).Int("relayed", len(partial)).Msg("Stream interrupted, reply not persisted")
	c.publish(context.WithoutCancel(ctx), events.NewInterruptEvent(meta, partial))
	return partial, errors.Wrapf(conversation.ErrStreamInterrupted, "%v", cause)
}
