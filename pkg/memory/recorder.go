package memory

import (
	"context"
	"time"

	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/rs/zerolog/log"
)

const DefaultUpdateWindow = 30 * time.Second

// Recorder writes finished exchanges back into memory.
//
// A new turn always adds a fact. Edits and retries first look for the fact
// written by the slot's first answer, i.e. one created within the update window
// after the group was created, and rewrite it. Only when there is none is a fact
// added.
type Recorder struct {
	service Service
	window  time.Duration
	now     func() time.Time
}

func NewRecorder(service Service, window time.Duration) *Recorder {
	if window <= 0 {
		window = DefaultUpdateWindow
	}
	return &Recorder{service: service, window: window, now: time.Now}
}

// HandleEvent is registered on the event router. Only persisted final events are
// recorded. Failures are logged and swallowed so the bus does not redeliver.
func (r *Recorder) HandleEvent(ctx context.Context, e events.Event) error {
	final, ok := e.(*events.EventFinal)
	if !ok || !final.Persisted {
		return nil
	}
	meta := final.Metadata()
	if err := r.Record(ctx, meta, final.Text); err != nil {
		log.Warn().Err(err).EmbedObject(meta).Msg("Could not record memory")
	}
	return nil
}

func (r *Recorder) Record(ctx context.Context, meta events.TurnMetadata, reply string) error {
	exchange := Exchange{Query: meta.Query, Reply: reply, At: r.now()}

	if meta.Kind != events.TurnKindQuery && !meta.GroupCreatedAt.IsZero() {
		facts, err := r.service.List(ctx, meta.ConversationID, Filter{
			From: meta.GroupCreatedAt,
			To:   meta.GroupCreatedAt.Add(r.window),
		})
		if err != nil {
			return err
		}
		if len(facts) > 0 {
			log.Debug().EmbedObject(meta).Str("fact", facts[0].ID).Msg("Updating memory of edited turn")
			return r.service.Update(ctx, facts[0].ID, exchange.Text())
		}
	}

	fact, err := r.service.Add(ctx, meta.ConversationID, exchange)
	if err != nil {
		return err
	}
	if fact != nil {
		log.Debug().EmbedObject(meta).Str("fact", fact.ID).Msg("Added memory")
	}
	return nil
}
