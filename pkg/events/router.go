package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-go-golems/branchchat/pkg/helpers"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Router owns the in-process pub/sub and the handlers subscribed to it.
type Router struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
	bufferSize int64
}

type RouterOption func(*Router)

func WithLogger(logger watermill.LoggerAdapter) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithZerolog logs watermill output through the global zerolog logger.
func WithZerolog() RouterOption {
	return func(r *Router) {
		r.logger = helpers.NewWatermillLogger(log.Logger)
	}
}

// WithBufferSize sets how many messages may queue per subscriber before
// publishing blocks.
func WithBufferSize(n int64) RouterOption {
	return func(r *Router) {
		r.bufferSize = n
	}
}

func NewRouter(options ...RouterOption) (*Router, error) {
	ret := &Router{
		logger:     watermill.NopLogger{},
		bufferSize: 256,
	}
	for _, o := range options {
		o(ret)
	}

	// publishing never waits for handlers so token relay is not slowed down by subscribers
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            ret.bufferSize,
		BlockPublishUntilSubscriberAck: false,
	}, ret.logger)
	ret.Publisher = pubSub
	ret.Subscriber = pubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, errors.Wrap(err, "create watermill router")
	}
	ret.router = router
	return ret, nil
}

// Sink returns an EventSink publishing on TopicTurns.
func (r *Router) Sink() *WatermillSink {
	return NewWatermillSink(r.Publisher, TopicTurns)
}

// AddHandler subscribes f to topic. Must be called before Run.
func (r *Router) AddHandler(name string, topic string, f message.NoPublishHandlerFunc) {
	r.router.AddNoPublisherHandler(name, topic, r.Subscriber, f)
}

// AddEventHandler subscribes a typed handler to TopicTurns. Messages that fail to
// decode are logged and acknowledged.
func (r *Router) AddEventHandler(name string, handler func(ctx context.Context, e Event) error) {
	r.AddHandler(name, TopicTurns, func(msg *message.Message) error {
		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("handler", name).Str("message_id", msg.UUID).Msg("Dropping undecodable event")
			return nil
		}
		ctx := msg.Context()
		if id := msg.Metadata.Get(helpers.RequestIDMetadataKey); id != "" {
			ctx = helpers.ContextWithRequestID(ctx, id)
		}
		return handler(ctx, e)
	})
}

func (r *Router) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

func (r *Router) Running() chan struct{} {
	return r.router.Running()
}

func (r *Router) Close() error {
	var ret error
	if err := r.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close pubsub")
		ret = err
	}
	if err := r.router.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close router")
		ret = err
	}
	return ret
}
