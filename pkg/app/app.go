// Package app wires settings into a running branchchat server.
package app

import (
	"context"
	"strings"

	"github.com/go-go-golems/branchchat/pkg/branching"
	"github.com/go-go-golems/branchchat/pkg/completion"
	"github.com/go-go-golems/branchchat/pkg/embeddings"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/memory"
	"github.com/go-go-golems/branchchat/pkg/server"
	"github.com/go-go-golems/branchchat/pkg/settings"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/go-go-golems/branchchat/pkg/streaming"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type App struct {
	Settings   *settings.Settings
	Store      store.Store
	Memory     memory.Service
	Completion completion.Service
	Events     *events.Router
	Engine     *branching.Engine
	Server     *server.Server
}

// OpenStore opens the store selected by s.
func OpenStore(s settings.StoreSettings) (store.Store, error) {
	switch strings.ToLower(s.Driver) {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		st, err := store.NewSQLiteStore(s.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.Errorf("unknown store driver %q", s.Driver)
	}
}

// NewEmbedder returns the embedding provider used by the local memory
// backend, or nil for keyword ranking.
func NewEmbedder(s settings.MemorySettings, ai settings.OpenAISettings) (embeddings.Provider, error) {
	var p embeddings.Provider
	switch strings.ToLower(s.Embedder) {
	case "", "none":
		return nil, nil
	case "hash":
		p = embeddings.NewHashProvider(0)
	case "openai":
		openai, err := embeddings.NewOpenAIProvider(ai.APIKey, ai.BaseURL, s.EmbeddingModel)
		if err != nil {
			return nil, err
		}
		p = openai
	default:
		return nil, errors.Errorf("unknown memory embedder %q", s.Embedder)
	}
	return embeddings.NewCachedProvider(p, s.EmbeddingCache), nil
}

// NewMemoryService returns the memory backend selected by s.
func NewMemoryService(s settings.MemorySettings, ai settings.OpenAISettings) (memory.Service, error) {
	switch strings.ToLower(s.Backend) {
	case "none":
		return memory.NoopService{}, nil
	case "local":
		embedder, err := NewEmbedder(s, ai)
		if err != nil {
			return nil, err
		}
		var opts []memory.LocalOption
		if embedder != nil {
			log.Info().Str("model", embedder.Model().Name).Msg("Ranking memories by embedding similarity")
			opts = append(opts, memory.WithEmbedder(embedder))
		}
		return memory.NewLocalService(opts...), nil
	case "weaviate":
		w, err := memory.NewWeaviateService(s.WeaviateHost, s.WeaviateScheme, s.Class)
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, errors.Errorf("unknown memory backend %q", s.Backend)
	}
}

// NewCompletionService returns the OpenAI client, or an echoing offline service
// when no API key is configured.
func NewCompletionService(s settings.OpenAISettings) (completion.Service, error) {
	if s.APIKey == "" {
		log.Warn().Msg("No openai.api-key configured, replies are echoed back")
		return &completion.ScriptedService{Reply: completion.EchoReply}, nil
	}
	svc, err := completion.NewOpenAIService(s.APIKey, s.BaseURL, s.Model)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func New(s *settings.Settings) (*App, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s = s.Clone()

	promptTemplate, err := settings.LoadSystemPrompt(s.Prompt.File, s.Prompt.Name)
	if err != nil {
		return nil, err
	}
	mem, err := NewMemoryService(s.Memory, s.OpenAI)
	if err != nil {
		return nil, err
	}
	llm, err := NewCompletionService(s.OpenAI)
	if err != nil {
		return nil, err
	}
	augmenter, err := memory.NewAugmenter(mem, promptTemplate, memory.WithSearchLimit(s.Memory.Limit))
	if err != nil {
		return nil, err
	}

	st, err := OpenStore(s.Store)
	if err != nil {
		return nil, err
	}
	ret := &App{Settings: s, Store: st, Memory: mem, Completion: llm}

	ret.Events, err = events.NewRouter(events.WithZerolog())
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	options := []branching.EngineOption{
		branching.WithCoordinator(streaming.NewCoordinator(streaming.WithSink(ret.Events.Sink()))),
		branching.WithHistoryLimit(s.History.Limit),
		branching.WithContextWindow(s.History.ContextWindow),
		branching.WithModel(s.OpenAI.Model),
		branching.WithMaxTokens(s.OpenAI.MaxTokens),
		branching.WithTemperature(s.OpenAI.Temperature),
	}
	if counter, err := completion.DefaultTokenCounter(); err != nil {
		log.Warn().Err(err).Msg("Tokenizer unavailable, history is not trimmed to the context window")
	} else {
		options = append(options, branching.WithTokenCounter(counter))
	}
	ret.Engine, err = branching.NewEngine(st, llm, augmenter, options...)
	if err != nil {
		_ = ret.Close()
		return nil, err
	}

	metrics := server.NewMetrics()
	ret.Server = server.New(ret.Engine,
		server.WithMetrics(metrics),
		server.WithIdentity(server.NewIdentity(s.Auth.SigningKeys, s.Auth.RequireSignature)),
		server.WithRateLimit(s.Rate.RPS, s.Rate.Burst),
	)

	ret.Events.AddEventHandler("memory-recorder", memory.NewRecorder(mem, s.Memory.UpdateWindow).HandleEvent)
	ret.Events.AddEventHandler("turn-metrics", metrics.HandleEvent)
	return ret, nil
}

// Run starts the event router, waits until it is subscribed and then serves
// HTTP until ctx is done.
func (a *App) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return a.Events.Run(ctx)
	})
	eg.Go(func() error {
		select {
		case <-a.Events.Running():
		case <-ctx.Done():
			return ctx.Err()
		}
		err := a.Server.ListenAndServe(ctx, a.Settings.Listen)
		// stop the event router together with the server
		_ = a.Events.Close()
		return err
	})
	return eg.Wait()
}

func (a *App) Close() error {
	var ret error
	if a.Events != nil {
		if err := a.Events.Close(); err != nil {
			ret = err
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			ret = err
		}
	}
	return ret
}
