// Package server exposes the branching engine over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-go-golems/branchchat/pkg/branching"
	"github.com/go-go-golems/branchchat/pkg/helpers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Server struct {
	engine   *branching.Engine
	identity *Identity
	limiter  *limiterPool
	metrics  *Metrics
	router   *mux.Router
}

type Option func(*Server)

func WithIdentity(identity *Identity) Option {
	return func(s *Server) {
		s.identity = identity
	}
}

func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.limiter = newLimiterPool(rps, burst)
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func New(engine *branching.Engine, options ...Option) *Server {
	s := &Server{
		engine:   engine,
		identity: NewIdentity(nil, false),
		limiter:  newLimiterPool(0, 0),
	}
	for _, o := range options {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	s.router = s.routes()
	return s
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = helpers.NewRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(helpers.ContextWithRequestID(r.Context(), id)))
	})
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserIDFromContext(r.Context()) == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized user"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(withRequestID, s.metrics.Middleware)

	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api/conversations").Subrouter()
	api.Use(s.identity.Middleware, requireUser)

	api.HandleFunc("", s.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/create", s.handleCreateConversation).Methods(http.MethodPost)
	api.HandleFunc("/{conversationId}/delete", s.handleDeleteConversation).Methods(http.MethodDelete)
	api.HandleFunc("/{conversationId}/versions", s.handleListVersions).Methods(http.MethodGet)
	api.HandleFunc("/{conversationId}/query", s.handleQuery).Methods(http.MethodPost)
	api.HandleFunc("/{conversationId}/edit/{messageId}", s.handleEdit).Methods(http.MethodPut)
	api.HandleFunc("/{conversationId}/update-group/{groupId}", s.handleUpdateGroup).Methods(http.MethodPatch)
	api.HandleFunc("/{conversationId}/retry/{groupId}", s.handleRetry).Methods(http.MethodPost)
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
