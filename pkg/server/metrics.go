package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus collectors of the server. Every instance owns its
// registry so several servers can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    prometheus.Counter

	TurnsTotal      *prometheus.CounterVec
	TurnChunksTotal prometheus.Counter
	TurnsInFlight   prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "branchchat_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "branchchat_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds, streaming included",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"route", "method"},
		),
		RateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "branchchat_rate_limited_total",
			Help: "Requests rejected by the per-user rate limiter",
		}),
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "branchchat_turns_total",
				Help: "Finished turns by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		TurnChunksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "branchchat_turn_chunks_total",
			Help: "Reply chunks relayed to callers",
		}),
		TurnsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "branchchat_turns_in_flight",
			Help: "Turns currently streaming",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// HandleEvent counts turn lifecycle events. It is registered on the event router.
func (m *Metrics) HandleEvent(_ context.Context, e events.Event) error {
	kind := string(e.Metadata().Kind)
	switch ev := e.(type) {
	case *events.EventStart:
		m.TurnsInFlight.Inc()
	case *events.EventPartial:
		m.TurnChunksTotal.Inc()
	case *events.EventFinal:
		m.TurnsInFlight.Dec()
		outcome := "persisted"
		if !ev.Persisted {
			outcome = "unpersisted"
		}
		m.TurnsTotal.WithLabelValues(kind, outcome).Inc()
	case *events.EventInterrupt:
		m.TurnsInFlight.Dec()
		m.TurnsTotal.WithLabelValues(kind, "interrupted").Inc()
	case *events.EventError:
		m.TurnsTotal.WithLabelValues(kind, "upstream_error").Inc()
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request counts and durations by route template.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tmpl, err := cr.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
