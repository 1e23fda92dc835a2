package server

import (
	"net/http"
)

// streamWriter relays reply chunks as a chunked text/plain body. Headers are
// sent with the first chunk, so errors raised before any text can still get a
// proper status code.
type streamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newStreamWriter(w http.ResponseWriter) *streamWriter {
	f, _ := w.(http.Flusher)
	return &streamWriter{w: w, flusher: f}
}

func (s *streamWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	s.w.WriteHeader(http.StatusOK)
}

func (s *streamWriter) Write(p []byte) (int, error) {
	s.start()
	return s.w.Write(p)
}

func (s *streamWriter) Flush() error {
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Started reports whether the response status was already sent.
func (s *streamWriter) Started() bool {
	return s.started
}
