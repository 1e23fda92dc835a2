package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type errorResponse struct {
	Error string `json:"error"`
}

// StatusFor maps an engine error to an HTTP status. notFound is the status used
// for ErrNotFound, which some endpoints report as a bad request.
func StatusFor(err error, notFound int) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, conversation.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, conversation.ErrValidation),
		errors.Is(err, conversation.ErrInvalidVersionIndex):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrNotFound):
		return notFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Could not encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error, notFound int) {
	status := StatusFor(err, notFound)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", requestID(r)).Msg("Request failed")
		msg = "Internal server error"
	} else {
		log.Debug().Err(err).Int("status", status).Str("path", r.URL.Path).Msg("Request rejected")
	}
	writeJSON(w, status, errorResponse{Error: msg})
}
