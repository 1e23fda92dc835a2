package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-go-golems/branchchat/pkg/branching"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/helpers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 1 << 20

func requestID(r *http.Request) string {
	return helpers.RequestIDFromContext(r.Context())
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return conversation.NewValidationError("body", "invalid json: "+err.Error())
	}
	return nil
}

type editRequest struct {
	EditedQuery string                    `json:"editedQuery"`
	Files       []conversation.Attachment `json:"files,omitempty"`
}

type updateGroupRequest struct {
	Index     *int   `json:"index"`
	Direction string `json:"direction"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var params branching.ConversationParams
	if err := decodeBody(r, &params); err != nil {
		writeError(w, r, err, http.StatusNotFound)
		return
	}
	c, err := s.engine.CreateConversation(r.Context(), UserIDFromContext(r.Context()), params)
	if err != nil {
		writeError(w, r, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	cs, err := s.engine.ListConversations(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err, http.StatusNotFound)
		return
	}
	if cs == nil {
		cs = []*conversation.Conversation{}
	}
	writeJSON(w, http.StatusOK, cs)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["conversationId"]
	if err := s.engine.DeleteConversation(r.Context(), UserIDFromContext(r.Context()), id); err != nil {
		writeError(w, r, err, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["conversationId"]
	groups, err := s.engine.ListVersions(r.Context(), UserIDFromContext(r.Context()), id)
	if err != nil {
		writeError(w, r, err, http.StatusNotFound)
		return
	}
	if groups == nil {
		groups = []*conversation.VersionGroup{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx := r.Context()
	userID := UserIDFromContext(ctx)

	var req updateGroupRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, http.StatusNotFound)
		return
	}

	var (
		g   *conversation.VersionGroup
		err error
	)
	switch {
	case req.Index != nil:
		g, err = s.engine.SetVersion(ctx, userID, vars["conversationId"], vars["groupId"], *req.Index)
	case req.Direction != "":
		var dir conversation.Direction
		dir, err = conversation.ParseDirection(req.Direction)
		if err == nil {
			g, err = s.engine.SwitchVersion(ctx, userID, vars["conversationId"], vars["groupId"], dir)
		}
	default:
		err = conversation.NewValidationError("index", "index or direction is required")
	}
	if err != nil {
		writeError(w, r, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type turnFunc func(sw *streamWriter) (*branching.TurnResult, error)

// stream runs a turn and reports errors as a status code if no chunk was sent
// yet. Later errors can only be logged.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, notFound int, run turnFunc) {
	userID := UserIDFromContext(r.Context())
	if userID != "" && !s.limiter.Allow(userID) {
		s.metrics.RateLimitedTotal.Inc()
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		return
	}

	sw := newStreamWriter(w)
	_, err := run(sw)
	if err == nil {
		sw.start()
		return
	}
	if !sw.Started() {
		writeError(w, r, err, notFound)
		return
	}
	log.Warn().Err(err).Str("path", r.URL.Path).Str("request_id", requestID(r)).
		Msg("Turn failed after streaming started")
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["conversationId"]
	var q branching.Query
	if err := decodeBody(r, &q); err != nil {
		writeError(w, r, err, http.StatusNotFound)
		return
	}
	s.stream(w, r, http.StatusNotFound, func(sw *streamWriter) (*branching.TurnResult, error) {
		return s.engine.SubmitQuery(r.Context(), UserIDFromContext(r.Context()), id, q, sw)
	})
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req editRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, http.StatusNotFound)
		return
	}
	q := branching.Query{Text: req.EditedQuery, Files: req.Files}
	s.stream(w, r, http.StatusNotFound, func(sw *streamWriter) (*branching.TurnResult, error) {
		res, err := s.engine.EditMessage(r.Context(), UserIDFromContext(r.Context()),
			vars["conversationId"], vars["messageId"], q, sw)
		return res, unresolvedMessage(err)
	})
}

// unresolvedMessage turns a missing message into a bad request. Missing
// conversations stay not found.
func unresolvedMessage(err error) error {
	var nf *conversation.NotFoundError
	if errors.As(err, &nf) && nf.Resource == "message" {
		return conversation.NewValidationError("messageId", nf.Error())
	}
	return err
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.stream(w, r, http.StatusNotFound, func(sw *streamWriter) (*branching.TurnResult, error) {
		return s.engine.RetryPending(r.Context(), UserIDFromContext(r.Context()),
			vars["conversationId"], vars["groupId"], sw)
	})
}
