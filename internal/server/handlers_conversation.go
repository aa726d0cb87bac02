package server

import (
	"context"
	"net/http"

	"github.com/kubilitics/metric-investigator/pkg/types"
)

// runContext bounds a run to the request and the configured timeout.
func (s *Server) runContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.config.RequestTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.config.RequestTimeout)
}

// handleStartOrResume runs the loop synchronously and returns the snapshot.
func (s *Server) handleStartOrResume(w http.ResponseWriter, r *http.Request) {
	var req types.StartConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	ctx, cancel := s.runContext(r)
	defer cancel()

	conv, err := s.engine.StartOrResume(ctx, req.Query, req.ConversationID)
	if err != nil {
		s.writeError(w, err, conv)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.NewConversationList(s.engine.List(r.Context())))
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req types.FeedbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	ctx, cancel := s.runContext(r)
	defer cancel()

	conv, err := s.engine.SubmitFeedback(ctx, r.PathValue("id"), req.Feedback)
	if err != nil {
		s.writeError(w, err, conv)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}
