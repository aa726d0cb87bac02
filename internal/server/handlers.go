package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/metric-investigator/internal/models"
	"github.com/kubilitics/metric-investigator/internal/reasoning/engine"
	"github.com/kubilitics/metric-investigator/pkg/types"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports ready once the archive, when enabled, answers a ping.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.archive != nil {
		if err := s.archive.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"conversations": len(s.engine.List(r.Context())),
		"archive":       s.archive != nil,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON decodes a size-limited request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeError maps err to a status code and writes it with the snapshot, if
// any.
func (s *Server) writeError(w http.ResponseWriter, err error, conv *models.ConversationContext) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, types.ErrorResponse{Error: err.Error(), Conversation: conv})
}

func statusFor(err error) int {
	var (
		notFound  *models.ConversationNotFoundError
		contract  *models.OracleContractError
		synthesis *models.SynthesisError
	)
	switch {
	case errors.Is(err, engine.ErrEmptyQuery), errors.Is(err, engine.ErrEmptyFeedback):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &contract), errors.As(err, &synthesis):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
