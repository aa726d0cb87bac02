package server

import (
	"net/http"
	"strconv"

	"github.com/kubilitics/metric-investigator/internal/db"
	"github.com/kubilitics/metric-investigator/internal/models"
	"github.com/kubilitics/metric-investigator/pkg/types"
)

// archivedConversation is an archived snapshot with its LLM usage.
type archivedConversation struct {
	*models.ConversationContext
	Usage db.UsageTotal `json:"llm_usage"`
}

func (s *Server) handleArchiveList(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeJSON(w, http.StatusServiceUnavailable, types.ErrorResponse{Error: "archive is disabled"})
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	list, err := s.archive.ListConversations(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, types.NewConversationList(list))
}

func (s *Server) handleArchiveGet(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeJSON(w, http.StatusServiceUnavailable, types.ErrorResponse{Error: "archive is disabled"})
		return
	}
	id := r.PathValue("id")
	conv, err := s.archive.GetConversation(r.Context(), id)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	usage, err := s.archive.ConversationUsage(r.Context(), id)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, archivedConversation{ConversationContext: conv, Usage: usage})
}
