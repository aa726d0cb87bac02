package types

// Package types defines the public request and response bodies of the
// conversation API, shared by the server and its clients.

import "github.com/kubilitics/metric-investigator/internal/models"

// Request types

// StartConversationRequest starts a new conversation, or continues
// ConversationID when it names a live one.
type StartConversationRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// FeedbackRequest appends feedback to a conversation and re-runs it.
type FeedbackRequest struct {
	Feedback string `json:"feedback"`
}

// Response types

// ErrorResponse is returned for every failed request. Conversation is set
// when a run failed after gathering evidence.
type ErrorResponse struct {
	Error        string                      `json:"error"`
	Conversation *models.ConversationContext `json:"conversation,omitempty"`
}

// ConversationList is a page of conversations, live or archived.
type ConversationList[T any] struct {
	Conversations []T `json:"conversations"`
	Count         int `json:"count"`
}

// NewConversationList never encodes a null list.
func NewConversationList[T any](items []T) ConversationList[T] {
	if items == nil {
		items = []T{}
	}
	return ConversationList[T]{Conversations: items, Count: len(items)}
}
