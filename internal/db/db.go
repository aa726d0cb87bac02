package db

import (
	"context"
	"time"

	"github.com/kubilitics/metric-investigator/internal/models"
)

// Store is the archive of finished investigation runs. The live state lives
// in the conversation registry; the archive is an audit trail and is never
// read back to resume a conversation.
type Store interface {
	ConversationStore
	UsageStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Conversation store ───────────────────────────────────────────────────────

// ConversationRecord is the list view of an archived conversation.
type ConversationRecord struct {
	ID         string           `json:"conversation_id"`
	Query      string           `json:"query_text"`
	State      models.LoopState `json:"state"`
	StepCount  int              `json:"step_count"`
	HasReport  bool             `json:"has_report"`
	Confidence float64          `json:"confidence_score"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// ConversationStore persists conversation snapshots.
type ConversationStore interface {
	// SaveConversation writes the snapshot, replacing earlier steps,
	// feedback and report of the same conversation.
	SaveConversation(ctx context.Context, conv *models.ConversationContext) error

	// GetConversation rebuilds an archived snapshot. Unknown ids return
	// *models.ConversationNotFoundError.
	GetConversation(ctx context.Context, id string) (*models.ConversationContext, error)

	// ListConversations returns archived conversations, most recently
	// updated first.
	ListConversations(ctx context.Context, limit, offset int) ([]*ConversationRecord, error)

	// DeleteConversationsBefore removes conversations last updated before
	// cutoff and returns how many were removed.
	DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ─── Usage store ──────────────────────────────────────────────────────────────

// UsageRecord is the token usage of one LLM call.
type UsageRecord struct {
	ID               int64     `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// UsageTotal sums token usage.
type UsageTotal struct {
	Calls            int `json:"calls"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// UsageStore persists LLM token usage per conversation.
type UsageStore interface {
	// AppendUsage writes a single usage record.
	AppendUsage(ctx context.Context, rec *UsageRecord) error

	// ConversationUsage totals the usage of one conversation.
	ConversationUsage(ctx context.Context, conversationID string) (UsageTotal, error)

	// UsageSince totals the usage of all conversations since from.
	UsageSince(ctx context.Context, from time.Time) (UsageTotal, error)
}
