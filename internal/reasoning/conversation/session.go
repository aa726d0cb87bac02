package conversation

// Package conversation provides the in-memory conversation registry.
//
// Responsibilities:
//   - Create conversations with fresh UUIDs
//   - Maintain the loop state machine per conversation
//   - Append step results and feedback; results are never rewritten
//   - Hand out deep-copied snapshots only
//   - Serialize runs within one conversation with a per-conversation run lock
//
// Loop State Machine:
//
//	awaiting_decision
//	  ↓ (oracle chose an executable step)
//	executing_step
//	  ↓ (result committed)
//	awaiting_decision
//	  ↓ (terminal step, budget reached or fatal error)
//	terminated
//	  ↓ (resume with a new query, or feedback)
//	awaiting_decision
//
// State is held for the process lifetime only. The archive keeps a copy of
// every run but is never read back into the registry.

import (
	"context"

	"github.com/kubilitics/metric-investigator/internal/models"
)

// Registry stores live conversations.
type Registry interface {
	// Create registers a new conversation for query and returns its snapshot.
	Create(ctx context.Context, query string) (*models.ConversationContext, error)

	// Get returns a snapshot or *models.ConversationNotFoundError.
	Get(ctx context.Context, id string) (*models.ConversationContext, error)

	// List returns snapshots of all conversations, oldest first.
	List(ctx context.Context) []*models.ConversationContext

	// SetQuery records a new query text.
	SetQuery(ctx context.Context, id, query string) error

	// AppendFeedback appends one feedback entry.
	AppendFeedback(ctx context.Context, id, text string) error

	// AppendResult commits one step result to the evidence log.
	AppendResult(ctx context.Context, id string, result models.StepResult) error

	// SetInsights stores the report of the latest run.
	SetInsights(ctx context.Context, id string, report *models.InsightReport) error

	// Transition moves the conversation to a new loop state.
	Transition(ctx context.Context, id string, to models.LoopState) error

	// Acquire takes the run lock of a conversation, waiting until it is free
	// or ctx is done. The returned release func must be called exactly once.
	Acquire(ctx context.Context, id string) (release func(), err error)

	// Len is the number of conversations held.
	Len() int
}
