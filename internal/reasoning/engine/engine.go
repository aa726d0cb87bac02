package engine

// Package engine runs the iterative investigation loop and exposes the
// conversation API.
//
// Investigation Loop (one run):
//
//	awaiting_decision
//	  → Oracle.Decide
//	  → generate_insights?  Synthesize → store report → terminated
//	  → otherwise           executing_step → Executor.Execute
//	                        → commit result → awaiting_decision → repeat
//
// Budget:
//   - investigation.max_steps bounds the decision iterations of one run
//   - reaching the cap terminates the run without error and without a report
//
// Failure Semantics:
//   - Step failures are evidence: they are committed and the loop continues
//   - Oracle contract violations, synthesis failures and cancellation are
//     fatal to the run; the caller receives the snapshot and the error
//   - A step result or decision that completes after the context is done is
//     discarded
//
// Conversation API:
//   - StartOrResume with a known id and an empty or unchanged query returns
//     the snapshot without running
//   - StartOrResume with a known id and a new query records the query and
//     continues from the existing evidence
//   - StartOrResume with an empty or unknown id creates a new conversation;
//     caller-supplied ids are never adopted
//   - SubmitFeedback appends feedback and re-runs the loop
//
// Concurrency:
//   - Multiple conversations run in parallel
//   - Runs within one conversation are serialized by the registry run lock
//   - Every committed result is visible to Get immediately
//
// Integration Points:
//   - Conversation Registry: live state
//   - Decision Oracle, Action Executor, Synthesizer: the loop itself
//   - Audit Logger, Prometheus, OpenTelemetry: every run
//   - Archive: snapshot written after every run
//   - Subscribers: lifecycle events streamed over WebSocket

import (
	"context"
	"errors"
	"time"

	"github.com/kubilitics/metric-investigator/internal/models"
)

// ErrEmptyQuery is returned when a new conversation is started without a
// query.
var ErrEmptyQuery = errors.New("query is required")

// ErrEmptyFeedback is returned for blank feedback.
var ErrEmptyFeedback = errors.New("feedback is required")

// Engine defines the conversation API.
type Engine interface {
	// StartOrResume starts a new conversation or continues an existing one.
	StartOrResume(ctx context.Context, query, conversationID string) (*models.ConversationContext, error)

	// SubmitFeedback appends feedback to a conversation and re-runs the loop.
	SubmitFeedback(ctx context.Context, conversationID, feedback string) (*models.ConversationContext, error)

	// Get returns a snapshot of one conversation.
	Get(ctx context.Context, conversationID string) (*models.ConversationContext, error)

	// List returns snapshots of all live conversations.
	List(ctx context.Context) []*models.ConversationContext

	// Subscribe registers for lifecycle events of a conversation.
	Subscribe(conversationID string) *Subscriber

	// Unsubscribe removes and closes a subscriber.
	Unsubscribe(conversationID string, sub *Subscriber)
}

// EventType names a lifecycle event.
type EventType string

const (
	EventDecision        EventType = "decision"
	EventStepResult      EventType = "step_result"
	EventReport          EventType = "report"
	EventBudgetExhausted EventType = "budget_exhausted"
	EventError           EventType = "error"
	EventDone            EventType = "done"
)

// Event is streamed to subscribers during a run.
type Event struct {
	ConversationID string                    `json:"conversation_id"`
	Type           EventType                 `json:"type"`
	Step           *models.InvestigationStep `json:"step,omitempty"`
	Result         *models.StepResult        `json:"result,omitempty"`
	Report         *models.InsightReport     `json:"report,omitempty"`
	Error          string                    `json:"error,omitempty"`
	State          models.LoopState          `json:"state"`
	Timestamp      time.Time                 `json:"timestamp"`
}

// Subscriber receives conversation events in real-time. Slow subscribers
// miss events rather than block the loop.
type Subscriber struct {
	Ch chan Event
}

// Synthesizer produces the final report of a run.
type Synthesizer interface {
	Synthesize(ctx context.Context, query, hypothesis string, log []models.StepResult) (*models.InsightReport, error)
}

// Archiver keeps a copy of every finished run.
type Archiver interface {
	SaveConversation(ctx context.Context, conv *models.ConversationContext) error
}
