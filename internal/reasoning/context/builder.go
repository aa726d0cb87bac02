package context

// Package context builds the bounded evidence text handed to the decision
// oracle and the report drafter.
//
// Responsibilities:
//   - Reduce each step result to a summary: success flag, findings, a short
//     data digest
//   - Format query, user feedback and evidence as markdown sections
//   - Manage the context window budget with a chars/4 token estimate
//   - Prune the oldest evidence first when the budget is exceeded
//
// Raw step payloads never reach a prompt. A segment step over thousands of
// users is reduced to its digest line, so the prompt size grows with the
// number of steps, not with the size of the data.

import "github.com/kubilitics/metric-investigator/internal/models"

// Summary is the bounded view of one step result.
type Summary struct {
	StepID   int               `json:"step_id"`
	Action   models.ActionType `json:"action"`
	Success  bool              `json:"success"`
	Findings []string          `json:"key_findings"`
	Digest   string            `json:"digest,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// ContextBuilder defines the interface for evidence context building.
type ContextBuilder interface {
	// Summarize reduces an evidence log to bounded summaries, oldest first.
	Summarize(log []models.StepResult) []Summary

	// BuildContext formats the query, feedback and evidence as markdown,
	// pruned to the configured token budget.
	BuildContext(query string, feedback []string, evidence []Summary) string

	// GetTokenCount estimates token usage for a built context.
	GetTokenCount(contextStr string) int

	// PruneContext drops the oldest evidence sections until contextStr fits
	// maxTokens. Returns the pruned context and the titles of removed
	// sections.
	PruneContext(contextStr string, maxTokens int) (string, []string)
}

// Options bounds the size of built contexts.
type Options struct {
	// MaxFindings caps the finding lines kept per step.
	MaxFindings int
	// DigestItems caps the records named in a data digest.
	DigestItems int
	// MaxTokens is the token budget of a built context. Zero disables
	// pruning.
	MaxTokens int
}

// DefaultOptions fit comfortably inside every supported model's window.
func DefaultOptions() Options {
	return Options{MaxFindings: 6, DigestItems: 5, MaxTokens: 6000}
}
