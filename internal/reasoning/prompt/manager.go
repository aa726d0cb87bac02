package prompt

// Package prompt provides prompt template management for investigations.
//
// Responsibilities:
//   - Manage system prompts that define the oracle's role and output contract
//   - Render per-decision and per-report prompts from templates
//   - Support multiple LLM providers with provider-specific prompts
//
// Prompt Types:
//
//  1. Decision System Prompt
//     - Lists the action vocabulary and the exact JSON shape of one step
//     - States the metrics, dimensions and data window the store covers
//     - Provider-specific (OpenAI needs the word JSON for its JSON mode)
//
//  2. Decision Prompt
//     - Built per iteration from the evidence context
//     - Carries the step_id the oracle must use next
//
//  3. Synthesis System Prompt
//     - JSON schema of the insight report
//
//  4. Synthesis Prompt
//     - Query, preliminary hypothesis and evidence context
//
// Integration Points:
//   - Decision Oracle: system prompt + decision prompt per iteration
//   - Report Drafter: synthesis prompts once per run

import "github.com/kubilitics/metric-investigator/internal/models"

// DecisionInput is everything rendered into one decision prompt.
type DecisionInput struct {
	// Context is the evidence context built by the context builder.
	Context    string
	NextStepID int
	DataWindow models.DateRange
}

// SynthesisInput is everything rendered into the report prompt.
type SynthesisInput struct {
	Context    string
	Hypothesis string
}

// PromptManager defines the interface for prompt management.
type PromptManager interface {
	// GetDecisionSystemPrompt returns the oracle system prompt for the given
	// LLM provider and data window.
	GetDecisionSystemPrompt(llmProvider string, window models.DateRange) string

	// RenderDecisionPrompt renders the user prompt for one decision.
	RenderDecisionPrompt(in DecisionInput) (string, error)

	// GetSynthesisSystemPrompt returns the report drafter system prompt.
	GetSynthesisSystemPrompt(llmProvider string) string

	// RenderSynthesisPrompt renders the user prompt for the final report.
	RenderSynthesisPrompt(in SynthesisInput) (string, error)
}
