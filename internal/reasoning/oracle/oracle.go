package oracle

// Package oracle decides the next investigation step.
//
// Two implementations share the Oracle contract:
//   - LLMOracle renders the decision prompt, calls the configured provider
//     and strictly decodes one step from the reply. Any schema violation is
//     an *models.OracleContractError and ends the run.
//   - PlaybookOracle walks a fixed strategy (platform, country, deployments,
//     insights). It needs no network access and is used offline and in
//     tests.

import (
	"context"

	"github.com/kubilitics/metric-investigator/internal/models"
	rctx "github.com/kubilitics/metric-investigator/internal/reasoning/context"
)

// DecisionRequest is everything an oracle may look at.
type DecisionRequest struct {
	Query    string
	Feedback []string
	// Evidence summarizes the whole conversation log, oldest first.
	Evidence   []rctx.Summary
	NextStepID int
	// Iteration is the zero-based decision index within the current run.
	Iteration  int
	DataWindow models.DateRange
}

// Oracle chooses the next step of an investigation.
type Oracle interface {
	// Decide returns exactly one step. A generate_insights step ends the
	// loop.
	Decide(ctx context.Context, req DecisionRequest) (models.InvestigationStep, error)

	// Name identifies the oracle in logs and metrics.
	Name() string
}
