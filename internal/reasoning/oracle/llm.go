package oracle

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kubilitics/metric-investigator/internal/llm/adapter"
	"github.com/kubilitics/metric-investigator/internal/llm/types"
	"github.com/kubilitics/metric-investigator/internal/metrics"
	"github.com/kubilitics/metric-investigator/internal/models"
	rctx "github.com/kubilitics/metric-investigator/internal/reasoning/context"
	"github.com/kubilitics/metric-investigator/internal/reasoning/prompt"
	"github.com/kubilitics/metric-investigator/internal/telemetry"
)

// LLMOracle asks a language model for the next step.
type LLMOracle struct {
	client  adapter.Client
	prompts prompt.PromptManager
	builder rctx.ContextBuilder
	timeout time.Duration
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewLLMOracle creates an LLM-backed oracle. timeout bounds each decision
// call including retries; zero means no per-call deadline.
func NewLLMOracle(client adapter.Client, builder rctx.ContextBuilder, timeout time.Duration, logger *zap.Logger) *LLMOracle {
	if builder == nil {
		builder = rctx.NewContextBuilder(rctx.DefaultOptions())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMOracle{
		client:  client,
		prompts: prompt.NewPromptManager(),
		builder: builder,
		timeout: timeout,
		logger:  logger,
		tracer:  telemetry.Tracer("metric-investigator/oracle"),
	}
}

func (o *LLMOracle) Name() string { return "llm" }

// Decide renders the prompt, calls the provider and decodes one step.
func (o *LLMOracle) Decide(ctx context.Context, req DecisionRequest) (models.InvestigationStep, error) {
	ctx, span := o.tracer.Start(ctx, "oracle.decide", trace.WithAttributes(
		attribute.String("oracle", o.Name()),
		attribute.String("llm.provider", o.client.Name()),
		attribute.Int("step.next_id", req.NextStepID),
	))
	defer span.End()

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	evidence := o.builder.BuildContext(req.Query, req.Feedback, req.Evidence)
	user, err := o.prompts.RenderDecisionPrompt(prompt.DecisionInput{
		Context:    evidence,
		NextStepID: req.NextStepID,
		DataWindow: req.DataWindow,
	})
	if err != nil {
		span.RecordError(err)
		return models.InvestigationStep{}, fmt.Errorf("render decision prompt: %w", err)
	}

	messages := []types.Message{
		{Role: types.RoleSystem, Content: o.prompts.GetDecisionSystemPrompt(o.client.Name(), req.DataWindow)},
		{Role: types.RoleUser, Content: user},
	}

	resp, err := o.client.Complete(ctx, messages)
	if err != nil {
		metrics.OracleDecisions.WithLabelValues(o.Name(), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return models.InvestigationStep{}, fmt.Errorf("decision completion: %w", err)
	}

	step, err := ParseDecision(resp.Content)
	if err != nil {
		metrics.OracleDecisions.WithLabelValues(o.Name(), "invalid").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "contract violation")
		o.logger.Warn("oracle reply rejected",
			zap.Int("next_step_id", req.NextStepID),
			zap.Int("reply_chars", len(resp.Content)),
			zap.Error(err))
		return models.InvestigationStep{}, err
	}

	metrics.OracleDecisions.WithLabelValues(o.Name(), string(step.Action)).Inc()
	span.SetAttributes(attribute.String("step.action", string(step.Action)))
	o.logger.Debug("oracle decided",
		zap.Int("step_id", step.StepID),
		zap.String("action", string(step.Action)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens))
	return step, nil
}

// ParseDecision extracts and strictly decodes one step from a model reply.
// Every failure is an *models.OracleContractError; the underlying cause
// (for example *models.UnknownActionError) stays reachable via errors.As.
func ParseDecision(content string) (models.InvestigationStep, error) {
	raw, err := types.ExtractJSONObject(content)
	if err != nil {
		return models.InvestigationStep{}, &models.OracleContractError{Raw: content, Err: err}
	}
	step, err := models.DecodeStep(raw)
	if err != nil {
		return models.InvestigationStep{}, &models.OracleContractError{Raw: content, Err: err}
	}
	return step, nil
}
