package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/metric-investigator/internal/llm/adapter"
	"github.com/kubilitics/metric-investigator/internal/llm/types"
	"github.com/kubilitics/metric-investigator/internal/models"
	rctx "github.com/kubilitics/metric-investigator/internal/reasoning/context"
	"github.com/kubilitics/metric-investigator/internal/reasoning/prompt"
)

// LLMDrafter asks a language model to write the report.
type LLMDrafter struct {
	client  adapter.Client
	prompts prompt.PromptManager
	builder rctx.ContextBuilder
	timeout time.Duration
	logger  *zap.Logger
}

// NewLLMDrafter creates an LLM-backed drafter. timeout bounds the call
// including retries; zero means no per-call deadline.
func NewLLMDrafter(client adapter.Client, builder rctx.ContextBuilder, timeout time.Duration, logger *zap.Logger) *LLMDrafter {
	if builder == nil {
		builder = rctx.NewContextBuilder(rctx.DefaultOptions())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMDrafter{
		client:  client,
		prompts: prompt.NewPromptManager(),
		builder: builder,
		timeout: timeout,
		logger:  logger,
	}
}

func (d *LLMDrafter) Name() string { return "llm" }

// Draft renders the synthesis prompt and strictly decodes the reply.
func (d *LLMDrafter) Draft(ctx context.Context, req DraftRequest) (*models.InsightReport, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	evidence := d.builder.BuildContext(req.Query, nil, d.builder.Summarize(req.Log))
	user, err := d.prompts.RenderSynthesisPrompt(prompt.SynthesisInput{Context: evidence, Hypothesis: req.Hypothesis})
	if err != nil {
		return nil, &models.SynthesisError{Err: err}
	}

	resp, err := d.client.Complete(ctx, []types.Message{
		{Role: types.RoleSystem, Content: d.prompts.GetSynthesisSystemPrompt(d.client.Name())},
		{Role: types.RoleUser, Content: user},
	})
	if err != nil {
		return nil, &models.SynthesisError{Err: fmt.Errorf("report completion: %w", err)}
	}

	report, err := ParseReport(resp.Content)
	if err != nil {
		d.logger.Warn("report draft rejected", zap.Int("reply_chars", len(resp.Content)), zap.Error(err))
		return nil, &models.SynthesisError{Err: err}
	}
	return report, nil
}

// reportDraft is the accepted reply shape. Numeric fields are accepted so
// that well-behaved replies decode, then discarded by the Synthesizer.
type reportDraft struct {
	Summary          string                   `json:"summary"`
	RootCause        string                   `json:"root_cause"`
	AffectedSegments []models.AffectedSegment `json:"affected_segments"`
	CorrelatedEvents []string                 `json:"correlated_events"`
	Recommendations  []string                 `json:"recommendations"`
	ConfidenceScore  *float64                 `json:"confidence_score"`
	SupportingData   json.RawMessage          `json:"supporting_data"`
}

// ParseReport extracts and strictly decodes a drafted report. summary and
// root_cause are required.
func ParseReport(content string) (*models.InsightReport, error) {
	raw, err := types.ExtractJSONObject(content)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var draft reportDraft
	if err := dec.Decode(&draft); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if strings.TrimSpace(draft.Summary) == "" {
		return nil, errors.New("decode report: summary is required")
	}
	if strings.TrimSpace(draft.RootCause) == "" {
		return nil, errors.New("decode report: root_cause is required")
	}
	for i, seg := range draft.AffectedSegments {
		if seg.Confidence < 0 || seg.Confidence > 1 {
			return nil, fmt.Errorf("decode report: affected_segments[%d].confidence must be between 0 and 1", i)
		}
	}
	return &models.InsightReport{
		Summary:          draft.Summary,
		RootCause:        draft.RootCause,
		AffectedSegments: draft.AffectedSegments,
		CorrelatedEvents: draft.CorrelatedEvents,
		Recommendations:  draft.Recommendations,
	}, nil
}
