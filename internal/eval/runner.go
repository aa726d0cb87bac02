package eval

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/metric-investigator/internal/models"
)

// ErrNoReport marks a case whose investigation ended without a report,
// e.g. because the step budget ran out.
var ErrNoReport = errors.New("no report generated")

// Investigator starts a fresh investigation for a question.
type Investigator interface {
	StartOrResume(ctx context.Context, query, conversationID string) (*models.ConversationContext, error)
}

// CaseResult is the score of one case.
type CaseResult struct {
	CaseID          string         `json:"case_id" yaml:"case_id"`
	Difficulty      string         `json:"difficulty" yaml:"difficulty"`
	ConversationID  string         `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	RootCauseRecall float64        `json:"root_cause_recall" yaml:"root_cause_recall"`
	RootCause       RootCauseScore `json:"root_cause" yaml:"root_cause"`
	DeploymentMatch bool           `json:"deployment_match" yaml:"deployment_match"`
	Segments        SegmentScore   `json:"segments" yaml:"segments"`
	Confidence      float64        `json:"confidence" yaml:"confidence"`
	Steps           int            `json:"steps" yaml:"steps"`
	DurationMS      int64          `json:"duration_ms" yaml:"duration_ms"`
	Passed          bool           `json:"passed" yaml:"passed"`
	Error           string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// Summary aggregates the case results.
type Summary struct {
	Total             int     `json:"total" yaml:"total"`
	Passed            int     `json:"passed" yaml:"passed"`
	PassRate          float64 `json:"pass_rate" yaml:"pass_rate"`
	AvgRecall         float64 `json:"avg_root_cause_recall" yaml:"avg_root_cause_recall"`
	DeploymentMatches int     `json:"deployment_matches" yaml:"deployment_matches"`
	Overall           bool    `json:"overall_pass" yaml:"overall_pass"`
}

// Report is the outcome of one evaluation run.
type Report struct {
	Scenario    string       `json:"scenario" yaml:"scenario"`
	Oracle      string       `json:"oracle" yaml:"oracle"`
	GroundTruth GroundTruth  `json:"ground_truth" yaml:"ground_truth"`
	Cases       []CaseResult `json:"cases" yaml:"cases"`
	Summary     Summary      `json:"summary" yaml:"summary"`
}

// Runner investigates every case of a scenario and scores the reports.
type Runner struct {
	investigator Investigator
	oracle       string
	parallel     int
	logger       *zap.Logger
	tracer       trace.Tracer
}

// Option configures a Runner.
type Option func(*Runner)

// WithParallel runs up to n cases at once. The default is one at a time.
func WithParallel(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.parallel = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a runner. oracle names the decision oracle in reports.
func NewRunner(investigator Investigator, oracle string, opts ...Option) *Runner {
	r := &Runner{
		investigator: investigator,
		oracle:       oracle,
		parallel:     1,
		logger:       zap.NewNop(),
		tracer:       otel.Tracer("metric-investigator/eval"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run scores every case of s. A failed investigation fails its case, not
// the run; only cancellation of ctx returns an error.
func (r *Runner) Run(ctx context.Context, s *Scenario) (*Report, error) {
	results := make([]CaseResult, len(s.Cases))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallel)
	for i, c := range s.Cases {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.runCase(gctx, c, s.GroundTruth)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Report{
		Scenario:    s.Name,
		Oracle:      r.oracle,
		GroundTruth: s.GroundTruth,
		Cases:       results,
		Summary:     Summarize(results),
	}, nil
}

func (r *Runner) runCase(ctx context.Context, c Case, gt GroundTruth) CaseResult {
	ctx, span := r.tracer.Start(ctx, "eval.case", trace.WithAttributes(
		attribute.String("eval.case_id", c.ID),
		attribute.String("eval.difficulty", c.Difficulty),
	))
	defer span.End()

	start := time.Now()
	res := CaseResult{CaseID: c.ID, Difficulty: c.Difficulty}
	conv, err := r.investigator.StartOrResume(ctx, c.Query, "")
	res.DurationMS = time.Since(start).Milliseconds()
	if conv != nil {
		res.ConversationID = conv.ConversationID
		res.Steps = len(conv.ExecutedSteps)
	}

	switch {
	case err != nil:
		res.Error = err.Error()
	case conv == nil || conv.Insights == nil:
		err = ErrNoReport
		res.Error = err.Error()
	default:
		ScoreCase(&res, conv.Insights, gt)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("evaluation case failed", zap.String("case", c.ID), zap.Error(err))
	} else {
		span.SetAttributes(
			attribute.Float64("eval.recall", res.RootCauseRecall),
			attribute.Bool("eval.passed", res.Passed),
		)
		r.logger.Info("evaluation case scored",
			zap.String("case", c.ID),
			zap.Float64("recall", res.RootCauseRecall),
			zap.Bool("deployment_match", res.DeploymentMatch),
			zap.Bool("passed", res.Passed),
		)
	}
	return res
}

// ScoreCase fills the scores of res from report.
func ScoreCase(res *CaseResult, report *models.InsightReport, gt GroundTruth) {
	res.RootCause = ScoreRootCause(report, gt)
	res.RootCauseRecall = res.RootCause.Recall()
	res.DeploymentMatch = ScoreDeployment(report, gt)
	res.Segments = ScoreSegments(report, gt)
	res.Confidence = report.ConfidenceScore
	res.Passed = res.RootCause.Platform && res.RootCause.Region && res.DeploymentMatch
}

// Summarize aggregates results. The run passes when at least half the
// cases pass.
func Summarize(results []CaseResult) Summary {
	s := Summary{Total: len(results)}
	if s.Total == 0 {
		return s
	}
	var recall float64
	for _, r := range results {
		if r.Passed {
			s.Passed++
		}
		if r.DeploymentMatch {
			s.DeploymentMatches++
		}
		recall += r.RootCauseRecall
	}
	s.PassRate = float64(s.Passed) / float64(s.Total)
	s.AvgRecall = recall / float64(s.Total)
	s.Overall = s.Passed*2 >= s.Total
	return s
}
