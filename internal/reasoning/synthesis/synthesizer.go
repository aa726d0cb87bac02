package synthesis

// Package synthesis turns an evidence log into an insight report.
//
// A Drafter writes the prose fields. The Synthesizer then overwrites
// confidence_score and supporting_data with values recomputed by Aggregate,
// so nothing numeric in a report comes from generated text.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kubilitics/metric-investigator/internal/models"
	"github.com/kubilitics/metric-investigator/internal/telemetry"
)

// DraftRequest is the input of one report draft.
type DraftRequest struct {
	Query      string
	Hypothesis string
	Log        []models.StepResult
}

// Drafter writes the prose fields of a report.
type Drafter interface {
	Draft(ctx context.Context, req DraftRequest) (*models.InsightReport, error)
	Name() string
}

// Synthesizer drafts a report and recomputes its numbers.
type Synthesizer struct {
	drafter Drafter
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// New creates a Synthesizer around drafter.
func New(drafter Drafter, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{
		drafter: drafter,
		logger:  logger,
		tracer:  telemetry.Tracer("metric-investigator/synthesis"),
		now:     time.Now,
	}
}

// Synthesize returns the final report for log. Drafting failures are
// *models.SynthesisError; a cancelled context returns the context error.
func (s *Synthesizer) Synthesize(ctx context.Context, query, hypothesis string, log []models.StepResult) (*models.InsightReport, error) {
	ctx, span := s.tracer.Start(ctx, "synthesis.report", trace.WithAttributes(
		attribute.String("drafter", s.drafter.Name()),
		attribute.Int("evidence.steps", len(log)),
	))
	defer span.End()

	report, err := s.drafter.Draft(ctx, DraftRequest{Query: query, Hypothesis: hypothesis, Log: log})
	if err == nil && report == nil {
		err = errors.New("drafter returned no report")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "draft failed")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var synthErr *models.SynthesisError
		if errors.As(err, &synthErr) {
			return nil, err
		}
		return nil, &models.SynthesisError{Err: fmt.Errorf("%s drafter: %w", s.drafter.Name(), err)}
	}

	report.ConfidenceScore, report.SupportingData = Aggregate(log)
	report.GeneratedAt = s.now().UTC()
	normalize(report)

	span.SetAttributes(attribute.Float64("report.confidence", report.ConfidenceScore))
	s.logger.Debug("report synthesized",
		zap.String("drafter", s.drafter.Name()),
		zap.Int("steps", report.SupportingData.InvestigationStepsCompleted),
		zap.Float64("confidence", report.ConfidenceScore))
	return report, nil
}

// normalize replaces nil lists so reports always serialize as arrays.
func normalize(r *models.InsightReport) {
	if r.AffectedSegments == nil {
		r.AffectedSegments = []models.AffectedSegment{}
	}
	if r.CorrelatedEvents == nil {
		r.CorrelatedEvents = []string{}
	}
	if r.Recommendations == nil {
		r.Recommendations = []string{}
	}
}
