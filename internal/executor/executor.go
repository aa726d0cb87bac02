package executor

// Package executor maps investigation steps onto the evidence store.
//
// Execute is total: parameter validation failures, store errors, unknown
// actions and panics all come back as a failed StepResult. The loop never
// sees an error from this package.
//
// Confidence scores produced here are a fixed heuristic over result
// cardinality, not a statistical interval.

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kubilitics/metric-investigator/internal/metrics"
	"github.com/kubilitics/metric-investigator/internal/models"
	"github.com/kubilitics/metric-investigator/internal/telemetry"
	"github.com/kubilitics/metric-investigator/internal/warehouse"
)

// DefaultConfidence is used for actions without a specific heuristic.
const DefaultConfidence = 0.5

// StepExecutor runs one investigation step.
type StepExecutor interface {
	Execute(ctx context.Context, step models.InvestigationStep) models.StepResult
}

// Executor is the evidence-store backed StepExecutor.
type Executor struct {
	store             warehouse.Store
	defaultConfidence float64
	logger            *zap.Logger
	tracer            trace.Tracer
	now               func() time.Time
}

// New creates an executor. A defaultConfidence outside (0, 1] falls back to
// DefaultConfidence.
func New(store warehouse.Store, defaultConfidence float64, logger *zap.Logger) *Executor {
	if defaultConfidence <= 0 || defaultConfidence > 1 {
		defaultConfidence = DefaultConfidence
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		store:             store,
		defaultConfidence: defaultConfidence,
		logger:            logger,
		tracer:            telemetry.Tracer("metric-investigator/executor"),
		now:               time.Now,
	}
}

// Execute runs step against the store and never returns an error.
func (e *Executor) Execute(ctx context.Context, step models.InvestigationStep) (result models.StepResult) {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "executor.step", trace.WithAttributes(
		attribute.Int("step.id", step.StepID),
		attribute.String("step.action", string(step.Action)),
	))

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("step panicked", zap.Int("step_id", step.StepID), zap.Any("panic", r))
			result = models.NewFailureResult(step, fmt.Errorf("internal error: %v", r))
		}
		result.ExecutedAt = start.UTC()
		result.DurationMS = e.now().Sub(start).Milliseconds()

		status := "success"
		if !result.Success {
			status = "failure"
			span.SetStatus(codes.Error, result.ErrorMessage)
		}
		span.SetAttributes(attribute.Float64("step.confidence", result.ConfidenceScore))
		span.End()
		metrics.StepsTotal.WithLabelValues(string(step.Action), status).Inc()
		metrics.StepDuration.WithLabelValues(string(step.Action)).Observe(e.now().Sub(start).Seconds())
		e.logger.Debug("step executed",
			zap.Int("step_id", step.StepID),
			zap.String("action", string(step.Action)),
			zap.Bool("success", result.Success),
			zap.Float64("confidence", result.ConfidenceScore),
			zap.String("error", result.ErrorMessage),
		)
	}()

	data, err := e.dispatch(ctx, step)
	if err != nil {
		return models.NewFailureResult(step, err)
	}
	return models.NewSuccessResult(step, data, Findings(step.Action, data), e.confidence(step.Action, data))
}

func (e *Executor) dispatch(ctx context.Context, step models.InvestigationStep) (*models.StepData, error) {
	if !step.Action.Known() {
		return nil, &models.UnknownActionError{Action: string(step.Action)}
	}
	if step.Params == nil || step.Params.Action() != step.Action {
		return nil, &models.InvalidParametersError{Action: step.Action, Message: "parameters do not match the action"}
	}
	if err := step.Params.Validate(); err != nil {
		return nil, err
	}

	switch p := step.Params.(type) {
	case models.QueryMetricParams:
		points, err := e.store.QueryMetric(ctx, p.Metric, p.TimeRange, p.Dimensions, p.Filters)
		if err != nil {
			return nil, err
		}
		return &models.StepData{MetricData: nonNil(points)}, nil

	case models.SegmentByDimensionParams:
		segments, err := e.store.DimensionalBreakdown(ctx, p.Metric, p.Dimension, p.TimeRange, p.BaselineRange, p.MinDropThreshold)
		if err != nil {
			return nil, err
		}
		return &models.StepData{SegmentedData: nonNil(segments)}, nil

	case models.CheckDeploymentsParams:
		deployments, err := e.store.CheckDeployments(ctx, p.TimeRange, p.Platform)
		if err != nil {
			return nil, err
		}
		return &models.StepData{Deployments: nonNil(deployments)}, nil

	case models.AnalyzeRetentionParams:
		rates, err := e.store.CohortRetention(ctx, p.CohortDate, p.RetentionDays, p.Filters)
		if err != nil {
			return nil, err
		}
		if rates == nil {
			rates = map[string]float64{}
		}
		return &models.StepData{RetentionData: rates}, nil

	case models.StatisticalAnalysisParams:
		res, err := e.store.RunStatisticalTest(ctx, p.Metric, p.ControlFilters, p.TreatmentFilters, p.TimeRange)
		if err != nil {
			return nil, err
		}
		return &models.StepData{StatisticalTest: res}, nil

	case models.GenerateInsightsParams:
		return nil, &models.InvalidParametersError{Action: step.Action, Message: "generate_insights ends the investigation and is not executable"}
	}
	return nil, &models.UnknownActionError{Action: string(step.Action)}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// confidence applies the per-action heuristic.
func (e *Executor) confidence(action models.ActionType, data *models.StepData) float64 {
	switch action {
	case models.ActionSegmentByDimension:
		return SegmentConfidence(data.SegmentedData)
	case models.ActionCheckDeployments:
		if len(data.Deployments) > 0 {
			return 0.8
		}
		return 0.4
	}
	return e.defaultConfidence
}

// SegmentConfidence scores a breakdown by the mean sample size of its
// segments: none 0.3, >1000 0.9, >100 0.7, otherwise 0.5.
func SegmentConfidence(segments []models.DimensionalBreakdown) float64 {
	if len(segments) == 0 {
		return 0.3
	}
	total := 0
	for _, s := range segments {
		total += s.SampleSize
	}
	avg := float64(total) / float64(len(segments))
	switch {
	case avg > 1000:
		return 0.9
	case avg > 100:
		return 0.7
	}
	return 0.5
}
