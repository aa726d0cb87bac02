package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
)

// ActionType tags an investigation step.
type ActionType string

const (
	ActionQueryMetric         ActionType = "query_metric"
	ActionSegmentByDimension  ActionType = "segment_by_dimension"
	ActionCheckDeployments    ActionType = "check_deployments"
	ActionAnalyzeRetention    ActionType = "analyze_retention"
	ActionStatisticalAnalysis ActionType = "statistical_analysis"
	ActionGenerateInsights    ActionType = "generate_insights"
)

// ExecutableActions lists the actions the executor can run, in the order
// they are presented to the decision oracle.
var ExecutableActions = []ActionType{
	ActionQueryMetric,
	ActionSegmentByDimension,
	ActionCheckDeployments,
	ActionAnalyzeRetention,
	ActionStatisticalAnalysis,
}

// Terminal reports whether the action ends the investigation loop.
func (a ActionType) Terminal() bool { return a == ActionGenerateInsights }

// Known reports whether a is part of the action vocabulary.
func (a ActionType) Known() bool {
	return a == ActionGenerateInsights || slices.Contains(ExecutableActions, a)
}

// DefaultMinDropThreshold is used when a segment step does not set one.
const DefaultMinDropThreshold = 0.10

// DefaultRetentionDays is used when a retention step does not set any.
var DefaultRetentionDays = []int{1, 7, 30}

// Params is the typed payload of one action. The set of implementations is
// closed: one struct per action.
type Params interface {
	Action() ActionType
	Validate() error
	isParams()
}

// QueryMetricParams asks for a metric time series.
type QueryMetricParams struct {
	Metric     Metric            `json:"metric" yaml:"metric"`
	TimeRange  DateRange         `json:"time_range" yaml:"time_range"`
	Dimensions []string          `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
	Filters    map[string]string `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// SegmentByDimensionParams compares baseline and current periods per value
// of one column.
type SegmentByDimensionParams struct {
	Metric           Metric    `json:"metric" yaml:"metric"`
	Dimension        string    `json:"dimension" yaml:"dimension"`
	TimeRange        DateRange `json:"time_range" yaml:"time_range"`
	BaselineRange    DateRange `json:"baseline_range" yaml:"baseline_range"`
	MinDropThreshold float64   `json:"min_drop_threshold" yaml:"min_drop_threshold"`
}

// CheckDeploymentsParams looks up releases in a date range.
type CheckDeploymentsParams struct {
	TimeRange DateRange `json:"time_range" yaml:"time_range"`
	Platform  string    `json:"platform,omitempty" yaml:"platform,omitempty"`
}

// AnalyzeRetentionParams computes day-N retention for a signup cohort.
type AnalyzeRetentionParams struct {
	CohortDate    Date              `json:"cohort_date" yaml:"cohort_date"`
	RetentionDays []int             `json:"retention_days" yaml:"retention_days"`
	Filters       map[string]string `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// StatisticalAnalysisParams compares two filtered populations with Welch's
// t-test.
type StatisticalAnalysisParams struct {
	Metric           Metric            `json:"metric" yaml:"metric"`
	ControlFilters   map[string]string `json:"control_filters" yaml:"control_filters"`
	TreatmentFilters map[string]string `json:"treatment_filters" yaml:"treatment_filters"`
	TimeRange        DateRange         `json:"time_range" yaml:"time_range"`
}

// GenerateInsightsParams ends the loop and carries the hypothesis handed to
// synthesis.
type GenerateInsightsParams struct {
	PreliminaryHypothesis string `json:"preliminary_hypothesis" yaml:"preliminary_hypothesis"`
}

func (QueryMetricParams) Action() ActionType         { return ActionQueryMetric }
func (SegmentByDimensionParams) Action() ActionType  { return ActionSegmentByDimension }
func (CheckDeploymentsParams) Action() ActionType    { return ActionCheckDeployments }
func (AnalyzeRetentionParams) Action() ActionType    { return ActionAnalyzeRetention }
func (StatisticalAnalysisParams) Action() ActionType { return ActionStatisticalAnalysis }
func (GenerateInsightsParams) Action() ActionType    { return ActionGenerateInsights }

func (QueryMetricParams) isParams()         {}
func (SegmentByDimensionParams) isParams()  {}
func (CheckDeploymentsParams) isParams()    {}
func (AnalyzeRetentionParams) isParams()    {}
func (StatisticalAnalysisParams) isParams() {}
func (GenerateInsightsParams) isParams()    {}

func invalid(a ActionType, field, msg string) error {
	return &InvalidParametersError{Action: a, Field: field, Message: msg}
}

func validateMetric(a ActionType, m Metric) error {
	if m == "" {
		return invalid(a, "metric", "is required")
	}
	if _, err := ParseMetric(string(m)); err != nil {
		return err
	}
	return nil
}

func validateRange(a ActionType, field string, r DateRange) error {
	if r.Start.IsZero() || r.End.IsZero() {
		return invalid(a, field, "is required")
	}
	return nil
}

func (p QueryMetricParams) Validate() error {
	if err := validateMetric(p.Action(), p.Metric); err != nil {
		return err
	}
	return validateRange(p.Action(), "time_range", p.TimeRange)
}

func (p SegmentByDimensionParams) Validate() error {
	if err := validateMetric(p.Action(), p.Metric); err != nil {
		return err
	}
	if p.Dimension == "" {
		return invalid(p.Action(), "dimension", "is required")
	}
	if err := validateRange(p.Action(), "time_range", p.TimeRange); err != nil {
		return err
	}
	if err := validateRange(p.Action(), "baseline_range", p.BaselineRange); err != nil {
		return err
	}
	if p.MinDropThreshold < 0 || p.MinDropThreshold > 1 {
		return invalid(p.Action(), "min_drop_threshold", "must be between 0 and 1")
	}
	return nil
}

func (p CheckDeploymentsParams) Validate() error {
	return validateRange(p.Action(), "time_range", p.TimeRange)
}

func (p AnalyzeRetentionParams) Validate() error {
	if p.CohortDate.IsZero() {
		return invalid(p.Action(), "cohort_date", "is required")
	}
	for _, d := range p.RetentionDays {
		if d < 0 {
			return invalid(p.Action(), "retention_days", fmt.Sprintf("must not be negative, got %d", d))
		}
	}
	return nil
}

func (p StatisticalAnalysisParams) Validate() error {
	if err := validateMetric(p.Action(), p.Metric); err != nil {
		return err
	}
	return validateRange(p.Action(), "time_range", p.TimeRange)
}

func (p GenerateInsightsParams) Validate() error {
	if p.PreliminaryHypothesis == "" {
		return invalid(p.Action(), "preliminary_hypothesis", "is required")
	}
	return nil
}

// newParams returns a pointer to the zero payload for action with defaults
// already applied, so absent optional fields keep their default.
func newParams(action ActionType) (any, error) {
	switch action {
	case ActionQueryMetric:
		return &QueryMetricParams{}, nil
	case ActionSegmentByDimension:
		return &SegmentByDimensionParams{MinDropThreshold: DefaultMinDropThreshold}, nil
	case ActionCheckDeployments:
		return &CheckDeploymentsParams{}, nil
	case ActionAnalyzeRetention:
		return &AnalyzeRetentionParams{RetentionDays: slices.Clone(DefaultRetentionDays)}, nil
	case ActionStatisticalAnalysis:
		return &StatisticalAnalysisParams{}, nil
	case ActionGenerateInsights:
		return &GenerateInsightsParams{}, nil
	}
	return nil, &UnknownActionError{Action: string(action)}
}

func deref(target any) Params {
	switch p := target.(type) {
	case *QueryMetricParams:
		return *p
	case *SegmentByDimensionParams:
		return *p
	case *CheckDeploymentsParams:
		return *p
	case *AnalyzeRetentionParams:
		return *p
	case *StatisticalAnalysisParams:
		return *p
	case *GenerateInsightsParams:
		return *p
	}
	return nil
}

// DecodeParams strictly decodes the parameters payload of action. Unknown
// fields, wrong types and missing required fields are errors.
func DecodeParams(action ActionType, raw json.RawMessage) (Params, error) {
	target, err := newParams(action)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}
	if err := strictUnmarshal(raw, target); err != nil {
		return nil, invalid(action, "", err.Error())
	}
	params := deref(target)
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

// InvestigationStep is one decision taken by the oracle. It is immutable
// once created.
type InvestigationStep struct {
	StepID    int        `json:"step_id"`
	Action    ActionType `json:"action"`
	Params    Params     `json:"parameters"`
	Reasoning string     `json:"reasoning"`
}

// NewStep builds a step from a typed payload.
func NewStep(id int, params Params, reasoning string) InvestigationStep {
	return InvestigationStep{StepID: id, Action: params.Action(), Params: params, Reasoning: reasoning}
}

type wireStep struct {
	StepID     *int            `json:"step_id"`
	Action     ActionType      `json:"action"`
	Parameters json.RawMessage `json:"parameters"`
	Reasoning  string          `json:"reasoning"`
}

func (s InvestigationStep) MarshalJSON() ([]byte, error) {
	params, err := json.Marshal(s.Params)
	if err != nil {
		return nil, err
	}
	id := s.StepID
	return json.Marshal(wireStep{StepID: &id, Action: s.Action, Parameters: params, Reasoning: s.Reasoning})
}

func (s *InvestigationStep) UnmarshalJSON(b []byte) error {
	step, err := DecodeStep(b)
	if err != nil {
		return err
	}
	*s = step
	return nil
}

// DecodeStep strictly decodes a step object. The parameters payload must
// match the variant selected by the action tag.
func DecodeStep(b []byte) (InvestigationStep, error) {
	var w wireStep
	if err := strictUnmarshal(b, &w); err != nil {
		return InvestigationStep{}, fmt.Errorf("decode step: %w", err)
	}
	if w.Action == "" {
		return InvestigationStep{}, fmt.Errorf("decode step: action is required")
	}
	if !w.Action.Known() {
		return InvestigationStep{}, &UnknownActionError{Action: string(w.Action)}
	}
	if w.StepID == nil {
		return InvestigationStep{}, fmt.Errorf("decode step: step_id is required")
	}
	params, err := DecodeParams(w.Action, w.Parameters)
	if err != nil {
		return InvestigationStep{}, err
	}
	return InvestigationStep{StepID: *w.StepID, Action: w.Action, Params: params, Reasoning: w.Reasoning}, nil
}
