package models

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// StepData is the typed payload of a successful step. Exactly one field is
// populated, matching the action that produced it.
type StepData struct {
	MetricData      []MetricDataPoint      `json:"metric_data,omitempty" yaml:"metric_data,omitempty"`
	SegmentedData   []DimensionalBreakdown `json:"segmented_data,omitempty" yaml:"segmented_data,omitempty"`
	Deployments     []Deployment           `json:"deployments,omitempty" yaml:"deployments,omitempty"`
	RetentionData   map[string]float64     `json:"retention_data,omitempty" yaml:"retention_data,omitempty"`
	StatisticalTest *StatTestResult        `json:"statistical_test_result,omitempty" yaml:"statistical_test_result,omitempty"`
}

// DataPoints counts point and segment records.
func (d *StepData) DataPoints() int {
	if d == nil {
		return 0
	}
	return len(d.MetricData) + len(d.SegmentedData)
}

// DeploymentCount counts deployment records.
func (d *StepData) DeploymentCount() int {
	if d == nil {
		return 0
	}
	return len(d.Deployments)
}

func (d *StepData) clone() *StepData {
	if d == nil {
		return nil
	}
	out := &StepData{
		MetricData:    slices.Clone(d.MetricData),
		SegmentedData: slices.Clone(d.SegmentedData),
		Deployments:   slices.Clone(d.Deployments),
		RetentionData: maps.Clone(d.RetentionData),
	}
	for i := range out.MetricData {
		out.MetricData[i].Dimensions = maps.Clone(out.MetricData[i].Dimensions)
	}
	for i := range out.Deployments {
		out.Deployments[i].Regions = slices.Clone(out.Deployments[i].Regions)
	}
	if d.StatisticalTest != nil {
		st := *d.StatisticalTest
		out.StatisticalTest = &st
	}
	return out
}

// Digest is a bounded one-line description of the payload, used where the
// raw data must not be passed verbatim.
func (d *StepData) Digest(maxItems int) string {
	if d == nil {
		return "no data"
	}
	switch {
	case d.SegmentedData != nil:
		if len(d.SegmentedData) == 0 {
			return "segments: none above threshold"
		}
		parts := make([]string, 0, min(len(d.SegmentedData), maxItems))
		for i, s := range d.SegmentedData {
			if i == maxItems {
				parts = append(parts, fmt.Sprintf("+%d more", len(d.SegmentedData)-maxItems))
				break
			}
			parts = append(parts, fmt.Sprintf("%s=%s %+.1f%%", s.DimensionName, s.DimensionValue, s.PctChange*100))
		}
		return "segments: " + strings.Join(parts, "; ")
	case d.Deployments != nil:
		if len(d.Deployments) == 0 {
			return "deployments: none"
		}
		parts := make([]string, 0, min(len(d.Deployments), maxItems))
		for i, dep := range d.Deployments {
			if i == maxItems {
				parts = append(parts, fmt.Sprintf("+%d more", len(d.Deployments)-maxItems))
				break
			}
			parts = append(parts, fmt.Sprintf("%s %s %s %s regions=%s",
				dep.DeploymentID, dep.Platform, dep.AppVersion,
				dep.DeploymentDate.Format(DateLayout), strings.Join(dep.Regions, ",")))
		}
		return "deployments: " + strings.Join(parts, "; ")
	case d.MetricData != nil:
		if len(d.MetricData) == 0 {
			return "metric: no points"
		}
		lo, hi := d.MetricData[0].Value, d.MetricData[0].Value
		for _, p := range d.MetricData {
			lo, hi = min(lo, p.Value), max(hi, p.Value)
		}
		return fmt.Sprintf("metric: %d points, min %.2f, max %.2f", len(d.MetricData), lo, hi)
	case d.RetentionData != nil:
		keys := slices.Sorted(maps.Keys(d.RetentionData))
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%.1f%%", k, d.RetentionData[k]*100)
		}
		return "retention: " + strings.Join(parts, ", ")
	case d.StatisticalTest != nil:
		st := d.StatisticalTest
		return fmt.Sprintf("t-test: control %.2f, treatment %.2f, p=%.4f", st.ControlMean, st.TreatmentMean, st.PValue)
	}
	return "empty"
}

// StepResult is the outcome of executing one step. Results are appended to
// the evidence log once and never mutated afterwards.
type StepResult struct {
	StepID          int        `json:"step_id" yaml:"step_id"`
	Action          ActionType `json:"action" yaml:"action"`
	Success         bool       `json:"success" yaml:"success"`
	Data            *StepData  `json:"data,omitempty" yaml:"data,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	KeyFindings     []string   `json:"key_findings" yaml:"key_findings"`
	ConfidenceScore float64    `json:"confidence_score" yaml:"confidence_score"`
	ExecutedAt      time.Time  `json:"executed_at" yaml:"executed_at"`
	DurationMS      int64      `json:"duration_ms" yaml:"duration_ms"`
}

// NewSuccessResult builds a successful result. Confidence is clamped to
// [0, 1].
func NewSuccessResult(step InvestigationStep, data *StepData, findings []string, confidence float64) StepResult {
	if data == nil {
		data = &StepData{}
	}
	if findings == nil {
		findings = []string{}
	}
	return StepResult{
		StepID:          step.StepID,
		Action:          step.Action,
		Success:         true,
		Data:            data,
		KeyFindings:     findings,
		ConfidenceScore: min(max(confidence, 0), 1),
	}
}

// NewFailureResult builds a failed result: no data and zero confidence.
func NewFailureResult(step InvestigationStep, err error) StepResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return StepResult{
		StepID:       step.StepID,
		Action:       step.Action,
		Success:      false,
		ErrorMessage: msg,
		KeyFindings:  []string{"Step failed: " + msg},
	}
}

// Clone returns a deep copy.
func (r StepResult) Clone() StepResult {
	r.Data = r.Data.clone()
	r.KeyFindings = slices.Clone(r.KeyFindings)
	return r
}
