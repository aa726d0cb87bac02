package models

import (
	"slices"
	"time"
)

// LoopState is the position of a conversation in the investigation loop.
type LoopState string

const (
	StateAwaitingDecision LoopState = "awaiting_decision"
	StateExecutingStep    LoopState = "executing_step"
	StateTerminated       LoopState = "terminated"
)

// AffectedSegment is a slice of users the report blames for the anomaly.
type AffectedSegment struct {
	SegmentName string  `json:"segment_name" yaml:"segment_name"`
	SegmentType string  `json:"segment_type" yaml:"segment_type"`
	Confidence  float64 `json:"confidence" yaml:"confidence"`
	Description string  `json:"description" yaml:"description"`
}

// SupportingData is recomputed from the evidence log, never taken from a
// drafted report.
type SupportingData struct {
	InvestigationStepsCompleted int     `json:"investigation_steps_completed" yaml:"investigation_steps_completed"`
	DataPointsAnalyzed          int     `json:"data_points_analyzed" yaml:"data_points_analyzed"`
	DeploymentsFound            int     `json:"deployments_found" yaml:"deployments_found"`
	AverageConfidenceScore      float64 `json:"average_confidence_score" yaml:"average_confidence_score"`
	RequiresFollowup            bool    `json:"requires_followup" yaml:"requires_followup"`
}

// InsightReport is the synthesized result of an investigation.
type InsightReport struct {
	Summary          string            `json:"summary" yaml:"summary"`
	RootCause        string            `json:"root_cause" yaml:"root_cause"`
	AffectedSegments []AffectedSegment `json:"affected_segments" yaml:"affected_segments"`
	CorrelatedEvents []string          `json:"correlated_events" yaml:"correlated_events"`
	Recommendations  []string          `json:"recommendations" yaml:"recommendations"`
	ConfidenceScore  float64           `json:"confidence_score" yaml:"confidence_score"`
	SupportingData   SupportingData    `json:"supporting_data" yaml:"supporting_data"`
	GeneratedAt      time.Time         `json:"generated_at" yaml:"generated_at"`
}

// Clone returns a deep copy.
func (r *InsightReport) Clone() *InsightReport {
	if r == nil {
		return nil
	}
	out := *r
	out.AffectedSegments = slices.Clone(r.AffectedSegments)
	out.CorrelatedEvents = slices.Clone(r.CorrelatedEvents)
	out.Recommendations = slices.Clone(r.Recommendations)
	return &out
}

// ConversationContext is the aggregate root of one investigation thread.
type ConversationContext struct {
	ConversationID string         `json:"conversation_id" yaml:"conversation_id"`
	QueryText      string         `json:"query_text" yaml:"query_text"`
	ExecutedSteps  []StepResult   `json:"executed_steps" yaml:"executed_steps"`
	Insights       *InsightReport `json:"insights" yaml:"insights"`
	UserFeedback   []string       `json:"user_feedback" yaml:"user_feedback"`
	State          LoopState      `json:"state" yaml:"state"`
	CreatedAt      time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep copy that shares nothing with c.
func (c *ConversationContext) Clone() *ConversationContext {
	if c == nil {
		return nil
	}
	out := *c
	out.ExecutedSteps = make([]StepResult, len(c.ExecutedSteps))
	for i, r := range c.ExecutedSteps {
		out.ExecutedSteps[i] = r.Clone()
	}
	out.UserFeedback = slices.Clone(c.UserFeedback)
	if out.UserFeedback == nil {
		out.UserFeedback = []string{}
	}
	out.Insights = c.Insights.Clone()
	return &out
}

// NextStepID is one past the largest step id in the log.
func (c *ConversationContext) NextStepID() int {
	next := 1
	for _, r := range c.ExecutedSteps {
		if r.StepID >= next {
			next = r.StepID + 1
		}
	}
	return next
}
