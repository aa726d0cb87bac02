package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStep_Variants(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		action ActionType
		check  func(t *testing.T, p Params)
	}{
		{
			name:   "segment with default threshold",
			input:  `{"step_id":2,"action":"segment_by_dimension","parameters":{"metric":"dau","dimension":"platform","time_range":["2026-01-28","2026-02-01"],"baseline_range":["2026-01-25","2026-01-27"]},"reasoning":"slice it"}`,
			action: ActionSegmentByDimension,
			check: func(t *testing.T, p Params) {
				seg := p.(SegmentByDimensionParams)
				assert.Equal(t, MetricDAU, seg.Metric)
				assert.Equal(t, "platform", seg.Dimension)
				assert.InDelta(t, DefaultMinDropThreshold, seg.MinDropThreshold, 1e-9)
				assert.Equal(t, "2026-01-28", seg.TimeRange.Start.String())
				assert.Equal(t, "2026-01-27", seg.BaselineRange.End.String())
			},
		},
		{
			name:   "retention with default days",
			input:  `{"step_id":1,"action":"analyze_retention","parameters":{"cohort_date":"2026-01-25"},"reasoning":""}`,
			action: ActionAnalyzeRetention,
			check: func(t *testing.T, p Params) {
				assert.Equal(t, []int{1, 7, 30}, p.(AnalyzeRetentionParams).RetentionDays)
			},
		},
		{
			name:   "statistical analysis",
			input:  `{"step_id":3,"action":"statistical_analysis","parameters":{"metric":"dau","control_filters":{"platform":"ios"},"treatment_filters":{"platform":"android"},"time_range":["2026-01-25","2026-02-01"]},"reasoning":"compare"}`,
			action: ActionStatisticalAnalysis,
			check: func(t *testing.T, p Params) {
				st := p.(StatisticalAnalysisParams)
				assert.Equal(t, "android", st.TreatmentFilters["platform"])
			},
		},
		{
			name:   "terminal",
			input:  `{"step_id":4,"action":"generate_insights","parameters":{"preliminary_hypothesis":"android release"},"reasoning":"done"}`,
			action: ActionGenerateInsights,
			check: func(t *testing.T, p Params) {
				assert.Equal(t, "android release", p.(GenerateInsightsParams).PreliminaryHypothesis)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step, err := DecodeStep([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.action, step.Action)
			assert.Equal(t, tt.action, step.Params.Action())
			tt.check(t, step.Params)
		})
	}
}

func TestDecodeStep_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  any
	}{
		{"unknown action", `{"step_id":1,"action":"statistical_test","parameters":{},"reasoning":""}`, &UnknownActionError{}},
		{"unknown field", `{"step_id":1,"action":"check_deployments","parameters":{"time_range":["2026-01-25","2026-02-01"],"region":"IN"},"reasoning":""}`, &InvalidParametersError{}},
		{"missing required", `{"step_id":1,"action":"segment_by_dimension","parameters":{"metric":"dau"},"reasoning":""}`, &InvalidParametersError{}},
		{"bad metric", `{"step_id":1,"action":"query_metric","parameters":{"metric":"mau","time_range":["2026-01-25","2026-02-01"]},"reasoning":""}`, &UnsupportedMetricError{}},
		{"wrong range shape", `{"step_id":1,"action":"check_deployments","parameters":{"time_range":"2026-01-25"},"reasoning":""}`, &InvalidParametersError{}},
		{"empty hypothesis", `{"step_id":1,"action":"generate_insights","parameters":{},"reasoning":""}`, &InvalidParametersError{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeStep([]byte(tt.input))
			require.Error(t, err)
			switch tt.want.(type) {
			case *UnknownActionError:
				var target *UnknownActionError
				assert.True(t, errors.As(err, &target), "got %v", err)
			case *InvalidParametersError:
				var target *InvalidParametersError
				assert.True(t, errors.As(err, &target), "got %v", err)
			case *UnsupportedMetricError:
				var target *UnsupportedMetricError
				assert.True(t, errors.As(err, &target), "got %v", err)
			}
		})
	}

	t.Run("missing step id", func(t *testing.T) {
		_, err := DecodeStep([]byte(`{"action":"generate_insights","parameters":{"preliminary_hypothesis":"x"},"reasoning":""}`))
		assert.Error(t, err)
	})
	t.Run("extra top-level field", func(t *testing.T) {
		_, err := DecodeStep([]byte(`{"step_id":1,"action":"generate_insights","parameters":{"preliminary_hypothesis":"x"},"reasoning":"","confidence":0.9}`))
		assert.Error(t, err)
	})
}

func TestInvestigationStep_JSONShape(t *testing.T) {
	rng, err := NewDateRange("2026-01-25", "2026-02-01")
	require.NoError(t, err)
	step := NewStep(7, CheckDeploymentsParams{TimeRange: rng, Platform: "android"}, "look for releases")

	b, err := json.Marshal(step)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"step_id":7,"action":"check_deployments","parameters":{"time_range":["2026-01-25","2026-02-01"],"platform":"android"},"reasoning":"look for releases"}`,
		string(b))

	var back InvestigationStep
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, step, back)
}

func TestDateRange(t *testing.T) {
	rng, err := NewDateRange("2026-02-01", "2026-01-25")
	require.NoError(t, err)
	assert.True(t, rng.Empty())

	_, err = NewDateRange("2026-13-01", "2026-01-25")
	assert.Error(t, err)

	var r DateRange
	assert.Error(t, json.Unmarshal([]byte(`["2026-01-25"]`), &r))
}

func TestConversationContext_CloneIsDeep(t *testing.T) {
	step := NewStep(1, CheckDeploymentsParams{}, "")
	res := NewSuccessResult(step, &StepData{Deployments: []Deployment{{DeploymentID: "deploy_003", Regions: []string{"IN"}}}}, []string{"a"}, 0.8)
	conv := &ConversationContext{
		ConversationID: "c1",
		ExecutedSteps:  []StepResult{res},
		UserFeedback:   []string{"why?"},
		Insights:       &InsightReport{CorrelatedEvents: []string{"deploy_003"}},
	}

	cp := conv.Clone()
	cp.ExecutedSteps[0].KeyFindings[0] = "mutated"
	cp.ExecutedSteps[0].Data.Deployments[0].Regions[0] = "BR"
	cp.UserFeedback[0] = "mutated"
	cp.Insights.CorrelatedEvents[0] = "mutated"

	assert.Equal(t, "a", conv.ExecutedSteps[0].KeyFindings[0])
	assert.Equal(t, "IN", conv.ExecutedSteps[0].Data.Deployments[0].Regions[0])
	assert.Equal(t, "why?", conv.UserFeedback[0])
	assert.Equal(t, "deploy_003", conv.Insights.CorrelatedEvents[0])
	assert.Nil(t, cp.ExecutedSteps[0].Data.MetricData)
}

func TestResultInvariants(t *testing.T) {
	step := NewStep(3, QueryMetricParams{}, "")
	fail := NewFailureResult(step, errors.New("boom"))
	assert.False(t, fail.Success)
	assert.Nil(t, fail.Data)
	assert.Zero(t, fail.ConfidenceScore)
	assert.Equal(t, "boom", fail.ErrorMessage)

	ok := NewSuccessResult(step, nil, nil, 1.4)
	assert.True(t, ok.Success)
	assert.Empty(t, ok.ErrorMessage)
	assert.Equal(t, 1.0, ok.ConfidenceScore)
}

func TestNextStepID(t *testing.T) {
	c := &ConversationContext{}
	assert.Equal(t, 1, c.NextStepID())
	c.ExecutedSteps = []StepResult{{StepID: 4}, {StepID: 2}}
	assert.Equal(t, 5, c.NextStepID())
}
