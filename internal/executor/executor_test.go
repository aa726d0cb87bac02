package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/metric-investigator/internal/models"
	"github.com/kubilitics/metric-investigator/internal/warehouse"
)

type fakeStore struct {
	warehouse.Store
	segments    []models.DimensionalBreakdown
	deployments []models.Deployment
	points      []models.MetricDataPoint
	retention   map[string]float64
	stat        *models.StatTestResult
	err         error
	panicMsg    string
}

func (f *fakeStore) QueryMetric(context.Context, models.Metric, models.DateRange, []string, map[string]string) ([]models.MetricDataPoint, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.points, f.err
}

func (f *fakeStore) DimensionalBreakdown(context.Context, models.Metric, string, models.DateRange, models.DateRange, float64) ([]models.DimensionalBreakdown, error) {
	return f.segments, f.err
}

func (f *fakeStore) CheckDeployments(context.Context, models.DateRange, string) ([]models.Deployment, error) {
	return f.deployments, f.err
}

func (f *fakeStore) CohortRetention(context.Context, models.Date, []int, map[string]string) (map[string]float64, error) {
	return f.retention, f.err
}

func (f *fakeStore) RunStatisticalTest(context.Context, models.Metric, map[string]string, map[string]string, models.DateRange) (*models.StatTestResult, error) {
	return f.stat, f.err
}

func rng(t *testing.T) models.DateRange {
	r, err := models.NewDateRange("2026-01-28", "2026-02-03")
	require.NoError(t, err)
	return r
}

func TestExecute_QueryMetric(t *testing.T) {
	store := &fakeStore{points: make([]models.MetricDataPoint, 7)}
	exec := New(store, 0, nil)

	step := models.NewStep(1, models.QueryMetricParams{Metric: models.MetricDAU, TimeRange: rng(t)}, "baseline")
	res := exec.Execute(context.Background(), step)

	require.True(t, res.Success)
	assert.Equal(t, 1, res.StepID)
	assert.Equal(t, models.ActionQueryMetric, res.Action)
	assert.Equal(t, []string{"Queried 7 data points for the metric."}, res.KeyFindings)
	assert.Equal(t, DefaultConfidence, res.ConfidenceScore)
	assert.False(t, res.ExecutedAt.IsZero())
	assert.Len(t, res.Data.MetricData, 7)
}

func TestExecute_QueryMetricSeriesFindings(t *testing.T) {
	start := time.Date(2026, 1, 25, 0, 0, 0, 0, time.UTC)
	var points []models.MetricDataPoint
	for i, v := range []float64{1400, 1410, 1395, 900, 910, 905, 895, 900} {
		points = append(points, models.MetricDataPoint{Timestamp: start.AddDate(0, 0, i), Value: v})
	}
	exec := New(&fakeStore{points: points}, 0, nil)

	res := exec.Execute(context.Background(), models.NewStep(1, models.QueryMetricParams{Metric: models.MetricDAU, TimeRange: rng(t)}, ""))
	require.True(t, res.Success)
	require.GreaterOrEqual(t, len(res.KeyFindings), 2)
	assert.Equal(t, "Queried 8 data points for the metric.", res.KeyFindings[0])
	assert.Contains(t, res.KeyFindings[1], "Level fell")
	assert.Contains(t, res.KeyFindings[1], "from 2026-01-28")

	grouped := []models.MetricDataPoint{{Timestamp: start, Value: 1, Dimensions: map[string]string{"platform": "ios"}}}
	res = New(&fakeStore{points: grouped}, 0, nil).Execute(context.Background(), models.NewStep(2, models.QueryMetricParams{Metric: models.MetricDAU, TimeRange: rng(t)}, ""))
	assert.Equal(t, []string{"Queried 1 data points for the metric."}, res.KeyFindings)
}

func TestExecute_EmptyResultIsSuccess(t *testing.T) {
	exec := New(&fakeStore{}, 0.6, nil)
	step := models.NewStep(1, models.QueryMetricParams{Metric: models.MetricDAU, TimeRange: rng(t)}, "")
	res := exec.Execute(context.Background(), step)

	require.True(t, res.Success)
	assert.NotNil(t, res.Data.MetricData)
	assert.Empty(t, res.Data.MetricData)
	assert.Equal(t, 0.6, res.ConfidenceScore)
}

func TestExecute_SegmentConfidence(t *testing.T) {
	tests := []struct {
		name     string
		segments []models.DimensionalBreakdown
		want     float64
	}{
		{"no segments", nil, 0.3},
		{"large samples", []models.DimensionalBreakdown{{SampleSize: 1500}, {SampleSize: 900}}, 0.9},
		{"medium samples", []models.DimensionalBreakdown{{SampleSize: 150}}, 0.7},
		{"small samples", []models.DimensionalBreakdown{{SampleSize: 7}}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := New(&fakeStore{segments: tt.segments}, 0, nil)
			step := models.NewStep(2, models.SegmentByDimensionParams{
				Metric:           models.MetricDAU,
				Dimension:        "platform",
				TimeRange:        rng(t),
				BaselineRange:    rng(t),
				MinDropThreshold: 0.1,
			}, "")
			res := exec.Execute(context.Background(), step)
			require.True(t, res.Success)
			assert.Equal(t, tt.want, res.ConfidenceScore)
		})
	}
}

func TestExecute_SegmentFindings(t *testing.T) {
	store := &fakeStore{segments: []models.DimensionalBreakdown{
		{DimensionName: "platform", DimensionValue: "android", BeforeValue: 100, AfterValue: 40, PctChange: -0.6, SampleSize: 7},
	}}
	exec := New(store, 0, nil)
	step := models.NewStep(2, models.SegmentByDimensionParams{
		Metric: models.MetricDAU, Dimension: "platform", TimeRange: rng(t), BaselineRange: rng(t), MinDropThreshold: 0.1,
	}, "")
	res := exec.Execute(context.Background(), step)

	require.Len(t, res.KeyFindings, 2)
	assert.Equal(t, "Segmented data into 1 groups.", res.KeyFindings[0])
	assert.Contains(t, res.KeyFindings[1], "platform=android dropped 60.0%")
}

func TestExecute_DeploymentConfidence(t *testing.T) {
	step := models.NewStep(3, models.CheckDeploymentsParams{TimeRange: rng(t), Platform: "android"}, "")

	found := New(&fakeStore{deployments: []models.Deployment{{DeploymentID: "deploy_003"}}}, 0, nil).
		Execute(context.Background(), step)
	assert.Equal(t, 0.8, found.ConfidenceScore)
	assert.Equal(t, "Found 1 deployments in the specified time range.", found.KeyFindings[0])

	none := New(&fakeStore{}, 0, nil).Execute(context.Background(), step)
	assert.Equal(t, 0.4, none.ConfidenceScore)
	assert.Equal(t, []string{"Found 0 deployments in the specified time range."}, none.KeyFindings)
}

func TestExecute_RetentionAndStats(t *testing.T) {
	store := &fakeStore{
		retention: map[string]float64{"day_30": 0.2, "day_1": 0.6, "day_7": 0.4},
		stat:      &models.StatTestResult{ControlMean: 10, TreatmentMean: 6, PValue: 0.001, Significant: true},
	}
	exec := New(store, 0, nil)

	ret := exec.Execute(context.Background(), models.NewStep(4, models.AnalyzeRetentionParams{
		CohortDate: models.MustDate("2026-01-28"), RetentionDays: []int{1, 7, 30},
	}, ""))
	require.True(t, ret.Success)
	assert.Equal(t, "Cohort retention analysis completed.", ret.KeyFindings[0])
	assert.Equal(t, []string{"day_1 retention 60.0%", "day_7 retention 40.0%", "day_30 retention 20.0%"}, ret.KeyFindings[1:])

	st := exec.Execute(context.Background(), models.NewStep(5, models.StatisticalAnalysisParams{
		Metric:           models.MetricDAU,
		ControlFilters:   map[string]string{"platform": "ios"},
		TreatmentFilters: map[string]string{"platform": "android"},
		TimeRange:        rng(t),
	}, ""))
	require.True(t, st.Success)
	assert.Equal(t, "Statistical test executed.", st.KeyFindings[0])
	assert.Contains(t, st.KeyFindings[1], "(significant)")
}

func TestExecute_Failures(t *testing.T) {
	t.Run("store error", func(t *testing.T) {
		exec := New(&fakeStore{err: errors.New("database is locked")}, 0, nil)
		res := exec.Execute(context.Background(), models.NewStep(1, models.CheckDeploymentsParams{TimeRange: rng(t)}, ""))
		assert.False(t, res.Success)
		assert.Nil(t, res.Data)
		assert.Equal(t, 0.0, res.ConfidenceScore)
		assert.Equal(t, "database is locked", res.ErrorMessage)
		assert.Equal(t, []string{"Step failed: database is locked"}, res.KeyFindings)
	})

	t.Run("unsupported metric", func(t *testing.T) {
		exec := New(&fakeStore{}, 0, nil)
		res := exec.Execute(context.Background(), models.NewStep(1, models.QueryMetricParams{Metric: "revenue", TimeRange: rng(t)}, ""))
		assert.False(t, res.Success)
		assert.Contains(t, res.ErrorMessage, "revenue")
	})

	t.Run("panic", func(t *testing.T) {
		exec := New(&fakeStore{panicMsg: "boom"}, 0, nil)
		res := exec.Execute(context.Background(), models.NewStep(1, models.QueryMetricParams{Metric: models.MetricDAU, TimeRange: rng(t)}, ""))
		assert.False(t, res.Success)
		assert.Contains(t, res.ErrorMessage, "boom")
		assert.Equal(t, 1, res.StepID)
	})

	t.Run("terminal action", func(t *testing.T) {
		exec := New(&fakeStore{}, 0, nil)
		res := exec.Execute(context.Background(), models.NewStep(9, models.GenerateInsightsParams{}, ""))
		assert.False(t, res.Success)
		assert.Equal(t, models.ActionGenerateInsights, res.Action)
	})

	t.Run("missing params", func(t *testing.T) {
		exec := New(&fakeStore{}, 0, nil)
		res := exec.Execute(context.Background(), models.InvestigationStep{StepID: 3, Action: models.ActionQueryMetric})
		assert.False(t, res.Success)
		assert.Equal(t, 3, res.StepID)
	})

	t.Run("unknown action", func(t *testing.T) {
		exec := New(&fakeStore{}, 0, nil)
		res := exec.Execute(context.Background(), models.InvestigationStep{StepID: 4, Action: "statistical_test"})
		assert.False(t, res.Success)
		assert.Contains(t, res.ErrorMessage, "statistical_test")
	})
}
