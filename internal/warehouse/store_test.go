package warehouse

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/metric-investigator/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ts(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(timestampLayout, s)
	require.NoError(t, err)
	return v
}

func rng(t *testing.T, start, end string) models.DateRange {
	t.Helper()
	r, err := models.NewDateRange(start, end)
	require.NoError(t, err)
	return r
}

func ev(id, user, at, platform, country string) Event {
	t, _ := time.Parse(timestampLayout, at)
	return Event{EventID: id, UserID: user, EventType: "page_view", Timestamp: t, Platform: platform, Country: country, DeviceType: "mobile", AppVersion: "2.3.0"}
}

func seedQueryFixture(t *testing.T, s *SQLiteStore) {
	t.Helper()
	require.NoError(t, s.InsertEvents(context.Background(), []Event{
		ev("e1", "u1", "2026-01-26 10:00:00", "android", "IN"),
		ev("e2", "u1", "2026-01-26 11:00:00", "android", "IN"),
		ev("e3", "u2", "2026-01-26 12:00:00", "ios", "US"),
		ev("e4", "u1", "2026-01-27 09:00:00", "android", "IN"),
		ev("e5", "u4", "2026-02-01 23:30:00", "ios", "US"),
		ev("e6", "u3", "2026-02-02 08:00:00", "web", "BR"),
		ev("e7", "u3", "2026-02-02 09:00:00", "web", "BR"),
		ev("e8", "u3", "2026-02-02 10:00:00", "web", "BR"),
	}))
}

func pointsByDay(points []models.MetricDataPoint) map[string]float64 {
	out := make(map[string]float64)
	for _, p := range points {
		out[p.Timestamp.Format(models.DateLayout)] = p.Value
	}
	return out
}

func TestQueryMetric(t *testing.T) {
	s := newTestStore(t)
	seedQueryFixture(t, s)
	ctx := context.Background()
	window := rng(t, "2026-01-26", "2026-02-02")

	t.Run("dau", func(t *testing.T) {
		points, err := s.QueryMetric(ctx, models.MetricDAU, window, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]float64{
			"2026-01-26": 2, "2026-01-27": 1, "2026-02-01": 1, "2026-02-02": 1,
		}, pointsByDay(points))
		assert.Nil(t, points[0].Dimensions)
	})

	t.Run("wau buckets by monday", func(t *testing.T) {
		points, err := s.QueryMetric(ctx, models.MetricWAU, window, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]float64{"2026-01-26": 3, "2026-02-02": 1}, pointsByDay(points))
		for _, p := range points {
			assert.Equal(t, time.Monday, p.Timestamp.Weekday())
		}
	})

	t.Run("events per user", func(t *testing.T) {
		points, err := s.QueryMetric(ctx, models.MetricEventsPerUser, window, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]float64{
			"2026-01-26": 1.5, "2026-01-27": 1, "2026-02-01": 1, "2026-02-02": 3,
		}, pointsByDay(points))
	})

	t.Run("grouped by dimension", func(t *testing.T) {
		points, err := s.QueryMetric(ctx, models.MetricDAU, rng(t, "2026-01-26", "2026-01-26"), []string{"platform"}, nil)
		require.NoError(t, err)
		require.Len(t, points, 2)
		assert.Equal(t, "android", points[0].Dimensions["platform"])
		assert.Equal(t, "ios", points[1].Dimensions["platform"])
	})

	t.Run("filtered", func(t *testing.T) {
		points, err := s.QueryMetric(ctx, models.MetricDAU, window, nil, map[string]string{"platform": "android", "country": "IN"})
		require.NoError(t, err)
		assert.Equal(t, map[string]float64{"2026-01-26": 1, "2026-01-27": 1}, pointsByDay(points))
	})

	t.Run("inverted range is empty", func(t *testing.T) {
		points, err := s.QueryMetric(ctx, models.MetricDAU, rng(t, "2026-02-02", "2026-01-26"), nil, nil)
		require.NoError(t, err)
		assert.Empty(t, points)
		assert.NotNil(t, points)
	})

	t.Run("unsupported metric", func(t *testing.T) {
		_, err := s.QueryMetric(ctx, models.Metric("mau"), window, nil, nil)
		var target *models.UnsupportedMetricError
		assert.True(t, errors.As(err, &target))
	})

	t.Run("unsupported dimension", func(t *testing.T) {
		_, err := s.QueryMetric(ctx, models.MetricDAU, window, []string{"user_id; DROP TABLE event_stream"}, nil)
		var target *models.UnsupportedDimensionError
		assert.True(t, errors.As(err, &target))

		_, err = s.QueryMetric(ctx, models.MetricDAU, window, nil, map[string]string{"session_id": "x"})
		assert.True(t, errors.As(err, &target))
	})
}

func TestCompareBreakdown_Threshold(t *testing.T) {
	base := map[string]periodAgg{"android": {sum: 300, count: 3}}

	included := compareBreakdown("platform", base, map[string]periodAgg{"android": {sum: 255, count: 3}}, 0.10)
	require.Len(t, included, 1)
	assert.Equal(t, "android", included[0].DimensionValue)
	assert.InDelta(t, -0.15, included[0].PctChange, 1e-9)
	assert.InDelta(t, 100, included[0].BeforeValue, 1e-9)
	assert.InDelta(t, 85, included[0].AfterValue, 1e-9)
	assert.Equal(t, 3, included[0].SampleSize)

	excluded := compareBreakdown("platform", base, map[string]periodAgg{"android": {sum: 285, count: 3}}, 0.10)
	assert.Empty(t, excluded)

	rises := compareBreakdown("platform", base, map[string]periodAgg{"android": {sum: 600, count: 3}}, 0.10)
	assert.Empty(t, rises)
}

func TestCompareBreakdown_ZeroBaseline(t *testing.T) {
	out := compareBreakdown("platform", map[string]periodAgg{}, map[string]periodAgg{"web": {sum: 10, count: 2}}, 0.10)
	assert.Empty(t, out)

	out = compareBreakdown("platform", map[string]periodAgg{}, map[string]periodAgg{"web": {sum: 10, count: 2}}, 0)
	require.Len(t, out, 1)
	assert.Zero(t, out[0].PctChange)
}

func TestCompareBreakdown_BaselineOnlyValueSkipped(t *testing.T) {
	base := map[string]periodAgg{
		"android": {sum: 1, count: 1},
		"ios":     {sum: 200, count: 2},
	}
	cur := map[string]periodAgg{"ios": {sum: 80, count: 2}}

	out := compareBreakdown("platform", base, cur, 0.10)
	require.Len(t, out, 1)
	assert.Equal(t, "ios", out[0].DimensionValue)
	assert.InDelta(t, -0.6, out[0].PctChange, 1e-9)
	for _, b := range out {
		assert.NotZero(t, b.SampleSize)
	}
}

func activeUsers(day, platform string, n int) []Event {
	out := make([]Event, n)
	for i := range n {
		out[i] = ev(fmt.Sprintf("%s-%s-%d", day, platform, i), fmt.Sprintf("%s_%d", platform, i), day+" 12:00:00", platform, "US")
	}
	return out
}

func TestDimensionalBreakdown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var events []Event
	for _, day := range []string{"2026-01-25", "2026-01-26", "2026-01-27"} {
		events = append(events, activeUsers(day, "android", 4)...)
		events = append(events, activeUsers(day, "ios", 2)...)
		events = append(events, activeUsers(day, "tv", 1)...)
	}
	for _, day := range []string{"2026-01-28", "2026-01-29", "2026-01-30"} {
		events = append(events, activeUsers(day, "android", 2)...)
		events = append(events, activeUsers(day, "ios", 2)...)
		events = append(events, activeUsers(day, "web", 1)...)
	}
	require.NoError(t, s.InsertEvents(ctx, events))

	out, err := s.DimensionalBreakdown(ctx, models.MetricDAU, "platform",
		rng(t, "2026-01-28", "2026-01-30"), rng(t, "2026-01-25", "2026-01-27"), 0.10)
	require.NoError(t, err)
	require.Len(t, out, 1, "tv has no current rows and is not reported")

	assert.Equal(t, "android", out[0].DimensionValue)
	assert.InDelta(t, -0.5, out[0].PctChange, 1e-9)
	assert.Equal(t, 3, out[0].SampleSize)

	_, err = s.DimensionalBreakdown(ctx, models.MetricDAU, "signup_channel",
		rng(t, "2026-01-28", "2026-01-30"), rng(t, "2026-01-25", "2026-01-27"), 0.10)
	var target *models.UnsupportedDimensionError
	assert.True(t, errors.As(err, &target))
}

func TestCheckDeployments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertDeployments(ctx, ScenarioDeployments()))

	all, err := s.CheckDeployments(ctx, rng(t, "2026-01-25", "2026-02-01"), "")
	require.NoError(t, err)
	ids := make([]string, len(all))
	for i, d := range all {
		ids[i] = d.DeploymentID
	}
	assert.Equal(t, []string{"deploy_002", "deploy_003", "deploy_004"}, ids)

	android, err := s.CheckDeployments(ctx, rng(t, "2026-01-28", "2026-01-28"), "android")
	require.NoError(t, err)
	require.Len(t, android, 1)
	assert.Equal(t, "deploy_003", android[0].DeploymentID)
	assert.Equal(t, []string{"IN", "BR"}, android[0].Regions)
	assert.Equal(t, ts(t, "2026-01-28 09:00:00"), android[0].DeploymentDate)

	none, err := s.CheckDeployments(ctx, rng(t, "2026-01-28", "2026-01-28"), "web")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestParseRegions(t *testing.T) {
	assert.Equal(t, []string{"IN", "BR"}, parseRegions(`["IN","BR"]`))
	assert.Equal(t, []string{"IN", "BR"}, parseRegions("IN, BR"))
	assert.Equal(t, []string{"all"}, parseRegions("all"))
	assert.Empty(t, parseRegions(""))
}

func TestCohortRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	signup := models.MustDate("2026-01-20")
	require.NoError(t, s.InsertUsers(ctx, []UserProfile{
		{UserID: "c1", SignupDate: signup, SignupPlatform: "android", SignupCountry: "IN"},
		{UserID: "c2", SignupDate: signup, SignupPlatform: "android", SignupCountry: "IN"},
		{UserID: "c3", SignupDate: signup, SignupPlatform: "ios", SignupCountry: "US"},
		{UserID: "other", SignupDate: models.MustDate("2026-01-19"), SignupPlatform: "ios"},
	}))
	require.NoError(t, s.InsertEvents(ctx, []Event{
		ev("r1", "c1", "2026-01-21 08:00:00", "android", "IN"),
		ev("r2", "c2", "2026-01-21 09:00:00", "android", "IN"),
		ev("r3", "c2", "2026-01-27 09:00:00", "android", "IN"),
		ev("r4", "other", "2026-01-21 09:00:00", "ios", "US"),
	}))

	rates, err := s.CohortRetention(ctx, signup, []int{1, 7, 30}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3, rates["day_1"], 1e-9)
	assert.InDelta(t, 1.0/3, rates["day_7"], 1e-9)
	assert.Zero(t, rates["day_30"])

	android, err := s.CohortRetention(ctx, signup, []int{1, 7}, map[string]string{"platform": "android"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"day_1": 1.0, "day_7": 0.5}, android)

	empty, err := s.CohortRetention(ctx, models.MustDate("2026-01-01"), []int{1, 7, 30}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"day_1": 0, "day_7": 0, "day_30": 0}, empty)

	_, err = s.CohortRetention(ctx, signup, []int{1}, map[string]string{"device_type": "mobile"})
	var target *models.UnsupportedDimensionError
	assert.True(t, errors.As(err, &target))
}

func TestWelchTTest(t *testing.T) {
	assert.InDelta(t, 0.10753, WelchTTest([]float64{1, 2, 3, 4, 5}, []float64{2, 4, 6, 8, 10}), 1e-3)
	assert.Less(t, WelchTTest([]float64{10, 11, 12, 13}, []float64{1, 2, 1, 2}), 0.001)
	assert.Equal(t, 1.0, WelchTTest([]float64{1}, []float64{1, 2, 3}))
	assert.Equal(t, 1.0, WelchTTest(nil, nil))
	assert.Equal(t, 1.0, WelchTTest([]float64{2, 2}, []float64{2, 2, 2}))
	assert.Equal(t, 0.0, WelchTTest([]float64{2, 2}, []float64{3, 3}))
}

func TestRunStatisticalTest(t *testing.T) {
	s := newTestStore(t)
	seedQueryFixture(t, s)
	ctx := context.Background()
	window := rng(t, "2026-01-26", "2026-02-02")

	res, err := s.RunStatisticalTest(ctx, models.MetricDAU, map[string]string{"platform": "ios"}, map[string]string{"platform": "android"}, window)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.ControlMean, 1e-9)
	assert.InDelta(t, 1.0, res.TreatmentMean, 1e-9)
	assert.Equal(t, 1.0, res.PValue)
	assert.False(t, res.Significant)

	empty, err := s.RunStatisticalTest(ctx, models.MetricDAU, map[string]string{"platform": "tv"}, map[string]string{"platform": "console"}, window)
	require.NoError(t, err)
	assert.Zero(t, empty.ControlMean)
	assert.Zero(t, empty.TreatmentMean)
	assert.Equal(t, 1.0, empty.PValue)
	assert.False(t, empty.Significant)
}

func TestSeed_Scenario(t *testing.T) {
	if testing.Short() {
		t.Skip("seeding is slow")
	}
	s := newTestStore(t)
	ctx := context.Background()
	cfg := DefaultSeedConfig()
	cfg.Users = 1500

	summary, err := Seed(ctx, s, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 1500, summary.Users)
	assert.Equal(t, 4, summary.Deployments)
	assert.Positive(t, summary.Events)

	out, err := s.DimensionalBreakdown(ctx, models.MetricDAU, "platform",
		rng(t, "2026-01-28", "2026-02-01"), rng(t, "2026-01-25", "2026-01-27"), 0.10)
	require.NoError(t, err)
	var android *models.DimensionalBreakdown
	for i := range out {
		if out[i].DimensionValue == "android" {
			android = &out[i]
		}
	}
	require.NotNil(t, android, "android should show a drop, got %+v", out)
	assert.Less(t, android.PctChange, -0.10)

	deps, err := s.CheckDeployments(ctx, rng(t, "2026-01-28", "2026-01-28"), "android")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "deploy_003", deps[0].DeploymentID)
}
