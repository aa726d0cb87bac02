package eval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/metric-investigator/internal/executor"
	"github.com/kubilitics/metric-investigator/internal/models"
	"github.com/kubilitics/metric-investigator/internal/reasoning/conversation"
	"github.com/kubilitics/metric-investigator/internal/reasoning/engine"
	"github.com/kubilitics/metric-investigator/internal/reasoning/oracle"
	"github.com/kubilitics/metric-investigator/internal/reasoning/synthesis"
	"github.com/kubilitics/metric-investigator/internal/warehouse"
)

var truth = GroundTruth{
	Platform:     "android",
	Country:      "IN",
	CountryName:  "India",
	AppVersion:   "2.3.0",
	DeploymentID: "deploy_003",
	AnomalyDate:  "2026-01-28",
}

func culpritReport() *models.InsightReport {
	return &models.InsightReport{
		RootCause: "Release deploy_003 (android 2.3.0) on 2026-01-28 coincides with the drop in platform=android, country=IN.",
		AffectedSegments: []models.AffectedSegment{
			{SegmentName: "android", SegmentType: "platform"},
			{SegmentName: "IN", SegmentType: "country"},
		},
		CorrelatedEvents: []string{"deploy_002 (ios 2.3.0, 2026-01-25)", "deploy_003 (android 2.3.0, 2026-01-28)"},
		ConfidenceScore:  0.8,
	}
}

// ─── Scenarios ────────────────────────────────────────────────────────────────

func TestLoadScenario(t *testing.T) {
	assert.Contains(t, ListScenarios(), DefaultScenario)

	s, err := LoadScenario(DefaultScenario)
	require.NoError(t, err)
	assert.Equal(t, truth, s.GroundTruth)
	require.Len(t, s.Cases, 3)
	assert.Equal(t, []string{"clear_signal", "misleading", "vague_query"},
		[]string{s.Cases[0].ID, s.Cases[1].ID, s.Cases[2].ID})

	_, err = LoadScenario("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), DefaultScenario)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no deployment", "ground_truth: {platform: android, country: IN, anomaly_date: '2026-01-28'}\ncases: [{id: a, query: q}]"},
		{"bad date", "ground_truth: {platform: android, country: IN, deployment_id: d, anomaly_date: soon}\ncases: [{id: a, query: q}]"},
		{"no cases", "ground_truth: {platform: android, country: IN, deployment_id: d, anomaly_date: '2026-01-28'}"},
		{"duplicate case", "ground_truth: {platform: android, country: IN, deployment_id: d, anomaly_date: '2026-01-28'}\ncases: [{id: a, query: q}, {id: a, query: r}]"},
		{"not yaml", "cases: ["},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tc.doc))
			assert.Error(t, err)
		})
	}
}

func TestScenarioFilter(t *testing.T) {
	s, err := LoadScenario(DefaultScenario)
	require.NoError(t, err)

	all, err := s.Filter(nil)
	require.NoError(t, err)
	assert.Len(t, all.Cases, 3)

	one, err := s.Filter([]string{"vague_query"})
	require.NoError(t, err)
	require.Len(t, one.Cases, 1)
	assert.Equal(t, "vague_query", one.Cases[0].ID)
	assert.Len(t, s.Cases, 3, "filter must not modify the original")

	_, err = s.Filter([]string{"missing"})
	assert.Error(t, err)
}

// ─── Scoring ──────────────────────────────────────────────────────────────────

func TestScoreRootCause(t *testing.T) {
	score := ScoreRootCause(culpritReport(), truth)
	assert.Equal(t, RootCauseScore{Platform: true, Region: true, Version: true, Date: true}, score)
	assert.InDelta(t, 1.0, score.Recall(), 1e-9)

	// "in" as a word is not the country code
	miss := ScoreRootCause(&models.InsightReport{
		RootCause: "The drop is concentrated in platform=ios (-12.0%); no release in the window matches those segments.",
	}, truth)
	assert.Equal(t, RootCauseScore{}, miss)
	assert.Zero(t, miss.Recall())

	prose := ScoreRootCause(&models.InsightReport{
		RootCause: "Android users in India stopped opening the app after January 28th.",
	}, truth)
	assert.Equal(t, RootCauseScore{Platform: true, Region: true, Date: true}, prose)
	assert.InDelta(t, 0.75, prose.Recall(), 1e-9)
}

func TestScoreRootCause_RegionFromSegments(t *testing.T) {
	report := &models.InsightReport{
		RootCause:        "The android 2.3.0 release broke session start.",
		AffectedSegments: []models.AffectedSegment{{SegmentName: "India", SegmentType: "country"}},
	}
	score := ScoreRootCause(report, truth)
	assert.True(t, score.Region)
	assert.True(t, score.Version)
	assert.False(t, score.Date)
}

func TestScoreDeployment(t *testing.T) {
	assert.True(t, ScoreDeployment(culpritReport(), truth))

	byVersion := &models.InsightReport{RootCause: "Android 2.3.0 regressed activity."}
	assert.True(t, ScoreDeployment(byVersion, truth))

	wrong := &models.InsightReport{
		RootCause:        "Release deploy_002 (ios 2.3.0) coincides with the drop.",
		CorrelatedEvents: []string{"deploy_002 (ios 2.3.0, 2026-01-25)"},
	}
	assert.False(t, ScoreDeployment(wrong, truth))
}

func TestScoreSegments(t *testing.T) {
	assert.Equal(t, SegmentScore{Platform: true, Country: true}, ScoreSegments(culpritReport(), truth))

	other := &models.InsightReport{
		RootCause:        "Broad decline.",
		AffectedSegments: []models.AffectedSegment{{SegmentName: "IN", SegmentType: "app_version"}},
	}
	assert.Equal(t, SegmentScore{}, ScoreSegments(other, truth))
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, Summary{}, Summarize(nil))

	s := Summarize([]CaseResult{
		{Passed: true, DeploymentMatch: true, RootCauseRecall: 1},
		{Passed: true, DeploymentMatch: true, RootCauseRecall: 0.5},
		{RootCauseRecall: 0},
	})
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Passed)
	assert.Equal(t, 2, s.DeploymentMatches)
	assert.InDelta(t, 0.5, s.AvgRecall, 1e-9)
	assert.True(t, s.Overall)

	assert.False(t, Summarize([]CaseResult{{Passed: true}, {}, {}}).Overall)
}

// ─── Runner ───────────────────────────────────────────────────────────────────

type scriptedInvestigator map[string]struct {
	conv *models.ConversationContext
	err  error
}

func (s scriptedInvestigator) StartOrResume(ctx context.Context, query, _ string) (*models.ConversationContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := s[query]
	return out.conv, out.err
}

func scriptedScenario() (*Scenario, scriptedInvestigator) {
	s := &Scenario{
		Name:        "scripted",
		GroundTruth: truth,
		Cases: []Case{
			{ID: "good", Query: "q-good", Difficulty: "easy"},
			{ID: "broken", Query: "q-broken", Difficulty: "medium"},
			{ID: "budget", Query: "q-budget", Difficulty: "hard"},
		},
	}
	inv := scriptedInvestigator{
		"q-good": {conv: &models.ConversationContext{
			ConversationID: "c-good",
			ExecutedSteps:  make([]models.StepResult, 4),
			Insights:       culpritReport(),
		}},
		"q-broken": {err: errors.New("oracle returned malformed step")},
		"q-budget": {conv: &models.ConversationContext{ConversationID: "c-budget", ExecutedSteps: make([]models.StepResult, 10)}},
	}
	return s, inv
}

func TestRunner_Run(t *testing.T) {
	s, inv := scriptedScenario()

	for _, parallel := range []int{1, 3} {
		report, err := NewRunner(inv, "scripted", WithParallel(parallel)).Run(context.Background(), s)
		require.NoError(t, err)
		assert.Equal(t, "scripted", report.Oracle)
		require.Len(t, report.Cases, 3)

		good, broken, budget := report.Cases[0], report.Cases[1], report.Cases[2]
		assert.Equal(t, "good", good.CaseID)
		assert.True(t, good.Passed)
		assert.Equal(t, "c-good", good.ConversationID)
		assert.Equal(t, 4, good.Steps)
		assert.InDelta(t, 0.8, good.Confidence, 1e-9)

		assert.Equal(t, "broken", broken.CaseID)
		assert.False(t, broken.Passed)
		assert.Contains(t, broken.Error, "malformed")

		assert.Equal(t, "budget", budget.CaseID)
		assert.Equal(t, ErrNoReport.Error(), budget.Error)
		assert.Equal(t, 10, budget.Steps)

		assert.Equal(t, Summary{Total: 3, Passed: 1, PassRate: 1.0 / 3, AvgRecall: 1.0 / 3, DeploymentMatches: 1}, report.Summary)
	}
}

func TestRunner_Cancelled(t *testing.T) {
	s, inv := scriptedScenario()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRunner(inv, "scripted").Run(ctx, s)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFormatReport(t *testing.T) {
	s, inv := scriptedScenario()
	report, err := NewRunner(inv, "scripted").Run(context.Background(), s)
	require.NoError(t, err)

	out := FormatReport(report)
	assert.Contains(t, out, "Oracle:   scripted")
	assert.Contains(t, out, "deploy_003")
	assert.Contains(t, out, "PASS")
	assert.Contains(t, out, "ERROR: oracle returned malformed step")
	assert.Contains(t, out, "Pass rate:          1/3")
	assert.Contains(t, out, "OVERALL: FAIL")
}

// ─── Against seeded data ──────────────────────────────────────────────────────

func TestRun_PlaybookOnSeededWarehouse(t *testing.T) {
	if testing.Short() {
		t.Skip("seeds a warehouse")
	}
	ctx := context.Background()

	store, err := warehouse.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	seed := warehouse.DefaultSeedConfig()
	seed.Users = 2000
	_, err = warehouse.Seed(ctx, store, seed, nil)
	require.NoError(t, err)

	eng, err := engine.NewEngine(engine.Config{
		MaxSteps:   10,
		DataWindow: models.DateRange{Start: seed.Start, End: seed.End},
	}, engine.Deps{
		Registry:    conversation.NewRegistry(),
		Oracle:      oracle.NewPlaybookOracle(nil),
		Executor:    executor.New(store, executor.DefaultConfidence, nil),
		Synthesizer: synthesis.New(synthesis.NewTemplateDrafter(), nil),
	})
	require.NoError(t, err)

	s, err := LoadScenario(DefaultScenario)
	require.NoError(t, err)
	report, err := NewRunner(eng, "playbook", WithParallel(2)).Run(ctx, s)
	require.NoError(t, err)

	for _, c := range report.Cases {
		assert.Empty(t, c.Error, c.CaseID)
		assert.True(t, c.DeploymentMatch, c.CaseID)
		assert.True(t, c.Segments.Platform && c.Segments.Country, "%s: %+v", c.CaseID, c.Segments)
		assert.True(t, c.Passed, "%s: %+v", c.CaseID, c.RootCause)
	}
	assert.True(t, report.Summary.Overall)
	assert.Equal(t, 3, report.Summary.DeploymentMatches)
}
