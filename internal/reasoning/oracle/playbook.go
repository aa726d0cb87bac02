package oracle

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kubilitics/metric-investigator/internal/metrics"
	"github.com/kubilitics/metric-investigator/internal/models"
	rctx "github.com/kubilitics/metric-investigator/internal/reasoning/context"
)

// deploymentLookback is how many days before the anomaly the deployment
// check starts.
const deploymentLookback = 3

// feedbackDimensions maps words a user may write to the column they mean.
var feedbackDimensions = []struct {
	keyword   string
	dimension string
}{
	{"device", "device_type"},
	{"version", "app_version"},
	{"event", "event_type"},
}

// PlaybookOracle follows a fixed investigation strategy:
//
//  1. segment the metric by platform
//  2. segment the metric by country
//  3. segment by any extra dimension the user's feedback asks about
//  4. check deployments around the anomaly
//  5. generate insights with a hypothesis built from the evidence
//
// The anomaly date comes from the query, or the data window midpoint when
// none is named. The baseline is the window start up to the day before the
// anomaly; the current period is the anomaly up to the window end. Every run,
// including feedback re-runs, walks the playbook from the top.
type PlaybookOracle struct {
	logger *zap.Logger
}

// NewPlaybookOracle creates the deterministic oracle.
func NewPlaybookOracle(logger *zap.Logger) *PlaybookOracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlaybookOracle{logger: logger}
}

func (o *PlaybookOracle) Name() string { return "playbook" }

type play struct {
	params    models.Params
	reasoning string
}

// Decide returns the playbook entry for req.Iteration. Iterations past the
// end of the playbook return generate_insights.
func (o *PlaybookOracle) Decide(ctx context.Context, req DecisionRequest) (models.InvestigationStep, error) {
	if err := ctx.Err(); err != nil {
		return models.InvestigationStep{}, err
	}
	plays := o.plan(req)
	i := min(max(req.Iteration, 0), len(plays))

	var step models.InvestigationStep
	if i < len(plays) {
		step = models.NewStep(req.NextStepID, plays[i].params, plays[i].reasoning)
	} else {
		step = models.NewStep(req.NextStepID,
			models.GenerateInsightsParams{PreliminaryHypothesis: Hypothesis(req.Evidence)},
			"The playbook is complete; summarizing the evidence.")
	}

	metrics.OracleDecisions.WithLabelValues(o.Name(), string(step.Action)).Inc()
	o.logger.Debug("playbook decided",
		zap.Int("step_id", step.StepID),
		zap.Int("iteration", req.Iteration),
		zap.String("action", string(step.Action)))
	return step, nil
}

func (o *PlaybookOracle) plan(req DecisionRequest) []play {
	window := req.DataWindow
	anomaly := AnomalyDate(req.Query, window)
	current := models.DateRange{Start: anomaly, End: window.End}
	baseline := models.DateRange{Start: window.Start, End: anomaly.AddDays(-1)}
	metric := QueryMetric(req.Query)

	segment := func(dimension, why string) play {
		return play{
			params: models.SegmentByDimensionParams{
				Metric:           metric,
				Dimension:        dimension,
				TimeRange:        current,
				BaselineRange:    baseline,
				MinDropThreshold: models.DefaultMinDropThreshold,
			},
			reasoning: why,
		}
	}

	plays := []play{
		segment("platform", fmt.Sprintf("Compare %s per platform between %s and %s to find where the drop is concentrated.", metric, baseline, current)),
		segment("country", "Check whether the drop is regional by comparing countries over the same periods."),
	}

	seen := map[string]bool{"platform": true, "country": true}
	for _, f := range req.Feedback {
		lower := strings.ToLower(f)
		for _, fd := range feedbackDimensions {
			if strings.Contains(lower, fd.keyword) && !seen[fd.dimension] {
				seen[fd.dimension] = true
				plays = append(plays, segment(fd.dimension, fmt.Sprintf("The user asked about %s; segment by it as well.", fd.dimension)))
			}
		}
	}

	lookback := anomaly.AddDays(-deploymentLookback)
	if lookback.Before(window.Start.Time) {
		lookback = window.Start
	}
	plays = append(plays, play{
		params:    models.CheckDeploymentsParams{TimeRange: models.DateRange{Start: lookback, End: window.End}},
		reasoning: "Look for releases shortly before or during the drop that could explain it.",
	})
	return plays
}

// Hypothesis assembles a preliminary hypothesis from segment and deployment
// findings in the evidence.
func Hypothesis(evidence []rctx.Summary) string {
	var drops, releases []string
	for _, s := range evidence {
		if !s.Success || len(s.Findings) < 2 {
			continue
		}
		// The first finding line is the count summary.
		for _, f := range s.Findings[1:] {
			switch s.Action {
			case models.ActionSegmentByDimension:
				if strings.Contains(f, " dropped ") {
					drops = append(drops, f)
				}
			case models.ActionCheckDeployments:
				if !strings.HasSuffix(f, "omitted.") {
					releases = append(releases, f)
				}
			}
		}
	}

	var sb strings.Builder
	if len(drops) == 0 {
		sb.WriteString("No segment dropped beyond the threshold; the decline looks broad-based.")
	} else {
		sb.WriteString("The drop is concentrated in: ")
		sb.WriteString(strings.Join(drops, "; "))
		sb.WriteString(".")
	}
	if len(releases) > 0 {
		sb.WriteString(" Candidate releases: ")
		sb.WriteString(strings.Join(releases, "; "))
		sb.WriteString(".")
	}
	return sb.String()
}
