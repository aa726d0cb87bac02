package synthesis

import (
	"math"

	"github.com/kubilitics/metric-investigator/internal/models"
)

// FollowupThreshold is the rounded average confidence below which a report
// is flagged for follow-up.
const FollowupThreshold = 0.7

// Aggregate derives the report confidence and supporting data from the
// evidence log alone. Confidence is the mean over successful steps, 0 when
// none succeeded; failed steps still count as completed.
func Aggregate(log []models.StepResult) (float64, models.SupportingData) {
	var (
		sum       float64
		succeeded int
		sd        models.SupportingData
	)
	for _, r := range log {
		sd.DataPointsAnalyzed += r.Data.DataPoints()
		sd.DeploymentsFound += r.Data.DeploymentCount()
		if r.Success {
			sum += r.ConfidenceScore
			succeeded++
		}
	}

	var mean float64
	if succeeded > 0 {
		mean = sum / float64(succeeded)
	}
	sd.InvestigationStepsCompleted = len(log)
	sd.AverageConfidenceScore = round2(mean)
	sd.RequiresFollowup = sd.AverageConfidenceScore < FollowupThreshold
	return mean, sd
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
