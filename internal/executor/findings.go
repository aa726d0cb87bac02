package executor

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/kubilitics/metric-investigator/internal/analytics/anomaly"
	"github.com/kubilitics/metric-investigator/internal/models"
)

// maxDetailLines bounds the per-record lines appended after the summary.
const maxDetailLines = 5

// Findings renders the templated key findings for a successful step. The
// first line summarizes result cardinality; later lines name the records.
func Findings(action models.ActionType, data *models.StepData) []string {
	switch action {
	case models.ActionQueryMetric:
		out := []string{fmt.Sprintf("Queried %d data points for the metric.", len(data.MetricData))}
		return append(out, seriesFindings(data.MetricData)...)

	case models.ActionSegmentByDimension:
		out := []string{fmt.Sprintf("Segmented data into %d groups.", len(data.SegmentedData))}
		for i, s := range data.SegmentedData {
			if i == maxDetailLines {
				out = append(out, fmt.Sprintf("%d more segments omitted.", len(data.SegmentedData)-i))
				break
			}
			out = append(out, fmt.Sprintf("%s=%s dropped %.1f%% (%.1f → %.1f)",
				s.DimensionName, s.DimensionValue, -s.PctChange*100, s.BeforeValue, s.AfterValue))
		}
		return out

	case models.ActionCheckDeployments:
		out := []string{fmt.Sprintf("Found %d deployments in the specified time range.", len(data.Deployments))}
		for i, d := range data.Deployments {
			if i == maxDetailLines {
				out = append(out, fmt.Sprintf("%d more deployments omitted.", len(data.Deployments)-i))
				break
			}
			out = append(out, fmt.Sprintf("%s: %s %s on %s (regions %s)",
				d.DeploymentID, d.Platform, d.AppVersion,
				d.DeploymentDate.Format("2006-01-02 15:04"), strings.Join(d.Regions, ",")))
		}
		return out

	case models.ActionAnalyzeRetention:
		out := []string{"Cohort retention analysis completed."}
		keys := slices.SortedFunc(maps.Keys(data.RetentionData), compareDayKeys)
		for _, k := range keys {
			out = append(out, fmt.Sprintf("%s retention %.1f%%", k, data.RetentionData[k]*100))
		}
		return out

	case models.ActionStatisticalAnalysis:
		out := []string{"Statistical test executed."}
		if st := data.StatisticalTest; st != nil {
			verdict := "not significant"
			if st.Significant {
				verdict = "significant"
			}
			out = append(out, fmt.Sprintf("Control mean %.2f vs treatment mean %.2f, p=%.4f (%s).",
				st.ControlMean, st.TreatmentMean, st.PValue, verdict))
		}
		return out
	}
	return []string{}
}

// seriesFindings describes the level shift and outlier buckets of an
// ungrouped metric series.
func seriesFindings(points []models.MetricDataPoint) []string {
	series, ok := anomaly.Series(points)
	if !ok {
		return nil
	}
	d := anomaly.NewDetector()

	var out []string
	if shift, ok := d.LevelShift(series); ok {
		direction := "fell"
		if shift.PctChange > 0 {
			direction = "rose"
		}
		out = append(out, fmt.Sprintf("Level %s %.1f%% from %s (mean %.1f → %.1f).",
			direction, math.Abs(shift.PctChange)*100, shift.Start.Format("2006-01-02"), shift.BeforeMean, shift.AfterMean))
	}
	for _, a := range d.Outliers(series) {
		if len(out) == maxDetailLines {
			break
		}
		out = append(out, fmt.Sprintf("Unusual %s on %s: %.1f vs mean %.1f (z=%.2f, %s).",
			a.Kind, a.Timestamp.Format("2006-01-02 15:04"), a.Value, a.Expected, a.ZScore, a.Method))
	}
	return out
}

// compareDayKeys orders "day_N" keys numerically.
func compareDayKeys(a, b string) int {
	var na, nb int
	fmt.Sscanf(a, "day_%d", &na)
	fmt.Sscanf(b, "day_%d", &nb)
	return na - nb
}
