package synthesis

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/kubilitics/metric-investigator/internal/models"
)

// TemplateDrafter writes a deterministic report from the evidence alone.
//
// Affected segments are the dimension values that dropped, deepest drop
// first. Every deployment found is listed as a correlated event. A
// deployment is named as the root cause when its platform matches an
// affected platform or one of its regions matches an affected country.
type TemplateDrafter struct{}

// NewTemplateDrafter creates the deterministic drafter.
func NewTemplateDrafter() *TemplateDrafter { return &TemplateDrafter{} }

func (d *TemplateDrafter) Name() string { return "template" }

type segmentEvidence struct {
	breakdown  models.DimensionalBreakdown
	confidence float64
}

// Draft never fails unless ctx is done.
func (d *TemplateDrafter) Draft(ctx context.Context, req DraftRequest) (*models.InsightReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	segments := collectSegments(req.Log)
	deployments := collectDeployments(req.Log)
	culprit, matched := correlate(deployments, segments)

	failed := 0
	for _, r := range req.Log {
		if !r.Success {
			failed++
		}
	}

	report := &models.InsightReport{
		AffectedSegments: make([]models.AffectedSegment, 0, len(segments)),
		CorrelatedEvents: make([]string, 0, len(deployments)),
	}
	for _, s := range segments {
		b := s.breakdown
		report.AffectedSegments = append(report.AffectedSegments, models.AffectedSegment{
			SegmentName: b.DimensionValue,
			SegmentType: b.DimensionName,
			Confidence:  s.confidence,
			Description: fmt.Sprintf("%s=%s fell %.1f%% from %.1f to %.1f (%d buckets in the current period).",
				b.DimensionName, b.DimensionValue, -b.PctChange*100, b.BeforeValue, b.AfterValue, b.SampleSize),
		})
	}
	for _, dep := range deployments {
		report.CorrelatedEvents = append(report.CorrelatedEvents, EventLabel(dep))
	}

	names := segmentNames(segments)
	switch {
	case culprit != nil:
		report.RootCause = fmt.Sprintf("Release %s (%s %s) on %s coincides with the drop in %s.",
			culprit.DeploymentID, culprit.Platform, culprit.AppVersion,
			culprit.DeploymentDate.Format(models.DateLayout), strings.Join(matched, ", "))
	case len(segments) > 0:
		report.RootCause = fmt.Sprintf("The drop is concentrated in %s; no release in the window matches those segments.", strings.Join(names, ", "))
	default:
		report.RootCause = "No segment dropped beyond the threshold and no correlated release was found."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Investigated %q in %d steps (%d failed).", strings.TrimSpace(req.Query), len(req.Log), failed))
	if len(segments) > 0 {
		sb.WriteString(fmt.Sprintf(" Largest drop: %s.", names[0]))
	}
	sb.WriteString(fmt.Sprintf(" %d deployments found in the checked ranges.", len(deployments)))
	if h := strings.TrimSpace(req.Hypothesis); h != "" {
		sb.WriteString(" Working hypothesis: ")
		sb.WriteString(h)
	}
	report.Summary = sb.String()

	report.Recommendations = recommendations(culprit, names, failed)
	return report, nil
}

// EventLabel formats a deployment as a correlated event.
func EventLabel(d models.Deployment) string {
	return fmt.Sprintf("%s (%s %s, %s)", d.DeploymentID, d.Platform, d.AppVersion, d.DeploymentDate.Format(models.DateLayout))
}

// collectSegments keeps the deepest drop per dimension value across all
// successful segment steps.
func collectSegments(log []models.StepResult) []segmentEvidence {
	byKey := map[string]segmentEvidence{}
	for _, r := range log {
		if !r.Success || r.Data == nil {
			continue
		}
		for _, b := range r.Data.SegmentedData {
			key := b.DimensionName + "=" + b.DimensionValue
			if prev, ok := byKey[key]; !ok || b.PctChange < prev.breakdown.PctChange {
				byKey[key] = segmentEvidence{breakdown: b, confidence: r.ConfidenceScore}
			}
		}
	}
	out := make([]segmentEvidence, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b segmentEvidence) int {
		if c := cmp.Compare(a.breakdown.PctChange, b.breakdown.PctChange); c != 0 {
			return c
		}
		return cmp.Compare(a.breakdown.DimensionName+a.breakdown.DimensionValue, b.breakdown.DimensionName+b.breakdown.DimensionValue)
	})
	return out
}

// collectDeployments dedupes deployments by id, ordered by date.
func collectDeployments(log []models.StepResult) []models.Deployment {
	seen := map[string]bool{}
	var out []models.Deployment
	for _, r := range log {
		if !r.Success || r.Data == nil {
			continue
		}
		for _, d := range r.Data.Deployments {
			if seen[d.DeploymentID] {
				continue
			}
			seen[d.DeploymentID] = true
			out = append(out, d)
		}
	}
	slices.SortStableFunc(out, func(a, b models.Deployment) int {
		return a.DeploymentDate.Compare(b.DeploymentDate)
	})
	return out
}

// correlate picks the deployment matching the most affected segments.
// Ties go to the earlier deployment.
func correlate(deployments []models.Deployment, segments []segmentEvidence) (*models.Deployment, []string) {
	var (
		best    *models.Deployment
		matched []string
	)
	for i := range deployments {
		d := &deployments[i]
		var hits []string
		for _, s := range segments {
			b := s.breakdown
			switch b.DimensionName {
			case "platform":
				if strings.EqualFold(d.Platform, b.DimensionValue) {
					hits = append(hits, b.DimensionName+"="+b.DimensionValue)
				}
			case "country":
				if slices.ContainsFunc(d.Regions, func(r string) bool { return strings.EqualFold(r, b.DimensionValue) }) {
					hits = append(hits, b.DimensionName+"="+b.DimensionValue)
				}
			case "app_version":
				if d.AppVersion == b.DimensionValue {
					hits = append(hits, b.DimensionName+"="+b.DimensionValue)
				}
			}
		}
		if len(hits) > len(matched) {
			best, matched = d, hits
		}
	}
	return best, matched
}

func segmentNames(segments []segmentEvidence) []string {
	names := make([]string, len(segments))
	for i, s := range segments {
		names[i] = fmt.Sprintf("%s=%s (%.1f%%)", s.breakdown.DimensionName, s.breakdown.DimensionValue, s.breakdown.PctChange*100)
	}
	return names
}

func recommendations(culprit *models.Deployment, segments []string, failed int) []string {
	var out []string
	if culprit != nil {
		out = append(out,
			fmt.Sprintf("Halt or roll back the rollout of %s (%s %s).", culprit.DeploymentID, culprit.Platform, culprit.AppVersion),
			fmt.Sprintf("Compare crash and error rates of %s %s against the previous version.", culprit.Platform, culprit.AppVersion),
		)
	}
	if len(segments) > 0 {
		out = append(out, fmt.Sprintf("Monitor %s daily until the metric returns to baseline.", segments[0]))
		if culprit == nil {
			out = append(out, "Segment the affected users further by device_type and app_version.")
		}
	} else {
		out = append(out, "Query the metric over a longer window to confirm the anomaly is real.")
	}
	if failed > 0 {
		out = append(out, fmt.Sprintf("Re-run the %d failed steps once the underlying errors are fixed.", failed))
	}
	return out
}
