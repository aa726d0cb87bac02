package eval

import (
	"fmt"
	"strings"
)

// FormatReport renders report as a plain-text table.
func FormatReport(report *Report) string {
	var b strings.Builder

	b.WriteString("=== Investigation Evaluation ===\n")
	b.WriteString(fmt.Sprintf("Scenario: %s\n", report.Scenario))
	b.WriteString(fmt.Sprintf("Oracle:   %s\n", report.Oracle))
	gt := report.GroundTruth
	b.WriteString(fmt.Sprintf("Truth:    %s / %s / %s / %s on %s\n\n",
		gt.Platform, gt.Country, gt.AppVersion, gt.DeploymentID, gt.AnomalyDate))

	b.WriteString(fmt.Sprintf("%-14s %-10s %7s %-8s %-6s %-10s %s\n",
		"CASE", "DIFFICULTY", "RECALL", "PLATFORM", "REGION", "DEPLOYMENT", "RESULT"))
	for _, r := range report.Cases {
		result := "PASS"
		switch {
		case r.Error != "":
			result = "ERROR: " + truncate(r.Error, 40)
		case !r.Passed:
			result = "FAIL"
		}
		b.WriteString(fmt.Sprintf("%-14s %-10s %6.0f%% %-8s %-6s %-10s %s\n",
			truncate(r.CaseID, 14), r.Difficulty, r.RootCauseRecall*100,
			boolMark(r.RootCause.Platform), boolMark(r.RootCause.Region),
			boolMark(r.DeploymentMatch), result))
	}

	s := report.Summary
	b.WriteString("\n--- Aggregate ---\n")
	b.WriteString(fmt.Sprintf("Pass rate:          %d/%d (%.0f%%)\n", s.Passed, s.Total, s.PassRate*100))
	b.WriteString(fmt.Sprintf("Avg root cause:     %.0f%%\n", s.AvgRecall*100))
	b.WriteString(fmt.Sprintf("Deployment matches: %d/%d\n", s.DeploymentMatches, s.Total))

	overall := "PASS"
	if !s.Overall {
		overall = "FAIL"
	}
	b.WriteString(fmt.Sprintf("OVERALL: %s\n", overall))
	return b.String()
}

func boolMark(v bool) string {
	if v {
		return "✓"
	}
	return "✗"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
