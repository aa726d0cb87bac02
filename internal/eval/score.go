package eval

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/kubilitics/metric-investigator/internal/models"
)

// RootCauseScore records which parts of the ground truth the root cause
// names.
type RootCauseScore struct {
	Platform bool `json:"platform" yaml:"platform"`
	Region   bool `json:"region" yaml:"region"`
	Version  bool `json:"version" yaml:"version"`
	Date     bool `json:"date" yaml:"date"`
}

// Recall is the share of ground truth parts found.
func (s RootCauseScore) Recall() float64 {
	found := 0
	for _, ok := range []bool{s.Platform, s.Region, s.Version, s.Date} {
		if ok {
			found++
		}
	}
	return float64(found) / 4
}

// SegmentScore records whether the planted segments were reported.
type SegmentScore struct {
	Platform bool `json:"platform" yaml:"platform"`
	Country  bool `json:"country" yaml:"country"`
}

// ScoreRootCause checks the root cause text against gt. The region also
// counts when a country segment names it.
func ScoreRootCause(report *models.InsightReport, gt GroundTruth) RootCauseScore {
	text := report.RootCause
	lower := strings.ToLower(text)

	score := RootCauseScore{
		Platform: strings.Contains(lower, strings.ToLower(gt.Platform)),
		Region:   namesCountry(text, gt),
		Version:  gt.AppVersion != "" && strings.Contains(text, gt.AppVersion),
		Date:     namesDate(text, gt.AnomalyDate),
	}
	if !score.Region {
		score.Region = hasSegment(report.AffectedSegments, "country", gt.Country, gt.CountryName)
	}
	return score
}

// ScoreDeployment reports whether the culprit release is named, by id or
// by platform and version, in a correlated event or the root cause.
func ScoreDeployment(report *models.InsightReport, gt GroundTruth) bool {
	id := strings.ToLower(gt.DeploymentID)
	platform := strings.ToLower(gt.Platform)
	names := func(s string) bool {
		lower := strings.ToLower(s)
		if strings.Contains(lower, id) {
			return true
		}
		return gt.AppVersion != "" && strings.Contains(s, gt.AppVersion) && strings.Contains(lower, platform)
	}
	for _, ev := range report.CorrelatedEvents {
		if names(ev) {
			return true
		}
	}
	return names(report.RootCause)
}

// ScoreSegments checks the affected segments for the planted platform and
// country. The platform also counts when only the root cause names it.
func ScoreSegments(report *models.InsightReport, gt GroundTruth) SegmentScore {
	return SegmentScore{
		Platform: hasSegment(report.AffectedSegments, "platform", gt.Platform, "") ||
			strings.Contains(strings.ToLower(report.RootCause), strings.ToLower(gt.Platform)),
		Country: hasSegment(report.AffectedSegments, "country", gt.Country, gt.CountryName),
	}
}

// namesCountry matches the country name in any case, or the code as a
// separate upper-case token so "IN" does not match the word "in".
func namesCountry(text string, gt GroundTruth) bool {
	if gt.CountryName != "" && strings.Contains(strings.ToLower(text), strings.ToLower(gt.CountryName)) {
		return true
	}
	if gt.Country == "" {
		return false
	}
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(gt.Country) + `\b`).MatchString(text)
}

// namesDate accepts the ISO date, the month name, or the day of month as a
// separate number.
func namesDate(text, anomalyDate string) bool {
	d, err := models.ParseDate(anomalyDate)
	if err != nil {
		return false
	}
	if strings.Contains(text, d.String()) {
		return true
	}
	if strings.Contains(strings.ToLower(text), strings.ToLower(d.Month().String())) {
		return true
	}
	return regexp.MustCompile(`\b` + strconv.Itoa(d.Day()) + `(st|nd|rd|th)?\b`).MatchString(text)
}

func hasSegment(segments []models.AffectedSegment, segmentType string, names ...string) bool {
	for _, s := range segments {
		if s.SegmentType != "" && !strings.EqualFold(s.SegmentType, segmentType) {
			continue
		}
		for _, n := range names {
			if n != "" && strings.EqualFold(strings.TrimSpace(s.SegmentName), n) {
				return true
			}
		}
	}
	return false
}
