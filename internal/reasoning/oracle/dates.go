package oracle

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kubilitics/metric-investigator/internal/models"
)

var (
	isoDatePattern = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)

	monthDayPattern = regexp.MustCompile(`(?i)\b` + monthNames + `\.?\s+(\d{1,2})(?:st|nd|rd|th)?\b`)

	dayMonthPattern = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?` + monthNames + `\b`)
)

const monthNames = `(january|february|march|april|may|june|july|august|september|october|november|december|jan|feb|mar|apr|jun|jul|aug|sept|sep|oct|nov|dec)`

// months is keyed by the first three letters of the month name.
var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// AnomalyDate finds the first date named in text that leaves at least one
// baseline day inside window. ISO dates win over month names; a month name
// without a year takes the window's year. Otherwise the window midpoint is
// returned.
func AnomalyDate(text string, window models.DateRange) models.Date {
	for _, d := range candidateDates(text, window) {
		if d.After(window.Start.Time) && !d.After(window.End.Time) {
			return d
		}
	}
	return Midpoint(window)
}

// Midpoint is the middle day of window, rounded down.
func Midpoint(window models.DateRange) models.Date {
	days := int(window.End.Sub(window.Start.Time).Hours() / 24)
	return window.Start.AddDays(days / 2)
}

func candidateDates(text string, window models.DateRange) []models.Date {
	var out []models.Date
	for _, m := range isoDatePattern.FindAllStringSubmatch(text, -1) {
		if d, err := models.ParseDate(m[1]); err == nil {
			out = append(out, d)
		}
	}
	for _, m := range monthDayPattern.FindAllStringSubmatch(text, -1) {
		out = append(out, monthDay(m[1], m[2], window)...)
	}
	for _, m := range dayMonthPattern.FindAllStringSubmatch(text, -1) {
		out = append(out, monthDay(m[2], m[1], window)...)
	}
	return out
}

// monthDay resolves a yearless date against both years the window touches.
func monthDay(month, day string, window models.DateRange) []models.Date {
	mon, ok := months[strings.ToLower(month)[:3]]
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(day)
	if err != nil || n < 1 || n > 31 {
		return nil
	}
	var out []models.Date
	for _, year := range []int{window.Start.Year(), window.End.Year()} {
		t := time.Date(year, mon, n, 0, 0, 0, 0, time.UTC)
		if t.Day() != n {
			continue
		}
		out = append(out, models.NewDate(t))
		if window.Start.Year() == window.End.Year() {
			break
		}
	}
	return out
}

// QueryMetric picks the metric a free-text question is about. DAU is the
// default.
func QueryMetric(text string) models.Metric {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "wau") || strings.Contains(lower, "weekly active"):
		return models.MetricWAU
	case strings.Contains(lower, "events_per_user") || strings.Contains(lower, "events per user") || strings.Contains(lower, "engagement"):
		return models.MetricEventsPerUser
	}
	return models.MetricDAU
}
