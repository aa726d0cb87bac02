package models

// Package models defines the data types shared by the evidence store, the
// action executor and the investigation loop.
//
// Value types returned by the evidence store (MetricDataPoint,
// DimensionalBreakdown, Deployment, StatTestResult) have no identity beyond
// their fields and are safe to copy.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Metric names an aggregate the evidence store can compute.
type Metric string

const (
	MetricDAU           Metric = "dau"
	MetricWAU           Metric = "wau"
	MetricEventsPerUser Metric = "events_per_user"
)

var supportedMetrics = []Metric{MetricDAU, MetricWAU, MetricEventsPerUser}

func metricNames() []string {
	names := make([]string, len(supportedMetrics))
	for i, m := range supportedMetrics {
		names[i] = string(m)
	}
	return names
}

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	m := Metric(s)
	if slices.Contains(supportedMetrics, m) {
		return m, nil
	}
	return "", &UnsupportedMetricError{Metric: s}
}

// EventDimensions are the event_stream columns that may be used for grouping
// and filtering.
var EventDimensions = []string{"platform", "country", "device_type", "app_version", "event_type"}

// ProfileFilters are the user_profiles columns accepted by cohort retention
// filters.
var ProfileFilters = []string{"signup_platform", "signup_country", "user_cohort", "acquisition_channel", "user_tier"}

// DateLayout is the calendar date format used on every boundary.
const DateLayout = "2006-01-02"

// Date is a calendar date in UTC.
type Date struct {
	time.Time
}

// NewDate truncates t to its UTC calendar date.
func NewDate(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return Date{t}, nil
}

// MustDate is ParseDate for literals; it panics on malformed input.
func MustDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) String() string { return d.Format(DateLayout) }

// AddDays returns the date n days later.
func (d Date) AddDays(n int) Date { return Date{d.Time.AddDate(0, 0, n)} }

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a YYYY-MM-DD string")
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Date) MarshalYAML() (interface{}, error) { return d.String(), nil }

// DateRange is an inclusive pair of calendar dates. On the wire it is a
// two-element array: ["2026-01-25", "2026-02-01"].
type DateRange struct {
	Start Date
	End   Date
}

// NewDateRange builds a range from two YYYY-MM-DD strings.
func NewDateRange(start, end string) (DateRange, error) {
	s, err := ParseDate(start)
	if err != nil {
		return DateRange{}, err
	}
	e, err := ParseDate(end)
	if err != nil {
		return DateRange{}, err
	}
	return DateRange{Start: s, End: e}, nil
}

// IsZero reports whether the range was never set.
func (r DateRange) IsZero() bool { return r.Start.IsZero() && r.End.IsZero() }

// Empty reports whether the range contains no dates.
func (r DateRange) Empty() bool { return r.Start.After(r.End.Time) }

func (r DateRange) String() string { return r.Start.String() + ".." + r.End.String() }

func (r DateRange) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{r.Start.String(), r.End.String()})
}

func (r *DateRange) UnmarshalJSON(b []byte) error {
	var pair []string
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&pair); err != nil {
		return fmt.Errorf("date range must be an array of two YYYY-MM-DD strings")
	}
	if len(pair) != 2 {
		return fmt.Errorf("date range must have exactly two dates, got %d", len(pair))
	}
	parsed, err := NewDateRange(pair[0], pair[1])
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r DateRange) MarshalYAML() (interface{}, error) {
	return []string{r.Start.String(), r.End.String()}, nil
}

// MetricDataPoint is one bucket of a metric time series.
type MetricDataPoint struct {
	Timestamp  time.Time         `json:"timestamp" yaml:"timestamp"`
	Value      float64           `json:"value" yaml:"value"`
	Dimensions map[string]string `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
}

// DimensionalBreakdown compares a metric between baseline and current
// periods for one value of a categorical column.
type DimensionalBreakdown struct {
	DimensionName  string  `json:"dimension_name" yaml:"dimension_name"`
	DimensionValue string  `json:"dimension_value" yaml:"dimension_value"`
	BeforeValue    float64 `json:"before_value" yaml:"before_value"`
	AfterValue     float64 `json:"after_value" yaml:"after_value"`
	PctChange      float64 `json:"pct_change" yaml:"pct_change"`
	SampleSize     int     `json:"sample_size" yaml:"sample_size"`
}

// Deployment is a release recorded in the deployments table.
type Deployment struct {
	DeploymentID      string    `json:"deployment_id" yaml:"deployment_id"`
	DeploymentDate    time.Time `json:"deployment_date" yaml:"deployment_date"`
	AppVersion        string    `json:"app_version" yaml:"app_version"`
	Platform          string    `json:"platform" yaml:"platform"`
	Regions           []string  `json:"regions" yaml:"regions"`
	RolloutPercentage float64   `json:"rollout_percentage" yaml:"rollout_percentage"`
	DeploymentType    string    `json:"deployment_type,omitempty" yaml:"deployment_type,omitempty"`
}

// StatTestResult is the outcome of a two-sample comparison.
type StatTestResult struct {
	ControlMean   float64 `json:"control_mean" yaml:"control_mean"`
	TreatmentMean float64 `json:"treatment_mean" yaml:"treatment_mean"`
	PValue        float64 `json:"p_value" yaml:"p_value"`
	Significant   bool    `json:"significant" yaml:"significant"`
}
