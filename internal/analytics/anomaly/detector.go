package anomaly

// Package anomaly flags unusual buckets in a metric series using classical
// statistics.
//
// Detection Methods:
//
//   1. Z-Score
//      - z = (value - mean) / stddev over the whole series
//      - flagged when |z| > ZThreshold (default 2, ~95%)
//      - catches single-bucket spikes and drops
//
//   2. Interquartile Range (IQR)
//      - outlier when value < Q1 - k*IQR or value > Q3 + k*IQR (k = 1.5)
//      - robust to the outliers it is looking for; complements z-score on
//        short or skewed series
//
//   3. Level Shift
//      - the split that best separates a "before" and an "after" mean,
//        scored like Welch's t statistic
//      - reported when the relative change is at least MinShift
//      - catches sustained drops that z-score spreads over many buckets
//
// Results are deterministic and explainable: every anomaly carries the
// method, the expected value and the z-score.

import (
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/kubilitics/metric-investigator/internal/models"
)

// Kind classifies an anomaly.
type Kind string

const (
	KindDrop    Kind = "drop"
	KindSpike   Kind = "spike"
	KindOutlier Kind = "outlier"
)

// Method names the detection algorithm.
type Method string

const (
	MethodZScore Method = "z_score"
	MethodIQR    Method = "iqr"
)

// Bucket is one time bucket of a series.
type Bucket struct {
	Timestamp time.Time
	Value     float64
}

// Anomaly is one flagged bucket.
type Anomaly struct {
	Timestamp time.Time
	Value     float64
	Expected  float64
	ZScore    float64
	Kind      Kind
	Method    Method
}

// Shift is a sustained change of level starting at Start.
type Shift struct {
	Start      time.Time
	BeforeMean float64
	AfterMean  float64
	// PctChange is (after - before) / before.
	PctChange float64
}

// Detector holds detection thresholds.
type Detector struct {
	ZThreshold float64
	IQRFactor  float64
	// MinShift is the smallest relative level change reported.
	MinShift float64
	// MinSegment is the fewest buckets on each side of a level shift.
	MinSegment int
}

// NewDetector returns a detector with the default thresholds.
func NewDetector() *Detector {
	return &Detector{ZThreshold: 2, IQRFactor: 1.5, MinShift: models.DefaultMinDropThreshold, MinSegment: 2}
}

// Series turns ungrouped metric points into buckets ordered by time. It
// reports false when the points are grouped by dimensions, since their
// values cannot be combined without knowing the metric.
func Series(points []models.MetricDataPoint) ([]Bucket, bool) {
	out := make([]Bucket, 0, len(points))
	for _, p := range points {
		if len(p.Dimensions) > 0 {
			return nil, false
		}
		out = append(out, Bucket{Timestamp: p.Timestamp, Value: p.Value})
	}
	slices.SortFunc(out, func(a, b Bucket) int { return a.Timestamp.Compare(b.Timestamp) })
	return out, true
}

func values(series []Bucket) []float64 {
	v := make([]float64, len(series))
	for i, b := range series {
		v[i] = b.Value
	}
	return v
}

// Outliers flags buckets by z-score, then buckets outside the IQR fences
// that z-score missed. Series shorter than three buckets yield nothing.
func (d *Detector) Outliers(series []Bucket) []Anomaly {
	if len(series) < 3 {
		return nil
	}
	vals := values(series)
	mean, std := stat.MeanStdDev(vals, nil)

	var out []Anomaly
	flagged := make(map[int]bool)
	if std > 0 {
		for i, b := range series {
			z := (b.Value - mean) / std
			if math.Abs(z) <= d.ZThreshold {
				continue
			}
			kind := KindSpike
			if z < 0 {
				kind = KindDrop
			}
			flagged[i] = true
			out = append(out, Anomaly{Timestamp: b.Timestamp, Value: b.Value, Expected: mean, ZScore: z, Kind: kind, Method: MethodZScore})
		}
	}

	sorted := slices.Clone(vals)
	slices.Sort(sorted)
	q1 := stat.Quantile(0.25, stat.Empirical, sorted, nil)
	q3 := stat.Quantile(0.75, stat.Empirical, sorted, nil)
	iqr := q3 - q1
	lower, upper := q1-d.IQRFactor*iqr, q3+d.IQRFactor*iqr
	for i, b := range series {
		if flagged[i] || (b.Value >= lower && b.Value <= upper) {
			continue
		}
		var z float64
		if std > 0 {
			z = (b.Value - mean) / std
		}
		out = append(out, Anomaly{Timestamp: b.Timestamp, Value: b.Value, Expected: mean, ZScore: z, Kind: KindOutlier, Method: MethodIQR})
	}

	slices.SortFunc(out, func(a, b Anomaly) int { return a.Timestamp.Compare(b.Timestamp) })
	return out
}

// LevelShift finds the strongest sustained change of level. It reports
// false when the series is too short, the baseline mean is zero, or the
// best change is smaller than MinShift.
func (d *Detector) LevelShift(series []Bucket) (Shift, bool) {
	minSeg := max(d.MinSegment, 1)
	if len(series) < 2*minSeg {
		return Shift{}, false
	}
	vals := values(series)

	var (
		best  Shift
		score = -1.0
	)
	for k := minSeg; k <= len(vals)-minSeg; k++ {
		before, after := vals[:k], vals[k:]
		mb, vb := stat.MeanVariance(before, nil)
		ma, va := stat.MeanVariance(after, nil)
		if mb == 0 {
			continue
		}
		se := math.Sqrt(nanToZero(vb)/float64(len(before)) + nanToZero(va)/float64(len(after)))
		s := math.Abs(ma - mb)
		if se > 0 {
			s /= se
		} else if s > 0 {
			s = math.Inf(1)
		}
		if s > score {
			score = s
			best = Shift{Start: series[k].Timestamp, BeforeMean: mb, AfterMean: ma, PctChange: (ma - mb) / mb}
		}
	}
	if score <= 0 || math.Abs(best.PctChange) < d.MinShift {
		return Shift{}, false
	}
	return best, true
}

// nanToZero maps the NaN variance of a single value to zero.
func nanToZero(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return x
}
