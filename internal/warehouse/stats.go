package warehouse

import (
	"context"
	"math"
	"maps"
	"slices"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kubilitics/metric-investigator/internal/models"
)

// SignificanceLevel is the p-value below which a difference is reported as
// significant.
const SignificanceLevel = 0.05

// RunStatisticalTest compares per-bucket metric values of two filtered
// populations.
func (s *SQLiteStore) RunStatisticalTest(ctx context.Context, metric models.Metric, control, treatment map[string]string, rng models.DateRange) (*models.StatTestResult, error) {
	for _, f := range []map[string]string{control, treatment} {
		if err := checkColumns(slices.Collect(maps.Keys(f)), models.EventDimensions); err != nil {
			return nil, err
		}
	}

	controlPoints, err := s.QueryMetric(ctx, metric, rng, nil, control)
	if err != nil {
		return nil, err
	}
	treatmentPoints, err := s.QueryMetric(ctx, metric, rng, nil, treatment)
	if err != nil {
		return nil, err
	}

	a, b := values(controlPoints), values(treatmentPoints)
	p := WelchTTest(a, b)
	return &models.StatTestResult{
		ControlMean:   mean(a),
		TreatmentMean: mean(b),
		PValue:        p,
		Significant:   p < SignificanceLevel,
	}, nil
}

func values(points []models.MetricDataPoint) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Value
	}
	return out
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return stat.Mean(x, nil)
}

// WelchTTest returns the two-sided p-value of Welch's unequal-variance
// t-test. Samples with fewer than two points give 1.0. When both samples
// have zero variance the result is 1.0 for equal means and 0.0 otherwise.
func WelchTTest(a, b []float64) float64 {
	if len(a) < 2 || len(b) < 2 {
		return 1.0
	}
	ma, va := stat.MeanVariance(a, nil)
	mb, vb := stat.MeanVariance(b, nil)
	na, nb := float64(len(a)), float64(len(b))

	sa, sb := va/na, vb/nb
	se := math.Sqrt(sa + sb)
	if se == 0 {
		if ma == mb {
			return 1.0
		}
		return 0.0
	}
	t := (ma - mb) / se

	// Welch–Satterthwaite degrees of freedom
	df := (sa + sb) * (sa + sb) / (sa*sa/(na-1) + sb*sb/(nb-1))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := 2 * dist.Survival(math.Abs(t))
	return min(max(p, 0), 1)
}
