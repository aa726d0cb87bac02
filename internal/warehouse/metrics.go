package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/metric-investigator/internal/models"
)

// checkColumns rejects any column that is not in allowed.
func checkColumns(cols []string, allowed []string) error {
	for _, c := range cols {
		if !slices.Contains(allowed, c) {
			return &models.UnsupportedDimensionError{Dimension: c, Allowed: allowed}
		}
	}
	return nil
}

// bucketExpr returns the SQL expression for a metric's time bucket. Weekly
// buckets are keyed by the Monday that starts the ISO week.
func bucketExpr(metric models.Metric) string {
	if metric == models.MetricWAU {
		return `DATE(event_timestamp, 'weekday 0', '-6 days')`
	}
	return `DATE(event_timestamp)`
}

func valueExpr(metric models.Metric) string {
	if metric == models.MetricEventsPerUser {
		return `CAST(COUNT(*) AS REAL) / NULLIF(COUNT(DISTINCT user_id), 0)`
	}
	return `COUNT(DISTINCT user_id)`
}

// filterClause renders ANDed equality predicates in a stable column order.
func filterClause(filters map[string]string, prefix string) (string, []any) {
	if len(filters) == 0 {
		return "", nil
	}
	var sb strings.Builder
	args := make([]any, 0, len(filters))
	for _, col := range slices.Sorted(maps.Keys(filters)) {
		fmt.Fprintf(&sb, " AND %s%s = ?", prefix, col)
		args = append(args, filters[col])
	}
	return sb.String(), args
}

func buildMetricQuery(metric models.Metric, rng models.DateRange, dimensions []string, filters map[string]string) (string, []any) {
	bucket := bucketExpr(metric)
	dimSelect, dimGroup := "", ""
	if len(dimensions) > 0 {
		dimSelect = ", " + strings.Join(dimensions, ", ")
		dimGroup = dimSelect
	}
	where, fargs := filterClause(filters, "")
	query := fmt.Sprintf(`
        SELECT %s AS bucket, %s AS value%s
        FROM event_stream
        WHERE DATE(event_timestamp) >= ? AND DATE(event_timestamp) <= ?%s
        GROUP BY bucket%s
        ORDER BY bucket%s`,
		bucket, valueExpr(metric), dimSelect, where, dimGroup, dimGroup)
	args := append([]any{rng.Start.String(), rng.End.String()}, fargs...)
	return query, args
}

// QueryMetric aggregates the event stream into a metric time series.
func (s *SQLiteStore) QueryMetric(ctx context.Context, metric models.Metric, rng models.DateRange, dimensions []string, filters map[string]string) ([]models.MetricDataPoint, error) {
	if _, err := models.ParseMetric(string(metric)); err != nil {
		return nil, err
	}
	if err := checkColumns(dimensions, models.EventDimensions); err != nil {
		return nil, err
	}
	if err := checkColumns(slices.Collect(maps.Keys(filters)), models.EventDimensions); err != nil {
		return nil, err
	}
	if rng.Empty() {
		return []models.MetricDataPoint{}, nil
	}

	start := time.Now()
	query, args := buildMetricQuery(metric, rng, dimensions, filters)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", metric, err)
	}
	defer rows.Close()

	points := []models.MetricDataPoint{}
	for rows.Next() {
		var bucket string
		var value sql.NullFloat64
		dimValues := make([]sql.NullString, len(dimensions))
		dest := []any{&bucket, &value}
		for i := range dimValues {
			dest = append(dest, &dimValues[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", metric, err)
		}
		ts, err := time.Parse(models.DateLayout, bucket)
		if err != nil {
			return nil, fmt.Errorf("parse bucket %q: %w", bucket, err)
		}
		p := models.MetricDataPoint{Timestamp: ts, Value: value.Float64}
		if len(dimensions) > 0 {
			p.Dimensions = make(map[string]string, len(dimensions))
			for i, d := range dimensions {
				p.Dimensions[d] = dimValues[i].String
			}
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.traceQuery("query_metric", start, len(points))
	return points, nil
}

type periodAgg struct {
	sum   float64
	count int
}

func (a periodAgg) avg() float64 {
	if a.count == 0 {
		return 0
	}
	return a.sum / float64(a.count)
}

func aggregateByDimension(points []models.MetricDataPoint, dimension string) map[string]periodAgg {
	out := make(map[string]periodAgg)
	for _, p := range points {
		v, ok := p.Dimensions[dimension]
		if !ok {
			v = "unknown"
		}
		a := out[v]
		a.sum += p.Value
		a.count++
		out[v] = a
	}
	return out
}

// DimensionalBreakdown compares per-value averages of the two periods. Only
// values seen in the current period are reported; a value missing from the
// baseline has pct_change 0.
func (s *SQLiteStore) DimensionalBreakdown(ctx context.Context, metric models.Metric, dimension string, current, baseline models.DateRange, minDropThreshold float64) ([]models.DimensionalBreakdown, error) {
	if err := checkColumns([]string{dimension}, models.EventDimensions); err != nil {
		return nil, err
	}

	var basePoints, curPoints []models.MetricDataPoint
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		basePoints, err = s.QueryMetric(gctx, metric, baseline, []string{dimension}, nil)
		return err
	})
	g.Go(func() error {
		var err error
		curPoints, err = s.QueryMetric(gctx, metric, current, []string{dimension}, nil)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return compareBreakdown(dimension,
		aggregateByDimension(basePoints, dimension),
		aggregateByDimension(curPoints, dimension),
		minDropThreshold), nil
}

func compareBreakdown(dimension string, base, cur map[string]periodAgg, minDropThreshold float64) []models.DimensionalBreakdown {
	out := []models.DimensionalBreakdown{}
	for _, v := range slices.Sorted(maps.Keys(cur)) {
		before, after := base[v].avg(), cur[v].avg()
		pct := 0.0
		if before != 0 {
			pct = (after - before) / before
		}
		if pct > -minDropThreshold {
			continue
		}
		out = append(out, models.DimensionalBreakdown{
			DimensionName:  dimension,
			DimensionValue: v,
			BeforeValue:    before,
			AfterValue:     after,
			PctChange:      pct,
			SampleSize:     cur[v].count,
		})
	}
	return out
}
