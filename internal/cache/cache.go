package cache

// Package cache memoizes evidence store reads.
//
// The analytics tables are append-only for the lifetime of an investigation,
// so repeated queries with identical arguments (the oracle often re-segments
// the same window, and feedback re-runs walk the same playbook) are served
// from an in-memory LRU with a TTL.
//
// Cache Key Strategy:
//   - operation name + canonical JSON of the arguments
//   - maps serialize with sorted keys, so filter order does not matter
//
// Errors are never cached.

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kubilitics/metric-investigator/internal/metrics"
	"github.com/kubilitics/metric-investigator/internal/models"
	"github.com/kubilitics/metric-investigator/internal/warehouse"
)

// DefaultTTL applies when NewCachedStore is given a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// CachedStore wraps a warehouse.Store with a read-through cache.
type CachedStore struct {
	next  warehouse.Store
	cache *expirable.LRU[string, any]
}

// NewCachedStore returns next unchanged when size is 0.
func NewCachedStore(next warehouse.Store, size int, ttl time.Duration) warehouse.Store {
	if size <= 0 {
		return next
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedStore{
		next:  next,
		cache: expirable.NewLRU[string, any](size, nil, ttl),
	}
}

func key(op string, args ...any) (string, bool) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", false
	}
	return op + ":" + string(b), true
}

// cached runs load on a miss and stores its result.
func cached[T any](c *CachedStore, op string, load func() (T, error), args ...any) (T, error) {
	k, ok := key(op, args...)
	if ok {
		if v, hit := c.cache.Get(k); hit {
			if typed, ok := v.(T); ok {
				metrics.CacheRequests.WithLabelValues(op, "hit").Inc()
				return typed, nil
			}
		}
	}
	metrics.CacheRequests.WithLabelValues(op, "miss").Inc()
	v, err := load()
	if err != nil {
		return v, err
	}
	if ok {
		c.cache.Add(k, v)
	}
	return v, nil
}

func (c *CachedStore) QueryMetric(ctx context.Context, metric models.Metric, rng models.DateRange, dimensions []string, filters map[string]string) ([]models.MetricDataPoint, error) {
	return cached(c, "query_metric", func() ([]models.MetricDataPoint, error) {
		return c.next.QueryMetric(ctx, metric, rng, dimensions, filters)
	}, metric, rng, dimensions, filters)
}

func (c *CachedStore) DimensionalBreakdown(ctx context.Context, metric models.Metric, dimension string, current, baseline models.DateRange, minDropThreshold float64) ([]models.DimensionalBreakdown, error) {
	return cached(c, "dimensional_breakdown", func() ([]models.DimensionalBreakdown, error) {
		return c.next.DimensionalBreakdown(ctx, metric, dimension, current, baseline, minDropThreshold)
	}, metric, dimension, current, baseline, minDropThreshold)
}

func (c *CachedStore) CheckDeployments(ctx context.Context, rng models.DateRange, platform string) ([]models.Deployment, error) {
	return cached(c, "check_deployments", func() ([]models.Deployment, error) {
		return c.next.CheckDeployments(ctx, rng, platform)
	}, rng, platform)
}

func (c *CachedStore) CohortRetention(ctx context.Context, cohortDate models.Date, retentionDays []int, filters map[string]string) (map[string]float64, error) {
	return cached(c, "cohort_retention", func() (map[string]float64, error) {
		return c.next.CohortRetention(ctx, cohortDate, retentionDays, filters)
	}, cohortDate, retentionDays, filters)
}

func (c *CachedStore) RunStatisticalTest(ctx context.Context, metric models.Metric, control, treatment map[string]string, rng models.DateRange) (*models.StatTestResult, error) {
	return cached(c, "statistical_test", func() (*models.StatTestResult, error) {
		return c.next.RunStatisticalTest(ctx, metric, control, treatment, rng)
	}, metric, control, treatment, rng)
}

// Purge drops every cached entry, e.g. after the tables were reseeded.
func (c *CachedStore) Purge() { c.cache.Purge() }

// Len reports the number of cached entries.
func (c *CachedStore) Len() int { return c.cache.Len() }

func (c *CachedStore) Close() error { return c.next.Close() }

func (c *CachedStore) Ping(ctx context.Context) error { return c.next.Ping(ctx) }
