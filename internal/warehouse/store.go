package warehouse

// Package warehouse is the evidence store: the five analytical operations the
// action executor runs against event, user-profile and deployment data.
//
// The tables are:
//   - event_stream: one row per product event (timestamp, user, platform, country, ...)
//   - user_profiles: one row per user with signup attributes
//   - deployments: one row per release
//
// Column names used for grouping and filtering are checked against fixed
// allow-lists before they reach SQL; values are always bound parameters.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/metric-investigator/internal/models"
)

// Store is the evidence store contract consumed by the action executor.
type Store interface {
	// QueryMetric returns one point per time bucket (and per combination of
	// dimension values when dimensions are given).
	QueryMetric(ctx context.Context, metric models.Metric, rng models.DateRange, dimensions []string, filters map[string]string) ([]models.MetricDataPoint, error)

	// DimensionalBreakdown reports the values of dimension whose average
	// dropped by at least minDropThreshold between baseline and current.
	DimensionalBreakdown(ctx context.Context, metric models.Metric, dimension string, current, baseline models.DateRange, minDropThreshold float64) ([]models.DimensionalBreakdown, error)

	// CheckDeployments lists releases in rng, optionally for one platform.
	CheckDeployments(ctx context.Context, rng models.DateRange, platform string) ([]models.Deployment, error)

	// CohortRetention maps "day_N" to the share of the cohort active on
	// cohortDate+N.
	CohortRetention(ctx context.Context, cohortDate models.Date, retentionDays []int, filters map[string]string) (map[string]float64, error)

	// RunStatisticalTest compares two filtered populations with Welch's
	// t-test over per-bucket metric values.
	RunStatisticalTest(ctx context.Context, metric models.Metric, control, treatment map[string]string, rng models.DateRange) (*models.StatTestResult, error)

	Close() error
	Ping(ctx context.Context) error
}

// timestampLayout is how event and deployment times are stored so SQLite's
// DATE() can read them.
const timestampLayout = "2006-01-02 15:04:05"

var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS event_stream (
    event_id        TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    event_type      TEXT NOT NULL,
    event_timestamp TEXT NOT NULL,
    platform        TEXT NOT NULL DEFAULT '',
    country         TEXT NOT NULL DEFAULT '',
    device_type     TEXT NOT NULL DEFAULT '',
    app_version     TEXT NOT NULL DEFAULT '',
    session_id      TEXT NOT NULL DEFAULT '',
    properties      TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON event_stream(event_timestamp);
CREATE INDEX IF NOT EXISTS idx_events_user ON event_stream(user_id, event_timestamp);

CREATE TABLE IF NOT EXISTS user_profiles (
    user_id             TEXT PRIMARY KEY,
    signup_date         TEXT NOT NULL,
    signup_platform     TEXT NOT NULL DEFAULT '',
    signup_country      TEXT NOT NULL DEFAULT '',
    user_cohort         TEXT NOT NULL DEFAULT '',
    acquisition_channel TEXT NOT NULL DEFAULT '',
    user_tier           TEXT NOT NULL DEFAULT 'free'
);
CREATE INDEX IF NOT EXISTS idx_profiles_signup ON user_profiles(signup_date);

CREATE TABLE IF NOT EXISTS deployments (
    deployment_id      TEXT PRIMARY KEY,
    deployment_date    TEXT NOT NULL,
    app_version        TEXT NOT NULL,
    platform           TEXT NOT NULL,
    rollout_percentage REAL NOT NULL DEFAULT 1.0,
    regions            TEXT NOT NULL DEFAULT 'all',
    deployment_type    TEXT NOT NULL DEFAULT 'app_release'
);
CREATE INDEX IF NOT EXISTS idx_deployments_date ON deployments(deployment_date);
`,
	},
}

// SQLiteStore is the SQLite-backed evidence store.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Option configures a SQLiteStore.
type Option func(*storeOptions)

type storeOptions struct {
	readOnly bool
	logger   *zap.Logger
}

// WithReadOnly rejects writes at the connection level once the schema exists.
func WithReadOnly() Option { return func(o *storeOptions) { o.readOnly = true } }

// WithLogger sets the logger used for query tracing.
func WithLogger(l *zap.Logger) Option { return func(o *storeOptions) { o.logger = l } }

// NewSQLiteStore opens (or creates) the analytics database at path and
// applies pending migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	o := storeOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: o.logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if o.readOnly {
		if _, err := db.Exec(`PRAGMA query_only=ON`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable query_only: %w", err)
		}
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// traceQuery logs a statement at debug level with its elapsed time.
func (s *SQLiteStore) traceQuery(op string, start time.Time, rows int) {
	s.logger.Debug("warehouse query",
		zap.String("op", op),
		zap.Int("rows", rows),
		zap.Duration("elapsed", time.Since(start)),
	)
}

var _ Store = (*SQLiteStore)(nil)
