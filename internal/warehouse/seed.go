package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/metric-investigator/internal/models"
)

// Event is one row of event_stream.
type Event struct {
	EventID    string
	UserID     string
	EventType  string
	Timestamp  time.Time
	Platform   string
	Country    string
	DeviceType string
	AppVersion string
	SessionID  string
	Properties string
}

// UserProfile is one row of user_profiles.
type UserProfile struct {
	UserID             string
	SignupDate         models.Date
	SignupPlatform     string
	SignupCountry      string
	UserCohort         string
	AcquisitionChannel string
	UserTier           string
}

// InsertUsers writes profiles in one transaction, replacing existing ids.
func (s *SQLiteStore) InsertUsers(ctx context.Context, users []UserProfile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT OR REPLACE INTO user_profiles(user_id, signup_date, signup_platform, signup_country, user_cohort, acquisition_channel, user_tier)
        VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare user insert: %w", err)
	}
	defer stmt.Close()

	for _, u := range users {
		if _, err := stmt.ExecContext(ctx, u.UserID, u.SignupDate.String(), u.SignupPlatform,
			u.SignupCountry, u.UserCohort, u.AcquisitionChannel, u.UserTier); err != nil {
			return fmt.Errorf("insert user %s: %w", u.UserID, err)
		}
	}
	return tx.Commit()
}

// InsertEvents writes events in one transaction.
func (s *SQLiteStore) InsertEvents(ctx context.Context, events []Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT OR REPLACE INTO event_stream(event_id, user_id, event_type, event_timestamp, platform, country, device_type, app_version, session_id, properties)
        VALUES(?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		props := e.Properties
		if props == "" {
			props = "{}"
		}
		if _, err := stmt.ExecContext(ctx, e.EventID, e.UserID, e.EventType, e.Timestamp.UTC().Format(timestampLayout),
			e.Platform, e.Country, e.DeviceType, e.AppVersion, e.SessionID, props); err != nil {
			return fmt.Errorf("insert event %s: %w", e.EventID, err)
		}
	}
	return tx.Commit()
}

// InsertDeployments writes releases in one transaction. Regions are stored
// as a JSON array.
func (s *SQLiteStore) InsertDeployments(ctx context.Context, deployments []models.Deployment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range deployments {
		regions, err := json.Marshal(d.Regions)
		if err != nil {
			return err
		}
		kind := d.DeploymentType
		if kind == "" {
			kind = "app_release"
		}
		_, err = tx.ExecContext(ctx, `
            INSERT OR REPLACE INTO deployments(deployment_id, deployment_date, app_version, platform, rollout_percentage, regions, deployment_type)
            VALUES(?,?,?,?,?,?,?)`,
			d.DeploymentID, d.DeploymentDate.UTC().Format(timestampLayout), d.AppVersion, d.Platform,
			d.RolloutPercentage, string(regions), kind)
		if err != nil {
			return fmt.Errorf("insert deployment %s: %w", d.DeploymentID, err)
		}
	}
	return tx.Commit()
}

// SeedConfig controls the synthetic scenario.
type SeedConfig struct {
	Users int
	Seed  uint64
	Start models.Date
	End   models.Date
	// AnomalyStart is the first day android users in IN drop out.
	AnomalyStart models.Date
	// DropRate is the share of affected users skipped each day.
	DropRate float64
}

// DefaultSeedConfig reproduces the reference scenario: a 60% activity drop
// for android users in India from 2026-01-28.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		Users:        50000,
		Seed:         42,
		Start:        models.MustDate("2026-01-25"),
		End:          models.MustDate("2026-02-01"),
		AnomalyStart: models.MustDate("2026-01-28"),
		DropRate:     0.60,
	}
}

// SeedSummary counts what Seed wrote.
type SeedSummary struct {
	Users       int
	Events      int
	Deployments int
}

type weighted struct {
	value  string
	weight float64
}

var (
	seedPlatforms = []weighted{{"ios", 0.45}, {"android", 0.40}, {"web", 0.15}}
	seedCountries = []weighted{{"US", 0.40}, {"IN", 0.25}, {"BR", 0.15}, {"UK", 0.10}, {"DE", 0.05}, {"FR", 0.05}}
	seedChannels  = []weighted{{"organic", 0.50}, {"paid_social", 0.25}, {"referral", 0.15}, {"paid_search", 0.10}}
	seedTiers     = []weighted{{"free", 0.80}, {"pro", 0.18}, {"enterprise", 0.02}}
	appVersions   = map[string][]string{
		"ios":     {"2.2.0", "2.2.1", "2.3.0"},
		"android": {"2.2.0", "2.3.0"},
		"web":     {"2.2.0"},
	}
	eventTypes = []string{"session_start", "page_view", "feature_used", "search", "share"}
	pages      = []string{"home", "feed", "profile", "settings"}
)

func pick(r *rand.Rand, choices []weighted) string {
	x := r.Float64()
	acc := 0.0
	for _, c := range choices {
		acc += c.weight
		if x < acc {
			return c.value
		}
	}
	return choices[len(choices)-1].value
}

// poisson draws from a Poisson distribution with Knuth's method; lambda is
// small here.
func poisson(r *rand.Rand, lambda float64) int {
	l := math.Exp(-lambda)
	k, p := 0, 1.0
	for {
		p *= r.Float64()
		if p <= l {
			return k
		}
		k++
	}
}

// ScenarioDeployments are the releases of the reference scenario.
func ScenarioDeployments() []models.Deployment {
	at := func(s string) time.Time {
		t, _ := time.Parse(timestampLayout, s)
		return t
	}
	return []models.Deployment{
		{DeploymentID: "deployment_1", DeploymentDate: at("2026-01-20 10:00:00"), AppVersion: "2.2.1", Platform: "ios", RolloutPercentage: 1.0, Regions: []string{"all"}, DeploymentType: "app_release"},
		{DeploymentID: "deploy_002", DeploymentDate: at("2026-01-25 14:30:00"), AppVersion: "2.3.0", Platform: "ios", RolloutPercentage: 1.0, Regions: []string{"all"}, DeploymentType: "app_release"},
		{DeploymentID: "deploy_003", DeploymentDate: at("2026-01-28 09:00:00"), AppVersion: "2.3.0", Platform: "android", RolloutPercentage: 1.0, Regions: []string{"IN", "BR"}, DeploymentType: "app_release"},
		{DeploymentID: "deploy_004", DeploymentDate: at("2026-01-30 16:00:00"), AppVersion: "2.2.0", Platform: "web", RolloutPercentage: 1.0, Regions: []string{"all"}, DeploymentType: "app_release"},
	}
}

// Seed generates the synthetic scenario into s. The same config always
// produces the same rows.
func Seed(ctx context.Context, s *SQLiteStore, cfg SeedConfig, logger *zap.Logger) (SeedSummary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Users <= 0 {
		return SeedSummary{}, fmt.Errorf("seed: users must be positive")
	}
	r := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	users := make([]UserProfile, cfg.Users)
	for i := range users {
		signup := cfg.Start.AddDays(-(1 + r.IntN(365)))
		cohortWeek := cfg.Start.AddDays(-(1 + r.IntN(365)))
		year, week := cohortWeek.ISOWeek()
		users[i] = UserProfile{
			UserID:             fmt.Sprintf("user_%06d", i),
			SignupDate:         signup,
			SignupPlatform:     pick(r, seedPlatforms),
			SignupCountry:      pick(r, seedCountries),
			UserCohort:         fmt.Sprintf("%d-W%02d", year, week),
			AcquisitionChannel: pick(r, seedChannels),
			UserTier:           pick(r, seedTiers),
		}
	}
	if err := s.InsertUsers(ctx, users); err != nil {
		return SeedSummary{}, err
	}

	var events []Event
	seq := 0
	for day := cfg.Start; !day.After(cfg.End.Time); day = day.AddDays(1) {
		multiplier := 1.0
		switch day.Weekday() {
		case time.Saturday, time.Sunday:
			multiplier = 0.80
		case time.Monday:
			multiplier = 1.15
		}
		activeRate := 0.70 * multiplier

		for _, u := range users {
			if r.Float64() >= activeRate {
				continue
			}
			var version string
			if u.SignupPlatform == "android" && u.SignupCountry == "IN" && !day.Before(cfg.AnomalyStart.Time) {
				version = "2.3.0"
				if r.Float64() < cfg.DropRate {
					continue
				}
			} else {
				versions := appVersions[u.SignupPlatform]
				version = versions[r.IntN(len(versions))]
			}

			lambda := 4.0
			switch u.UserTier {
			case "pro":
				lambda = 12
			case "enterprise":
				lambda = 15
			}
			n := poisson(r, lambda)
			device := "desktop"
			if u.SignupPlatform != "web" {
				device = "mobile"
			}
			session := fmt.Sprintf("sess_%s_%s", u.UserID, strings.ReplaceAll(day.String(), "-", ""))
			for range n {
				seq++
				ts := day.Add(time.Duration(r.IntN(24))*time.Hour +
					time.Duration(r.IntN(60))*time.Minute +
					time.Duration(r.IntN(60))*time.Second)
				events = append(events, Event{
					EventID:    fmt.Sprintf("evt_%09d", seq),
					UserID:     u.UserID,
					EventType:  eventTypes[r.IntN(len(eventTypes))],
					Timestamp:  ts,
					Platform:   u.SignupPlatform,
					Country:    u.SignupCountry,
					DeviceType: device,
					AppVersion: version,
					SessionID:  session,
					Properties: fmt.Sprintf(`{"page":%q}`, pages[r.IntN(len(pages))]),
				})
			}
		}
	}
	if err := s.InsertEvents(ctx, events); err != nil {
		return SeedSummary{}, err
	}

	deployments := ScenarioDeployments()
	if err := s.InsertDeployments(ctx, deployments); err != nil {
		return SeedSummary{}, err
	}

	summary := SeedSummary{Users: len(users), Events: len(events), Deployments: len(deployments)}
	logger.Info("seeded analytics database",
		zap.Int("users", summary.Users),
		zap.Int("events", summary.Events),
		zap.Int("deployments", summary.Deployments),
	)
	return summary, nil
}
