package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kubilitics/metric-investigator/internal/models"
)

// CheckDeployments returns releases whose calendar date falls in rng.
func (s *SQLiteStore) CheckDeployments(ctx context.Context, rng models.DateRange, platform string) ([]models.Deployment, error) {
	if rng.Empty() {
		return []models.Deployment{}, nil
	}

	start := time.Now()
	query := `
        SELECT deployment_id, deployment_date, app_version, platform, regions, rollout_percentage, deployment_type
        FROM deployments
        WHERE DATE(deployment_date) >= ? AND DATE(deployment_date) <= ?`
	args := []any{rng.Start.String(), rng.End.String()}
	if platform != "" {
		query += ` AND platform = ?`
		args = append(args, platform)
	}
	query += ` ORDER BY deployment_date, deployment_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deployments: %w", err)
	}
	defer rows.Close()

	out := []models.Deployment{}
	for rows.Next() {
		var d models.Deployment
		var date, regions string
		if err := rows.Scan(&d.DeploymentID, &date, &d.AppVersion, &d.Platform, &regions, &d.RolloutPercentage, &d.DeploymentType); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		d.DeploymentDate, err = time.Parse(timestampLayout, date)
		if err != nil {
			return nil, fmt.Errorf("parse deployment_date %q: %w", date, err)
		}
		d.Regions = parseRegions(regions)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.traceQuery("check_deployments", start, len(out))
	return out, nil
}

// parseRegions accepts a JSON array (["IN","BR"]) or comma-separated text.
func parseRegions(raw string) []string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") {
		var regions []string
		if err := json.Unmarshal([]byte(raw), &regions); err == nil {
			return regions
		}
	}
	out := []string{}
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
