package warehouse

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/kubilitics/metric-investigator/internal/models"
)

// profileAliases lets retention filters use the event column names.
var profileAliases = map[string]string{
	"platform": "signup_platform",
	"country":  "signup_country",
}

func profileFilters(filters map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(filters))
	for col, val := range filters {
		if alias, ok := profileAliases[col]; ok {
			col = alias
		}
		out[col] = val
	}
	if err := checkColumns(slices.Collect(maps.Keys(out)), models.ProfileFilters); err != nil {
		return nil, err
	}
	return out, nil
}

// CohortRetention computes the share of a signup cohort active exactly N
// days after signup. An empty cohort yields 0.0 for every day.
func (s *SQLiteStore) CohortRetention(ctx context.Context, cohortDate models.Date, retentionDays []int, filters map[string]string) (map[string]float64, error) {
	pf, err := profileFilters(filters)
	if err != nil {
		return nil, err
	}
	if len(retentionDays) == 0 {
		retentionDays = models.DefaultRetentionDays
	}

	start := time.Now()
	where, fargs := filterClause(pf, "p.")

	var cohortSize int
	sizeQuery := `SELECT COUNT(*) FROM user_profiles p WHERE DATE(p.signup_date) = ?` + where
	sizeArgs := append([]any{cohortDate.String()}, fargs...)
	if err := s.db.QueryRowContext(ctx, sizeQuery, sizeArgs...).Scan(&cohortSize); err != nil {
		return nil, fmt.Errorf("cohort size: %w", err)
	}

	rates := make(map[string]float64, len(retentionDays))
	if cohortSize == 0 {
		for _, day := range retentionDays {
			rates[dayKey(day)] = 0.0
		}
		return rates, nil
	}

	retQuery := `
        SELECT COUNT(DISTINCT e.user_id)
        FROM event_stream e
        JOIN user_profiles p ON e.user_id = p.user_id
        WHERE DATE(p.signup_date) = ?
          AND DATE(e.event_timestamp) = ?` + where
	for _, day := range retentionDays {
		var retained int
		args := append([]any{cohortDate.String(), cohortDate.AddDays(day).String()}, fargs...)
		if err := s.db.QueryRowContext(ctx, retQuery, args...).Scan(&retained); err != nil {
			return nil, fmt.Errorf("retention day %d: %w", day, err)
		}
		rates[dayKey(day)] = float64(retained) / float64(cohortSize)
	}
	s.traceQuery("cohort_retention", start, len(rates))
	return rates, nil
}

func dayKey(day int) string { return fmt.Sprintf("day_%d", day) }
