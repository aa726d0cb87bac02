package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/metric-investigator/internal/models"
)

// migrations define the archive schema. Version is tracked in the
// schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS conversations (
    id          TEXT PRIMARY KEY,
    query_text  TEXT NOT NULL,
    state       TEXT NOT NULL,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC);

CREATE TABLE IF NOT EXISTS conversation_steps (
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    step_id         INTEGER NOT NULL,
    action          TEXT NOT NULL,
    success         INTEGER NOT NULL,
    confidence      REAL NOT NULL DEFAULT 0.0,
    result          TEXT NOT NULL, -- JSON StepResult
    executed_at     TEXT NOT NULL,
    PRIMARY KEY (conversation_id, step_id)
);

CREATE TABLE IF NOT EXISTS conversation_reports (
    conversation_id TEXT PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
    confidence      REAL NOT NULL DEFAULT 0.0,
    report          TEXT NOT NULL, -- JSON InsightReport
    generated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_feedback (
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    position        INTEGER NOT NULL,
    feedback        TEXT NOT NULL,
    PRIMARY KEY (conversation_id, position)
);
`,
	},
	// Migration 2: llm_usage
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS llm_usage (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id   TEXT NOT NULL DEFAULT '',
    provider          TEXT NOT NULL,
    model             TEXT NOT NULL DEFAULT '',
    prompt_tokens     INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    recorded_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_llm_usage_conversation ON llm_usage(conversation_id);
CREATE INDEX IF NOT EXISTS idx_llm_usage_recorded_at ON llm_usage(recorded_at);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// Enable foreign-key constraints.
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
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
			continue // already applied
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

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Conversations ────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveConversation(ctx context.Context, conv *models.ConversationContext) error {
	if conv == nil || conv.ConversationID == "" {
		return errors.New("save conversation: missing conversation id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO conversations(id, query_text, state, created_at, updated_at)
        VALUES(?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            query_text = excluded.query_text,
            state      = excluded.state,
            updated_at = excluded.updated_at
    `,
		conv.ConversationID, conv.QueryText, string(conv.State),
		formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	// steps
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_steps WHERE conversation_id=?`, conv.ConversationID); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	for _, r := range conv.ExecutedSteps {
		blob, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode step %d: %w", r.StepID, err)
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO conversation_steps(conversation_id, step_id, action, success, confidence, result, executed_at)
            VALUES(?,?,?,?,?,?,?)
        `, conv.ConversationID, r.StepID, string(r.Action), r.Success, r.ConfidenceScore, string(blob), formatTime(r.ExecutedAt))
		if err != nil {
			return fmt.Errorf("insert step %d: %w", r.StepID, err)
		}
	}

	// feedback
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_feedback WHERE conversation_id=?`, conv.ConversationID); err != nil {
		return fmt.Errorf("delete feedback: %w", err)
	}
	for i, f := range conv.UserFeedback {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO conversation_feedback(conversation_id, position, feedback) VALUES(?,?,?)
        `, conv.ConversationID, i, f); err != nil {
			return fmt.Errorf("insert feedback: %w", err)
		}
	}

	// report
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_reports WHERE conversation_id=?`, conv.ConversationID); err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	if conv.Insights != nil {
		blob, err := json.Marshal(conv.Insights)
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO conversation_reports(conversation_id, confidence, report, generated_at) VALUES(?,?,?,?)
        `, conv.ConversationID, conv.Insights.ConfidenceScore, string(blob), formatTime(conv.Insights.GeneratedAt)); err != nil {
			return fmt.Errorf("insert report: %w", err)
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) GetConversation(ctx context.Context, id string) (*models.ConversationContext, error) {
	conv := &models.ConversationContext{
		ExecutedSteps: []models.StepResult{},
		UserFeedback:  []string{},
	}
	var state, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `SELECT id, query_text, state, created_at, updated_at FROM conversations WHERE id=?`, id).
		Scan(&conv.ConversationID, &conv.QueryText, &state, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.ConversationNotFoundError{ConversationID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	conv.State = models.LoopState(state)
	conv.CreatedAt, _ = parseTime(createdAt)
	conv.UpdatedAt, _ = parseTime(updatedAt)

	if conv.ExecutedSteps, err = s.loadSteps(ctx, id); err != nil {
		return nil, err
	}
	if conv.UserFeedback, err = s.loadFeedback(ctx, id); err != nil {
		return nil, err
	}

	var blob string
	err = s.db.QueryRowContext(ctx, `SELECT report FROM conversation_reports WHERE conversation_id=?`, id).Scan(&blob)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("query report: %w", err)
	default:
		var report models.InsightReport
		if err := json.Unmarshal([]byte(blob), &report); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
		conv.Insights = &report
	}
	return conv, nil
}

// loadSteps closes its rows before returning; an in-memory store has a
// single connection.
func (s *sqliteStore) loadSteps(ctx context.Context, id string) ([]models.StepResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT result FROM conversation_steps WHERE conversation_id=? ORDER BY step_id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	steps := []models.StepResult{}
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var r models.StepResult
		if err := json.Unmarshal([]byte(blob), &r); err != nil {
			return nil, fmt.Errorf("decode step: %w", err)
		}
		steps = append(steps, r)
	}
	return steps, rows.Err()
}

func (s *sqliteStore) loadFeedback(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT feedback FROM conversation_feedback WHERE conversation_id=? ORDER BY position ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	feedback := []string{}
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		feedback = append(feedback, f)
	}
	return feedback, rows.Err()
}

func (s *sqliteStore) ListConversations(ctx context.Context, limit, offset int) ([]*ConversationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT c.id, c.query_text, c.state, c.created_at, c.updated_at,
               (SELECT COUNT(*) FROM conversation_steps st WHERE st.conversation_id = c.id),
               r.confidence
        FROM conversations c
        LEFT JOIN conversation_reports r ON r.conversation_id = c.id
        ORDER BY c.updated_at DESC
        LIMIT ? OFFSET ?
    `, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ConversationRecord
	for rows.Next() {
		rec := &ConversationRecord{}
		var state, createdAt, updatedAt string
		var confidence sql.NullFloat64
		if err := rows.Scan(&rec.ID, &rec.Query, &state, &createdAt, &updatedAt, &rec.StepCount, &confidence); err != nil {
			return nil, err
		}
		rec.State = models.LoopState(state)
		rec.CreatedAt, _ = parseTime(createdAt)
		rec.UpdatedAt, _ = parseTime(updatedAt)
		rec.HasReport = confidence.Valid
		rec.Confidence = confidence.Float64
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete conversations: %w", err)
	}
	return res.RowsAffected()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// formatTime writes a fixed-width UTC layout so string comparison in SQL
// orders chronologically.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
