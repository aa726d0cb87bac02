package db

import (
	"context"
	"fmt"
	"time"
)

// ─── LLM usage ───────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendUsage(ctx context.Context, rec *UsageRecord) error {
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_usage (conversation_id, provider, model, prompt_tokens, completion_tokens, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ConversationID, rec.Provider, rec.Model, rec.PromptTokens, rec.CompletionTokens, formatTime(recordedAt))
	if err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	return nil
}

func (s *sqliteStore) ConversationUsage(ctx context.Context, conversationID string) (UsageTotal, error) {
	var total UsageTotal
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		FROM llm_usage
		WHERE conversation_id = ?
	`, conversationID).Scan(&total.Calls, &total.PromptTokens, &total.CompletionTokens)
	if err != nil {
		return UsageTotal{}, fmt.Errorf("conversation usage: %w", err)
	}
	return total, nil
}

func (s *sqliteStore) UsageSince(ctx context.Context, from time.Time) (UsageTotal, error) {
	var total UsageTotal
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		FROM llm_usage
		WHERE recorded_at >= ?
	`, formatTime(from)).Scan(&total.Calls, &total.PromptTokens, &total.CompletionTokens)
	if err != nil {
		return UsageTotal{}, fmt.Errorf("usage since: %w", err)
	}
	return total, nil
}
