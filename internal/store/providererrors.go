package store

import (
	"context"
	"fmt"
	"time"
)

// RecordProviderError appends one agent-error occurrence for the given
// session/tool-type pair, feeding the provider-health tracker's error-rate
// window (spec §4.5's "Provider-health broadcast").
func (s *Store) RecordProviderError(ctx context.Context, toolType, sessionID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_errors (tool_type, session_id, message, occurred_at)
		VALUES (?, ?, ?, ?)
	`, toolType, sessionID, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record provider error: %w", err)
	}
	return nil
}

// ErrorCountSince returns how many errors a tool type has logged since t.
func (s *Store) ErrorCountSince(ctx context.Context, toolType string, since time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM provider_errors WHERE tool_type = ? AND occurred_at >= ?
	`, toolType, since)
	if err != nil {
		return 0, fmt.Errorf("count provider errors for %q: %w", toolType, err)
	}
	return count, nil
}

// toolErrorCountRow is the DB scan target for the all-tool-types aggregation.
type toolErrorCountRow struct {
	ToolType string `db:"tool_type"`
	Count    int    `db:"count"`
}

// AllErrorCountsSince returns the error count since t, grouped by tool type.
func (s *Store) AllErrorCountsSince(ctx context.Context, since time.Time) (map[string]int, error) {
	var rows []toolErrorCountRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT tool_type, COUNT(*) as count FROM provider_errors
		WHERE occurred_at >= ?
		GROUP BY tool_type
	`, since)
	if err != nil {
		return nil, fmt.Errorf("count all provider errors: %w", err)
	}

	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.ToolType] = r.Count
	}
	return out, nil
}

// ClearSessionErrors deletes every error row recorded for a session, per
// spec §6's `providers:clear-session-errors(sessionId)`.
func (s *Store) ClearSessionErrors(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM provider_errors WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("clear session errors for %q: %w", sessionID, err)
	}
	return nil
}
