package store

import (
	"context"
	"fmt"
	"time"
)

// MarkEventSeen records a webhook delivery ID and reports whether this is the
// first time it was seen. Dedup is durable, so redeliveries after a restart
// are still dropped.
func (s *Store) MarkEventSeen(ctx context.Context, eventID, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO inbound_events (event_id, session_id, received_at)
		VALUES (?, ?, ?)
	`, eventID, sessionID, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to record inbound event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check inbound event: %w", err)
	}
	return n == 1, nil
}

// PruneEvents deletes dedup records older than the retention window.
func (s *Store) PruneEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM inbound_events WHERE received_at < ?`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to prune inbound events: %w", err)
	}
	return res.RowsAffected()
}
