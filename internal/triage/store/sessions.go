package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sessionCols = `id, conversation_id, customer_email, state, category,
	confidence, cycle, last_seq, dispatch_token, trace_id, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	s := &Session{}
	err := row.Scan(
		&s.ID, &s.ConversationID, &s.CustomerEmail, &s.State, &s.Category,
		&s.Confidence, &s.Cycle, &s.LastSeq, &s.DispatchToken, &s.TraceID,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	return s, nil
}

// GetOrCreateSession returns the session bound to conversationID, creating it
// in the received state when none exists. The second return value reports
// whether the session was created by this call.
func (s *Store) GetOrCreateSession(ctx context.Context, conversationID, customerEmail, traceID string) (*Session, bool, error) {
	existing, err := s.GetSessionByConversation(ctx, conversationID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	id := uuid.NewString()
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, conversation_id, customer_email, trace_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, conversationID, customerEmail, traceID, now, now)
	if err != nil {
		// Lost a race with another writer; the row exists now.
		if existing, lookupErr := s.GetSessionByConversation(ctx, conversationID); lookupErr == nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}

	created, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// GetSession retrieves a session by ID
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetSessionByConversation retrieves the session bound to a conversation ID
func (s *Store) GetSessionByConversation(ctx context.Context, conversationID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE conversation_id = ?`, conversationID)
	return scanSession(row)
}

// ListSessionsByState returns sessions currently in the given state, oldest
// first. Used on startup to recover parked tool_pending sessions.
func (s *Store) ListSessionsByState(ctx context.Context, state string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE state = ? ORDER BY updated_at ASC`, state)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions by state: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SessionCounts returns the number of sessions per state.
func (s *Store) SessionCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM sessions GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan session count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// TransitionSession moves a session from one state to another. It returns
// ErrConflict when the session is not in the expected state, which makes the
// transition safe to attempt from concurrent workers.
func (s *Store) TransitionSession(ctx context.Context, id, from, to string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`, to, time.Now(), id, from)
	if err != nil {
		return fmt.Errorf("failed to transition session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check transition: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %s -> %s: %w", id, from, to, ErrConflict)
	}
	return nil
}

// SetClassification records the classifier verdict and advances the session
// to the classified state. Reclassification on a later cycle is allowed from
// any non-terminal state, so no from-state guard is applied here.
func (s *Store) SetClassification(ctx context.Context, id, category string, confidence float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET category = ?, confidence = ?, state = ?, updated_at = ?
		WHERE id = ? AND state NOT IN (?, ?)
	`, category, confidence, StateClassified, time.Now(), id, StateDispatching, StateDispatched)
	if err != nil {
		return fmt.Errorf("failed to set classification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check classification update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: classify: %w", id, ErrConflict)
	}
	return nil
}

// BumpCycle increments the session's cycle counter and returns the new value.
// Called once per triage run, before classification.
func (s *Store) BumpCycle(ctx context.Context, id string) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET cycle = cycle + 1, updated_at = ? WHERE id = ?
	`, time.Now(), id)
	if err != nil {
		return 0, fmt.Errorf("failed to bump cycle: %w", err)
	}
	var cycle int
	if err := s.db.QueryRowContext(ctx, `SELECT cycle FROM sessions WHERE id = ?`, id).Scan(&cycle); err != nil {
		return 0, fmt.Errorf("failed to read cycle: %w", err)
	}
	return cycle, nil
}

// ClaimDispatch atomically moves a decided session into dispatching and
// stamps it with a fresh dispatch token. Exactly one caller wins; all others
// get ErrConflict. This is what makes dispatch idempotent under retries.
func (s *Store) ClaimDispatch(ctx context.Context, id, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = ?, dispatch_token = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`, StateDispatching, token, time.Now(), id, StateDecided)
	if err != nil {
		return fmt.Errorf("failed to claim dispatch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check dispatch claim: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: dispatch claim: %w", id, ErrConflict)
	}
	return nil
}
