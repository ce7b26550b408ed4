package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const decisionCols = `id, session_id, cycle, outcome, reason, reply_body,
	model, prompt_tokens, completion_tokens, cost_usd, created_at`

func scanDecision(row interface{ Scan(...any) error }) (*Decision, error) {
	d := &Decision{}
	err := row.Scan(
		&d.ID, &d.SessionID, &d.Cycle, &d.Outcome, &d.Reason, &d.ReplyBody,
		&d.Model, &d.PromptTokens, &d.CompletionTokens, &d.CostUSD, &d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan decision: %w", err)
	}
	return d, nil
}

// RecordDecision appends a decision for a (session, cycle) pair. Decisions
// are append-only; a second decision for the same cycle returns ErrConflict.
func (s *Store) RecordDecision(ctx context.Context, d *Decision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, session_id, cycle, outcome, reason, reply_body,
			model, prompt_tokens, completion_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.SessionID, d.Cycle, d.Outcome, d.Reason, d.ReplyBody,
		d.Model, d.PromptTokens, d.CompletionTokens, d.CostUSD, d.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("decision for session %s cycle %d exists: %w", d.SessionID, d.Cycle, ErrConflict)
		}
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// GetDecision returns the decision for one cycle of a session.
func (s *Store) GetDecision(ctx context.Context, sessionID string, cycle int) (*Decision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+decisionCols+` FROM decisions WHERE session_id = ? AND cycle = ?`,
		sessionID, cycle)
	return scanDecision(row)
}

// ListDecisions returns the full decision history of a session, oldest first.
func (s *Store) ListDecisions(ctx context.Context, sessionID string) ([]*Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+decisionCols+` FROM decisions WHERE session_id = ? ORDER BY cycle ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
