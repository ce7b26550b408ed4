package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const execCols = `id, session_id, cycle, tool, input_json, output_json, status,
	failure_reason, requested_by, resolved_by, resolve_reason,
	requested_at, resolved_at, finished_at, expires_at, duration_ms`

func scanExecution(row interface{ Scan(...any) error }) (*Execution, error) {
	e := &Execution{}
	err := row.Scan(
		&e.ID, &e.SessionID, &e.Cycle, &e.Tool, &e.InputJSON, &e.OutputJSON,
		&e.Status, &e.FailureReason, &e.RequestedBy, &e.ResolvedBy,
		&e.ResolveReason, &e.RequestedAt, &e.ResolvedAt, &e.FinishedAt,
		&e.ExpiresAt, &e.DurationMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	return e, nil
}

// CreateExecution records a new tool invocation. Gated tools start at
// pending with an expiry deadline; ungated tools start directly at approved.
func (s *Store) CreateExecution(ctx context.Context, sessionID string, cycle int, tool, inputJSON, requestedBy string, gated bool, ttl time.Duration) (*Execution, error) {
	id := uuid.NewString()
	status := ExecApproved
	var expiresAt sql.NullTime
	if gated {
		status = ExecPending
		expiresAt = sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_executions (id, session_id, cycle, tool, input_json, status, requested_by, requested_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, sessionID, cycle, tool, inputJSON, status, requestedBy, time.Now(), expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	return s.GetExecution(ctx, id)
}

// GetExecution retrieves an execution by ID
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+execCols+` FROM tool_executions WHERE id = ?`, id)
	return scanExecution(row)
}

// ResolveExecution moves a pending execution to approved or rejected. The
// WHERE status = 'pending' guard means only the first resolver wins; a second
// resolve, or a resolve after expiry, returns ErrConflict.
func (s *Store) ResolveExecution(ctx context.Context, id, outcome, resolvedBy, reason string) error {
	if outcome != ExecApproved && outcome != ExecRejected {
		return fmt.Errorf("invalid resolution outcome %q", outcome)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_executions
		SET status = ?, resolved_by = ?, resolve_reason = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, outcome, resolvedBy, reason, time.Now(), id, ExecPending)
	if err != nil {
		return fmt.Errorf("failed to resolve execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check resolution: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("execution %s is not pending: %w", id, ErrConflict)
	}
	return nil
}

// FinishExecution records the terminal result of a run. The WHERE
// status = 'approved' guard enforces that no execution reaches success or
// failed without having been approved first.
func (s *Store) FinishExecution(ctx context.Context, id, status, outputJSON, failureReason string, duration time.Duration) error {
	if status != ExecSuccess && status != ExecFailed {
		return fmt.Errorf("invalid finish status %q", status)
	}
	var output, failure sql.NullString
	if outputJSON != "" {
		output = sql.NullString{String: outputJSON, Valid: true}
	}
	if failureReason != "" {
		failure = sql.NullString{String: failureReason, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_executions
		SET status = ?, output_json = ?, failure_reason = ?, finished_at = ?, duration_ms = ?
		WHERE id = ? AND status = ?
	`, status, output, failure, time.Now(), duration.Milliseconds(), id, ExecApproved)
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check finish: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("execution %s is not approved: %w", id, ErrConflict)
	}
	return nil
}

// ListPendingExecutions returns executions awaiting review, oldest first.
func (s *Store) ListPendingExecutions(ctx context.Context) ([]*Execution, error) {
	return s.listExecutions(ctx,
		`SELECT `+execCols+` FROM tool_executions WHERE status = ? ORDER BY requested_at ASC`,
		ExecPending)
}

// ListExecutionsForSession returns every execution recorded for a session
// across all cycles, in request order. The engine uses it to reuse results
// and honor past rejections when a session is resumed.
func (s *Store) ListExecutionsForSession(ctx context.Context, sessionID string) ([]*Execution, error) {
	return s.listExecutions(ctx,
		`SELECT `+execCols+` FROM tool_executions WHERE session_id = ? ORDER BY requested_at ASC`,
		sessionID)
}

func (s *Store) listExecutions(ctx context.Context, query string, args ...any) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// ExpireStaleExecutions marks pending executions past their deadline as
// expired and returns them so their sessions can be resumed.
func (s *Store) ExpireStaleExecutions(ctx context.Context) ([]*Execution, error) {
	now := time.Now()
	stale, err := s.listExecutions(ctx,
		`SELECT `+execCols+` FROM tool_executions WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		ExecPending, now)
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	var expired []*Execution
	for _, e := range stale {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tool_executions SET status = ?, resolved_at = ?
			WHERE id = ? AND status = ?
		`, ExecExpired, now, e.ID, ExecPending)
		if err != nil {
			return expired, fmt.Errorf("failed to expire execution %s: %w", e.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			e.Status = ExecExpired
			expired = append(expired, e)
		}
	}
	return expired, nil
}
