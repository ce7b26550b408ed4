package store

import (
	"context"
	"fmt"
	"time"
)

// AppendMessage appends a message to a session transcript, assigning the next
// sequence number. The seq assignment and the sessions.last_seq bump happen
// in one transaction so two writers can never claim the same seq.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, body, externalID string) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT last_seq + 1 FROM sessions WHERE id = ?`, sessionID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("failed to allocate message seq: %w", err)
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, seq, role, body, external_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, seq, role, body, externalID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get message id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_seq = ?, updated_at = ? WHERE id = ?`, seq, now, sessionID); err != nil {
		return nil, fmt.Errorf("failed to update session seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}

	return &Message{
		ID:         id,
		SessionID:  sessionID,
		Seq:        seq,
		Role:       role,
		Body:       body,
		ExternalID: externalID,
		CreatedAt:  now,
	}, nil
}

// GetMessages returns a session transcript in sequence order.
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, role, body, external_id, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Body, &m.ExternalID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LatestCustomerSeq returns the seq of the newest customer message, or 0 when
// the transcript has none. The engine uses it to detect replies that arrived
// while a cycle was running.
func (s *Store) LatestCustomerSeq(ctx context.Context, sessionID string) (int, error) {
	var seq int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM messages
		WHERE session_id = ? AND role = ?
	`, sessionID, RoleCustomer).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest customer seq: %w", err)
	}
	return seq, nil
}
