// Package notify posts operator alerts to a Matrix ops room: approval
// requests waiting for a reviewer, and dispatches that gave up. Send-only;
// approvals themselves are resolved through the HTTP API.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/avoline/triage/internal/triage/store"
)

// Config holds Matrix notifier configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// OpsRoom is the room ID that receives alerts.
	OpsRoom string
}

// Notifier posts alerts to the ops room. A nil *Notifier is valid and drops
// every alert, so callers never branch on whether Matrix is configured.
type Notifier struct {
	client *mautrix.Client
	room   id.RoomID
}

// New creates a Matrix notifier. Returns (nil, nil) when cfg.Homeserver is
// empty, which disables notifications.
func New(cfg Config) (*Notifier, error) {
	if cfg.Homeserver == "" {
		return nil, nil
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	return &Notifier{
		client: client,
		room:   id.RoomID(cfg.OpsRoom),
	}, nil
}

// ApprovalRequested announces a tool execution waiting for review.
func (n *Notifier) ApprovalRequested(ctx context.Context, sess *store.Session, exec *store.Execution) {
	if n == nil {
		return
	}
	deadline := "unset"
	if exec.ExpiresAt.Valid {
		deadline = exec.ExpiresAt.Time.Format("2006-01-02 15:04 MST")
	}
	msg := fmt.Sprintf(
		"Approval needed: %s\nConversation: %s (category %s)\nInput: %s\nExecution: %s\nExpires: %s",
		exec.Tool, sess.ConversationID, sess.Category, exec.InputJSON, exec.ID, deadline,
	)
	n.send(ctx, msg)
}

// DispatchFailed announces a session whose decision could not be delivered.
func (n *Notifier) DispatchFailed(ctx context.Context, sess *store.Session, decision *store.Decision, err error) {
	if n == nil {
		return
	}
	msg := fmt.Sprintf(
		"Dispatch FAILED for conversation %s (outcome %s): %v\nThe session is marked dispatch_failed and needs manual follow-up.",
		sess.ConversationID, decision.Outcome, err,
	)
	n.send(ctx, msg)
}

// send posts a notice, so alerts don't ping like chat messages.
func (n *Notifier) send(ctx context.Context, message string) {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	if _, err := n.client.SendMessageEvent(ctx, n.room, event.EventMessage, &content); err != nil {
		slog.Warn("notify: failed to post to ops room", "err", err)
	}
}
