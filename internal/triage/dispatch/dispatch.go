// Package dispatch applies a recorded decision to the helpdesk exactly once:
// send publishes the reply, draft and escalate leave a private note and
// reopen the conversation for a human.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avoline/triage/common/retry"
	"github.com/avoline/triage/common/trace"
	"github.com/avoline/triage/internal/triage/export"
	"github.com/avoline/triage/internal/triage/store"
)

// Channel is the outbound helpdesk surface the dispatcher writes through.
type Channel interface {
	SendPublicReply(ctx context.Context, conversationID, body string) error
	CreatePrivateNote(ctx context.Context, conversationID, body string) error
	SetStatus(ctx context.Context, conversationID, status string) error
	AddLabels(ctx context.Context, conversationID string, labels []string) error
}

// Alerter is notified when a dispatch exhausts its retries. Implementations
// must not block for long.
type Alerter interface {
	DispatchFailed(ctx context.Context, sess *store.Session, decision *store.Decision, err error)
}

type nopAlerter struct{}

func (nopAlerter) DispatchFailed(context.Context, *store.Session, *store.Decision, error) {}

// statusOpen mirrors the helpdesk's open conversation status.
const statusOpen = "open"

// Dispatcher performs decision side effects. The single-winner dispatch
// claim in the store makes Dispatch safe to call repeatedly and from
// concurrent workers.
type Dispatcher struct {
	store    *store.Store
	channel  Channel
	exporter *export.Producer
	alerter  Alerter
	retry    retry.Config
}

// Config wires a Dispatcher. Exporter and Alerter are optional.
type Config struct {
	Store    *store.Store
	Channel  Channel
	Exporter *export.Producer
	Alerter  Alerter
	Retry    retry.Config
}

// New returns a Dispatcher.
func New(cfg Config) *Dispatcher {
	a := cfg.Alerter
	if a == nil {
		a = nopAlerter{}
	}
	r := cfg.Retry
	if r.MaxAttempts == 0 {
		r = retry.DefaultConfig
	}
	return &Dispatcher{
		store:    cfg.Store,
		channel:  cfg.Channel,
		exporter: cfg.Exporter,
		alerter:  a,
		retry:    r,
	}
}

// Dispatch applies the session's latest decision to the helpdesk. Calling it
// on an already-dispatched session is a no-op; losing the claim race to
// another worker is also a no-op. Side effects happen at most once per
// decision.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string) error {
	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State == store.StateDispatched {
		return nil
	}
	if sess.State != store.StateDecided {
		return fmt.Errorf("session %s is %s, not decided: %w", sessionID, sess.State, store.ErrConflict)
	}

	decision, err := d.store.GetDecision(ctx, sessionID, sess.Cycle)
	if err != nil {
		return fmt.Errorf("load decision for session %s cycle %d: %w", sessionID, sess.Cycle, err)
	}

	token := uuid.NewString()
	if err := d.store.ClaimDispatch(ctx, sessionID, token); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another worker holds the claim, or it already went out.
			return nil
		}
		return err
	}

	if sess.TraceID != "" {
		ctx = trace.WithTraceID(ctx, sess.TraceID)
	}

	deliverErr := retry.Do(ctx, d.retry, func() error {
		return d.deliver(ctx, sess, decision)
	})

	if deliverErr != nil {
		if err := d.store.TransitionSession(ctx, sessionID, store.StateDispatching, store.StateDispatchFailed); err != nil {
			slog.Error("failed to mark dispatch_failed", "session", sessionID, "err", err)
		}
		d.audit(ctx, sess, "dispatch", "error", deliverErr.Error())
		d.alerter.DispatchFailed(ctx, sess, decision, deliverErr)
		return fmt.Errorf("dispatch session %s: %w", sessionID, deliverErr)
	}

	if err := d.store.TransitionSession(ctx, sessionID, store.StateDispatching, store.StateDispatched); err != nil {
		return err
	}
	d.audit(ctx, sess, "dispatch", "ok", "")
	d.export(ctx, sess, decision)

	slog.Info("decision dispatched",
		"session", sessionID, "conversation", sess.ConversationID,
		"outcome", decision.Outcome, "token", token)
	return nil
}

// Recover re-drives sessions a crashed process left behind: decided sessions
// that never dispatched, and dispatching sessions whose claim holder died.
// Called once at startup, before workers accept new cycles.
func (d *Dispatcher) Recover(ctx context.Context) error {
	stuck, err := d.store.ListSessionsByState(ctx, store.StateDispatching)
	if err != nil {
		return err
	}
	for _, sess := range stuck {
		if err := d.store.TransitionSession(ctx, sess.ID, store.StateDispatching, store.StateDecided); err != nil {
			return err
		}
		slog.Warn("recovered interrupted dispatch", "session", sess.ID)
	}

	decided, err := d.store.ListSessionsByState(ctx, store.StateDecided)
	if err != nil {
		return err
	}
	for _, sess := range decided {
		if err := d.Dispatch(ctx, sess.ID); err != nil {
			slog.Error("recovery dispatch failed", "session", sess.ID, "err", err)
		}
	}
	return nil
}

// deliver performs the per-outcome helpdesk writes.
func (d *Dispatcher) deliver(ctx context.Context, sess *store.Session, decision *store.Decision) error {
	conv := sess.ConversationID

	switch decision.Outcome {
	case store.OutcomeSend:
		return d.channel.SendPublicReply(ctx, conv, decision.ReplyBody)

	case store.OutcomeDraft:
		note := fmt.Sprintf("Suggested reply (needs review):\n\n%s\n\n--\nReason: %s", decision.ReplyBody, decision.Reason)
		if err := d.channel.CreatePrivateNote(ctx, conv, note); err != nil {
			return err
		}
		if err := d.channel.SetStatus(ctx, conv, statusOpen); err != nil {
			return err
		}
		return d.channel.AddLabels(ctx, conv, []string{"ai_draft", sess.Category})

	case store.OutcomeEscalate:
		note := fmt.Sprintf("Escalated to a human agent.\nReason: %s\n\nSuggested reply for reference:\n\n%s", decision.Reason, decision.ReplyBody)
		if err := d.channel.CreatePrivateNote(ctx, conv, note); err != nil {
			return err
		}
		if err := d.channel.SetStatus(ctx, conv, statusOpen); err != nil {
			return err
		}
		return d.channel.AddLabels(ctx, conv, []string{"ai_escalation", sess.Category, "high_priority"})

	default:
		return fmt.Errorf("unknown decision outcome %q", decision.Outcome)
	}
}

func (d *Dispatcher) audit(ctx context.Context, sess *store.Session, action, result, errMsg string) {
	payload := store.AuditPayload{"conversation": sess.ConversationID, "cycle": sess.Cycle}
	if err := d.store.WriteAudit(ctx, trace.FromContext(ctx), "dispatcher", action, sess.ID, result, payload, errMsg); err != nil {
		slog.Warn("failed to write audit entry", "action", action, "err", err)
	}
}

// export publishes the finished session trace. Best-effort.
func (d *Dispatcher) export(ctx context.Context, sess *store.Session, decision *store.Decision) {
	if d.exporter == nil {
		return
	}
	var toolsUsed []string
	if execs, err := d.store.ListExecutionsForSession(ctx, sess.ID); err == nil {
		for _, e := range execs {
			toolsUsed = append(toolsUsed, e.Tool)
		}
	}
	d.exporter.Export(ctx, &export.SessionTrace{
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID,
		TraceID:        sess.TraceID,
		Category:       sess.Category,
		Confidence:     sess.Confidence,
		Cycle:          decision.Cycle,
		Outcome:        decision.Outcome,
		Reason:         decision.Reason,
		State:          store.StateDispatched,
		ToolsUsed:      toolsUsed,
		CostUSD:        decision.CostUSD,
		CompletedAt:    time.Now(),
	})
}
