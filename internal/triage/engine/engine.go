// Package engine runs triage cycles: classify the conversation, execute the
// category's tool plan, and produce a send/draft/escalate decision.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/avoline/triage/common/trace"
	"github.com/avoline/triage/internal/triage/classify"
	"github.com/avoline/triage/internal/triage/respond"
	"github.com/avoline/triage/internal/triage/store"
	"github.com/avoline/triage/internal/triage/tools"
)

// ErrParked is returned by RunCycle when the session is waiting on a human
// approval. No decision was recorded; the session will be resumed when the
// approval is resolved or expires.
var ErrParked = errors.New("session parked awaiting approval")

// maxStaleRetries bounds how many times one RunCycle call restarts after
// detecting a customer message that arrived mid-cycle.
const maxStaleRetries = 3

// Notifier receives operator-facing events. Implementations must tolerate
// being called concurrently and should never block the cycle for long.
type Notifier interface {
	ApprovalRequested(ctx context.Context, sess *store.Session, exec *store.Execution)
}

// nopNotifier is used when no operator channel is configured.
type nopNotifier struct{}

func (nopNotifier) ApprovalRequested(context.Context, *store.Session, *store.Execution) {}

// Config wires an Engine.
type Config struct {
	Store      *store.Store
	Classifier *classify.Classifier
	Executor   *tools.Executor
	Responder  respond.Responder
	Notifier   Notifier
}

// Engine drives triage cycles for sessions. Callers must serialize cycles
// per session; the app layer holds a per-session lock around RunCycle.
type Engine struct {
	store      *store.Store
	classifier *classify.Classifier
	executor   *tools.Executor
	responder  respond.Responder
	notifier   Notifier
}

// New returns an Engine.
func New(cfg Config) *Engine {
	n := cfg.Notifier
	if n == nil {
		n = nopNotifier{}
	}
	return &Engine{
		store:      cfg.Store,
		classifier: cfg.Classifier,
		executor:   cfg.Executor,
		responder:  cfg.Responder,
		notifier:   n,
	}
}

// RunCycle executes one triage cycle for a session and records the decision.
// It restarts internally when a new customer message lands mid-cycle, so the
// recorded decision always reflects the full transcript at decision time.
func (e *Engine) RunCycle(ctx context.Context, sessionID string) (*store.Decision, error) {
	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		decision, err := e.runOnce(ctx, sessionID)
		if errors.Is(err, errStaleCycle) {
			slog.Info("cycle went stale, restarting", "session", sessionID, "attempt", attempt+1)
			continue
		}
		return decision, err
	}
	return nil, fmt.Errorf("session %s: cycle restarted %d times without settling", sessionID, maxStaleRetries)
}

// Resume re-runs triage for a session parked on an approval that has since
// been resolved or expired.
func (e *Engine) Resume(ctx context.Context, sessionID string) (*store.Decision, error) {
	if err := e.store.TransitionSession(ctx, sessionID, store.StateToolPending, store.StateClassified); err != nil {
		// Not parked (already resumed elsewhere, or moved on). Nothing to do.
		if errors.Is(err, store.ErrConflict) {
			return nil, nil
		}
		return nil, err
	}
	return e.RunCycle(ctx, sessionID)
}

// errStaleCycle signals that a newer customer message arrived mid-cycle.
var errStaleCycle = errors.New("stale cycle")

func (e *Engine) runOnce(ctx context.Context, sessionID string) (*store.Decision, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch sess.State {
	case store.StateDispatching:
		// A delivery is in flight; a cycle now would double-decide.
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.State, store.ErrConflict)
	case store.StateDispatched:
		// The last decision already went out, so running again means the
		// customer wrote back. Re-open the session for a fresh cycle.
		if err := e.store.TransitionSession(ctx, sessionID, store.StateDispatched, store.StateReceived); err != nil {
			return nil, err
		}
		e.audit(ctx, sess.TraceID, "reopen", sessionID, "ok", store.AuditPayload{"cycle": sess.Cycle})
		slog.Info("session reopened", "session", sessionID, "cycle", sess.Cycle)
	case store.StateToolPending:
		return nil, ErrParked
	}

	if sess.TraceID != "" {
		ctx = trace.WithTraceID(ctx, sess.TraceID)
	}
	traceID := trace.FromContext(ctx)

	cycle, err := e.store.BumpCycle(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	msgs, err := e.store.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	customer := customerMessages(msgs)
	if len(customer) == 0 {
		return nil, fmt.Errorf("session %s has no customer messages", sessionID)
	}
	latest := customer[len(customer)-1]
	highWater := latest.Seq

	// Safety screen covers the whole customer side of the transcript, not
	// just the newest message.
	var signals []classify.Signal
	bodies := make([]string, 0, len(customer))
	for _, m := range customer {
		signals = append(signals, classify.Scan(m.Body)...)
		bodies = append(bodies, m.Body)
	}
	signals = append(signals, classify.ScanTranscript(bodies)...)

	verdict := e.classifier.Classify(ctx, classify.Request{
		Message: latest.Body,
		History: bodiesExcept(customer, latest),
	})
	if err := e.store.SetClassification(ctx, sessionID, string(verdict.Category), verdict.Confidence); err != nil {
		return nil, err
	}
	e.audit(ctx, traceID, "classify", sessionID, "ok", store.AuditPayload{
		"category":   verdict.Category,
		"confidence": verdict.Confidence,
		"cycle":      cycle,
	})

	plan := e.plan(verdict.Category)

	// Run the tool plan unless the safety screen already forces escalation;
	// tools still run read-only lookups for escalations so the human agent
	// gets context, but gated writes are pointless when we know the outcome.
	outcome := outcomeState{}
	if len(signals) > 0 {
		outcome.signals = signals
	}
	results, parked, err := e.runPlan(ctx, sess, cycle, plan, latest.Body, &outcome)
	if err != nil {
		return nil, err
	}
	if parked != nil {
		if err := e.store.TransitionSession(ctx, sessionID, store.StateClassified, store.StateToolPending); err != nil {
			return nil, err
		}
		e.audit(ctx, traceID, "park", sessionID, "ok", store.AuditPayload{
			"tool": parked.Tool, "execution": parked.ID, "cycle": cycle,
		})
		e.notifier.ApprovalRequested(ctx, sess, parked)
		return nil, ErrParked
	}

	decided := e.decide(verdict, plan, &outcome)

	reply := e.draft(ctx, verdict.Category, msgs, results)
	if reply.failedOver && decided.Outcome == store.OutcomeSend {
		decided.Outcome = store.OutcomeDraft
		decided.Reason += "; responder unavailable"
	}

	// Reply-side gate: a drafted reply may never go out unattended when it
	// confirms an account action (cancellation, pause, refund) that the
	// engine cannot guarantee took effect.
	if violation, unsafe := classify.UnsafeReply(reply.body); unsafe && decided.Outcome == store.OutcomeSend {
		decided.Outcome = store.OutcomeDraft
		decided.Reason += "; reply held for review: " + violation
		e.audit(ctx, traceID, "reply_gate", sessionID, "held", store.AuditPayload{
			"violation": violation, "cycle": cycle,
		})
	}

	// Stale guard: if the customer wrote again while we were deciding, this
	// cycle's decision is built on an incomplete transcript. Throw it away.
	currentSeq, err := e.store.LatestCustomerSeq(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if currentSeq > highWater {
		return nil, errStaleCycle
	}

	decision := &store.Decision{
		SessionID:        sessionID,
		Cycle:            cycle,
		Outcome:          decided.Outcome,
		Reason:           decided.Reason,
		ReplyBody:        reply.body,
		Model:            reply.model,
		PromptTokens:     verdict.PromptTokens + reply.promptTokens,
		CompletionTokens: verdict.CompletionTokens + reply.completionTokens,
		CostUSD:          verdict.CostUSD + reply.costUSD,
	}
	if err := e.store.RecordDecision(ctx, decision); err != nil {
		return nil, err
	}
	if _, err := e.store.AppendMessage(ctx, sessionID, store.RoleAssistant, reply.body, ""); err != nil {
		return nil, err
	}
	if err := e.store.TransitionSession(ctx, sessionID, store.StateClassified, store.StateDecided); err != nil {
		return nil, err
	}

	e.audit(ctx, traceID, "decide", sessionID, "ok", store.AuditPayload{
		"outcome": decision.Outcome,
		"reason":  decision.Reason,
		"cycle":   cycle,
	})
	slog.Info("triage decision",
		"session", sessionID, "cycle", cycle,
		"category", verdict.Category, "outcome", decision.Outcome)

	return decision, nil
}

func (e *Engine) audit(ctx context.Context, traceID, action, target, result string, payload store.AuditPayload) {
	if err := e.store.WriteAudit(ctx, traceID, "engine", action, target, result, payload, ""); err != nil {
		slog.Warn("failed to write audit entry", "action", action, "err", err)
	}
}

func customerMessages(msgs []*store.Message) []*store.Message {
	var out []*store.Message
	for _, m := range msgs {
		if m.Role == store.RoleCustomer {
			out = append(out, m)
		}
	}
	return out
}

func bodiesExcept(msgs []*store.Message, skip *store.Message) []string {
	var out []string
	for _, m := range msgs {
		if m != skip {
			out = append(out, m.Body)
		}
	}
	return out
}

type draftedReply struct {
	body             string
	model            string
	promptTokens     int
	completionTokens int
	costUSD          float64
	failedOver       bool
}

// draft asks the responder for a reply body, falling back to the template
// responder when it fails. A triage cycle never errors out on drafting.
func (e *Engine) draft(ctx context.Context, category classify.Category, msgs []*store.Message, results []respond.ToolResult) draftedReply {
	req := respond.Request{Category: category, ToolResults: results}
	for _, m := range msgs {
		role := "customer"
		if m.Role == store.RoleAssistant {
			role = "assistant"
		}
		req.Transcript = append(req.Transcript, respond.Turn{Role: role, Body: m.Body})
	}

	reply, err := e.responder.Draft(ctx, req)
	if err != nil {
		slog.Warn("responder failed, using template fallback", "err", err)
		fallback, fbErr := respond.NewTemplateResponder().Draft(ctx, req)
		if fbErr != nil {
			// The template responder cannot fail, but stay safe.
			fallback = &respond.Reply{Body: "Thanks for reaching out. Our support team will get back to you shortly.", Model: "template"}
		}
		return draftedReply{body: fallback.Body, model: fallback.Model, failedOver: true}
	}
	return draftedReply{
		body:             reply.Body,
		model:            reply.Model,
		promptTokens:     reply.PromptTokens,
		completionTokens: reply.CompletionTokens,
		costUSD:          reply.CostUSD,
	}
}

// signalKinds renders a signal list for a decision reason.
func signalKinds(signals []classify.Signal) string {
	kinds := make([]string, 0, len(signals))
	seen := map[classify.SignalKind]bool{}
	for _, s := range signals {
		if !seen[s.Kind] {
			seen[s.Kind] = true
			kinds = append(kinds, string(s.Kind))
		}
	}
	return strings.Join(kinds, ", ")
}

// mustJSON encodes a tool input map; tool inputs are small and well-formed,
// so encoding cannot realistically fail.
func mustJSON(v map[string]any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
