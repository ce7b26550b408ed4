package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/avoline/triage/common/spec/toolset"
	"github.com/avoline/triage/internal/triage/classify"
	"github.com/avoline/triage/internal/triage/respond"
	"github.com/avoline/triage/internal/triage/store"
	"github.com/avoline/triage/internal/triage/tools"
)

const engineToolsetDoc = `
apiVersion: toolset/v1
metadata:
  name: engine-test
tools:
  - name: track_package
    readOnly: true
  - name: pause_subscription
    requiresApproval: true
plans:
  - category: tracking
    tools: [track_package]
    autoSend: true
    labels: [tracking]
  - category: retention
    tools: [pause_subscription]
    labels: [retention]
  - category: gratitude
    autoSend: true
`

// fixedProvider returns the same verdict for every message.
type fixedProvider struct {
	category   string
	confidence float64
	cost       float64
}

func (p fixedProvider) Classify(context.Context, classify.Request) (*classify.Result, error) {
	return &classify.Result{Category: p.category, Confidence: p.confidence, CostUSD: p.cost}, nil
}

// cannedResponder always drafts the same reply body.
type cannedResponder struct {
	body string
	cost float64
}

func (r cannedResponder) Draft(context.Context, respond.Request) (*respond.Reply, error) {
	return &respond.Reply{Body: r.body, Model: "canned", CostUSD: r.cost}, nil
}

// hookedResponder records every transcript it is asked to draft from and
// runs a hook before each draft, which lets a test interleave store writes
// with a running cycle.
type hookedResponder struct {
	inner       respond.Responder
	transcripts [][]respond.Turn
	hook        func(call int)
}

func (r *hookedResponder) Draft(ctx context.Context, req respond.Request) (*respond.Reply, error) {
	r.transcripts = append(r.transcripts, req.Transcript)
	if r.hook != nil {
		r.hook(len(r.transcripts))
	}
	return r.inner.Draft(ctx, req)
}

type recordingNotifier struct {
	mu       sync.Mutex
	requests []string
}

func (n *recordingNotifier) ApprovalRequested(_ context.Context, _ *store.Session, exec *store.Execution) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, exec.Tool)
}

type fixture struct {
	engine   *Engine
	store    *store.Store
	notifier *recordingNotifier
	executor *tools.Executor

	trackCalls *int
	pauseCalls *int
}

func newFixture(t *testing.T, provider classify.Provider) *fixture {
	t.Helper()
	return newFixtureWith(t, provider, respond.NewTemplateResponder())
}

func newFixtureWith(t *testing.T, provider classify.Provider, responder respond.Responder) *fixture {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "triage.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg, err := toolset.Parse([]byte(engineToolsetDoc), classify.CategoryNames())
	if err != nil {
		t.Fatalf("toolset: %v", err)
	}

	trackCalls, pauseCalls := 0, 0
	reg, err := tools.NewRegistry(cfg, map[string]tools.Handler{
		"track_package": func(context.Context, json.RawMessage) (json.RawMessage, error) {
			trackCalls++
			return json.RawMessage(`{"carrier_status":"in transit"}`), nil
		},
		"pause_subscription": func(context.Context, json.RawMessage) (json.RawMessage, error) {
			pauseCalls++
			return json.RawMessage(`{"paused":true}`), nil
		},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	executor := tools.NewExecutor(st, reg, time.Hour)
	notifier := &recordingNotifier{}

	eng := New(Config{
		Store:      st,
		Classifier: classify.NewClassifier(provider),
		Executor:   executor,
		Responder:  responder,
		Notifier:   notifier,
	})

	return &fixture{
		engine: eng, store: st, notifier: notifier, executor: executor,
		trackCalls: &trackCalls, pauseCalls: &pauseCalls,
	}
}

func (f *fixture) newSession(t *testing.T, body string) *store.Session {
	t.Helper()
	ctx := context.Background()
	sess, _, err := f.store.GetOrCreateSession(ctx, "conv-1", "amy@example.com", "t_test")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if _, err := f.store.AppendMessage(ctx, sess.ID, store.RoleCustomer, body, "msg-1"); err != nil {
		t.Fatalf("message: %v", err)
	}
	return sess
}

func TestRunCycle_AutoSend(t *testing.T) {
	f := newFixture(t, fixedProvider{category: "tracking", confidence: 0.9})
	sess := f.newSession(t, "Where is my order?")
	ctx := context.Background()

	decision, err := f.engine.RunCycle(ctx, sess.ID)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if decision.Outcome != store.OutcomeSend {
		t.Errorf("outcome = %q, want send (reason: %s)", decision.Outcome, decision.Reason)
	}
	if *f.trackCalls != 1 {
		t.Errorf("track_package called %d times, want 1", *f.trackCalls)
	}
	if !strings.Contains(decision.ReplyBody, "in transit") {
		t.Errorf("tool output missing from reply: %q", decision.ReplyBody)
	}

	got, _ := f.store.GetSession(ctx, sess.ID)
	if got.State != store.StateDecided {
		t.Errorf("state = %q, want decided", got.State)
	}

	// The drafted reply lands in the transcript.
	msgs, _ := f.store.GetMessages(ctx, sess.ID)
	last := msgs[len(msgs)-1]
	if last.Role != store.RoleAssistant {
		t.Errorf("last message role = %q, want assistant", last.Role)
	}
}

func TestRunCycle_MidConfidenceDrafts(t *testing.T) {
	f := newFixture(t, fixedProvider{category: "tracking", confidence: 0.6})
	sess := f.newSession(t, "Where is my order?")

	decision, err := f.engine.RunCycle(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if decision.Outcome != store.OutcomeDraft {
		t.Errorf("outcome = %q, want draft", decision.Outcome)
	}
	if !strings.Contains(decision.Reason, "below auto-send threshold") {
		t.Errorf("reason = %q", decision.Reason)
	}
}

func TestRunCycle_SafetySignalEscalates(t *testing.T) {
	f := newFixture(t, fixedProvider{category: "tracking", confidence: 0.95})
	sess := f.newSession(t, "Where is my order? Fix this or I will sue you.")

	decision, err := f.engine.RunCycle(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if decision.Outcome != store.OutcomeEscalate {
		t.Errorf("outcome = %q, want escalate", decision.Outcome)
	}
	if !strings.Contains(decision.Reason, "legal") {
		t.Errorf("reason = %q, want legal signal named", decision.Reason)
	}
	// The read-only lookup still ran for agent context.
	if *f.trackCalls != 1 {
		t.Errorf("track_package called %d times, want 1", *f.trackCalls)
	}
}

func TestRunCycle_ParkAndApprove(t *testing.T) {
	f := newFixture(t, fixedProvider{category: "retention", confidence: 0.9})
	sess := f.newSession(t, "I want to cancel my subscription.")
	ctx := context.Background()

	_, err := f.engine.RunCycle(ctx, sess.ID)
	if !errors.Is(err, ErrParked) {
		t.Fatalf("expected ErrParked, got %v", err)
	}
	if *f.pauseCalls != 0 {
		t.Fatal("gated tool ran before approval")
	}

	got, _ := f.store.GetSession(ctx, sess.ID)
	if got.State != store.StateToolPending {
		t.Fatalf("state = %q, want tool_pending", got.State)
	}
	if len(f.notifier.requests) != 1 || f.notifier.requests[0] != "pause_subscription" {
		t.Errorf("notifier requests = %v", f.notifier.requests)
	}

	// Approve and resume.
	pending, _ := f.store.ListPendingExecutions(ctx)
	if len(pending) != 1 {
		t.Fatalf("got %d pending executions", len(pending))
	}
	if _, err := f.executor.ResolveApproval(ctx, pending[0].ID, store.ExecApproved, "@reviewer", "ok"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if *f.pauseCalls != 1 {
		t.Fatalf("tool did not run on approval")
	}

	decision, err := f.engine.Resume(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if decision == nil {
		t.Fatal("Resume returned no decision")
	}
	// Retention is not an auto-send category.
	if decision.Outcome != store.OutcomeDraft {
		t.Errorf("outcome = %q, want draft", decision.Outcome)
	}
	// The approved execution's result was reused, not re-run.
	if *f.pauseCalls != 1 {
		t.Errorf("pause_subscription called %d times, want 1", *f.pauseCalls)
	}
}

func TestRunCycle_RejectionEscalates(t *testing.T) {
	f := newFixture(t, fixedProvider{category: "retention", confidence: 0.9})
	sess := f.newSession(t, "I want to cancel.")
	ctx := context.Background()

	_, err := f.engine.RunCycle(ctx, sess.ID)
	if !errors.Is(err, ErrParked) {
		t.Fatalf("expected ErrParked, got %v", err)
	}

	pending, _ := f.store.ListPendingExecutions(ctx)
	if _, err := f.executor.ResolveApproval(ctx, pending[0].ID, store.ExecRejected, "@reviewer", "no"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	decision, err := f.engine.Resume(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if decision.Outcome != store.OutcomeEscalate {
		t.Errorf("outcome = %q, want escalate", decision.Outcome)
	}
	if !strings.Contains(decision.Reason, "approval rejected") {
		t.Errorf("reason = %q", decision.Reason)
	}
	if *f.pauseCalls != 0 {
		t.Error("rejected tool must never run")
	}
}

func TestRunCycle_GratitudeSendsWithoutTools(t *testing.T) {
	f := newFixture(t, fixedProvider{category: "gratitude", confidence: 0.9})
	sess := f.newSession(t, "Thank you, I love it!")

	decision, err := f.engine.RunCycle(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if decision.Outcome != store.OutcomeSend {
		t.Errorf("outcome = %q, want send", decision.Outcome)
	}
	if *f.trackCalls+*f.pauseCalls != 0 {
		t.Error("no tools should run for gratitude")
	}
}

func TestRunCycle_UncategorizedDrafts(t *testing.T) {
	f := newFixture(t, fixedProvider{category: "general", confidence: 0.2})
	sess := f.newSession(t, "hm.")

	decision, err := f.engine.RunCycle(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if decision.Outcome != store.OutcomeDraft {
		t.Errorf("outcome = %q, want draft", decision.Outcome)
	}
	if !strings.Contains(decision.Reason, "inconclusive") {
		t.Errorf("reason = %q", decision.Reason)
	}
}

func TestRunCycle_NewMessageReopensDispatchedSession(t *testing.T) {
	f := newFixture(t, fixedProvider{category: "tracking", confidence: 0.9})
	sess := f.newSession(t, "Where is my order?")
	ctx := context.Background()

	if _, err := f.engine.RunCycle(ctx, sess.ID); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	// The first decision goes out.
	if err := f.store.ClaimDispatch(ctx, sess.ID, "tok"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := f.store.TransitionSession(ctx, sess.ID, store.StateDispatching, store.StateDispatched); err != nil {
		t.Fatalf("to dispatched: %v", err)
	}

	// The customer writes back.
	if _, err := f.store.AppendMessage(ctx, sess.ID, store.RoleCustomer, "It still has not arrived.", "msg-2"); err != nil {
		t.Fatalf("append: %v", err)
	}

	decision, err := f.engine.RunCycle(ctx, sess.ID)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if decision.Cycle != 2 {
		t.Errorf("cycle = %d, want 2", decision.Cycle)
	}

	got, _ := f.store.GetSession(ctx, sess.ID)
	if got.State != store.StateDecided {
		t.Errorf("state = %q, want decided", got.State)
	}
	decisions, _ := f.store.ListDecisions(ctx, sess.ID)
	if len(decisions) != 2 {
		t.Errorf("recorded decisions = %d, want 2", len(decisions))
	}
}

func TestRunCycle_RefusesInFlightDispatch(t *testing.T) {
	f := newFixture(t, fixedProvider{category: "tracking", confidence: 0.9})
	sess := f.newSession(t, "Where is my order?")
	ctx := context.Background()

	if _, err := f.engine.RunCycle(ctx, sess.ID); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if err := f.store.ClaimDispatch(ctx, sess.ID, "tok"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	_, err := f.engine.RunCycle(ctx, sess.ID)
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict while dispatching, got %v", err)
	}
}

func TestRunCycle_UnsafeReplyHeldForReview(t *testing.T) {
	f := newFixtureWith(t, fixedProvider{category: "gratitude", confidence: 0.9},
		cannedResponder{body: "Good news, we have canceled your subscription effective today."})
	sess := f.newSession(t, "Thanks for the quick help!")

	decision, err := f.engine.RunCycle(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if decision.Outcome != store.OutcomeDraft {
		t.Errorf("outcome = %q, want draft (reason: %s)", decision.Outcome, decision.Reason)
	}
	if !strings.Contains(decision.Reason, "confirmed_cancellation") {
		t.Errorf("reason = %q, want violation named", decision.Reason)
	}
}

func TestRunCycle_RepeatedDamageEscalates(t *testing.T) {
	f := newFixture(t, fixedProvider{category: "tracking", confidence: 0.95})
	sess := f.newSession(t, "My box arrived damaged last month.")
	ctx := context.Background()
	if _, err := f.store.AppendMessage(ctx, sess.ID, store.RoleCustomer, "And this month's jars are broken again.", "msg-2"); err != nil {
		t.Fatalf("append: %v", err)
	}

	decision, err := f.engine.RunCycle(ctx, sess.ID)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if decision.Outcome != store.OutcomeEscalate {
		t.Errorf("outcome = %q, want escalate", decision.Outcome)
	}
	if !strings.Contains(decision.Reason, "repeated_damage") {
		t.Errorf("reason = %q, want repeated_damage named", decision.Reason)
	}
}

func TestRunCycle_LateMessageRestartsCycle(t *testing.T) {
	responder := &hookedResponder{inner: respond.NewTemplateResponder()}
	f := newFixtureWith(t, fixedProvider{category: "tracking", confidence: 0.9}, responder)
	sess := f.newSession(t, "Where is my order?")
	ctx := context.Background()

	// The customer writes again while the first pass is drafting.
	responder.hook = func(call int) {
		if call == 1 {
			if _, err := f.store.AppendMessage(ctx, sess.ID, store.RoleCustomer, "Never mind, it just showed up.", "msg-2"); err != nil {
				t.Errorf("append: %v", err)
			}
		}
	}

	decision, err := f.engine.RunCycle(ctx, sess.ID)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(responder.transcripts) != 2 {
		t.Fatalf("drafted %d times, want 2", len(responder.transcripts))
	}
	if decision.Cycle != 2 {
		t.Errorf("cycle = %d, want 2", decision.Cycle)
	}

	// The decision that stuck was built from the full transcript.
	found := false
	for _, turn := range responder.transcripts[1] {
		if turn.Body == "Never mind, it just showed up." {
			found = true
		}
	}
	if !found {
		t.Error("late message missing from the deciding transcript")
	}
	decisions, _ := f.store.ListDecisions(ctx, sess.ID)
	if len(decisions) != 1 {
		t.Errorf("recorded decisions = %d, want 1", len(decisions))
	}
}

func TestRunCycle_CostCoversClassifierAndResponder(t *testing.T) {
	f := newFixtureWith(t, fixedProvider{category: "gratitude", confidence: 0.9, cost: 0.25},
		cannedResponder{body: "Thanks so much for the kind words!", cost: 0.5})
	sess := f.newSession(t, "Thank you, I love it!")

	decision, err := f.engine.RunCycle(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if decision.CostUSD != 0.75 {
		t.Errorf("cost = %v, want 0.75", decision.CostUSD)
	}
}

func TestRunCycle_ToolFailureDrafts(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "triage.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg, err := toolset.Parse([]byte(engineToolsetDoc), classify.CategoryNames())
	if err != nil {
		t.Fatalf("toolset: %v", err)
	}
	reg, err := tools.NewRegistry(cfg, map[string]tools.Handler{
		"track_package": func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("carrier API down")
		},
		"pause_subscription": func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	eng := New(Config{
		Store:      st,
		Classifier: classify.NewClassifier(fixedProvider{category: "tracking", confidence: 0.95}),
		Executor:   tools.NewExecutor(st, reg, time.Hour),
		Responder:  respond.NewTemplateResponder(),
	})

	ctx := context.Background()
	sess, _, _ := st.GetOrCreateSession(ctx, "conv-1", "amy@example.com", "t_1")
	st.AppendMessage(ctx, sess.ID, store.RoleCustomer, "Where is my order?", "msg-1")

	decision, err := eng.RunCycle(ctx, sess.ID)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if decision.Outcome != store.OutcomeDraft {
		t.Errorf("outcome = %q, want draft on tool failure", decision.Outcome)
	}
	if !strings.Contains(decision.Reason, "track_package") {
		t.Errorf("reason = %q, want failed tool named", decision.Reason)
	}
}
