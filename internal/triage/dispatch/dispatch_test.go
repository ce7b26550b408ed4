package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/avoline/triage/common/retry"
	"github.com/avoline/triage/internal/triage/store"
)

// fakeChannel records helpdesk writes and can be told to fail.
type fakeChannel struct {
	mu      sync.Mutex
	replies []string
	notes   []string
	status  []string
	labels  [][]string
	fail    bool
}

func (f *fakeChannel) SendPublicReply(_ context.Context, _, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("helpdesk down")
	}
	f.replies = append(f.replies, body)
	return nil
}

func (f *fakeChannel) CreatePrivateNote(_ context.Context, _, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("helpdesk down")
	}
	f.notes = append(f.notes, body)
	return nil
}

func (f *fakeChannel) SetStatus(_ context.Context, _, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = append(f.status, status)
	return nil
}

func (f *fakeChannel) AddLabels(_ context.Context, _ string, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels = append(f.labels, labels)
	return nil
}

type recordingAlerter struct {
	failures int
}

func (a *recordingAlerter) DispatchFailed(context.Context, *store.Session, *store.Decision, error) {
	a.failures++
}

func newDecidedSession(t *testing.T, st *store.Store, outcome string) *store.Session {
	t.Helper()
	ctx := context.Background()

	sess, _, err := st.GetOrCreateSession(ctx, "conv-42", "amy@example.com", "t_1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if _, err := st.AppendMessage(ctx, sess.ID, store.RoleCustomer, "where is my order?", "msg-1"); err != nil {
		t.Fatalf("message: %v", err)
	}
	cycle, err := st.BumpCycle(ctx, sess.ID)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if err := st.SetClassification(ctx, sess.ID, "tracking", 0.9); err != nil {
		t.Fatalf("classify: %v", err)
	}
	if err := st.RecordDecision(ctx, &store.Decision{
		SessionID: sess.ID, Cycle: cycle, Outcome: outcome,
		Reason: "test reason", ReplyBody: "your box ships friday",
	}); err != nil {
		t.Fatalf("decision: %v", err)
	}
	if err := st.TransitionSession(ctx, sess.ID, store.StateClassified, store.StateDecided); err != nil {
		t.Fatalf("to decided: %v", err)
	}

	got, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	return got
}

func newTestDispatcher(t *testing.T, ch Channel, alerter Alerter) (*Dispatcher, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "triage.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	d := New(Config{
		Store:   st,
		Channel: ch,
		Alerter: alerter,
		Retry:   retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	return d, st
}

func TestDispatch_Send(t *testing.T) {
	ch := &fakeChannel{}
	d, st := newTestDispatcher(t, ch, nil)
	sess := newDecidedSession(t, st, store.OutcomeSend)
	ctx := context.Background()

	if err := d.Dispatch(ctx, sess.ID); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(ch.replies) != 1 || ch.replies[0] != "your box ships friday" {
		t.Errorf("replies = %v", ch.replies)
	}
	if len(ch.notes) != 0 {
		t.Errorf("send outcome wrote notes: %v", ch.notes)
	}

	got, _ := st.GetSession(ctx, sess.ID)
	if got.State != store.StateDispatched {
		t.Errorf("state = %q, want dispatched", got.State)
	}
}

func TestDispatch_DraftWritesNoteStatusLabels(t *testing.T) {
	ch := &fakeChannel{}
	d, st := newTestDispatcher(t, ch, nil)
	sess := newDecidedSession(t, st, store.OutcomeDraft)

	if err := d.Dispatch(context.Background(), sess.ID); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(ch.replies) != 0 {
		t.Error("draft outcome sent a public reply")
	}
	if len(ch.notes) != 1 || !strings.Contains(ch.notes[0], "your box ships friday") {
		t.Errorf("notes = %v", ch.notes)
	}
	if len(ch.status) != 1 || ch.status[0] != statusOpen {
		t.Errorf("status = %v", ch.status)
	}
	if len(ch.labels) != 1 || ch.labels[0][0] != "ai_draft" || ch.labels[0][1] != "tracking" {
		t.Errorf("labels = %v", ch.labels)
	}
}

func TestDispatch_EscalateLabels(t *testing.T) {
	ch := &fakeChannel{}
	d, st := newTestDispatcher(t, ch, nil)
	sess := newDecidedSession(t, st, store.OutcomeEscalate)

	if err := d.Dispatch(context.Background(), sess.ID); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(ch.notes) != 1 || !strings.Contains(ch.notes[0], "test reason") {
		t.Errorf("notes = %v", ch.notes)
	}
	want := []string{"ai_escalation", "tracking", "high_priority"}
	if len(ch.labels) != 1 {
		t.Fatalf("labels = %v", ch.labels)
	}
	for i, l := range want {
		if ch.labels[0][i] != l {
			t.Errorf("labels = %v, want %v", ch.labels[0], want)
			break
		}
	}
}

func TestDispatch_Idempotent(t *testing.T) {
	ch := &fakeChannel{}
	d, st := newTestDispatcher(t, ch, nil)
	sess := newDecidedSession(t, st, store.OutcomeSend)
	ctx := context.Background()

	if err := d.Dispatch(ctx, sess.ID); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if err := d.Dispatch(ctx, sess.ID); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}

	if len(ch.replies) != 1 {
		t.Errorf("reply sent %d times, want exactly once", len(ch.replies))
	}
}

func TestDispatch_FailureMarksSessionAndAlerts(t *testing.T) {
	ch := &fakeChannel{fail: true}
	alerter := &recordingAlerter{}
	d, st := newTestDispatcher(t, ch, alerter)
	sess := newDecidedSession(t, st, store.OutcomeSend)
	ctx := context.Background()

	if err := d.Dispatch(ctx, sess.ID); err == nil {
		t.Fatal("expected dispatch error")
	}

	got, _ := st.GetSession(ctx, sess.ID)
	if got.State != store.StateDispatchFailed {
		t.Errorf("state = %q, want dispatch_failed", got.State)
	}
	if alerter.failures != 1 {
		t.Errorf("alerter called %d times, want 1", alerter.failures)
	}
}

func TestRecover_RedrivesInterruptedDispatch(t *testing.T) {
	ch := &fakeChannel{}
	d, st := newTestDispatcher(t, ch, nil)
	sess := newDecidedSession(t, st, store.OutcomeSend)
	ctx := context.Background()

	// Simulate a crash mid-dispatch: claimed but never finished.
	if err := st.ClaimDispatch(ctx, sess.ID, "dead-token"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := d.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, _ := st.GetSession(ctx, sess.ID)
	if got.State != store.StateDispatched {
		t.Errorf("state = %q, want dispatched after recovery", got.State)
	}
	if len(ch.replies) != 1 {
		t.Errorf("reply sent %d times, want 1", len(ch.replies))
	}
}
