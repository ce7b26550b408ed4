package tools

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/avoline/triage/common/spec/toolset"
	"github.com/avoline/triage/internal/triage/store"
)

const testToolsetDoc = `
apiVersion: toolset/v1
metadata:
  name: executor-test
tools:
  - name: lookup
    readOnly: true
    inputSchema:
      type: object
      required: [customer_email]
      properties:
        customer_email:
          type: string
  - name: mutate
    requiresApproval: true
plans:
  - category: tracking
    tools: [lookup]
    autoSend: true
`

func newTestExecutor(t *testing.T, handlers map[string]Handler) (*Executor, *store.Store, string) {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "triage.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg, err := toolset.Parse([]byte(testToolsetDoc), []string{"tracking"})
	if err != nil {
		t.Fatalf("toolset: %v", err)
	}
	reg, err := NewRegistry(cfg, handlers)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	sess, _, err := st.GetOrCreateSession(context.Background(), "conv-1", "amy@example.com", "t_1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	return NewExecutor(st, reg, time.Hour), st, sess.ID
}

func okHandler(out string) Handler {
	return func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(out), nil
	}
}

func TestNewRegistry_RejectsDrift(t *testing.T) {
	cfg, err := toolset.Parse([]byte(testToolsetDoc), []string{"tracking"})
	if err != nil {
		t.Fatalf("toolset: %v", err)
	}

	// Missing handler for a declared tool.
	if _, err := NewRegistry(cfg, map[string]Handler{"lookup": okHandler(`{}`)}); err == nil {
		t.Error("expected error for unbound tool")
	}

	// Handler for an undeclared tool.
	if _, err := NewRegistry(cfg, map[string]Handler{
		"lookup": okHandler(`{}`), "mutate": okHandler(`{}`), "ghost": okHandler(`{}`),
	}); err == nil {
		t.Error("expected error for undeclared handler")
	}
}

func TestInvoke_UngatedRunsImmediately(t *testing.T) {
	e, _, sessionID := newTestExecutor(t, map[string]Handler{
		"lookup": okHandler(`{"status":"active"}`),
		"mutate": okHandler(`{}`),
	})

	exec, err := e.Invoke(context.Background(), sessionID, 1, "lookup",
		json.RawMessage(`{"customer_email":"amy@example.com"}`), "engine")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if exec.Status != store.ExecSuccess {
		t.Errorf("status = %q, want success", exec.Status)
	}
	if exec.OutputJSON.String != `{"status":"active"}` {
		t.Errorf("output = %q", exec.OutputJSON.String)
	}
}

func TestInvoke_SchemaRejection(t *testing.T) {
	called := false
	e, _, sessionID := newTestExecutor(t, map[string]Handler{
		"lookup": func(context.Context, json.RawMessage) (json.RawMessage, error) {
			called = true
			return nil, nil
		},
		"mutate": okHandler(`{}`),
	})

	_, err := e.Invoke(context.Background(), sessionID, 1, "lookup", json.RawMessage(`{}`), "engine")
	if err == nil {
		t.Fatal("expected schema rejection")
	}
	if called {
		t.Error("handler ran on invalid input")
	}
}

func TestInvoke_GatedParksExecution(t *testing.T) {
	called := false
	e, st, sessionID := newTestExecutor(t, map[string]Handler{
		"lookup": okHandler(`{}`),
		"mutate": func(context.Context, json.RawMessage) (json.RawMessage, error) {
			called = true
			return json.RawMessage(`{"done":true}`), nil
		},
	})
	ctx := context.Background()

	exec, err := e.Invoke(ctx, sessionID, 1, "mutate", json.RawMessage(`{}`), "engine")
	if !errors.Is(err, ErrApprovalPending) {
		t.Fatalf("expected ErrApprovalPending, got %v", err)
	}
	if called {
		t.Fatal("gated handler ran before approval")
	}
	if exec.Status != store.ExecPending {
		t.Fatalf("status = %q, want pending", exec.Status)
	}

	// Approval runs the handler.
	final, err := e.ResolveApproval(ctx, exec.ID, store.ExecApproved, "@reviewer", "ok")
	if err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if !called {
		t.Error("handler did not run after approval")
	}
	if final.Status != store.ExecSuccess {
		t.Errorf("status = %q, want success", final.Status)
	}

	got, _ := st.GetExecution(ctx, exec.ID)
	if got.ResolvedBy.String != "@reviewer" {
		t.Errorf("resolved_by = %q", got.ResolvedBy.String)
	}
}

func TestResolveApproval_RejectionIsTerminal(t *testing.T) {
	called := false
	e, _, sessionID := newTestExecutor(t, map[string]Handler{
		"lookup": okHandler(`{}`),
		"mutate": func(context.Context, json.RawMessage) (json.RawMessage, error) {
			called = true
			return nil, nil
		},
	})
	ctx := context.Background()

	exec, err := e.Invoke(ctx, sessionID, 1, "mutate", json.RawMessage(`{}`), "engine")
	if !errors.Is(err, ErrApprovalPending) {
		t.Fatalf("expected ErrApprovalPending, got %v", err)
	}

	final, err := e.ResolveApproval(ctx, exec.ID, store.ExecRejected, "@reviewer", "not comfortable")
	if err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if called {
		t.Error("handler ran after rejection")
	}
	if final.Status != store.ExecRejected {
		t.Errorf("status = %q, want rejected", final.Status)
	}

	// A second resolution must conflict.
	_, err = e.ResolveApproval(ctx, exec.ID, store.ExecApproved, "@other", "")
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestInvoke_HandlerFailureRecorded(t *testing.T) {
	e, _, sessionID := newTestExecutor(t, map[string]Handler{
		"lookup": func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("upstream timeout")
		},
		"mutate": okHandler(`{}`),
	})

	exec, err := e.Invoke(context.Background(), sessionID, 1, "lookup",
		json.RawMessage(`{"customer_email":"amy@example.com"}`), "engine")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if exec.Status != store.ExecFailed {
		t.Errorf("status = %q, want failed", exec.Status)
	}
	if exec.FailureReason.String == "" {
		t.Error("failure reason not recorded")
	}
}

func TestLoadToolset_EmbeddedDefault(t *testing.T) {
	cfg, err := LoadToolset("")
	if err != nil {
		t.Fatalf("LoadToolset: %v", err)
	}
	for _, name := range []string{
		"get_subscription", "track_package", "get_payment_history",
		"pause_subscription", "skip_month", "change_frequency",
		"change_address", "create_damage_claim",
	} {
		if _, ok := cfg.Tool(name); !ok {
			t.Errorf("default toolset missing %q", name)
		}
	}
	plan, ok := cfg.Plan("tracking")
	if !ok || !plan.AutoSend {
		t.Error("tracking plan should exist and allow auto-send")
	}
	if plan, ok := cfg.Plan("retention"); !ok || plan.AutoSend {
		t.Error("retention plan must not allow auto-send")
	}
}
