package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avoline/triage/common/retry"
	"github.com/avoline/triage/internal/triage/store"
)

// ErrApprovalPending is returned by Invoke when the tool requires human
// approval. The execution has been recorded as pending; the caller should
// park the session and resume when the approval is resolved.
var ErrApprovalPending = errors.New("tool execution awaiting approval")

// DefaultApprovalTTL is how long a pending execution waits for a reviewer
// before it expires.
const DefaultApprovalTTL = 4 * time.Hour

// Executor runs tool calls against the registry, recording every execution
// in the store. Gated tools never run before an approved resolution; that
// ordering is enforced twice, here and by the store's guarded updates.
type Executor struct {
	store       *store.Store
	registry    *Registry
	approvalTTL time.Duration
	retry       retry.Config
}

// NewExecutor returns an Executor. A zero approvalTTL falls back to
// DefaultApprovalTTL.
func NewExecutor(st *store.Store, reg *Registry, approvalTTL time.Duration) *Executor {
	if approvalTTL <= 0 {
		approvalTTL = DefaultApprovalTTL
	}
	return &Executor{
		store:       st,
		registry:    reg,
		approvalTTL: approvalTTL,
		retry:       retry.DefaultConfig,
	}
}

// Registry returns the registry backing this executor.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Invoke validates and runs one tool call for a session cycle.
//
// For approval-gated tools the execution is recorded as pending and
// ErrApprovalPending is returned alongside it; nothing has run. For ungated
// tools the handler runs immediately (with retries on transient failure) and
// the returned execution carries the terminal status.
func (e *Executor) Invoke(ctx context.Context, sessionID string, cycle int, name string, input json.RawMessage, requestedBy string) (*store.Execution, error) {
	tool, handler, err := e.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	if err := tool.ValidateInput(input); err != nil {
		return nil, err
	}

	inputJSON := string(input)
	if inputJSON == "" {
		inputJSON = "{}"
	}

	exec, err := e.store.CreateExecution(ctx, sessionID, cycle, name, inputJSON, requestedBy, tool.RequiresApproval, e.approvalTTL)
	if err != nil {
		return nil, err
	}

	if tool.RequiresApproval {
		slog.Info("tool execution parked for approval",
			"session", sessionID, "tool", name, "execution", exec.ID,
			"expires_at", exec.ExpiresAt.Time)
		return exec, ErrApprovalPending
	}

	return e.run(ctx, exec, handler)
}

// ResolveApproval applies a reviewer verdict to a pending execution. On
// approval the tool runs immediately; on rejection the execution is terminal
// as rejected. Either way the caller gets the final execution record.
func (e *Executor) ResolveApproval(ctx context.Context, executionID, outcome, resolvedBy, reason string) (*store.Execution, error) {
	if err := e.store.ResolveExecution(ctx, executionID, outcome, resolvedBy, reason); err != nil {
		return nil, err
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if outcome == store.ExecRejected {
		return exec, nil
	}

	_, handler, err := e.registry.Lookup(exec.Tool)
	if err != nil {
		// Toolset changed between request and approval. Record the failure
		// instead of leaving the execution stuck at approved.
		if finishErr := e.store.FinishExecution(ctx, exec.ID, store.ExecFailed, "", err.Error(), 0); finishErr != nil {
			return nil, finishErr
		}
		return e.store.GetExecution(ctx, executionID)
	}
	return e.run(ctx, exec, handler)
}

// run executes the handler and records the terminal status.
func (e *Executor) run(ctx context.Context, exec *store.Execution, handler Handler) (*store.Execution, error) {
	start := time.Now()
	var output json.RawMessage
	runErr := retry.Do(ctx, e.retry, func() error {
		var err error
		output, err = handler(ctx, json.RawMessage(exec.InputJSON))
		return err
	})
	duration := time.Since(start)

	status := store.ExecSuccess
	failureReason := ""
	if runErr != nil {
		status = store.ExecFailed
		failureReason = runErr.Error()
		slog.Warn("tool execution failed",
			"session", exec.SessionID, "tool", exec.Tool, "err", runErr)
	}

	if err := e.store.FinishExecution(ctx, exec.ID, status, string(output), failureReason, duration); err != nil {
		return nil, fmt.Errorf("record execution result: %w", err)
	}
	return e.store.GetExecution(ctx, exec.ID)
}
