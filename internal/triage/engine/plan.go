package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/avoline/triage/common/spec/toolset"
	"github.com/avoline/triage/internal/triage/classify"
	"github.com/avoline/triage/internal/triage/respond"
	"github.com/avoline/triage/internal/triage/store"
	"github.com/avoline/triage/internal/triage/tools"
)

// outcomeState accumulates everything the decision rules look at besides the
// classification itself.
type outcomeState struct {
	signals      []classify.Signal
	rejected     []string // tools whose approval was rejected
	expired      []string // tools whose approval timed out
	failed       []string // tools that ran and failed
	invokeErrors []string // tools that could not be invoked at all
}

func (o *outcomeState) forcesEscalation() bool {
	return len(o.signals) > 0 || len(o.rejected) > 0 || len(o.expired) > 0
}

func (o *outcomeState) hasFailures() bool {
	return len(o.failed) > 0 || len(o.invokeErrors) > 0
}

// plan returns the triage plan for a category. Categories without a plan get
// an empty non-auto-send plan, which decides like "draft with no tools".
func (e *Engine) plan(category classify.Category) *toolset.Plan {
	if p, ok := e.executor.Registry().Config().Plan(string(category)); ok {
		return p
	}
	return &toolset.Plan{Category: string(category)}
}

// runPlan executes the plan's tools in order, reusing results from earlier
// cycles of the same session. It returns the collected results and, when a
// gated tool was parked for approval, the pending execution.
func (e *Engine) runPlan(ctx context.Context, sess *store.Session, cycle int, plan *toolset.Plan, latestBody string, outcome *outcomeState) ([]respond.ToolResult, *store.Execution, error) {
	prior, err := e.store.ListExecutionsForSession(ctx, sess.ID)
	if err != nil {
		return nil, nil, err
	}
	latestByTool := make(map[string]*store.Execution, len(prior))
	for _, exec := range prior {
		latestByTool[exec.Tool] = exec
	}

	var results []respond.ToolResult
	for _, name := range plan.Tools {
		if past, ok := latestByTool[name]; ok {
			switch past.Status {
			case store.ExecPending:
				// Still waiting on a reviewer; stay parked.
				return results, past, nil
			case store.ExecSuccess:
				results = append(results, respond.ToolResult{Tool: name, OutputJSON: past.OutputJSON.String})
				continue
			case store.ExecRejected:
				outcome.rejected = append(outcome.rejected, name)
				continue
			case store.ExecExpired:
				outcome.expired = append(outcome.expired, name)
				continue
			}
			// Approved-but-unfinished or failed executions fall through to a
			// fresh invocation on this cycle.
		}

		tool, _, err := e.executor.Registry().Lookup(name)
		if err != nil {
			outcome.invokeErrors = append(outcome.invokeErrors, name)
			continue
		}

		// Once escalation is certain there is no point asking a reviewer to
		// approve a write; read-only lookups still run for agent context.
		if tool.RequiresApproval && outcome.forcesEscalation() {
			continue
		}

		exec, err := e.executor.Invoke(ctx, sess.ID, cycle, name, buildInput(name, sess.CustomerEmail, latestBody), "engine")
		if errors.Is(err, tools.ErrApprovalPending) {
			return results, exec, nil
		}
		if err != nil {
			slog.Warn("tool invocation rejected", "session", sess.ID, "tool", name, "err", err)
			outcome.invokeErrors = append(outcome.invokeErrors, name)
			continue
		}

		result := respond.ToolResult{Tool: name, OutputJSON: exec.OutputJSON.String}
		if exec.Status == store.ExecFailed {
			result.Failed = true
			outcome.failed = append(outcome.failed, name)
		}
		results = append(results, result)
	}

	return results, nil, nil
}

// buildInput assembles the input payload for a tool. The customer email is
// always present; parameters a human should sanity-check (months, address,
// claim description) default conservatively and are shown verbatim on the
// approval request.
func buildInput(tool, email, latestBody string) []byte {
	switch tool {
	case "pause_subscription":
		return mustJSON(map[string]any{"customer_email": email, "months": 1})
	case "change_frequency":
		return mustJSON(map[string]any{"customer_email": email, "weeks": 4})
	case "change_address":
		return mustJSON(map[string]any{"customer_email": email, "address": latestBody})
	case "create_damage_claim":
		return mustJSON(map[string]any{"customer_email": email, "description": latestBody})
	default:
		return mustJSON(map[string]any{"customer_email": email})
	}
}

type verdictOutcome struct {
	Outcome string
	Reason  string
}

// decide applies the decision rules in priority order:
//
//  1. any safety signal escalates;
//  2. a rejected or expired approval escalates;
//  3. tool failures downgrade to draft, never send;
//  4. an auto-send category with a confident classification and a fully
//     read-only, fully successful plan sends;
//  5. everything else drafts.
func (e *Engine) decide(verdict classify.Verdict, plan *toolset.Plan, outcome *outcomeState) verdictOutcome {
	if len(outcome.signals) > 0 {
		return verdictOutcome{
			Outcome: store.OutcomeEscalate,
			Reason:  "safety signals: " + signalKinds(outcome.signals),
		}
	}
	if len(outcome.rejected) > 0 {
		return verdictOutcome{
			Outcome: store.OutcomeEscalate,
			Reason:  "approval rejected for " + strings.Join(outcome.rejected, ", "),
		}
	}
	if len(outcome.expired) > 0 {
		return verdictOutcome{
			Outcome: store.OutcomeEscalate,
			Reason:  "approval timed out for " + strings.Join(outcome.expired, ", "),
		}
	}
	if outcome.hasFailures() {
		failed := append(append([]string{}, outcome.failed...), outcome.invokeErrors...)
		return verdictOutcome{
			Outcome: store.OutcomeDraft,
			Reason:  "tool failures: " + strings.Join(failed, ", "),
		}
	}

	if plan.AutoSend && verdict.AutoSendEligible() && e.planIsReadOnly(plan) {
		return verdictOutcome{
			Outcome: store.OutcomeSend,
			Reason:  fmt.Sprintf("auto-send category %s at confidence %.2f", verdict.Category, verdict.Confidence),
		}
	}

	reason := "category requires review"
	if verdict.Category == classify.Uncategorized {
		reason = "classification inconclusive"
	} else if plan.AutoSend {
		reason = fmt.Sprintf("confidence %.2f below auto-send threshold", verdict.Confidence)
	}
	return verdictOutcome{Outcome: store.OutcomeDraft, Reason: reason}
}

// planIsReadOnly reports whether every tool in the plan is read-only.
func (e *Engine) planIsReadOnly(plan *toolset.Plan) bool {
	for _, name := range plan.Tools {
		tool, ok := e.executor.Registry().Config().Tool(name)
		if !ok || !tool.ReadOnly {
			return false
		}
	}
	return true
}
