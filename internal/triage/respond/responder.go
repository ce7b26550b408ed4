// Package respond drafts customer-facing reply text for a triaged session.
// It never decides whether the reply is sent; that belongs to the engine.
package respond

import (
	"context"

	"github.com/avoline/triage/internal/triage/classify"
)

// Turn is one transcript entry passed to a responder.
type Turn struct {
	Role string // "customer" or "assistant"
	Body string
}

// ToolResult summarizes one finished tool execution for the responder.
type ToolResult struct {
	Tool       string
	OutputJSON string
	Failed     bool
}

// Request carries everything a responder may use to draft a reply.
type Request struct {
	Category    classify.Category
	Transcript  []Turn
	ToolResults []ToolResult
}

// Reply is a drafted reply plus its generation cost, for the audit trail.
type Reply struct {
	Body             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Responder drafts a reply for a session. Implementations must be safe for
// concurrent use.
type Responder interface {
	Draft(ctx context.Context, req Request) (*Reply, error)
}
