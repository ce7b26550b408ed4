package classify

import "context"

// Request carries the conversation content to classify. History holds prior
// customer messages, oldest first; Message is the newest one.
type Request struct {
	Message string
	History []string
}

// Result is the raw provider verdict before validation.
type Result struct {
	// Category is the proposed taxonomy value.
	Category string `json:"category"`

	// Confidence is the provider's self-reported certainty in [0, 1].
	Confidence float64 `json:"confidence"`

	// Explanation is a one-line rationale, kept for the audit trail.
	Explanation string `json:"explanation,omitempty"`

	// PromptTokens, CompletionTokens, and CostUSD are zero for local
	// providers.
	PromptTokens     int     `json:"-"`
	CompletionTokens int     `json:"-"`
	CostUSD          float64 `json:"-"`
}

// Provider produces a category verdict for a conversation. Implementations
// must be safe for concurrent use.
type Provider interface {
	Classify(ctx context.Context, req Request) (*Result, error)
}
