package classify

import (
	"context"
	"fmt"
	"log/slog"
)

// Confidence thresholds that govern how the Classifier interprets the raw
// provider output.
//
//   - ≥ HighConfidenceThreshold: the verdict is strong enough for an
//     unattended send (the decision layer still applies its own checks).
//   - ≥ MinConfidenceThreshold:  the verdict is usable but replies stay in
//     draft for review.
//   - < MinConfidenceThreshold:  the verdict is discarded and the session is
//     treated as uncategorized.
const (
	HighConfidenceThreshold = 0.8
	MinConfidenceThreshold  = 0.5
)

// Verdict is the validated classification the rest of the engine consumes.
type Verdict struct {
	Category    Category
	Confidence  float64
	Explanation string

	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// AutoSendEligible reports whether the verdict is confident enough for an
// unattended send.
func (v Verdict) AutoSendEligible() bool {
	return v.Confidence >= HighConfidenceThreshold && v.Category != Uncategorized
}

// Classifier wraps a Provider with output validation.
//
// It adds two layers of enforcement on top of the raw provider output:
//  1. Taxonomy validation: a category outside the closed set is treated as
//     malformed output and coerced to Uncategorized, so a hallucinating
//     provider can never introduce a phantom category.
//  2. Confidence floor: verdicts below MinConfidenceThreshold are downgraded
//     to Uncategorized so the caller always gets an explicit "don't trust
//     this" signal instead of a shaky category.
//
// A provider error is also converted to an Uncategorized verdict rather than
// propagated: classification failure must never stall a triage cycle, it just
// forces the conservative path.
type Classifier struct {
	provider Provider
}

// NewClassifier returns a Classifier backed by provider.
func NewClassifier(provider Provider) *Classifier {
	return &Classifier{provider: provider}
}

// Classify calls the underlying Provider and validates its verdict.
func (c *Classifier) Classify(ctx context.Context, req Request) Verdict {
	resp, err := c.provider.Classify(ctx, req)
	if err != nil {
		slog.Warn("classification provider failed, treating as uncategorized", "err", err)
		return Verdict{
			Category:    Uncategorized,
			Explanation: fmt.Sprintf("provider error: %v", err),
		}
	}

	verdict := Verdict{
		Category:         Category(resp.Category),
		Confidence:       resp.Confidence,
		Explanation:      resp.Explanation,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		CostUSD:          resp.CostUSD,
	}

	if !Valid(resp.Category) {
		slog.Warn("provider produced unknown category", "category", resp.Category)
		verdict.Category = Uncategorized
		verdict.Confidence = 0
		verdict.Explanation = fmt.Sprintf("provider produced unknown category %q", resp.Category)
		return verdict
	}

	if verdict.Confidence < MinConfidenceThreshold {
		verdict.Category = Uncategorized
		return verdict
	}

	return verdict
}
