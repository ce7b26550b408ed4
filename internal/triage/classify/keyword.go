package classify

import (
	"context"
	"strings"
)

// categoryKeywords maps each taxonomy value to the phrases that vote for it.
// Longer, more specific phrases are listed first within each category but
// scoring is purely additive.
var categoryKeywords = map[Category][]string{
	Tracking: {
		"where is my order", "track my", "tracking number", "tracking",
		"shipment", "shipped", "delivery", "delivered", "in transit", "carrier",
	},
	Billing: {
		"charged twice", "double charge", "refund", "charged", "charge",
		"payment", "invoice", "billing", "credit card",
	},
	Retention: {
		"cancel my subscription", "want to cancel", "cancel", "unsubscribe",
		"too expensive", "not worth", "thinking of leaving",
	},
	DamageClaim: {
		"arrived damaged", "arrived broken", "damaged", "broken", "leaked",
		"crushed", "shattered", "defective",
	},
	AddressChange: {
		"change my address", "new address", "wrong address", "moved",
		"moving", "update my address",
	},
	PauseSkip: {
		"pause my subscription", "skip this month", "skip next month",
		"skip a month", "pause", "put on hold", "take a break",
	},
	Gratitude: {
		"thank you", "thanks", "love it", "love the", "amazing", "awesome",
		"great service",
	},
}

// keywordProvider is the default zero-dependency provider: a deterministic
// phrase scorer. Same input, same verdict, every time.
type keywordProvider struct{}

// NewKeywordProvider returns the deterministic keyword provider.
func NewKeywordProvider() Provider {
	return keywordProvider{}
}

// Classify scores the message against every category's phrase list and
// returns the best match. With no hits at all it returns General at low
// confidence so the caller falls through to a drafted reply.
func (keywordProvider) Classify(_ context.Context, req Request) (*Result, error) {
	text := strings.ToLower(req.Message)

	var best Category
	bestHits := 0
	for _, cat := range Categories() {
		hits := 0
		for _, phrase := range categoryKeywords[cat] {
			if strings.Contains(text, phrase) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = cat, hits
		}
	}

	if bestHits == 0 {
		return &Result{
			Category:    string(General),
			Confidence:  0.3,
			Explanation: "no category phrases matched",
		}, nil
	}

	// One hit is a weak signal; each extra hit adds certainty up to a cap.
	confidence := 0.6 + 0.15*float64(bestHits-1)
	if confidence > 0.95 {
		confidence = 0.95
	}
	return &Result{
		Category:    string(best),
		Confidence:  confidence,
		Explanation: "matched category phrases",
	}, nil
}
