package respond

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/avoline/triage/internal/triage/classify"
)

// categoryTemplates are the canned reply bodies used when no LLM responder
// is configured. They lean conservative: acknowledge, state what was found,
// and promise follow-up where a human still has to act.
var categoryTemplates = map[classify.Category]string{
	classify.Tracking:      "Thanks for checking in on your delivery. Here's the latest from the carrier:\n\n%s\n\nIf anything looks off, just reply here and we'll dig in.",
	classify.Billing:       "Thanks for flagging this. I've pulled up your recent charges:\n\n%s\n\nA member of our billing team will confirm the details with you shortly.",
	classify.Retention:     "We'd hate to see you go. I've looked at your subscription and there are a few options, including pausing instead of cancelling. Someone from our team will follow up with you today.",
	classify.DamageClaim:   "I'm sorry your order arrived damaged. I've started a claim for you:\n\n%s\n\nWe'll make this right.",
	classify.AddressChange: "Got it, we'll get your shipping address updated. You'll receive a confirmation once the change is applied.",
	classify.PauseSkip:     "No problem, taking a break is easy. I've started that for you:\n\n%s\n\nYou'll get a confirmation shortly.",
	classify.Gratitude:     "Thank you for the kind words, that made our day! We're glad you're enjoying it.",
}

const fallbackTemplate = "Thanks for reaching out. We've received your message and a member of our support team will get back to you shortly."

// templateResponder is the deterministic responder: fixed per-category
// bodies with tool results folded in where the template has a slot.
type templateResponder struct{}

// NewTemplateResponder returns the zero-dependency responder.
func NewTemplateResponder() Responder {
	return templateResponder{}
}

// Draft renders the category template. Draft never fails.
func (templateResponder) Draft(_ context.Context, req Request) (*Reply, error) {
	tmpl, ok := categoryTemplates[req.Category]
	if !ok {
		return &Reply{Body: fallbackTemplate, Model: "template"}, nil
	}

	body := tmpl
	if strings.Contains(tmpl, "%s") {
		body = fmt.Sprintf(tmpl, summarizeResults(req.ToolResults))
	}
	return &Reply{Body: body, Model: "template"}, nil
}

// summarizeResults renders successful tool outputs as readable key/value
// lines. Failed results are skipped; the engine has already decided a reply
// built on them cannot auto-send.
func summarizeResults(results []ToolResult) string {
	var lines []string
	for _, r := range results {
		if r.Failed || r.OutputJSON == "" {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(r.OutputJSON), &fields); err != nil {
			continue
		}
		for k, v := range fields {
			lines = append(lines, fmt.Sprintf("- %s: %v", strings.ReplaceAll(k, "_", " "), v))
		}
	}
	if len(lines) == 0 {
		return "- (details to follow)"
	}
	return strings.Join(lines, "\n")
}
