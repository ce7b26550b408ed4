// Package export publishes finished session traces to Kafka so downstream
// analytics can replay every triage decision. Export is best-effort: a broker
// outage never blocks or fails a dispatch.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// SessionTrace is the record published for each session that reaches a
// terminal state. Keyed by session ID so per-session ordering is preserved.
type SessionTrace struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	TraceID        string    `json:"trace_id"`
	Category       string    `json:"category"`
	Confidence     float64   `json:"confidence"`
	Cycle          int       `json:"cycle"`
	Outcome        string    `json:"outcome"`
	Reason         string    `json:"reason"`
	State          string    `json:"state"`
	ToolsUsed      []string  `json:"tools_used,omitempty"`
	CostUSD        float64   `json:"cost_usd"`
	CompletedAt    time.Time `json:"completed_at"`
}

// Producer sends session traces to Kafka. A nil *Producer is valid and drops
// every record, so callers never have to branch on whether export is enabled.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer creates a Kafka trace producer. Returns nil when no brokers
// are configured, which disables export.
func NewProducer(brokers []string, topic string) *Producer {
	if len(brokers) == 0 {
		return nil
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Export publishes one session trace. Errors are logged, not returned to the
// dispatch path.
func (p *Producer) Export(ctx context.Context, trace *SessionTrace) {
	if p == nil {
		return
	}
	data, err := json.Marshal(trace)
	if err != nil {
		slog.Warn("export: marshal trace failed", "session", trace.SessionID, "err", err)
		return
	}

	msg := kafka.Message{
		Key:   []byte(trace.SessionID),
		Value: data,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		slog.Warn("export: write to kafka failed", "session", trace.SessionID, "err", err)
		return
	}
	slog.Debug("export: session trace published", "session", trace.SessionID, "outcome", trace.Outcome)
}

// Close closes the Kafka writer.
func (p *Producer) Close() error {
	if p == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("export: close writer: %w", err)
	}
	return nil
}
