// Package webhook implements the inbound ingress for helpdesk events.
//
// Deliveries arrive at POST /webhooks/chatwoot. The handler authenticates
// the caller (HMAC-SHA256 signature or bearer token), rate-limits per
// conversation, drops everything that is not an incoming customer message,
// dedups by delivery ID, appends the message to the session transcript, and
// hands the session to the triage queue. The helpdesk retries deliveries, so
// everything past the dedup check must be idempotent.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avoline/triage/common/trace"
	"github.com/avoline/triage/internal/triage/store"
)

// DefaultRateLimit is the default maximum number of deliveries per
// conversation per minute when no explicit limit is configured.
const DefaultRateLimit = 60

// maxBodyBytes caps inbound request bodies to prevent memory exhaustion from
// oversized payloads.
const maxBodyBytes = 1 * 1024 * 1024 // 1 MiB

// Sink receives sessions that have new customer input and need a triage
// cycle. The handler never runs cycles itself; it only enqueues.
type Sink interface {
	EnqueueSession(sessionID string)
}

// Config holds options for creating a Handler.
type Config struct {
	// HMACSecret, when set, requires a valid X-Hub-Signature-256 header on
	// every delivery.
	HMACSecret []byte

	// BearerToken, when set, is accepted as an alternative to the HMAC
	// signature. At least one of the two must be configured.
	BearerToken string

	// RateLimit is the maximum number of deliveries allowed per conversation
	// per minute. Defaults to DefaultRateLimit (60) when zero or negative.
	RateLimit int
}

// Handler ingests helpdesk webhook deliveries.
type Handler struct {
	store   *store.Store
	sink    Sink
	cfg     Config
	limiter *rateLimiter
}

// New creates a webhook Handler.
func New(st *store.Store, sink Sink, cfg Config) (*Handler, error) {
	if len(cfg.HMACSecret) == 0 && cfg.BearerToken == "" {
		return nil, fmt.Errorf("webhook: at least one of HMAC secret or bearer token must be configured")
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	return &Handler{
		store:   st,
		sink:    sink,
		cfg:     cfg,
		limiter: newRateLimiter(limit, time.Minute),
	}, nil
}

// RouteRegistrar is satisfied by *http.ServeMux and by the health server's
// Handle method, allowing the Handler to register its routes without
// importing the app package directly.
type RouteRegistrar interface {
	Handle(pattern string, handler http.Handler)
}

// RegisterRoutes mounts the webhook handler on the given registrar.
func (h *Handler) RegisterRoutes(r RouteRegistrar) {
	r.Handle("/webhooks/chatwoot", http.HandlerFunc(h.handleDelivery))
}

// delivery is the subset of the helpdesk webhook payload the engine needs.
type delivery struct {
	Event       string `json:"event"`
	ID          int64  `json:"id"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	Private     bool   `json:"private"`

	Conversation struct {
		ID int64 `json:"id"`
	} `json:"conversation"`

	Sender struct {
		Email string `json:"email"`
	} `json:"sender"`
}

func (h *Handler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	if !h.authenticate(r, body) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var d delivery
	if err := json.Unmarshal(body, &d); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	// Only incoming customer messages trigger triage. Everything else
	// (agent replies, private notes, status changes) is acknowledged and
	// dropped so the helpdesk stops retrying.
	if d.Event != "message_created" || d.MessageType != "incoming" || d.Private {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if d.Content == "" || d.Conversation.ID == 0 {
		http.Error(w, "missing content or conversation", http.StatusBadRequest)
		return
	}

	conversationID := fmt.Sprintf("%d", d.Conversation.ID)
	if !h.limiter.Allow(conversationID) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	ctx := r.Context()
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	sess, created, err := h.store.GetOrCreateSession(ctx, conversationID, d.Sender.Email, traceID)
	if err != nil {
		slog.Error("webhook: session lookup failed", "conversation", conversationID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	eventID := fmt.Sprintf("msg-%d", d.ID)
	firstSeen, err := h.store.MarkEventSeen(ctx, eventID, sess.ID)
	if err != nil {
		slog.Error("webhook: dedup check failed", "event", eventID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !firstSeen {
		// Redelivery; already ingested.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if _, err := h.store.AppendMessage(ctx, sess.ID, store.RoleCustomer, d.Content, eventID); err != nil {
		slog.Error("webhook: append message failed", "session", sess.ID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	slog.Info("webhook: customer message ingested",
		"session", sess.ID, "conversation", conversationID,
		"event", eventID, "new_session", created)

	h.sink.EnqueueSession(sess.ID)
	w.WriteHeader(http.StatusAccepted)
}

// authenticate checks the HMAC signature or bearer token, in that order.
func (h *Handler) authenticate(r *http.Request, body []byte) bool {
	if len(h.cfg.HMACSecret) > 0 {
		if sig := r.Header.Get("X-Hub-Signature-256"); sig != "" {
			return h.validSignature(sig, body)
		}
	}
	if h.cfg.BearerToken != "" {
		auth := r.Header.Get("Authorization")
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return hmac.Equal([]byte(token), []byte(h.cfg.BearerToken))
		}
	}
	return false
}

// validSignature verifies an X-Hub-Signature-256 header ("sha256=<hex>")
// against the request body.
func (h *Handler) validSignature(header string, body []byte) bool {
	sigHex, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.cfg.HMACSecret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
