// Package approvals exposes the reviewer HTTP API: listing pending tool
// executions, resolving them, and inspecting sessions.
package approvals

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avoline/triage/internal/triage/store"
	"github.com/avoline/triage/internal/triage/tools"
)

// Server handles the reviewer API. All routes require the reviewer bearer
// token.
type Server struct {
	store    *store.Store
	executor *tools.Executor
	token    string

	// onResolved is called after an approval is resolved so the app can
	// resume the parked session and dispatch its decision. Runs on the
	// request goroutine's schedule is the app's choice; the server just
	// fires the hook.
	onResolved func(sessionID string)
}

// Config wires a Server.
type Config struct {
	Store    *store.Store
	Executor *tools.Executor
	// Token is the reviewer bearer token. Required.
	Token string
	// OnResolved is invoked with the session ID after every successful
	// resolution. Optional.
	OnResolved func(sessionID string)
}

// New creates a reviewer API server.
func New(cfg Config) (*Server, error) {
	if cfg.Token == "" {
		return nil, errors.New("approvals: reviewer token must be configured")
	}
	hook := cfg.OnResolved
	if hook == nil {
		hook = func(string) {}
	}
	return &Server{
		store:      cfg.Store,
		executor:   cfg.Executor,
		token:      cfg.Token,
		onResolved: hook,
	}, nil
}

// RouteRegistrar is satisfied by *http.ServeMux and the health server.
type RouteRegistrar interface {
	Handle(pattern string, handler http.Handler)
}

// RegisterRoutes mounts the reviewer API on the given registrar.
func (s *Server) RegisterRoutes(r RouteRegistrar) {
	r.Handle("/approvals", s.authed(s.handleList))
	r.Handle("/approvals/", s.authed(s.handleResolve))
	r.Handle("/sessions/", s.authed(s.handleSession))
	r.Handle("/audit", s.authed(s.handleAudit))
}

// authed wraps a handler with bearer-token authentication.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || !hmac.Equal([]byte(token), []byte(s.token)) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	})
}

// approvalView is the JSON shape for one pending execution.
type approvalView struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Tool        string    `json:"tool"`
	Input       any       `json:"input"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// handleList serves GET /approvals?status=pending.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" && status != store.ExecPending {
		http.Error(w, "only status=pending is supported", http.StatusBadRequest)
		return
	}

	execs, err := s.store.ListPendingExecutions(r.Context())
	if err != nil {
		slog.Error("approvals: list failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	views := make([]approvalView, 0, len(execs))
	for _, e := range execs {
		v := approvalView{
			ID:          e.ID,
			SessionID:   e.SessionID,
			Tool:        e.Tool,
			RequestedAt: e.RequestedAt,
		}
		if e.ExpiresAt.Valid {
			v.ExpiresAt = e.ExpiresAt.Time
		}
		// Input is stored as JSON text; surface it structured.
		var input any
		if err := json.Unmarshal([]byte(e.InputJSON), &input); err == nil {
			v.Input = input
		} else {
			v.Input = e.InputJSON
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": views})
}

// resolveRequest is the body of POST /approvals/{id}/resolve.
type resolveRequest struct {
	Outcome    string `json:"outcome"` // "approved" or "rejected"
	ResolvedBy string `json:"resolved_by"`
	Reason     string `json:"reason"`
}

// handleResolve serves POST /approvals/{id}/resolve.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/approvals/")
	id, action, ok := strings.Cut(rest, "/")
	if !ok || action != "resolve" || id == "" {
		http.Error(w, "expected /approvals/{id}/resolve", http.StatusNotFound)
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if req.Outcome != store.ExecApproved && req.Outcome != store.ExecRejected {
		http.Error(w, `outcome must be "approved" or "rejected"`, http.StatusBadRequest)
		return
	}
	if req.ResolvedBy == "" {
		http.Error(w, "resolved_by is required", http.StatusBadRequest)
		return
	}

	exec, err := s.executor.ResolveApproval(r.Context(), id, req.Outcome, req.ResolvedBy, req.Reason)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "no such execution", http.StatusNotFound)
		return
	}
	if errors.Is(err, store.ErrConflict) {
		http.Error(w, "execution is not pending", http.StatusConflict)
		return
	}
	if err != nil {
		slog.Error("approvals: resolve failed", "execution", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	slog.Info("approval resolved",
		"execution", exec.ID, "tool", exec.Tool,
		"outcome", req.Outcome, "resolved_by", req.ResolvedBy)

	s.onResolved(exec.SessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     exec.ID,
		"status": exec.Status,
	})
}

// sessionView is the JSON shape for GET /sessions/{id}.
type sessionView struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	State          string           `json:"state"`
	Category       string           `json:"category"`
	Confidence     float64          `json:"confidence"`
	Cycle          int              `json:"cycle"`
	Messages       []messageView    `json:"messages"`
	Decisions      []decisionView   `json:"decisions"`
	Executions     []executionView  `json:"executions"`
	Audit          []auditEntryView `json:"audit,omitempty"`
}

type messageView struct {
	Seq  int    `json:"seq"`
	Role string `json:"role"`
	Body string `json:"body"`
}

type decisionView struct {
	Cycle   int     `json:"cycle"`
	Outcome string  `json:"outcome"`
	Reason  string  `json:"reason"`
	CostUSD float64 `json:"cost_usd"`
}

type executionView struct {
	ID     string `json:"id"`
	Cycle  int    `json:"cycle"`
	Tool   string `json:"tool"`
	Status string `json:"status"`
}

type auditEntryView struct {
	Timestamp time.Time `json:"ts"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Result    string    `json:"result"`
}

// handleSession serves GET /sessions/{id}.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "expected /sessions/{id}", http.StatusNotFound)
		return
	}

	ctx := r.Context()
	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// Accept conversation IDs too; triagectl users usually have those.
		sess, err = s.store.GetSessionByConversation(ctx, id)
	}
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	view := sessionView{
		ID:             sess.ID,
		ConversationID: sess.ConversationID,
		State:          sess.State,
		Category:       sess.Category,
		Confidence:     sess.Confidence,
		Cycle:          sess.Cycle,
	}

	if msgs, err := s.store.GetMessages(ctx, sess.ID); err == nil {
		for _, m := range msgs {
			view.Messages = append(view.Messages, messageView{Seq: m.Seq, Role: m.Role, Body: m.Body})
		}
	}
	if decisions, err := s.store.ListDecisions(ctx, sess.ID); err == nil {
		for _, d := range decisions {
			view.Decisions = append(view.Decisions, decisionView{
				Cycle: d.Cycle, Outcome: d.Outcome, Reason: d.Reason, CostUSD: d.CostUSD,
			})
		}
	}
	if execs, err := s.store.ListExecutionsForSession(ctx, sess.ID); err == nil {
		for _, e := range execs {
			view.Executions = append(view.Executions, executionView{
				ID: e.ID, Cycle: e.Cycle, Tool: e.Tool, Status: e.Status,
			})
		}
	}
	if entries, err := s.store.GetAuditByTrace(ctx, sess.TraceID); err == nil {
		for _, a := range entries {
			view.Audit = append(view.Audit, auditEntryView{
				Timestamp: a.Timestamp, Actor: a.Actor, Action: a.Action, Result: a.Result,
			})
		}
	}

	writeJSON(w, http.StatusOK, view)
}

// auditLogView is the JSON shape for one entry of GET /audit.
type auditLogView struct {
	Timestamp time.Time `json:"ts"`
	TraceID   string    `json:"trace_id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Result    string    `json:"result"`
}

// handleAudit serves GET /audit?limit=N: the newest audit entries across all
// sessions, most recent first.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.store.GetAuditLog(r.Context(), limit)
	if err != nil {
		slog.Error("approvals: audit tail failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	views := make([]auditLogView, 0, len(entries))
	for _, e := range entries {
		v := auditLogView{
			Timestamp: e.Timestamp,
			TraceID:   e.TraceID,
			Actor:     e.Actor,
			Action:    e.Action,
			Result:    e.Result,
		}
		if e.Target.Valid {
			v.Target = e.Target.String
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("approvals: failed to encode JSON response", "err", err)
	}
}
