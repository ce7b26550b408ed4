package store

import (
	"database/sql"
	"time"
)

// Session lifecycle states.
const (
	StateReceived       = "received"
	StateClassified     = "classified"
	StateToolPending    = "tool_pending"
	StateDecided        = "decided"
	StateDispatching    = "dispatching"
	StateDispatched     = "dispatched"
	StateDispatchFailed = "dispatch_failed"
)

// Tool execution statuses.
const (
	ExecPending  = "pending"
	ExecApproved = "approved"
	ExecRejected = "rejected"
	ExecExpired  = "expired"
	ExecSuccess  = "success"
	ExecFailed   = "failed"
)

// Decision outcomes.
const (
	OutcomeSend     = "send"
	OutcomeDraft    = "draft"
	OutcomeEscalate = "escalate"
)

// Message roles.
const (
	RoleCustomer  = "customer"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Session is the durable record of one support conversation.
type Session struct {
	ID             string
	ConversationID string
	CustomerEmail  string
	State          string
	Category       string
	Confidence     float64
	Cycle          int
	LastSeq        int
	DispatchToken  sql.NullString
	TraceID        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is one entry in a session transcript.
type Message struct {
	ID         int64
	SessionID  string
	Seq        int
	Role       string
	Body       string
	ExternalID string
	CreatedAt  time.Time
}

// Execution is the durable record of one tool invocation.
type Execution struct {
	ID            string
	SessionID     string
	Cycle         int
	Tool          string
	InputJSON     string
	OutputJSON    sql.NullString
	Status        string
	FailureReason sql.NullString
	RequestedBy   string
	ResolvedBy    sql.NullString
	ResolveReason sql.NullString
	RequestedAt   time.Time
	ResolvedAt    sql.NullTime
	FinishedAt    sql.NullTime
	ExpiresAt     sql.NullTime
	DurationMs    sql.NullInt64
}

// Decision is one triage verdict for a (session, cycle) pair.
type Decision struct {
	ID               string
	SessionID        string
	Cycle            int
	Outcome          string
	Reason           string
	ReplyBody        string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	CreatedAt        time.Time
}
