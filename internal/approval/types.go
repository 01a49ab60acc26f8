package approval

import "time"

// RequestStatus is the lifecycle state of a tool approval.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
	StatusExpired  RequestStatus = "expired"
)

// Request tracks one tool call a model asked to run. ID is the tool call id
// when the provider supplied one.
type Request struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id,omitempty"`
	ToolName     string         `json:"tool_name"`
	Args         map[string]any `json:"args,omitempty"`
	DecisionNote string         `json:"decision_note,omitempty"`
	Status       RequestStatus  `json:"status"`
	RequestedAt  time.Time      `json:"requested_at"`
	ExpiresAt    time.Time      `json:"expires_at,omitempty"`
	DecidedAt    time.Time      `json:"decided_at,omitempty"`
	DecidedBy    string         `json:"decided_by,omitempty"`
}

// CreateInput contains fields needed to open an approval.
type CreateInput struct {
	SessionID  string
	ToolCallID string
	ToolName   string
	Args       map[string]any
	TTL        time.Duration
}

// DecisionInput contains fields needed to approve/reject a request.
type DecisionInput struct {
	DecidedBy string
	Note      string
}

// Query filters approval requests when listing.
type Query struct {
	ID        string
	SessionID string
	Status    RequestStatus
	ToolName  string
}
