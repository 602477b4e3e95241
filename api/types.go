package api

import (
	"encoding/json"
	"time"
)

// Verdict represents the outcome of an approval policy evaluation.
type Verdict string

const (
	VerdictAsk  Verdict = "ask"
	VerdictDeny Verdict = "deny"
	VerdictLog  Verdict = "log"
)

// ApprovalRequest is the wire form of a pending approval request as served
// by the poll endpoint.
type ApprovalRequest struct {
	ApprovalID string          `json:"approval_id"`
	Payload    json.RawMessage `json:"payload"`
	Message    string          `json:"message,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
}

// PollResponse is returned by GET /api/approval/poll.
type PollResponse struct {
	HasRequests bool              `json:"has_requests"`
	Requests    []ApprovalRequest `json:"requests"`
}

// DecisionRequest is the body of POST /api/approval/respond.
type DecisionRequest struct {
	ApprovalID      string `json:"approval_id"`
	Approved        bool   `json:"approved"`
	SignedArtifact  string `json:"signed_artifact,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`

	// SignedTransactionHex is accepted for clients that still send the
	// older field name.
	SignedTransactionHex string `json:"signed_transaction_hex,omitempty"`
}

// Artifact returns the signed artifact regardless of which field carried it.
func (r *DecisionRequest) Artifact() string {
	if r.SignedArtifact != "" {
		return r.SignedArtifact
	}
	return r.SignedTransactionHex
}

// DecisionResponse is returned by POST /api/approval/respond.
type DecisionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// RecordedDecision is returned by GET /api/approval/{id}/decision. Status
// is PENDING, DECIDED or ABANDONED; the decision fields are set for DECIDED.
type RecordedDecision struct {
	ApprovalID      string     `json:"approval_id"`
	Status          string     `json:"status"`
	Approved        bool       `json:"approved"`
	SignedArtifact  string     `json:"signed_artifact,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// StatusResponse is returned by GET /api/approval/status.
type StatusResponse struct {
	ActiveRequests int    `json:"active_requests"`
	TotalRequests  int    `json:"total_requests"`
	WaitingTasks   int    `json:"waiting_tasks"`
	SystemStatus   string `json:"system_status"`
}

// MockRequest is the optional body of POST /api/approval/mock-request.
type MockRequest struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
	TaskID  string          `json:"task_id,omitempty"`
}

// MockRequestResponse is returned by POST /api/approval/mock-request.
type MockRequestResponse struct {
	Success    bool   `json:"success"`
	ApprovalID string `json:"approval_id,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CheckRequest is used by the CLI `check` command and the policy dry-run API.
type CheckRequest struct {
	TaskID  string          `json:"task_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// CheckResponse is the result of a policy check.
type CheckResponse struct {
	Verdict Verdict `json:"verdict"`
	Rule    string  `json:"rule,omitempty"`
	Message string  `json:"message,omitempty"`
}
