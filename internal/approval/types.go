package approval

import (
	"encoding/json"
	"time"

	"github.com/tkingovr/deploygate/api"
)

// Status represents the state of an approval request.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDecided   Status = "DECIDED"
	StatusAbandoned Status = "ABANDONED"
	StatusConsumed  Status = "CONSUMED"
)

// ExpiredReason is the rejection reason recorded by the expiry policy.
const ExpiredReason = "approval request expired"

// Decision is the terminal outcome of an approval request.
type Decision struct {
	Approved        bool      `json:"approved"`
	SignedArtifact  string    `json:"signed_artifact,omitempty"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	DecidedAt       time.Time `json:"decided_at"`
}

// Approve builds an approving decision carrying the signed artifact.
func Approve(artifact string) Decision {
	return Decision{Approved: true, SignedArtifact: artifact}
}

// Reject builds a rejecting decision.
func Reject(reason string) Decision {
	return Decision{Approved: false, RejectionReason: reason}
}

// Request represents one pending human decision gating a paused task.
type Request struct {
	ID        string          `json:"approval_id"`
	Payload   json.RawMessage `json:"payload"`
	Message   string          `json:"message,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Status    Status          `json:"status"`
	Decision  *Decision       `json:"decision,omitempty"`
}

// Expired reports whether the request carries a deadline before now.
func (r *Request) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// ToAPI converts the request into its poll endpoint representation.
func (r *Request) ToAPI() api.ApprovalRequest {
	return api.ApprovalRequest{
		ApprovalID: r.ID,
		Payload:    r.Payload,
		Message:    r.Message,
		TaskID:     r.TaskID,
		Status:     string(r.Status),
		CreatedAt:  r.CreatedAt,
		ExpiresAt:  r.ExpiresAt,
	}
}

// CreateParams describes a request to be inserted into a Store.
type CreateParams struct {
	// ID is optional; the store generates one when empty.
	ID      string
	Payload json.RawMessage
	Message string
	TaskID  string
	// TTL sets ExpiresAt relative to creation; zero means no deadline.
	TTL time.Duration
}

// Stats summarizes store contents.
type Stats struct {
	Pending int `json:"pending"`
	Total   int `json:"total"`
}
