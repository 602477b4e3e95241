package api

import "time"

// AuditEvent names a step in the life of an approval request.
type AuditEvent string

const (
	EventCreated      AuditEvent = "created"
	EventDecided      AuditEvent = "decided"
	EventLateDecision AuditEvent = "late_decision"
	EventAbandoned    AuditEvent = "abandoned"
	EventExpired      AuditEvent = "expired"
	EventResumed      AuditEvent = "resumed"
	EventPolicyDenied AuditEvent = "policy_denied"
)

// AuditRecord represents a single audited approval event.
type AuditRecord struct {
	ID           string        `json:"id"`
	Timestamp    time.Time     `json:"timestamp"`
	Event        AuditEvent    `json:"event"`
	ApprovalID   string        `json:"approval_id,omitempty"`
	TaskID       string        `json:"task_id,omitempty"`
	Approved     *bool         `json:"approved,omitempty"`
	ArtifactKind string        `json:"artifact_kind,omitempty"`
	TxHash       string        `json:"tx_hash,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Rule         string        `json:"rule,omitempty"`
	Message      string        `json:"message,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// QueryFilter defines criteria for querying audit records.
type QueryFilter struct {
	Since      time.Time  `json:"since,omitempty"`
	Until      time.Time  `json:"until,omitempty"`
	Event      AuditEvent `json:"event,omitempty"`
	ApprovalID string     `json:"approval_id,omitempty"`
	TaskID     string     `json:"task_id,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}

// AuditStats provides summary statistics for the dashboard.
type AuditStats struct {
	TotalEvents   int                `json:"total_events"`
	Created       int                `json:"created"`
	Approved      int                `json:"approved"`
	Rejected      int                `json:"rejected"`
	Abandoned     int                `json:"abandoned"`
	LateDecisions int                `json:"late_decisions"`
	Expired       int                `json:"expired"`
	ByEvent       map[AuditEvent]int `json:"by_event"`
}
