package domain

import "time"

// ComplaintEventType captures what happened in a history entry.
type ComplaintEventType string

const (
	HistoryAssigned              ComplaintEventType = "ASSIGNED"
	HistoryAccepted              ComplaintEventType = "ACCEPTED"
	HistoryRejected              ComplaintEventType = "REJECTED"
	HistoryCompleted             ComplaintEventType = "COMPLETED"
	HistoryReassignmentScheduled ComplaintEventType = "REASSIGNMENT_SCHEDULED"
)

// ComplaintHistory is an immutable audit trail entry.
type ComplaintHistory struct {
	ID          string
	ComplaintID string
	ActorID     *string
	EventType   ComplaintEventType
	Details     map[string]any
	CreatedAt   time.Time
}
