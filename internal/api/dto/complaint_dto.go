package dto

import (
	"time"

	"github.com/spec-kit/mechanic-dispatch/internal/domain"
)

// RejectAssignmentRequest payload.
type RejectAssignmentRequest struct {
	Reason string `json:"reason"`
}

// PaymentRequest describes how the customer settled the repair.
type PaymentRequest struct {
	Method    string  `json:"method"`
	Amount    float64 `json:"amount"`
	Reference string  `json:"reference"`
}

// CompleteComplaintRequest payload.
type CompleteComplaintRequest struct {
	Description string         `json:"description"`
	Evidence    []string       `json:"evidence"`
	Payment     PaymentRequest `json:"payment"`
}

// AssignmentResponse is one entry of the assignment history.
type AssignmentResponse struct {
	MechanicID  string                  `json:"mechanic_id"`
	Status      domain.AssignmentStatus `json:"status"`
	Reason      *string                 `json:"reason,omitempty"`
	AssignedAt  time.Time               `json:"assigned_at"`
	RespondedAt *time.Time              `json:"responded_at,omitempty"`
}

// CompletionResponse mirrors recorded completion details.
type CompletionResponse struct {
	Description string         `json:"description"`
	Evidence    []string       `json:"evidence"`
	Payment     PaymentRequest `json:"payment"`
	CompletedAt time.Time      `json:"completed_at"`
}

// ComplaintResponse is the engine's view of a complaint.
type ComplaintResponse struct {
	ID              string                 `json:"id"`
	ProductCategory string                 `json:"product_category"`
	Priority        domain.Priority        `json:"priority"`
	WorkingStatus   domain.ComplaintStatus `json:"working_status"`
	Assignments     []AssignmentResponse   `json:"assignments"`
	Completion      *CompletionResponse    `json:"completion,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// MechanicResponse describes a selected technician.
type MechanicResponse struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Experience int              `json:"experience"`
	Tier       domain.MatchTier `json:"tier"`
	Workload   int              `json:"workload"`
}

// ReassignmentJobResponse describes a queued reassignment.
type ReassignmentJobResponse struct {
	ID                string     `json:"id"`
	ComplaintID       string     `json:"complaint_id"`
	ExcludeMechanicID *string    `json:"exclude_mechanic_id,omitempty"`
	Reason            string     `json:"reason"`
	Attempt           int        `json:"attempt"`
	NextRunAt         time.Time  `json:"next_run_at"`
	LockedAt          *time.Time `json:"locked_at,omitempty"`
	LastError         *string    `json:"last_error,omitempty"`
}

// HistoryEntryResponse is one audit trail entry.
type HistoryEntryResponse struct {
	ID        string                    `json:"id"`
	ActorID   *string                   `json:"actor_id,omitempty"`
	EventType domain.ComplaintEventType `json:"event_type"`
	Details   map[string]any            `json:"details,omitempty"`
	CreatedAt time.Time                 `json:"created_at"`
}

// OutcomeResponse is returned by every lifecycle operation.
type OutcomeResponse struct {
	Success   bool                     `json:"success"`
	Code      string                   `json:"code,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
	Complaint *ComplaintResponse       `json:"complaint,omitempty"`
	Mechanic  *MechanicResponse        `json:"mechanic,omitempty"`
	Job       *ReassignmentJobResponse `json:"reassignment,omitempty"`
}
