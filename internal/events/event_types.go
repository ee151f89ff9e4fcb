package events

import (
	"time"

	"github.com/spec-kit/mechanic-dispatch/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventMechanicAssigned    EventType = "mechanic_assigned"
	EventAssignmentAccepted  EventType = "assignment_accepted"
	EventComplaintReassigned EventType = "complaint_reassigned"
	EventNoMechanicAvailable EventType = "no_mechanic_available"
)

// Event represents a domain event emitted by the assignment engine.
type Event struct {
	ID          string      `json:"id"`
	Type        EventType   `json:"type"`
	ComplaintID string      `json:"complaint_id"`
	Timestamp   time.Time   `json:"timestamp"`
	Payload     interface{} `json:"payload"`
}

// ComplaintSummary is the short description shown to a technician.
type ComplaintSummary struct {
	ComplaintID     string          `json:"complaint_id"`
	ProductCategory string          `json:"product_category"`
	Priority        domain.Priority `json:"priority"`
	CreatedBy       string          `json:"created_by"`
}

// MechanicAssignedPayload payload.
type MechanicAssignedPayload struct {
	MechanicID string           `json:"mechanic_id"`
	Complaint  ComplaintSummary `json:"complaint"`
}

// AssignmentAcceptedPayload payload.
type AssignmentAcceptedPayload struct {
	MechanicID    string `json:"mechanic_id"`
	MechanicName  string `json:"mechanic_name"`
	CustomerEmail string `json:"customer_email,omitempty"`
	CustomerPhone string `json:"customer_phone,omitempty"`
}

// ComplaintReassignedPayload payload.
type ComplaintReassignedPayload struct {
	RecipientEmail string  `json:"recipient_email"`
	OldMechanicID  *string `json:"old_mechanic_id,omitempty"`
	NewMechanicID  string  `json:"new_mechanic_id"`
	Reason         string  `json:"reason,omitempty"`
}

// NoMechanicAvailablePayload payload.
type NoMechanicAvailablePayload struct {
	ProductCategory   string          `json:"product_category"`
	Priority          domain.Priority `json:"priority"`
	ExcludeMechanicID *string         `json:"exclude_mechanic_id,omitempty"`
	RecipientEmail    string          `json:"recipient_email,omitempty"`
	RetryAt           time.Time       `json:"retry_at"`
}
