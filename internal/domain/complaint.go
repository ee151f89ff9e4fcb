package domain

import (
	"fmt"
	"strings"
	"time"
)

// ComplaintStatus enumerates the working status of a complaint.
type ComplaintStatus string

const (
	ComplaintStatusPending    ComplaintStatus = "pending"
	ComplaintStatusProcessing ComplaintStatus = "processing"
	ComplaintStatusRejected   ComplaintStatus = "rejected"
	ComplaintStatusCompleted  ComplaintStatus = "completed"
)

// Priority enumerates complaint urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Weight is the workload contribution of a complaint with this priority.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// AssignmentStatus enumerates the state of a single offer to a mechanic.
type AssignmentStatus string

const (
	AssignmentStatusPending  AssignmentStatus = "pending"
	AssignmentStatusAccepted AssignmentStatus = "accept"
	AssignmentStatusRejected AssignmentStatus = "rejected"
)

// Assignment is one historical offer of a complaint to a mechanic.
type Assignment struct {
	ID          string
	MechanicID  string
	Status      AssignmentStatus
	Reason      *string
	AssignedAt  time.Time
	RespondedAt *time.Time
}

// CompletionDetails is recorded once when a mechanic closes a complaint.
type CompletionDetails struct {
	Description      string
	EvidenceRefs     []string
	PaymentMethod    string
	PaymentAmount    float64
	PaymentReference string
	CompletedAt      time.Time
}

// Complaint is the service ticket aggregate.
type Complaint struct {
	ID                string
	ProductCategory   string
	Priority          Priority
	CreatedBy         string
	CreatorEmail      string
	CustomerPhone     string
	WorkingStatus     ComplaintStatus
	Assignments       []Assignment
	CompletionDetails *CompletionDetails
	IsDeleted         bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PendingAssignment returns the open offer, if any.
func (c *Complaint) PendingAssignment() *Assignment {
	for i := len(c.Assignments) - 1; i >= 0; i-- {
		if c.Assignments[i].Status == AssignmentStatusPending {
			return &c.Assignments[i]
		}
	}
	return nil
}

// AcceptedAssignment returns the most recent accepted offer, if any.
func (c *Complaint) AcceptedAssignment() *Assignment {
	for i := len(c.Assignments) - 1; i >= 0; i-- {
		if c.Assignments[i].Status == AssignmentStatusAccepted {
			return &c.Assignments[i]
		}
	}
	return nil
}

// LatestAssignmentFor returns the most recent offer made to mechanicID.
func (c *Complaint) LatestAssignmentFor(mechanicID string) *Assignment {
	for i := len(c.Assignments) - 1; i >= 0; i-- {
		if c.Assignments[i].MechanicID == mechanicID {
			return &c.Assignments[i]
		}
	}
	return nil
}

// LastRejectedBy returns the mechanic who refused the complaint when it is
// waiting after a rejection, or "".
func (c *Complaint) LastRejectedBy() string {
	if c.WorkingStatus != ComplaintStatusRejected || len(c.Assignments) == 0 {
		return ""
	}
	last := c.Assignments[len(c.Assignments)-1]
	if last.Status != AssignmentStatusRejected {
		return ""
	}
	return last.MechanicID
}

// NeedsMechanic reports whether the complaint is waiting for a new offer:
// rejected, or pending without any open offer (a matcher miss at creation).
func (c *Complaint) NeedsMechanic() bool {
	if c.IsDeleted {
		return false
	}
	switch c.WorkingStatus {
	case ComplaintStatusRejected:
		return true
	case ComplaintStatusPending:
		return c.PendingAssignment() == nil
	}
	return false
}

// ParseComplaintStatus normalizes stored status values.
func ParseComplaintStatus(raw string) (ComplaintStatus, error) {
	switch normalizeToken(raw) {
	case "pending", "open", "new":
		return ComplaintStatusPending, nil
	case "processing", "inprogress", "accepted":
		return ComplaintStatusProcessing, nil
	case "rejected":
		return ComplaintStatusRejected, nil
	case "completed", "resolved", "done":
		return ComplaintStatusCompleted, nil
	}
	return "", fmt.Errorf("%w: complaint status %q", ErrMalformedRecord, raw)
}

// ParsePriority normalizes stored priority values.
func ParsePriority(raw string) (Priority, error) {
	switch normalizeToken(raw) {
	case "low":
		return PriorityLow, nil
	case "medium", "normal":
		return PriorityMedium, nil
	case "high", "urgent":
		return PriorityHigh, nil
	}
	return "", fmt.Errorf("%w: priority %q", ErrMalformedRecord, raw)
}

// ParseAssignmentStatus normalizes stored assignment status values.
func ParseAssignmentStatus(raw string) (AssignmentStatus, error) {
	switch normalizeToken(raw) {
	case "pending":
		return AssignmentStatusPending, nil
	case "accept", "accepted":
		return AssignmentStatusAccepted, nil
	case "rejected", "reject":
		return AssignmentStatusRejected, nil
	}
	return "", fmt.Errorf("%w: assignment status %q", ErrMalformedRecord, raw)
}

// normalizeToken lower-cases and drops whitespace, '-' and '_' so that
// "In-Progress", "in_progress" and "inprogress" compare equal.
func normalizeToken(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch r {
		case ' ', '\t', '-', '_':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
