package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/mechanic-dispatch/internal/domain"
	"github.com/spec-kit/mechanic-dispatch/internal/events"
)

// Gateway informs technicians and coordinators about assignment events.
// Implementations must not block; callers log and drop any error.
type Gateway interface {
	NotifyNewAssignment(ctx context.Context, mechanicID string, summary events.ComplaintSummary) error
	NotifyReassignment(ctx context.Context, recipientEmail string, notice ReassignmentNotice) error
	NotifyNoMechanicAvailable(ctx context.Context, notice NoMechanicNotice) error
	NotifyAssignmentAccepted(ctx context.Context, notice AcceptedNotice) error
}

// ReassignmentNotice describes a complaint moving to another mechanic.
type ReassignmentNotice struct {
	ComplaintID   string
	OldMechanicID *string
	NewMechanicID string
	Reason        string
}

// NoMechanicNotice describes a matcher miss that was queued for retry.
type NoMechanicNotice struct {
	ComplaintID       string
	ProductCategory   string
	Priority          domain.Priority
	ExcludeMechanicID *string
	RecipientEmail    string
	RetryAt           time.Time
}

// AcceptedNotice tells the customer who is handling the complaint.
type AcceptedNotice struct {
	ComplaintID   string
	MechanicID    string
	MechanicName  string
	CustomerEmail string
	CustomerPhone string
}

// EventGateway publishes every notification as an event on a dispatcher.
type EventGateway struct {
	dispatcher events.Dispatcher
	now        func() time.Time
}

// NewEventGateway builds a gateway on top of dispatcher.
func NewEventGateway(dispatcher events.Dispatcher) *EventGateway {
	return &EventGateway{dispatcher: dispatcher, now: time.Now}
}

func (g *EventGateway) NotifyNewAssignment(ctx context.Context, mechanicID string, summary events.ComplaintSummary) error {
	return g.publish(ctx, events.EventMechanicAssigned, summary.ComplaintID, events.MechanicAssignedPayload{
		MechanicID: mechanicID,
		Complaint:  summary,
	})
}

func (g *EventGateway) NotifyReassignment(ctx context.Context, recipientEmail string, notice ReassignmentNotice) error {
	return g.publish(ctx, events.EventComplaintReassigned, notice.ComplaintID, events.ComplaintReassignedPayload{
		RecipientEmail: recipientEmail,
		OldMechanicID:  notice.OldMechanicID,
		NewMechanicID:  notice.NewMechanicID,
		Reason:         notice.Reason,
	})
}

func (g *EventGateway) NotifyNoMechanicAvailable(ctx context.Context, notice NoMechanicNotice) error {
	return g.publish(ctx, events.EventNoMechanicAvailable, notice.ComplaintID, events.NoMechanicAvailablePayload{
		ProductCategory:   notice.ProductCategory,
		Priority:          notice.Priority,
		ExcludeMechanicID: notice.ExcludeMechanicID,
		RecipientEmail:    notice.RecipientEmail,
		RetryAt:           notice.RetryAt,
	})
}

func (g *EventGateway) NotifyAssignmentAccepted(ctx context.Context, notice AcceptedNotice) error {
	return g.publish(ctx, events.EventAssignmentAccepted, notice.ComplaintID, events.AssignmentAcceptedPayload{
		MechanicID:    notice.MechanicID,
		MechanicName:  notice.MechanicName,
		CustomerEmail: notice.CustomerEmail,
		CustomerPhone: notice.CustomerPhone,
	})
}

func (g *EventGateway) publish(ctx context.Context, eventType events.EventType, complaintID string, payload any) error {
	if g.dispatcher == nil {
		return nil
	}
	return g.dispatcher.Publish(ctx, events.Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		ComplaintID: complaintID,
		Timestamp:   g.now().UTC(),
		Payload:     payload,
	})
}
