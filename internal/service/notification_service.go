package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/mechanic-dispatch/internal/events"
	"github.com/spec-kit/mechanic-dispatch/internal/notify"
	"github.com/spec-kit/mechanic-dispatch/internal/observability"
)

// NotificationService delivers assignment events to technicians, coordinators
// and customers over the configured transports.
type NotificationService struct {
	dispatcher events.Dispatcher
	publishers []notify.Publisher
	mailer     notify.Mailer
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// NotificationDependencies bundles transports. Nil transports are skipped.
type NotificationDependencies struct {
	Dispatcher events.Dispatcher
	Publishers []notify.Publisher
	Mailer     notify.Mailer
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// NewNotificationService creates the service.
func NewNotificationService(deps NotificationDependencies) *NotificationService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publishers := make([]notify.Publisher, 0, len(deps.Publishers))
	for _, p := range deps.Publishers {
		if p != nil {
			publishers = append(publishers, p)
		}
	}
	return &NotificationService{
		dispatcher: deps.Dispatcher,
		publishers: publishers,
		mailer:     deps.Mailer,
		logger:     logger,
		metrics:    deps.Metrics,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventMechanicAssigned, n.handleMechanicAssigned)
	n.dispatcher.Subscribe(events.EventAssignmentAccepted, n.handleAssignmentAccepted)
	n.dispatcher.Subscribe(events.EventComplaintReassigned, n.handleComplaintReassigned)
	n.dispatcher.Subscribe(events.EventNoMechanicAvailable, n.handleNoMechanicAvailable)
}

func (n *NotificationService) handleMechanicAssigned(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.MechanicAssignedPayload)
	if !ok {
		return unexpectedPayload(event)
	}
	n.logger.Info("MechanicAssigned",
		zap.String("complaint_id", event.ComplaintID),
		zap.String("mechanic_id", payload.MechanicID))
	return n.publish(ctx, event, notify.MechanicAudience(payload.MechanicID))
}

func (n *NotificationService) handleAssignmentAccepted(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.AssignmentAcceptedPayload)
	if !ok {
		return unexpectedPayload(event)
	}
	n.logger.Info("AssignmentAccepted",
		zap.String("complaint_id", event.ComplaintID),
		zap.String("mechanic_id", payload.MechanicID))
	err := n.publish(ctx, event, notify.AudienceCoordinators)
	if payload.CustomerPhone != "" {
		// No SMS transport is wired; the phone number only lands in the log.
		n.logger.Debug("sms notification skipped",
			zap.String("complaint_id", event.ComplaintID),
			zap.String("phone", payload.CustomerPhone))
	}
	subject := fmt.Sprintf("Complaint %s accepted", event.ComplaintID)
	body := fmt.Sprintf("Your complaint %s has been accepted by %s. They will contact you shortly.",
		event.ComplaintID, mechanicLabel(payload.MechanicName, payload.MechanicID))
	return errors.Join(err, n.mail(ctx, event, payload.CustomerEmail, subject, body))
}

func (n *NotificationService) handleComplaintReassigned(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ComplaintReassignedPayload)
	if !ok {
		return unexpectedPayload(event)
	}
	n.logger.Info("ComplaintReassigned",
		zap.String("complaint_id", event.ComplaintID),
		zap.String("new_mechanic_id", payload.NewMechanicID))
	err := n.publish(ctx, event, notify.AudienceCoordinators)

	var b strings.Builder
	fmt.Fprintf(&b, "Complaint %s has been reassigned to mechanic %s.", event.ComplaintID, payload.NewMechanicID)
	if payload.OldMechanicID != nil {
		fmt.Fprintf(&b, " Previous mechanic: %s.", *payload.OldMechanicID)
	}
	if payload.Reason != "" {
		fmt.Fprintf(&b, " Reason: %s.", payload.Reason)
	}
	subject := fmt.Sprintf("Complaint %s reassigned", event.ComplaintID)
	return errors.Join(err, n.mail(ctx, event, payload.RecipientEmail, subject, b.String()))
}

func (n *NotificationService) handleNoMechanicAvailable(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.NoMechanicAvailablePayload)
	if !ok {
		return unexpectedPayload(event)
	}
	n.logger.Warn("NoMechanicAvailable",
		zap.String("complaint_id", event.ComplaintID),
		zap.String("category", payload.ProductCategory),
		zap.Time("retry_at", payload.RetryAt))
	return n.publish(ctx, event, notify.AudienceCoordinators)
}

// publish sends the event on every transport. A failing transport does not
// stop the others.
func (n *NotificationService) publish(ctx context.Context, event events.Event, audience string) error {
	var errs []error
	for _, p := range n.publishers {
		if err := p.Publish(ctx, audience, event); err != nil {
			n.metrics.RecordNotificationFailure(string(event.Type))
			n.logger.Warn("notification publish failed",
				zap.String("event_type", string(event.Type)),
				zap.String("audience", audience),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *NotificationService) mail(ctx context.Context, event events.Event, to, subject, body string) error {
	to = strings.TrimSpace(to)
	if n.mailer == nil || to == "" {
		return nil
	}
	if err := n.mailer.Send(ctx, to, subject, body); err != nil {
		n.metrics.RecordNotificationFailure("email")
		n.logger.Warn("notification mail failed",
			zap.String("event_type", string(event.Type)),
			zap.String("complaint_id", event.ComplaintID),
			zap.Error(err))
		return err
	}
	return nil
}

func unexpectedPayload(event events.Event) error {
	return fmt.Errorf("unexpected payload %T for %s", event.Payload, event.Type)
}

func mechanicLabel(name, id string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return "mechanic " + id
}
