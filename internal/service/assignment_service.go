package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/mechanic-dispatch/internal/domain"
	"github.com/spec-kit/mechanic-dispatch/internal/events"
	"github.com/spec-kit/mechanic-dispatch/internal/notify"
	"github.com/spec-kit/mechanic-dispatch/internal/observability"
	"github.com/spec-kit/mechanic-dispatch/internal/repository"
	apperrors "github.com/spec-kit/mechanic-dispatch/pkg/util/errorutil"
)

// Outcome reports whether a lifecycle operation was applied. Expected business
// conflicts come back as an unsuccessful Outcome rather than an error.
type Outcome struct {
	Success   bool
	Code      string
	Reason    string
	Complaint *domain.Complaint
	// Mechanic is the technician that received a new offer, if any.
	Mechanic *domain.MechanicRef
	// Job is the reassignment queued when nobody could be offered the work.
	Job *domain.ReassignmentJob
}

func conflict(reason string) *Outcome {
	return &Outcome{Code: apperrors.CodeConflict, Reason: reason}
}

// ReassignResult is what a reassignment job run achieved.
type ReassignResult string

const (
	ReassignAssigned   ReassignResult = "assigned"
	ReassignSuperseded ReassignResult = "superseded"
	ReassignNoMechanic ReassignResult = "no_mechanic"
)

// CompletionInput carries what a mechanic reports when closing a complaint.
type CompletionInput struct {
	Description      string
	EvidenceRefs     []string
	PaymentMethod    string
	PaymentAmount    float64
	PaymentReference string
}

// AssignmentService drives the assignment lifecycle of complaints.
type AssignmentService struct {
	complaints repository.ComplaintRepository
	employees  repository.EmployeeRepository
	history    repository.ComplaintHistoryRepository
	finder     MechanicFinder
	queue      Enqueuer
	gateway    notify.Gateway
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// AssignmentDependencies bundles repositories and collaborators.
type AssignmentDependencies struct {
	ComplaintRepo repository.ComplaintRepository
	EmployeeRepo  repository.EmployeeRepository
	HistoryRepo   repository.ComplaintHistoryRepository
	Finder        MechanicFinder
	Queue         Enqueuer
	Gateway       notify.Gateway
	Logger        *zap.Logger
	Metrics       *observability.Metrics
	Now           func() time.Time
}

// NewAssignmentService creates the service.
func NewAssignmentService(deps AssignmentDependencies) *AssignmentService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &AssignmentService{
		complaints: deps.ComplaintRepo,
		employees:  deps.EmployeeRepo,
		history:    deps.HistoryRepo,
		finder:     deps.Finder,
		queue:      deps.Queue,
		gateway:    deps.Gateway,
		logger:     logger,
		metrics:    deps.Metrics,
		now:        now,
	}
}

// AssignComplaint offers a complaint that is waiting for a technician to the
// best match, or queues a retry when nobody qualifies.
func (s *AssignmentService) AssignComplaint(ctx context.Context, actorID, complaintID string) (*Outcome, error) {
	complaint, err := s.loadComplaint(ctx, complaintID)
	if err != nil {
		return nil, err
	}
	if !complaint.NeedsMechanic() {
		s.metrics.RecordTransition("assign", "conflict")
		return conflict("complaint is not waiting for a mechanic"), nil
	}

	ref, err := s.finder.FindBestMechanic(ctx, complaint.ProductCategory, complaint.Priority, "")
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	if ref == nil {
		job, err := s.queue.Schedule(ctx, complaint.ID, "", 0, JobReasonMatcherMiss)
		if err != nil {
			return nil, err
		}
		s.notifyNoMechanic(ctx, complaint, nil, job)
		s.metrics.RecordTransition("assign", "queued")
		return &Outcome{Success: true, Complaint: complaint, Job: job}, nil
	}

	updated, err := s.offer(ctx, actorID, complaint, ref)
	if err != nil {
		if isOfferConflict(err) {
			s.metrics.RecordTransition("assign", "conflict")
			return conflict("complaint changed while assigning"), nil
		}
		return nil, apperrors.MapError(err)
	}
	s.notifyNewAssignment(ctx, ref.ID, updated)
	s.metrics.RecordTransition("assign", "ok")
	return &Outcome{Success: true, Complaint: updated, Mechanic: ref}, nil
}

// Accept lets the offered mechanic take the complaint. The mechanic becomes
// Occupied; losing any race leaves every record as it was.
func (s *AssignmentService) Accept(ctx context.Context, complaintID, mechanicID string) (*Outcome, error) {
	complaint, err := s.loadComplaint(ctx, complaintID)
	if err != nil {
		return nil, err
	}
	mechanic, err := s.loadMechanic(ctx, mechanicID)
	if err != nil {
		return nil, err
	}
	pending := complaint.PendingAssignment()
	if pending == nil || pending.MechanicID != mechanicID {
		s.metrics.RecordTransition("accept", "conflict")
		return conflict("no pending assignment for this mechanic"), nil
	}

	occupied, err := s.employees.CompareAndSetWorkingStatus(ctx, mechanicID, domain.WorkingStatusAvailable, domain.WorkingStatusOccupied)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	if !occupied {
		s.metrics.RecordTransition("accept", "conflict")
		return conflict("mechanic is not available"), nil
	}

	accepted, err := s.complaints.AcceptAssignment(ctx, complaintID, mechanicID)
	if err != nil || !accepted {
		s.releaseMechanic(ctx, mechanicID)
		if err != nil {
			return nil, apperrors.MapError(err)
		}
		s.metrics.RecordTransition("accept", "conflict")
		return conflict("assignment is no longer pending"), nil
	}

	s.record(ctx, complaintID, &mechanicID, domain.HistoryAccepted, map[string]any{"mechanic_id": mechanicID})
	s.notify(ctx, "accepted", complaintID, func(g notify.Gateway) error {
		return g.NotifyAssignmentAccepted(ctx, notify.AcceptedNotice{
			ComplaintID:   complaintID,
			MechanicID:    mechanic.ID,
			MechanicName:  mechanic.Name,
			CustomerEmail: complaint.CreatorEmail,
			CustomerPhone: complaint.CustomerPhone,
		})
	})
	s.metrics.RecordTransition("accept", "ok")

	updated, err := s.loadComplaint(ctx, complaintID)
	if err != nil {
		return nil, err
	}
	return &Outcome{Success: true, Complaint: updated}, nil
}

// Reject records the mechanic's refusal and immediately looks for another
// technician, excluding the one who rejected. When nobody qualifies a retry is
// queued.
func (s *AssignmentService) Reject(ctx context.Context, complaintID, mechanicID, reason string) (*Outcome, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperrors.NewValidationError("rejection reason is required", map[string]any{"field": "reason"})
	}
	complaint, err := s.loadComplaint(ctx, complaintID)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadMechanic(ctx, mechanicID); err != nil {
		return nil, err
	}

	rejected, err := s.complaints.RejectAssignment(ctx, complaintID, mechanicID, reason)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	if !rejected {
		s.metrics.RecordTransition("reject", "conflict")
		return conflict("assignment is no longer pending"), nil
	}
	s.freeIfIdle(ctx, mechanicID)
	s.record(ctx, complaintID, &mechanicID, domain.HistoryRejected, map[string]any{
		"mechanic_id": mechanicID,
		"reason":      reason,
	})
	s.metrics.RecordTransition("reject", "ok")

	outcome := &Outcome{Success: true}
	ref, err := s.finder.FindBestMechanic(ctx, complaint.ProductCategory, complaint.Priority, mechanicID)
	if err != nil {
		// The rejection is committed; leave the search to the scheduler.
		s.logger.Error("matcher failed after rejection",
			zap.String("complaint_id", complaintID),
			zap.Error(err))
	}
	if ref != nil {
		complaint.WorkingStatus = domain.ComplaintStatusRejected
		updated, offerErr := s.offer(ctx, mechanicID, complaint, ref)
		switch {
		case offerErr == nil:
			outcome.Mechanic = ref
			outcome.Complaint = updated
			s.notifyNewAssignment(ctx, ref.ID, updated)
			s.notifyReassigned(ctx, updated, &mechanicID, ref.ID, reason)
			return outcome, nil
		case isOfferConflict(offerErr):
			s.logger.Info("complaint reassigned concurrently",
				zap.String("complaint_id", complaintID))
			return s.withComplaint(ctx, outcome, complaintID)
		default:
			s.logger.Error("reassign after rejection failed",
				zap.String("complaint_id", complaintID),
				zap.String("mechanic_id", ref.ID),
				zap.Error(offerErr))
		}
	}

	// An older job may still be open from a matcher miss; it neither excludes
	// this mechanic nor runs on the rejection schedule.
	job, err := s.queue.Replace(ctx, complaintID, mechanicID, 0, JobReasonRejected)
	if err != nil {
		return nil, err
	}
	outcome.Job = job
	s.notifyNoMechanic(ctx, complaint, &mechanicID, job)
	return s.withComplaint(ctx, outcome, complaintID)
}

// Complete closes a processing complaint on behalf of the mechanic holding the
// accepted assignment and frees them.
func (s *AssignmentService) Complete(ctx context.Context, complaintID, mechanicID string, input CompletionInput) (*Outcome, error) {
	input.Description = strings.TrimSpace(input.Description)
	if input.Description == "" {
		return nil, apperrors.NewValidationError("completion description is required", map[string]any{"field": "description"})
	}
	if input.PaymentAmount < 0 {
		return nil, apperrors.NewValidationError("payment amount must not be negative", map[string]any{"field": "payment_amount"})
	}
	complaint, err := s.loadComplaint(ctx, complaintID)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadMechanic(ctx, mechanicID); err != nil {
		return nil, err
	}
	if complaint.WorkingStatus != domain.ComplaintStatusProcessing {
		s.metrics.RecordTransition("complete", "conflict")
		return conflict("complaint is not in progress"), nil
	}
	accepted := complaint.AcceptedAssignment()
	if accepted == nil || accepted.MechanicID != mechanicID {
		s.metrics.RecordTransition("complete", "conflict")
		return conflict("mechanic does not hold this complaint"), nil
	}

	details := domain.CompletionDetails{
		Description:      input.Description,
		EvidenceRefs:     input.EvidenceRefs,
		PaymentMethod:    strings.TrimSpace(input.PaymentMethod),
		PaymentAmount:    input.PaymentAmount,
		PaymentReference: strings.TrimSpace(input.PaymentReference),
		CompletedAt:      s.now().UTC(),
	}
	done, err := s.complaints.Complete(ctx, complaintID, details)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	if !done {
		s.metrics.RecordTransition("complete", "conflict")
		return conflict("complaint was already completed"), nil
	}

	s.freeIfIdle(ctx, mechanicID)
	s.record(ctx, complaintID, &mechanicID, domain.HistoryCompleted, map[string]any{
		"mechanic_id":    mechanicID,
		"payment_method": details.PaymentMethod,
		"payment_amount": details.PaymentAmount,
	})
	s.metrics.RecordTransition("complete", "ok")
	return s.withComplaint(ctx, &Outcome{Success: true}, complaintID)
}

// ReassignComplaint is the body of a reassignment job. It is idempotent: a
// complaint that no longer waits for a technician is left untouched.
func (s *AssignmentService) ReassignComplaint(ctx context.Context, job *domain.ReassignmentJob) (ReassignResult, error) {
	complaint, err := s.complaints.GetByID(ctx, job.ComplaintID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ReassignSuperseded, nil
		}
		return "", err
	}
	if !complaint.NeedsMechanic() {
		return ReassignSuperseded, nil
	}

	exclude := job.Excluded()
	if exclude == "" {
		exclude = complaint.LastRejectedBy()
	}
	ref, err := s.finder.FindBestMechanic(ctx, complaint.ProductCategory, complaint.Priority, exclude)
	if err != nil {
		return "", err
	}
	if ref == nil {
		return ReassignNoMechanic, nil
	}

	updated, err := s.offer(ctx, "", complaint, ref)
	if err != nil {
		if isOfferConflict(err) {
			return ReassignSuperseded, nil
		}
		return "", err
	}
	s.notifyNewAssignment(ctx, ref.ID, updated)
	s.notifyReassigned(ctx, updated, job.ExcludeMechanicID, ref.ID, job.Reason)
	return ReassignAssigned, nil
}

// PreviewMatch runs the matcher without assigning anything.
func (s *AssignmentService) PreviewMatch(ctx context.Context, category, priority, excludeID string) (*domain.MechanicRef, error) {
	p, err := domain.ParsePriority(priority)
	if err != nil {
		return nil, apperrors.NewValidationError("unknown priority", map[string]any{"priority": priority})
	}
	ref, err := s.finder.FindBestMechanic(ctx, category, p, excludeID)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return ref, nil
}

// History returns the audit trail of a complaint, oldest first.
func (s *AssignmentService) History(ctx context.Context, complaintID string) ([]domain.ComplaintHistory, error) {
	if _, err := s.loadComplaint(ctx, complaintID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, nil
	}
	entries, err := s.history.ListByComplaint(ctx, complaintID)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return entries, nil
}

// offer appends a pending assignment for ref, conditional on the complaint
// still being in the status it was read with.
func (s *AssignmentService) offer(ctx context.Context, actorID string, complaint *domain.Complaint, ref *domain.MechanicRef) (*domain.Complaint, error) {
	updated, err := s.complaints.AppendAssignment(ctx, complaint.ID, domain.Assignment{
		MechanicID: ref.ID,
		Status:     domain.AssignmentStatusPending,
		AssignedAt: s.now().UTC(),
	}, complaint.WorkingStatus)
	if err != nil {
		return nil, err
	}
	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	s.record(ctx, complaint.ID, actor, domain.HistoryAssigned, map[string]any{
		"mechanic_id": ref.ID,
		"tier":        string(ref.Tier),
	})
	s.logger.Info("complaint offered",
		zap.String("complaint_id", complaint.ID),
		zap.String("mechanic_id", ref.ID),
		zap.String("tier", string(ref.Tier)))
	return updated, nil
}

func isOfferConflict(err error) bool {
	return errors.Is(err, repository.ErrComplaintStateChanged) || errors.Is(err, repository.ErrPendingAssignmentExists)
}

func (s *AssignmentService) loadComplaint(ctx context.Context, id string) (*domain.Complaint, error) {
	complaint, err := s.complaints.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFound("complaint", map[string]any{"complaint_id": id})
		}
		return nil, apperrors.MapError(err)
	}
	if complaint.IsDeleted {
		return nil, apperrors.NewNotFound("complaint", map[string]any{"complaint_id": id})
	}
	return complaint, nil
}

func (s *AssignmentService) loadMechanic(ctx context.Context, id string) (*domain.Employee, error) {
	employee, err := s.employees.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFound("mechanic", map[string]any{"mechanic_id": id})
		}
		return nil, apperrors.MapError(err)
	}
	if employee.Position != domain.PositionMechanic || employee.IsDeleted {
		return nil, apperrors.NewNotFound("mechanic", map[string]any{"mechanic_id": id})
	}
	return employee, nil
}

func (s *AssignmentService) withComplaint(ctx context.Context, outcome *Outcome, complaintID string) (*Outcome, error) {
	complaint, err := s.loadComplaint(ctx, complaintID)
	if err != nil {
		return nil, err
	}
	outcome.Complaint = complaint
	return outcome, nil
}

// releaseMechanic undoes an Available to Occupied flip.
func (s *AssignmentService) releaseMechanic(ctx context.Context, mechanicID string) {
	if _, err := s.employees.CompareAndSetWorkingStatus(ctx, mechanicID, domain.WorkingStatusOccupied, domain.WorkingStatusAvailable); err != nil {
		s.logger.Error("revert mechanic status failed",
			zap.String("mechanic_id", mechanicID),
			zap.Error(err))
	}
}

// freeIfIdle marks the mechanic Available unless they still work on an
// accepted complaint.
func (s *AssignmentService) freeIfIdle(ctx context.Context, mechanicID string) {
	busy, err := s.complaints.CountInProgressByMechanic(ctx, mechanicID)
	if err != nil {
		s.logger.Error("count in-progress complaints failed",
			zap.String("mechanic_id", mechanicID),
			zap.Error(err))
		return
	}
	if busy > 0 {
		return
	}
	s.releaseMechanic(ctx, mechanicID)
}

func (s *AssignmentService) record(ctx context.Context, complaintID string, actorID *string, eventType domain.ComplaintEventType, details map[string]any) {
	if s.history == nil {
		return
	}
	if err := s.history.Create(ctx, &domain.ComplaintHistory{
		ComplaintID: complaintID,
		ActorID:     actorID,
		EventType:   eventType,
		Details:     details,
	}); err != nil {
		s.logger.Warn("record complaint history failed",
			zap.String("complaint_id", complaintID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

func summarize(c *domain.Complaint) events.ComplaintSummary {
	return events.ComplaintSummary{
		ComplaintID:     c.ID,
		ProductCategory: c.ProductCategory,
		Priority:        c.Priority,
		CreatedBy:       c.CreatedBy,
	}
}

func (s *AssignmentService) notifyNewAssignment(ctx context.Context, mechanicID string, complaint *domain.Complaint) {
	s.notify(ctx, "new_assignment", complaint.ID, func(g notify.Gateway) error {
		return g.NotifyNewAssignment(ctx, mechanicID, summarize(complaint))
	})
}

func (s *AssignmentService) notifyReassigned(ctx context.Context, complaint *domain.Complaint, oldMechanicID *string, newMechanicID, reason string) {
	s.notify(ctx, "reassignment", complaint.ID, func(g notify.Gateway) error {
		return g.NotifyReassignment(ctx, complaint.CreatorEmail, notify.ReassignmentNotice{
			ComplaintID:   complaint.ID,
			OldMechanicID: oldMechanicID,
			NewMechanicID: newMechanicID,
			Reason:        reason,
		})
	})
}

func (s *AssignmentService) notifyNoMechanic(ctx context.Context, complaint *domain.Complaint, excludeID *string, job *domain.ReassignmentJob) {
	s.notify(ctx, "no_mechanic", complaint.ID, func(g notify.Gateway) error {
		return g.NotifyNoMechanicAvailable(ctx, notify.NoMechanicNotice{
			ComplaintID:       complaint.ID,
			ProductCategory:   complaint.ProductCategory,
			Priority:          complaint.Priority,
			ExcludeMechanicID: excludeID,
			RecipientEmail:    complaint.CreatorEmail,
			RetryAt:           job.NextRunAt,
		})
	})
}

// notify delivers best effort; failures are logged and never surface.
func (s *AssignmentService) notify(ctx context.Context, kind, complaintID string, send func(notify.Gateway) error) {
	if s.gateway == nil {
		return
	}
	if err := send(s.gateway); err != nil {
		s.metrics.RecordNotificationFailure(kind)
		s.logger.Warn("notification dropped",
			zap.String("kind", kind),
			zap.String("complaint_id", complaintID),
			zap.Error(err))
	}
}
