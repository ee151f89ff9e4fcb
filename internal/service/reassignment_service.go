package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/mechanic-dispatch/internal/config"
	"github.com/spec-kit/mechanic-dispatch/internal/domain"
	"github.com/spec-kit/mechanic-dispatch/internal/observability"
	"github.com/spec-kit/mechanic-dispatch/internal/repository"
	apperrors "github.com/spec-kit/mechanic-dispatch/pkg/util/errorutil"
)

// Reasons recorded on reassignment jobs.
const (
	JobReasonRejected    = "rejected_without_replacement"
	JobReasonMatcherMiss = "matcher_miss"
	JobReasonHandlerErr  = "handler_error"
)

// Enqueuer schedules a delayed reassignment of a complaint.
type Enqueuer interface {
	Schedule(ctx context.Context, complaintID, excludeMechanicID string, attempt int, reason string) (*domain.ReassignmentJob, error)
	Replace(ctx context.Context, complaintID, excludeMechanicID string, attempt int, reason string) (*domain.ReassignmentJob, error)
}

// ReassignmentService owns the durable job queue and its backoff policy.
type ReassignmentService struct {
	jobs    repository.ReassignmentJobRepository
	history repository.ComplaintHistoryRepository
	tiers   []time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *observability.Metrics
}

// ReassignmentDependencies bundles queue collaborators.
type ReassignmentDependencies struct {
	JobRepo      repository.ReassignmentJobRepository
	HistoryRepo  repository.ComplaintHistoryRepository
	BackoffTiers []time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
	Metrics      *observability.Metrics
}

// NewReassignmentService creates the service.
func NewReassignmentService(deps ReassignmentDependencies) *ReassignmentService {
	tiers := deps.BackoffTiers
	if len(tiers) == 0 {
		tiers = config.DefaultBackoffTiers
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReassignmentService{
		jobs:    deps.JobRepo,
		history: deps.HistoryRepo,
		tiers:   append([]time.Duration(nil), tiers...),
		now:     now,
		logger:  logger,
		metrics: deps.Metrics,
	}
}

// Backoff returns the delay for attempt; attempts past the last tier keep
// using the last tier.
func (s *ReassignmentService) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(s.tiers) {
		return s.tiers[len(s.tiers)-1]
	}
	return s.tiers[attempt]
}

// Schedule persists a job that runs after Backoff(attempt). A complaint has at
// most one open job; scheduling again returns the open one.
func (s *ReassignmentService) Schedule(ctx context.Context, complaintID, excludeMechanicID string, attempt int, reason string) (*domain.ReassignmentJob, error) {
	job := s.newJob(complaintID, excludeMechanicID, attempt, reason)
	stored, created, err := s.jobs.Create(ctx, job)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	if !created {
		s.logger.Info("reassignment already queued",
			zap.String("complaint_id", complaintID),
			zap.String("job_id", stored.ID),
			zap.Time("next_run_at", stored.NextRunAt))
		return stored, nil
	}

	s.metrics.RecordJobScheduled(stored.Attempt)
	s.recordScheduled(ctx, stored)
	s.logger.Info("reassignment scheduled",
		zap.String("complaint_id", complaintID),
		zap.String("job_id", stored.ID),
		zap.Int("attempt", stored.Attempt),
		zap.String("reason", reason),
		zap.Time("next_run_at", stored.NextRunAt))
	return stored, nil
}

// Replace queues a job that runs after Backoff(attempt), finishing any job
// already open for the complaint. Used when the open job's exclusion or
// schedule no longer describes the complaint, as after a rejection.
func (s *ReassignmentService) Replace(ctx context.Context, complaintID, excludeMechanicID string, attempt int, reason string) (*domain.ReassignmentJob, error) {
	job := s.newJob(complaintID, excludeMechanicID, attempt, reason)
	replaced, err := s.jobs.Supersede(ctx, job, s.now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrJobQueuedConcurrently) {
			return nil, apperrors.NewConflict("reassignment queued concurrently", map[string]any{"complaint_id": complaintID})
		}
		return nil, apperrors.MapError(err)
	}

	s.metrics.RecordJobScheduled(job.Attempt)
	s.recordScheduled(ctx, job)
	fields := []zap.Field{
		zap.String("complaint_id", complaintID),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.String("reason", reason),
		zap.Time("next_run_at", job.NextRunAt),
	}
	if replaced != "" {
		fields = append(fields, zap.String("replaced_job_id", replaced))
	}
	s.logger.Info("reassignment scheduled", fields...)
	return job, nil
}

// OpenJob returns the pending job of a complaint.
func (s *ReassignmentService) OpenJob(ctx context.Context, complaintID string) (*domain.ReassignmentJob, error) {
	job, err := s.jobs.GetOpenByComplaint(ctx, complaintID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFound("reassignment job", map[string]any{"complaint_id": complaintID})
		}
		return nil, apperrors.MapError(err)
	}
	return job, nil
}

// Claim locks up to limit due jobs for workerID. Locks older than
// lockLifetime are treated as abandoned.
func (s *ReassignmentService) Claim(ctx context.Context, workerID string, limit int, lockLifetime time.Duration) ([]domain.ReassignmentJob, error) {
	now := s.now().UTC()
	return s.jobs.ClaimDue(ctx, workerID, now, now.Add(-lockLifetime), limit)
}

// RecoverStale releases locks left behind by crashed workers.
func (s *ReassignmentService) RecoverStale(ctx context.Context, lockLifetime time.Duration) (int64, error) {
	return s.jobs.ReleaseStale(ctx, s.now().UTC().Add(-lockLifetime))
}

// Complete marks a claimed job finished.
func (s *ReassignmentService) Complete(ctx context.Context, job *domain.ReassignmentJob, workerID string) error {
	return s.jobs.Finish(ctx, job.ID, workerID, s.now().UTC(), nil)
}

// Retry finishes a claimed job and queues its successor one backoff tier
// further. cause is recorded on the finished job when set.
func (s *ReassignmentService) Retry(ctx context.Context, job *domain.ReassignmentJob, workerID string, cause error, reason string) (*domain.ReassignmentJob, error) {
	var lastErr *string
	if cause != nil {
		msg := cause.Error()
		lastErr = &msg
	}
	next := s.newJob(job.ComplaintID, job.Excluded(), job.Attempt+1, reason)
	if err := s.jobs.Reschedule(ctx, job.ID, workerID, s.now().UTC(), lastErr, next); err != nil {
		return nil, err
	}
	s.metrics.RecordJobScheduled(next.Attempt)
	s.recordScheduled(ctx, next)
	return next, nil
}

func (s *ReassignmentService) newJob(complaintID, excludeMechanicID string, attempt int, reason string) *domain.ReassignmentJob {
	var exclude *string
	if excludeMechanicID != "" {
		exclude = &excludeMechanicID
	}
	return &domain.ReassignmentJob{
		ID:                uuid.NewString(),
		ComplaintID:       complaintID,
		ExcludeMechanicID: exclude,
		Reason:            reason,
		Attempt:           attempt,
		NextRunAt:         s.now().UTC().Add(s.Backoff(attempt)),
	}
}

func (s *ReassignmentService) recordScheduled(ctx context.Context, job *domain.ReassignmentJob) {
	if s.history == nil {
		return
	}
	err := s.history.Create(ctx, &domain.ComplaintHistory{
		ComplaintID: job.ComplaintID,
		EventType:   domain.HistoryReassignmentScheduled,
		Details: map[string]any{
			"job_id":              job.ID,
			"attempt":             job.Attempt,
			"reason":              job.Reason,
			"next_run_at":         job.NextRunAt,
			"exclude_mechanic_id": job.ExcludeMechanicID,
		},
	})
	if err != nil {
		s.logger.Warn("record reassignment history failed",
			zap.String("complaint_id", job.ComplaintID),
			zap.Error(err))
	}
}
