package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/spec-kit/mechanic-dispatch/internal/config"
	"github.com/spec-kit/mechanic-dispatch/internal/domain"
	"github.com/spec-kit/mechanic-dispatch/internal/observability"
	"github.com/spec-kit/mechanic-dispatch/internal/repository"
	"github.com/spec-kit/mechanic-dispatch/internal/service"
)

// JobQueue is the durable queue the scheduler drains.
type JobQueue interface {
	Claim(ctx context.Context, workerID string, limit int, lockLifetime time.Duration) ([]domain.ReassignmentJob, error)
	RecoverStale(ctx context.Context, lockLifetime time.Duration) (int64, error)
	Complete(ctx context.Context, job *domain.ReassignmentJob, workerID string) error
	Retry(ctx context.Context, job *domain.ReassignmentJob, workerID string, cause error, reason string) (*domain.ReassignmentJob, error)
}

// JobHandler runs the body of a reassignment job.
type JobHandler interface {
	ReassignComplaint(ctx context.Context, job *domain.ReassignmentJob) (service.ReassignResult, error)
}

// ReassignmentScheduler polls for due reassignment jobs and runs them on a
// bounded pool. Several schedulers may share one database; each claims jobs
// under its own worker id.
type ReassignmentScheduler struct {
	queue          JobQueue
	handler        JobHandler
	workerID       string
	interval       time.Duration
	lockLifetime   time.Duration
	maxConcurrency int64
	sem            *semaphore.Weighted
	logger         *zap.Logger
	metrics        *observability.Metrics

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup // poll loop
	jobs     sync.WaitGroup // in-flight jobs
}

// NewReassignmentScheduler builds a scheduler from cfg.
func NewReassignmentScheduler(queue JobQueue, handler JobHandler, cfg config.SchedulerConfig, logger *zap.Logger, metrics *observability.Metrics) *ReassignmentScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	lockLifetime := cfg.LockLifetime
	if lockLifetime <= 0 {
		lockLifetime = 10 * time.Minute
	}
	maxConcurrency := int64(cfg.MaxConcurrency)
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	return &ReassignmentScheduler{
		queue:          queue,
		handler:        handler,
		workerID:       "scheduler-" + uuid.NewString(),
		interval:       interval,
		lockLifetime:   lockLifetime,
		maxConcurrency: maxConcurrency,
		sem:            semaphore.NewWeighted(maxConcurrency),
		logger:         logger,
		metrics:        metrics,
		stopChan:       make(chan struct{}),
	}
}

// WorkerID identifies this scheduler in job locks.
func (s *ReassignmentScheduler) WorkerID() string {
	return s.workerID
}

// Start releases stale locks and begins polling in the background.
func (s *ReassignmentScheduler) Start(ctx context.Context) {
	s.logger.Info("starting reassignment scheduler",
		zap.String("worker_id", s.workerID),
		zap.Duration("interval", s.interval),
		zap.Int64("max_concurrency", s.maxConcurrency))

	if released, err := s.queue.RecoverStale(ctx, s.lockLifetime); err != nil {
		s.logger.Error("release stale job locks failed", zap.Error(err))
	} else if released > 0 {
		s.logger.Info("stale job locks released", zap.Int64("count", released))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// Stop ends polling and waits for in-flight jobs. Safe to call more than once.
func (s *ReassignmentScheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping reassignment scheduler")
		close(s.stopChan)
		s.wg.Wait()
		s.jobs.Wait()
		s.logger.Info("reassignment scheduler stopped")
	})
}

func (s *ReassignmentScheduler) loop(ctx context.Context) {
	s.Poll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reassignment scheduler stopped due to context cancellation")
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims as many due jobs as there are free slots and starts them. It
// returns the number of jobs started.
func (s *ReassignmentScheduler) Poll(ctx context.Context) int {
	free := 0
	for int64(free) < s.maxConcurrency && s.sem.TryAcquire(1) {
		free++
	}
	if free == 0 {
		return 0
	}

	jobs, err := s.queue.Claim(ctx, s.workerID, free, s.lockLifetime)
	if err != nil {
		s.sem.Release(int64(free))
		s.logger.Error("claim reassignment jobs failed", zap.Error(err))
		return 0
	}
	if unused := free - len(jobs); unused > 0 {
		s.sem.Release(int64(unused))
	}

	// Jobs outlive the poll that claimed them; shutdown waits instead of cancelling.
	jobCtx := context.WithoutCancel(ctx)
	for i := range jobs {
		job := jobs[i]
		s.jobs.Add(1)
		go func() {
			defer s.jobs.Done()
			defer s.sem.Release(1)
			s.run(jobCtx, &job)
		}()
	}
	if len(jobs) > 0 {
		s.logger.Debug("reassignment jobs claimed", zap.Int("count", len(jobs)))
	}
	return len(jobs)
}

// Wait blocks until every started job has finished.
func (s *ReassignmentScheduler) Wait() {
	s.jobs.Wait()
}

func (s *ReassignmentScheduler) run(ctx context.Context, job *domain.ReassignmentJob) {
	s.metrics.JobStarted()
	defer s.metrics.JobFinished()

	logger := s.logger.With(
		zap.String("job_id", job.ID),
		zap.String("complaint_id", job.ComplaintID),
		zap.Int("attempt", job.Attempt))

	result, err := s.handle(ctx, job)
	switch {
	case err != nil:
		logger.Error("reassignment job failed", zap.Error(err))
		s.metrics.RecordJobRun("error")
		s.retry(ctx, logger, job, err, service.JobReasonHandlerErr)
	case result == service.ReassignNoMechanic:
		logger.Info("no mechanic available, retrying later")
		s.metrics.RecordJobRun(string(result))
		s.retry(ctx, logger, job, nil, service.JobReasonMatcherMiss)
	default:
		logger.Info("reassignment job finished", zap.String("result", string(result)))
		s.metrics.RecordJobRun(string(result))
		if err := s.queue.Complete(ctx, job, s.workerID); err != nil {
			s.logFinishError(logger, err)
		}
	}
}

// handle runs the job body, turning a panic into an error.
func (s *ReassignmentScheduler) handle(ctx context.Context, job *domain.ReassignmentJob) (result service.ReassignResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reassignment job panicked: %v", r)
		}
	}()
	return s.handler.ReassignComplaint(ctx, job)
}

func (s *ReassignmentScheduler) retry(ctx context.Context, logger *zap.Logger, job *domain.ReassignmentJob, cause error, reason string) {
	next, err := s.queue.Retry(ctx, job, s.workerID, cause, reason)
	if err != nil {
		s.logFinishError(logger, err)
		return
	}
	logger.Info("reassignment rescheduled",
		zap.String("next_job_id", next.ID),
		zap.Int("next_attempt", next.Attempt),
		zap.Time("next_run_at", next.NextRunAt))
}

func (s *ReassignmentScheduler) logFinishError(logger *zap.Logger, err error) {
	if errors.Is(err, repository.ErrJobLockLost) {
		logger.Warn("job lock lost before finishing", zap.Error(err))
		return
	}
	// The lock expires after lockLifetime and another poll picks the job up.
	logger.Error("finish reassignment job failed", zap.Error(err))
}
