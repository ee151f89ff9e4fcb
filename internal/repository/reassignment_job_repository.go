package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/mechanic-dispatch/internal/domain"
)

// ReassignmentJobRepository persists delayed reassignment jobs.
type ReassignmentJobRepository interface {
	// Create inserts job unless the complaint already has an open job, in which
	// case the existing job is returned and created is false.
	Create(ctx context.Context, job *domain.ReassignmentJob) (existing *domain.ReassignmentJob, created bool, err error)
	GetOpenByComplaint(ctx context.Context, complaintID string) (*domain.ReassignmentJob, error)
	// ClaimDue locks up to limit open jobs due at now whose lock is unset or
	// older than staleBefore.
	ClaimDue(ctx context.Context, workerID string, now, staleBefore time.Time, limit int) ([]domain.ReassignmentJob, error)
	// ReleaseStale clears locks older than staleBefore on open jobs.
	ReleaseStale(ctx context.Context, staleBefore time.Time) (int64, error)
	// Finish marks a claimed job as done.
	Finish(ctx context.Context, jobID, workerID string, finishedAt time.Time, lastErr *string) error
	// Reschedule finishes a claimed job and creates its successor atomically.
	Reschedule(ctx context.Context, jobID, workerID string, finishedAt time.Time, lastErr *string, next *domain.ReassignmentJob) error
	// Supersede finishes whatever job is open for next's complaint, locked or
	// not, and inserts next in the same transaction. It returns the id of the
	// job it replaced, or "" when none was open.
	Supersede(ctx context.Context, next *domain.ReassignmentJob, finishedAt time.Time) (replacedID string, err error)
}

var (
	// ErrJobLockLost is returned when a worker finishes a job it no longer holds.
	ErrJobLockLost = errors.New("reassignment job lock lost")
	// ErrJobQueuedConcurrently is returned by Supersede when another
	// transaction queued a job for the complaint first.
	ErrJobQueuedConcurrently = errors.New("reassignment job queued concurrently")
)

// SupersededJobError is recorded as last_error on jobs replaced by Supersede.
const SupersededJobError = "superseded by a newer reassignment"

type reassignmentJobRepository struct {
	pool *pgxpool.Pool
}

// NewReassignmentJobRepository instantiates the repository.
func NewReassignmentJobRepository(pool *pgxpool.Pool) ReassignmentJobRepository {
	return &reassignmentJobRepository{pool: pool}
}

const jobColumns = `id, complaint_id, exclude_mechanic_id, reason, attempt, next_run_at,
               locked_at, locked_by, last_finished_at, last_error, created_at`

func (r *reassignmentJobRepository) Create(ctx context.Context, job *domain.ReassignmentJob) (*domain.ReassignmentJob, bool, error) {
	created, err := insertJob(ctx, r.pool, job)
	if err != nil {
		return nil, false, err
	}
	if created {
		return job, true, nil
	}
	existing, err := r.GetOpenByComplaint(ctx, job.ComplaintID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *reassignmentJobRepository) GetOpenByComplaint(ctx context.Context, complaintID string) (*domain.ReassignmentJob, error) {
	query := `SELECT ` + jobColumns + ` FROM reassignment_jobs
        WHERE complaint_id=$1 AND last_finished_at IS NULL`
	rows, err := r.pool.Query(ctx, query, complaintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, pgx.ErrNoRows
	}
	return &jobs[0], nil
}

func (r *reassignmentJobRepository) ClaimDue(ctx context.Context, workerID string, now, staleBefore time.Time, limit int) ([]domain.ReassignmentJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
        UPDATE reassignment_jobs SET locked_at=$1, locked_by=$2
        WHERE id IN (
            SELECT id FROM reassignment_jobs
            WHERE last_finished_at IS NULL
              AND next_run_at <= $1
              AND (locked_at IS NULL OR locked_at < $3)
            ORDER BY next_run_at ASC
            LIMIT $4
            FOR UPDATE SKIP LOCKED
        )
        RETURNING ` + jobColumns
	rows, err := r.pool.Query(ctx, query, now, workerID, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (r *reassignmentJobRepository) ReleaseStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	const query = `
        UPDATE reassignment_jobs SET locked_at=NULL, locked_by=NULL
        WHERE last_finished_at IS NULL AND locked_at IS NOT NULL AND locked_at < $1`
	cmd, err := r.pool.Exec(ctx, query, staleBefore)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (r *reassignmentJobRepository) Finish(ctx context.Context, jobID, workerID string, finishedAt time.Time, lastErr *string) error {
	return finishJob(ctx, r.pool, jobID, workerID, finishedAt, lastErr)
}

func (r *reassignmentJobRepository) Reschedule(ctx context.Context, jobID, workerID string, finishedAt time.Time, lastErr *string, next *domain.ReassignmentJob) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := finishJob(ctx, tx, jobID, workerID, finishedAt, lastErr); err != nil {
			return err
		}
		// a false insert means another path already queued a job for this complaint
		_, err := insertJob(ctx, tx, next)
		return err
	})
}

func (r *reassignmentJobRepository) Supersede(ctx context.Context, next *domain.ReassignmentJob, finishedAt time.Time) (string, error) {
	var replaced string
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const finishOpen = `
            UPDATE reassignment_jobs SET last_finished_at=$1, last_error=$2, locked_at=NULL
            WHERE complaint_id=$3 AND last_finished_at IS NULL
            RETURNING id`
		err := tx.QueryRow(ctx, finishOpen, finishedAt, SupersededJobError, next.ComplaintID).Scan(&replaced)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		created, err := insertJob(ctx, tx, next)
		if err != nil {
			return err
		}
		if !created {
			return ErrJobQueuedConcurrently
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return replaced, nil
}

type rowQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func finishJob(ctx context.Context, db rowQueryer, jobID, workerID string, finishedAt time.Time, lastErr *string) error {
	const query = `
        UPDATE reassignment_jobs SET last_finished_at=$1, last_error=$2, locked_at=NULL
        WHERE id=$3 AND locked_by=$4 AND last_finished_at IS NULL
        RETURNING id`
	var id string
	if err := db.QueryRow(ctx, query, finishedAt, lastErr, jobID, workerID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrJobLockLost
		}
		return err
	}
	return nil
}

func insertJob(ctx context.Context, db rowQueryer, job *domain.ReassignmentJob) (bool, error) {
	const query = `
        INSERT INTO reassignment_jobs (id, complaint_id, exclude_mechanic_id, reason, attempt, next_run_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (complaint_id) WHERE last_finished_at IS NULL DO NOTHING
        RETURNING created_at`
	err := db.QueryRow(ctx, query,
		job.ID,
		job.ComplaintID,
		job.ExcludeMechanicID,
		job.Reason,
		job.Attempt,
		job.NextRunAt,
	).Scan(&job.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func scanJobs(rows pgx.Rows) ([]domain.ReassignmentJob, error) {
	var result []domain.ReassignmentJob
	for rows.Next() {
		var job domain.ReassignmentJob
		if err := rows.Scan(
			&job.ID,
			&job.ComplaintID,
			&job.ExcludeMechanicID,
			&job.Reason,
			&job.Attempt,
			&job.NextRunAt,
			&job.LockedAt,
			&job.LockedBy,
			&job.LastFinishedAt,
			&job.LastError,
			&job.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, rows.Err()
}
