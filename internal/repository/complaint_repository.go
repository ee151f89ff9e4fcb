package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/mechanic-dispatch/internal/domain"
)

// ComplaintRepository persists complaints and their assignment history.
type ComplaintRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Complaint, error)
	// CountActiveByMechanic counts non-resolved complaints on which the
	// mechanic holds a pending or accepted offer.
	CountActiveByMechanic(ctx context.Context, mechanicID string) (int, error)
	// ActivePrioritiesByMechanic returns the priorities of the complaints
	// counted by CountActiveByMechanic.
	ActivePrioritiesByMechanic(ctx context.Context, mechanicID string) ([]domain.Priority, error)
	// CountInProgressByMechanic counts processing complaints the mechanic accepted.
	CountInProgressByMechanic(ctx context.Context, mechanicID string) (int, error)
	// AppendAssignment adds a pending offer and moves the complaint to pending,
	// provided its working status is one of expected. It fails with
	// ErrComplaintStateChanged or ErrPendingAssignmentExists otherwise.
	AppendAssignment(ctx context.Context, complaintID string, assignment domain.Assignment, expected ...domain.ComplaintStatus) (*domain.Complaint, error)
	// AcceptAssignment marks the mechanic's pending offer accepted and moves
	// the complaint from pending to processing in one transaction. It reports
	// false and changes nothing when either row is no longer pending.
	AcceptAssignment(ctx context.Context, complaintID, mechanicID string) (bool, error)
	// RejectAssignment marks the mechanic's pending offer rejected with reason
	// and moves the complaint from pending to rejected, with the same
	// all-or-nothing contract as AcceptAssignment.
	RejectAssignment(ctx context.Context, complaintID, mechanicID, reason string) (bool, error)
	// Complete moves a processing complaint to completed and records details once.
	Complete(ctx context.Context, complaintID string, details domain.CompletionDetails) (bool, error)
}

type complaintRepository struct {
	pool *pgxpool.Pool
}

// NewComplaintRepository instantiates the repository.
func NewComplaintRepository(pool *pgxpool.Pool) ComplaintRepository {
	return &complaintRepository{pool: pool}
}

type completionRecord struct {
	Description      string    `json:"description"`
	EvidenceRefs     []string  `json:"evidence_refs"`
	PaymentMethod    string    `json:"payment_method"`
	PaymentAmount    float64   `json:"payment_amount"`
	PaymentReference string    `json:"payment_reference"`
	CompletedAt      time.Time `json:"completed_at"`
}

const activeForMechanic = `
        FROM complaints c
        JOIN complaint_assignments a ON a.complaint_id = c.id
        WHERE a.mechanic_id = $1
          AND canonical_assignment_status(a.status) IN ('pending', 'accept')
          AND canonical_complaint_status(c.working_status) IN ('pending', 'processing')
          AND NOT c.is_deleted`

func (r *complaintRepository) GetByID(ctx context.Context, id string) (*domain.Complaint, error) {
	return getComplaint(ctx, r.pool, id)
}

func (r *complaintRepository) CountActiveByMechanic(ctx context.Context, mechanicID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(DISTINCT c.id)`+activeForMechanic, mechanicID).Scan(&count)
	return count, err
}

func (r *complaintRepository) ActivePrioritiesByMechanic(ctx context.Context, mechanicID string) ([]domain.Priority, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT ON (c.id) c.priority`+activeForMechanic, mechanicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Priority
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		priority, err := domain.ParsePriority(raw)
		if err != nil {
			return nil, err
		}
		result = append(result, priority)
	}
	return result, rows.Err()
}

func (r *complaintRepository) CountInProgressByMechanic(ctx context.Context, mechanicID string) (int, error) {
	const query = `
        SELECT COUNT(DISTINCT c.id)
        FROM complaints c
        JOIN complaint_assignments a ON a.complaint_id = c.id
        WHERE a.mechanic_id = $1 AND canonical_assignment_status(a.status) = 'accept'
          AND canonical_complaint_status(c.working_status) = 'processing' AND NOT c.is_deleted`
	var count int
	err := r.pool.QueryRow(ctx, query, mechanicID).Scan(&count)
	return count, err
}

func (r *complaintRepository) AppendAssignment(ctx context.Context, complaintID string, assignment domain.Assignment, expected ...domain.ComplaintStatus) (*domain.Complaint, error) {
	if len(expected) == 0 {
		return nil, errors.New("append assignment: expected status required")
	}
	statuses := make([]string, len(expected))
	for i, s := range expected {
		statuses[i] = string(s)
	}
	assignedAt := assignment.AssignedAt
	if assignedAt.IsZero() {
		assignedAt = time.Now().UTC()
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const updateComplaint = `
            UPDATE complaints SET working_status='pending', updated_at=NOW()
            WHERE id=$1 AND canonical_complaint_status(working_status) = ANY($2) AND NOT is_deleted`
		cmd, err := tx.Exec(ctx, updateComplaint, complaintID, statuses)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return ErrComplaintStateChanged
		}

		const insertAssignment = `
            INSERT INTO complaint_assignments (complaint_id, mechanic_id, status, reason, assigned_at)
            VALUES ($1,$2,'pending',NULL,$3)`
		if _, err := tx.Exec(ctx, insertAssignment, complaintID, assignment.MechanicID, assignedAt); err != nil {
			if isUniqueViolation(err, "uq_complaint_assignments_one_pending") {
				return ErrPendingAssignmentExists
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return getComplaint(ctx, r.pool, complaintID)
}

func (r *complaintRepository) AcceptAssignment(ctx context.Context, complaintID, mechanicID string) (bool, error) {
	return r.respond(ctx, complaintID, mechanicID, domain.AssignmentStatusAccepted, nil, domain.ComplaintStatusProcessing)
}

func (r *complaintRepository) RejectAssignment(ctx context.Context, complaintID, mechanicID, reason string) (bool, error) {
	return r.respond(ctx, complaintID, mechanicID, domain.AssignmentStatusRejected, &reason, domain.ComplaintStatusRejected)
}

// respond settles the mechanic's latest offer and the complaint status
// together. The complaint row stays locked until commit, so AppendAssignment
// cannot slip an offer in between the two writes.
func (r *complaintRepository) respond(ctx context.Context, complaintID, mechanicID string, to domain.AssignmentStatus, reason *string, next domain.ComplaintStatus) (bool, error) {
	changed := false
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const lockComplaint = `
            SELECT id FROM complaints
            WHERE id=$1 AND canonical_complaint_status(working_status) = 'pending' AND NOT is_deleted
            FOR UPDATE`
		var id string
		if err := tx.QueryRow(ctx, lockComplaint, complaintID).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}

		const updateAssignment = `
            UPDATE complaint_assignments SET status=$1, reason=COALESCE($2, reason), responded_at=NOW()
            WHERE id = (
                SELECT id FROM complaint_assignments
                WHERE complaint_id=$3 AND mechanic_id=$4
                ORDER BY seq DESC LIMIT 1
            ) AND canonical_assignment_status(status) = 'pending'`
		cmd, err := tx.Exec(ctx, updateAssignment, to, reason, complaintID, mechanicID)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return nil
		}

		const updateComplaint = `UPDATE complaints SET working_status=$1, updated_at=NOW() WHERE id=$2`
		if _, err := tx.Exec(ctx, updateComplaint, next, complaintID); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (r *complaintRepository) Complete(ctx context.Context, complaintID string, details domain.CompletionDetails) (bool, error) {
	payload, err := json.Marshal(completionRecord(details))
	if err != nil {
		return false, err
	}
	const query = `
        UPDATE complaints SET working_status='completed', completion_details=$1, updated_at=NOW()
        WHERE id=$2 AND canonical_complaint_status(working_status) = 'processing'
          AND completion_details IS NULL AND NOT is_deleted`
	cmd, err := r.pool.Exec(ctx, query, payload, complaintID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getComplaint(ctx context.Context, q queryer, id string) (*domain.Complaint, error) {
	const query = `
        SELECT id, product_category, priority, created_by, creator_email, customer_phone,
               working_status, completion_details, is_deleted, created_at, updated_at
        FROM complaints WHERE id=$1`
	var (
		complaint  domain.Complaint
		priority   string
		status     string
		completion []byte
	)
	if err := q.QueryRow(ctx, query, id).Scan(
		&complaint.ID,
		&complaint.ProductCategory,
		&priority,
		&complaint.CreatedBy,
		&complaint.CreatorEmail,
		&complaint.CustomerPhone,
		&status,
		&completion,
		&complaint.IsDeleted,
		&complaint.CreatedAt,
		&complaint.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if complaint.Priority, err = domain.ParsePriority(priority); err != nil {
		return nil, fmt.Errorf("complaint %s: %w", id, err)
	}
	if complaint.WorkingStatus, err = domain.ParseComplaintStatus(status); err != nil {
		return nil, fmt.Errorf("complaint %s: %w", id, err)
	}
	if len(completion) > 0 {
		var record completionRecord
		if err := json.Unmarshal(completion, &record); err != nil {
			return nil, fmt.Errorf("complaint %s: %w: completion details", id, domain.ErrMalformedRecord)
		}
		details := domain.CompletionDetails(record)
		complaint.CompletionDetails = &details
	}

	assignments, err := listAssignments(ctx, q, id)
	if err != nil {
		return nil, err
	}
	complaint.Assignments = assignments
	return &complaint, nil
}

func listAssignments(ctx context.Context, q queryer, complaintID string) ([]domain.Assignment, error) {
	const query = `
        SELECT id, mechanic_id, status, reason, assigned_at, responded_at
        FROM complaint_assignments WHERE complaint_id=$1 ORDER BY seq ASC`
	rows, err := q.Query(ctx, query, complaintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Assignment
	for rows.Next() {
		var (
			assignment domain.Assignment
			status     string
		)
		if err := rows.Scan(
			&assignment.ID,
			&assignment.MechanicID,
			&status,
			&assignment.Reason,
			&assignment.AssignedAt,
			&assignment.RespondedAt,
		); err != nil {
			return nil, err
		}
		if assignment.Status, err = domain.ParseAssignmentStatus(status); err != nil {
			return nil, fmt.Errorf("complaint %s: %w", complaintID, err)
		}
		result = append(result, assignment)
	}
	return result, rows.Err()
}
