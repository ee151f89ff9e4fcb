package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/mechanic-dispatch/internal/domain"
)

// EmployeeRepository is the directory of technicians the matcher draws from.
type EmployeeRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Employee, error)
	// FindAvailableByField lists assignable mechanics that are Available and
	// specialise in category.
	FindAvailableByField(ctx context.Context, category string) ([]domain.Employee, error)
	// FindByField lists assignable mechanics specialising in category
	// regardless of working status.
	FindByField(ctx context.Context, category string) ([]domain.Employee, error)
	// FindAvailable lists every assignable Available mechanic.
	FindAvailable(ctx context.Context) ([]domain.Employee, error)
	// CompareAndSetWorkingStatus flips the status only when it currently equals
	// from. It reports whether the row changed.
	CompareAndSetWorkingStatus(ctx context.Context, id string, from, to domain.WorkingStatus) (bool, error)
}

type employeeRepository struct {
	pool *pgxpool.Pool
}

// NewEmployeeRepository instantiates the repository.
func NewEmployeeRepository(pool *pgxpool.Pool) EmployeeRepository {
	return &employeeRepository{pool: pool}
}

const employeeColumns = `id, name, email, phone, position, field_of_mechanic, experience,
               status, is_deleted, working_status, created_at, updated_at`

const assignableMechanic = `LOWER(BTRIM(position)) = 'mechanic' AND LOWER(BTRIM(status)) = 'active' AND NOT is_deleted`

// fieldWhitespace is the run that field tags collapse to a single space.
const fieldWhitespace = `\s+`

// fieldMatches folds a stored field tag the way domain.NormalizeCategory does:
// lower-cased, whitespace runs collapsed to one space, then trimmed.
const fieldMatches = `EXISTS (
            SELECT 1 FROM unnest(field_of_mechanic) f
            WHERE BTRIM(regexp_replace(LOWER(f), '` + fieldWhitespace + `', ' ', 'g')) = ANY(%s))`

func (r *employeeRepository) GetByID(ctx context.Context, id string) (*domain.Employee, error) {
	query := fmt.Sprintf(`SELECT %s FROM employees WHERE id=$1`, employeeColumns)
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	employees, err := scanEmployees(rows)
	if err != nil {
		return nil, err
	}
	if len(employees) == 0 {
		return nil, pgx.ErrNoRows
	}
	return &employees[0], nil
}

func (r *employeeRepository) FindAvailableByField(ctx context.Context, category string) ([]domain.Employee, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM employees
        WHERE %s AND canonical_working_status(working_status) = $1
          AND %s
        ORDER BY experience DESC, id ASC`, employeeColumns, assignableMechanic, fmt.Sprintf(fieldMatches, "$2"))
	return r.list(ctx, query, domain.WorkingStatusAvailable, domain.CategoryVariants(category))
}

func (r *employeeRepository) FindByField(ctx context.Context, category string) ([]domain.Employee, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM employees
        WHERE %s
          AND %s
        ORDER BY experience DESC, id ASC`, employeeColumns, assignableMechanic, fmt.Sprintf(fieldMatches, "$1"))
	return r.list(ctx, query, domain.CategoryVariants(category))
}

func (r *employeeRepository) FindAvailable(ctx context.Context) ([]domain.Employee, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM employees
        WHERE %s AND canonical_working_status(working_status) = $1
        ORDER BY experience DESC, id ASC`, employeeColumns, assignableMechanic)
	return r.list(ctx, query, domain.WorkingStatusAvailable)
}

func (r *employeeRepository) CompareAndSetWorkingStatus(ctx context.Context, id string, from, to domain.WorkingStatus) (bool, error) {
	const query = `
        UPDATE employees SET working_status=$1, updated_at=NOW()
        WHERE id=$2 AND canonical_working_status(working_status) = $3`
	cmd, err := r.pool.Exec(ctx, query, to, id, from)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *employeeRepository) list(ctx context.Context, query string, args ...any) ([]domain.Employee, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEmployees(rows)
}

func scanEmployees(rows pgx.Rows) ([]domain.Employee, error) {
	var result []domain.Employee
	for rows.Next() {
		var (
			emp           domain.Employee
			position      string
			status        string
			workingStatus string
		)
		if err := rows.Scan(
			&emp.ID,
			&emp.Name,
			&emp.Email,
			&emp.Phone,
			&position,
			&emp.FieldOfMechanic,
			&emp.Experience,
			&status,
			&emp.IsDeleted,
			&workingStatus,
			&emp.CreatedAt,
			&emp.UpdatedAt,
		); err != nil {
			return nil, err
		}
		ws, err := domain.ParseWorkingStatus(workingStatus)
		if err != nil {
			return nil, fmt.Errorf("employee %s: %w", emp.ID, err)
		}
		emp.WorkingStatus = ws
		emp.Position = domain.Position(normalizeLower(position))
		emp.Status = domain.EmployeeStatus(normalizeLower(status))
		result = append(result, emp)
	}
	return result, rows.Err()
}
