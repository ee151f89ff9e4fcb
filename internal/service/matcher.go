package service

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/spec-kit/mechanic-dispatch/internal/domain"
	"github.com/spec-kit/mechanic-dispatch/internal/observability"
	"github.com/spec-kit/mechanic-dispatch/internal/repository"
	apperrors "github.com/spec-kit/mechanic-dispatch/pkg/util/errorutil"
)

// DefaultMaxPending is the ceiling of concurrent non-resolved complaints per mechanic.
const DefaultMaxPending = 5

// MechanicFinder selects a technician for a complaint.
type MechanicFinder interface {
	FindBestMechanic(ctx context.Context, category string, priority domain.Priority, excludeID string) (*domain.MechanicRef, error)
}

// Matcher picks technicians in three tiers: idle specialists, then the least
// loaded specialists, then any idle mechanic. A mechanic at the pending
// ceiling is never returned.
type Matcher struct {
	employees  repository.EmployeeRepository
	complaints repository.ComplaintRepository
	maxPending int
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// MatcherDependencies bundles matcher collaborators.
type MatcherDependencies struct {
	EmployeeRepo  repository.EmployeeRepository
	ComplaintRepo repository.ComplaintRepository
	MaxPending    int
	Logger        *zap.Logger
	Metrics       *observability.Metrics
}

// NewMatcher creates the matcher.
func NewMatcher(deps MatcherDependencies) *Matcher {
	maxPending := deps.MaxPending
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		employees:  deps.EmployeeRepo,
		complaints: deps.ComplaintRepo,
		maxPending: maxPending,
		logger:     logger,
		metrics:    deps.Metrics,
	}
}

type candidate struct {
	employee domain.Employee
	workload int
}

// FindBestMechanic returns the best candidate for category, or nil when no
// mechanic qualifies. excludeID, when set, is skipped in every tier.
func (m *Matcher) FindBestMechanic(ctx context.Context, category string, priority domain.Priority, excludeID string) (*domain.MechanicRef, error) {
	if priority.Weight() == 0 {
		return nil, apperrors.NewValidationError("unknown priority", map[string]any{"priority": priority})
	}
	category = domain.NormalizeCategory(category)

	var (
		ref *domain.MechanicRef
		err error
	)
	if category != "" {
		ref, err = m.idleSpecialist(ctx, category, excludeID)
		if err == nil && ref == nil {
			ref, err = m.busySpecialist(ctx, category, excludeID)
		}
	}
	if err == nil && ref == nil {
		ref, err = m.idleFallback(ctx, excludeID)
	}
	if err != nil {
		return nil, err
	}

	if ref == nil {
		m.metrics.RecordMatch("")
		m.logger.Info("no mechanic matched",
			zap.String("category", category),
			zap.String("priority", string(priority)),
			zap.String("exclude_id", excludeID))
		return nil, nil
	}
	m.metrics.RecordMatch(string(ref.Tier))
	m.logger.Debug("mechanic matched",
		zap.String("category", category),
		zap.String("priority", string(priority)),
		zap.String("mechanic_id", ref.ID),
		zap.String("tier", string(ref.Tier)))
	return ref, nil
}

func (m *Matcher) idleSpecialist(ctx context.Context, category, excludeID string) (*domain.MechanicRef, error) {
	employees, err := m.employees.FindAvailableByField(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("find available by field: %w", err)
	}
	candidates, err := m.underCeiling(ctx, employees, excludeID, func(e *domain.Employee) bool {
		return e.WorkingStatus == domain.WorkingStatusAvailable && domain.MatchesField(e.FieldOfMechanic, category)
	}, false)
	if err != nil {
		return nil, err
	}
	sortByExperience(candidates)
	return firstRef(candidates, domain.TierIdleSpecialist), nil
}

func (m *Matcher) busySpecialist(ctx context.Context, category, excludeID string) (*domain.MechanicRef, error) {
	employees, err := m.employees.FindByField(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("find by field: %w", err)
	}
	candidates, err := m.underCeiling(ctx, employees, excludeID, func(e *domain.Employee) bool {
		return domain.MatchesField(e.FieldOfMechanic, category)
	}, true)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.workload != b.workload {
			return a.workload < b.workload
		}
		if a.employee.Experience != b.employee.Experience {
			return a.employee.Experience > b.employee.Experience
		}
		return a.employee.ID < b.employee.ID
	})
	return firstRef(candidates, domain.TierBusySpecialist), nil
}

func (m *Matcher) idleFallback(ctx context.Context, excludeID string) (*domain.MechanicRef, error) {
	employees, err := m.employees.FindAvailable(ctx)
	if err != nil {
		return nil, fmt.Errorf("find available: %w", err)
	}
	candidates, err := m.underCeiling(ctx, employees, excludeID, func(e *domain.Employee) bool {
		return e.WorkingStatus == domain.WorkingStatusAvailable
	}, false)
	if err != nil {
		return nil, err
	}
	sortByExperience(candidates)
	return firstRef(candidates, domain.TierIdleFallback), nil
}

// underCeiling keeps assignable employees accepted by keep whose live count of
// active complaints is below the ceiling. With weighted set, the workload
// score is computed from the priorities of those complaints.
func (m *Matcher) underCeiling(ctx context.Context, employees []domain.Employee, excludeID string, keep func(*domain.Employee) bool, weighted bool) ([]candidate, error) {
	result := make([]candidate, 0, len(employees))
	for i := range employees {
		emp := employees[i]
		if emp.ID == excludeID || !emp.IsAssignable() || !keep(&emp) {
			continue
		}
		if weighted {
			priorities, err := m.complaints.ActivePrioritiesByMechanic(ctx, emp.ID)
			if err != nil {
				return nil, fmt.Errorf("active priorities for %s: %w", emp.ID, err)
			}
			if len(priorities) >= m.maxPending {
				continue
			}
			score := 0
			for _, p := range priorities {
				score += p.Weight()
			}
			result = append(result, candidate{employee: emp, workload: score})
			continue
		}
		count, err := m.complaints.CountActiveByMechanic(ctx, emp.ID)
		if err != nil {
			return nil, fmt.Errorf("count active for %s: %w", emp.ID, err)
		}
		if count >= m.maxPending {
			continue
		}
		result = append(result, candidate{employee: emp})
	}
	return result, nil
}

func sortByExperience(candidates []candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].employee, candidates[j].employee
		if a.Experience != b.Experience {
			return a.Experience > b.Experience
		}
		return a.ID < b.ID
	})
}

func firstRef(candidates []candidate, tier domain.MatchTier) *domain.MechanicRef {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	return &domain.MechanicRef{
		ID:         best.employee.ID,
		Name:       best.employee.Name,
		Email:      best.employee.Email,
		Experience: best.employee.Experience,
		Tier:       tier,
		Workload:   best.workload,
	}
}
