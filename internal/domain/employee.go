package domain

import (
	"fmt"
	"strings"
	"time"
)

// Position differentiates employees that take work from those who route it.
type Position string

const (
	PositionMechanic    Position = "mechanic"
	PositionCoordinator Position = "coordinator"
)

// EmployeeStatus marks whether an employee is currently employed.
type EmployeeStatus string

const (
	EmployeeStatusActive   EmployeeStatus = "active"
	EmployeeStatusInactive EmployeeStatus = "inactive"
)

// WorkingStatus is the advisory availability flag of a mechanic.
type WorkingStatus string

const (
	WorkingStatusAvailable WorkingStatus = "Available"
	WorkingStatusOccupied  WorkingStatus = "Occupied"
)

// Employee models a technician or coordinator.
type Employee struct {
	ID              string
	Name            string
	Email           string
	Phone           string
	Position        Position
	FieldOfMechanic []string
	Experience      int
	Status          EmployeeStatus
	IsDeleted       bool
	WorkingStatus   WorkingStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsAssignable reports whether the employee can receive work at all.
func (e *Employee) IsAssignable() bool {
	return e.Position == PositionMechanic && e.Status == EmployeeStatusActive && !e.IsDeleted
}

// MechanicRef is the matcher's answer: who was chosen and from which tier.
type MechanicRef struct {
	ID         string
	Name       string
	Email      string
	Experience int
	Tier       MatchTier
	Workload   int
}

// MatchTier names the matcher stage that produced a candidate.
type MatchTier string

const (
	TierIdleSpecialist MatchTier = "idle_exact"
	TierBusySpecialist MatchTier = "busy_exact"
	TierIdleFallback   MatchTier = "idle_fallback"
)

// NormalizeCategory folds case and whitespace of a category tag.
func NormalizeCategory(category string) string {
	return strings.Join(strings.Fields(strings.ToLower(category)), " ")
}

// CategoryVariants returns the normalized category together with its
// singular/plural counterpart ("battery" -> ["battery", "batterys"],
// "brakes" -> ["brakes", "brake"]).
func CategoryVariants(category string) []string {
	norm := NormalizeCategory(category)
	if norm == "" {
		return nil
	}
	if strings.HasSuffix(norm, "s") && len(norm) > 1 {
		return []string{norm, strings.TrimSuffix(norm, "s")}
	}
	return []string{norm, norm + "s"}
}

// MatchesField reports whether any of fields matches category, tolerating a
// trailing "s" on either side.
func MatchesField(fields []string, category string) bool {
	variants := CategoryVariants(category)
	for _, field := range fields {
		f := NormalizeCategory(field)
		for _, v := range variants {
			if f == v {
				return true
			}
		}
	}
	return false
}

// ParseWorkingStatus normalizes stored availability values.
func ParseWorkingStatus(raw string) (WorkingStatus, error) {
	switch normalizeToken(raw) {
	case "available", "free", "idle":
		return WorkingStatusAvailable, nil
	case "occupied", "busy":
		return WorkingStatusOccupied, nil
	}
	return "", fmt.Errorf("%w: working status %q", ErrMalformedRecord, raw)
}
