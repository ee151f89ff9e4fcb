package repository

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrPendingAssignmentExists is returned when appending an offer to a
	// complaint that already has one pending.
	ErrPendingAssignmentExists = errors.New("complaint already has a pending assignment")
	// ErrComplaintStateChanged is returned when a conditional complaint update
	// found the complaint in an unexpected working status.
	ErrComplaintStateChanged = errors.New("complaint working status changed concurrently")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}

func normalizeLower(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
