package domain

import "time"

// ReassignmentJob is a durable delayed request to find a new mechanic for a complaint.
type ReassignmentJob struct {
	ID                string
	ComplaintID       string
	ExcludeMechanicID *string
	Reason            string
	Attempt           int
	NextRunAt         time.Time
	LockedAt          *time.Time
	LockedBy          *string
	LastFinishedAt    *time.Time
	LastError         *string
	CreatedAt         time.Time
}

// IsOpen reports whether the job still has to run.
func (j *ReassignmentJob) IsOpen() bool {
	return j.LastFinishedAt == nil
}

// Excluded returns the mechanic id the job must skip, or "".
func (j *ReassignmentJob) Excluded() string {
	if j.ExcludeMechanicID == nil {
		return ""
	}
	return *j.ExcludeMechanicID
}
