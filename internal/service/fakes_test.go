package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/mechanic-dispatch/internal/domain"
	"github.com/spec-kit/mechanic-dispatch/internal/events"
	"github.com/spec-kit/mechanic-dispatch/internal/notify"
	"github.com/spec-kit/mechanic-dispatch/internal/repository"
)

// memDB backs the in-memory repositories. Every conditional update mirrors
// the WHERE clauses of the SQL implementations, including their tolerance of
// legacy status spellings.
type memDB struct {
	mu         sync.Mutex
	employees  map[string]*domain.Employee
	complaints map[string]*domain.Complaint
	history    []domain.ComplaintHistory
	jobs       []*domain.ReassignmentJob
	seq        int
	fail       map[string]error
}

func newMemDB() *memDB {
	return &memDB{
		employees:  map[string]*domain.Employee{},
		complaints: map[string]*domain.Complaint{},
		fail:       map[string]error{},
	}
}

func (db *memDB) failing(op string) error {
	return db.fail[op]
}

func (db *memDB) addMechanic(id string, experience int, status domain.WorkingStatus, fields ...string) *domain.Employee {
	db.mu.Lock()
	defer db.mu.Unlock()
	emp := &domain.Employee{
		ID:              id,
		Name:            "Mechanic " + id,
		Email:           id + "@example.com",
		Position:        domain.PositionMechanic,
		FieldOfMechanic: fields,
		Experience:      experience,
		Status:          domain.EmployeeStatusActive,
		WorkingStatus:   status,
	}
	db.employees[id] = emp
	return emp
}

func (db *memDB) addComplaint(id, category string, priority domain.Priority, status domain.ComplaintStatus, assignments ...domain.Assignment) *domain.Complaint {
	db.mu.Lock()
	defer db.mu.Unlock()
	c := &domain.Complaint{
		ID:              id,
		ProductCategory: category,
		Priority:        priority,
		CreatedBy:       "client-" + id,
		CreatorEmail:    "client-" + id + "@example.com",
		WorkingStatus:   status,
		Assignments:     assignments,
	}
	db.complaints[id] = c
	return c
}

// loadMechanic gives a mechanic n active complaints of the given priority.
func (db *memDB) loadMechanic(mechanicID string, n int, priority domain.Priority) {
	for i := 0; i < n; i++ {
		id := mechanicID + "-load-" + string(rune('a'+i))
		db.addComplaint(id, "other", priority, domain.ComplaintStatusPending,
			domain.Assignment{MechanicID: mechanicID, Status: domain.AssignmentStatusPending})
	}
}

func (db *memDB) complaint(id string) domain.Complaint {
	db.mu.Lock()
	defer db.mu.Unlock()
	return cloneComplaint(db.complaints[id])
}

func (db *memDB) employee(id string) domain.Employee {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.employees[id]
}

func (db *memDB) openJobs() []domain.ReassignmentJob {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []domain.ReassignmentJob
	for _, j := range db.jobs {
		if j.IsOpen() {
			out = append(out, *j)
		}
	}
	return out
}

func (db *memDB) historyOf(complaintID string) []domain.ComplaintEventType {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []domain.ComplaintEventType
	for _, h := range db.history {
		if h.ComplaintID == complaintID {
			out = append(out, h.EventType)
		}
	}
	return out
}

func cloneComplaint(c *domain.Complaint) domain.Complaint {
	out := *c
	out.Assignments = append([]domain.Assignment(nil), c.Assignments...)
	return out
}

// canonicalComplaint reads a stored complaint the way the repository scan
// does, folding legacy spellings onto the canonical values.
func canonicalComplaint(c *domain.Complaint) domain.Complaint {
	out := cloneComplaint(c)
	if status, err := domain.ParseComplaintStatus(string(out.WorkingStatus)); err == nil {
		out.WorkingStatus = status
	}
	if priority, err := domain.ParsePriority(string(out.Priority)); err == nil {
		out.Priority = priority
	}
	for i := range out.Assignments {
		if status, err := domain.ParseAssignmentStatus(string(out.Assignments[i].Status)); err == nil {
			out.Assignments[i].Status = status
		}
	}
	return out
}

func canonicalEmployee(e *domain.Employee) domain.Employee {
	out := *e
	if status, err := domain.ParseWorkingStatus(string(out.WorkingStatus)); err == nil {
		out.WorkingStatus = status
	}
	return out
}

type memEmployees struct{ db *memDB }

var _ repository.EmployeeRepository = memEmployees{}

func (r memEmployees) GetByID(_ context.Context, id string) (*domain.Employee, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failing("employees.get"); err != nil {
		return nil, err
	}
	emp, ok := r.db.employees[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	out := canonicalEmployee(emp)
	return &out, nil
}

func (r memEmployees) filter(keep func(*domain.Employee) bool) ([]domain.Employee, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failing("employees.find"); err != nil {
		return nil, err
	}
	var out []domain.Employee
	for _, stored := range r.db.employees {
		emp := canonicalEmployee(stored)
		if emp.IsAssignable() && keep(&emp) {
			out = append(out, emp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Experience != out[j].Experience {
			return out[i].Experience > out[j].Experience
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r memEmployees) FindAvailableByField(_ context.Context, category string) ([]domain.Employee, error) {
	return r.filter(func(e *domain.Employee) bool {
		return e.WorkingStatus == domain.WorkingStatusAvailable && domain.MatchesField(e.FieldOfMechanic, category)
	})
}

func (r memEmployees) FindByField(_ context.Context, category string) ([]domain.Employee, error) {
	return r.filter(func(e *domain.Employee) bool {
		return domain.MatchesField(e.FieldOfMechanic, category)
	})
}

func (r memEmployees) FindAvailable(_ context.Context) ([]domain.Employee, error) {
	return r.filter(func(e *domain.Employee) bool {
		return e.WorkingStatus == domain.WorkingStatusAvailable
	})
}

func (r memEmployees) CompareAndSetWorkingStatus(_ context.Context, id string, from, to domain.WorkingStatus) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failing("employees.cas"); err != nil {
		return false, err
	}
	emp, ok := r.db.employees[id]
	if !ok || canonicalEmployee(emp).WorkingStatus != from {
		return false, nil
	}
	emp.WorkingStatus = to
	return true, nil
}

type memComplaints struct{ db *memDB }

var _ repository.ComplaintRepository = memComplaints{}

func (r memComplaints) GetByID(_ context.Context, id string) (*domain.Complaint, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failing("complaints.get"); err != nil {
		return nil, err
	}
	c, ok := r.db.complaints[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	out := canonicalComplaint(c)
	return &out, nil
}

func (r memComplaints) active(mechanicID string) []domain.Complaint {
	var out []domain.Complaint
	for _, stored := range r.db.complaints {
		c := canonicalComplaint(stored)
		if c.IsDeleted {
			continue
		}
		if c.WorkingStatus != domain.ComplaintStatusPending && c.WorkingStatus != domain.ComplaintStatusProcessing {
			continue
		}
		for _, a := range c.Assignments {
			if a.MechanicID == mechanicID && (a.Status == domain.AssignmentStatusPending || a.Status == domain.AssignmentStatusAccepted) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func (r memComplaints) CountActiveByMechanic(_ context.Context, mechanicID string) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failing("complaints.count"); err != nil {
		return 0, err
	}
	return len(r.active(mechanicID)), nil
}

func (r memComplaints) ActivePrioritiesByMechanic(_ context.Context, mechanicID string) ([]domain.Priority, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failing("complaints.count"); err != nil {
		return nil, err
	}
	var out []domain.Priority
	for _, c := range r.active(mechanicID) {
		out = append(out, c.Priority)
	}
	return out, nil
}

func (r memComplaints) CountInProgressByMechanic(_ context.Context, mechanicID string) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	count := 0
	for _, stored := range r.db.complaints {
		c := canonicalComplaint(stored)
		if c.IsDeleted || c.WorkingStatus != domain.ComplaintStatusProcessing {
			continue
		}
		if a := c.AcceptedAssignment(); a != nil && a.MechanicID == mechanicID {
			count++
		}
	}
	return count, nil
}

func (r memComplaints) AppendAssignment(_ context.Context, complaintID string, assignment domain.Assignment, expected ...domain.ComplaintStatus) (*domain.Complaint, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failing("complaints.append"); err != nil {
		return nil, err
	}
	c, ok := r.db.complaints[complaintID]
	if !ok || c.IsDeleted {
		return nil, repository.ErrComplaintStateChanged
	}
	current := canonicalComplaint(c)
	allowed := false
	for _, s := range expected {
		if current.WorkingStatus == s {
			allowed = true
		}
	}
	if !allowed {
		return nil, repository.ErrComplaintStateChanged
	}
	if current.PendingAssignment() != nil {
		return nil, repository.ErrPendingAssignmentExists
	}
	r.db.seq++
	assignment.ID = string(rune('A' + r.db.seq))
	assignment.Status = domain.AssignmentStatusPending
	c.Assignments = append(c.Assignments, assignment)
	c.WorkingStatus = domain.ComplaintStatusPending
	out := canonicalComplaint(c)
	return &out, nil
}

func (r memComplaints) AcceptAssignment(_ context.Context, complaintID, mechanicID string) (bool, error) {
	return r.respond(complaintID, mechanicID, domain.AssignmentStatusAccepted, nil, domain.ComplaintStatusProcessing)
}

func (r memComplaints) RejectAssignment(_ context.Context, complaintID, mechanicID, reason string) (bool, error) {
	return r.respond(complaintID, mechanicID, domain.AssignmentStatusRejected, &reason, domain.ComplaintStatusRejected)
}

// respond settles the offer and the complaint under one lock hold, as the
// SQL transaction does with the complaint row.
func (r memComplaints) respond(complaintID, mechanicID string, to domain.AssignmentStatus, reason *string, next domain.ComplaintStatus) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failing("complaints.respond"); err != nil {
		return false, err
	}
	c, ok := r.db.complaints[complaintID]
	if !ok || c.IsDeleted {
		return false, nil
	}
	current := canonicalComplaint(c)
	if current.WorkingStatus != domain.ComplaintStatusPending {
		return false, nil
	}
	latest := -1
	for i := range current.Assignments {
		if current.Assignments[i].MechanicID == mechanicID {
			latest = i
		}
	}
	if latest < 0 || current.Assignments[latest].Status != domain.AssignmentStatusPending {
		return false, nil
	}
	a := &c.Assignments[latest]
	a.Status = to
	if reason != nil {
		a.Reason = reason
	}
	now := time.Now()
	a.RespondedAt = &now
	c.WorkingStatus = next
	return true, nil
}

func (r memComplaints) Complete(_ context.Context, complaintID string, details domain.CompletionDetails) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.complaints[complaintID]
	if !ok || c.IsDeleted || canonicalComplaint(c).WorkingStatus != domain.ComplaintStatusProcessing || c.CompletionDetails != nil {
		return false, nil
	}
	c.WorkingStatus = domain.ComplaintStatusCompleted
	c.CompletionDetails = &details
	return true, nil
}

type memHistory struct{ db *memDB }

func (r memHistory) Create(_ context.Context, h *domain.ComplaintHistory) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	h.CreatedAt = time.Now()
	r.db.history = append(r.db.history, *h)
	return nil
}

func (r memHistory) ListByComplaint(_ context.Context, complaintID string) ([]domain.ComplaintHistory, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []domain.ComplaintHistory
	for _, h := range r.db.history {
		if h.ComplaintID == complaintID {
			out = append(out, h)
		}
	}
	return out, nil
}

type memJobs struct{ db *memDB }

var _ repository.ReassignmentJobRepository = memJobs{}

func (r memJobs) openFor(complaintID string) *domain.ReassignmentJob {
	for _, j := range r.db.jobs {
		if j.ComplaintID == complaintID && j.IsOpen() {
			return j
		}
	}
	return nil
}

func (r memJobs) insert(job *domain.ReassignmentJob) bool {
	if r.openFor(job.ComplaintID) != nil {
		return false
	}
	job.CreatedAt = time.Now()
	stored := *job
	r.db.jobs = append(r.db.jobs, &stored)
	return true
}

func (r memJobs) Create(_ context.Context, job *domain.ReassignmentJob) (*domain.ReassignmentJob, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failing("jobs.create"); err != nil {
		return nil, false, err
	}
	if r.insert(job) {
		return job, true, nil
	}
	existing := *r.openFor(job.ComplaintID)
	return &existing, false, nil
}

func (r memJobs) GetOpenByComplaint(_ context.Context, complaintID string) (*domain.ReassignmentJob, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	j := r.openFor(complaintID)
	if j == nil {
		return nil, pgx.ErrNoRows
	}
	out := *j
	return &out, nil
}

func (r memJobs) ClaimDue(_ context.Context, workerID string, now, staleBefore time.Time, limit int) ([]domain.ReassignmentJob, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []domain.ReassignmentJob
	for _, j := range r.db.jobs {
		if len(out) >= limit {
			break
		}
		if !j.IsOpen() || j.NextRunAt.After(now) {
			continue
		}
		if j.LockedAt != nil && !j.LockedAt.Before(staleBefore) {
			continue
		}
		lockedAt, by := now, workerID
		j.LockedAt, j.LockedBy = &lockedAt, &by
		out = append(out, *j)
	}
	return out, nil
}

func (r memJobs) ReleaseStale(_ context.Context, staleBefore time.Time) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for _, j := range r.db.jobs {
		if j.IsOpen() && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.LockedAt, j.LockedBy = nil, nil
			n++
		}
	}
	return n, nil
}

func (r memJobs) finish(jobID, workerID string, finishedAt time.Time, lastErr *string) error {
	for _, j := range r.db.jobs {
		if j.ID == jobID && j.IsOpen() && j.LockedBy != nil && *j.LockedBy == workerID {
			j.LastFinishedAt = &finishedAt
			j.LastError = lastErr
			j.LockedAt = nil
			return nil
		}
	}
	return repository.ErrJobLockLost
}

func (r memJobs) Finish(_ context.Context, jobID, workerID string, finishedAt time.Time, lastErr *string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.finish(jobID, workerID, finishedAt, lastErr)
}

func (r memJobs) Reschedule(_ context.Context, jobID, workerID string, finishedAt time.Time, lastErr *string, next *domain.ReassignmentJob) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.finish(jobID, workerID, finishedAt, lastErr); err != nil {
		return err
	}
	r.insert(next)
	return nil
}

func (r memJobs) Supersede(_ context.Context, next *domain.ReassignmentJob, finishedAt time.Time) (string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.failing("jobs.supersede"); err != nil {
		return "", err
	}
	var replaced string
	if open := r.openFor(next.ComplaintID); open != nil {
		msg := repository.SupersededJobError
		open.LastFinishedAt = &finishedAt
		open.LastError = &msg
		open.LockedAt = nil
		replaced = open.ID
	}
	if !r.insert(next) {
		return "", repository.ErrJobQueuedConcurrently
	}
	return replaced, nil
}

// recordingGateway captures notifications and can be told to fail.
type recordingGateway struct {
	mu         sync.Mutex
	assigned   []string
	reassigned []notify.ReassignmentNotice
	noMechanic []notify.NoMechanicNotice
	accepted   []notify.AcceptedNotice
	err        error
}

var errGatewayDown = errors.New("gateway down")

func (g *recordingGateway) NotifyNewAssignment(_ context.Context, mechanicID string, _ events.ComplaintSummary) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.assigned = append(g.assigned, mechanicID)
	return g.err
}

func (g *recordingGateway) NotifyReassignment(_ context.Context, _ string, notice notify.ReassignmentNotice) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reassigned = append(g.reassigned, notice)
	return g.err
}

func (g *recordingGateway) NotifyNoMechanicAvailable(_ context.Context, notice notify.NoMechanicNotice) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.noMechanic = append(g.noMechanic, notice)
	return g.err
}

func (g *recordingGateway) NotifyAssignmentAccepted(_ context.Context, notice notify.AcceptedNotice) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accepted = append(g.accepted, notice)
	return g.err
}
