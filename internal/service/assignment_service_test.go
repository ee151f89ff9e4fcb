package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spec-kit/mechanic-dispatch/internal/domain"
	apperrors "github.com/spec-kit/mechanic-dispatch/pkg/util/errorutil"
)

type harness struct {
	db      *memDB
	gateway *recordingGateway
	queue   *ReassignmentService
	svc     *AssignmentService
	mu      sync.Mutex
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:      newMemDB(),
		gateway: &recordingGateway{},
		now:     time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	logger := zaptest.NewLogger(t)
	h.queue = NewReassignmentService(ReassignmentDependencies{
		JobRepo:     memJobs{h.db},
		HistoryRepo: memHistory{h.db},
		Now:         h.clock,
		Logger:      logger,
	})
	h.svc = NewAssignmentService(AssignmentDependencies{
		ComplaintRepo: memComplaints{h.db},
		EmployeeRepo:  memEmployees{h.db},
		HistoryRepo:   memHistory{h.db},
		Finder: NewMatcher(MatcherDependencies{
			EmployeeRepo:  memEmployees{h.db},
			ComplaintRepo: memComplaints{h.db},
			Logger:        logger,
		}),
		Queue:   h.queue,
		Gateway: h.gateway,
		Logger:  logger,
		Now:     h.clock,
	})
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func pendingOffer(mechanicID string) domain.Assignment {
	return domain.Assignment{MechanicID: mechanicID, Status: domain.AssignmentStatusPending}
}

func acceptedOffer(mechanicID string) domain.Assignment {
	return domain.Assignment{MechanicID: mechanicID, Status: domain.AssignmentStatusAccepted}
}

func countPending(c domain.Complaint) int {
	n := 0
	for _, a := range c.Assignments {
		if a.Status == domain.AssignmentStatusPending {
			n++
		}
	}
	return n
}

func TestAssignComplaintOffersBestMechanic(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("m1", 5, domain.WorkingStatusAvailable, "battery")
	h.db.addComplaint("c1", "Battery", domain.PriorityHigh, domain.ComplaintStatusPending)

	outcome, err := h.svc.AssignComplaint(context.Background(), "coord-1", "c1")
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.NotNil(t, outcome.Mechanic)
	assert.Equal(t, "m1", outcome.Mechanic.ID)

	c := h.db.complaint("c1")
	require.Len(t, c.Assignments, 1)
	assert.Equal(t, domain.AssignmentStatusPending, c.Assignments[0].Status)
	assert.Equal(t, domain.ComplaintStatusPending, c.WorkingStatus)
	assert.Equal(t, domain.WorkingStatusAvailable, h.db.employee("m1").WorkingStatus, "offers do not occupy the mechanic")
	assert.Equal(t, []string{"m1"}, h.gateway.assigned)
	assert.Equal(t, []domain.ComplaintEventType{domain.HistoryAssigned}, h.db.historyOf("c1"))
}

func TestAssignComplaintQueuesRetryWhenNobodyMatches(t *testing.T) {
	h := newHarness(t)
	h.db.addComplaint("c1", "Battery", domain.PriorityLow, domain.ComplaintStatusPending)

	outcome, err := h.svc.AssignComplaint(context.Background(), "coord-1", "c1")
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.NotNil(t, outcome.Job)
	assert.Nil(t, outcome.Mechanic)
	assert.Equal(t, 0, outcome.Job.Attempt)
	assert.Nil(t, outcome.Job.ExcludeMechanicID)
	assert.Equal(t, h.clock().Add(time.Minute), outcome.Job.NextRunAt)
	require.Len(t, h.gateway.noMechanic, 1)
	assert.Equal(t, outcome.Job.NextRunAt, h.gateway.noMechanic[0].RetryAt)
}

func TestAssignComplaintConflictsWhenOfferIsOpen(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("m1", 5, domain.WorkingStatusAvailable, "battery")
	h.db.addComplaint("c1", "battery", domain.PriorityLow, domain.ComplaintStatusPending, pendingOffer("m1"))

	outcome, err := h.svc.AssignComplaint(context.Background(), "coord-1", "c1")
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, apperrors.CodeConflict, outcome.Code)
	assert.Len(t, h.db.complaint("c1").Assignments, 1)
}

func TestAssignComplaintUnknownComplaint(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.AssignComplaint(context.Background(), "coord-1", "missing")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestAcceptOccupiesMechanicAndStartsWork(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("m1", 5, domain.WorkingStatusAvailable, "battery")
	h.db.addComplaint("c1", "battery", domain.PriorityLow, domain.ComplaintStatusPending, pendingOffer("m1"))

	outcome, err := h.svc.Accept(context.Background(), "c1", "m1")
	require.NoError(t, err)
	require.True(t, outcome.Success)

	c := h.db.complaint("c1")
	assert.Equal(t, domain.ComplaintStatusProcessing, c.WorkingStatus)
	assert.Equal(t, domain.AssignmentStatusAccepted, c.Assignments[0].Status)
	assert.Equal(t, domain.WorkingStatusOccupied, h.db.employee("m1").WorkingStatus)
	require.Len(t, h.gateway.accepted, 1)
	assert.Equal(t, "client-c1@example.com", h.gateway.accepted[0].CustomerEmail)
}

func TestAcceptRequiresAvailableMechanic(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("m1", 5, domain.WorkingStatusOccupied, "battery")
	h.db.addComplaint("c1", "battery", domain.PriorityLow, domain.ComplaintStatusPending, pendingOffer("m1"))

	outcome, err := h.svc.Accept(context.Background(), "c1", "m1")
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, apperrors.CodeConflict, outcome.Code)
	assert.Equal(t, domain.AssignmentStatusPending, h.db.complaint("c1").Assignments[0].Status)
}

func TestAcceptByMechanicWithoutOffer(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("m1", 5, domain.WorkingStatusAvailable, "battery")
	h.db.addMechanic("m2", 5, domain.WorkingStatusAvailable, "battery")
	h.db.addComplaint("c1", "battery", domain.PriorityLow, domain.ComplaintStatusPending, pendingOffer("m1"))

	outcome, err := h.svc.Accept(context.Background(), "c1", "m2")
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, domain.WorkingStatusAvailable, h.db.employee("m2").WorkingStatus)
}

func TestAcceptUnknownMechanic(t *testing.T) {
	h := newHarness(t)
	h.db.addComplaint("c1", "battery", domain.PriorityLow, domain.ComplaintStatusPending, pendingOffer("m1"))

	_, err := h.svc.Accept(context.Background(), "c1", "ghost")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

// staleTransitions simulates losing the assignment race after the mechanic
// was already flipped.
type staleTransitions struct{ memComplaints }

func (staleTransitions) AcceptAssignment(context.Context, string, string) (bool, error) {
	return false, nil
}

func TestAcceptRevertsMechanicWhenAssignmentRaceIsLost(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("m1", 5, domain.WorkingStatusAvailable, "battery")
	h.db.addComplaint("c1", "battery", domain.PriorityLow, domain.ComplaintStatusPending, pendingOffer("m1"))
	h.svc.complaints = staleTransitions{memComplaints{h.db}}

	outcome, err := h.svc.Accept(context.Background(), "c1", "m1")
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, domain.WorkingStatusAvailable, h.db.employee("m1").WorkingStatus)
}

func TestAcceptAndRejectRequirePendingComplaint(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("m1", 5, domain.WorkingStatusAvailable, "battery")
	h.db.addMechanic("m2", 5, domain.WorkingStatusAvailable, "battery")
	h.db.addComplaint("c1", "battery", domain.PriorityLow, domain.ComplaintStatusProcessing,
		acceptedOffer("m1"), pendingOffer("m2"))
	ctx := context.Background()

	accepted, err := h.svc.Accept(ctx, "c1", "m2")
	require.NoError(t, err)
	assert.False(t, accepted.Success)
	assert.Equal(t, domain.WorkingStatusAvailable, h.db.employee("m2").WorkingStatus)

	rejected, err := h.svc.Reject(ctx, "c1", "m2", "no parts")
	require.NoError(t, err)
	assert.False(t, rejected.Success)

	c := h.db.complaint("c1")
	assert.Equal(t, domain.ComplaintStatusProcessing, c.WorkingStatus)
	assert.Equal(t, domain.AssignmentStatusPending, c.Assignments[1].Status)
	assert.Empty(t, h.db.openJobs())
}

func TestAcceptStoreFailureLeavesComplaintUntouched(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("m1", 5, domain.WorkingStatusAvailable, "battery")
	h.db.addComplaint("c1", "battery", domain.PriorityLow, domain.ComplaintStatusPending, pendingOffer("m1"))
	h.db.fail["complaints.respond"] = errors.New("connection reset")

	_, err := h.svc.Accept(context.Background(), "c1", "m1")
	require.Error(t, err)

	c := h.db.complaint("c1")
	assert.Equal(t, domain.ComplaintStatusPending, c.WorkingStatus)
	assert.Equal(t, domain.AssignmentStatusPending, c.Assignments[0].Status)
	assert.Equal(t, domain.WorkingStatusAvailable, h.db.employee("m1").WorkingStatus)
}

func TestAcceptRacingAssignNeverLeavesLiveOfferOnProcessingComplaint(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t)
		h.db.addMechanic("m1", 5, domain.WorkingStatusAvailable, "battery")
		h.db.addMechanic("m2", 1, domain.WorkingStatusAvailable, "battery")
		h.db.addComplaint("c1", "battery", domain.PriorityLow, domain.ComplaintStatusPending, pendingOffer("m1"))
		ctx := context.Background()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := h.svc.Accept(ctx, "c1", "m1")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := h.svc.AssignComplaint(ctx, "coord", "c1")
			assert.NoError(t, err)
		}()
		wg.Wait()

		c := h.db.complaint("c1")
		assert.Equal(t, domain.ComplaintStatusProcessing, c.WorkingStatus)
		assert.Zero(t, countPending(c))
	}
}

func TestLegacySpelledRowsStillMatchAndTransition(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("m1", 5, domain.WorkingStatus("available"), "battery")
	h.db.addComplaint("c1", "battery", domain.Priority("Urgent"), domain.ComplaintStatus("Rejected"),
		domain.Assignment{MechanicID: "old", Status: domain.AssignmentStatus("Rejected")})
	ctx := context.Background()

	offered, err := h.svc.AssignComplaint(ctx, "coord", "c1")
	require.NoError(t, err)
	require.True(t, offered.Success)
	require.NotNil(t, offered.Mechanic)
	assert.Equal(t, "m1", offered.Mechanic.ID)
	assert.Equal(t, domain.TierIdleSpecialist, offered.Mechanic.Tier)

	accepted, err := h.svc.Accept(ctx, "c1", "m1")
	require.NoError(t, err)
	require.True(t, accepted.Success, accepted.Reason)
	assert.Equal(t, domain.WorkingStatusOccupied, h.db.employee("m1").WorkingStatus)
	assert.Equal(t, domain.ComplaintStatusProcessing, h.db.complaint("c1").WorkingStatus)
}

func TestConcurrentAcceptsHaveOneWinner(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("m1", 5, domain.WorkingStatusAvailable, "battery")
	h.db.addComplaint("c1", "battery", domain.PriorityLow, domain.ComplaintStatusPending, pendingOffer("m1"))

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := h.svc.Accept(context.Background(), "c1", "m1")
			assert.NoError(t, err)
			if err == nil && outcome.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, domain.WorkingStatusOccupied, h.db.employee("m1").WorkingStatus)
	assert.Equal(t, domain.AssignmentStatusAccepted, h.db.complaint("c1").Assignments[0].Status)
}

func TestRejectRequiresReason(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("m1", 5, domain.WorkingStatusAvailable, "battery")
	h.db.addComplaint("c1", "battery", domain.PriorityLow, domain.ComplaintStatusPending, pendingOffer("m1"))

	_, err := h.svc.Reject(context.Background(), "c1", "m1", "   ")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
	assert.Equal(t, domain.AssignmentStatusPending, h.db.complaint("c1").Assignments[0].Status)
}

func TestRejectHandsComplaintToAnotherMechanic(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("rejecter", 9, domain.WorkingStatusAvailable, "battery")
	h.db.addMechanic("next", 2, domain.WorkingStatusAvailable, "battery")
	h.db.addComplaint("c1", "battery", domain.PriorityHigh, domain.ComplaintStatusPending, pendingOffer("rejecter"))

	outcome, err := h.svc.Reject(context.Background(), "c1", "rejecter", "no parts")
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.NotNil(t, outcome.Mechanic)
	assert.Equal(t, "next", outcome.Mechanic.ID)
	assert.Nil(t, outcome.Job)

	c := h.db.complaint("c1")
	assert.Equal(t, domain.ComplaintStatusPending, c.WorkingStatus)
	require.Len(t, c.Assignments, 2)
	assert.Equal(t, domain.AssignmentStatusRejected, c.Assignments[0].Status)
	require.NotNil(t, c.Assignments[0].Reason)
	assert.Equal(t, "no parts", *c.Assignments[0].Reason)
	assert.Equal(t, "next", c.Assignments[1].MechanicID)
	assert.Equal(t, 1, countPending(c))

	assert.Equal(t, []string{"next"}, h.gateway.assigned)
	require.Len(t, h.gateway.reassigned, 1)
	require.NotNil(t, h.gateway.reassigned[0].OldMechanicID)
	assert.Equal(t, "rejecter", *h.gateway.reassigned[0].OldMechanicID)
	assert.Empty(t, h.db.openJobs())
}

func TestRejectWithoutReplacementSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("rejecter", 9, domain.WorkingStatusAvailable, "battery")
	h.db.addComplaint("c1", "battery", domain.PriorityHigh, domain.ComplaintStatusPending, pendingOffer("rejecter"))

	outcome, err := h.svc.Reject(context.Background(), "c1", "rejecter", "no parts")
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.NotNil(t, outcome.Job)

	jobs := h.db.openJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, 0, jobs[0].Attempt)
	assert.Equal(t, h.clock().Add(time.Minute), jobs[0].NextRunAt)
	assert.Equal(t, "rejecter", jobs[0].Excluded())
	assert.Equal(t, domain.ComplaintStatusRejected, h.db.complaint("c1").WorkingStatus)
	require.Len(t, h.gateway.noMechanic, 1)
	assert.Equal(t, "client-c1@example.com", h.gateway.noMechanic[0].RecipientEmail)
	assert.Contains(t, h.db.historyOf("c1"), domain.HistoryReassignmentScheduled)
}

func TestRejectReplacesQueuedMissWithFreshJob(t *testing.T) {
	h := newHarness(t)
	h.db.addComplaint("c1", "battery", domain.PriorityHigh, domain.ComplaintStatusPending)
	ctx := context.Background()

	missed, err := h.svc.AssignComplaint(ctx, "coord", "c1")
	require.NoError(t, err)
	require.NotNil(t, missed.Job)
	h.advance(10 * time.Minute)

	h.db.addMechanic("m1", 9, domain.WorkingStatusAvailable, "battery")
	offered, err := h.svc.AssignComplaint(ctx, "coord", "c1")
	require.NoError(t, err)
	require.NotNil(t, offered.Mechanic)
	require.Equal(t, "m1", offered.Mechanic.ID)

	rejected, err := h.svc.Reject(ctx, "c1", "m1", "no parts")
	require.NoError(t, err)
	require.True(t, rejected.Success)
	require.NotNil(t, rejected.Job)
	assert.NotEqual(t, missed.Job.ID, rejected.Job.ID)
	assert.Equal(t, "m1", rejected.Job.Excluded())
	assert.Equal(t, 0, rejected.Job.Attempt)
	assert.Equal(t, JobReasonRejected, rejected.Job.Reason)
	assert.Equal(t, h.clock().Add(time.Minute), rejected.Job.NextRunAt)

	open := h.db.openJobs()
	require.Len(t, open, 1)
	assert.Equal(t, rejected.Job.ID, open[0].ID)

	h.advance(2 * time.Minute)
	claimed, err := h.queue.Claim(ctx, "w1", 5, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	result, err := h.svc.ReassignComplaint(ctx, &claimed[0])
	require.NoError(t, err)
	assert.Equal(t, ReassignNoMechanic, result)

	c := h.db.complaint("c1")
	assert.Equal(t, domain.ComplaintStatusRejected, c.WorkingStatus)
	assert.Zero(t, countPending(c), "the rejecting mechanic is never offered the complaint again")
	assert.Equal(t, []string{"m1"}, h.gateway.assigned)
}

func TestRejectReleasesMechanicOnlyWhenIdle(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("busy", 5, domain.WorkingStatusOccupied, "battery")
	h.db.addMechanic("stale", 5, domain.WorkingStatusOccupied, "battery")
	h.db.addComplaint("job", "battery", domain.PriorityLow, domain.ComplaintStatusProcessing, acceptedOffer("busy"))
	h.db.addComplaint("c1", "battery", domain.PriorityLow, domain.ComplaintStatusPending, pendingOffer("busy"))
	h.db.addComplaint("c2", "battery", domain.PriorityLow, domain.ComplaintStatusPending, pendingOffer("stale"))

	_, err := h.svc.Reject(context.Background(), "c1", "busy", "too far")
	require.NoError(t, err)
	_, err = h.svc.Reject(context.Background(), "c2", "stale", "too far")
	require.NoError(t, err)

	assert.Equal(t, domain.WorkingStatusOccupied, h.db.employee("busy").WorkingStatus)
	assert.Equal(t, domain.WorkingStatusAvailable, h.db.employee("stale").WorkingStatus)
}

func TestRejectTwiceConflicts(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("m1", 5, domain.WorkingStatusAvailable, "battery")
	h.db.addComplaint("c1", "battery", domain.PriorityLow, domain.ComplaintStatusPending, pendingOffer("m1"))

	first, err := h.svc.Reject(context.Background(), "c1", "m1", "no parts")
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := h.svc.Reject(context.Background(), "c1", "m1", "no parts")
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, apperrors.CodeConflict, second.Code)
	assert.Len(t, h.db.openJobs(), 1)
}

func TestSinglePendingAssignmentAcrossSequences(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		h.db.addMechanic(id, 1, domain.WorkingStatusAvailable, "battery")
	}
	h.db.addComplaint("c1", "battery", domain.PriorityMedium, domain.ComplaintStatusPending)
	ctx := context.Background()

	_, err := h.svc.AssignComplaint(ctx, "coord", "c1")
	require.NoError(t, err)
	for step := 0; step < 6; step++ {
		c := h.db.complaint("c1")
		require.LessOrEqual(t, countPending(c), 1)
		if c.PendingAssignment() == nil {
			break
		}
		// Everyone tries to accept or reject; only the offered mechanic can.
		for _, id := range []string{"m1", "m2", "m3", "m4"} {
			_, err := h.svc.Reject(ctx, "c1", id, "declined")
			require.NoError(t, err)
			_, err = h.svc.AssignComplaint(ctx, "coord", "c1")
			require.NoError(t, err)
			require.LessOrEqual(t, countPending(h.db.complaint("c1")), 1)
		}
	}
}

func TestCompleteFreesMechanicAndRecordsDetails(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("m1", 5, domain.WorkingStatusOccupied, "battery")
	h.db.addComplaint("c1", "battery", domain.PriorityLow, domain.ComplaintStatusProcessing, acceptedOffer("m1"))

	outcome, err := h.svc.Complete(context.Background(), "c1", "m1", CompletionInput{
		Description:   " replaced battery ",
		EvidenceRefs:  []string{"photo-1"},
		PaymentMethod: "cash",
		PaymentAmount: 120,
	})
	require.NoError(t, err)
	require.True(t, outcome.Success)

	c := h.db.complaint("c1")
	assert.Equal(t, domain.ComplaintStatusCompleted, c.WorkingStatus)
	require.NotNil(t, c.CompletionDetails)
	assert.Equal(t, "replaced battery", c.CompletionDetails.Description)
	assert.Equal(t, h.clock(), c.CompletionDetails.CompletedAt)
	assert.Equal(t, domain.WorkingStatusAvailable, h.db.employee("m1").WorkingStatus)

	again, err := h.svc.Complete(context.Background(), "c1", "m1", CompletionInput{Description: "again"})
	require.NoError(t, err)
	assert.False(t, again.Success)
	assert.Equal(t, "replaced battery", h.db.complaint("c1").CompletionDetails.Description)
}

func TestCompleteRequiresHolderAndDescription(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("m1", 5, domain.WorkingStatusOccupied, "battery")
	h.db.addMechanic("m2", 5, domain.WorkingStatusAvailable, "battery")
	h.db.addComplaint("c1", "battery", domain.PriorityLow, domain.ComplaintStatusProcessing, acceptedOffer("m1"))

	_, err := h.svc.Complete(context.Background(), "c1", "m1", CompletionInput{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))

	outcome, err := h.svc.Complete(context.Background(), "c1", "m2", CompletionInput{Description: "done"})
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, domain.ComplaintStatusProcessing, h.db.complaint("c1").WorkingStatus)
}

func TestNotificationFailureDoesNotFailTransition(t *testing.T) {
	h := newHarness(t)
	h.gateway.err = errGatewayDown
	h.db.addMechanic("m1", 5, domain.WorkingStatusAvailable, "battery")
	h.db.addComplaint("c1", "battery", domain.PriorityLow, domain.ComplaintStatusPending, pendingOffer("m1"))

	outcome, err := h.svc.Accept(context.Background(), "c1", "m1")
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Len(t, h.gateway.accepted, 1)
}

func TestStoreFailureSurfacesAsInternalError(t *testing.T) {
	h := newHarness(t)
	h.db.fail["complaints.get"] = errors.New("dial tcp: connection refused")

	_, err := h.svc.Accept(context.Background(), "c1", "m1")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInternal))
}

func TestReassignComplaintOffersToNewMechanicOnce(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("rejecter", 9, domain.WorkingStatusAvailable, "battery")
	h.db.addComplaint("c1", "battery", domain.PriorityHigh, domain.ComplaintStatusPending, pendingOffer("rejecter"))
	ctx := context.Background()

	outcome, err := h.svc.Reject(ctx, "c1", "rejecter", "no parts")
	require.NoError(t, err)
	job := outcome.Job
	require.NotNil(t, job)

	h.db.addMechanic("fresh", 1, domain.WorkingStatusAvailable, "battery")
	result, err := h.svc.ReassignComplaint(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ReassignAssigned, result)

	c := h.db.complaint("c1")
	assert.Equal(t, domain.ComplaintStatusPending, c.WorkingStatus)
	require.Len(t, c.Assignments, 2)
	assert.Equal(t, "fresh", c.Assignments[1].MechanicID)
	assert.Equal(t, domain.AssignmentStatusPending, c.Assignments[1].Status)
	require.Len(t, h.gateway.reassigned, 1)
	assert.Equal(t, "fresh", h.gateway.reassigned[0].NewMechanicID)

	// A second run of the same job changes nothing.
	result, err = h.svc.ReassignComplaint(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ReassignSuperseded, result)
	assert.Equal(t, c, h.db.complaint("c1"))
	assert.Len(t, h.gateway.assigned, 1)
}

func TestReassignComplaintReportsMiss(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("rejecter", 9, domain.WorkingStatusAvailable, "battery")
	h.db.addComplaint("c1", "battery", domain.PriorityHigh, domain.ComplaintStatusRejected,
		domain.Assignment{MechanicID: "rejecter", Status: domain.AssignmentStatusRejected})

	exclude := "rejecter"
	result, err := h.svc.ReassignComplaint(context.Background(), &domain.ReassignmentJob{ComplaintID: "c1", ExcludeMechanicID: &exclude})
	require.NoError(t, err)
	assert.Equal(t, ReassignNoMechanic, result)
	assert.Equal(t, domain.ComplaintStatusRejected, h.db.complaint("c1").WorkingStatus)
}

func TestReassignComplaintIgnoresDeletedComplaint(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("m1", 9, domain.WorkingStatusAvailable, "battery")
	h.db.addComplaint("c1", "battery", domain.PriorityHigh, domain.ComplaintStatusRejected).IsDeleted = true

	result, err := h.svc.ReassignComplaint(context.Background(), &domain.ReassignmentJob{ComplaintID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, ReassignSuperseded, result)
	assert.Empty(t, h.db.complaint("c1").Assignments)
}

func TestPreviewMatchValidatesPriority(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("m1", 9, domain.WorkingStatusAvailable, "battery")

	ref, err := h.svc.PreviewMatch(context.Background(), "battery", "HIGH", "")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, "m1", ref.ID)
	assert.Empty(t, h.db.historyOf("c1"))

	_, err = h.svc.PreviewMatch(context.Background(), "battery", "whenever", "")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
}

func TestHistoryListsAuditTrail(t *testing.T) {
	h := newHarness(t)
	h.db.addMechanic("m1", 5, domain.WorkingStatusAvailable, "battery")
	h.db.addComplaint("c1", "battery", domain.PriorityHigh, domain.ComplaintStatusPending)
	ctx := context.Background()

	_, err := h.svc.AssignComplaint(ctx, "coord", "c1")
	require.NoError(t, err)
	_, err = h.svc.Accept(ctx, "c1", "m1")
	require.NoError(t, err)

	entries, err := h.svc.History(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.HistoryAssigned, entries[0].EventType)
	assert.Equal(t, domain.HistoryAccepted, entries[1].EventType)

	_, err = h.svc.History(ctx, "missing")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}
