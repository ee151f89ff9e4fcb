package handlers

import (
	"context"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/spec-kit/mechanic-dispatch/internal/api/dto"
	"github.com/spec-kit/mechanic-dispatch/internal/auth"
	"github.com/spec-kit/mechanic-dispatch/internal/domain"
	"github.com/spec-kit/mechanic-dispatch/internal/service"
	apperrors "github.com/spec-kit/mechanic-dispatch/pkg/util/errorutil"
)

// ComplaintWorkflow is the assignment lifecycle exposed over HTTP.
type ComplaintWorkflow interface {
	AssignComplaint(ctx context.Context, actorID, complaintID string) (*service.Outcome, error)
	Accept(ctx context.Context, complaintID, mechanicID string) (*service.Outcome, error)
	Reject(ctx context.Context, complaintID, mechanicID, reason string) (*service.Outcome, error)
	Complete(ctx context.Context, complaintID, mechanicID string, input service.CompletionInput) (*service.Outcome, error)
	History(ctx context.Context, complaintID string) ([]domain.ComplaintHistory, error)
}

// ReassignmentLookup exposes queued reassignments.
type ReassignmentLookup interface {
	OpenJob(ctx context.Context, complaintID string) (*domain.ReassignmentJob, error)
}

// ComplaintsHandler serves complaint assignment endpoints.
type ComplaintsHandler struct {
	workflow ComplaintWorkflow
	jobs     ReassignmentLookup
}

// NewComplaintsHandler constructs handler.
func NewComplaintsHandler(workflow ComplaintWorkflow, jobs ReassignmentLookup) *ComplaintsHandler {
	return &ComplaintsHandler{workflow: workflow, jobs: jobs}
}

// Assign POST /complaints/:id/assign.
func (h *ComplaintsHandler) Assign(c *fiber.Ctx) error {
	principal, err := currentEmployee(c)
	if err != nil {
		return err
	}
	complaintID, err := complaintIDParam(c)
	if err != nil {
		return err
	}
	outcome, err := h.workflow.AssignComplaint(c.UserContext(), principal.Employee.ID, complaintID)
	if err != nil {
		return err
	}
	return renderOutcome(c, outcome)
}

// Accept POST /complaints/:id/accept.
func (h *ComplaintsHandler) Accept(c *fiber.Ctx) error {
	principal, err := currentEmployee(c)
	if err != nil {
		return err
	}
	complaintID, err := complaintIDParam(c)
	if err != nil {
		return err
	}
	outcome, err := h.workflow.Accept(c.UserContext(), complaintID, principal.Employee.ID)
	if err != nil {
		return err
	}
	return renderOutcome(c, outcome)
}

// Reject POST /complaints/:id/reject.
func (h *ComplaintsHandler) Reject(c *fiber.Ctx) error {
	principal, err := currentEmployee(c)
	if err != nil {
		return err
	}
	complaintID, err := complaintIDParam(c)
	if err != nil {
		return err
	}
	var req dto.RejectAssignmentRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	outcome, err := h.workflow.Reject(c.UserContext(), complaintID, principal.Employee.ID, req.Reason)
	if err != nil {
		return err
	}
	return renderOutcome(c, outcome)
}

// Complete POST /complaints/:id/complete.
func (h *ComplaintsHandler) Complete(c *fiber.Ctx) error {
	principal, err := currentEmployee(c)
	if err != nil {
		return err
	}
	complaintID, err := complaintIDParam(c)
	if err != nil {
		return err
	}
	var req dto.CompleteComplaintRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	outcome, err := h.workflow.Complete(c.UserContext(), complaintID, principal.Employee.ID, service.CompletionInput{
		Description:      req.Description,
		EvidenceRefs:     req.Evidence,
		PaymentMethod:    req.Payment.Method,
		PaymentAmount:    req.Payment.Amount,
		PaymentReference: req.Payment.Reference,
	})
	if err != nil {
		return err
	}
	return renderOutcome(c, outcome)
}

// Reassignment GET /complaints/:id/reassignment.
func (h *ComplaintsHandler) Reassignment(c *fiber.Ctx) error {
	complaintID, err := complaintIDParam(c)
	if err != nil {
		return err
	}
	job, err := h.jobs.OpenJob(c.UserContext(), complaintID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": jobResponse(job)})
}

// History GET /complaints/:id/history.
func (h *ComplaintsHandler) History(c *fiber.Ctx) error {
	complaintID, err := complaintIDParam(c)
	if err != nil {
		return err
	}
	entries, err := h.workflow.History(c.UserContext(), complaintID)
	if err != nil {
		return err
	}
	resp := make([]dto.HistoryEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, dto.HistoryEntryResponse{
			ID:        e.ID,
			ActorID:   e.ActorID,
			EventType: e.EventType,
			Details:   e.Details,
			CreatedAt: e.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"data": resp})
}

// complaintIDParam reads the :id segment. Complaint ids are UUIDs, so
// anything else cannot name a complaint and is reported as not found.
func complaintIDParam(c *fiber.Ctx) (string, error) {
	raw := c.Params("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", apperrors.NewNotFound("complaint", map[string]any{"id": raw})
	}
	return id.String(), nil
}

func currentEmployee(c *fiber.Ctx) (*auth.Principal, error) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok || principal.Employee == nil {
		return nil, apperrors.NewUnauthorized("employee required")
	}
	return principal, nil
}

func renderOutcome(c *fiber.Ctx, outcome *service.Outcome) error {
	status := http.StatusOK
	if !outcome.Success {
		status = http.StatusConflict
	}
	return c.Status(status).JSON(fiber.Map{"data": outcomeResponse(outcome)})
}

func outcomeResponse(o *service.Outcome) dto.OutcomeResponse {
	resp := dto.OutcomeResponse{
		Success: o.Success,
		Code:    o.Code,
		Reason:  o.Reason,
	}
	if o.Complaint != nil {
		complaint := complaintResponse(o.Complaint)
		resp.Complaint = &complaint
	}
	if o.Mechanic != nil {
		mechanic := mechanicResponse(o.Mechanic)
		resp.Mechanic = &mechanic
	}
	if o.Job != nil {
		job := jobResponse(o.Job)
		resp.Job = &job
	}
	return resp
}

func complaintResponse(c *domain.Complaint) dto.ComplaintResponse {
	assignments := make([]dto.AssignmentResponse, 0, len(c.Assignments))
	for _, a := range c.Assignments {
		assignments = append(assignments, dto.AssignmentResponse{
			MechanicID:  a.MechanicID,
			Status:      a.Status,
			Reason:      a.Reason,
			AssignedAt:  a.AssignedAt,
			RespondedAt: a.RespondedAt,
		})
	}
	resp := dto.ComplaintResponse{
		ID:              c.ID,
		ProductCategory: c.ProductCategory,
		Priority:        c.Priority,
		WorkingStatus:   c.WorkingStatus,
		Assignments:     assignments,
		UpdatedAt:       c.UpdatedAt,
	}
	if d := c.CompletionDetails; d != nil {
		resp.Completion = &dto.CompletionResponse{
			Description: d.Description,
			Evidence:    d.EvidenceRefs,
			Payment: dto.PaymentRequest{
				Method:    d.PaymentMethod,
				Amount:    d.PaymentAmount,
				Reference: d.PaymentReference,
			},
			CompletedAt: d.CompletedAt,
		}
	}
	return resp
}

func mechanicResponse(m *domain.MechanicRef) dto.MechanicResponse {
	return dto.MechanicResponse{
		ID:         m.ID,
		Name:       m.Name,
		Experience: m.Experience,
		Tier:       m.Tier,
		Workload:   m.Workload,
	}
}

func jobResponse(j *domain.ReassignmentJob) dto.ReassignmentJobResponse {
	return dto.ReassignmentJobResponse{
		ID:                j.ID,
		ComplaintID:       j.ComplaintID,
		ExcludeMechanicID: j.ExcludeMechanicID,
		Reason:            j.Reason,
		Attempt:           j.Attempt,
		NextRunAt:         j.NextRunAt,
		LockedAt:          j.LockedAt,
		LastError:         j.LastError,
	}
}
