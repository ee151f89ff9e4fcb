package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/mechanic-dispatch/internal/domain"
)

// MatchPreviewer runs the matcher without side effects.
type MatchPreviewer interface {
	PreviewMatch(ctx context.Context, category, priority, excludeID string) (*domain.MechanicRef, error)
}

// MechanicsHandler exposes matcher diagnostics to coordinators.
type MechanicsHandler struct {
	previewer MatchPreviewer
}

// NewMechanicsHandler constructs handler.
func NewMechanicsHandler(previewer MatchPreviewer) *MechanicsHandler {
	return &MechanicsHandler{previewer: previewer}
}

// Match GET /mechanics/match?category=&priority=&exclude=.
func (h *MechanicsHandler) Match(c *fiber.Ctx) error {
	ref, err := h.previewer.PreviewMatch(c.UserContext(), c.Query("category"), c.Query("priority", string(domain.PriorityMedium)), c.Query("exclude"))
	if err != nil {
		return err
	}
	if ref == nil {
		return c.JSON(fiber.Map{"data": nil})
	}
	return c.JSON(fiber.Map{"data": mechanicResponse(ref)})
}
