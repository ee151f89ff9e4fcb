package auth

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/mechanic-dispatch/internal/domain"
)

// RequirePosition ensures the principal holds one of the allowed positions.
func RequirePosition(allowed ...domain.Position) fiber.Handler {
	allowedSet := make(map[domain.Position]struct{}, len(allowed))
	for _, p := range allowed {
		allowedSet[p] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok || principal.Employee == nil {
			return fiber.NewError(http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		}
		if len(allowedSet) == 0 {
			return c.Next()
		}
		if _, exists := allowedSet[principal.Position]; !exists {
			return fiber.NewError(http.StatusForbidden, "insufficient position")
		}
		return c.Next()
	}
}

// RequireMechanic admits technicians only.
func RequireMechanic() fiber.Handler {
	return RequirePosition(domain.PositionMechanic)
}

// RequireCoordinator admits coordinators only.
func RequireCoordinator() fiber.Handler {
	return RequirePosition(domain.PositionCoordinator)
}
