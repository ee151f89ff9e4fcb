package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spec-kit/mechanic-dispatch/internal/api/http/handlers"
	"github.com/spec-kit/mechanic-dispatch/internal/auth"
	"github.com/spec-kit/mechanic-dispatch/internal/observability"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Complaints     *handlers.ComplaintsHandler
	Mechanics      *handlers.MechanicsHandler
	AuthMiddleware fiber.Handler
	Metrics        *observability.Metrics
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	complaints := app.Group("/complaints", cfg.AuthMiddleware)
	complaints.Post("/:id/assign", auth.RequireCoordinator(), cfg.Complaints.Assign)
	complaints.Post("/:id/accept", auth.RequireMechanic(), cfg.Complaints.Accept)
	complaints.Post("/:id/reject", auth.RequireMechanic(), cfg.Complaints.Reject)
	complaints.Post("/:id/complete", auth.RequireMechanic(), cfg.Complaints.Complete)
	complaints.Get("/:id/reassignment", auth.RequireCoordinator(), cfg.Complaints.Reassignment)
	complaints.Get("/:id/history", auth.RequireCoordinator(), cfg.Complaints.History)

	mechanics := app.Group("/mechanics", cfg.AuthMiddleware, auth.RequireCoordinator())
	mechanics.Get("/match", cfg.Mechanics.Match)
}
