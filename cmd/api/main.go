package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/mechanic-dispatch/internal/api/http"
	"github.com/spec-kit/mechanic-dispatch/internal/api/http/handlers"
	"github.com/spec-kit/mechanic-dispatch/internal/app"
	"github.com/spec-kit/mechanic-dispatch/internal/auth"
	"github.com/spec-kit/mechanic-dispatch/internal/config"
	"github.com/spec-kit/mechanic-dispatch/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := app.NewEngine(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to init engine", zap.Error(err))
	}
	defer engine.Close()
	engine.Start(ctx, cfg.Scheduler.Enabled)

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
	authMiddleware := auth.NewAuthMiddleware(tokens, engine.Employees)

	server := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(server, logger, engine.Metrics, cfg.App.RequestTimeout())

	httptransport.RegisterRoutes(server, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, engine.Postgres, engine.Redis),
		Complaints:     handlers.NewComplaintsHandler(engine.Assignment, engine.Reassignment),
		Mechanics:      handlers.NewMechanicsHandler(engine.Assignment),
		AuthMiddleware: authMiddleware.Handle,
		Metrics:        engine.Metrics,
	})

	go func() {
		if err := server.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	_ = server.Shutdown()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
