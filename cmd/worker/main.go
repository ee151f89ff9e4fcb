package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/spec-kit/mechanic-dispatch/internal/app"
	"github.com/spec-kit/mechanic-dispatch/internal/config"
	"github.com/spec-kit/mechanic-dispatch/internal/observability"
)

// The worker runs the reassignment scheduler without the HTTP surface. Any
// number of workers may share one database.
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

	engine.Start(ctx, true)
	logger.Info("reassignment worker started", zap.String("worker_id", engine.Scheduler.WorkerID()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
