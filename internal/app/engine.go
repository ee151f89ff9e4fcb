package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/mechanic-dispatch/internal/config"
	"github.com/spec-kit/mechanic-dispatch/internal/events"
	"github.com/spec-kit/mechanic-dispatch/internal/notify"
	"github.com/spec-kit/mechanic-dispatch/internal/observability"
	"github.com/spec-kit/mechanic-dispatch/internal/persistence"
	"github.com/spec-kit/mechanic-dispatch/internal/repository"
	"github.com/spec-kit/mechanic-dispatch/internal/service"
	"github.com/spec-kit/mechanic-dispatch/internal/worker"
)

// Engine holds the wired assignment engine shared by the API and worker binaries.
type Engine struct {
	Postgres     *persistence.Postgres
	Redis        *persistence.Redis
	Metrics      *observability.Metrics
	Employees    repository.EmployeeRepository
	Dispatcher   *events.AsyncDispatcher
	Matcher      *service.Matcher
	Assignment   *service.AssignmentService
	Reassignment *service.ReassignmentService
	Scheduler    *worker.ReassignmentScheduler

	notifications *service.NotificationService
	logger        *zap.Logger
	kafka         *notify.KafkaPublisher
}

// NewEngine connects to storage, applies migrations when configured and wires
// every service. Call Start to begin background delivery and Close to release.
func NewEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
			pg.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	rdb := persistence.NewRedis(ctx, cfg.Redis, logger)
	metrics := observability.NewMetrics()

	pool := pg.PoolHandle()
	employeeRepo := repository.NewEmployeeRepository(pool)
	complaintRepo := repository.NewComplaintRepository(pool)
	historyRepo := repository.NewComplaintHistoryRepository(pool)
	jobRepo := repository.NewReassignmentJobRepository(pool)

	dispatcher := events.NewAsyncDispatcher(logger, cfg.Notification.QueueSize)
	publishers := []notify.Publisher{notify.NewRedisPublisher(rdb.Client, cfg.Notification.RedisChannel)}
	var kafkaPublisher *notify.KafkaPublisher
	if cfg.Notification.KafkaBrokers != "" {
		kafkaPublisher = notify.NewKafkaPublisher(cfg.Notification.KafkaBrokers, cfg.Notification.KafkaTopic)
		publishers = append(publishers, kafkaPublisher)
	}
	var mailer notify.Mailer
	if cfg.Notification.SMTPHost != "" {
		mailer = notify.NewSMTPMailer(cfg.Notification.SMTPHost, cfg.Notification.SMTPPort,
			cfg.Notification.SMTPUsername, cfg.Notification.SMTPPassword, cfg.Notification.EmailFrom)
	}
	notifications := service.NewNotificationService(service.NotificationDependencies{
		Dispatcher: dispatcher,
		Publishers: publishers,
		Mailer:     mailer,
		Logger:     logger.Named("notifications"),
		Metrics:    metrics,
	})

	matcher := service.NewMatcher(service.MatcherDependencies{
		EmployeeRepo:  employeeRepo,
		ComplaintRepo: complaintRepo,
		MaxPending:    cfg.Matcher.MaxPending,
		Logger:        logger.Named("matcher"),
		Metrics:       metrics,
	})
	reassignment := service.NewReassignmentService(service.ReassignmentDependencies{
		JobRepo:      jobRepo,
		HistoryRepo:  historyRepo,
		BackoffTiers: cfg.Scheduler.BackoffTiers,
		Logger:       logger.Named("reassignment"),
		Metrics:      metrics,
	})
	assignment := service.NewAssignmentService(service.AssignmentDependencies{
		ComplaintRepo: complaintRepo,
		EmployeeRepo:  employeeRepo,
		HistoryRepo:   historyRepo,
		Finder:        matcher,
		Queue:         reassignment,
		Gateway:       notify.NewEventGateway(dispatcher),
		Logger:        logger.Named("assignment"),
		Metrics:       metrics,
	})
	scheduler := worker.NewReassignmentScheduler(reassignment, assignment, cfg.Scheduler, logger.Named("scheduler"), metrics)

	return &Engine{
		Postgres:     pg,
		Redis:        rdb,
		Metrics:      metrics,
		Employees:    employeeRepo,
		Dispatcher:   dispatcher,
		Matcher:      matcher,
		Assignment:   assignment,
		Reassignment: reassignment,
		Scheduler:    scheduler,

		notifications: notifications,
		logger:        logger,
		kafka:         kafkaPublisher,
	}, nil
}

// Start begins notification delivery and, when withScheduler is set, polling
// for reassignment jobs.
func (e *Engine) Start(ctx context.Context, withScheduler bool) {
	worker.StartNotificationWorker(ctx, e.Dispatcher, e.notifications)
	if withScheduler {
		e.Scheduler.Start(ctx)
	}
}

// Close stops background work, drains queued notifications and releases
// connections, in that order.
func (e *Engine) Close() {
	e.Scheduler.Stop()
	e.Dispatcher.Close()
	if e.kafka != nil {
		if err := e.kafka.Close(); err != nil {
			e.logger.Warn("close kafka writer", zap.Error(err))
		}
	}
	e.Redis.Close()
	e.Postgres.Close()
}
