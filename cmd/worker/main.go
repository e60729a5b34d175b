package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/atlas-lms/atlas-lms/internal/app"
	"github.com/atlas-lms/atlas-lms/internal/billing"
	"github.com/atlas-lms/atlas-lms/internal/enrollment"
	"github.com/atlas-lms/atlas-lms/internal/events"
	jobmetrics "github.com/atlas-lms/atlas-lms/internal/jobs"
	"github.com/atlas-lms/atlas-lms/internal/ledger"
	"github.com/atlas-lms/atlas-lms/internal/platform/cache"
	"github.com/atlas-lms/atlas-lms/internal/platform/db"
	"github.com/atlas-lms/atlas-lms/internal/shared"
	"github.com/atlas-lms/atlas-lms/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService, err := ledger.NewService(ledgerRepo, cfg.Chart, auditLogger)
	if err != nil {
		logger.Error("init posting engine", slog.Any("error", err))
		os.Exit(1)
	}
	guard := ledger.NewGuard(ledgerRepo, logger)

	billingRepo := billing.NewRepository(pool)
	billingService := billing.NewService(billingRepo, auditLogger, logger)

	enrollmentRepo := enrollment.NewRepository(pool)
	enrollmentService := enrollment.NewService(enrollmentRepo, auditLogger, logger)

	queue, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init task queue", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue close", slog.Any("error", err))
		}
	}()

	hooks := events.NewHooks(ledgerService, guard, billingService, enrollmentService, queue, logger)
	billingService.SetEventSink(hooks)
	enrollmentService.SetEventSink(hooks)

	handlers := jobs.NewHandlers(hooks, billingService, ledgerRepo, jobmetrics.NewMetrics(nil), logger)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers:  handlers.TaskHandlers(),
		Cron:      jobs.DefaultCron(),
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
