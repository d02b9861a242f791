package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/app"
	"github.com/meridian-erp/meridian-erp/internal/auditor"
	"github.com/meridian-erp/meridian-erp/internal/batch"
	"github.com/meridian-erp/meridian-erp/internal/fifo"
	"github.com/meridian-erp/meridian-erp/internal/fx"
	"github.com/meridian-erp/meridian-erp/internal/governance"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/platform/cache"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/reversal"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	"github.com/meridian-erp/meridian-erp/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable", slog.Any("error", err))
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	resolver := governance.NewResolver(governance.NewRepository(pool), governance.DefaultPolicy())
	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	var fetcher fx.Fetcher
	if cfg.FXFeedURL != "" {
		fetcher = fx.NewHTTPFetcher(cfg.FXFeedURL)
	}
	converter := fx.NewConverter(fx.NewRepository(pool), fetcher, logger)

	costEngine := fifo.NewEngine(fifo.NewRepository(pool), auditLogger, fifo.Config{
		AllowNegativeStock: cfg.AllowNegativeStock,
	})

	ledgerService := ledger.NewService(
		ledger.NewRepository(pool), resolver, converter, auditLogger, idempotencyStore, cfg.BaseCurrency)
	ledgerService.SetCostEngine(costEngine)
	ledgerService.SetReversalEngine(reversal.NewEngine(ledgerService, costEngine, resolver))

	auditorService := auditor.NewService(logger, auditor.NewRepository(pool), ledgerService, resolver)
	batchRunner := batch.NewRunner(logger, batch.NewRepository(pool), ledgerService, redisClient)

	scanner := jobs.NewReconcileScanner(logger, pool, auditorService)
	refresher := jobs.NewFXRefresher(logger, converter, cfg.FXRefreshPairs)
	resumer := jobs.NewBatchResumer(logger, batchRunner, cfg.BatchResumeLimit)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReconcileScan, Handler: scanner.Handle},
			{Type: jobs.TaskFXRefresh, Handler: refresher.Handle},
			{Type: jobs.TaskBatchResume, Handler: resumer.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 2 * * *", Task: jobs.NewReconcileScanTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 0 * * *", Task: jobs.NewFXRefreshTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "*/15 * * * *", Task: jobs.NewBatchResumeTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
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
