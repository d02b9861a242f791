package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/app"
	"github.com/meridian-erp/meridian-erp/internal/auditor"
	"github.com/meridian-erp/meridian-erp/internal/batch"
	"github.com/meridian-erp/meridian-erp/internal/fifo"
	"github.com/meridian-erp/meridian-erp/internal/fx"
	"github.com/meridian-erp/meridian-erp/internal/governance"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/observability"
	"github.com/meridian-erp/meridian-erp/internal/platform/cache"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/reversal"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Error("connect postgres", slog.Any("error", err))
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

	metrics := observability.NewMetrics()

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
	costEngine.SetMetrics(metrics)

	ledgerService := ledger.NewService(
		ledger.NewRepository(pool), resolver, converter, auditLogger, idempotencyStore, cfg.BaseCurrency)
	ledgerService.SetCostEngine(costEngine)
	ledgerService.SetMetrics(metrics)

	reversalEngine := reversal.NewEngine(ledgerService, costEngine, resolver)
	reversalEngine.SetMetrics(metrics)
	ledgerService.SetReversalEngine(reversalEngine)

	auditorService := auditor.NewService(logger, auditor.NewRepository(pool), ledgerService, resolver)
	auditorService.SetMetrics(metrics)

	batchRunner := batch.NewRunner(logger, batch.NewRepository(pool), ledgerService, redisClient)
	batchRunner.SetMetrics(metrics)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		LedgerHandler:    ledger.NewHandler(logger, ledgerService),
		InventoryHandler: fifo.NewHandler(logger, costEngine, resolver),
		FXHandler:        fx.NewHandler(logger, converter, resolver),
		ReversalHandler:  reversal.NewHandler(logger, reversalEngine),
		AuditorHandler:   auditor.NewHandler(logger, auditorService),
		BatchHandler:     batch.NewHandler(logger, batchRunner),
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", slog.Any("error", err))
	}
}
