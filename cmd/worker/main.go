package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/billfold/billfold/internal/app"
	"github.com/billfold/billfold/internal/billing"
	"github.com/billfold/billfold/internal/fx"
	jobmetrics "github.com/billfold/billfold/internal/jobs"
	"github.com/billfold/billfold/internal/ledger"
	"github.com/billfold/billfold/internal/org"
	"github.com/billfold/billfold/internal/platform/cache"
	"github.com/billfold/billfold/internal/platform/db"
	"github.com/billfold/billfold/internal/reconcile"
	"github.com/billfold/billfold/internal/shared"
	"github.com/billfold/billfold/jobs"
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
		logger.Warn("redis connect", slog.Any("error", err))
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)

	rateCache := fx.NewCache(redisClient, cfg.RateFiatTTL, cfg.RateCryptoTTL)
	rateSource := fx.NewHTTPSource(cfg.RateAPIURL)
	converter := fx.NewBatcher(rateSource, rateCache, logger, cfg.RateBatchWait)

	billingRepo := billing.NewRepository(pool)
	orgRepo := org.NewRepository(pool)
	auditLogger := shared.NewAuditLogger(pool)

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, billingRepo, converter, cfg.LedgerCurrency, logger)

	reconcileService := reconcile.NewService(billingRepo, ledgerService, auditLogger, logger)

	driftJob := jobs.NewDriftScanJob(reconcileService, orgRepo, logger, metrics)
	backfillJob := jobs.NewLedgerBackfillJob(ledgerService, logger, metrics)

	driftTask, err := jobs.NewDriftScanTask(jobs.DriftScanPayload{})
	if err != nil {
		logger.Error("build drift scan task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeDriftScan, Handler: driftJob.Handle},
			{Type: jobs.TaskTypeLedgerBackfill, Handler: backfillJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 * * * *", Task: driftTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
