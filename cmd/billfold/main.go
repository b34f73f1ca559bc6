package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/billfold/billfold/internal/app"
	"github.com/billfold/billfold/internal/approval"
	"github.com/billfold/billfold/internal/billing"
	"github.com/billfold/billfold/internal/fx"
	"github.com/billfold/billfold/internal/ledger"
	"github.com/billfold/billfold/internal/notify"
	"github.com/billfold/billfold/internal/observability"
	"github.com/billfold/billfold/internal/org"
	"github.com/billfold/billfold/internal/platform/cache"
	"github.com/billfold/billfold/internal/platform/db"
	"github.com/billfold/billfold/internal/reconcile"
	"github.com/billfold/billfold/internal/shared"
	"github.com/billfold/billfold/jobs"
)

// pairSync bridges the reconciler into the approval engine, which only
// cares whether the pair sync succeeded.
type pairSync struct {
	reconciler *reconcile.Service
}

func (p pairSync) SyncPair(ctx context.Context, actor shared.Actor, payableID string) error {
	_, err := p.reconciler.SyncPair(ctx, actor, payableID)
	return err
}

// backfillQueue adapts the job client to the ledger handler's enqueuer.
type backfillQueue struct {
	client *jobs.Client
}

func (q backfillQueue) EnqueueBackfill(ctx context.Context, actor shared.Actor) error {
	_, err := q.client.EnqueueLedgerBackfill(ctx, jobs.LedgerBackfillPayload{
		OrganizationID: actor.OrganizationID,
		UserID:         actor.UserID,
		Email:          actor.Email,
	})
	return err
}

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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
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

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Warn("job client", slog.Any("error", err))
	}
	defer func() {
		if jobClient == nil {
			return
		}
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	dispatcher := notify.NewDispatcher(jobClient, cfg.NotifyFrom, logger)

	rateCache := fx.NewCache(redisClient, cfg.RateFiatTTL, cfg.RateCryptoTTL)
	rateSource := fx.NewHTTPSource(cfg.RateAPIURL)
	converter := fx.NewBatcher(rateSource, rateCache, logger, cfg.RateBatchWait)

	metrics := observability.NewMetrics()

	billingRepo := billing.NewRepository(pool)
	orgRepo := org.NewRepository(pool)

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, billingRepo, converter, cfg.LedgerCurrency, logger)
	var backfills ledger.BackfillEnqueuer
	if jobClient != nil {
		backfills = backfillQueue{client: jobClient}
	}
	ledgerHandler := ledger.NewHandler(ledgerService, metrics, backfills)

	reconcileService := reconcile.NewService(billingRepo, ledgerService, auditLogger, logger)
	reconcileHandler := reconcile.NewHandler(reconcileService, idempotencyStore, metrics)

	approvalService := approval.NewService(
		approval.NewRepository(pool),
		billingRepo,
		orgRepo,
		converter,
		ledgerService,
		pairSync{reconciler: reconcileService},
		dispatcher,
		auditLogger,
		logger,
	)
	approvalHandler := approval.NewHandler(approvalService, metrics)

	orgHandler := org.NewHandler(orgRepo)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		ApprovalHandler:  approvalHandler,
		LedgerHandler:    ledgerHandler,
		ReconcileHandler: reconcileHandler,
		OrgHandler:       orgHandler,
		JobHandler:       jobHandler,
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
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
