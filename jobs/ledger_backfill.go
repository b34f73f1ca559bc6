package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/billfold/billfold/internal/jobs"
	"github.com/billfold/billfold/internal/ledger"
	"github.com/billfold/billfold/internal/shared"
)

// LedgerBackfillJob replays every invoice and payable of one tenant through
// the ledger sync. Per-item failures are reported by the sync itself; the
// job only fails when the run cannot start at all.
type LedgerBackfillJob struct {
	Ledger  *ledger.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerBackfillJob initialises the backfill handler.
func NewLedgerBackfillJob(ledgerSvc *ledger.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerBackfillJob {
	return &LedgerBackfillJob{Ledger: ledgerSvc, Logger: logger, Metrics: metrics}
}

// Handle executes the backfill.
func (j *LedgerBackfillJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Ledger == nil {
		return errors.New("ledger backfill: handler not configured")
	}
	var payload LedgerBackfillPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.OrganizationID == "" && payload.Email == "" {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskTypeLedgerBackfill)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	actor := shared.Actor{
		UserID:         payload.UserID,
		Email:          payload.Email,
		OrganizationID: payload.OrganizationID,
	}
	result, resultErr := j.Ledger.SyncAll(ctx, actor)
	if resultErr != nil {
		return resultErr
	}
	j.Logger.Info("ledger backfill finished",
		slog.String("organization_id", payload.OrganizationID),
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("failed", result.Failed))
	return nil
}
