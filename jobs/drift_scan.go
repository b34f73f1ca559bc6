package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/billfold/billfold/internal/jobs"
	"github.com/billfold/billfold/internal/reconcile"
	"github.com/billfold/billfold/internal/shared"
)

// OrganizationLister enumerates tenants for organization-wide jobs.
type OrganizationLister interface {
	ListIDs(ctx context.Context) ([]string, error)
}

// DriftScanJob runs the report-only drift scan per organization on a
// schedule. It never repairs; it surfaces findings through logs and metrics
// so operators decide when to run the repair endpoint.
type DriftScanJob struct {
	Reconciler *reconcile.Service
	Orgs       OrganizationLister
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewDriftScanJob initialises the drift scan handler.
func NewDriftScanJob(reconciler *reconcile.Service, orgs OrganizationLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *DriftScanJob {
	return &DriftScanJob{Reconciler: reconciler, Orgs: orgs, Logger: logger, Metrics: metrics}
}

// Handle executes the scheduled scan.
func (j *DriftScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Reconciler == nil {
		return errors.New("drift scan: handler not configured")
	}
	var payload DriftScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskTypeDriftScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	orgIDs := []string{payload.OrganizationID}
	if payload.OrganizationID == "" {
		orgIDs, resultErr = j.Orgs.ListIDs(ctx)
		if resultErr != nil {
			return resultErr
		}
	}

	for _, orgID := range orgIDs {
		actor := shared.Actor{OrganizationID: orgID}
		report, err := j.Reconciler.ScanForDrift(ctx, actor)
		if err != nil {
			j.Logger.Error("drift scan failed", slog.String("organization_id", orgID), slog.Any("error", err))
			resultErr = err
			continue
		}
		perKind := map[reconcile.IssueKind]int{}
		for _, issue := range report.Issues {
			perKind[issue.Kind]++
		}
		for kind, count := range perKind {
			j.Metrics.AddDriftIssues(string(kind), orgID, count)
		}
		if !report.Clean() {
			j.Logger.Warn("drift detected",
				slog.String("organization_id", orgID),
				slog.Int("checked", report.Checked),
				slog.Int("issues", len(report.Issues)),
				slog.Time("checked_at", report.CheckedAt))
		}
	}
	return resultErr
}
