package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for transactional notification mail.
	TaskTypeSendEmail = "mail:send"
	// TaskTypeDriftScan is the scheduled report-only drift scan.
	TaskTypeDriftScan = "reconcile:drift_scan"
	// TaskTypeLedgerBackfill is an on-demand tenant-wide ledger backfill.
	TaskTypeLedgerBackfill = "ledger:backfill"
)

// SendEmailPayload describes one notification mail.
type SendEmailPayload struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// HandleSendEmailTask processes TaskTypeSendEmail tasks.
func HandleSendEmailTask(ctx context.Context, t *asynq.Task) error {
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	// TODO: deliver via SMTP once the mail relay is provisioned.
	slog.InfoContext(ctx, "send email",
		slog.String("to", payload.To), slog.String("subject", payload.Subject))
	return nil
}

// DriftScanPayload scopes the scheduled scan. Empty means every organization.
type DriftScanPayload struct {
	OrganizationID string `json:"organizationId,omitempty"`
}

// NewDriftScanTask constructs the scheduled drift scan task.
func NewDriftScanTask(payload DriftScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeDriftScan, data), nil
}

// LedgerBackfillPayload identifies the tenant to backfill and the actor the
// run is attributed to.
type LedgerBackfillPayload struct {
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId,omitempty"`
	Email          string `json:"email,omitempty"`
}

// NewLedgerBackfillTask constructs a backfill task.
func NewLedgerBackfillTask(payload LedgerBackfillPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeLedgerBackfill, data), nil
}
