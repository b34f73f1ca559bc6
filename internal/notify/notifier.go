// Package notify turns domain events into queued notification mail.
// Dispatch is fire-and-forget: delivery problems are logged, never returned,
// so a failed notification can never fail the operation that raised it.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/billfold/billfold/jobs"
)

// Dispatcher queues notification mail through the background worker.
type Dispatcher struct {
	client  *jobs.Client
	from    string
	logger  *slog.Logger
	printer *message.Printer
}

// NewDispatcher wires the queue-backed dispatcher.
func NewDispatcher(client *jobs.Client, from string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:  client,
		from:    from,
		logger:  logger,
		printer: message.NewPrinter(language.English),
	}
}

// Notify queues one notification. A nil dispatcher or missing client is a
// silent no-op so callers need no guards.
func (d *Dispatcher) Notify(ctx context.Context, recipient, event string, payload map[string]any) {
	if d == nil || d.client == nil || recipient == "" {
		return
	}
	mail := jobs.SendEmailPayload{
		To:      recipient,
		From:    d.from,
		Subject: subjectFor(event),
		Body:    d.renderBody(event, payload),
	}
	if _, err := d.client.EnqueueSendEmail(ctx, mail); err != nil {
		d.logger.Warn("notification enqueue failed",
			slog.String("recipient", recipient), slog.String("event", event), slog.Any("error", err))
	}
}

func subjectFor(event string) string {
	switch event {
	case "approval.requested":
		return "A bill is waiting for your approval"
	case "approval.approved":
		return "Your bill was approved"
	case "approval.rejected":
		return "Your bill was rejected"
	case "approval.cancelled":
		return "An approval request was cancelled"
	default:
		return "Billfold notification"
	}
}

// renderBody produces a plain-text body. Amounts are grouped per locale
// conventions so "12500.5 USD" reads as "12,500.50 USD".
func (d *Dispatcher) renderBody(event string, payload map[string]any) string {
	var b strings.Builder
	b.WriteString("Event: ")
	b.WriteString(event)
	b.WriteString("\n")

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := payload[k]
		if k == "amount" {
			if amount, ok := toFloat(v); ok {
				currency, _ := payload["currency"].(string)
				b.WriteString(d.printer.Sprintf("amount: %.2f %s\n", amount, currency))
				continue
			}
		}
		if k == "currency" {
			continue
		}
		fmt.Fprintf(&b, "%s: %v\n", k, v)
	}
	return b.String()
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// Noop discards every notification. Used where no queue is configured.
type Noop struct{}

// Notify implements the approval engine's notifier contract.
func (Noop) Notify(context.Context, string, string, map[string]any) {}
