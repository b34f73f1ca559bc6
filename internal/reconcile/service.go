package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/billfold/billfold/internal/billing"
	"github.com/billfold/billfold/internal/ledger"
	"github.com/billfold/billfold/internal/ownership"
	"github.com/billfold/billfold/internal/shared"
)

// BillingStore is the billing persistence slice reconciliation needs.
type BillingStore interface {
	GetInvoice(ctx context.Context, id string) (billing.Invoice, error)
	GetPayable(ctx context.Context, id string) (billing.Payable, error)
	ListLinkedPayables(ctx context.Context, owner ownership.Owner) ([]billing.Payable, error)
	MarkInvoicePaid(ctx context.Context, id string, paidAt time.Time) error
	MarkPayablePaid(ctx context.Context, id string, paymentDate time.Time) error
}

// Resyncer refreshes ledger entries after a repair touched their sources.
type Resyncer interface {
	SyncInvoice(ctx context.Context, actor shared.Actor, invoiceID string) (ledger.Entry, ledger.Outcome, error)
	SyncPayable(ctx context.Context, actor shared.Actor, payableID string) (ledger.Entry, ledger.Outcome, error)
}

// Service scans linked payable/invoice pairs for paid-status drift and
// converges them. Paid is sticky, so repair only ever marks the unpaid side
// paid, never the reverse.
type Service struct {
	store  BillingStore
	ledger Resyncer
	audit  *shared.AuditLogger
	logger *slog.Logger
	clock  func() time.Time
}

// NewService wires the reconciler. ledgerSync and audit may be nil, which
// disables the respective follow-up steps. Callers holding a nil concrete
// implementation must pass an untyped nil.
func NewService(store BillingStore, ledgerSync Resyncer, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		ledger: ledgerSync,
		audit:  audit,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// SyncPair converges one payable and its related invoice. Re-running against
// an already consistent pair changes nothing.
func (s *Service) SyncPair(ctx context.Context, actor shared.Actor, payableID string) (*Repair, error) {
	p, err := s.store.GetPayable(ctx, payableID)
	if err != nil {
		return nil, err
	}
	if p.RelatedInvoiceID == nil || *p.RelatedInvoiceID == "" {
		return nil, fmt.Errorf("payable %s has no related invoice: %w", payableID, shared.ErrValidation)
	}
	inv, err := s.store.GetInvoice(ctx, *p.RelatedInvoiceID)
	if err != nil {
		return nil, err
	}
	issue := diagnose(p, inv)
	if issue == nil {
		return nil, nil
	}
	if !issue.Kind.Repairable() {
		return nil, fmt.Errorf("pair %s/%s: %s: %w", p.ID, inv.ID, issue.Detail, shared.ErrInvalidState)
	}
	repair, err := s.apply(ctx, actor, *issue, p, inv)
	if err != nil {
		return nil, err
	}
	return &repair, nil
}

// ScanForDrift walks every linked pair in the actor's scope and reports
// without writing anything.
func (s *Service) ScanForDrift(ctx context.Context, actor shared.Actor) (DriftReport, error) {
	owner := ownership.Resolve(ownership.Fields{}, actor)
	if owner.IsZero() {
		return DriftReport{}, fmt.Errorf("drift scan without resolvable actor: %w", shared.ErrValidation)
	}
	payables, err := s.store.ListLinkedPayables(ctx, owner)
	if err != nil {
		return DriftReport{}, err
	}

	report := DriftReport{CheckedAt: s.clock(), Issues: []Issue{}, Synced: []SyncedPair{}}
	for _, p := range payables {
		report.Checked++
		inv, err := s.store.GetInvoice(ctx, *p.RelatedInvoiceID)
		if errors.Is(err, shared.ErrNotFound) {
			report.Issues = append(report.Issues, Issue{
				Kind:          IssueMissingInvoice,
				PayableID:     p.ID,
				PayableNumber: p.PayableNumber,
				InvoiceID:     *p.RelatedInvoiceID,
				Detail:        "related invoice does not exist",
			})
			continue
		}
		if err != nil {
			return DriftReport{}, err
		}
		if issue := diagnose(p, inv); issue != nil {
			report.Issues = append(report.Issues, *issue)
			continue
		}
		report.Synced = append(report.Synced, SyncedPair{PayableID: p.ID, InvoiceID: inv.ID})
	}
	return report, nil
}

// Repair runs a scan and applies every repairable fix it found, then
// resyncs the touched ledger entries.
func (s *Service) Repair(ctx context.Context, actor shared.Actor) (RepairResult, error) {
	report, err := s.ScanForDrift(ctx, actor)
	if err != nil {
		return RepairResult{}, err
	}

	result := RepairResult{}
	for _, issue := range report.Issues {
		if !issue.Kind.Repairable() {
			result.Skipped = append(result.Skipped, issue)
			if issue.Kind == IssuePaidDateConflict {
				s.logger.Error("paid date conflict needs manual review",
					slog.String("payable_id", issue.PayableID), slog.String("invoice_id", issue.InvoiceID))
			}
			continue
		}
		p, err := s.store.GetPayable(ctx, issue.PayableID)
		if err != nil {
			return result, err
		}
		inv, err := s.store.GetInvoice(ctx, issue.InvoiceID)
		if err != nil {
			return result, err
		}
		repair, err := s.apply(ctx, actor, issue, p, inv)
		if err != nil {
			return result, err
		}
		result.Repaired++
		result.Repairs = append(result.Repairs, repair)
	}
	return result, nil
}

// diagnose classifies one pair. nil means consistent.
func diagnose(p billing.Payable, inv billing.Invoice) *Issue {
	payablePaid := p.Status == billing.PayablePaid
	invoicePaid := inv.Status == billing.InvoicePaid
	switch {
	case payablePaid && !invoicePaid:
		return &Issue{
			Kind:          IssuePayablePaidOnly,
			PayableID:     p.ID,
			PayableNumber: p.PayableNumber,
			InvoiceID:     inv.ID,
			Detail:        "payable is paid but the related invoice is not",
		}
	case invoicePaid && !payablePaid:
		return &Issue{
			Kind:          IssueInvoicePaidOnly,
			PayableID:     p.ID,
			PayableNumber: p.PayableNumber,
			InvoiceID:     inv.ID,
			Detail:        "invoice is paid but the related payable is not",
		}
	case payablePaid && invoicePaid && datesDiffer(p.PaymentDate, inv.PaidAt):
		return &Issue{
			Kind:          IssuePaidDateConflict,
			PayableID:     p.ID,
			PayableNumber: p.PayableNumber,
			InvoiceID:     inv.ID,
			Detail:        "both sides are paid with different dates",
		}
	default:
		return nil
	}
}

func datesDiffer(a, b *time.Time) bool {
	if a == nil || b == nil {
		return false
	}
	return !a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}

// apply marks the unpaid side paid, carrying the paid side's date across so
// both record the same payment moment.
func (s *Service) apply(ctx context.Context, actor shared.Actor, issue Issue, p billing.Payable, inv billing.Invoice) (Repair, error) {
	now := s.clock()
	repair := Repair{Kind: issue.Kind, PayableID: p.ID, InvoiceID: inv.ID, AppliedAt: now}

	switch issue.Kind {
	case IssuePayablePaidOnly:
		paidAt := now
		if p.PaymentDate != nil {
			paidAt = *p.PaymentDate
		}
		if err := s.store.MarkInvoicePaid(ctx, inv.ID, paidAt); err != nil {
			return Repair{}, err
		}
		repair.PaidAt = paidAt
		repair.Direction = "payable_to_invoice"
	case IssueInvoicePaidOnly:
		paidAt := now
		if inv.PaidAt != nil {
			paidAt = *inv.PaidAt
		}
		if err := s.store.MarkPayablePaid(ctx, p.ID, paidAt); err != nil {
			return Repair{}, err
		}
		repair.PaidAt = paidAt
		repair.Direction = "invoice_to_payable"
	default:
		return Repair{}, fmt.Errorf("issue %s is not repairable: %w", issue.Kind, shared.ErrInvalidState)
	}

	s.resyncLedger(ctx, actor, p.ID, inv.ID)
	s.recordAudit(ctx, actor, repair)
	return repair, nil
}

// resyncLedger is best effort. The billing documents are already consistent;
// a failed ledger refresh is caught by the next sync or scan.
func (s *Service) resyncLedger(ctx context.Context, actor shared.Actor, payableID, invoiceID string) {
	if s.ledger == nil {
		return
	}
	if _, _, err := s.ledger.SyncPayable(ctx, actor, payableID); err != nil {
		s.logger.Warn("ledger resync after repair failed", slog.String("payable_id", payableID), slog.Any("error", err))
	}
	if _, _, err := s.ledger.SyncInvoice(ctx, actor, invoiceID); err != nil {
		s.logger.Warn("ledger resync after repair failed", slog.String("invoice_id", invoiceID), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Actor, repair Repair) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		OrganizationID: actor.OrganizationID,
		ActorID:        actor.UserID,
		Action:         "reconcile.repair",
		Entity:         "payable",
		EntityID:       repair.PayableID,
		Meta: map[string]any{
			"kind":      string(repair.Kind),
			"invoiceId": repair.InvoiceID,
			"direction": repair.Direction,
			"paidAt":    repair.PaidAt,
		},
		At: repair.AppliedAt,
	})
	if err != nil {
		s.logger.Warn("audit write failed", slog.Any("error", err))
	}
}
