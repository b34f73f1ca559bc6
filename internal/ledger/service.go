package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/billfold/billfold/internal/billing"
	"github.com/billfold/billfold/internal/fx"
	"github.com/billfold/billfold/internal/ownership"
	"github.com/billfold/billfold/internal/shared"
)

// BillingReader is the slice of billing persistence the sync needs.
type BillingReader interface {
	GetInvoice(ctx context.Context, id string) (billing.Invoice, error)
	GetPayable(ctx context.Context, id string) (billing.Payable, error)
	ListInvoices(ctx context.Context, owner ownership.Owner) ([]billing.Invoice, error)
	ListPayables(ctx context.Context, owner ownership.Owner) ([]billing.Payable, error)
}

// Converter locks an exchange rate for a new entry's financial snapshot.
type Converter interface {
	Convert(ctx context.Context, amount float64, from, to string) (fx.Result, error)
}

// Outcome reports which path a sync took.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
)

// BulkFailure records one document the bulk sync could not process.
type BulkFailure struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BulkResult summarises a tenant-wide backfill.
type BulkResult struct {
	Created  int           `json:"created"`
	Updated  int           `json:"updated"`
	Failed   int           `json:"failed"`
	Failures []BulkFailure `json:"failures,omitempty"`
}

// Service keeps the financial ledger consistent with invoices and payables.
type Service struct {
	repo      Repository
	billing   BillingReader
	converter Converter
	logger    *slog.Logger

	// targetCurrency, when set, converts new entries into a single reporting
	// currency. Empty keeps each entry in its source currency.
	targetCurrency string

	clock func() time.Time
}

// NewService wires the ledger sync service.
func NewService(repo Repository, billingReader BillingReader, converter Converter, targetCurrency string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:           repo,
		billing:        billingReader,
		converter:      converter,
		logger:         logger,
		targetCurrency: strings.ToUpper(strings.TrimSpace(targetCurrency)),
		clock:          func() time.Time { return time.Now().UTC() },
	}
}

// SyncInvoice mirrors one invoice into the ledger. Safe to call any number
// of times; repeats update the existing entry instead of inserting twice.
func (s *Service) SyncInvoice(ctx context.Context, actor shared.Actor, invoiceID string) (Entry, Outcome, error) {
	inv, err := s.billing.GetInvoice(ctx, invoiceID)
	if err != nil {
		return Entry{}, "", err
	}
	owner := ownership.Resolve(inv.OwnerFields(), actor)
	if owner.IsZero() {
		return Entry{}, "", fmt.Errorf("invoice %s has no resolvable owner: %w", invoiceID, shared.ErrValidation)
	}

	entry, found, err := s.lookupReceivable(ctx, inv.ID, inv.InvoiceNumber)
	if err != nil {
		return Entry{}, "", err
	}
	if found {
		updated, err := s.resync(ctx, entry, owner, mapInvoiceStatus(inv.Status), inv.PaidAt)
		return updated, OutcomeUpdated, err
	}

	entry, err = s.buildEntry(ctx, TypeReceivable, owner, snapshotSource{
		number:            inv.InvoiceNumber,
		relatedInvoiceID:  &inv.ID,
		counterpartyName:  inv.ClientName,
		counterpartyEmail: inv.ClientEmail,
		organizationID:    ownership.CanonicalID(inv.OrganizationID),
		issuerID:          ownership.CanonicalID(inv.IssuerID),
		userID:            inv.UserID,
		subtotal:          inv.Subtotal,
		totalTax:          inv.TotalTax,
		total:             inv.Total,
		currency:          inv.Currency,
		items:             inv.Items,
		issueDate:         inv.IssueDate,
		dueDate:           inv.DueDate,
		status:            mapInvoiceStatus(inv.Status),
		paidDate:          inv.PaidAt,
	})
	if err != nil {
		return Entry{}, "", err
	}
	inserted, err := s.repo.Insert(ctx, entry)
	if errors.Is(err, ErrDuplicateEntry) {
		// Concurrent sync won the insert. Fall back to updating its row.
		existing, found, lookupErr := s.lookupReceivable(ctx, inv.ID, inv.InvoiceNumber)
		if lookupErr != nil {
			return Entry{}, "", lookupErr
		}
		if !found {
			return Entry{}, "", fmt.Errorf("ledger: entry for invoice %s vanished after duplicate insert", inv.ID)
		}
		updated, err := s.resync(ctx, existing, owner, mapInvoiceStatus(inv.Status), inv.PaidAt)
		return updated, OutcomeUpdated, err
	}
	if err != nil {
		return Entry{}, "", err
	}
	return inserted, OutcomeCreated, nil
}

// SyncPayable mirrors one payable into the ledger.
func (s *Service) SyncPayable(ctx context.Context, actor shared.Actor, payableID string) (Entry, Outcome, error) {
	p, err := s.billing.GetPayable(ctx, payableID)
	if err != nil {
		return Entry{}, "", err
	}
	owner := ownership.Resolve(p.OwnerFields(), actor)
	if owner.IsZero() {
		return Entry{}, "", fmt.Errorf("payable %s has no resolvable owner: %w", payableID, shared.ErrValidation)
	}

	entry, found, err := s.lookupPayable(ctx, p.ID, p.PayableNumber)
	if err != nil {
		return Entry{}, "", err
	}
	if found {
		updated, err := s.resync(ctx, entry, owner, mapPayableStatus(p.Status), p.PaymentDate)
		return updated, OutcomeUpdated, err
	}

	entry, err = s.buildEntry(ctx, TypePayable, owner, snapshotSource{
		number:            p.PayableNumber,
		relatedPayableID:  &p.ID,
		counterpartyName:  p.VendorName,
		counterpartyEmail: p.VendorEmail,
		organizationID:    ownership.CanonicalID(p.OrganizationID),
		issuerID:          ownership.CanonicalID(p.IssuerID),
		userID:            p.UserID,
		subtotal:          p.Subtotal,
		totalTax:          p.TotalTax,
		total:             p.Total,
		currency:          p.Currency,
		items:             p.Items,
		issueDate:         p.IssueDate,
		dueDate:           p.DueDate,
		status:            mapPayableStatus(p.Status),
		paidDate:          p.PaymentDate,
	})
	if err != nil {
		return Entry{}, "", err
	}
	inserted, err := s.repo.Insert(ctx, entry)
	if errors.Is(err, ErrDuplicateEntry) {
		existing, found, lookupErr := s.lookupPayable(ctx, p.ID, p.PayableNumber)
		if lookupErr != nil {
			return Entry{}, "", lookupErr
		}
		if !found {
			return Entry{}, "", fmt.Errorf("ledger: entry for payable %s vanished after duplicate insert", p.ID)
		}
		updated, err := s.resync(ctx, existing, owner, mapPayableStatus(p.Status), p.PaymentDate)
		return updated, OutcomeUpdated, err
	}
	if err != nil {
		return Entry{}, "", err
	}
	return inserted, OutcomeCreated, nil
}

// RecordApprovalOutcome denormalises a finished workflow onto the ledger
// entry backing the payable, when one exists.
func (s *Service) RecordApprovalOutcome(ctx context.Context, payableID string, summary billing.ApprovalSummary) error {
	entry, found, err := s.repo.FindByRelatedPayable(ctx, payableID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	return s.repo.UpdateMutable(ctx, MutableUpdate{
		ID:               entry.ID,
		Status:           entry.Status,
		OwnerID:          entry.OwnerID,
		OwnerType:        entry.OwnerType,
		PaidDate:         entry.PaidDate,
		ApprovalWorkflow: &summary,
		LastSyncedAt:     s.clock(),
	})
}

// SyncAll backfills the ledger for everything in the actor's scope. Per-item
// failures are collected rather than aborting the run.
func (s *Service) SyncAll(ctx context.Context, actor shared.Actor) (BulkResult, error) {
	owner := ownership.Resolve(ownership.Fields{}, actor)
	if owner.IsZero() {
		return BulkResult{}, fmt.Errorf("bulk sync without resolvable actor: %w", shared.ErrValidation)
	}

	invoices, err := s.billing.ListInvoices(ctx, owner)
	if err != nil {
		return BulkResult{}, err
	}
	payables, err := s.billing.ListPayables(ctx, owner)
	if err != nil {
		return BulkResult{}, err
	}

	var (
		mu     sync.Mutex
		result BulkResult
	)
	record := func(kind, id string, outcome Outcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			result.Failed++
			result.Failures = append(result.Failures, BulkFailure{Kind: kind, ID: id, Error: shared.UserSafeMessage(err)})
			s.logger.Warn("ledger backfill item failed", slog.String("kind", kind), slog.String("id", id), slog.Any("error", err))
		case outcome == OutcomeCreated:
			result.Created++
		default:
			result.Updated++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, inv := range invoices {
		g.Go(func() error {
			_, outcome, err := s.SyncInvoice(gctx, actor, inv.ID)
			record("invoice", inv.ID, outcome, err)
			return nil
		})
	}
	for _, p := range payables {
		g.Go(func() error {
			_, outcome, err := s.SyncPayable(gctx, actor, p.ID)
			record("payable", p.ID, outcome, err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

// List returns the actor's ledger entries.
func (s *Service) List(ctx context.Context, actor shared.Actor, filter Filter) ([]Entry, error) {
	owner := ownership.Resolve(ownership.Fields{}, actor)
	if owner.IsZero() {
		return nil, fmt.Errorf("listing without resolvable actor: %w", shared.ErrValidation)
	}
	return s.repo.List(ctx, owner, filter)
}

// lookupReceivable finds the entry for an invoice, first by the related id
// and then by the invoice number against rows written before related ids
// existed.
func (s *Service) lookupReceivable(ctx context.Context, invoiceID, invoiceNumber string) (Entry, bool, error) {
	entry, found, err := s.repo.FindByRelatedInvoice(ctx, invoiceID)
	if err != nil || found || invoiceNumber == "" {
		return entry, found, err
	}
	return s.repo.FindByEntryID(ctx, TypeReceivable, invoiceNumber)
}

func (s *Service) lookupPayable(ctx context.Context, payableID, payableNumber string) (Entry, bool, error) {
	entry, found, err := s.repo.FindByRelatedPayable(ctx, payableID)
	if err != nil || found || payableNumber == "" {
		return entry, found, err
	}
	return s.repo.FindByEntryID(ctx, TypePayable, payableNumber)
}

// resync refreshes the mutable slice of an existing entry. The financial
// snapshot never changes after insert.
func (s *Service) resync(ctx context.Context, entry Entry, owner ownership.Owner, mapped EntryStatus, paidDate *time.Time) (Entry, error) {
	status := nextStatus(entry.Status, mapped)
	update := MutableUpdate{
		ID:           entry.ID,
		Status:       status,
		OwnerID:      owner.Key(),
		OwnerType:    owner.Type,
		PaidDate:     normalizePaid(status, paidDate, s.clock),
		LastSyncedAt: s.clock(),
	}
	if err := s.repo.UpdateMutable(ctx, update); err != nil {
		return Entry{}, err
	}
	entry.Status = status
	entry.OwnerID = owner.Key()
	entry.OwnerType = owner.Type
	if entry.PaidDate == nil {
		entry.PaidDate = update.PaidDate
	}
	entry.LastSyncedAt = update.LastSyncedAt
	entry.SyncStatus = "synced"
	return entry, nil
}

type snapshotSource struct {
	number            string
	relatedInvoiceID  *string
	relatedPayableID  *string
	counterpartyName  string
	counterpartyEmail string
	organizationID    string
	issuerID          string
	userID            string
	subtotal          float64
	totalTax          float64
	total             float64
	currency          string
	items             []billing.LineItem
	issueDate         time.Time
	dueDate           time.Time
	status            EntryStatus
	paidDate          *time.Time
}

// buildEntry assembles a new entry, locking an exchange rate when a
// reporting currency is configured. A failed rate fetch keeps the source
// currency rather than blocking the sync.
func (s *Service) buildEntry(ctx context.Context, typ EntryType, owner ownership.Owner, src snapshotSource) (Entry, error) {
	now := s.clock()
	entry := Entry{
		ID:                uuid.NewString(),
		Type:              typ,
		OwnerID:           owner.Key(),
		OwnerType:         owner.Type,
		OrganizationID:    src.organizationID,
		IssuerID:          src.issuerID,
		UserID:            src.userID,
		RelatedInvoiceID:  src.relatedInvoiceID,
		RelatedPayableID:  src.relatedPayableID,
		CounterpartyName:  src.counterpartyName,
		CounterpartyEmail: src.counterpartyEmail,
		Amount:            src.total,
		Subtotal:          src.subtotal,
		TotalTax:          src.totalTax,
		Currency:          strings.ToUpper(strings.TrimSpace(src.currency)),
		Items:             src.items,
		IssueDate:         src.issueDate,
		DueDate:           src.dueDate,
		Status:            src.status,
		PaidDate:          normalizePaid(src.status, src.paidDate, s.clock),
		CreatedAt:         now,
		UpdatedAt:         now,
		LastSyncedAt:      now,
		SyncStatus:        "synced",
	}

	if s.targetCurrency != "" && !strings.EqualFold(entry.Currency, s.targetCurrency) {
		res, err := s.converter.Convert(ctx, src.total, entry.Currency, s.targetCurrency)
		if err != nil {
			s.logger.Warn("rate unavailable, keeping source currency",
				slog.String("from", entry.Currency), slog.String("to", s.targetCurrency), slog.Any("error", err))
		} else if res.Converted {
			entry.OriginalCurrency = entry.Currency
			entry.Currency = s.targetCurrency
			entry.Amount = res.ConvertedAmount
			entry.Subtotal = roundAmount(src.subtotal * res.Rate)
			entry.TotalTax = roundAmount(src.totalTax * res.Rate)
			entry.ConversionRate = res.Rate
			lockedAt := res.LockedAt
			entry.RateLockedAt = &lockedAt
		}
	}

	// The business number doubles as the entry id; documents without one
	// get a generated id.
	entry.EntryID = src.number
	if entry.EntryID == "" {
		seq, err := s.repo.NextSequence(ctx, typ, owner)
		if err != nil {
			return Entry{}, err
		}
		entry.EntryID = generateEntryID(typ, owner, src.issueDate, seq)
	}
	return entry, nil
}

func roundAmount(v float64) float64 {
	return math.Round(v*100) / 100
}

// normalizePaid guarantees a paid entry carries a paid date.
func normalizePaid(status EntryStatus, paidDate *time.Time, clock func() time.Time) *time.Time {
	if status != StatusPaid {
		return paidDate
	}
	if paidDate != nil {
		return paidDate
	}
	now := clock()
	return &now
}
