package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/billfold/billfold/internal/billing"
	"github.com/billfold/billfold/internal/fx"
	"github.com/billfold/billfold/internal/ownership"
	"github.com/billfold/billfold/internal/shared"
)

type fakeRepo struct {
	mu      sync.Mutex
	entries map[string]Entry

	duplicateInserts int
	inserts          int
	updates          int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{entries: make(map[string]Entry)}
}

func (f *fakeRepo) FindByRelatedInvoice(_ context.Context, invoiceID string) (Entry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.Type == TypeReceivable && e.RelatedInvoiceID != nil && *e.RelatedInvoiceID == invoiceID {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (f *fakeRepo) FindByRelatedPayable(_ context.Context, payableID string) (Entry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.Type == TypePayable && e.RelatedPayableID != nil && *e.RelatedPayableID == payableID {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (f *fakeRepo) FindByEntryID(_ context.Context, typ EntryType, entryID string) (Entry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.Type == typ && e.EntryID == entryID {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (f *fakeRepo) Insert(_ context.Context, entry Entry) (Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.duplicateInserts > 0 {
		f.duplicateInserts--
		return Entry{}, ErrDuplicateEntry
	}
	for _, e := range f.entries {
		sameInvoice := e.RelatedInvoiceID != nil && entry.RelatedInvoiceID != nil && *e.RelatedInvoiceID == *entry.RelatedInvoiceID
		samePayable := e.RelatedPayableID != nil && entry.RelatedPayableID != nil && *e.RelatedPayableID == *entry.RelatedPayableID
		if e.Type == entry.Type && (sameInvoice || samePayable || e.EntryID == entry.EntryID) {
			return Entry{}, ErrDuplicateEntry
		}
	}
	f.entries[entry.ID] = entry
	f.inserts++
	return entry, nil
}

func (f *fakeRepo) UpdateMutable(_ context.Context, update MutableUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[update.ID]
	if !ok {
		return shared.ErrNotFound
	}
	e.Status = update.Status
	e.OwnerID = update.OwnerID
	e.OwnerType = update.OwnerType
	if e.PaidDate == nil {
		e.PaidDate = update.PaidDate
	}
	if update.ApprovalWorkflow != nil {
		e.ApprovalWorkflow = update.ApprovalWorkflow
	}
	e.LastSyncedAt = update.LastSyncedAt
	e.SyncStatus = "synced"
	f.entries[update.ID] = e
	f.updates++
	return nil
}

func (f *fakeRepo) NextSequence(_ context.Context, typ EntryType, owner ownership.Owner) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 1
	for _, e := range f.entries {
		if e.Type == typ && e.OwnerID == owner.Key() {
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) List(_ context.Context, owner ownership.Owner, filter Filter) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Entry
	for _, e := range f.entries {
		if e.OwnerID != owner.Key() {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fakeBilling struct {
	mu       sync.Mutex
	invoices map[string]billing.Invoice
	payables map[string]billing.Payable
}

func newFakeBilling() *fakeBilling {
	return &fakeBilling{invoices: make(map[string]billing.Invoice), payables: make(map[string]billing.Payable)}
}

func (f *fakeBilling) GetInvoice(_ context.Context, id string) (billing.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[id]
	if !ok {
		return billing.Invoice{}, fmt.Errorf("invoice %s: %w", id, shared.ErrNotFound)
	}
	return inv, nil
}

func (f *fakeBilling) GetPayable(_ context.Context, id string) (billing.Payable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payables[id]
	if !ok {
		return billing.Payable{}, fmt.Errorf("payable %s: %w", id, shared.ErrNotFound)
	}
	return p, nil
}

func (f *fakeBilling) ListInvoices(_ context.Context, _ ownership.Owner) ([]billing.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []billing.Invoice
	for _, inv := range f.invoices {
		out = append(out, inv)
	}
	return out, nil
}

func (f *fakeBilling) ListPayables(_ context.Context, _ ownership.Owner) ([]billing.Payable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []billing.Payable
	for _, p := range f.payables {
		out = append(out, p)
	}
	return out, nil
}

type fakeConverter struct {
	rate  float64
	calls int
}

func (f *fakeConverter) Convert(_ context.Context, amount float64, from, to string) (fx.Result, error) {
	f.calls++
	return fx.Result{
		OriginalAmount:  amount,
		ConvertedAmount: amount * f.rate,
		Pair:            fx.NewPair(from, to),
		Rate:            f.rate,
		LockedAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Converted:       true,
	}, nil
}

var testActor = shared.Actor{UserID: "user-1", Email: "dana@acme.test", OrganizationID: "org-7f3a"}

func newTestService(repo *fakeRepo, bills *fakeBilling, target string) *Service {
	svc := NewService(repo, bills, &fakeConverter{rate: 1}, target, slog.New(slog.DiscardHandler))
	svc.clock = func() time.Time { return time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC) }
	return svc
}

func seedInvoice(bills *fakeBilling, id string, status billing.InvoiceStatus) billing.Invoice {
	inv := billing.Invoice{
		ID:             id,
		InvoiceNumber:  "2026-" + id,
		Status:         status,
		OrganizationID: "org-7f3a",
		ClientName:     "Globex",
		ClientEmail:    "ap@globex.test",
		Currency:       "USD",
		Subtotal:       900,
		TotalTax:       100,
		Total:          1000,
		Items:          []billing.LineItem{{ID: "li-1", Description: "Consulting", Quantity: 1, UnitPrice: 900, Amount: 900}},
		IssueDate:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		DueDate:        time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	bills.invoices[id] = inv
	return inv
}

func TestSyncInvoiceCreatesOnce(t *testing.T) {
	repo := newFakeRepo()
	bills := newFakeBilling()
	seedInvoice(bills, "inv-1", billing.InvoiceSent)
	svc := newTestService(repo, bills, "")

	entry, outcome, err := svc.SyncInvoice(context.Background(), testActor, "inv-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, outcome)
	require.Equal(t, TypeReceivable, entry.Type)
	require.Equal(t, StatusPending, entry.Status, "sent invoices land as pending")
	require.Equal(t, ownership.OwnerOrganization, entry.OwnerType)
	require.Equal(t, "org-7f3a", entry.OwnerID)
	require.Equal(t, float64(1000), entry.Amount)
	require.Equal(t, "2026-inv-1", entry.EntryID, "the invoice number doubles as the entry id")

	// Second run updates in place.
	_, outcome, err = svc.SyncInvoice(context.Background(), testActor, "inv-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, outcome)
	require.Equal(t, 1, repo.count())
}

func TestSyncInvoiceGeneratesEntryID(t *testing.T) {
	repo := newFakeRepo()
	bills := newFakeBilling()
	inv := seedInvoice(bills, "inv-n", billing.InvoiceSent)
	inv.InvoiceNumber = ""
	bills.invoices["inv-n"] = inv
	svc := newTestService(repo, bills, "")

	entry, _, err := svc.SyncInvoice(context.Background(), testActor, "inv-n")
	require.NoError(t, err)
	require.Equal(t, "INV-7F3A-202603-0001", entry.EntryID)
}

func TestSyncInvoiceIssuerOnlyOwnership(t *testing.T) {
	repo := newFakeRepo()
	bills := newFakeBilling()
	inv := seedInvoice(bills, "inv-i", billing.InvoiceSent)
	inv.OrganizationID = ""
	inv.IssuerID = "user-9"
	bills.invoices["inv-i"] = inv
	svc := newTestService(repo, bills, "")

	entry, outcome, err := svc.SyncInvoice(context.Background(), shared.Actor{}, "inv-i")
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, outcome)
	require.Equal(t, ownership.OwnerIndividual, entry.OwnerType)
	require.Equal(t, "user-9", entry.OwnerID)
	require.Equal(t, "user-9", entry.IssuerID)
}

func TestSyncInvoiceMatchesLegacyEntryID(t *testing.T) {
	repo := newFakeRepo()
	bills := newFakeBilling()
	seedInvoice(bills, "inv-old", billing.InvoicePaid)
	repo.entries["row-1"] = Entry{
		ID:      "row-1",
		EntryID: "2026-inv-old", // matches the invoice number, no related id
		Type:    TypeReceivable,
		Status:  StatusPending,
		Amount:  1000,
	}
	svc := newTestService(repo, bills, "")

	entry, outcome, err := svc.SyncInvoice(context.Background(), testActor, "inv-old")
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, outcome, "legacy rows without a related id must still match")
	require.Equal(t, "row-1", entry.ID)
	require.Equal(t, StatusPaid, entry.Status)
	require.Equal(t, 1, repo.count())
}

func TestSyncInvoicePaidIsSticky(t *testing.T) {
	repo := newFakeRepo()
	bills := newFakeBilling()
	seedInvoice(bills, "inv-2", billing.InvoicePaid)
	svc := newTestService(repo, bills, "")

	entry, _, err := svc.SyncInvoice(context.Background(), testActor, "inv-2")
	require.NoError(t, err)
	require.Equal(t, StatusPaid, entry.Status)
	require.NotNil(t, entry.PaidDate)
	firstPaid := *entry.PaidDate

	// Source flips back to sent; paid does not revert and the date survives.
	inv := bills.invoices["inv-2"]
	inv.Status = billing.InvoiceSent
	bills.invoices["inv-2"] = inv

	entry, _, err = svc.SyncInvoice(context.Background(), testActor, "inv-2")
	require.NoError(t, err)
	require.Equal(t, StatusPaid, entry.Status)
	require.Equal(t, firstPaid, *entry.PaidDate)
}

func TestSyncInvoiceSnapshotFixed(t *testing.T) {
	repo := newFakeRepo()
	bills := newFakeBilling()
	seedInvoice(bills, "inv-3", billing.InvoiceSent)
	svc := newTestService(repo, bills, "")

	created, _, err := svc.SyncInvoice(context.Background(), testActor, "inv-3")
	require.NoError(t, err)

	inv := bills.invoices["inv-3"]
	inv.Total = 9999
	inv.Currency = "EUR"
	bills.invoices["inv-3"] = inv

	updated, _, err := svc.SyncInvoice(context.Background(), testActor, "inv-3")
	require.NoError(t, err)
	require.Equal(t, created.Amount, updated.Amount, "amounts are fixed at first sync")
	require.Equal(t, created.Currency, updated.Currency)
}

func TestSyncInvoiceDuplicateRaceFallsBackToUpdate(t *testing.T) {
	repo := newFakeRepo()
	bills := newFakeBilling()
	seedInvoice(bills, "inv-4", billing.InvoiceSent)
	svc := newTestService(repo, bills, "")

	// The losing writer sees a unique violation, then finds the winner's row.
	invoiceID := "inv-4"
	repo.duplicateInserts = 1
	repo.entries["winner"] = Entry{
		ID:               "winner",
		EntryID:          "INV-7F3A-202603-0001",
		Type:             TypeReceivable,
		RelatedInvoiceID: &invoiceID,
		Status:           StatusDraft,
	}

	entry, outcome, err := svc.SyncInvoice(context.Background(), testActor, "inv-4")
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, outcome)
	require.Equal(t, "winner", entry.ID)
	require.Equal(t, 1, repo.count())
}

func TestSyncInvoiceConvertsToReportingCurrency(t *testing.T) {
	repo := newFakeRepo()
	bills := newFakeBilling()
	inv := seedInvoice(bills, "inv-5", billing.InvoiceSent)
	inv.Currency = "EUR"
	bills.invoices["inv-5"] = inv

	svc := newTestService(repo, bills, "USD")
	conv := &fakeConverter{rate: 1.1}
	svc.converter = conv

	entry, _, err := svc.SyncInvoice(context.Background(), testActor, "inv-5")
	require.NoError(t, err)
	require.Equal(t, "USD", entry.Currency)
	require.Equal(t, "EUR", entry.OriginalCurrency)
	require.InDelta(t, 1100, entry.Amount, 0.001)
	require.InDelta(t, 1.1, entry.ConversionRate, 0.001)
	require.NotNil(t, entry.RateLockedAt)
	require.Equal(t, 1, conv.calls)
}

func TestSyncPayableStatusMapping(t *testing.T) {
	repo := newFakeRepo()
	bills := newFakeBilling()
	bills.payables["pay-1"] = billing.Payable{
		ID:             "pay-1",
		Status:         billing.PayableApproved,
		OrganizationID: "org-7f3a",
		VendorName:     "Initech",
		Currency:       "USD",
		Total:          250,
		IssueDate:      time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		DueDate:        time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	svc := newTestService(repo, bills, "")

	entry, outcome, err := svc.SyncPayable(context.Background(), testActor, "pay-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, outcome)
	require.Equal(t, TypePayable, entry.Type)
	require.Equal(t, StatusPending, entry.Status, "approved payables await payment as pending")
	require.True(t, strings.HasPrefix(entry.EntryID, "PAY-7F3A-202603-"), entry.EntryID)
}

func TestSyncAllCountsPerItem(t *testing.T) {
	repo := newFakeRepo()
	bills := newFakeBilling()
	seedInvoice(bills, "inv-a", billing.InvoiceSent)
	seedInvoice(bills, "inv-b", billing.InvoicePaid)
	bills.payables["pay-a"] = billing.Payable{
		ID: "pay-a", Status: billing.PayablePending, OrganizationID: "org-7f3a",
		VendorName: "Initech", Currency: "USD", Total: 40,
		IssueDate: time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
	}
	svc := newTestService(repo, bills, "")

	// One entry already exists, so the run mixes creates and updates.
	_, _, err := svc.SyncInvoice(context.Background(), testActor, "inv-a")
	require.NoError(t, err)

	result, err := svc.SyncAll(context.Background(), testActor)
	require.NoError(t, err)
	require.Equal(t, 2, result.Created)
	require.Equal(t, 1, result.Updated)
	require.Equal(t, 0, result.Failed)
	require.Equal(t, 3, repo.count())
}

func TestRecordApprovalOutcome(t *testing.T) {
	repo := newFakeRepo()
	bills := newFakeBilling()
	bills.payables["pay-2"] = billing.Payable{
		ID: "pay-2", Status: billing.PayablePendingApproval, OrganizationID: "org-7f3a",
		VendorName: "Initech", Currency: "USD", Total: 75,
		IssueDate: time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
	}
	svc := newTestService(repo, bills, "")

	entry, _, err := svc.SyncPayable(context.Background(), testActor, "pay-2")
	require.NoError(t, err)

	decidedAt := time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)
	err = svc.RecordApprovalOutcome(context.Background(), "pay-2", billing.ApprovalSummary{
		WorkflowID: "wf-1", Status: "approved", DecidedBy: "admin@acme.test", DecidedAt: &decidedAt,
	})
	require.NoError(t, err)

	stored := repo.entries[entry.ID]
	require.NotNil(t, stored.ApprovalWorkflow)
	require.Equal(t, "approved", stored.ApprovalWorkflow.Status)

	// No entry for the payable is a quiet no-op.
	require.NoError(t, svc.RecordApprovalOutcome(context.Background(), "pay-unknown", billing.ApprovalSummary{}))
}
