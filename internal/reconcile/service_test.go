package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/billfold/billfold/internal/billing"
	"github.com/billfold/billfold/internal/ledger"
	"github.com/billfold/billfold/internal/ownership"
	"github.com/billfold/billfold/internal/shared"
)

type fakeStore struct {
	invoices map[string]billing.Invoice
	payables map[string]billing.Payable
}

func newFakeStore() *fakeStore {
	return &fakeStore{invoices: make(map[string]billing.Invoice), payables: make(map[string]billing.Payable)}
}

func (f *fakeStore) GetInvoice(_ context.Context, id string) (billing.Invoice, error) {
	inv, ok := f.invoices[id]
	if !ok {
		return billing.Invoice{}, fmt.Errorf("invoice %s: %w", id, shared.ErrNotFound)
	}
	return inv, nil
}

func (f *fakeStore) GetPayable(_ context.Context, id string) (billing.Payable, error) {
	p, ok := f.payables[id]
	if !ok {
		return billing.Payable{}, fmt.Errorf("payable %s: %w", id, shared.ErrNotFound)
	}
	return p, nil
}

func (f *fakeStore) ListLinkedPayables(_ context.Context, _ ownership.Owner) ([]billing.Payable, error) {
	var out []billing.Payable
	for _, p := range f.payables {
		if p.RelatedInvoiceID != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkInvoicePaid(_ context.Context, id string, paidAt time.Time) error {
	inv, ok := f.invoices[id]
	if !ok {
		return shared.ErrNotFound
	}
	inv.Status = billing.InvoicePaid
	if inv.PaidAt == nil {
		t := paidAt
		inv.PaidAt = &t
	}
	f.invoices[id] = inv
	return nil
}

func (f *fakeStore) MarkPayablePaid(_ context.Context, id string, paymentDate time.Time) error {
	p, ok := f.payables[id]
	if !ok {
		return shared.ErrNotFound
	}
	p.Status = billing.PayablePaid
	if p.PaymentDate == nil {
		t := paymentDate
		p.PaymentDate = &t
	}
	f.payables[id] = p
	return nil
}

type fakeResyncer struct {
	invoiceSyncs []string
	payableSyncs []string
}

func (f *fakeResyncer) SyncInvoice(_ context.Context, _ shared.Actor, id string) (ledger.Entry, ledger.Outcome, error) {
	f.invoiceSyncs = append(f.invoiceSyncs, id)
	return ledger.Entry{}, ledger.OutcomeUpdated, nil
}

func (f *fakeResyncer) SyncPayable(_ context.Context, _ shared.Actor, id string) (ledger.Entry, ledger.Outcome, error) {
	f.payableSyncs = append(f.payableSyncs, id)
	return ledger.Entry{}, ledger.OutcomeUpdated, nil
}

var testActor = shared.Actor{UserID: "user-1", Email: "dana@acme.test", OrganizationID: "org-1"}

func newTestService(store *fakeStore, resyncer *fakeResyncer) *Service {
	// A nil *fakeResyncer must not become a non-nil Resyncer interface.
	var ledgerSync Resyncer
	if resyncer != nil {
		ledgerSync = resyncer
	}
	svc := NewService(store, ledgerSync, nil, slog.New(slog.DiscardHandler))
	svc.clock = func() time.Time { return time.Date(2026, 3, 20, 8, 0, 0, 0, time.UTC) }
	return svc
}

func linkPair(store *fakeStore, payableID, invoiceID string, payableStatus billing.PayableStatus, invoiceStatus billing.InvoiceStatus) {
	store.payables[payableID] = billing.Payable{
		ID:               payableID,
		PayableNumber:    "P-" + payableID,
		Status:           payableStatus,
		RelatedInvoiceID: &invoiceID,
	}
	store.invoices[invoiceID] = billing.Invoice{
		ID:     invoiceID,
		Status: invoiceStatus,
	}
}

func TestScanReportsDrift(t *testing.T) {
	store := newFakeStore()
	linkPair(store, "pay-1", "inv-1", billing.PayablePaid, billing.InvoiceSent)
	linkPair(store, "pay-2", "inv-2", billing.PayablePending, billing.InvoicePaid)
	linkPair(store, "pay-3", "inv-3", billing.PayablePaid, billing.InvoicePaid)

	// pay-4 points at an invoice that no longer exists.
	missing := "inv-gone"
	store.payables["pay-4"] = billing.Payable{ID: "pay-4", Status: billing.PayablePending, RelatedInvoiceID: &missing}

	svc := newTestService(store, nil)
	report, err := svc.ScanForDrift(context.Background(), testActor)
	require.NoError(t, err)
	require.Equal(t, 4, report.Checked)
	require.Len(t, report.Issues, 3)
	require.Len(t, report.Synced, 1)
	require.False(t, report.Clean())

	kinds := map[IssueKind]bool{}
	for _, issue := range report.Issues {
		kinds[issue.Kind] = true
	}
	require.True(t, kinds[IssuePayablePaidOnly])
	require.True(t, kinds[IssueInvoicePaidOnly])
	require.True(t, kinds[IssueMissingInvoice])
}

func TestScanIsReadOnly(t *testing.T) {
	store := newFakeStore()
	linkPair(store, "pay-1", "inv-1", billing.PayablePaid, billing.InvoiceSent)

	svc := newTestService(store, nil)
	_, err := svc.ScanForDrift(context.Background(), testActor)
	require.NoError(t, err)
	require.Equal(t, billing.InvoiceSent, store.invoices["inv-1"].Status)
}

func TestRepairConverges(t *testing.T) {
	store := newFakeStore()
	paidAt := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	linkPair(store, "pay-1", "inv-1", billing.PayablePaid, billing.InvoiceSent)
	p := store.payables["pay-1"]
	p.PaymentDate = &paidAt
	store.payables["pay-1"] = p
	linkPair(store, "pay-2", "inv-2", billing.PayablePending, billing.InvoicePaid)

	resyncer := &fakeResyncer{}
	svc := newTestService(store, resyncer)

	result, err := svc.Repair(context.Background(), testActor)
	require.NoError(t, err)
	require.Equal(t, 2, result.Repaired)
	require.Empty(t, result.Skipped)

	// The payable's payment date moved onto the invoice.
	require.Equal(t, billing.InvoicePaid, store.invoices["inv-1"].Status)
	require.Equal(t, paidAt, *store.invoices["inv-1"].PaidAt)
	require.Equal(t, billing.PayablePaid, store.payables["pay-2"].Status)

	// Touched ledger entries were refreshed.
	require.ElementsMatch(t, []string{"inv-1", "inv-2"}, resyncer.invoiceSyncs)
	require.ElementsMatch(t, []string{"pay-1", "pay-2"}, resyncer.payableSyncs)

	// A second pass finds nothing left to do.
	again, err := svc.Repair(context.Background(), testActor)
	require.NoError(t, err)
	require.Equal(t, 0, again.Repaired)

	report, err := svc.ScanForDrift(context.Background(), testActor)
	require.NoError(t, err)
	require.True(t, report.Clean())
}

func TestRepairSkipsUnrepairable(t *testing.T) {
	store := newFakeStore()
	a := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	b := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	linkPair(store, "pay-1", "inv-1", billing.PayablePaid, billing.InvoicePaid)
	p := store.payables["pay-1"]
	p.PaymentDate = &a
	store.payables["pay-1"] = p
	inv := store.invoices["inv-1"]
	inv.PaidAt = &b
	store.invoices["inv-1"] = inv

	missing := "inv-gone"
	store.payables["pay-2"] = billing.Payable{ID: "pay-2", Status: billing.PayablePending, RelatedInvoiceID: &missing}

	svc := newTestService(store, nil)
	result, err := svc.Repair(context.Background(), testActor)
	require.NoError(t, err)
	require.Equal(t, 0, result.Repaired)
	require.Len(t, result.Skipped, 2)

	// The conflicting dates were left untouched.
	require.Equal(t, a, *store.payables["pay-1"].PaymentDate)
	require.Equal(t, b, *store.invoices["inv-1"].PaidAt)
}

func TestSyncPair(t *testing.T) {
	store := newFakeStore()
	linkPair(store, "pay-1", "inv-1", billing.PayablePaid, billing.InvoiceSent)
	linkPair(store, "pay-2", "inv-2", billing.PayablePending, billing.InvoicePending)
	store.payables["pay-3"] = billing.Payable{ID: "pay-3", Status: billing.PayablePending}

	svc := newTestService(store, nil)

	repair, err := svc.SyncPair(context.Background(), testActor, "pay-1")
	require.NoError(t, err)
	require.NotNil(t, repair)
	require.Equal(t, "payable_to_invoice", repair.Direction)
	require.Equal(t, billing.InvoicePaid, store.invoices["inv-1"].Status)

	// Consistent pair is a no-op.
	repair, err = svc.SyncPair(context.Background(), testActor, "pay-2")
	require.NoError(t, err)
	require.Nil(t, repair)

	// No related invoice is a caller error.
	_, err = svc.SyncPair(context.Background(), testActor, "pay-3")
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestRepairWithoutResyncerConverges(t *testing.T) {
	store := newFakeStore()
	linkPair(store, "pay-1", "inv-1", billing.PayablePaid, billing.InvoiceSent)

	svc := newTestService(store, nil)

	repair, err := svc.SyncPair(context.Background(), testActor, "pay-1")
	require.NoError(t, err)
	require.NotNil(t, repair)
	require.Equal(t, billing.InvoicePaid, store.invoices["inv-1"].Status)

	report, err := svc.ScanForDrift(context.Background(), testActor)
	require.NoError(t, err)
	require.True(t, report.Clean())
}
