// Package reconcile detects and repairs paid-status drift between linked
// payables and invoices, and between both and the ledger.
package reconcile

import "time"

// IssueKind classifies a drift finding.
type IssueKind string

const (
	// IssueMissingInvoice marks a payable whose related invoice is gone.
	// Repair cannot fix these; they need operator attention.
	IssueMissingInvoice IssueKind = "missing_invoice"
	// IssuePayablePaidOnly marks a paid payable with an unpaid invoice.
	IssuePayablePaidOnly IssueKind = "payable_paid_only"
	// IssueInvoicePaidOnly marks a paid invoice with an unpaid payable.
	IssueInvoicePaidOnly IssueKind = "invoice_paid_only"
	// IssuePaidDateConflict marks a pair paid on both sides with different
	// dates. Flagged, never altered.
	IssuePaidDateConflict IssueKind = "paid_date_conflict"
)

// Repairable reports whether the repair pass can act on the issue.
func (k IssueKind) Repairable() bool {
	return k == IssuePayablePaidOnly || k == IssueInvoicePaidOnly
}

// Issue is one out-of-sync pair found by the scan.
type Issue struct {
	Kind          IssueKind `json:"kind"`
	PayableID     string    `json:"payableId"`
	PayableNumber string    `json:"payableNumber,omitempty"`
	InvoiceID     string    `json:"invoiceId,omitempty"`
	Detail        string    `json:"detail"`
}

// SyncedPair is a linked pair the scan found consistent.
type SyncedPair struct {
	PayableID string `json:"payableId"`
	InvoiceID string `json:"invoiceId"`
}

// DriftReport is the read-only output of a scan.
type DriftReport struct {
	CheckedAt time.Time    `json:"checkedAt"`
	Checked   int          `json:"checked"`
	Issues    []Issue      `json:"issues"`
	Synced    []SyncedPair `json:"synced"`
}

// Clean reports whether the scan found nothing to fix.
func (r DriftReport) Clean() bool {
	return len(r.Issues) == 0
}

// Repair is the record of one applied fix.
type Repair struct {
	Kind      IssueKind `json:"kind"`
	PayableID string    `json:"payableId"`
	InvoiceID string    `json:"invoiceId"`
	PaidAt    time.Time `json:"paidAt"`
	Direction string    `json:"direction"`
	AppliedAt time.Time `json:"appliedAt"`
}

// RepairResult summarises a repair pass.
type RepairResult struct {
	Repaired int      `json:"repaired"`
	Skipped  []Issue  `json:"skipped,omitempty"`
	Repairs  []Repair `json:"repairs,omitempty"`
}
