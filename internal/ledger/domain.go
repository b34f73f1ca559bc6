// Package ledger derives the canonical financial ledger entry from invoices
// and payables and keeps it in step with them without ever duplicating an
// entry, across document generations that predate the related-id link.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/billfold/billfold/internal/billing"
	"github.com/billfold/billfold/internal/ownership"
)

// EntryType distinguishes the direction of money.
type EntryType string

const (
	// TypeReceivable marks an entry derived from an invoice.
	TypeReceivable EntryType = "receivable"
	// TypePayable marks an entry derived from a payable.
	TypePayable EntryType = "payable"
)

// EntryStatus mirrors the source document's lifecycle stage.
type EntryStatus string

const (
	StatusDraft     EntryStatus = "draft"
	StatusPending   EntryStatus = "pending"
	StatusApproved  EntryStatus = "approved"
	StatusPaid      EntryStatus = "paid"
	StatusOverdue   EntryStatus = "overdue"
	StatusCancelled EntryStatus = "cancelled"
)

// Terminal reports whether the status never reverts automatically.
func (s EntryStatus) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

// Entry is the canonical financial record.
type Entry struct {
	ID      string    `json:"id"`
	EntryID string    `json:"entryId"`
	Type    EntryType `json:"type"`

	OwnerID   string              `json:"ownerId"`
	OwnerType ownership.OwnerType `json:"ownerType"`

	// Historical ownership mirror kept for tenant-scoped queries over rows
	// written before owner resolution existed.
	OrganizationID string `json:"organizationId,omitempty"`
	IssuerID       string `json:"issuerId,omitempty"`
	UserID         string `json:"userId,omitempty"`

	RelatedInvoiceID *string `json:"relatedInvoiceId,omitempty"`
	RelatedPayableID *string `json:"relatedPayableId,omitempty"`

	CounterpartyName  string `json:"counterpartyName"`
	CounterpartyEmail string `json:"counterpartyEmail,omitempty"`

	// Financial snapshot, fixed at first sync. Resyncs never touch these.
	Amount           float64            `json:"amount"`
	Subtotal         float64            `json:"subtotal"`
	TotalTax         float64            `json:"totalTax"`
	Currency         string             `json:"currency"`
	Items            []billing.LineItem `json:"items,omitempty"`
	OriginalCurrency string             `json:"originalCurrency,omitempty"`
	ConversionRate   float64            `json:"conversionRate,omitempty"`
	RateLockedAt     *time.Time         `json:"rateLockedAt,omitempty"`

	IssueDate time.Time `json:"issueDate"`
	DueDate   time.Time `json:"dueDate"`

	Status   EntryStatus `json:"status"`
	PaidDate *time.Time  `json:"paidDate,omitempty"`

	ApprovalWorkflow *billing.ApprovalSummary `json:"approvalWorkflow,omitempty"`

	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
	SyncStatus   string    `json:"syncStatus"`
}

// mapInvoiceStatus converts an invoice status to its ledger equivalent.
func mapInvoiceStatus(s billing.InvoiceStatus) EntryStatus {
	switch s {
	case billing.InvoiceDraft:
		return StatusDraft
	case billing.InvoiceSent, billing.InvoicePending:
		return StatusPending
	case billing.InvoicePaid:
		return StatusPaid
	case billing.InvoiceOverdue:
		return StatusOverdue
	case billing.InvoiceCancelled:
		return StatusCancelled
	default:
		return StatusDraft
	}
}

// mapPayableStatus converts a payable status to its ledger equivalent.
func mapPayableStatus(s billing.PayableStatus) EntryStatus {
	switch s {
	case billing.PayableDraft:
		return StatusDraft
	case billing.PayablePendingApproval, billing.PayablePending, billing.PayableApproved:
		return StatusPending
	case billing.PayablePaid:
		return StatusPaid
	case billing.PayableOverdue:
		return StatusOverdue
	case billing.PayableCancelled:
		return StatusCancelled
	default:
		return StatusDraft
	}
}

// nextStatus enforces one-way movement into terminal states: once an entry
// is paid or cancelled, a resync cannot silently pull it back.
func nextStatus(current, mapped EntryStatus) EntryStatus {
	if current.Terminal() && !mapped.Terminal() {
		return current
	}
	return mapped
}

// generateEntryID builds the human-readable entry id for documents that
// carry no business number: INV|PAY - owner token - yyyymm - sequence.
func generateEntryID(typ EntryType, owner ownership.Owner, at time.Time, sequence int) string {
	prefix := "INV"
	if typ == TypePayable {
		prefix = "PAY"
	}
	return fmt.Sprintf("%s-%s-%d%02d-%04d", prefix, ownerToken(owner), at.Year(), int(at.Month()), sequence)
}

func ownerToken(owner ownership.Owner) string {
	if owner.Type == ownership.OwnerOrganization {
		id := owner.ID
		if len(id) > 4 {
			id = id[len(id)-4:]
		}
		return strings.ToUpper(id)
	}
	local, domain, _ := strings.Cut(owner.Key(), "@")
	local = sanitizeToken(local)
	if len(local) > 4 {
		local = local[:4]
	}
	domain = sanitizeToken(domain)
	if len(domain) > 2 {
		domain = domain[len(domain)-2:]
	}
	if domain == "" {
		domain = "XX"
	}
	return strings.ToUpper(local + domain)
}

func sanitizeToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
