// Package billing models the invoice and payable documents the
// reconciliation core reads and partially updates. The core does not own
// their full schema; it only touches status, payment timestamps and the
// approval summary.
package billing

import (
	"time"

	"github.com/billfold/billfold/internal/ownership"
)

// InvoiceStatus enumerates invoice lifecycle stages.
type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoiceSent      InvoiceStatus = "sent"
	InvoicePending   InvoiceStatus = "pending"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// PayableStatus enumerates payable lifecycle stages.
type PayableStatus string

const (
	PayableDraft           PayableStatus = "draft"
	PayablePendingApproval PayableStatus = "pending_approval"
	PayableApproved        PayableStatus = "approved"
	PayableRejected        PayableStatus = "rejected"
	PayablePending         PayableStatus = "pending"
	PayablePaid            PayableStatus = "paid"
	PayableOverdue         PayableStatus = "overdue"
	PayableCancelled       PayableStatus = "cancelled"
)

// LineItem is one line of an invoice or payable.
type LineItem struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	Discount    float64 `json:"discount"`
	Tax         float64 `json:"tax"`
	Amount      float64 `json:"amount"`
}

// Invoice is a receivable document.
type Invoice struct {
	ID            string
	InvoiceNumber string
	Status        InvoiceStatus

	// Historical ownership columns; resolve through ownership.Resolve, never
	// read directly past the repository boundary.
	OrganizationID string
	IssuerID       string
	UserID         string

	ClientName  string
	ClientEmail string

	Currency string
	Subtotal float64
	TotalTax float64
	Total    float64
	Items    []LineItem

	IssueDate time.Time
	DueDate   time.Time
	PaidAt    *time.Time

	RelatedPayableID *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OwnerFields exposes the raw ownership columns for resolution.
func (i Invoice) OwnerFields() ownership.Fields {
	return ownership.Fields{
		OrganizationID: i.OrganizationID,
		IssuerID:       i.IssuerID,
		UserID:         i.UserID,
	}
}

// Payable is a bill owed to a vendor.
type Payable struct {
	ID            string
	PayableNumber string
	Status        PayableStatus

	OrganizationID string
	IssuerID       string
	UserID         string

	VendorName  string
	VendorEmail string
	Category    string

	Currency string
	Subtotal float64
	TotalTax float64
	Total    float64
	Items    []LineItem

	IssueDate   time.Time
	DueDate     time.Time
	PaymentDate *time.Time

	RelatedInvoiceID *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OwnerFields exposes the raw ownership columns for resolution.
func (p Payable) OwnerFields() ownership.Fields {
	return ownership.Fields{
		OrganizationID: p.OrganizationID,
		IssuerID:       p.IssuerID,
		UserID:         p.UserID,
	}
}

// ApprovalSummary is the denormalised workflow outcome written back onto a
// payable once its workflow reaches a terminal decision.
type ApprovalSummary struct {
	WorkflowID string     `json:"workflowId"`
	Status     string     `json:"status"`
	DecidedBy  string     `json:"decidedBy,omitempty"`
	DecidedAt  *time.Time `json:"decidedAt,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}
