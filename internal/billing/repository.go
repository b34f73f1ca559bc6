package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/billfold/billfold/internal/ownership"
	"github.com/billfold/billfold/internal/shared"
)

// Repository provides PostgreSQL backed persistence for invoices/payables.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const invoiceColumns = `id, invoice_number, status, organization_id, issuer_id, user_id,
	client_name, client_email, currency, subtotal, total_tax, total, items,
	issue_date, due_date, paid_at, related_payable_id, created_at, updated_at`

const payableColumns = `id, payable_number, status, organization_id, issuer_id, user_id,
	vendor_name, vendor_email, category, currency, subtotal, total_tax, total, items,
	issue_date, due_date, payment_date, related_invoice_id, created_at, updated_at`

// GetInvoice loads one invoice by id.
func (r *Repository) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, fmt.Errorf("invoice %s: %w", id, shared.ErrNotFound)
	}
	if err != nil {
		return Invoice{}, fmt.Errorf("billing: get invoice %s: %w", id, err)
	}
	return inv, nil
}

// GetPayable loads one payable by id.
func (r *Repository) GetPayable(ctx context.Context, id string) (Payable, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+payableColumns+` FROM payables WHERE id = $1`, id)
	p, err := scanPayable(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payable{}, fmt.Errorf("payable %s: %w", id, shared.ErrNotFound)
	}
	if err != nil {
		return Payable{}, fmt.Errorf("billing: get payable %s: %w", id, err)
	}
	return p, nil
}

// ListInvoices returns every invoice in the owner's scope.
func (r *Repository) ListInvoices(ctx context.Context, owner ownership.Owner) ([]Invoice, error) {
	cond, args := owner.Predicate(1)
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE `+cond+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("billing: list invoices: %w", err)
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("billing: scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// ListPayables returns every payable in the owner's scope.
func (r *Repository) ListPayables(ctx context.Context, owner ownership.Owner) ([]Payable, error) {
	cond, args := owner.Predicate(1)
	rows, err := r.pool.Query(ctx, `SELECT `+payableColumns+` FROM payables WHERE `+cond+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("billing: list payables: %w", err)
	}
	defer rows.Close()

	var out []Payable
	for rows.Next() {
		p, err := scanPayable(rows)
		if err != nil {
			return nil, fmt.Errorf("billing: scan payable: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListLinkedPayables returns the owner's payables that reference an invoice,
// the population the drift scan walks.
func (r *Repository) ListLinkedPayables(ctx context.Context, owner ownership.Owner) ([]Payable, error) {
	cond, args := owner.Predicate(1)
	query := `SELECT ` + payableColumns + ` FROM payables WHERE related_invoice_id IS NOT NULL AND ` + cond + ` ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("billing: list linked payables: %w", err)
	}
	defer rows.Close()

	var out []Payable
	for rows.Next() {
		p, err := scanPayable(rows)
		if err != nil {
			return nil, fmt.Errorf("billing: scan payable: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkInvoicePaid sets the invoice paid. Re-applying to an already paid
// invoice is a no-op, which keeps reconciliation idempotent.
func (r *Repository) MarkInvoicePaid(ctx context.Context, id string, paidAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE invoices SET status = $2, paid_at = COALESCE(paid_at, $3), updated_at = $4 WHERE id = $1`,
		id, InvoicePaid, paidAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("billing: mark invoice %s paid: %w", id, err)
	}
	return nil
}

// MarkPayablePaid sets the payable paid, keeping the first payment date.
func (r *Repository) MarkPayablePaid(ctx context.Context, id string, paymentDate time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE payables SET status = $2, payment_date = COALESCE(payment_date, $3), updated_at = $4 WHERE id = $1`,
		id, PayablePaid, paymentDate.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("billing: mark payable %s paid: %w", id, err)
	}
	return nil
}

// UpdatePayableStatus writes a payable lifecycle transition.
func (r *Repository) UpdatePayableStatus(ctx context.Context, id string, status PayableStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payables SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("billing: update payable %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payable %s: %w", id, shared.ErrNotFound)
	}
	return nil
}

// SetPayableApprovalSummary denormalises the workflow outcome onto the payable.
func (r *Repository) SetPayableApprovalSummary(ctx context.Context, id string, summary ApprovalSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("billing: encode approval summary: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE payables SET approval_workflow = $2, updated_at = $3 WHERE id = $1`,
		id, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("billing: set approval summary on payable %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (Invoice, error) {
	var (
		inv       Invoice
		itemsJSON []byte
	)
	err := row.Scan(
		&inv.ID, &inv.InvoiceNumber, &inv.Status,
		&inv.OrganizationID, &inv.IssuerID, &inv.UserID,
		&inv.ClientName, &inv.ClientEmail,
		&inv.Currency, &inv.Subtotal, &inv.TotalTax, &inv.Total, &itemsJSON,
		&inv.IssueDate, &inv.DueDate, &inv.PaidAt, &inv.RelatedPayableID,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return Invoice{}, err
	}
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &inv.Items); err != nil {
			return Invoice{}, err
		}
	}
	return inv, nil
}

func scanPayable(row rowScanner) (Payable, error) {
	var (
		p         Payable
		itemsJSON []byte
	)
	err := row.Scan(
		&p.ID, &p.PayableNumber, &p.Status,
		&p.OrganizationID, &p.IssuerID, &p.UserID,
		&p.VendorName, &p.VendorEmail, &p.Category,
		&p.Currency, &p.Subtotal, &p.TotalTax, &p.Total, &itemsJSON,
		&p.IssueDate, &p.DueDate, &p.PaymentDate, &p.RelatedInvoiceID,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return Payable{}, err
	}
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &p.Items); err != nil {
			return Payable{}, err
		}
	}
	return p, nil
}
