package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/billfold/billfold/internal/billing"
	"github.com/billfold/billfold/internal/ownership"
)

// ErrDuplicateEntry surfaces a unique-index violation on insert. The store
// itself rejects the duplicate; callers retry the lookup-and-update path.
var ErrDuplicateEntry = errors.New("ledger: duplicate entry")

// MutableUpdate names the only fields a resync may change on an existing
// entry. Amounts, currency and items are deliberately absent.
type MutableUpdate struct {
	ID               string
	Status           EntryStatus
	OwnerID          string
	OwnerType        ownership.OwnerType
	PaidDate         *time.Time
	ApprovalWorkflow *billing.ApprovalSummary
	LastSyncedAt     time.Time
}

// Filter narrows ledger listings.
type Filter struct {
	Type   EntryType
	Status EntryStatus
	Limit  int
	Offset int
}

// Repository defines ledger persistence.
type Repository interface {
	FindByRelatedInvoice(ctx context.Context, invoiceID string) (Entry, bool, error)
	FindByRelatedPayable(ctx context.Context, payableID string) (Entry, bool, error)
	FindByEntryID(ctx context.Context, typ EntryType, entryID string) (Entry, bool, error)
	Insert(ctx context.Context, entry Entry) (Entry, error)
	UpdateMutable(ctx context.Context, update MutableUpdate) error
	NextSequence(ctx context.Context, typ EntryType, owner ownership.Owner) (int, error)
	List(ctx context.Context, owner ownership.Owner, filter Filter) ([]Entry, error)
}

var _ Repository = (*pgRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

const entryColumns = `id, entry_id, type, owner_id, owner_type, organization_id, issuer_id, user_id,
	related_invoice_id, related_payable_id, counterparty_name, counterparty_email,
	amount, subtotal, total_tax, currency, items, original_currency, conversion_rate, rate_locked_at,
	issue_date, due_date, status, paid_date, approval_workflow,
	created_at, updated_at, last_synced_at, sync_status`

func (r *pgRepository) FindByRelatedInvoice(ctx context.Context, invoiceID string) (Entry, bool, error) {
	return r.findOne(ctx, `SELECT `+entryColumns+` FROM financial_ledger WHERE type = $1 AND related_invoice_id = $2`,
		TypeReceivable, invoiceID)
}

func (r *pgRepository) FindByRelatedPayable(ctx context.Context, payableID string) (Entry, bool, error) {
	return r.findOne(ctx, `SELECT `+entryColumns+` FROM financial_ledger WHERE type = $1 AND related_payable_id = $2`,
		TypePayable, payableID)
}

func (r *pgRepository) FindByEntryID(ctx context.Context, typ EntryType, entryID string) (Entry, bool, error) {
	return r.findOne(ctx, `SELECT `+entryColumns+` FROM financial_ledger WHERE type = $1 AND entry_id = $2`,
		typ, entryID)
}

func (r *pgRepository) findOne(ctx context.Context, query string, args ...any) (Entry, bool, error) {
	row := r.pool.QueryRow(ctx, query, args...)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("ledger: find entry: %w", err)
	}
	return entry, true, nil
}

func (r *pgRepository) Insert(ctx context.Context, entry Entry) (Entry, error) {
	itemsJSON, err := json.Marshal(entry.Items)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: encode items: %w", err)
	}
	var workflowJSON []byte
	if entry.ApprovalWorkflow != nil {
		workflowJSON, err = json.Marshal(entry.ApprovalWorkflow)
		if err != nil {
			return Entry{}, fmt.Errorf("ledger: encode approval summary: %w", err)
		}
	}

	const query = `
		INSERT INTO financial_ledger (
			id, entry_id, type, owner_id, owner_type, organization_id, issuer_id, user_id,
			related_invoice_id, related_payable_id, counterparty_name, counterparty_email,
			amount, subtotal, total_tax, currency, items, original_currency, conversion_rate, rate_locked_at,
			issue_date, due_date, status, paid_date, approval_workflow,
			created_at, updated_at, last_synced_at, sync_status
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25,
			$26, $27, $28, $29
		)`

	_, err = r.pool.Exec(ctx, query,
		entry.ID, entry.EntryID, entry.Type, entry.OwnerID, entry.OwnerType,
		entry.OrganizationID, entry.IssuerID, entry.UserID,
		entry.RelatedInvoiceID, entry.RelatedPayableID, entry.CounterpartyName, entry.CounterpartyEmail,
		entry.Amount, entry.Subtotal, entry.TotalTax, entry.Currency, itemsJSON,
		entry.OriginalCurrency, entry.ConversionRate, entry.RateLockedAt,
		entry.IssueDate, entry.DueDate, entry.Status, entry.PaidDate, workflowJSON,
		entry.CreatedAt, entry.UpdatedAt, entry.LastSyncedAt, entry.SyncStatus,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Entry{}, ErrDuplicateEntry
		}
		return Entry{}, fmt.Errorf("ledger: insert entry %s: %w", entry.EntryID, err)
	}
	return entry, nil
}

func (r *pgRepository) UpdateMutable(ctx context.Context, update MutableUpdate) error {
	var workflowJSON []byte
	if update.ApprovalWorkflow != nil {
		var err error
		workflowJSON, err = json.Marshal(update.ApprovalWorkflow)
		if err != nil {
			return fmt.Errorf("ledger: encode approval summary: %w", err)
		}
	}
	const query = `
		UPDATE financial_ledger SET
			status = $2,
			owner_id = $3,
			owner_type = $4,
			paid_date = COALESCE(paid_date, $5),
			approval_workflow = COALESCE($6, approval_workflow),
			last_synced_at = $7,
			sync_status = 'synced',
			updated_at = $8
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, query,
		update.ID, update.Status, update.OwnerID, update.OwnerType,
		update.PaidDate, workflowJSON, update.LastSyncedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ledger: update entry %s: %w", update.ID, err)
	}
	return nil
}

var entrySequenceSuffix = regexp.MustCompile(`-(\d{4})$`)

func (r *pgRepository) NextSequence(ctx context.Context, typ EntryType, owner ownership.Owner) (int, error) {
	cond, args := owner.Predicate(2)
	query := `SELECT entry_id FROM financial_ledger WHERE type = $1 AND ` + cond + ` ORDER BY entry_id DESC LIMIT 1`
	var lastEntryID string
	err := r.pool.QueryRow(ctx, query, append([]any{typ}, args...)...).Scan(&lastEntryID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: next sequence: %w", err)
	}
	if m := entrySequenceSuffix.FindStringSubmatch(lastEntryID); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n + 1, nil
	}
	return 1, nil
}

func (r *pgRepository) List(ctx context.Context, owner ownership.Owner, filter Filter) ([]Entry, error) {
	cond, args := owner.Predicate(1)
	query := `SELECT ` + entryColumns + ` FROM financial_ledger WHERE ` + cond
	idx := len(args) + 1
	if filter.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", idx)
		args = append(args, filter.Type)
		idx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filter.Status)
		idx++
	}
	query += " ORDER BY issue_date DESC, entry_id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", idx, idx+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry        Entry
		itemsJSON    []byte
		workflowJSON []byte
	)
	err := row.Scan(
		&entry.ID, &entry.EntryID, &entry.Type, &entry.OwnerID, &entry.OwnerType,
		&entry.OrganizationID, &entry.IssuerID, &entry.UserID,
		&entry.RelatedInvoiceID, &entry.RelatedPayableID, &entry.CounterpartyName, &entry.CounterpartyEmail,
		&entry.Amount, &entry.Subtotal, &entry.TotalTax, &entry.Currency, &itemsJSON,
		&entry.OriginalCurrency, &entry.ConversionRate, &entry.RateLockedAt,
		&entry.IssueDate, &entry.DueDate, &entry.Status, &entry.PaidDate, &workflowJSON,
		&entry.CreatedAt, &entry.UpdatedAt, &entry.LastSyncedAt, &entry.SyncStatus,
	)
	if err != nil {
		return Entry{}, err
	}
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &entry.Items); err != nil {
			return Entry{}, err
		}
	}
	if len(workflowJSON) > 0 {
		entry.ApprovalWorkflow = &billing.ApprovalSummary{}
		if err := json.Unmarshal(workflowJSON, entry.ApprovalWorkflow); err != nil {
			return Entry{}, err
		}
	}
	return entry, nil
}
