package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/billfold/billfold/internal/shared"
)

// ErrWorkflowExists surfaces the unique bill_id index. Create treats it as
// "load the winner instead".
var ErrWorkflowExists = errors.New("approval: workflow already exists for bill")

// Repository defines workflow persistence.
type Repository interface {
	Create(ctx context.Context, w Workflow) error
	GetByID(ctx context.Context, id string) (Workflow, error)
	GetByBill(ctx context.Context, billID string) (Workflow, bool, error)
	Update(ctx context.Context, w Workflow) error
	ListPending(ctx context.Context, organizationID string) ([]Workflow, error)
}

var _ Repository = (*pgRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

const workflowColumns = `id, bill_id, organization_id, status, current_step, steps, applied_rules,
	created_by, created_at, updated_at, decided_at`

func (r *pgRepository) Create(ctx context.Context, w Workflow) error {
	stepsJSON, rulesJSON, err := encodeWorkflow(w)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO approval_workflows (id, bill_id, organization_id, status, current_step, steps, applied_rules,
			created_by, created_at, updated_at, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = r.pool.Exec(ctx, query,
		w.ID, w.BillID, w.OrganizationID, w.Status, w.CurrentStep, stepsJSON, rulesJSON,
		w.CreatedBy, w.CreatedAt, w.UpdatedAt, w.DecidedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrWorkflowExists
		}
		return fmt.Errorf("approval: create workflow for bill %s: %w", w.BillID, err)
	}
	return nil
}

func (r *pgRepository) GetByID(ctx context.Context, id string) (Workflow, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM approval_workflows WHERE id = $1`, id)
	w, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Workflow{}, fmt.Errorf("workflow %s: %w", id, shared.ErrNotFound)
	}
	if err != nil {
		return Workflow{}, fmt.Errorf("approval: get workflow %s: %w", id, err)
	}
	return w, nil
}

func (r *pgRepository) GetByBill(ctx context.Context, billID string) (Workflow, bool, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM approval_workflows WHERE bill_id = $1`, billID)
	w, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Workflow{}, false, nil
	}
	if err != nil {
		return Workflow{}, false, fmt.Errorf("approval: get workflow for bill %s: %w", billID, err)
	}
	return w, true, nil
}

func (r *pgRepository) Update(ctx context.Context, w Workflow) error {
	stepsJSON, rulesJSON, err := encodeWorkflow(w)
	if err != nil {
		return err
	}
	const query = `
		UPDATE approval_workflows SET
			status = $2, current_step = $3, steps = $4, applied_rules = $5,
			updated_at = $6, decided_at = $7
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		w.ID, w.Status, w.CurrentStep, stepsJSON, rulesJSON, time.Now().UTC(), w.DecidedAt)
	if err != nil {
		return fmt.Errorf("approval: update workflow %s: %w", w.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %s: %w", w.ID, shared.ErrNotFound)
	}
	return nil
}

func (r *pgRepository) ListPending(ctx context.Context, organizationID string) ([]Workflow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+workflowColumns+` FROM approval_workflows WHERE organization_id = $1 AND status = $2 ORDER BY created_at`,
		organizationID, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("approval: list pending workflows: %w", err)
	}
	defer rows.Close()

	var out []Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("approval: scan workflow: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func encodeWorkflow(w Workflow) (stepsJSON, rulesJSON []byte, err error) {
	stepsJSON, err = json.Marshal(w.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("approval: encode steps: %w", err)
	}
	rulesJSON, err = json.Marshal(w.AppliedRules)
	if err != nil {
		return nil, nil, fmt.Errorf("approval: encode applied rules: %w", err)
	}
	return stepsJSON, rulesJSON, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (Workflow, error) {
	var (
		w         Workflow
		stepsJSON []byte
		rulesJSON []byte
	)
	err := row.Scan(
		&w.ID, &w.BillID, &w.OrganizationID, &w.Status, &w.CurrentStep, &stepsJSON, &rulesJSON,
		&w.CreatedBy, &w.CreatedAt, &w.UpdatedAt, &w.DecidedAt,
	)
	if err != nil {
		return Workflow{}, err
	}
	if err := json.Unmarshal(stepsJSON, &w.Steps); err != nil {
		return Workflow{}, err
	}
	if err := json.Unmarshal(rulesJSON, &w.AppliedRules); err != nil {
		return Workflow{}, err
	}
	return w, nil
}
