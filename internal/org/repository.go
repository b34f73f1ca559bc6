package org

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/billfold/billfold/internal/policy"
	"github.com/billfold/billfold/internal/shared"
)

// Repository provides PostgreSQL backed persistence for organizations.
type Repository struct {
	pool *pgxpool.Pool
}

var _ MembershipLookup = (*Repository)(nil)

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListIDs returns every organization id, the population scheduled jobs
// iterate over.
func (r *Repository) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM organizations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("org: list ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("org: scan id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Get loads one organization with members and settings.
func (r *Repository) Get(ctx context.Context, id string) (Organization, error) {
	const query = `
		SELECT id, name, billing_email, approval_settings, members, created_at, updated_at
		FROM organizations WHERE id = $1`

	var (
		o            Organization
		settingsJSON []byte
		membersJSON  []byte
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&o.ID, &o.Name, &o.BillingEmail, &settingsJSON, &membersJSON, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Organization{}, fmt.Errorf("org %s: %w", id, shared.ErrNotFound)
	}
	if err != nil {
		return Organization{}, fmt.Errorf("org: get %s: %w", id, err)
	}

	o.ApprovalSettings = policy.DefaultSettings()
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &o.ApprovalSettings); err != nil {
			return Organization{}, fmt.Errorf("org: decode settings for %s: %w", id, err)
		}
	}
	if len(membersJSON) > 0 {
		if err := json.Unmarshal(membersJSON, &o.Members); err != nil {
			return Organization{}, fmt.Errorf("org: decode members for %s: %w", id, err)
		}
	}
	return o, nil
}

// Members implements MembershipLookup.
func (r *Repository) Members(ctx context.Context, organizationID string) ([]Member, error) {
	o, err := r.Get(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	return o.Members, nil
}

// ApprovalSettings implements MembershipLookup. Organizations without stored
// settings fall back to the defaults.
func (r *Repository) ApprovalSettings(ctx context.Context, organizationID string) (policy.Settings, error) {
	o, err := r.Get(ctx, organizationID)
	if err != nil {
		return policy.Settings{}, err
	}
	return o.ApprovalSettings, nil
}

// UpdateApprovalSettings replaces the stored settings wholesale.
func (r *Repository) UpdateApprovalSettings(ctx context.Context, organizationID string, settings policy.Settings) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("org: encode settings: %w", err)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE organizations SET approval_settings = $2, updated_at = $3 WHERE id = $1`,
		organizationID, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("org: update settings for %s: %w", organizationID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("org %s: %w", organizationID, shared.ErrNotFound)
	}
	return nil
}
