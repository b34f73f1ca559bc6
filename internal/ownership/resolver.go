// Package ownership normalises the historical ownership fields carried by
// invoices, payables and ledger entries into a single tagged owner value.
//
// Documents written by older application versions identify their tenant
// through any of organizationId, issuerId or userId, stored either as a
// plain string or as a typed identifier. The resolver collapses that shape
// once at the system boundary; nothing past it may touch the raw fields.
package ownership

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/billfold/billfold/internal/shared"
)

// OwnerType distinguishes individual from organization tenancy.
type OwnerType string

const (
	// OwnerIndividual marks a document owned by a single user, keyed by
	// email or by the historical issuer id.
	OwnerIndividual OwnerType = "individual"
	// OwnerOrganization marks a document owned by an organization.
	OwnerOrganization OwnerType = "organization"
)

// Owner is the resolved tenant of a document. Individual owners may carry
// two identifiers, the email and the historical issuer id; either alone
// still scopes the owner.
type Owner struct {
	Type OwnerType
	// ID holds the organization id, or the individual's email.
	ID string
	// UserID holds the individual's historical issuer/user id. Empty for
	// organizations.
	UserID string
}

// IsZero reports whether resolution produced no owner at all.
func (o Owner) IsZero() bool {
	return o.ID == "" && o.UserID == ""
}

// Key returns the identifier written to the owner_id column of documents
// created for this owner.
func (o Owner) Key() string {
	if o.ID != "" {
		return o.ID
	}
	return o.UserID
}

// Fields carries the raw historical ownership columns of a document.
// Identifier fields accept string, uuid.UUID or fmt.Stringer values because
// legacy rows stored them inconsistently.
type Fields struct {
	OrganizationID any
	IssuerID       any
	UserID         string
}

// CanonicalID reduces any historical identifier representation to its
// canonical string form. Equal underlying values always produce equal
// strings regardless of how they were typed.
func CanonicalID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(id)
	case uuid.UUID:
		if id == uuid.Nil {
			return ""
		}
		return id.String()
	case *uuid.UUID:
		if id == nil || *id == uuid.Nil {
			return ""
		}
		return id.String()
	case fmt.Stringer:
		return strings.TrimSpace(id.String())
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Resolve maps a document and the acting user to a single owner.
// Organization wins over individual; the actor only fills gaps the document
// left open. Resolution is pure: same input, same output.
func Resolve(doc Fields, actor shared.Actor) Owner {
	if orgID := CanonicalID(doc.OrganizationID); orgID != "" {
		return Owner{Type: OwnerOrganization, ID: orgID}
	}
	if orgID := CanonicalID(actor.OrganizationID); orgID != "" {
		return Owner{Type: OwnerOrganization, ID: orgID}
	}
	owner := Owner{
		Type:   OwnerIndividual,
		ID:     strings.TrimSpace(doc.UserID),
		UserID: CanonicalID(doc.IssuerID),
	}
	if owner.ID == "" {
		owner.ID = strings.TrimSpace(actor.Email)
	}
	if owner.UserID == "" {
		owner.UserID = strings.TrimSpace(actor.UserID)
	}
	return owner
}

// Predicate renders the tenant-scoped SQL condition matching every
// historical field variant, starting at placeholder index idx. The email
// binds to user_id, the issuer id to issuer_id, so rows carrying only one
// of the identifiers still match. Queries built from it see exactly the
// documents Resolve assigns to the owner, keeping sync and query in
// agreement. Callers must not build queries for zero owners.
func (o Owner) Predicate(idx int) (string, []any) {
	if o.Type == OwnerOrganization {
		return fmt.Sprintf("organization_id = $%d", idx), []any{o.ID}
	}
	var conds []string
	var args []any
	if key := o.Key(); key != "" {
		conds = append(conds, fmt.Sprintf("owner_id = $%d", idx))
		args = append(args, key)
		idx++
	}
	if o.ID != "" {
		conds = append(conds, fmt.Sprintf("user_id = $%d", idx))
		args = append(args, o.ID)
		idx++
	}
	if o.UserID != "" {
		conds = append(conds, fmt.Sprintf("issuer_id = $%d", idx))
		args = append(args, o.UserID)
	}
	return "(" + strings.Join(conds, " OR ") + ")", args
}
