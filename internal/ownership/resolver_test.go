package ownership

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/billfold/billfold/internal/shared"
)

func TestResolveOrganizationWinsOverIndividual(t *testing.T) {
	owner := Resolve(Fields{
		OrganizationID: "org-123",
		UserID:         "user@example.com",
	}, shared.Actor{Email: "actor@example.com"})

	require.Equal(t, OwnerOrganization, owner.Type)
	require.Equal(t, "org-123", owner.ID)
}

func TestResolveStableAcrossIDRepresentations(t *testing.T) {
	id := uuid.MustParse("a2f1c644-90dd-4c5e-a2cf-7cf16ab2d8a9")

	asString := Resolve(Fields{OrganizationID: id.String()}, shared.Actor{})
	asTyped := Resolve(Fields{OrganizationID: id}, shared.Actor{})
	asPointer := Resolve(Fields{OrganizationID: &id}, shared.Actor{})

	require.Equal(t, asString, asTyped)
	require.Equal(t, asString, asPointer)
	require.Equal(t, id.String(), asString.ID)
}

func TestResolveFallsBackToActor(t *testing.T) {
	fromActorOrg := Resolve(Fields{}, shared.Actor{OrganizationID: "org-9"})
	require.Equal(t, Owner{Type: OwnerOrganization, ID: "org-9"}, fromActorOrg)

	fromDocUser := Resolve(Fields{UserID: "doc-user@example.com"}, shared.Actor{Email: "actor@example.com"})
	require.Equal(t, Owner{Type: OwnerIndividual, ID: "doc-user@example.com"}, fromDocUser)

	fromActorEmail := Resolve(Fields{}, shared.Actor{Email: "actor@example.com"})
	require.Equal(t, Owner{Type: OwnerIndividual, ID: "actor@example.com"}, fromActorEmail)
}

func TestResolveIssuerOnlyDocument(t *testing.T) {
	owner := Resolve(Fields{IssuerID: "user-123"}, shared.Actor{})
	require.False(t, owner.IsZero())
	require.Equal(t, OwnerIndividual, owner.Type)
	require.Equal(t, "user-123", owner.UserID)
	require.Equal(t, "user-123", owner.Key())

	withActor := Resolve(Fields{IssuerID: "user-123"}, shared.Actor{UserID: "actor-9", Email: "dana@acme.test"})
	require.Equal(t, "user-123", withActor.UserID)
	require.Equal(t, "dana@acme.test", withActor.ID)
}

func TestResolveIgnoresNilAndEmptyIdentifiers(t *testing.T) {
	var nilID *uuid.UUID
	owner := Resolve(Fields{OrganizationID: nilID, UserID: " user@example.com "}, shared.Actor{})
	require.Equal(t, OwnerIndividual, owner.Type)
	require.Equal(t, "user@example.com", owner.ID)

	owner = Resolve(Fields{OrganizationID: uuid.Nil, UserID: "user@example.com"}, shared.Actor{})
	require.Equal(t, OwnerIndividual, owner.Type)
}

func TestPredicateMatchesHistoricalVariants(t *testing.T) {
	org := Owner{Type: OwnerOrganization, ID: "org-1"}
	cond, args := org.Predicate(1)
	require.Equal(t, "organization_id = $1", cond)
	require.Equal(t, []any{"org-1"}, args)

	ind := Owner{Type: OwnerIndividual, ID: "user@example.com", UserID: "user-123"}
	cond, args = ind.Predicate(2)
	require.Equal(t, "(owner_id = $2 OR user_id = $3 OR issuer_id = $4)", cond)
	require.Equal(t, []any{"user@example.com", "user@example.com", "user-123"}, args)
}

func TestPredicateBindsIssuerIDToUserID(t *testing.T) {
	full := Owner{Type: OwnerIndividual, ID: "dana@acme.test", UserID: "user-1"}
	cond, args := full.Predicate(1)
	require.Equal(t, "(owner_id = $1 OR user_id = $2 OR issuer_id = $3)", cond)
	require.Contains(t, args, "user-1")

	emailOnly := Owner{Type: OwnerIndividual, ID: "dana@acme.test"}
	cond, args = emailOnly.Predicate(1)
	require.Equal(t, "(owner_id = $1 OR user_id = $2)", cond)
	require.Equal(t, []any{"dana@acme.test", "dana@acme.test"}, args)

	issuerOnly := Owner{Type: OwnerIndividual, UserID: "user-1"}
	cond, args = issuerOnly.Predicate(3)
	require.Equal(t, "(owner_id = $3 OR issuer_id = $4)", cond)
	require.Equal(t, []any{"user-1", "user-1"}, args)
}
