// Package org exposes organization membership and approval settings to the
// approval workflow engine.
package org

import (
	"context"
	"time"

	"github.com/billfold/billfold/internal/policy"
)

// MemberRole enumerates organization roles.
type MemberRole string

const (
	RoleOwner    MemberRole = "owner"
	RoleAdmin    MemberRole = "admin"
	RoleApprover MemberRole = "approver"
	RoleMember   MemberRole = "member"
)

// MemberStatus enumerates membership states.
type MemberStatus string

const (
	MemberActive    MemberStatus = "active"
	MemberInvited   MemberStatus = "invited"
	MemberSuspended MemberStatus = "suspended"
)

// Member is one user inside an organization.
type Member struct {
	UserID   string       `json:"userId"`
	Email    string       `json:"email"`
	Role     MemberRole   `json:"role"`
	Status   MemberStatus `json:"status"`
	JoinedAt time.Time    `json:"joinedAt"`
}

// Active reports whether the member may act for the organization.
func (m Member) Active() bool {
	return m.Status == MemberActive
}

// Organization is the tenant document.
type Organization struct {
	ID               string
	Name             string
	BillingEmail     string
	ApprovalSettings policy.Settings
	Members          []Member
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MembershipLookup is the collaborator the approval engine depends on.
type MembershipLookup interface {
	Members(ctx context.Context, organizationID string) ([]Member, error)
	ApprovalSettings(ctx context.Context, organizationID string) (policy.Settings, error)
}

// Seniority orders roles for approver selection: owners first, then admins,
// then dedicated approvers. Unknown roles sort last.
func Seniority(role MemberRole) int {
	switch role {
	case RoleOwner:
		return 0
	case RoleAdmin:
		return 1
	case RoleApprover:
		return 2
	default:
		return 3
	}
}
