// Package approval runs the multi-step approval workflow a payable passes
// through before it may be paid.
package approval

import (
	"time"

	"github.com/billfold/billfold/internal/billing"
	"github.com/billfold/billfold/internal/org"
	"github.com/billfold/billfold/internal/policy"
)

// Status is the workflow lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the workflow accepts no further decisions.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// Decision is the outcome recorded on one step.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Step is one approver's slot in the chain. Steps are decided strictly in
// stepNumber order and a recorded decision never changes.
type Step struct {
	StepNumber    int            `json:"stepNumber"`
	ApproverID    string         `json:"approverId,omitempty"`
	ApproverEmail string         `json:"approverEmail"`
	ApproverRole  org.MemberRole `json:"approverRole,omitempty"`
	Decision      Decision       `json:"decision"`
	Comments      string         `json:"comments,omitempty"`
	IsFallback    bool           `json:"isFallback"`
	AutoApproved  bool           `json:"autoApproved"`
	AssignedAt    time.Time      `json:"assignedAt"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
}

// Matches reports whether the step belongs to the given approver.
func (s Step) Matches(userID, email string) bool {
	if s.ApproverID != "" && s.ApproverID == userID {
		return true
	}
	return s.ApproverEmail != "" && s.ApproverEmail == email
}

// Workflow is the approval state machine for one bill.
type Workflow struct {
	ID             string                `json:"id"`
	BillID         string                `json:"billId"`
	OrganizationID string                `json:"organizationId"`
	Status         Status                `json:"status"`
	Steps          []Step                `json:"approvals"`
	CurrentStep    int                   `json:"currentStep"`
	AppliedRules   policy.Classification `json:"appliedRules"`
	CreatedBy      string                `json:"createdBy"`
	CreatedAt      time.Time             `json:"createdAt"`
	UpdatedAt      time.Time             `json:"updatedAt"`
	DecidedAt      *time.Time            `json:"decidedAt,omitempty"`
}

// Current returns the step awaiting a decision.
func (w Workflow) Current() (Step, bool) {
	if w.Status.Terminal() || w.CurrentStep < 1 || w.CurrentStep > len(w.Steps) {
		return Step{}, false
	}
	return w.Steps[w.CurrentStep-1], true
}

// Summary denormalises the workflow outcome for embedding on the payable
// and its ledger entry.
func (w Workflow) Summary() billing.ApprovalSummary {
	s := billing.ApprovalSummary{
		WorkflowID: w.ID,
		Status:     string(w.Status),
		DecidedAt:  w.DecidedAt,
	}
	for i := len(w.Steps) - 1; i >= 0; i-- {
		step := w.Steps[i]
		if step.Decision == DecisionPending {
			continue
		}
		if step.AutoApproved {
			s.DecidedBy = "auto"
			s.Reason = w.AppliedRules.Reason
		} else {
			s.DecidedBy = step.ApproverEmail
			s.Reason = step.Comments
		}
		break
	}
	return s
}
