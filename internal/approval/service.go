package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/billfold/billfold/internal/billing"
	"github.com/billfold/billfold/internal/fx"
	"github.com/billfold/billfold/internal/org"
	"github.com/billfold/billfold/internal/policy"
	"github.com/billfold/billfold/internal/shared"
)

// BillingAccess is the billing persistence slice the engine needs.
type BillingAccess interface {
	GetPayable(ctx context.Context, id string) (billing.Payable, error)
	UpdatePayableStatus(ctx context.Context, id string, status billing.PayableStatus) error
	SetPayableApprovalSummary(ctx context.Context, id string, summary billing.ApprovalSummary) error
}

// Converter brings the payable amount into the rule currency before
// classification.
type Converter interface {
	Convert(ctx context.Context, amount float64, from, to string) (fx.Result, error)
}

// SummaryRecorder pushes the workflow outcome onto the ledger entry.
type SummaryRecorder interface {
	RecordApprovalOutcome(ctx context.Context, payableID string, summary billing.ApprovalSummary) error
}

// PairSyncer aligns the related invoice after a terminal decision.
type PairSyncer interface {
	SyncPair(ctx context.Context, actor shared.Actor, payableID string) error
}

// Notifier dispatches fire-and-forget notifications. Implementations must
// never return delivery problems to the caller.
type Notifier interface {
	Notify(ctx context.Context, recipient, event string, payload map[string]any)
}

// Service is the approval workflow engine.
type Service struct {
	repo      Repository
	billing   BillingAccess
	members   org.MembershipLookup
	converter Converter
	ledger    SummaryRecorder
	pairs     PairSyncer
	notifier  Notifier
	audit     *shared.AuditLogger
	logger    *slog.Logger
	clock     func() time.Time
}

// NewService wires the engine. ledgerSync, pairs, notifier and audit may be
// nil; the corresponding side effects are then skipped. Callers holding a
// nil concrete implementation must pass an untyped nil.
func NewService(repo Repository, billingAccess BillingAccess, members org.MembershipLookup,
	converter Converter, ledgerSync SummaryRecorder, pairs PairSyncer, notifier Notifier,
	audit *shared.AuditLogger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		billing:   billingAccess,
		members:   members,
		converter: converter,
		ledger:    ledgerSync,
		pairs:     pairs,
		notifier:  notifier,
		audit:     audit,
		logger:    logger,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateInput starts a workflow for one payable.
type CreateInput struct {
	BillID         string `json:"billId" validate:"required"`
	OrganizationID string `json:"organizationId" validate:"required"`
}

// Create starts the workflow for a bill. Calling it again for the same bill
// returns the existing workflow unchanged.
func (s *Service) Create(ctx context.Context, actor shared.Actor, in CreateInput) (Workflow, error) {
	if existing, found, err := s.repo.GetByBill(ctx, in.BillID); err != nil {
		return Workflow{}, err
	} else if found {
		return existing, nil
	}

	p, err := s.billing.GetPayable(ctx, in.BillID)
	if err != nil {
		return Workflow{}, err
	}
	switch p.Status {
	case billing.PayablePaid, billing.PayableCancelled, billing.PayableRejected:
		return Workflow{}, fmt.Errorf("payable %s is %s: %w", p.ID, p.Status, shared.ErrInvalidState)
	}

	settings, err := s.members.ApprovalSettings(ctx, in.OrganizationID)
	if err != nil {
		return Workflow{}, err
	}

	cls, err := s.classify(ctx, p, settings)
	if err != nil {
		return Workflow{}, err
	}

	now := s.clock()
	w := Workflow{
		ID:             uuid.NewString(),
		BillID:         p.ID,
		OrganizationID: in.OrganizationID,
		Status:         StatusPending,
		CurrentStep:    1,
		AppliedRules:   cls,
		CreatedBy:      actor.UserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if cls.AutoApprovable {
		// Terminal from birth, but with a step so the audit trail shows
		// what happened and why.
		done := now
		w.Status = StatusApproved
		w.DecidedAt = &done
		w.Steps = []Step{{
			StepNumber:   1,
			Decision:     DecisionApproved,
			AutoApproved: true,
			AssignedAt:   now,
			CompletedAt:  &done,
		}}
	} else {
		steps, err := s.assignApprovers(ctx, in.OrganizationID, settings, cls.RequiredApprovers, now)
		if err != nil {
			return Workflow{}, err
		}
		w.Steps = steps
	}

	if err := s.repo.Create(ctx, w); err != nil {
		if errors.Is(err, ErrWorkflowExists) {
			// Lost a concurrent create; the bill's workflow is whatever won.
			existing, found, lookupErr := s.repo.GetByBill(ctx, in.BillID)
			if lookupErr != nil {
				return Workflow{}, lookupErr
			}
			if found {
				return existing, nil
			}
		}
		return Workflow{}, err
	}

	if w.Status == StatusApproved {
		s.finalize(ctx, actor, w, p)
	} else {
		if err := s.billing.UpdatePayableStatus(ctx, p.ID, billing.PayablePendingApproval); err != nil {
			s.logger.Warn("payable status update failed", slog.String("payable_id", p.ID), slog.Any("error", err))
		}
		if step, ok := w.Current(); ok {
			s.notify(ctx, step.ApproverEmail, "approval.requested", map[string]any{
				"workflowId": w.ID,
				"billId":     w.BillID,
				"amount":     cls.Amount,
				"currency":   cls.Currency,
				"tier":       string(cls.Tier),
				"step":       step.StepNumber,
			})
		}
	}
	s.recordAudit(ctx, actor, w, "approval.create", map[string]any{
		"tier":         string(cls.Tier),
		"autoApproved": cls.AutoApprovable,
		"steps":        len(w.Steps),
	})
	return w, nil
}

// DecideInput is one approver's verdict on the current step.
type DecideInput struct {
	Decision Decision `json:"decision" validate:"required,oneof=approved rejected"`
	Comments string   `json:"comments" validate:"max=1000"`
}

// Decide applies a decision to the workflow's current step. Steps go
// strictly in order; a decision from anyone but the current step's approver
// is forbidden, and a single rejection ends the workflow.
func (s *Service) Decide(ctx context.Context, actor shared.Actor, workflowID string, in DecideInput) (Workflow, error) {
	w, err := s.repo.GetByID(ctx, workflowID)
	if err != nil {
		return Workflow{}, err
	}
	if w.Status.Terminal() {
		return Workflow{}, fmt.Errorf("workflow %s is %s: %w", w.ID, w.Status, shared.ErrInvalidState)
	}
	step, ok := w.Current()
	if !ok {
		return Workflow{}, fmt.Errorf("workflow %s has no current step: %w", w.ID, shared.ErrInvalidState)
	}
	if !step.Matches(actor.UserID, actor.Email) {
		return Workflow{}, fmt.Errorf("not the approver for step %d: %w", step.StepNumber, shared.ErrForbidden)
	}

	now := s.clock()
	step.Decision = in.Decision
	step.Comments = strings.TrimSpace(in.Comments)
	step.CompletedAt = &now
	w.Steps[w.CurrentStep-1] = step
	w.UpdatedAt = now

	switch in.Decision {
	case DecisionRejected:
		w.Status = StatusRejected
		w.DecidedAt = &now
	case DecisionApproved:
		if w.CurrentStep == len(w.Steps) {
			w.Status = StatusApproved
			w.DecidedAt = &now
		} else {
			w.CurrentStep++
		}
	default:
		return Workflow{}, fmt.Errorf("unknown decision %q: %w", in.Decision, shared.ErrValidation)
	}

	if err := s.repo.Update(ctx, w); err != nil {
		return Workflow{}, err
	}

	if w.Status.Terminal() {
		p, err := s.billing.GetPayable(ctx, w.BillID)
		if err != nil {
			s.logger.Warn("payable load after decision failed", slog.String("bill_id", w.BillID), slog.Any("error", err))
		} else {
			s.finalize(ctx, actor, w, p)
		}
	} else if next, ok := w.Current(); ok {
		s.notify(ctx, next.ApproverEmail, "approval.requested", map[string]any{
			"workflowId": w.ID,
			"billId":     w.BillID,
			"step":       next.StepNumber,
		})
	}
	s.recordAudit(ctx, actor, w, "approval.decide", map[string]any{
		"decision": string(in.Decision),
		"step":     step.StepNumber,
		"status":   string(w.Status),
	})
	return w, nil
}

// Cancel terminates the workflow when the underlying bill is deleted or
// voided. Already terminal workflows are left alone.
func (s *Service) Cancel(ctx context.Context, actor shared.Actor, billID string) error {
	w, found, err := s.repo.GetByBill(ctx, billID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("workflow for bill %s: %w", billID, shared.ErrNotFound)
	}
	if w.Status.Terminal() {
		return fmt.Errorf("workflow %s is %s: %w", w.ID, w.Status, shared.ErrInvalidState)
	}
	now := s.clock()
	w.Status = StatusCancelled
	w.DecidedAt = &now
	w.UpdatedAt = now
	if err := s.repo.Update(ctx, w); err != nil {
		return err
	}
	s.recordAudit(ctx, actor, w, "approval.cancel", nil)
	return nil
}

// Get loads one workflow.
func (s *Service) Get(ctx context.Context, workflowID string) (Workflow, error) {
	return s.repo.GetByID(ctx, workflowID)
}

// PendingFor lists open workflows whose current step waits on the actor.
func (s *Service) PendingFor(ctx context.Context, actor shared.Actor) ([]Workflow, error) {
	if actor.OrganizationID == "" {
		return nil, fmt.Errorf("organization scope required: %w", shared.ErrValidation)
	}
	all, err := s.repo.ListPending(ctx, actor.OrganizationID)
	if err != nil {
		return nil, err
	}
	var mine []Workflow
	for _, w := range all {
		if step, ok := w.Current(); ok && step.Matches(actor.UserID, actor.Email) {
			mine = append(mine, w)
		}
	}
	return mine, nil
}

// classify freezes the policy outcome for the payable, converting the
// amount into the rule currency first when they differ.
func (s *Service) classify(ctx context.Context, p billing.Payable, settings policy.Settings) (policy.Classification, error) {
	amount := p.Total
	ruleCurrency := settings.ApprovalRules.Currency
	if s.converter != nil && ruleCurrency != "" && !strings.EqualFold(p.Currency, ruleCurrency) {
		res, err := s.converter.Convert(ctx, p.Total, p.Currency, ruleCurrency)
		if err != nil {
			return policy.Classification{}, fmt.Errorf("approval: convert %s to rule currency: %w", p.Currency, err)
		}
		amount = res.ConvertedAmount
	}
	return policy.Classify(policy.Input{Amount: amount, Vendor: p.VendorName, Category: p.Category}, settings), nil
}

// assignApprovers picks the step approvers: qualified members first in a
// stable order, then fallback approvers when the organization has fewer
// qualified members than the tier requires.
func (s *Service) assignApprovers(ctx context.Context, organizationID string, settings policy.Settings, required int, now time.Time) ([]Step, error) {
	members, err := s.members.Members(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	var qualified []org.Member
	for _, m := range members {
		if !m.Active() {
			continue
		}
		switch m.Role {
		case org.RoleOwner, org.RoleAdmin, org.RoleApprover:
			qualified = append(qualified, m)
		}
	}
	sort.SliceStable(qualified, func(i, j int) bool {
		if a, b := org.Seniority(qualified[i].Role), org.Seniority(qualified[j].Role); a != b {
			return a < b
		}
		return qualified[i].JoinedAt.Before(qualified[j].JoinedAt)
	})

	var steps []Step
	for _, m := range qualified {
		if len(steps) == required {
			break
		}
		steps = append(steps, Step{
			StepNumber:    len(steps) + 1,
			ApproverID:    m.UserID,
			ApproverEmail: m.Email,
			ApproverRole:  m.Role,
			Decision:      DecisionPending,
			AssignedAt:    now,
		})
	}

	for _, email := range settings.ApprovalRules.FallbackApprovers {
		if len(steps) == required {
			break
		}
		if email == "" || assignedEmail(steps, email) {
			continue
		}
		steps = append(steps, Step{
			StepNumber:    len(steps) + 1,
			ApproverEmail: email,
			Decision:      DecisionPending,
			IsFallback:    true,
			AssignedAt:    now,
		})
	}
	// Owners and admins back-stop configured fallbacks.
	for _, m := range qualified {
		if len(steps) == required {
			break
		}
		if m.Role == org.RoleApprover || assignedEmail(steps, m.Email) {
			continue
		}
		steps = append(steps, Step{
			StepNumber:    len(steps) + 1,
			ApproverID:    m.UserID,
			ApproverEmail: m.Email,
			ApproverRole:  m.Role,
			Decision:      DecisionPending,
			IsFallback:    true,
			AssignedAt:    now,
		})
	}

	if len(steps) == 0 {
		return nil, fmt.Errorf("organization %s has no eligible approvers: %w", organizationID, shared.ErrValidation)
	}
	return steps, nil
}

func assignedEmail(steps []Step, email string) bool {
	for _, s := range steps {
		if strings.EqualFold(s.ApproverEmail, email) {
			return true
		}
	}
	return false
}

// finalize applies the terminal outcome to the payable, the ledger and the
// related invoice. All of it is best effort past the workflow write.
func (s *Service) finalize(ctx context.Context, actor shared.Actor, w Workflow, p billing.Payable) {
	var next billing.PayableStatus
	switch w.Status {
	case StatusApproved:
		next = billing.PayableApproved
	case StatusRejected:
		next = billing.PayableRejected
	default:
		return
	}
	if err := s.billing.UpdatePayableStatus(ctx, p.ID, next); err != nil {
		s.logger.Warn("payable status update failed", slog.String("payable_id", p.ID), slog.Any("error", err))
	}
	summary := w.Summary()
	if err := s.billing.SetPayableApprovalSummary(ctx, p.ID, summary); err != nil {
		s.logger.Warn("approval summary write failed", slog.String("payable_id", p.ID), slog.Any("error", err))
	}
	if s.ledger != nil {
		if err := s.ledger.RecordApprovalOutcome(ctx, p.ID, summary); err != nil {
			s.logger.Warn("ledger approval summary failed", slog.String("payable_id", p.ID), slog.Any("error", err))
		}
	}
	if s.pairs != nil && p.RelatedInvoiceID != nil && *p.RelatedInvoiceID != "" {
		if err := s.pairs.SyncPair(ctx, actor, p.ID); err != nil {
			s.logger.Warn("pair sync after decision failed", slog.String("payable_id", p.ID), slog.Any("error", err))
		}
	}
	s.notify(ctx, p.VendorEmail, "approval."+string(w.Status), map[string]any{
		"workflowId": w.ID,
		"billId":     w.BillID,
	})
}

func (s *Service) notify(ctx context.Context, recipient, event string, payload map[string]any) {
	if s.notifier == nil || recipient == "" {
		return
	}
	s.notifier.Notify(ctx, recipient, event, payload)
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Actor, w Workflow, action string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		OrganizationID: w.OrganizationID,
		ActorID:        actor.UserID,
		Action:         action,
		Entity:         "approval_workflow",
		EntityID:       w.ID,
		Meta:           meta,
		At:             s.clock(),
	})
	if err != nil {
		s.logger.Warn("audit write failed", slog.Any("error", err))
	}
}
