// Package policy evaluates organization approval settings against a payable
// amount. Classification is pure and is computed exactly once per workflow;
// the result is frozen into the workflow's applied rules so later settings
// edits never reclassify in-flight approvals.
package policy

import (
	"fmt"
	"strings"
)

// Tier is the risk classification of an amount.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Thresholds holds tier boundaries in the rule currency. Low and High are
// inclusive-low/exclusive-high; the high tier is unbounded above.
type Thresholds struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// AutoApproveConditions gate the auto-approval shortcut.
type AutoApproveConditions struct {
	VendorWhitelist   []string `json:"vendorWhitelist"`
	CategoryWhitelist []string `json:"categoryWhitelist"`
	AmountLimit       float64  `json:"amountLimit"`
}

// AutoApprove configures the auto-approval rule.
type AutoApprove struct {
	Enabled    bool                  `json:"enabled"`
	Conditions AutoApproveConditions `json:"conditions"`
}

// Rules is the approval rule block of an organization's settings.
type Rules struct {
	AmountThresholds  Thresholds   `json:"amountThresholds"`
	Currency          string       `json:"currency"`
	RequiredApprovers map[Tier]int `json:"requiredApprovers"`
	FallbackApprovers []string     `json:"fallbackApprovers"`
	AutoApprove       AutoApprove  `json:"autoApprove"`
}

// Settings is the organization approval configuration stored as jsonb.
type Settings struct {
	RequireApproval bool  `json:"requireApproval"`
	ApprovalRules   Rules `json:"approvalRules"`
}

// DefaultSettings mirrors what organizations get before any configuration.
func DefaultSettings() Settings {
	return Settings{
		RequireApproval: true,
		ApprovalRules: Rules{
			AmountThresholds: Thresholds{Low: 100, High: 1000},
			Currency:         "USD",
			RequiredApprovers: map[Tier]int{
				TierLow:    1,
				TierMedium: 1,
				TierHigh:   2,
			},
			AutoApprove: AutoApprove{
				Enabled: false,
				Conditions: AutoApproveConditions{
					AmountLimit: 100,
				},
			},
		},
	}
}

// Input describes one payable being classified. Amount must already be in
// the rule currency; currency conversion happens at the caller via the fx
// batcher so the policy itself stays pure.
type Input struct {
	Amount   float64
	Vendor   string
	Category string
}

// Classification is the frozen outcome of a policy evaluation.
type Classification struct {
	Tier              Tier    `json:"amountThreshold"`
	RequiredApprovers int     `json:"requiredApprovers"`
	AutoApprovable    bool    `json:"autoApproved"`
	Reason            string  `json:"reason,omitempty"`
	Amount            float64 `json:"amount"`
	Currency          string  `json:"currency"`
}

// Classify evaluates the settings for one amount.
func Classify(in Input, settings Settings) Classification {
	rules := settings.ApprovalRules
	tier := tierFor(in.Amount, rules.AmountThresholds)

	c := Classification{
		Tier:              tier,
		RequiredApprovers: requiredFor(tier, rules.RequiredApprovers),
		Amount:            in.Amount,
		Currency:          rules.Currency,
	}

	if !settings.RequireApproval {
		c.AutoApprovable = true
		c.Reason = "approval not required by organization settings"
		return c
	}

	if auto, reason := autoApprovable(in, rules.AutoApprove); auto {
		c.AutoApprovable = true
		c.Reason = reason
	}
	return c
}

func tierFor(amount float64, t Thresholds) Tier {
	switch {
	case amount < t.Low:
		return TierLow
	case amount < t.High:
		return TierMedium
	default:
		return TierHigh
	}
}

func requiredFor(tier Tier, configured map[Tier]int) int {
	if n, ok := configured[tier]; ok && n > 0 {
		return n
	}
	if tier == TierHigh {
		return 2
	}
	return 1
}

func autoApprovable(in Input, auto AutoApprove) (bool, string) {
	if !auto.Enabled {
		return false, ""
	}
	if in.Vendor != "" && containsFold(auto.Conditions.VendorWhitelist, in.Vendor) {
		return true, fmt.Sprintf("vendor %q whitelisted", in.Vendor)
	}
	if in.Category != "" && containsFold(auto.Conditions.CategoryWhitelist, in.Category) {
		return true, fmt.Sprintf("category %q whitelisted", in.Category)
	}
	if in.Amount < auto.Conditions.AmountLimit {
		return true, fmt.Sprintf("amount below auto-approval limit %.2f", auto.Conditions.AmountLimit)
	}
	return false, ""
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}
