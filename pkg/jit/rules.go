package jit

import (
	"medgate/pkg/models"
	"medgate/pkg/rules"
)

func autoApprovable() rules.Predicate {
	return func(in models.EvaluationInput) bool {
		return AutoApprovable(in.Subject, in.Resource.Sensitivity, in.JIT.DurationHours)
	}
}

func managerApprovalNeeded() rules.Predicate {
	return func(in models.EvaluationInput) bool {
		return NeedsManagerApproval(in.Subject, in.Resource.Sensitivity, in.JIT.DurationHours)
	}
}

func hasActiveGrant() rules.Predicate {
	return func(in models.EvaluationInput) bool {
		return in.JIT.HasActiveGrant
	}
}

// grantRequested distinguishes an elevation request from a plain access
// request. Allow rules in this set only vote when a grant is being asked
// for; otherwise a request with no elevation facts would match them.
func grantRequested() rules.Predicate {
	return func(in models.EvaluationInput) bool {
		return in.JIT.DurationHours > 0
	}
}

func violationsAtLeast(n int) rules.Predicate {
	return func(in models.EvaluationInput) bool {
		return in.Subject.Violations30d >= n
	}
}

// NewRuleSet builds the jit-category rule set used when a caller asks for
// a decision about a grant request rather than driving the tracker.
func NewRuleSet() rules.Set {
	return rules.Set{
		Category: rules.CategoryJIT,
		Rules: []rules.Rule{
			{
				ID:     "jit-deny-active-grant",
				Effect: rules.EffectDeny,
				Reason: "subject already holds an active grant for this resource class",
				When:   hasActiveGrant(),
			},
			{
				ID:     "jit-deny-violations",
				Effect: rules.EffectDeny,
				Reason: "three or more policy violations in the last 30 days",
				When:   violationsAtLeast(3),
			},
			{
				ID:     "jit-deny-risk",
				Effect: rules.EffectDeny,
				Reason: "requester risk score exceeds 0.7",
				When:   rules.RiskAbove(0.7),
			},
			{
				ID:     "jit-allow-auto",
				Effect: rules.EffectAllow,
				When:   rules.And(grantRequested(), autoApprovable()),
			},
			{
				ID:     "jit-allow-request",
				Effect: rules.EffectAllow,
				When: rules.And(
					grantRequested(),
					rules.Not(hasActiveGrant()),
					rules.Not(violationsAtLeast(3)),
					rules.Not(rules.RiskAbove(0.7)),
				),
			},
			{
				ID:     "jit-flag-manager-approval",
				Effect: rules.EffectFlag,
				When:   rules.And(grantRequested(), managerApprovalNeeded(), rules.Not(autoApprovable())),
				Tags:   rules.Tags{RequiresApproval: true},
			},
			{
				ID:     "jit-flag-audit",
				Effect: rules.EffectFlag,
				When:   rules.SensitivityIn(models.SensitivityHigh, models.SensitivityCritical),
				Tags:   rules.Tags{RequiresEnhancedAudit: true},
			},
		},
	}
}
