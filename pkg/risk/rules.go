package risk

import (
	"strings"

	"medgate/pkg/models"
	"medgate/pkg/rules"
)

func anomalous() rules.Predicate {
	return func(in models.EvaluationInput) bool {
		return DetectAnomaly(in.Subject, in.Context.Timestamp).Any()
	}
}

func actionOutsideBand() rules.Predicate {
	return func(in models.EvaluationInput) bool {
		score := in.Subject.Score(rules.FallbackRiskScore)
		if score >= ThresholdCritical {
			// The critical band has its own deny rule with a clearer message.
			return false
		}
		for _, a := range AllowedActions(score) {
			if strings.EqualFold(a, in.Action) {
				return false
			}
		}
		return true
	}
}

func band(lo, hi float64) rules.Predicate {
	if hi <= 0 {
		return rules.RiskAtLeast(lo)
	}
	return rules.And(rules.RiskAtLeast(lo), rules.RiskBelow(hi))
}

func alertTag() rules.Predicate {
	return func(in models.EvaluationInput) bool {
		return ShouldAlert(in, DetectAnomaly(in.Subject, in.Context.Timestamp).Any())
	}
}

// NewRuleSet builds the behavioral-risk rule set. Allow rules cover
// normal-behavior access at low enough scores; deny rules enforce the
// shrinking action ladder; flag rules carry MFA, approval, session
// duration, escalation, and alerting side effects.
func NewRuleSet() rules.Set {
	return rules.Set{
		Category: rules.CategoryRisk,
		Rules: []rules.Rule{
			{
				ID:     "risk-allow-low-sensitivity",
				Effect: rules.EffectAllow,
				When: rules.And(
					rules.RiskBelow(ThresholdHigh),
					rules.SensitivityIn(models.SensitivityLow, models.SensitivityMedium),
					rules.Not(anomalous()),
				),
			},
			{
				ID:     "risk-allow-verified-high",
				Effect: rules.EffectAllow,
				When: rules.And(
					rules.RiskBelow(ThresholdMedium),
					rules.SensitivityIn(models.SensitivityHigh),
					rules.MFAVerified(),
					rules.Not(anomalous()),
				),
			},
			{
				ID:     "risk-deny-critical-score",
				Effect: rules.EffectDeny,
				Reason: "risk score exceeds the 0.7 critical threshold; all actions are blocked",
				When:   rules.RiskAtLeast(ThresholdCritical),
				Tags:   rules.Tags{AlertSeverity: "critical"},
			},
			{
				ID:     "risk-deny-action-band",
				Effect: rules.EffectDeny,
				Reason: "action is not permitted at the subject's current risk level",
				When:   actionOutsideBand(),
			},
			{
				ID:     "risk-flag-mfa-sensitive",
				Effect: rules.EffectFlag,
				When: rules.And(
					rules.RiskAtLeast(ThresholdMedium),
					rules.SensitivityIn(models.SensitivityHigh, models.SensitivityCritical),
				),
				Tags: rules.Tags{RequiresMFA: true},
			},
			{
				ID:     "risk-flag-mfa-elevated",
				Effect: rules.EffectFlag,
				When:   rules.RiskAtLeast(ThresholdHigh),
				Tags:   rules.Tags{RequiresMFA: true},
			},
			{
				ID:     "risk-flag-mfa-anomaly",
				Effect: rules.EffectFlag,
				When:   anomalous(),
				Tags:   rules.Tags{RequiresMFA: true},
			},
			{
				ID:     "risk-flag-approval-sensitive",
				Effect: rules.EffectFlag,
				When: rules.And(
					rules.RiskAtLeast(ThresholdHigh),
					rules.SensitivityIn(models.SensitivityHigh, models.SensitivityCritical),
				),
				Tags: rules.Tags{RequiresApproval: true},
			},
			{
				ID:     "risk-flag-approval-critical",
				Effect: rules.EffectFlag,
				When:   rules.RiskAtLeast(ThresholdCritical),
				Tags:   rules.Tags{RequiresApproval: true},
			},
			{
				ID:     "risk-flag-session-low",
				Effect: rules.EffectFlag,
				When:   rules.RiskBelow(ThresholdMedium),
				Tags:   rules.Tags{MaxSessionMinutes: 480, RecommendedAction: rules.ActionNormal},
			},
			{
				ID:     "risk-flag-session-medium",
				Effect: rules.EffectFlag,
				When:   band(ThresholdMedium, ThresholdHigh),
				Tags:   rules.Tags{MaxSessionMinutes: 240, RecommendedAction: rules.ActionEnhancedMonitoring},
			},
			{
				ID:     "risk-flag-session-high",
				Effect: rules.EffectFlag,
				When:   band(ThresholdHigh, ThresholdCritical),
				Tags:   rules.Tags{MaxSessionMinutes: 120, RecommendedAction: rules.ActionReverification},
			},
			{
				ID:     "risk-flag-session-critical",
				Effect: rules.EffectFlag,
				When:   band(ThresholdCritical, 0),
				Tags:   rules.Tags{MaxSessionMinutes: 30, RecommendedAction: rules.ActionBlockAccess},
			},
			{
				ID:     "risk-flag-alert",
				Effect: rules.EffectFlag,
				When:   alertTag(),
				Tags:   rules.Tags{AlertSeverity: "high"},
			},
		},
	}
}
