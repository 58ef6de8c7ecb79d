package authz

import (
	"medgate/pkg/models"
	"medgate/pkg/rules"
)

// Request-rate ceiling per subject per hour.
const MaxRequestsPerHour = 1000

// NewRuleSet builds the baseline role/time/location rule set.
func NewRuleSet() rules.Set {
	return rules.Set{
		Category: rules.CategoryAuthorization,
		Rules: []rules.Rule{
			{
				ID:     "authz-allow-manager",
				Effect: rules.EffectAllow,
				When: rules.And(
					rules.HasRole("manager"),
					rules.BusinessHours(),
					rules.RiskBelow(0.7),
				),
			},
			{
				ID:     "authz-allow-doctor-record",
				Effect: rules.EffectAllow,
				When: rules.And(
					rules.HasRole("doctor"),
					rules.ResourceTypeIs("patient_record"),
					rules.BusinessHours(),
					rules.RiskBelow(0.5),
					rules.Not(rules.SuspiciousActivity()),
				),
			},
			{
				ID:     "authz-allow-nurse-read",
				Effect: rules.EffectAllow,
				When: rules.And(
					rules.HasRole("nurse"),
					rules.ResourceTypeIs("patient_record"),
					rules.ActionIn(models.ActionRead),
					rules.BusinessHours(),
					rules.RiskBelow(0.6),
				),
			},
			{
				ID:     "authz-deny-financial-offhours",
				Effect: rules.EffectDeny,
				Reason: "financial data is unavailable outside business hours for non-managers",
				When: rules.And(
					rules.ResourceTypeIs("financial_data"),
					rules.Not(rules.BusinessHours()),
					rules.Not(rules.HasRole("manager")),
				),
			},
			{
				ID:     "authz-deny-excessive-risk",
				Effect: rules.EffectDeny,
				Reason: "subject risk score exceeds the 0.8 hard limit",
				When:   rules.RiskAbove(0.8),
				Tags:   rules.Tags{AlertSeverity: "high"},
			},
			{
				ID:     "authz-deny-critical-foreign",
				Effect: rules.EffectDeny,
				Reason: "critical-sensitivity resources may only be accessed from US locations",
				When: rules.And(
					rules.SensitivityIn(models.SensitivityCritical),
					rules.Not(rules.CountryIs("US")),
				),
			},
			{
				ID:     "authz-deny-request-rate",
				Effect: rules.EffectDeny,
				Reason: "request rate exceeds 1000 requests per hour",
				When:   rules.RequestRateAbove(MaxRequestsPerHour),
				Tags:   rules.Tags{AlertSeverity: "medium"},
			},
			{
				ID:     "authz-flag-audit-action",
				Effect: rules.EffectFlag,
				// share covers permission-changing operations in this model.
				When: rules.ActionIn(models.ActionDelete, models.ActionExport, models.ActionShare),
				Tags: rules.Tags{RequiresEnhancedAudit: true},
			},
			{
				ID:     "authz-flag-audit-sensitivity",
				Effect: rules.EffectFlag,
				When:   rules.SensitivityIn(models.SensitivityHigh),
				Tags:   rules.Tags{RequiresEnhancedAudit: true},
			},
			{
				ID:     "authz-flag-audit-risk",
				Effect: rules.EffectFlag,
				When:   rules.RiskAbove(0.5),
				Tags:   rules.Tags{RequiresEnhancedAudit: true},
			},
		},
	}
}
