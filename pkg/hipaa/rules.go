package hipaa

import (
	"strings"

	"medgate/pkg/models"
	"medgate/pkg/rules"
)

// Field catalogs for the minimum-necessary principle. Rules contribute
// their catalog on match; the combinator unions them, so a care-team
// clinician sees a superset of what a billing specialist sees.

func BasicIdentityFields() []string {
	return []string{"name", "date_of_birth", "mrn", "contact", "attending_physician"}
}

func CareTeamFields() []string {
	return append(BasicIdentityFields(),
		"diagnoses", "medications", "allergies", "lab_results", "clinical_notes", "care_plan",
		"insurance", "billing_codes", "charges")
}

func BillingFields() []string {
	return []string{"name", "mrn", "insurance", "billing_codes", "charges"}
}

func DeidentifiedFields() []string {
	return []string{"age_bracket", "diagnosis_codes", "treatment_outcomes", "lab_results_deidentified"}
}

func providerRole() rules.Predicate {
	return rules.HasAnyRole("doctor", "nurse", "physician_assistant", "care_team", "billing", "researcher")
}

func assignedPatient() rules.Predicate {
	return func(in models.EvaluationInput) bool {
		if in.Resource.PatientID == "" {
			return false
		}
		for _, p := range in.Subject.AssignedPatients {
			if p == in.Resource.PatientID {
				return true
			}
		}
		return false
	}
}

func careTeamPatient() rules.Predicate {
	return func(in models.EvaluationInput) bool {
		if in.Resource.PatientID == "" {
			return false
		}
		for _, p := range in.Subject.CareTeamPatients {
			if p == in.Resource.PatientID {
				return true
			}
		}
		return false
	}
}

func approvedResearch() rules.Predicate {
	return func(in models.EvaluationInput) bool {
		return in.Subject.HasRole("researcher") && in.Disclosure.IRBApproved && in.Disclosure.PatientConsent
	}
}

// needToKnow: assigned patient, break-glass emergency, or IRB-approved
// research with patient consent.
func needToKnow() rules.Predicate {
	return rules.Or(assignedPatient(), careTeamPatient(), rules.EmergencyAccess(), approvedResearch())
}

func authorizedLocation() rules.Predicate {
	return func(in models.EvaluationInput) bool {
		c := in.Context.Connection
		return c.HospitalNetwork || (c.VPNConnected && c.VPNApproved) || in.Context.EmergencyAccess
	}
}

func secureConnection() rules.Predicate {
	return func(in models.EvaluationInput) bool {
		c := in.Context.Connection
		proto := strings.ToLower(strings.TrimSpace(c.Protocol))
		return c.Encrypted && (proto == "https" || proto == "vpn")
	}
}

func containsPHI() rules.Predicate {
	return func(in models.EvaluationInput) bool {
		return in.Data.ContainsPHI
	}
}

func highlySensitive() rules.Predicate {
	return func(in models.EvaluationInput) bool {
		return strings.EqualFold(strings.TrimSpace(in.Data.Classification), "highly_sensitive")
	}
}

func notUnderInvestigation() rules.Predicate {
	return func(in models.EvaluationInput) bool {
		return !in.Subject.UnderInvestigation
	}
}

// preconditions gate every field-granting allow rule.
func preconditions() rules.Predicate {
	return rules.And(
		providerRole(),
		needToKnow(),
		authorizedLocation(),
		secureConnection(),
		notUnderInvestigation(),
	)
}

// NewRuleSet builds the PHI field-filtering rule set. Deny rules name the
// failed precondition; allow rules contribute their role's field catalog.
func NewRuleSet() rules.Set {
	return rules.Set{
		Category: rules.CategoryHIPAA,
		Rules: []rules.Rule{
			{
				ID:     "hipaa-deny-role",
				Effect: rules.EffectDeny,
				Reason: "PHI access requires a healthcare-provider role",
				When:   rules.And(containsPHI(), rules.Not(providerRole())),
			},
			{
				ID:     "hipaa-deny-need-to-know",
				Effect: rules.EffectDeny,
				Reason: "no need-to-know relationship with this patient",
				When:   rules.And(containsPHI(), providerRole(), rules.Not(needToKnow())),
			},
			{
				ID:     "hipaa-deny-location",
				Effect: rules.EffectDeny,
				Reason: "PHI access requires the hospital network, an approved VPN, or emergency access",
				When:   rules.And(containsPHI(), rules.Not(authorizedLocation())),
			},
			{
				ID:     "hipaa-deny-connection",
				Effect: rules.EffectDeny,
				Reason: "PHI access requires an encrypted https or vpn connection",
				When:   rules.And(containsPHI(), rules.Not(secureConnection())),
			},
			{
				ID:     "hipaa-deny-investigation",
				Effect: rules.EffectDeny,
				Reason: "subjects under investigation may not access PHI",
				When:   rules.And(containsPHI(), rules.Not(notUnderInvestigation())),
			},
			{
				ID:     "hipaa-allow-clinician",
				Effect: rules.EffectAllow,
				When:   rules.And(containsPHI(), preconditions(), rules.HasAnyRole("doctor", "nurse")),
				Tags:   rules.Tags{AccessibleFields: BasicIdentityFields()},
			},
			{
				ID:     "hipaa-allow-care-team",
				Effect: rules.EffectAllow,
				When:   rules.And(containsPHI(), preconditions(), careTeamPatient()),
				Tags:   rules.Tags{AccessibleFields: CareTeamFields()},
			},
			{
				ID:     "hipaa-allow-billing",
				Effect: rules.EffectAllow,
				When:   rules.And(containsPHI(), preconditions(), rules.HasRole("billing")),
				Tags:   rules.Tags{AccessibleFields: BillingFields()},
			},
			{
				ID:     "hipaa-allow-researcher",
				Effect: rules.EffectAllow,
				When: rules.And(containsPHI(), preconditions(), rules.HasRole("researcher"),
					func(in models.EvaluationInput) bool { return in.Data.Deidentified }),
				Tags: rules.Tags{AccessibleFields: DeidentifiedFields()},
			},
			{
				ID:     "hipaa-flag-audit",
				Effect: rules.EffectFlag,
				When:   containsPHI(),
				Tags:   rules.Tags{RequiresAudit: true},
			},
			{
				ID:     "hipaa-flag-enhanced-audit",
				Effect: rules.EffectFlag,
				When: rules.And(containsPHI(), rules.Or(
					rules.EmergencyAccess(),
					rules.ActionIn(models.ActionExport, models.ActionShare),
					highlySensitive(),
				)),
				Tags: rules.Tags{RequiresEnhancedAudit: true},
			},
		},
	}
}
