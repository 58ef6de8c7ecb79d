package rules

import (
	"testing"
	"time"

	"medgate/pkg/models"
)

func input(mutate func(*models.EvaluationInput)) models.EvaluationInput {
	score := 0.2
	in := models.EvaluationInput{
		Subject: models.Subject{
			ID:        "u-1",
			Roles:     []string{"doctor"},
			RiskScore: &score,
			Location:  models.Location{Country: "US"},
		},
		Resource: models.Resource{Type: "patient_record", Sensitivity: models.SensitivityMedium},
		Action:   models.ActionRead,
		Context:  models.Context{Timestamp: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)},
	}
	if mutate != nil {
		mutate(&in)
	}
	return in
}

func TestCombinators(t *testing.T) {
	yes := Predicate(func(models.EvaluationInput) bool { return true })
	no := Predicate(func(models.EvaluationInput) bool { return false })
	in := input(nil)
	if !And(yes, yes)(in) || And(yes, no)(in) {
		t.Fatal("And misbehaves")
	}
	if !Or(no, yes)(in) || Or(no, no)(in) {
		t.Fatal("Or misbehaves")
	}
	if Not(yes)(in) || !Not(no)(in) {
		t.Fatal("Not misbehaves")
	}
	if And(nil)(in) {
		t.Fatal("nil predicate must not match inside And")
	}
	if Not(nil)(in) {
		t.Fatal("Not(nil) must not match")
	}
}

func TestRiskThresholdPredicates(t *testing.T) {
	in := input(nil)
	if !RiskBelow(0.3)(in) || RiskAtLeast(0.3)(in) || RiskAbove(0.2)(in) {
		t.Fatal("threshold comparisons wrong for score 0.2")
	}
	in = input(func(i *models.EvaluationInput) { i.Subject.RiskScore = nil })
	if RiskBelow(0.5)(in) {
		t.Fatal("missing score must fall back to 0.5, so RiskBelow(0.5) is false")
	}
	if !RiskAtLeast(0.5)(in) {
		t.Fatal("fallback score must satisfy RiskAtLeast(0.5)")
	}
}

func TestBusinessHoursWindow(t *testing.T) {
	cases := []struct {
		at   time.Time
		want bool
	}{
		{time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC), true},   // Wednesday 08:00
		{time.Date(2026, 3, 4, 17, 59, 0, 0, time.UTC), true}, // Wednesday 17:59
		{time.Date(2026, 3, 4, 18, 0, 0, 0, time.UTC), false}, // Wednesday 18:00
		{time.Date(2026, 3, 4, 7, 59, 0, 0, time.UTC), false}, // Wednesday early
		{time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC), false}, // Saturday
		{time.Date(2026, 3, 8, 10, 0, 0, 0, time.UTC), false}, // Sunday
	}
	for _, tc := range cases {
		if got := WithinBusinessHours(tc.at); got != tc.want {
			t.Fatalf("WithinBusinessHours(%s)=%v, want %v", tc.at, got, tc.want)
		}
	}
}

func TestTypedPredicates(t *testing.T) {
	in := input(nil)
	if !HasRole("doctor")(in) || HasRole("manager")(in) {
		t.Fatal("HasRole mismatch")
	}
	if !HasAnyRole("nurse", "doctor")(in) || HasAnyRole("nurse", "billing")(in) {
		t.Fatal("HasAnyRole mismatch")
	}
	if !ResourceTypeIs("patient_record")(in) || ResourceTypeIs("financial_data")(in) {
		t.Fatal("ResourceTypeIs mismatch")
	}
	if !SensitivityIn(models.SensitivityMedium)(in) || SensitivityIn(models.SensitivityHigh)(in) {
		t.Fatal("SensitivityIn mismatch")
	}
	if !SensitivityAtLeast(models.SensitivityLow)(in) || SensitivityAtLeast(models.SensitivityHigh)(in) {
		t.Fatal("SensitivityAtLeast mismatch")
	}
	if !ActionIn(models.ActionRead, models.ActionWrite)(in) || ActionIn(models.ActionDelete)(in) {
		t.Fatal("ActionIn mismatch")
	}
	if !CountryIs("us")(in) || CountryIs("DE")(in) {
		t.Fatal("CountryIs mismatch")
	}
	if MFAVerified()(in) || EmergencyAccess()(in) || SuspiciousActivity()(in) {
		t.Fatal("boolean fact predicates must be false on default input")
	}
	if RequestRateAbove(1000)(in) {
		t.Fatal("request rate predicate must be false at zero")
	}
	in = input(func(i *models.EvaluationInput) { i.Context.RequestsLastHour = 1001 })
	if !RequestRateAbove(1000)(in) {
		t.Fatal("request rate predicate must fire above limit")
	}
}

func TestSetEvaluateDenyOverridesAndTagMerge(t *testing.T) {
	set := Set{
		Category: CategoryAuthorization,
		Rules: []Rule{
			{ID: "allow-any", Effect: EffectAllow, When: func(models.EvaluationInput) bool { return true },
				Tags: Tags{MaxSessionMinutes: 240, AccessibleFields: []string{"name", "dob"}}},
			{ID: "deny-risky", Effect: EffectDeny, Reason: "risk too high", When: func(models.EvaluationInput) bool { return true },
				Tags: Tags{RequiresMFA: true, MaxSessionMinutes: 30}},
			{ID: "flag-audit", Effect: EffectFlag, When: func(models.EvaluationInput) bool { return true },
				Tags: Tags{RequiresEnhancedAudit: true, AccessibleFields: []string{"dob", "mrn"}}},
			{ID: "never", Effect: EffectDeny, Reason: "unreachable", When: func(models.EvaluationInput) bool { return false }},
		},
	}
	out := set.Evaluate(input(nil))
	if !out.AllowMatched || !out.DenyMatched {
		t.Fatalf("expected both allow and deny matches, got %+v", out)
	}
	if len(out.DenyReasons) != 1 || out.DenyReasons[0] != "risk too high" {
		t.Fatalf("unexpected deny reasons: %v", out.DenyReasons)
	}
	if !out.Tags.RequiresMFA || !out.Tags.RequiresEnhancedAudit {
		t.Fatalf("boolean tags must OR-combine: %+v", out.Tags)
	}
	if out.Tags.MaxSessionMinutes != 30 {
		t.Fatalf("session duration must take the minimum, got %d", out.Tags.MaxSessionMinutes)
	}
	want := []string{"name", "dob", "mrn"}
	if len(out.Tags.AccessibleFields) != len(want) {
		t.Fatalf("fields must union without duplicates: %v", out.Tags.AccessibleFields)
	}
	for i, f := range want {
		if out.Tags.AccessibleFields[i] != f {
			t.Fatalf("fields must preserve first-seen order: %v", out.Tags.AccessibleFields)
		}
	}
}

func TestMergeTagsEscalation(t *testing.T) {
	merged := MergeTags(
		Tags{RecommendedAction: ActionEnhancedMonitoring, AlertSeverity: "medium"},
		Tags{RecommendedAction: ActionBlockAccess, AlertSeverity: "low"},
	)
	if merged.RecommendedAction != ActionBlockAccess {
		t.Fatalf("expected block_access to win, got %s", merged.RecommendedAction)
	}
	if merged.AlertSeverity != "medium" {
		t.Fatalf("expected medium severity to win, got %s", merged.AlertSeverity)
	}
	if got := MergeTags(Tags{MaxSessionMinutes: 120}, Tags{}).MaxSessionMinutes; got != 120 {
		t.Fatalf("zero duration must not shrink the merge, got %d", got)
	}
}

func TestParseCategory(t *testing.T) {
	for _, raw := range []string{"authorization", " Risk ", "jit", "HIPAA", "combined"} {
		if _, ok := ParseCategory(raw); !ok {
			t.Fatalf("expected %q to parse", raw)
		}
	}
	if _, ok := ParseCategory("rbac"); ok {
		t.Fatal("unknown category must not parse")
	}
}
