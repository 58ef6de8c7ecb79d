package jit

import (
	"testing"
	"time"

	"medgate/pkg/models"
)

func elevationInput(score float64, violations, durationHours int) models.EvaluationInput {
	return models.EvaluationInput{
		Subject:  requester(score, violations),
		Resource: models.Resource{Type: "lab_result", Sensitivity: models.SensitivityLow},
		Action:   models.ActionRead,
		Context:  models.Context{Timestamp: time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)},
		JIT:      models.JITRequest{DurationHours: durationHours},
	}
}

func TestRuleSetAllowsGrantRequests(t *testing.T) {
	set := NewRuleSet()

	out := set.Evaluate(elevationInput(0.1, 0, 2))
	if !out.AllowMatched || out.DenyMatched {
		t.Fatalf("clean short elevation request must be allowed: %+v", out)
	}

	out = set.Evaluate(elevationInput(0.5, 1, 4))
	if !out.AllowMatched {
		t.Fatalf("eligible requester must match the request allow rule: %+v", out)
	}
	if !out.Tags.RequiresApproval {
		t.Fatal("non-auto-approvable request must carry the approval flag")
	}
}

func TestRuleSetIgnoresPlainAccessRequests(t *testing.T) {
	set := NewRuleSet()

	in := elevationInput(0.6, 0, 0)
	in.Resource = models.Resource{Type: "patient_record", Sensitivity: models.SensitivityHigh}
	out := set.Evaluate(in)
	if out.AllowMatched {
		t.Fatalf("a request without elevation facts must not match allow rules: %+v", out)
	}
	if out.Tags.RequiresApproval {
		t.Fatal("approval flag belongs to grant requests only")
	}
	if out.DenyMatched {
		t.Fatalf("no deny guard applies here: %v", out.DenyReasons)
	}
}

func TestRuleSetDenyGuards(t *testing.T) {
	set := NewRuleSet()

	in := elevationInput(0.2, 0, 2)
	in.JIT.HasActiveGrant = true
	out := set.Evaluate(in)
	if !out.DenyMatched {
		t.Fatal("an active grant must deny a second elevation")
	}

	if out := set.Evaluate(elevationInput(0.2, 3, 2)); !out.DenyMatched {
		t.Fatal("three violations must deny elevation")
	}
	// Deny guards are not gated on elevation facts.
	barred := elevationInput(0.8, 0, 0)
	if out := set.Evaluate(barred); !out.DenyMatched {
		t.Fatal("risk above 0.7 must deny regardless of elevation facts")
	}
}
