package jit

import (
	"errors"
	"testing"
	"time"

	"medgate/pkg/models"
)

func requester(score float64, violations int, roles ...string) models.Subject {
	return models.Subject{
		ID:            "u-1",
		Roles:         roles,
		RiskScore:     &score,
		Violations30d: violations,
		Location:      models.Location{Country: "US"},
	}
}

func TestTransitions(t *testing.T) {
	allowed := [][2]string{
		{Requested, PendingApproval},
		{Requested, Approved},
		{Requested, Denied},
		{PendingApproval, Approved},
		{PendingApproval, Denied},
		{PendingApproval, Expired},
		{Approved, Active},
		{Approved, Revoked},
		{Active, Expired},
		{Active, Revoked},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s->%s to be allowed", pair[0], pair[1])
		}
	}
	denied := [][2]string{
		{Requested, Active},
		{Active, Approved},
		{Revoked, Active},
		{Expired, Approved},
		{Denied, PendingApproval},
	}
	for _, pair := range denied {
		if CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s->%s to be rejected", pair[0], pair[1])
		}
	}
	if _, err := Transition(Active, Approved); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if !IsTerminal(Denied) || !IsTerminal(Expired) || !IsTerminal(Revoked) {
		t.Fatal("terminal statuses misclassified")
	}
	if IsTerminal(Active) || IsTerminal(PendingApproval) {
		t.Fatal("live statuses must not be terminal")
	}
	if !HoldsResource(Approved) || !HoldsResource(Active) || HoldsResource(PendingApproval) {
		t.Fatal("only approved and active grants hold the resource")
	}
}

func TestAutoApprovable(t *testing.T) {
	if !AutoApprovable(requester(0.1, 0), models.SensitivityLow, 1) {
		t.Fatal("clean low-risk short low-sensitivity request must auto-approve")
	}
	cases := map[string]bool{
		"sensitivity": AutoApprovable(requester(0.1, 0), models.SensitivityMedium, 1),
		"duration":    AutoApprovable(requester(0.1, 0), models.SensitivityLow, 3),
		"risk":        AutoApprovable(requester(0.25, 0), models.SensitivityLow, 1),
		"violations":  AutoApprovable(requester(0.1, 1), models.SensitivityLow, 1),
	}
	for name, got := range cases {
		if got {
			t.Fatalf("%s condition must block auto-approval", name)
		}
	}
}

func TestApprovalRequirements(t *testing.T) {
	if NeedsManagerApproval(requester(0.1, 0), models.SensitivityLow, 4) {
		t.Fatal("short low-sensitivity low-risk request needs no manager")
	}
	if !NeedsManagerApproval(requester(0.1, 0), models.SensitivityHigh, 1) {
		t.Fatal("high sensitivity needs a manager")
	}
	if !NeedsManagerApproval(requester(0.1, 0), models.SensitivityLow, 9) {
		t.Fatal("duration above 8h needs a manager")
	}
	if !NeedsManagerApproval(requester(0.45, 0), models.SensitivityLow, 1) {
		t.Fatal("risk above 0.4 needs a manager")
	}
	if got := ApprovalsRequired(requester(0.1, 0), models.SensitivityCritical, 1); got != 2 {
		t.Fatalf("critical grants need 2 approvers, got %d", got)
	}
	if got := ApprovalsRequired(requester(0.1, 0), models.SensitivityLow, 1); got != 0 {
		t.Fatalf("auto-approvable request needs 0 approvers, got %d", got)
	}
	if got := ApprovalsRequired(requester(0.3, 0), models.SensitivityMedium, 4); got != 1 {
		t.Fatalf("standard request needs 1 approver, got %d", got)
	}
}

func TestRequestBarred(t *testing.T) {
	if err := RequestBarred(requester(0.2, 0)); err != nil {
		t.Fatalf("clean requester must pass: %v", err)
	}
	if err := RequestBarred(requester(0.2, 3)); !errors.Is(err, ErrRequesterBarred) {
		t.Fatalf("expected violations bar, got %v", err)
	}
	if err := RequestBarred(requester(0.75, 0)); !errors.Is(err, ErrRequesterBarred) {
		t.Fatalf("expected risk bar, got %v", err)
	}
}

func TestMaxDurationHours(t *testing.T) {
	if got := MaxDurationHours(requester(0.6, 0), models.SensitivityLow); got != 2 {
		t.Fatalf("risk above 0.5 caps at 2h, got %d", got)
	}
	if got := MaxDurationHours(requester(0.2, 0), models.SensitivityCritical); got != 4 {
		t.Fatalf("critical sensitivity caps at 4h, got %d", got)
	}
	if got := MaxDurationHours(requester(0.2, 0), models.SensitivityMedium); got != 8 {
		t.Fatalf("low-risk medium sensitivity caps at 8h, got %d", got)
	}
	if got := MaxDurationHours(requester(0.2, 0, "manager"), models.SensitivityLow); got != 24 {
		t.Fatalf("managers extend low-sensitivity grants to 24h, got %d", got)
	}
	if got := MaxDurationHours(requester(0.35, 0), models.SensitivityMedium); got != 4 {
		t.Fatalf("mid-risk request defaults to 4h, got %d", got)
	}
}

func TestApproverAllowed(t *testing.T) {
	if err := ApproverAllowed("mgr-1", "u-1", nil); err != nil {
		t.Fatalf("distinct approver must pass: %v", err)
	}
	if err := ApproverAllowed("u-1", "u-1", nil); !errors.Is(err, ErrSelfApproval) {
		t.Fatalf("expected self-approval error, got %v", err)
	}
	if err := ApproverAllowed("MGR-1", "u-1", []string{"mgr-1"}); !errors.Is(err, ErrDuplicateApprover) {
		t.Fatalf("same manager twice must fail, got %v", err)
	}
}

func TestRevocationReason(t *testing.T) {
	g := models.Grant{OriginCountry: "US"}
	inHours := models.Context{Timestamp: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)}
	night := models.Context{Timestamp: time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC)}

	if got := RevocationReason(g, requester(0.2, 0), inHours, false); got != "" {
		t.Fatalf("quiet grant must not revoke: %q", got)
	}
	if got := RevocationReason(g, requester(0.85, 0), inHours, false); got == "" {
		t.Fatal("risk spike above 0.8 must revoke")
	}
	s := requester(0.2, 0)
	s.SuspiciousActivity = true
	if got := RevocationReason(g, s, inHours, false); got == "" {
		t.Fatal("suspicious activity must revoke")
	}
	s = requester(0.2, 0)
	s.Location.Country = "DE"
	if got := RevocationReason(g, s, inHours, false); got == "" {
		t.Fatal("country change must revoke")
	}
	if got := RevocationReason(g, requester(0.2, 0), night, true); got == "" {
		t.Fatal("business-hours-only resource must revoke at night")
	}
}
