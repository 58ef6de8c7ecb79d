package jit

import (
	"errors"
	"strings"
	"time"

	"medgate/pkg/models"
	"medgate/pkg/rules"
)

// Grant lifecycle states.
const (
	Requested       = "REQUESTED"
	PendingApproval = "PENDING_APPROVAL"
	Approved        = "APPROVED"
	Denied          = "DENIED"
	Active          = "ACTIVE"
	Expired         = "EXPIRED"
	Revoked         = "REVOKED"
)

var (
	ErrInvalidTransition = errors.New("invalid grant transition")
	ErrSelfApproval      = errors.New("requester cannot approve their own grant")
	ErrDuplicateApprover = errors.New("approver already approved this grant")
	ErrGrantConflict     = errors.New("subject already holds an active grant for this resource class")
	ErrRequesterBarred   = errors.New("requester is not eligible for elevated access")
)

func CanTransition(from, to string) bool {
	switch from {
	case Requested:
		return to == PendingApproval || to == Approved || to == Denied
	case PendingApproval:
		return to == Approved || to == Denied || to == Expired
	case Approved:
		return to == Active || to == Expired || to == Revoked
	case Active:
		return to == Expired || to == Revoked
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func IsTerminal(status string) bool {
	switch status {
	case Denied, Expired, Revoked:
		return true
	default:
		return false
	}
}

// Holding states count against the at-most-one-active-grant invariant.
func HoldsResource(status string) bool {
	return status == Approved || status == Active
}

func IsExpired(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.UTC().After(expiresAt.UTC())
}

// AutoApprovable skips the approval queue entirely: low sensitivity, short
// duration, near-zero risk, clean 30-day record.
func AutoApprovable(s models.Subject, sensitivity string, durationHours int) bool {
	return models.SensitivityRank(sensitivity) == models.SensitivityRank(models.SensitivityLow) &&
		durationHours <= 2 &&
		s.Score(rules.FallbackRiskScore) < 0.2 &&
		s.Violations30d == 0
}

// NeedsManagerApproval reports whether a human approver must sign off.
func NeedsManagerApproval(s models.Subject, sensitivity string, durationHours int) bool {
	if models.SensitivityRank(sensitivity) >= models.SensitivityRank(models.SensitivityHigh) {
		return true
	}
	if durationHours > 8 {
		return true
	}
	return s.Score(rules.FallbackRiskScore) > 0.4
}

// ApprovalsRequired: critical grants need two independent approvers,
// everything that is not auto-approvable needs one.
func ApprovalsRequired(s models.Subject, sensitivity string, durationHours int) int {
	if AutoApprovable(s, sensitivity, durationHours) {
		return 0
	}
	if models.SensitivityRank(sensitivity) == models.SensitivityRank(models.SensitivityCritical) {
		return 2
	}
	return 1
}

// RequestBarred checks the outright rejection guards on a new request.
func RequestBarred(s models.Subject) error {
	if s.Violations30d >= 3 {
		return ErrRequesterBarred
	}
	if s.Score(rules.FallbackRiskScore) > 0.7 {
		return ErrRequesterBarred
	}
	return nil
}

// MaxDurationHours is the grant-duration ceiling for this requester and
// sensitivity. Managers may hold low-sensitivity grants for a full day.
func MaxDurationHours(s models.Subject, sensitivity string) int {
	score := s.Score(rules.FallbackRiskScore)
	if score > 0.5 {
		return 2
	}
	if models.SensitivityRank(sensitivity) == models.SensitivityRank(models.SensitivityCritical) {
		return 4
	}
	if models.SensitivityRank(sensitivity) <= models.SensitivityRank(models.SensitivityMedium) && score < 0.3 {
		if s.HasRole("manager") && models.SensitivityRank(sensitivity) == models.SensitivityRank(models.SensitivityLow) {
			return 24
		}
		return 8
	}
	return 4
}

// ApproverAllowed enforces separation of duties and approver uniqueness.
// The two-manager requirement on critical grants is meaningless if one
// manager can approve twice, so identity uniqueness is checked here.
func ApproverAllowed(approver, requester string, prior []string) error {
	if strings.EqualFold(strings.TrimSpace(approver), strings.TrimSpace(requester)) {
		return ErrSelfApproval
	}
	for _, p := range prior {
		if strings.EqualFold(strings.TrimSpace(p), strings.TrimSpace(approver)) {
			return ErrDuplicateApprover
		}
	}
	return nil
}

// RevocationReason checks the emergency-revocation triggers on an active
// grant against the subject's current state. Empty means no trigger fired.
func RevocationReason(g models.Grant, s models.Subject, ctx models.Context, businessHoursOnly bool) string {
	if s.Score(rules.FallbackRiskScore) > 0.8 {
		return "risk score spiked above 0.8"
	}
	if s.SuspiciousActivity {
		return "suspicious activity detected"
	}
	if g.OriginCountry != "" && s.Location.Country != "" && !strings.EqualFold(g.OriginCountry, s.Location.Country) {
		return "location changed from the grant's original country"
	}
	if businessHoursOnly && !rules.WithinBusinessHours(ctx.Timestamp) {
		return "resource requires business hours"
	}
	return ""
}
