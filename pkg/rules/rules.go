package rules

import (
	"strings"
	"time"

	"medgate/pkg/models"
)

type Category string

const (
	CategoryAuthorization Category = "authorization"
	CategoryRisk          Category = "risk"
	CategoryJIT           Category = "jit"
	CategoryHIPAA         Category = "hipaa"
	CategoryCombined      Category = "combined"
)

func ParseCategory(raw string) (Category, bool) {
	switch Category(strings.ToLower(strings.TrimSpace(raw))) {
	case CategoryAuthorization:
		return CategoryAuthorization, true
	case CategoryRisk:
		return CategoryRisk, true
	case CategoryJIT:
		return CategoryJIT, true
	case CategoryHIPAA:
		return CategoryHIPAA, true
	case CategoryCombined:
		return CategoryCombined, true
	default:
		return "", false
	}
}

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
	// EffectFlag rules contribute side-effect tags without voting on the
	// allow/deny outcome.
	EffectFlag Effect = "flag"
)

// Predicate is a pure function of one immutable evaluation input.
type Predicate func(in models.EvaluationInput) bool

func And(ps ...Predicate) Predicate {
	return func(in models.EvaluationInput) bool {
		for _, p := range ps {
			if p == nil || !p(in) {
				return false
			}
		}
		return true
	}
}

func Or(ps ...Predicate) Predicate {
	return func(in models.EvaluationInput) bool {
		for _, p := range ps {
			if p != nil && p(in) {
				return true
			}
		}
		return false
	}
}

func Not(p Predicate) Predicate {
	return func(in models.EvaluationInput) bool {
		return p != nil && !p(in)
	}
}

// FallbackRiskScore is assumed when the upstream never produced a score
// and the risk feed could not be reached.
const FallbackRiskScore = 0.5

func HasRole(role string) Predicate {
	return func(in models.EvaluationInput) bool {
		return in.Subject.HasRole(role)
	}
}

func HasAnyRole(roles ...string) Predicate {
	return func(in models.EvaluationInput) bool {
		for _, r := range roles {
			if in.Subject.HasRole(r) {
				return true
			}
		}
		return false
	}
}

func RiskBelow(threshold float64) Predicate {
	return func(in models.EvaluationInput) bool {
		return in.Subject.Score(FallbackRiskScore) < threshold
	}
}

func RiskAtLeast(threshold float64) Predicate {
	return func(in models.EvaluationInput) bool {
		return in.Subject.Score(FallbackRiskScore) >= threshold
	}
}

func RiskAbove(threshold float64) Predicate {
	return func(in models.EvaluationInput) bool {
		return in.Subject.Score(FallbackRiskScore) > threshold
	}
}

func ResourceTypeIs(types ...string) Predicate {
	return func(in models.EvaluationInput) bool {
		for _, t := range types {
			if strings.EqualFold(strings.TrimSpace(in.Resource.Type), t) {
				return true
			}
		}
		return false
	}
}

func SensitivityIn(levels ...string) Predicate {
	return func(in models.EvaluationInput) bool {
		for _, l := range levels {
			if models.SensitivityRank(in.Resource.Sensitivity) == models.SensitivityRank(l) {
				return true
			}
		}
		return false
	}
}

func SensitivityAtLeast(level string) Predicate {
	return func(in models.EvaluationInput) bool {
		return models.SensitivityRank(in.Resource.Sensitivity) >= models.SensitivityRank(level)
	}
}

func ActionIn(actions ...string) Predicate {
	return func(in models.EvaluationInput) bool {
		for _, a := range actions {
			if strings.EqualFold(strings.TrimSpace(in.Action), a) {
				return true
			}
		}
		return false
	}
}

// WithinBusinessHours is the shared clinic window: weekdays 08:00-17:59
// in the timestamp's own location.
func WithinBusinessHours(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return t.Hour() >= 8 && t.Hour() < 18
}

func BusinessHours() Predicate {
	return func(in models.EvaluationInput) bool {
		return WithinBusinessHours(in.Context.Timestamp)
	}
}

func CountryIs(country string) Predicate {
	return func(in models.EvaluationInput) bool {
		return strings.EqualFold(strings.TrimSpace(in.Subject.Location.Country), country)
	}
}

func MFAVerified() Predicate {
	return func(in models.EvaluationInput) bool {
		return in.Subject.MFAVerified
	}
}

func EmergencyAccess() Predicate {
	return func(in models.EvaluationInput) bool {
		return in.Context.EmergencyAccess
	}
}

func SuspiciousActivity() Predicate {
	return func(in models.EvaluationInput) bool {
		return in.Subject.SuspiciousActivity
	}
}

func RequestRateAbove(perHour int) Predicate {
	return func(in models.EvaluationInput) bool {
		return in.Context.RequestsLastHour > perHour
	}
}

// Tags carries the side effects a matching rule contributes to the
// merged decision. Zero values contribute nothing.
type Tags struct {
	RequiresMFA           bool
	RequiresAudit         bool
	RequiresEnhancedAudit bool
	RequiresApproval      bool
	MaxSessionMinutes     int
	AccessibleFields      []string
	AlertSeverity         string
	RecommendedAction     string
}

type Rule struct {
	ID       string
	Category Category
	Effect   Effect
	// Reason is the human-readable denial text; required on deny rules.
	Reason string
	When   Predicate
	Tags   Tags
}

func (r Rule) Matches(in models.EvaluationInput) bool {
	return r.When != nil && r.When(in)
}

// Set is one immutable rule collection for a single category.
type Set struct {
	Category Category
	Rules    []Rule
}

// Outcome is the partial decision fragment one rule set contributes.
type Outcome struct {
	Category     Category
	AllowMatched bool
	DenyMatched  bool
	DenyReasons  []string
	MatchedIDs   []string
	Tags         Tags
}

// Evaluate walks the set in declaration order. Deny reasons accumulate in
// rule order; tags merge across every matching rule regardless of effect.
func (s Set) Evaluate(in models.EvaluationInput) Outcome {
	out := Outcome{Category: s.Category}
	for _, r := range s.Rules {
		if !r.Matches(in) {
			continue
		}
		out.MatchedIDs = append(out.MatchedIDs, r.ID)
		switch r.Effect {
		case EffectAllow:
			out.AllowMatched = true
		case EffectDeny:
			out.DenyMatched = true
			reason := r.Reason
			if reason == "" {
				reason = r.ID
			}
			out.DenyReasons = append(out.DenyReasons, reason)
		}
		out.Tags = MergeTags(out.Tags, r.Tags)
	}
	return out
}

// MergeTags combines two tag fragments: booleans OR, session duration takes
// the most restrictive non-zero value, accessible fields union, and the
// escalation fields keep the stronger entry.
func MergeTags(a, b Tags) Tags {
	merged := Tags{
		RequiresMFA:           a.RequiresMFA || b.RequiresMFA,
		RequiresAudit:         a.RequiresAudit || b.RequiresAudit,
		RequiresEnhancedAudit: a.RequiresEnhancedAudit || b.RequiresEnhancedAudit,
		RequiresApproval:      a.RequiresApproval || b.RequiresApproval,
		MaxSessionMinutes:     minNonZero(a.MaxSessionMinutes, b.MaxSessionMinutes),
		AccessibleFields:      UnionFields(a.AccessibleFields, b.AccessibleFields),
	}
	merged.AlertSeverity = strongerSeverity(a.AlertSeverity, b.AlertSeverity)
	merged.RecommendedAction = strongerAction(a.RecommendedAction, b.RecommendedAction)
	return merged
}

func minNonZero(a, b int) int {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

// UnionFields merges field lists preserving first-seen order.
func UnionFields(lists ...[]string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, list := range lists {
		for _, f := range list {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			key := strings.ToLower(f)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}

// Recommended actions ordered from benign to blocking.
const (
	ActionNormal             = "normal"
	ActionEnhancedMonitoring = "enhanced_monitoring"
	ActionReverification     = "require_reverification"
	ActionBlockAccess        = "block_access"
)

func actionRank(a string) int {
	switch a {
	case ActionBlockAccess:
		return 3
	case ActionReverification:
		return 2
	case ActionEnhancedMonitoring:
		return 1
	case ActionNormal:
		return 0
	default:
		return -1
	}
}

func strongerAction(a, b string) string {
	if actionRank(b) > actionRank(a) {
		return b
	}
	return a
}

func severityRank(s string) int {
	switch strings.ToLower(s) {
	case "critical":
		return 3
	case "high":
		return 2
	case "medium":
		return 1
	case "low":
		return 0
	default:
		return -1
	}
}

func strongerSeverity(a, b string) string {
	if severityRank(b) > severityRank(a) {
		return b
	}
	return a
}
