package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"medgate/pkg/models"
	"medgate/pkg/risk"
	"medgate/pkg/rules"
)

// PolicyNotLoadedReason is the deny reason emitted while no snapshot is
// installed. Evaluation fails closed rather than erroring.
const PolicyNotLoadedReason = "policy rules not loaded; failing closed"

// ScoreSource supplies a subject risk score when the request omits one.
// Implementations must bound their own latency; the engine treats any
// error as "score unavailable" and falls back.
type ScoreSource interface {
	SubjectScore(ctx context.Context, subjectID string) (float64, error)
}

// Snapshot is one immutable generation of the loaded rule sets, in
// evaluation order. A snapshot is never mutated after Load.
type Snapshot struct {
	Version  string
	LoadedAt time.Time
	Sets     []rules.Set
}

func (s *Snapshot) set(cat rules.Category) (rules.Set, bool) {
	for _, rs := range s.Sets {
		if rs.Category == cat {
			return rs, true
		}
	}
	return rules.Set{}, false
}

// Engine evaluates requests against the current snapshot. The snapshot
// pointer is swapped atomically; in-flight evaluations keep the snapshot
// they started with.
type Engine struct {
	snap   atomic.Pointer[Snapshot]
	Scores ScoreSource
	Clock  func() time.Time
}

func New(sets ...rules.Set) *Engine {
	e := &Engine{Clock: time.Now}
	if len(sets) > 0 {
		e.Load(Snapshot{Sets: sets})
	}
	return e
}

// Load installs a new snapshot. Safe to call concurrently with Evaluate.
func (e *Engine) Load(snap Snapshot) {
	if snap.LoadedAt.IsZero() {
		snap.LoadedAt = e.now()
	}
	if snap.Version == "" {
		snap.Version = uuid.New().String()
	}
	e.snap.Store(&snap)
}

// Current returns the installed snapshot, or false before the first Load.
func (e *Engine) Current() (*Snapshot, bool) {
	s := e.snap.Load()
	return s, s != nil
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

// Evaluate runs one category, or every loaded set for CategoryCombined,
// and merges the fragments. Invalid input is rejected before any rule
// runs; a missing snapshot produces a fail-closed decision, not an error.
func (e *Engine) Evaluate(ctx context.Context, cat rules.Category, in models.EvaluationInput) (models.Decision, error) {
	if err := in.Validate(); err != nil {
		return models.Decision{}, err
	}
	in = e.enrich(ctx, in)
	score := in.Subject.Score(rules.FallbackRiskScore)

	snap := e.snap.Load()
	if snap == nil {
		return models.Decision{
			DecisionID:        uuid.New().String(),
			Allow:             false,
			DenyReasons:       []string{PolicyNotLoadedReason},
			RiskLevel:         risk.Classify(score),
			RecommendedAction: rules.ActionBlockAccess,
		}, nil
	}

	var outcomes []rules.Outcome
	if cat == rules.CategoryCombined {
		for _, rs := range snap.Sets {
			outcomes = append(outcomes, rs.Evaluate(in))
		}
	} else if rs, ok := snap.set(cat); ok {
		outcomes = append(outcomes, rs.Evaluate(in))
	}

	d := Combine(outcomes...)
	d.DecisionID = uuid.New().String()
	d.RiskLevel = risk.Classify(score)
	return d, nil
}

// enrich resolves the effective risk score. A missing score is filled
// from the score source (a feed failure falls through to the 0.5
// fallback), then the contextual adjustment terms are applied so failed
// actions, off-hours requests, unknown devices, and trusted history move
// the score every rule evaluates against.
func (e *Engine) enrich(ctx context.Context, in models.EvaluationInput) models.EvaluationInput {
	if in.Subject.RiskScore == nil && e.Scores != nil {
		if score, err := e.Scores.SubjectScore(ctx, in.Subject.ID); err == nil {
			in.Subject.RiskScore = &score
		}
	}
	adjusted := risk.AdjustedScore(in.Subject, in.Context.Timestamp)
	in.Subject.RiskScore = &adjusted
	return in
}

// Combine merges rule-set fragments into one decision. Deny overrides:
// the request is allowed only when at least one allow rule matched and no
// deny rule matched anywhere. Deny reasons keep rule-set order; tags merge
// with MergeTags semantics. No matches at all is a default deny.
func Combine(outcomes ...rules.Outcome) models.Decision {
	var (
		allow bool
		deny  bool
		tags  rules.Tags
		why   []string
	)
	for _, o := range outcomes {
		allow = allow || o.AllowMatched
		deny = deny || o.DenyMatched
		why = append(why, o.DenyReasons...)
		tags = rules.MergeTags(tags, o.Tags)
	}
	if !allow && !deny {
		why = append(why, "no allow rule matched the request")
	}
	return models.Decision{
		Allow:                 allow && !deny,
		DenyReasons:           why,
		RequiresMFA:           tags.RequiresMFA,
		RequiresAudit:         tags.RequiresAudit,
		RequiresEnhancedAudit: tags.RequiresEnhancedAudit,
		RequiresApproval:      tags.RequiresApproval,
		MaxSessionMinutes:     tags.MaxSessionMinutes,
		AccessibleFields:      tags.AccessibleFields,
		RecommendedAction:     tags.RecommendedAction,
		AlertSeverity:         tags.AlertSeverity,
	}
}
