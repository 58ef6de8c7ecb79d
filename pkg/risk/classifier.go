package risk

import (
	"time"

	"medgate/pkg/models"
	"medgate/pkg/rules"
)

// Risk levels with their fixed score thresholds:
// low < 0.3 <= medium < 0.5 <= high < 0.7 <= critical.
const (
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelCritical = "critical"

	ThresholdMedium   = 0.3
	ThresholdHigh     = 0.5
	ThresholdCritical = 0.7
)

// Classify maps a score to a level. Pure: same input, same level.
func Classify(score float64) string {
	switch {
	case score < ThresholdMedium:
		return LevelLow
	case score < ThresholdHigh:
		return LevelMedium
	case score < ThresholdCritical:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// AnomalySignals are the individual behavior deviations; any one of them
// marks the request anomalous.
type AnomalySignals struct {
	OffBaselineHours    bool `json:"off_baseline_hours"`
	ActionBurst         bool `json:"action_burst"`
	UnfamiliarResources bool `json:"unfamiliar_resources"`
	CountryChange       bool `json:"country_change"`
	NewDevice           bool `json:"new_device"`
}

func (a AnomalySignals) Any() bool {
	return a.OffBaselineHours || a.ActionBurst || a.UnfamiliarResources || a.CountryChange || a.NewDevice
}

func (a AnomalySignals) Flags() []string {
	var flags []string
	if a.OffBaselineHours {
		flags = append(flags, "off_baseline_hours")
	}
	if a.ActionBurst {
		flags = append(flags, "action_burst")
	}
	if a.UnfamiliarResources {
		flags = append(flags, "unfamiliar_resources")
	}
	if a.CountryChange {
		flags = append(flags, "country_change")
	}
	if a.NewDevice {
		flags = append(flags, "new_device")
	}
	return flags
}

// DetectAnomaly compares the current behavior snapshot against the
// subject's baseline. Missing baseline facts never count as anomalies.
func DetectAnomaly(s models.Subject, at time.Time) AnomalySignals {
	var sig AnomalySignals
	if len(s.Baseline.TypicalHours) > 0 {
		hour := at.Hour()
		known := false
		for _, h := range s.Baseline.TypicalHours {
			if h == hour {
				known = true
				break
			}
		}
		sig.OffBaselineHours = !known
	}
	if s.Baseline.AvgActionsPerHour > 0 && s.Behavior.ActionsPerHour > 3*s.Baseline.AvgActionsPerHour {
		sig.ActionBurst = true
	}
	if len(s.Behavior.RecentResources) > 0 {
		typical := map[string]struct{}{}
		for _, r := range s.Baseline.TypicalResources {
			typical[r] = struct{}{}
		}
		unfamiliar := 0
		for _, r := range s.Behavior.RecentResources {
			if _, ok := typical[r]; !ok {
				unfamiliar++
			}
		}
		sig.UnfamiliarResources = unfamiliar > 5
	}
	if s.Baseline.Country != "" && s.Location.Country != "" && s.Baseline.Country != s.Location.Country {
		sig.CountryChange = true
	}
	if IsNewDevice(s) {
		sig.NewDevice = true
	}
	return sig
}

func IsNewDevice(s models.Subject) bool {
	if s.DeviceFingerprint == "" {
		return false
	}
	for _, d := range s.KnownDevices {
		if d == s.DeviceFingerprint {
			return false
		}
	}
	return true
}

// AdjustedScore applies the contextual adjustment terms to the base score.
// The upstream accumulates these without bounds; scores outside [0,1]
// would invert threshold comparisons, so the result is clamped here.
func AdjustedScore(s models.Subject, at time.Time) float64 {
	score := s.Score(rules.FallbackRiskScore)
	if s.FailedActionsHour > 3 {
		score += 0.2
	}
	if !rules.WithinBusinessHours(at) {
		score += 0.15
	}
	if IsNewDevice(s) {
		score += 0.1
	}
	if s.SuccessfulSessions > 100 && s.Violations30d == 0 {
		score -= 0.1
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// SessionMinutes is the non-increasing duration ladder over the score
// breakpoints: 480 -> 240 -> 120 -> 30.
func SessionMinutes(score float64) int {
	switch {
	case score >= ThresholdCritical:
		return 30
	case score >= ThresholdHigh:
		return 120
	case score >= ThresholdMedium:
		return 240
	default:
		return 480
	}
}

// AllowedActions shrinks monotonically as the score rises. Above the
// critical threshold no action is permitted.
func AllowedActions(score float64) []string {
	switch {
	case score >= ThresholdCritical:
		return nil
	case score >= ThresholdHigh:
		return []string{models.ActionRead}
	case score >= ThresholdMedium:
		return []string{models.ActionRead, models.ActionWrite}
	default:
		return []string{models.ActionRead, models.ActionWrite, models.ActionDelete, models.ActionExport, models.ActionShare}
	}
}

// RecommendedAction escalates through the same breakpoints.
func RecommendedAction(score float64) string {
	switch {
	case score >= ThresholdCritical:
		return rules.ActionBlockAccess
	case score >= ThresholdHigh:
		return rules.ActionReverification
	case score >= ThresholdMedium:
		return rules.ActionEnhancedMonitoring
	default:
		return rules.ActionNormal
	}
}

// ShouldAlert reports whether the evaluation warrants an operator alert.
func ShouldAlert(in models.EvaluationInput, anomaly bool) bool {
	score := in.Subject.Score(rules.FallbackRiskScore)
	if score >= ThresholdCritical {
		return true
	}
	if anomaly && models.SensitivityRank(in.Resource.Sensitivity) >= models.SensitivityRank(models.SensitivityHigh) {
		return true
	}
	if in.Subject.Baseline.RiskScore > 0 && score > 2*in.Subject.Baseline.RiskScore {
		return true
	}
	return false
}
