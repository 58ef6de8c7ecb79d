package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Actions map 1:1 from the caller's verb.
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
	ActionExport = "export"
	ActionShare  = "share"
)

// Resource sensitivity classes, ordered.
const (
	SensitivityLow      = "low"
	SensitivityMedium   = "medium"
	SensitivityHigh     = "high"
	SensitivityCritical = "critical"
)

var ErrInvalidInput = errors.New("invalid evaluation input")

// SensitivityRank orders sensitivity classes; unknown values rank highest
// so a malformed input is treated as most restricted, not least.
func SensitivityRank(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case SensitivityLow:
		return 0
	case SensitivityMedium:
		return 1
	case SensitivityHigh:
		return 2
	case SensitivityCritical:
		return 3
	default:
		return 4
	}
}

func ValidSensitivity(s string) bool {
	return SensitivityRank(s) <= 3
}

func ValidAction(a string) bool {
	switch strings.ToLower(strings.TrimSpace(a)) {
	case ActionRead, ActionWrite, ActionDelete, ActionExport, ActionShare:
		return true
	default:
		return false
	}
}

type Location struct {
	Country string `json:"country"`
	IP      string `json:"ip,omitempty"`
}

// BehaviorBaseline is the learned profile the risk classifier compares
// a subject's current behavior against.
type BehaviorBaseline struct {
	TypicalHours      []int    `json:"typical_hours,omitempty"`
	TypicalResources  []string `json:"typical_resources,omitempty"`
	AvgActionsPerHour float64  `json:"avg_actions_per_hour,omitempty"`
	Country           string   `json:"country,omitempty"`
	RiskScore         float64  `json:"risk_score,omitempty"`
}

type BehaviorSnapshot struct {
	ActionsPerHour  float64  `json:"actions_per_hour,omitempty"`
	RecentResources []string `json:"recent_resources,omitempty"`
}

type Subject struct {
	ID                 string           `json:"id"`
	Roles              []string         `json:"roles"`
	RiskScore          *float64         `json:"risk_score,omitempty"`
	MFAVerified        bool             `json:"mfa_verified"`
	Location           Location         `json:"location"`
	DeviceFingerprint  string           `json:"device_fingerprint,omitempty"`
	KnownDevices       []string         `json:"known_devices,omitempty"`
	Baseline           BehaviorBaseline `json:"behavior_baseline"`
	Behavior           BehaviorSnapshot `json:"current_behavior"`
	FailedAttempts     int              `json:"failed_attempts,omitempty"`
	FailedActionsHour  int              `json:"failed_actions_last_hour,omitempty"`
	Violations30d      int              `json:"policy_violations_last_30_days,omitempty"`
	SuccessfulSessions int              `json:"successful_sessions,omitempty"`
	UnderInvestigation bool             `json:"under_investigation,omitempty"`
	SuspiciousActivity bool             `json:"suspicious_activity_detected,omitempty"`
	AssignedPatients   []string         `json:"assigned_patients,omitempty"`
	CareTeamPatients   []string         `json:"care_team_patients,omitempty"`
	ActiveGrantIDs     []string         `json:"active_jit_grants,omitempty"`
}

// HasRole reports whether the subject carries the role, case-insensitively.
func (s Subject) HasRole(role string) bool {
	for _, r := range s.Roles {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}

// Score returns the subject's risk score, or the safe default when the
// upstream never supplied one.
func (s Subject) Score(fallback float64) float64 {
	if s.RiskScore == nil {
		return fallback
	}
	return *s.RiskScore
}

type Resource struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	Sensitivity string `json:"sensitivity"`
	PatientID   string `json:"patient_id,omitempty"`
}

type Connection struct {
	Encrypted       bool   `json:"encrypted"`
	Protocol        string `json:"protocol,omitempty"`
	VPNConnected    bool   `json:"vpn_connected,omitempty"`
	VPNApproved     bool   `json:"vpn_approved,omitempty"`
	HospitalNetwork bool   `json:"hospital_network,omitempty"`
}

// Context carries per-request facts. Timestamp is injected by the caller;
// rule bodies never read the wall clock.
type Context struct {
	Timestamp             time.Time  `json:"timestamp"`
	IP                    string     `json:"ip,omitempty"`
	Connection            Connection `json:"connection"`
	EmergencyAccess       bool       `json:"emergency_access,omitempty"`
	BusinessJustification string     `json:"business_justification,omitempty"`
	RequestsLastHour      int        `json:"requests_last_hour,omitempty"`
}

// DataClass describes the payload behind the resource for HIPAA rules.
type DataClass struct {
	ContainsPHI    bool   `json:"contains_phi,omitempty"`
	Classification string `json:"classification,omitempty"`
	Deidentified   bool   `json:"deidentified,omitempty"`
}

type Disclosure struct {
	Purpose        string `json:"purpose,omitempty"`
	IRBApproved    bool   `json:"irb_approved,omitempty"`
	PatientConsent bool   `json:"patient_consent,omitempty"`
}

// JITRequest carries the extra facts a jit-category evaluation needs.
type JITRequest struct {
	DurationHours     int  `json:"duration_hours,omitempty"`
	ExistingApprovals int  `json:"existing_approvals,omitempty"`
	HasActiveGrant    bool `json:"has_active_grant,omitempty"`
}

// EvaluationInput is one immutable snapshot; rule sets never mutate it.
type EvaluationInput struct {
	Subject    Subject    `json:"subject"`
	Resource   Resource   `json:"resource"`
	Action     string     `json:"action"`
	Context    Context    `json:"context"`
	Data       DataClass  `json:"data,omitempty"`
	Disclosure Disclosure `json:"disclosure,omitempty"`
	JIT        JITRequest `json:"request,omitempty"`
}

// Validate rejects structurally incomplete inputs before any rule runs.
func (in EvaluationInput) Validate() error {
	if strings.TrimSpace(in.Subject.ID) == "" {
		return fmt.Errorf("%w: subject.id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Resource.Type) == "" {
		return fmt.Errorf("%w: resource.type is required", ErrInvalidInput)
	}
	if !ValidSensitivity(in.Resource.Sensitivity) {
		return fmt.Errorf("%w: resource.sensitivity must be low|medium|high|critical", ErrInvalidInput)
	}
	if !ValidAction(in.Action) {
		return fmt.Errorf("%w: action must be read|write|delete|export|share", ErrInvalidInput)
	}
	if in.Context.Timestamp.IsZero() {
		return fmt.Errorf("%w: context.timestamp is required", ErrInvalidInput)
	}
	if in.Subject.RiskScore != nil {
		if v := *in.Subject.RiskScore; v < 0 || v > 1 {
			return fmt.Errorf("%w: subject.risk_score must be within [0,1]", ErrInvalidInput)
		}
	}
	return nil
}

// Decision is the merged outcome of an evaluation. Allow is false whenever
// DenyReasons is non-empty; the combinator enforces deny-overrides.
type Decision struct {
	DecisionID            string   `json:"decision_id,omitempty"`
	Allow                 bool     `json:"allow"`
	DenyReasons           []string `json:"deny_reasons,omitempty"`
	RequiresMFA           bool     `json:"requires_mfa"`
	RequiresAudit         bool     `json:"requires_audit,omitempty"`
	RequiresEnhancedAudit bool     `json:"requires_enhanced_audit"`
	RequiresApproval      bool     `json:"requires_approval,omitempty"`
	MaxSessionMinutes     int      `json:"max_session_duration_minutes,omitempty"`
	RiskLevel             string   `json:"risk_level,omitempty"`
	AccessibleFields      []string `json:"accessible_fields,omitempty"`
	RecommendedAction     string   `json:"recommended_action,omitempty"`
	AlertSeverity         string   `json:"alert_severity,omitempty"`
}

// Grant is one just-in-time elevation record. Status transitions are owned
// by pkg/jit; expired and revoked grants are retained for audit.
type Grant struct {
	ID            string     `json:"id"`
	SubjectID     string     `json:"subject_id"`
	ResourceType  string     `json:"resource_type"`
	ResourceID    string     `json:"resource_id,omitempty"`
	Sensitivity   string     `json:"sensitivity"`
	Status        string     `json:"status"`
	DurationHours int        `json:"duration_hours"`
	MaxHours      int        `json:"max_duration_hours"`
	ApprovalsReq  int        `json:"approvals_required"`
	OriginCountry string     `json:"origin_country,omitempty"`
	Justification string     `json:"business_justification,omitempty"`
	Approvers     []string   `json:"approvers,omitempty"`
	RequestedAt   time.Time  `json:"requested_at"`
	ExpiresAt     time.Time  `json:"expires_at,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokeReason  string     `json:"revoke_reason,omitempty"`
}
