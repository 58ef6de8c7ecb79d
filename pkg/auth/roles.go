package auth

import (
	"context"
	"strings"
)

// Role vocabulary. The clinical roles mirror the authorization rule set;
// the operator roles gate the administrative surface of the service.
const (
	RoleDoctor             = "doctor"
	RoleNurse              = "nurse"
	RolePhysicianAssistant = "physician_assistant"
	RoleCareTeam           = "care_team"
	RoleBilling            = "billing"
	RoleResearcher         = "researcher"
	RoleManager            = "manager"
	RoleAuditor            = "auditor"
	RoleComplianceOfficer  = "complianceofficer"
	RoleSecurityAdmin      = "securityadmin"
	RoleAnonymous          = "anonymous"
)

// GrantApproverRoles may approve, revoke, and force-expire elevation
// grants on behalf of other subjects.
func GrantApproverRoles() []string {
	return []string{RoleManager, RoleSecurityAdmin}
}

// AuditReaderRoles may read recorded decisions and the event stream.
func AuditReaderRoles() []string {
	return []string{RoleAuditor, RoleComplianceOfficer, RoleSecurityAdmin}
}

// Principal is the authenticated caller derived from token claims.
type Principal struct {
	Subject    string
	Roles      []string
	Department string
}

// HasRole compares case-insensitively so token casing never widens or
// narrows access.
func (p Principal) HasRole(role string) bool {
	want := NormalizeRole(role)
	for _, r := range p.Roles {
		if NormalizeRole(r) == want {
			return true
		}
	}
	return false
}

// HasAnyRole with an empty requirement admits any authenticated principal.
func (p Principal) HasAnyRole(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

func HasAnyRole(p Principal, required ...string) bool {
	return p.HasAnyRole(required...)
}

func NormalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

// NormalizeRoles drops empty entries and lowercases the rest. Applied
// once at token verification so downstream checks compare normal forms.
func NormalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if n := NormalizeRole(r); n != "" {
			out = append(out, n)
		}
	}
	return out
}

type contextKey string

const principalContextKey contextKey = "medgate.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
