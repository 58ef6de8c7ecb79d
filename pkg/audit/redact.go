package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"medgate/pkg/models"
)

// RedactInput replaces the direct identifiers in a stored evaluation input
// with salted hashes. Rule-relevant facts (roles, scores, sensitivity,
// connection state) survive so a record can still be replayed against a
// policy snapshot.
func RedactInput(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var in models.EvaluationInput
	if err := json.Unmarshal(raw, &in); err != nil {
		payload := map[string]interface{}{
			"input_hash":      hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(payload)
		return b
	}
	redacted := map[string]interface{}{
		"subject": map[string]interface{}{
			"id_hash":                 hashString(in.Subject.ID, salt),
			"roles":                   in.Subject.Roles,
			"risk_score":              in.Subject.RiskScore,
			"mfa_verified":            in.Subject.MFAVerified,
			"country":                 in.Subject.Location.Country,
			"device_hash":             hashString(in.Subject.DeviceFingerprint, salt),
			"violations_30d":          in.Subject.Violations30d,
			"under_investigation":     in.Subject.UnderInvestigation,
			"assigned_patient_hashes": hashStrings(in.Subject.AssignedPatients, salt),
		},
		"resource": map[string]interface{}{
			"type":            in.Resource.Type,
			"id_hash":         hashString(in.Resource.ID, salt),
			"sensitivity":     in.Resource.Sensitivity,
			"patient_id_hash": hashString(in.Resource.PatientID, salt),
		},
		"action": in.Action,
		"context": map[string]interface{}{
			"timestamp":        in.Context.Timestamp,
			"ip_hash":          hashString(in.Context.IP, salt),
			"connection":       in.Context.Connection,
			"emergency_access": in.Context.EmergencyAccess,
		},
		"data": in.Data,
	}
	b, _ := json.Marshal(redacted)
	return b
}

// subjectHashFromInput pulls the subject id out of a raw evaluation input
// and hashes it for the indexed column.
func subjectHashFromInput(raw json.RawMessage, salt []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var envelope struct {
		Subject struct {
			ID string `json:"id"`
		} `json:"subject"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ""
	}
	return hashString(envelope.Subject.ID, salt)
}

func hashStrings(values []string, salt []byte) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, hashString(v, salt))
	}
	return out
}

func hashString(v string, salt []byte) string {
	if v == "" {
		return ""
	}
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
