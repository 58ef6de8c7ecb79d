package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends decision records to the audit trail. When Redact is set,
// direct identifiers in the stored input are replaced with salted hashes
// before the row is written; the verdict and reasons stay in the clear.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one evaluated decision as persisted. InputRaw and DecisionRaw
// hold the JSON request and response; Enhanced marks records written under
// the enhanced-audit flag (emergency access, export-class actions).
type Record struct {
	DecisionID    string
	Category      string
	SubjectIDHash string
	Verdict       string
	DenyReasons   []string
	RiskLevel     string
	InputRaw      json.RawMessage
	DecisionRaw   json.RawMessage
	PolicyVersion string
	Enhanced      bool
	CreatedAt     time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.SubjectIDHash == "" {
		rec.SubjectIDHash = subjectHashFromInput(rec.InputRaw, w.HashSalt)
	}
	if w.Redact {
		rec.InputRaw = RedactInput(rec.InputRaw, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_decisions
		(decision_id, category, subject_id_hash, verdict, deny_reasons, risk_level, input_raw, decision_raw, policy_version, enhanced, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, rec.DecisionID, rec.Category, rec.SubjectIDHash, rec.Verdict, rec.DenyReasons, rec.RiskLevel, rec.InputRaw, rec.DecisionRaw, rec.PolicyVersion, rec.Enhanced, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, decisionID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, category, subject_id_hash, verdict, deny_reasons, risk_level, input_raw, decision_raw, policy_version, enhanced, created_at
		FROM audit_decisions WHERE decision_id=$1
	`, decisionID)
	err := row.Scan(&rec.DecisionID, &rec.Category, &rec.SubjectIDHash, &rec.Verdict, &rec.DenyReasons, &rec.RiskLevel,
		&rec.InputRaw, &rec.DecisionRaw, &rec.PolicyVersion, &rec.Enhanced, &rec.CreatedAt)
	return rec, err
}

// Verdict strings stored with each record.
const (
	VerdictAllow = "allow"
	VerdictDeny  = "deny"
)

func VerdictFor(allow bool) string {
	if allow {
		return VerdictAllow
	}
	return VerdictDeny
}
