package jit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"medgate/pkg/models"
)

type grantDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGTracker persists grants in Postgres. The at-most-one-active-grant
// invariant is enforced twice: a SELECT ... FOR UPDATE precondition inside
// the create transaction, and a partial unique index as a backstop.
type PGTracker struct {
	DB    grantDB
	Clock func() time.Time
}

func NewPGTracker(db grantDB) *PGTracker {
	return &PGTracker{DB: db, Clock: time.Now}
}

func (t *PGTracker) now() time.Time {
	if t.Clock != nil {
		return t.Clock().UTC()
	}
	return time.Now().UTC()
}

func (t *PGTracker) Request(ctx context.Context, sub models.Subject, res models.Resource, durationHours int, justification string) (models.Grant, error) {
	if durationHours <= 0 {
		return models.Grant{}, fmt.Errorf("%w: duration_hours must be positive", models.ErrInvalidInput)
	}
	if err := RequestBarred(sub); err != nil {
		return models.Grant{}, err
	}
	ceiling := MaxDurationHours(sub, res.Sensitivity)
	if durationHours > ceiling {
		durationHours = ceiling
	}
	required := ApprovalsRequired(sub, res.Sensitivity, durationHours)
	status := PendingApproval
	if required == 0 {
		status = Approved
	}
	g := models.Grant{
		ID:            uuid.New().String(),
		SubjectID:     sub.ID,
		ResourceType:  res.Type,
		ResourceID:    res.ID,
		Sensitivity:   res.Sensitivity,
		Status:        status,
		DurationHours: durationHours,
		MaxHours:      ceiling,
		ApprovalsReq:  required,
		OriginCountry: sub.Location.Country,
		Justification: justification,
		RequestedAt:   t.now(),
	}
	tx, err := t.DB.Begin(ctx)
	if err != nil {
		return models.Grant{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id FROM jit_grants
		WHERE subject_id=$1 AND resource_type=$2 AND status IN ('APPROVED','ACTIVE')
		FOR UPDATE
	`, sub.ID, res.Type)
	if err != nil {
		return models.Grant{}, err
	}
	conflict := rows.Next()
	rows.Close()
	if conflict {
		return models.Grant{}, ErrGrantConflict
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO jit_grants
		(id, subject_id, resource_type, resource_id, sensitivity, status, duration_hours, max_duration_hours, approvals_required, origin_country, justification, requested_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, g.ID, g.SubjectID, g.ResourceType, g.ResourceID, g.Sensitivity, g.Status, g.DurationHours, g.MaxHours, g.ApprovalsReq, g.OriginCountry, g.Justification, g.RequestedAt); err != nil {
		if isUniqueViolation(err) {
			return models.Grant{}, ErrGrantConflict
		}
		return models.Grant{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Grant{}, err
	}
	return g, nil
}

func (t *PGTracker) Approve(ctx context.Context, grantID, approver string) (models.Grant, error) {
	tx, err := t.DB.Begin(ctx)
	if err != nil {
		return models.Grant{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	g, err := scanGrant(tx.QueryRow(ctx, selectGrantSQL+` WHERE g.id=$1 FOR UPDATE OF g`, grantID))
	if err != nil {
		return models.Grant{}, err
	}
	if g.Status != PendingApproval && g.Status != Requested {
		return g, ErrInvalidTransition
	}
	if err := ApproverAllowed(approver, g.SubjectID, g.Approvers); err != nil {
		return g, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO jit_grant_approvals(grant_id, approver) VALUES ($1,$2)
	`, grantID, approver); err != nil {
		if isUniqueViolation(err) {
			return g, ErrDuplicateApprover
		}
		return g, err
	}
	g.Approvers = append(g.Approvers, approver)
	if len(g.Approvers) >= g.ApprovalsReq {
		if _, err := tx.Exec(ctx, `UPDATE jit_grants SET status=$2 WHERE id=$1`, grantID, Approved); err != nil {
			return g, err
		}
		g.Status = Approved
	}
	if err := tx.Commit(ctx); err != nil {
		return g, err
	}
	return g, nil
}

func (t *PGTracker) Activate(ctx context.Context, grantID string) (models.Grant, error) {
	tx, err := t.DB.Begin(ctx)
	if err != nil {
		return models.Grant{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	g, err := scanGrant(tx.QueryRow(ctx, selectGrantSQL+` WHERE g.id=$1 FOR UPDATE OF g`, grantID))
	if err != nil {
		return models.Grant{}, err
	}
	next, err := Transition(g.Status, Active)
	if err != nil {
		return g, err
	}
	expiresAt := t.now().Add(time.Duration(g.DurationHours) * time.Hour)
	if _, err := tx.Exec(ctx, `UPDATE jit_grants SET status=$2, expires_at=$3 WHERE id=$1`, grantID, next, expiresAt); err != nil {
		return g, err
	}
	if err := tx.Commit(ctx); err != nil {
		return g, err
	}
	g.Status = next
	g.ExpiresAt = expiresAt
	return g, nil
}

func (t *PGTracker) Revoke(ctx context.Context, grantID, reason string) (models.Grant, error) {
	tx, err := t.DB.Begin(ctx)
	if err != nil {
		return models.Grant{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	g, err := scanGrant(tx.QueryRow(ctx, selectGrantSQL+` WHERE g.id=$1 FOR UPDATE OF g`, grantID))
	if err != nil {
		return models.Grant{}, err
	}
	next, err := Transition(g.Status, Revoked)
	if err != nil {
		return g, err
	}
	now := t.now()
	if _, err := tx.Exec(ctx, `UPDATE jit_grants SET status=$2, revoked_at=$3, revoke_reason=$4 WHERE id=$1`, grantID, next, now, reason); err != nil {
		return g, err
	}
	if err := tx.Commit(ctx); err != nil {
		return g, err
	}
	g.Status = next
	g.RevokedAt = &now
	g.RevokeReason = reason
	return g, nil
}

func (t *PGTracker) Get(ctx context.Context, grantID string) (models.Grant, error) {
	return scanGrant(t.DB.QueryRow(ctx, selectGrantSQL+` WHERE g.id=$1`, grantID))
}

func (t *PGTracker) ListBySubject(ctx context.Context, subjectID string) ([]models.Grant, error) {
	rows, err := t.DB.Query(ctx, selectGrantSQL+` WHERE g.subject_id=$1 ORDER BY g.requested_at DESC`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (t *PGTracker) ExpireOverdue(ctx context.Context) (int, error) {
	tag, err := t.DB.Exec(ctx, `
		UPDATE jit_grants SET status=$1
		WHERE status=$2 AND expires_at IS NOT NULL AND expires_at < $3
	`, Expired, Active, t.now())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

const selectGrantSQL = `
	SELECT g.id, g.subject_id, g.resource_type, COALESCE(g.resource_id,''), g.sensitivity, g.status,
		g.duration_hours, g.max_duration_hours, g.approvals_required,
		COALESCE(g.origin_country,''), COALESCE(g.justification,''),
		g.requested_at, g.expires_at, g.revoked_at, COALESCE(g.revoke_reason,''),
		COALESCE((SELECT array_agg(a.approver ORDER BY a.created_at) FROM jit_grant_approvals a WHERE a.grant_id=g.id), '{}')
	FROM jit_grants g`

func scanGrant(row pgx.Row) (models.Grant, error) {
	var g models.Grant
	var expiresAt *time.Time
	if err := row.Scan(
		&g.ID, &g.SubjectID, &g.ResourceType, &g.ResourceID, &g.Sensitivity, &g.Status,
		&g.DurationHours, &g.MaxHours, &g.ApprovalsReq,
		&g.OriginCountry, &g.Justification,
		&g.RequestedAt, &expiresAt, &g.RevokedAt, &g.RevokeReason,
		&g.Approvers,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return g, ErrGrantNotFound
		}
		return g, err
	}
	if expiresAt != nil {
		g.ExpiresAt = *expiresAt
	}
	return g, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
