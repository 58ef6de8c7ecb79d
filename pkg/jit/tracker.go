package jit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"medgate/pkg/models"
)

var ErrGrantNotFound = errors.New("grant not found")

// Tracker owns the only mutable shared state in the engine: grant records.
// Create and state transitions are read-modify-write with an explicit
// precondition check so two concurrent requests can never both hold a
// grant for the same (subject, resource class).
type Tracker interface {
	Request(ctx context.Context, sub models.Subject, res models.Resource, durationHours int, justification string) (models.Grant, error)
	Approve(ctx context.Context, grantID, approver string) (models.Grant, error)
	Activate(ctx context.Context, grantID string) (models.Grant, error)
	Revoke(ctx context.Context, grantID, reason string) (models.Grant, error)
	Get(ctx context.Context, grantID string) (models.Grant, error)
	ListBySubject(ctx context.Context, subjectID string) ([]models.Grant, error)
	ExpireOverdue(ctx context.Context) (int, error)
}

// MemoryTracker is the single-node implementation; the Postgres tracker
// carries the same semantics for multi-replica deployments.
type MemoryTracker struct {
	mu     sync.Mutex
	grants map[string]models.Grant
	Clock  func() time.Time
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{grants: map[string]models.Grant{}, Clock: time.Now}
}

func (t *MemoryTracker) now() time.Time {
	if t.Clock != nil {
		return t.Clock().UTC()
	}
	return time.Now().UTC()
}

func (t *MemoryTracker) Request(ctx context.Context, sub models.Subject, res models.Resource, durationHours int, justification string) (models.Grant, error) {
	if durationHours <= 0 {
		return models.Grant{}, fmt.Errorf("%w: duration_hours must be positive", models.ErrInvalidInput)
	}
	if err := RequestBarred(sub); err != nil {
		return models.Grant{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, g := range t.grants {
		if g.SubjectID == sub.ID && g.ResourceType == res.Type && HoldsResource(g.Status) {
			return models.Grant{}, ErrGrantConflict
		}
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
	t.grants[g.ID] = g
	return g, nil
}

func (t *MemoryTracker) Approve(ctx context.Context, grantID, approver string) (models.Grant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.grants[grantID]
	if !ok {
		return models.Grant{}, ErrGrantNotFound
	}
	if g.Status != PendingApproval && g.Status != Requested {
		return g, ErrInvalidTransition
	}
	if err := ApproverAllowed(approver, g.SubjectID, g.Approvers); err != nil {
		return g, err
	}
	g.Approvers = append(g.Approvers, approver)
	if len(g.Approvers) >= g.ApprovalsReq {
		g.Status = Approved
	}
	t.grants[grantID] = g
	return g, nil
}

func (t *MemoryTracker) Activate(ctx context.Context, grantID string) (models.Grant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.grants[grantID]
	if !ok {
		return models.Grant{}, ErrGrantNotFound
	}
	next, err := Transition(g.Status, Active)
	if err != nil {
		return g, err
	}
	g.Status = next
	g.ExpiresAt = t.now().Add(time.Duration(g.DurationHours) * time.Hour)
	t.grants[grantID] = g
	return g, nil
}

func (t *MemoryTracker) Revoke(ctx context.Context, grantID, reason string) (models.Grant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.grants[grantID]
	if !ok {
		return models.Grant{}, ErrGrantNotFound
	}
	next, err := Transition(g.Status, Revoked)
	if err != nil {
		return g, err
	}
	now := t.now()
	g.Status = next
	g.RevokedAt = &now
	g.RevokeReason = reason
	t.grants[grantID] = g
	return g, nil
}

func (t *MemoryTracker) Get(ctx context.Context, grantID string) (models.Grant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.grants[grantID]
	if !ok {
		return models.Grant{}, ErrGrantNotFound
	}
	return g, nil
}

func (t *MemoryTracker) ListBySubject(ctx context.Context, subjectID string) ([]models.Grant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []models.Grant
	for _, g := range t.grants {
		if g.SubjectID == subjectID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (t *MemoryTracker) ExpireOverdue(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	expired := 0
	for id, g := range t.grants {
		if g.Status == Active && IsExpired(now, g.ExpiresAt) {
			g.Status = Expired
			t.grants[id] = g
			expired++
		}
	}
	return expired, nil
}
