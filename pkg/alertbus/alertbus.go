package alertbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Alert is one security event published for operator consumption:
// critical-risk denials, anomaly escalations, grant revocations.
type Alert struct {
	ID         string    `json:"id"`
	Severity   string    `json:"severity"`
	Kind       string    `json:"kind"`
	SubjectID  string    `json:"subject_id"`
	DecisionID string    `json:"decision_id,omitempty"`
	GrantID    string    `json:"grant_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	RiskLevel  string    `json:"risk_level,omitempty"`
	At         time.Time `json:"at"`
}

// Alert kinds.
const (
	KindDecision    = "decision_alert"
	KindAnomaly     = "anomaly"
	KindRevocation  = "grant_revoked"
	KindRateLimited = "rate_limited"
)

type Emitter interface {
	Emit(ctx context.Context, a Alert) error
	Close() error
}

// MemoryEmitter buffers alerts in process. Used in tests and whenever no
// broker is configured; the ring keeps only the newest alerts.
type MemoryEmitter struct {
	mu     sync.Mutex
	alerts []Alert
	limit  int
}

func NewMemoryEmitter(limit int) *MemoryEmitter {
	if limit <= 0 {
		limit = 256
	}
	return &MemoryEmitter{limit: limit}
}

func (m *MemoryEmitter) Emit(ctx context.Context, a Alert) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > m.limit {
		m.alerts = m.alerts[len(m.alerts)-m.limit:]
	}
	return nil
}

func (m *MemoryEmitter) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

func (m *MemoryEmitter) Close() error { return nil }

func marshalAlert(a Alert) ([]byte, error) {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	return json.Marshal(a)
}
