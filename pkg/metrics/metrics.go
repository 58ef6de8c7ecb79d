package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu                sync.RWMutex
	endpoint          map[string]*EndpointStat
	verdict           map[string]int64
	denyReason        map[string]int64
	gauges            map[string]float64
	categoryVerdict   map[string]int64
	riskLevel         map[string]int64
	grantState        map[string]int64
	alertSeverity     map[string]int64
	riskFeedFallbacks int64
	evalLatency       EvalLatencyStat
	Histograms        *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type EvalLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	Verdicts          map[string]int64        `json:"verdicts"`
	DenyReasons       map[string]int64        `json:"deny_reasons"`
	Gauges            map[string]float64      `json:"gauges"`
	CategoryVerdicts  map[string]int64        `json:"category_verdicts"`
	RiskLevels        map[string]int64        `json:"risk_levels"`
	GrantTotals       map[string]int64        `json:"grant_totals"`
	AlertTotals       map[string]int64        `json:"alert_totals"`
	RiskFeedFallbacks int64                   `json:"risk_feed_fallbacks_total"`
	EvalLatencyMS     EvalLatencyStat         `json:"evaluation_latency_ms"`
	Histograms        []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:        map[string]*EndpointStat{},
		verdict:         map[string]int64{},
		denyReason:      map[string]int64{},
		gauges:          map[string]float64{},
		categoryVerdict: map[string]int64{},
		riskLevel:       map[string]int64{},
		grantState:      map[string]int64{},
		alertSeverity:   map[string]int64{},
		Histograms:      NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncVerdict(verdict string) {
	if verdict == "" {
		return
	}
	r.mu.Lock()
	r.verdict[verdict]++
	r.mu.Unlock()
}

func (r *Registry) IncDenyReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.denyReason[reason]++
	r.mu.Unlock()
}

// IncCategoryVerdict counts one decision under its rule category.
func (r *Registry) IncCategoryVerdict(category, verdict string) {
	category = strings.TrimSpace(category)
	verdict = strings.TrimSpace(verdict)
	if verdict == "" {
		return
	}
	if category == "" {
		category = "combined"
	}
	key := category + "|" + verdict
	r.mu.Lock()
	r.categoryVerdict[key]++
	r.mu.Unlock()
}

func (r *Registry) IncRiskLevel(level string) {
	level = strings.TrimSpace(strings.ToLower(level))
	if level == "" {
		return
	}
	r.mu.Lock()
	r.riskLevel[level]++
	r.mu.Unlock()
}

func (r *Registry) ObserveEvalLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evalLatency.Count++
	r.evalLatency.TotalMS += ms
	r.evalLatency.LastMS = ms
	if ms > r.evalLatency.MaxMS {
		r.evalLatency.MaxMS = ms
	}
	r.evalLatency.AvgMS = float64(r.evalLatency.TotalMS) / float64(r.evalLatency.Count)
}

func (r *Registry) AddGrantState(state string, delta int64) {
	state = strings.TrimSpace(strings.ToUpper(state))
	if state == "" || delta <= 0 {
		return
	}
	r.mu.Lock()
	r.grantState[state] += delta
	r.mu.Unlock()
}

func (r *Registry) IncGrantState(state string) {
	r.AddGrantState(state, 1)
}

func (r *Registry) IncAlert(severity string) {
	severity = strings.TrimSpace(strings.ToLower(severity))
	if severity == "" {
		return
	}
	r.mu.Lock()
	r.alertSeverity[severity]++
	r.mu.Unlock()
}

func (r *Registry) IncRiskFeedFallback() {
	r.mu.Lock()
	r.riskFeedFallbacks++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		Endpoints:         make(map[string]EndpointStat, len(r.endpoint)),
		Verdicts:          make(map[string]int64, len(r.verdict)),
		DenyReasons:       make(map[string]int64, len(r.denyReason)),
		Gauges:            make(map[string]float64, len(r.gauges)),
		CategoryVerdicts:  make(map[string]int64, len(r.categoryVerdict)),
		RiskLevels:        make(map[string]int64, len(r.riskLevel)),
		GrantTotals:       make(map[string]int64, len(r.grantState)),
		AlertTotals:       make(map[string]int64, len(r.alertSeverity)),
		RiskFeedFallbacks: r.riskFeedFallbacks,
		EvalLatencyMS: EvalLatencyStat{
			Count:   r.evalLatency.Count,
			TotalMS: r.evalLatency.TotalMS,
			MaxMS:   r.evalLatency.MaxMS,
			LastMS:  r.evalLatency.LastMS,
			AvgMS:   r.evalLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.verdict {
		out.Verdicts[k] = v
	}
	for k, v := range r.denyReason {
		out.DenyReasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.categoryVerdict {
		out.CategoryVerdicts[k] = v
	}
	for k, v := range r.riskLevel {
		out.RiskLevels[k] = v
	}
	for k, v := range r.grantState {
		out.GrantTotals[k] = v
	}
	for k, v := range r.alertSeverity {
		out.AlertTotals[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP medgate_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE medgate_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "medgate_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP medgate_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE medgate_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "medgate_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP medgate_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE medgate_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "medgate_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP medgate_endpoint_total_millis endpoint total time in milliseconds\n")
		b.WriteString("# TYPE medgate_endpoint_total_millis counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "medgate_endpoint_total_millis{endpoint=%q} %d\n", ep, stat.TotalMillis)
		}
		b.WriteString("# HELP medgate_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE medgate_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "medgate_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP medgate_verdict_total total decisions by verdict\n")
		b.WriteString("# TYPE medgate_verdict_total counter\n")
		for _, verdict := range SortedKeys(snap.Verdicts) {
			fmt.Fprintf(b, "medgate_verdict_total{verdict=%q} %d\n", verdict, snap.Verdicts[verdict])
		}
		b.WriteString("# HELP medgate_deny_reason_total total denials by reason\n")
		b.WriteString("# TYPE medgate_deny_reason_total counter\n")
		for _, reason := range SortedKeys(snap.DenyReasons) {
			fmt.Fprintf(b, "medgate_deny_reason_total{reason=%q} %d\n", reason, snap.DenyReasons[reason])
		}
		b.WriteString("# HELP medgate_gauge operational gauge metrics\n")
		b.WriteString("# TYPE medgate_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "medgate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP medgate_latency_seconds latency histogram\n")
			b.WriteString("# TYPE medgate_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "medgate_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "medgate_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "medgate_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "medgate_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "medgate_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "medgate_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "medgate_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP medgate_category_verdict_total decisions by rule category and verdict\n")
		b.WriteString("# TYPE medgate_category_verdict_total counter\n")
		for _, key := range SortedKeys(snap.CategoryVerdicts) {
			parts := strings.SplitN(key, "|", 2)
			category := parts[0]
			verdict := "unknown"
			if len(parts) == 2 {
				verdict = parts[1]
			}
			fmt.Fprintf(b, "medgate_category_verdict_total{category=%q,verdict=%q} %d\n", category, verdict, snap.CategoryVerdicts[key])
		}

		b.WriteString("# HELP medgate_risk_level_total decisions by classified risk level\n")
		b.WriteString("# TYPE medgate_risk_level_total counter\n")
		for _, level := range SortedKeys(snap.RiskLevels) {
			fmt.Fprintf(b, "medgate_risk_level_total{level=%q} %d\n", level, snap.RiskLevels[level])
		}

		b.WriteString("# HELP medgate_eval_latency_ms decision evaluation latency in ms\n")
		b.WriteString("# TYPE medgate_eval_latency_ms gauge\n")
		fmt.Fprintf(b, "medgate_eval_latency_ms{stat=%q} %d\n", "last", snap.EvalLatencyMS.LastMS)
		fmt.Fprintf(b, "medgate_eval_latency_ms{stat=%q} %.3f\n", "avg", snap.EvalLatencyMS.AvgMS)
		fmt.Fprintf(b, "medgate_eval_latency_ms{stat=%q} %d\n", "max", snap.EvalLatencyMS.MaxMS)

		b.WriteString("# HELP medgate_grant_total jit grant transitions by state\n")
		b.WriteString("# TYPE medgate_grant_total counter\n")
		for _, state := range SortedKeys(snap.GrantTotals) {
			fmt.Fprintf(b, "medgate_grant_total{state=%q} %d\n", state, snap.GrantTotals[state])
		}

		b.WriteString("# HELP medgate_alert_total security alerts by severity\n")
		b.WriteString("# TYPE medgate_alert_total counter\n")
		for _, severity := range SortedKeys(snap.AlertTotals) {
			fmt.Fprintf(b, "medgate_alert_total{severity=%q} %d\n", severity, snap.AlertTotals[severity])
		}

		b.WriteString("# HELP medgate_risk_feed_fallbacks_total risk feed calls that degraded to the fallback score\n")
		b.WriteString("# TYPE medgate_risk_feed_fallbacks_total counter\n")
		fmt.Fprintf(b, "medgate_risk_feed_fallbacks_total %d\n", snap.RiskFeedFallbacks)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
