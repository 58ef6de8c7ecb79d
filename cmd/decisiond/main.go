package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"medgate/pkg/alertbus"
	"medgate/pkg/audit"
	"medgate/pkg/auth"
	"medgate/pkg/authz"
	"medgate/pkg/engine"
	"medgate/pkg/hardening"
	"medgate/pkg/hipaa"
	"medgate/pkg/httpx"
	"medgate/pkg/jit"
	"medgate/pkg/metrics"
	"medgate/pkg/models"
	"medgate/pkg/ratelimit"
	"medgate/pkg/risk"
	"medgate/pkg/riskfeed"
	"medgate/pkg/rules"
	"medgate/pkg/store"
	"medgate/pkg/stream"
	"medgate/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

type Server struct {
	Engine              *engine.Engine
	Grants              jit.Tracker
	Audit               auditStore
	Alerts              alertbus.Emitter
	Metrics             *metrics.Registry
	Events              *stream.Hub
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerHour    int
	AuthMode            string
	AuthSecret          string
	MaxRequestBodyBytes int64
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	Get(ctx context.Context, decisionID string) (audit.Record, error)
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDepsFn      func(context.Context) (*Server, func(), error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runDecisiond(initTelemetryFn, openDepsFn, listenFn); err != nil {
		logFatalf("decisiond: %v", err)
	}
}

func defaultSets() []rules.Set {
	return []rules.Set{
		authz.NewRuleSet(),
		risk.NewRuleSet(),
		jit.NewRuleSet(),
		hipaa.NewRuleSet(),
	}
}

func openDeps(ctx context.Context) (*Server, func(), error) {
	reg := metrics.NewRegistry()

	var cache store.Cache = store.NewMemoryCache()
	var limiter ratelimit.Limiter = ratelimit.NewInMemory(time.Hour)
	if env("REDIS_ADDR", "") != "" {
		client, err := store.NewRedis(ctx)
		if err != nil {
			return nil, nil, err
		}
		cache = store.NewCache(ctx, client)
		limiter = ratelimit.NewRedis(client, time.Hour)
	}

	closers := make([]func(), 0, 2)

	eng := engine.New(defaultSets()...)
	if feedURL := env("RISK_FEED_URL", ""); feedURL != "" {
		feed := riskfeed.New(feedURL, cache)
		feed.OnFallback = reg.IncRiskFeedFallback
		eng.Scores = feed
	}

	var grants jit.Tracker = jit.NewMemoryTracker()
	var auditWriter auditStore
	if env("DATABASE_URL", "") != "" || env("POSTGRES_HOST", "") != "" {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, pool.Close)
		grants = jit.NewPGTracker(pool)
		auditWriter = &audit.Writer{
			DB:       pool,
			HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
			Redact:   env("AUDIT_REDACT", "true") != "false",
		}
	}

	var alerts alertbus.Emitter = alertbus.NewMemoryEmitter(0)
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		emitter, err := alertbus.NewKafkaEmitter(alertbus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("ALERT_TOPIC", "medgate.alerts"),
		})
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = emitter.Close() })
		alerts = emitter
	}

	s := &Server{
		Engine:              eng,
		Grants:              grants,
		Audit:               auditWriter,
		Alerts:              alerts,
		Metrics:             reg,
		Events:              stream.NewHub(),
		RateLimiter:         limiter,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") != "false",
		RateLimitPerHour:    envInt("RATE_LIMIT_PER_HOUR", 1000),
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return s, closeAll, nil
}

func runDecisiond(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDepsOverride func(context.Context) (*Server, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDepsOverride == nil {
		openDepsOverride = openDeps
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "decisiond")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	s, closeDeps, err := openDepsOverride(ctx)
	if err != nil {
		return err
	}
	if closeDeps != nil {
		defer closeDeps()
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
		if !isExplicitNonProductionEnv(runtimeEnv) && !isTestBinaryProcess() {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "decisiond",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "AUDIT_HASH_SALT", Value: env("AUDIT_HASH_SALT", "")},
		},
	}); err != nil {
		return err
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.sweepExpiredGrants(sweepCtx, envDurationSec("GRANT_SWEEP_INTERVAL_SEC", 60))

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("decisiond"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "decisiond"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))

	authRouter.Post("/v1/decisions/{category}", s.withRoles(s.evaluateDecision))
	authRouter.Get("/v1/decisions/{id}", s.withRoles(s.getDecision, auth.AuditReaderRoles()...))

	authRouter.Post("/v1/grants", s.withRoles(s.requestGrant))
	authRouter.Get("/v1/grants", s.withRoles(s.listGrants))
	authRouter.Get("/v1/grants/{id}", s.withRoles(s.getGrant))
	authRouter.Post("/v1/grants/{id}/approve", s.withRoles(s.approveGrant, auth.GrantApproverRoles()...))
	authRouter.Post("/v1/grants/{id}/activate", s.withRoles(s.activateGrant))
	authRouter.Post("/v1/grants/{id}/revoke", s.withRoles(s.revokeGrant, auth.GrantApproverRoles()...))
	authRouter.Post("/v1/grants:expire", s.withRoles(s.expireGrants, auth.RoleSecurityAdmin))
	authRouter.Get("/v1/subjects/{id}/grants", s.withRoles(s.listSubjectGrants, auth.RoleManager, auth.RoleSecurityAdmin, auth.RoleAuditor))

	authRouter.Post("/v1/policies/reload", s.withRoles(s.reloadPolicies, auth.RoleSecurityAdmin))
	authRouter.Get("/v1/policies/current", s.withRoles(s.currentPolicies, auth.AuditReaderRoles()...))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, auth.AuditReaderRoles()...))
	r.Mount("/", authRouter)

	addr := env("ADDR", ":8084")
	log.Printf("decision service listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) evaluateDecision(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	cat, ok := rules.ParseCategory(chi.URLParam(r, "category"))
	if !ok {
		httpx.Error(w, 404, "unknown decision category")
		return
	}
	var in models.EvaluationInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if in.Context.Timestamp.IsZero() {
		in.Context.Timestamp = time.Now().UTC()
	}
	if s.RateLimitEnabled && s.RateLimiter != nil && strings.TrimSpace(in.Subject.ID) != "" {
		res := s.RateLimiter.Allow("subject:"+in.Subject.ID+":decisions", s.RateLimitPerHour)
		if !res.Allowed {
			s.emitAlert(r.Context(), alertbus.Alert{
				Severity:  "medium",
				Kind:      alertbus.KindRateLimited,
				SubjectID: in.Subject.ID,
				Reason:    "decision request rate exceeded",
			})
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(res.ResetAt).Seconds())))
			httpx.Error(w, 429, "rate limit exceeded")
			return
		}
	}

	d, err := s.Engine.Evaluate(r.Context(), cat, in)
	if err != nil {
		if errors.Is(err, models.ErrInvalidInput) {
			httpx.Error(w, 400, err.Error())
			return
		}
		internalServerError(w, "evaluate decision", err)
		return
	}

	if s.Metrics != nil {
		s.Metrics.ObserveEvalLatency(time.Since(started))
		s.Metrics.IncVerdict(audit.VerdictFor(d.Allow))
		s.Metrics.IncCategoryVerdict(string(cat), audit.VerdictFor(d.Allow))
		s.Metrics.IncRiskLevel(d.RiskLevel)
		for _, reason := range d.DenyReasons {
			s.Metrics.IncDenyReason(reason)
		}
	}
	s.appendAudit(r.Context(), cat, in, d)

	if d.AlertSeverity != "" {
		s.emitAlert(r.Context(), alertbus.Alert{
			Severity:   d.AlertSeverity,
			Kind:       alertbus.KindDecision,
			SubjectID:  in.Subject.ID,
			DecisionID: d.DecisionID,
			Reason:     strings.Join(d.DenyReasons, "; "),
			RiskLevel:  d.RiskLevel,
		})
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventDecision, map[string]any{
			"decision_id": d.DecisionID,
			"category":    string(cat),
			"verdict":     audit.VerdictFor(d.Allow),
			"risk_level":  d.RiskLevel,
		}))
	}
	s.enforceGrantGuards(r.Context(), in)
	httpx.WriteJSON(w, 200, d)
}

// enforceGrantGuards applies the emergency-revocation triggers to the
// subject's active grants using the fresh state carried by the request.
// Critical-sensitivity grants are additionally bound to business hours.
func (s *Server) enforceGrantGuards(ctx context.Context, in models.EvaluationInput) {
	if s.Grants == nil || strings.TrimSpace(in.Subject.ID) == "" {
		return
	}
	grants, err := s.Grants.ListBySubject(ctx, in.Subject.ID)
	if err != nil {
		log.Printf("decisiond grant guard list: %v", err)
		return
	}
	for _, g := range grants {
		if g.Status != jit.Active {
			continue
		}
		businessHoursOnly := models.SensitivityRank(g.Sensitivity) >= models.SensitivityRank(models.SensitivityCritical)
		reason := jit.RevocationReason(g, in.Subject, in.Context, businessHoursOnly)
		if reason == "" {
			continue
		}
		revoked, err := s.Grants.Revoke(ctx, g.ID, reason)
		if err != nil {
			log.Printf("decisiond grant guard revoke: %v", err)
			continue
		}
		log.Printf("decisiond grant guard: revoked %s for %s: %s", revoked.ID, revoked.SubjectID, reason)
		if s.Metrics != nil {
			s.Metrics.IncGrantState(revoked.Status)
		}
		s.emitAlert(ctx, alertbus.Alert{
			Severity:  "high",
			Kind:      alertbus.KindRevocation,
			SubjectID: revoked.SubjectID,
			GrantID:   revoked.ID,
			Reason:    reason,
			RiskLevel: risk.Classify(in.Subject.Score(rules.FallbackRiskScore)),
		})
		if s.Events != nil {
			s.Events.Publish(stream.NewEvent(stream.EventGrant, map[string]string{"id": revoked.ID, "status": revoked.Status}))
		}
	}
}

func (s *Server) appendAudit(ctx context.Context, cat rules.Category, in models.EvaluationInput, d models.Decision) {
	if s.Audit == nil {
		return
	}
	inputRaw, err := json.Marshal(in)
	if err != nil {
		log.Printf("decisiond audit input marshal: %v", err)
		return
	}
	decisionRaw, err := json.Marshal(d)
	if err != nil {
		log.Printf("decisiond audit decision marshal: %v", err)
		return
	}
	version := ""
	if snap, ok := s.Engine.Current(); ok {
		version = snap.Version
	}
	rec := audit.Record{
		DecisionID:    d.DecisionID,
		Category:      string(cat),
		Verdict:       audit.VerdictFor(d.Allow),
		DenyReasons:   d.DenyReasons,
		RiskLevel:     d.RiskLevel,
		InputRaw:      inputRaw,
		DecisionRaw:   decisionRaw,
		PolicyVersion: version,
		Enhanced:      d.RequiresEnhancedAudit,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.Audit.Append(ctx, rec); err != nil {
		log.Printf("decisiond audit append: %v", err)
	}
}

func (s *Server) getDecision(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, 503, "audit store not configured")
		return
	}
	rec, err := s.Audit.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, 404, "decision not found")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"decision_id":    rec.DecisionID,
		"category":       rec.Category,
		"verdict":        rec.Verdict,
		"deny_reasons":   rec.DenyReasons,
		"risk_level":     rec.RiskLevel,
		"input":          rec.InputRaw,
		"decision":       rec.DecisionRaw,
		"policy_version": rec.PolicyVersion,
		"enhanced":       rec.Enhanced,
		"created_at":     rec.CreatedAt,
	})
}

func (s *Server) requestGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject       models.Subject  `json:"subject"`
		Resource      models.Resource `json:"resource"`
		DurationHours int             `json:"duration_hours"`
		Justification string          `json:"business_justification"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if !strings.EqualFold(s.AuthMode, "off") {
		subject, err := s.requireSubject(r)
		if err != nil {
			httpx.Error(w, 401, err.Error())
			return
		}
		if req.Subject.ID != "" && !strings.EqualFold(req.Subject.ID, subject) {
			httpx.Error(w, 403, "subject must match principal")
			return
		}
		req.Subject.ID = subject
	} else if strings.TrimSpace(req.Subject.ID) == "" {
		httpx.Error(w, 400, "subject.id required")
		return
	}
	if strings.TrimSpace(req.Resource.Type) == "" {
		httpx.Error(w, 400, "resource.type required")
		return
	}
	if !models.ValidSensitivity(req.Resource.Sensitivity) {
		httpx.Error(w, 400, "resource.sensitivity must be low|medium|high|critical")
		return
	}
	g, err := s.Grants.Request(r.Context(), req.Subject, req.Resource, req.DurationHours, req.Justification)
	if err != nil {
		s.grantError(w, "request grant", err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.IncGrantState(g.Status)
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventGrant, map[string]string{"id": g.ID, "status": g.Status}))
	}
	httpx.WriteJSON(w, 201, g)
}

func (s *Server) approveGrant(w http.ResponseWriter, r *http.Request) {
	grantID := chi.URLParam(r, "id")
	var req struct {
		Approver string `json:"approver"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if !strings.EqualFold(s.AuthMode, "off") {
		subject, err := s.requireSubject(r)
		if err != nil {
			httpx.Error(w, 401, err.Error())
			return
		}
		if req.Approver != "" && !strings.EqualFold(req.Approver, subject) {
			httpx.Error(w, 403, "approver must match principal")
			return
		}
		req.Approver = subject
	} else if strings.TrimSpace(req.Approver) == "" {
		httpx.Error(w, 400, "approver required")
		return
	}
	g, err := s.Grants.Approve(r.Context(), grantID, req.Approver)
	if err != nil {
		s.grantError(w, "approve grant", err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.IncGrantState(g.Status)
	}
	httpx.WriteJSON(w, 200, g)
}

func (s *Server) activateGrant(w http.ResponseWriter, r *http.Request) {
	grantID := chi.URLParam(r, "id")
	if !strings.EqualFold(s.AuthMode, "off") {
		subject, err := s.requireSubject(r)
		if err != nil {
			httpx.Error(w, 401, err.Error())
			return
		}
		g, err := s.Grants.Get(r.Context(), grantID)
		if err != nil {
			s.grantError(w, "activate grant lookup", err)
			return
		}
		if !strings.EqualFold(g.SubjectID, subject) {
			httpx.Error(w, 403, "only the requester can activate a grant")
			return
		}
	}
	g, err := s.Grants.Activate(r.Context(), grantID)
	if err != nil {
		s.grantError(w, "activate grant", err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.IncGrantState(g.Status)
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventGrant, map[string]string{"id": g.ID, "status": g.Status}))
	}
	httpx.WriteJSON(w, 200, g)
}

func (s *Server) revokeGrant(w http.ResponseWriter, r *http.Request) {
	grantID := chi.URLParam(r, "id")
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		httpx.Error(w, 400, "reason required")
		return
	}
	g, err := s.Grants.Revoke(r.Context(), grantID, req.Reason)
	if err != nil {
		s.grantError(w, "revoke grant", err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.IncGrantState(g.Status)
	}
	s.emitAlert(r.Context(), alertbus.Alert{
		Severity:  "high",
		Kind:      alertbus.KindRevocation,
		SubjectID: g.SubjectID,
		GrantID:   g.ID,
		Reason:    req.Reason,
	})
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventGrant, map[string]string{"id": g.ID, "status": g.Status}))
	}
	httpx.WriteJSON(w, 200, g)
}

func (s *Server) getGrant(w http.ResponseWriter, r *http.Request) {
	g, err := s.Grants.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.grantError(w, "get grant", err)
		return
	}
	httpx.WriteJSON(w, 200, g)
}

func (s *Server) listGrants(w http.ResponseWriter, r *http.Request) {
	subjectID := strings.TrimSpace(r.URL.Query().Get("subject_id"))
	if subjectID == "" {
		if !strings.EqualFold(s.AuthMode, "off") {
			subject, err := s.requireSubject(r)
			if err != nil {
				httpx.Error(w, 401, err.Error())
				return
			}
			subjectID = subject
		} else {
			httpx.Error(w, 400, "subject_id required")
			return
		}
	}
	items, err := s.Grants.ListBySubject(r.Context(), subjectID)
	if err != nil {
		internalServerError(w, "list grants", err)
		return
	}
	if items == nil {
		items = []models.Grant{}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].RequestedAt.After(items[j].RequestedAt) })
	httpx.WriteJSON(w, 200, map[string]any{"items": items})
}

func (s *Server) listSubjectGrants(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "id")
	items, err := s.Grants.ListBySubject(r.Context(), subjectID)
	if err != nil {
		internalServerError(w, "list subject grants", err)
		return
	}
	if items == nil {
		items = []models.Grant{}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].RequestedAt.After(items[j].RequestedAt) })
	httpx.WriteJSON(w, 200, map[string]any{"subject_id": subjectID, "items": items})
}

func (s *Server) expireGrants(w http.ResponseWriter, r *http.Request) {
	n, err := s.Grants.ExpireOverdue(r.Context())
	if err != nil {
		internalServerError(w, "expire grants", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]int{"expired": n})
}

func (s *Server) reloadPolicies(w http.ResponseWriter, r *http.Request) {
	s.Engine.Load(engine.Snapshot{Sets: defaultSets()})
	snap, _ := s.Engine.Current()
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventRefresh, map[string]string{"policy_version": snap.Version}))
	}
	httpx.WriteJSON(w, 200, map[string]string{
		"policy_version": snap.Version,
		"loaded_at":      snap.LoadedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) currentPolicies(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.Engine.Current()
	if !ok {
		httpx.Error(w, 503, "no policy snapshot loaded")
		return
	}
	categories := make([]string, 0, len(snap.Sets))
	ruleCount := 0
	for _, set := range snap.Sets {
		categories = append(categories, string(set.Category))
		ruleCount += len(set.Rules)
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"policy_version": snap.Version,
		"loaded_at":      snap.LoadedAt.UTC().Format(time.RFC3339),
		"categories":     categories,
		"rule_count":     ruleCount,
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent(stream.EventReady, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (s *Server) sweepExpiredGrants(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Grants.ExpireOverdue(ctx)
			if err != nil {
				log.Printf("decisiond grant sweep: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("decisiond grant sweep: expired %d grants", n)
				if s.Metrics != nil {
					s.Metrics.AddGrantState(jit.Expired, int64(n))
				}
			}
		}
	}
}

func (s *Server) emitAlert(ctx context.Context, a alertbus.Alert) {
	if s.Metrics != nil {
		s.Metrics.IncAlert(a.Severity)
	}
	if s.Alerts == nil {
		return
	}
	if err := s.Alerts.Emit(ctx, a); err != nil {
		log.Printf("decisiond alert emit: %v", err)
	}
}

func (s *Server) grantError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, jit.ErrGrantNotFound):
		httpx.Error(w, 404, "grant not found")
	case errors.Is(err, jit.ErrGrantConflict):
		httpx.Error(w, 409, err.Error())
	case errors.Is(err, jit.ErrInvalidTransition):
		httpx.Error(w, 409, err.Error())
	case errors.Is(err, jit.ErrSelfApproval), errors.Is(err, jit.ErrDuplicateApprover):
		httpx.Error(w, 403, err.Error())
	case errors.Is(err, jit.ErrRequesterBarred):
		httpx.Error(w, 403, err.Error())
	case errors.Is(err, models.ErrInvalidInput):
		httpx.Error(w, 400, err.Error())
	default:
		internalServerError(w, op, err)
	}
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !principal.HasAnyRole(roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) requireSubject(r *http.Request) (string, error) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok || strings.TrimSpace(principal.Subject) == "" {
		return "", errors.New("unauthenticated")
	}
	return principal.Subject, nil
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("decisiond %s: %v", op, err)
	}
	httpx.Error(w, 500, "internal error")
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
