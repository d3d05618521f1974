package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tritrack/compliance/internal/audit"
	"github.com/tritrack/compliance/internal/auth"
	"github.com/tritrack/compliance/internal/breach"
	"github.com/tritrack/compliance/internal/config"
	"github.com/tritrack/compliance/internal/consent"
	"github.com/tritrack/compliance/internal/identity"
	"github.com/tritrack/compliance/internal/metrics"
	"github.com/tritrack/compliance/internal/models"
	"github.com/tritrack/compliance/internal/monitor"
	"github.com/tritrack/compliance/internal/reports"
	"github.com/tritrack/compliance/internal/retention"
	"github.com/tritrack/compliance/internal/security"
)

type Monitor interface {
	Metrics(ctx context.Context, now time.Time) (*monitor.GdprComplianceMetrics, error)
	RecentActivity(ctx context.Context, n int) ([]monitor.Activity, error)
	Alerts(ctx context.Context, unresolvedOnly bool, limit int) ([]*models.ComplianceAlert, error)
	ResolveAlert(ctx context.Context, id uuid.UUID, by string) error
}

type Jobs interface {
	ListJobs(ctx context.Context) ([]*models.RetentionJob, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.RetentionJob, error)
	Executions(ctx context.Context, id uuid.UUID, limit int) ([]*models.RetentionJobExecution, error)
	RunNow(ctx context.Context, id uuid.UUID) (retention.Result, error)
	EnableJob(ctx context.Context, id uuid.UUID) error
	DisableJob(ctx context.Context, id uuid.UUID) error
	Requeue(ctx context.Context, id uuid.UUID) error
}

type Policies interface {
	ListPolicies(ctx context.Context) ([]*models.RetentionPolicy, error)
	UpsertPolicy(ctx context.Context, p *models.RetentionPolicy) error
}

type Incidents interface {
	Report(ctx context.Context, in breach.NewIncident) (*models.BreachIncident, error)
	Get(ctx context.Context, incidentID string) (*models.BreachIncident, error)
	List(ctx context.Context, filter models.IncidentFilter) ([]*models.BreachIncident, error)
	Transition(ctx context.Context, incidentID string, target models.IncidentStatus, in breach.TransitionInput) (*models.BreachIncident, error)
	AddContainmentAction(ctx context.Context, incidentID, action, actor string) (*models.BreachIncident, error)
	Reopen(ctx context.Context, incidentID, reason string, affectedUserIDs []string, actor string) (*models.BreachIncident, error)
	RecordRegulatoryNotification(ctx context.Context, incidentID string, at time.Time, actor string) (*models.BreachIncident, error)
	RecordUserNotification(ctx context.Context, incidentID string, at time.Time, actor string) (*models.BreachIncident, error)
}

// Security gates API access by client address and keeps the security
// telemetry the identity provider reports.
type Security interface {
	IsBlocked(ctx context.Context, ip string, now time.Time) (bool, error)
	MatchIndicator(ctx context.Context, value string) (*models.ThreatIntelligence, error)
	RecordAccessAttempt(ctx context.Context, a *models.AccessAttempt) error
	RecordEvent(ctx context.Context, e *models.SecurityEvent) error
	ListEvents(ctx context.Context, filter models.SecurityEventFilter) ([]*models.SecurityEvent, error)
	ResolveEvent(ctx context.Context, id uuid.UUID, by string) error
	BlockIP(ctx context.Context, ipOrCIDR, reason string, ttl time.Duration) (*models.IPAccessControl, error)
	AllowIP(ctx context.Context, ipOrCIDR, reason string, ttl time.Duration) (*models.IPAccessControl, error)
	AddIndicator(ctx context.Context, ti *models.ThreatIntelligence) error
	EvaluateLogin(ctx context.Context, ip string, creds identity.Credentials) (security.Decision, error)
}

type Consents interface {
	RecordConsent(ctx context.Context, in consent.Input) (*models.ConsentRecord, error)
	Withdraw(ctx context.Context, userID, consentType string) (*models.ConsentRecord, error)
	History(ctx context.Context, userID string) ([]*models.ConsentRecord, error)
}

type DataRequests interface {
	Open(ctx context.Context, userID string, kind models.DataRequestType) (*models.DataRequest, error)
	Close(ctx context.Context, id uuid.UUID, status models.DataRequestStatus, actor string) (*models.DataRequest, error)
	ForUser(ctx context.Context, userID string) ([]*models.DataRequest, error)
}

type AuditLog interface {
	Query(ctx context.Context, f audit.Filter, page, pageSize int) (*audit.Page, error)
	VerifyChain(ctx context.Context) (*audit.Verification, error)
}

type ReportGenerator interface {
	Generate(ctx context.Context, req *reports.ReportRequest) (*reports.Report, error)
}

type ReportSink interface {
	Store(ctx context.Context, r *reports.Report) (string, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the API exposes. Sink is optional; every other
// field is required.
type Deps struct {
	Auth      *auth.Service
	Monitor   Monitor
	Jobs      Jobs
	Policies  Policies
	Incidents Incidents
	Security  Security
	Consents  Consents
	Requests  DataRequests
	Audit     AuditLog
	Reports   ReportGenerator
	Sink      ReportSink
	DB        Pinger
}

type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger
	now    func() time.Time
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg config.ServerConfig, deps Deps, opts ...ServerOption) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: chi.NewRouter(),
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

// requestLogger logs each request through slog and feeds the API collectors.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(r.Method))
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", timer.Duration(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// ipFilter rejects clients covered by a block rule or listed as a threat
// indicator. Addresses that do not parse are let through to authentication.
func (s *Server) ipFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		blocked, err := s.deps.Security.IsBlocked(r.Context(), ip, s.now().UTC())
		switch {
		case errors.Is(err, security.ErrInvalidAddress):
			s.logger.Debug("unparseable client address", "remote_addr", r.RemoteAddr)
			next.ServeHTTP(w, r)
			return
		case err != nil:
			s.respondServiceError(w, r, err)
			return
		case blocked:
			s.logger.Info("request from blocked address rejected", "ip_address", ip, "path", r.URL.Path)
			respondError(w, http.StatusForbidden, "ip_blocked", "Access from this address is blocked")
			return
		}

		ti, err := s.deps.Security.MatchIndicator(r.Context(), ip)
		if err != nil {
			s.respondServiceError(w, r, err)
			return
		}
		if ti != nil {
			if err := s.deps.Security.RecordEvent(r.Context(), &models.SecurityEvent{
				EventType:   security.EventThreatIndicator,
				Severity:    ti.Severity,
				IPAddress:   ip,
				UserAgent:   r.UserAgent(),
				Description: fmt.Sprintf("API request from %s threat indicator", ti.ThreatType),
				Details:     models.Metadata{"path": r.URL.Path, "source": ti.Source},
			}); err != nil {
				s.logger.Error("failed to record threat indicator match", "ip_address", ip, "error", err)
			}
			respondError(w, http.StatusForbidden, "ip_blocked", "Access from this address is blocked")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recordAuthFailures reports every rejected bearer token as a failed access
// attempt so repeated failures from one address raise a brute-force event.
func (s *Server) recordAuthFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if ww.Status() != http.StatusUnauthorized {
			return
		}

		attempt := &models.AccessAttempt{
			IPAddress:     clientIP(r),
			UserAgent:     r.UserAgent(),
			FailureReason: "bearer token rejected",
		}
		if err := s.deps.Security.RecordAccessAttempt(context.WithoutCancel(r.Context()), attempt); err != nil {
			s.logger.Error("failed to record access attempt", "ip_address", attempt.IPAddress, "error", err)
		}
	})
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)
	s.router.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.ipFilter)
		r.Use(s.recordAuthFailures)
		r.Use(s.deps.Auth.Middleware)
		r.Use(auth.RequireRole(auth.RoleAdmin, auth.RoleComplianceOfficer))

		r.Route("/compliance", func(r chi.Router) {
			r.Get("/metrics", s.getComplianceMetrics)
			r.Get("/activity", s.getRecentActivity)
		})

		r.Route("/retention", func(r chi.Router) {
			r.Get("/policies", s.listPolicies)
			r.With(auth.RequireRole(auth.RoleAdmin)).Put("/policies", s.upsertPolicy)

			r.Get("/jobs", s.listJobs)
			r.Get("/jobs/{jobID}", s.getJob)
			r.Get("/jobs/{jobID}/executions", s.getJobExecutions)
			r.Post("/jobs/{jobID}/run", s.runJobNow)
			r.Post("/jobs/{jobID}/enable", s.enableJob)
			r.Post("/jobs/{jobID}/disable", s.disableJob)
			r.Post("/jobs/{jobID}/requeue", s.requeueJob)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.listAlerts)
			r.Post("/{alertID}/resolve", s.resolveAlert)
		})

		r.Route("/incidents", func(r chi.Router) {
			r.Get("/", s.listIncidents)
			r.Post("/", s.reportIncident)
			r.Get("/{incidentID}", s.getIncident)
			r.Post("/{incidentID}/transition", s.transitionIncident)
			r.Post("/{incidentID}/containment", s.addContainmentAction)
			r.Post("/{incidentID}/reopen", s.reopenIncident)
			r.Post("/{incidentID}/notifications/regulator", s.recordRegulatoryNotification)
			r.Post("/{incidentID}/notifications/users", s.recordUserNotification)
		})

		r.Route("/security", func(r chi.Router) {
			r.Get("/events", s.listSecurityEvents)
			r.Post("/events", s.recordSecurityEvent)
			r.Post("/events/{eventID}/resolve", s.resolveSecurityEvent)
			r.Post("/access-attempts", s.recordAccessAttempt)
			r.Post("/login-check", s.evaluateLogin)
			r.With(auth.RequireRole(auth.RoleAdmin)).Post("/ip-rules", s.saveIPRule)
			r.With(auth.RequireRole(auth.RoleAdmin)).Post("/indicators", s.addIndicator)
		})

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/consents", s.getConsentHistory)
			r.Post("/consents", s.recordConsent)
			r.Delete("/consents/{consentType}", s.withdrawConsent)
			r.Get("/requests", s.listDataRequests)
			r.Post("/requests", s.openDataRequest)
		})
		r.Post("/requests/{requestID}/close", s.closeDataRequest)

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", s.queryAudit)
			r.Get("/verify", s.verifyAudit)
		})

		r.Get("/reports/compliance", s.exportComplianceReport)
	})
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.logger.Info("shutting down server")
		return s.http.Shutdown(shutdownCtx)
	}
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total    int `json:"total"`
	Page     int `json:"page,omitempty"`
	PageSize int `json:"page_size,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.DB.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
