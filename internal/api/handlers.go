package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tritrack/compliance/internal/audit"
	"github.com/tritrack/compliance/internal/auth"
	"github.com/tritrack/compliance/internal/breach"
	"github.com/tritrack/compliance/internal/consent"
	"github.com/tritrack/compliance/internal/models"
	"github.com/tritrack/compliance/internal/monitor"
	"github.com/tritrack/compliance/internal/reports"
	"github.com/tritrack/compliance/internal/retention"
	"github.com/tritrack/compliance/internal/scheduler"
	"github.com/tritrack/compliance/internal/security"
)

// respondServiceError maps component errors onto HTTP statuses. Anything
// unrecognised is logged and reported without detail.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, scheduler.ErrJobNotFound),
		errors.Is(err, breach.ErrIncidentNotFound),
		errors.Is(err, monitor.ErrAlertNotFound),
		errors.Is(err, retention.ErrPolicyNotFound),
		errors.Is(err, security.ErrEventNotFound),
		errors.Is(err, consent.ErrRequestNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, scheduler.ErrJobAlreadyRunning):
		respondError(w, http.StatusConflict, "job_running", err.Error())
	case errors.Is(err, breach.ErrIncidentStateViolation):
		respondError(w, http.StatusConflict, "state_violation", err.Error())
	case errors.Is(err, breach.ErrConcurrentUpdate),
		errors.Is(err, models.ErrConflict),
		errors.Is(err, consent.ErrRequestClosed):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, breach.ErrInvalidIncident),
		errors.Is(err, retention.ErrInvalidPolicy),
		errors.Is(err, consent.ErrInvalidConsent),
		errors.Is(err, consent.ErrNoConsentToWithdraw),
		errors.Is(err, scheduler.ErrInvalidJob),
		errors.Is(err, scheduler.ErrInvalidSchedule),
		errors.Is(err, security.ErrInvalidAddress),
		errors.Is(err, security.ErrInvalidEvent),
		errors.Is(err, security.ErrInvalidIndicator),
		errors.Is(err, reports.ErrUnsupportedFormat):
		respondError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
	case errors.Is(err, scheduler.ErrJobTimeout):
		respondError(w, http.StatusGatewayTimeout, "job_timeout", err.Error())
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

func actor(r *http.Request) string {
	if claims, ok := auth.GetUserFromContext(r.Context()); ok {
		return claims.UserID
	}
	return ""
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name, label string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid "+label+" ID")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}

// parseTimeParam accepts RFC 3339 timestamps or plain dates.
func parseTimeParam(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Server) getComplianceMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Monitor.Metrics(r.Context(), s.now().UTC())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) getRecentActivity(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Monitor.RecentActivity(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, items)
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.deps.Policies.ListPolicies(r.Context())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, policies)
}

type upsertPolicyRequest struct {
	DataType            string                `json:"data_type"`
	RetentionPeriodDays int                   `json:"retention_period_days"`
	LegalBasis          string                `json:"legal_basis"`
	Description         string                `json:"description"`
	IsActive            bool                  `json:"is_active"`
	AutoDelete          bool                  `json:"auto_delete"`
	DeletionMethod      models.DeletionMethod `json:"deletion_method"`
}

func (s *Server) upsertPolicy(w http.ResponseWriter, r *http.Request) {
	var req upsertPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	policy := &models.RetentionPolicy{
		DataType:            req.DataType,
		RetentionPeriodDays: req.RetentionPeriodDays,
		LegalBasis:          req.LegalBasis,
		Description:         req.Description,
		IsActive:            req.IsActive,
		AutoDelete:          req.AutoDelete,
		DeletionMethod:      req.DeletionMethod,
	}
	if err := s.deps.Policies.UpsertPolicy(r.Context(), policy); err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.logger.Info("retention policy updated",
		"data_type", policy.DataType,
		"policy_id", policy.ID,
		"updated_by", actor(r))
	respondJSON(w, http.StatusOK, policy)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Jobs.ListJobs(r.Context())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "jobID", "job")
	if !ok {
		return
	}
	job, err := s.deps.Jobs.GetJob(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) getJobExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "jobID", "job")
	if !ok {
		return
	}
	execs, err := s.deps.Jobs.Executions(r.Context(), id, queryInt(r, "limit", 50))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, execs)
}

type runResponse struct {
	JobID     uuid.UUID `json:"job_id"`
	Status    string    `json:"status"`
	Processed int       `json:"processed"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Notified  int       `json:"notified"`
	Errors    []string  `json:"errors,omitempty"`
	Message   string    `json:"message,omitempty"`
}

func (s *Server) runJobNow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "jobID", "job")
	if !ok {
		return
	}

	res, err := s.deps.Jobs.RunNow(r.Context(), id)
	out := runResponse{
		JobID:     id,
		Status:    string(models.JobSucceeded),
		Processed: res.Processed,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
		Notified:  res.Notified,
		Errors:    res.Errors,
	}
	switch {
	case err == nil:
	case errors.Is(err, retention.ErrNoEligibleData):
		out.Message = err.Error()
	case res.Processed > 0:
		// The run happened and was recorded; some records failed.
		out.Status = string(models.JobFailed)
		out.Message = err.Error()
	default:
		s.respondServiceError(w, r, err)
		return
	}

	s.logger.Info("retention job triggered manually",
		"job_id", id,
		"status", out.Status,
		"processed", out.Processed,
		"triggered_by", actor(r))
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) enableJob(w http.ResponseWriter, r *http.Request) {
	s.toggleJob(w, r, true)
}

func (s *Server) disableJob(w http.ResponseWriter, r *http.Request) {
	s.toggleJob(w, r, false)
}

func (s *Server) toggleJob(w http.ResponseWriter, r *http.Request, enable bool) {
	id, ok := parseUUIDParam(w, r, "jobID", "job")
	if !ok {
		return
	}

	var err error
	if enable {
		err = s.deps.Jobs.EnableJob(r.Context(), id)
	} else {
		err = s.deps.Jobs.DisableJob(r.Context(), id)
	}
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	job, err := s.deps.Jobs.GetJob(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// requeueJob makes the job due on the next scheduler tick.
func (s *Server) requeueJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "jobID", "job")
	if !ok {
		return
	}
	if err := s.deps.Jobs.Requeue(r.Context(), id); err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	job, err := s.deps.Jobs.GetJob(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.logger.Info("retention job requeued", "job_id", id, "requeued_by", actor(r))
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	unresolved := r.URL.Query().Get("unresolved") != "false"
	alerts, err := s.deps.Monitor.Alerts(r.Context(), unresolved, queryInt(r, "limit", 100))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, alerts)
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "alertID", "alert")
	if !ok {
		return
	}
	if err := s.deps.Monitor.ResolveAlert(r.Context(), id, actor(r)); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) queryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTimeParam(r, "from")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_date", "from must be RFC 3339 or YYYY-MM-DD")
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_date", "to must be RFC 3339 or YYYY-MM-DD")
		return
	}

	filter := audit.Filter{
		UserID:     q.Get("userId"),
		Action:     q.Get("action"),
		EntityType: q.Get("entityType"),
		From:       from,
		To:         to,
		SearchTerm: q.Get("q"),
	}
	page, err := s.deps.Audit.Query(r.Context(), filter, queryInt(r, "page", 1), queryInt(r, "pageSize", 50))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	respondJSONWithMeta(w, http.StatusOK, page.Items, &apiMeta{
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
	})
}

func (s *Server) verifyAudit(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Audit.VerifyChain(r.Context())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

// exportComplianceReport streams the report. With store=true it is also
// uploaded to the report sink and the object location returned in a header.
func (s *Server) exportComplianceReport(w http.ResponseWriter, r *http.Request) {
	format, err := reports.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	since, err := parseTimeParam(r, "since")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_date", "since must be RFC 3339 or YYYY-MM-DD")
		return
	}

	report, err := s.deps.Reports.Generate(r.Context(), &reports.ReportRequest{
		Format:      format,
		Title:       r.URL.Query().Get("title"),
		GeneratedBy: actor(r),
		Since:       since,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	if r.URL.Query().Get("store") == "true" {
		if s.deps.Sink == nil {
			respondError(w, http.StatusServiceUnavailable, "sink_unavailable", "Report storage is not configured")
			return
		}
		location, err := s.deps.Sink.Store(r.Context(), report)
		if err != nil {
			s.respondServiceError(w, r, err)
			return
		}
		w.Header().Set("X-Report-Location", location)
	}

	w.Header().Set("Content-Type", report.MimeType)
	w.Header().Set("Content-Disposition", "attachment; filename="+report.Filename)
	w.Header().Set("Content-Length", strconv.Itoa(len(report.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(report.Data)
}
