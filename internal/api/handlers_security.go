package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tritrack/compliance/internal/models"
)

func (s *Server) listSecurityEvents(w http.ResponseWriter, r *http.Request) {
	filter := models.SecurityEventFilter{
		UnresolvedOnly: r.URL.Query().Get("unresolved") == "true",
		EventType:      r.URL.Query().Get("type"),
		Limit:          queryInt(r, "limit", 100),
	}
	since, err := parseTimeParam(r, "since")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_date", "since must be RFC 3339 or YYYY-MM-DD")
		return
	}
	filter.Since = since

	events, err := s.deps.Security.ListEvents(r.Context(), filter)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

type securityEventRequest struct {
	EventType   string            `json:"event_type"`
	Severity    models.Severity   `json:"severity"`
	UserID      string            `json:"user_id"`
	IPAddress   string            `json:"ip_address"`
	UserAgent   string            `json:"user_agent"`
	Description string            `json:"description"`
	Details     map[string]string `json:"details"`
}

func (s *Server) recordSecurityEvent(w http.ResponseWriter, r *http.Request) {
	var req securityEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	event := &models.SecurityEvent{
		EventType:   req.EventType,
		Severity:    req.Severity,
		UserID:      req.UserID,
		IPAddress:   req.IPAddress,
		UserAgent:   req.UserAgent,
		Description: req.Description,
		Details:     models.Metadata(req.Details),
	}
	if err := s.deps.Security.RecordEvent(r.Context(), event); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, event)
}

func (s *Server) resolveSecurityEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "eventID", "event")
	if !ok {
		return
	}
	if err := s.deps.Security.ResolveEvent(r.Context(), id, actor(r)); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

type accessAttemptRequest struct {
	UserID        string    `json:"user_id"`
	Email         string    `json:"email"`
	IPAddress     string    `json:"ip_address"`
	UserAgent     string    `json:"user_agent"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason"`
	AttemptedAt   time.Time `json:"attempted_at"`
}

// recordAccessAttempt takes sign-in outcomes reported by the identity
// provider.
func (s *Server) recordAccessAttempt(w http.ResponseWriter, r *http.Request) {
	var req accessAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if strings.TrimSpace(req.IPAddress) == "" {
		respondError(w, http.StatusUnprocessableEntity, "validation_error", "ip_address is required")
		return
	}

	attempt := &models.AccessAttempt{
		UserID:        req.UserID,
		Email:         req.Email,
		IPAddress:     req.IPAddress,
		UserAgent:     req.UserAgent,
		Success:       req.Success,
		FailureReason: req.FailureReason,
		AttemptedAt:   req.AttemptedAt,
	}
	if err := s.deps.Security.RecordAccessAttempt(r.Context(), attempt); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, attempt)
}

type loginCheckRequest struct {
	IPAddress         string     `json:"ip_address"`
	AccessFailedCount int        `json:"access_failed_count"`
	LockoutEnd        *time.Time `json:"lockout_end"`
}

// reportedCredentials is the lockout state the identity provider sends
// along with a login check.
type reportedCredentials struct {
	failed     int
	lockoutEnd *time.Time
}

func (c reportedCredentials) PasswordHash() string   { return "" }
func (c reportedCredentials) AccessFailedCount() int { return c.failed }
func (c reportedCredentials) LockoutEnd() *time.Time { return c.lockoutEnd }

func (s *Server) evaluateLogin(w http.ResponseWriter, r *http.Request) {
	var req loginCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	decision, err := s.deps.Security.EvaluateLogin(r.Context(), req.IPAddress, reportedCredentials{
		failed:     req.AccessFailedCount,
		lockoutEnd: req.LockoutEnd,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, decision)
}

type ipRuleRequest struct {
	IPAddress string          `json:"ip_address"`
	Action    models.IPAction `json:"action"`
	Reason    string          `json:"reason"`
	// TTL is a Go duration such as "24h". Empty never expires.
	TTL string `json:"ttl"`
}

func (s *Server) saveIPRule(w http.ResponseWriter, r *http.Request) {
	var req ipRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d < 0 {
			respondError(w, http.StatusUnprocessableEntity, "validation_error", "ttl must be a positive duration")
			return
		}
		ttl = d
	}

	var (
		rule *models.IPAccessControl
		err  error
	)
	switch req.Action {
	case models.IPBlock:
		rule, err = s.deps.Security.BlockIP(r.Context(), req.IPAddress, req.Reason, ttl)
	case models.IPAllow:
		rule, err = s.deps.Security.AllowIP(r.Context(), req.IPAddress, req.Reason, ttl)
	default:
		respondError(w, http.StatusUnprocessableEntity, "validation_error", "action must be block or allow")
		return
	}
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.logger.Info("ip rule saved via api",
		"ip_address", rule.IPAddress,
		"action", rule.Action,
		"saved_by", actor(r))
	respondJSON(w, http.StatusOK, rule)
}

type indicatorRequest struct {
	Indicator     string          `json:"indicator"`
	IndicatorType string          `json:"indicator_type"`
	ThreatType    string          `json:"threat_type"`
	Severity      models.Severity `json:"severity"`
	Source        string          `json:"source"`
}

func (s *Server) addIndicator(w http.ResponseWriter, r *http.Request) {
	var req indicatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	ti := &models.ThreatIntelligence{
		Indicator:     req.Indicator,
		IndicatorType: req.IndicatorType,
		ThreatType:    req.ThreatType,
		Severity:      req.Severity,
		Source:        req.Source,
	}
	if err := s.deps.Security.AddIndicator(r.Context(), ti); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ti)
}
