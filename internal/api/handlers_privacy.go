package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tritrack/compliance/internal/breach"
	"github.com/tritrack/compliance/internal/consent"
	"github.com/tritrack/compliance/internal/models"
)

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.IncidentFilter{
		Severity: models.Severity(q.Get("severity")),
		Limit:    queryInt(r, "limit", 100),
		Offset:   queryInt(r, "offset", 0),
	}
	if st := q.Get("status"); st != "" {
		for _, part := range strings.Split(st, ",") {
			filter.Statuses = append(filter.Statuses, models.IncidentStatus(strings.TrimSpace(part)))
		}
	}
	since, err := parseTimeParam(r, "since")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_date", "since must be RFC 3339 or YYYY-MM-DD")
		return
	}
	filter.Since = since

	incidents, err := s.deps.Incidents.List(r.Context(), filter)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, incidents)
}

func (s *Server) reportIncident(w http.ResponseWriter, r *http.Request) {
	var req breach.NewIncident
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	req.ReportedBy = actor(r)

	inc, err := s.deps.Incidents.Report(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, inc)
}

func (s *Server) getIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.deps.Incidents.Get(r.Context(), chi.URLParam(r, "incidentID"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

type transitionRequest struct {
	Status models.IncidentStatus `json:"status"`
	breach.TransitionInput
}

func (s *Server) transitionIncident(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Status == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "status is required")
		return
	}
	req.Actor = actor(r)

	inc, err := s.deps.Incidents.Transition(r.Context(), chi.URLParam(r, "incidentID"), req.Status, req.TransitionInput)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

func (s *Server) addContainmentAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	inc, err := s.deps.Incidents.AddContainmentAction(r.Context(), chi.URLParam(r, "incidentID"), req.Action, actor(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

type reopenRequest struct {
	Reason          string   `json:"reason"`
	AffectedUserIDs []string `json:"affected_user_ids"`
}

func (s *Server) reopenIncident(w http.ResponseWriter, r *http.Request) {
	var req reopenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	inc, err := s.deps.Incidents.Reopen(r.Context(), chi.URLParam(r, "incidentID"), req.Reason, req.AffectedUserIDs, actor(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

type notificationRequest struct {
	// NotifiedAt defaults to now.
	NotifiedAt time.Time `json:"notified_at"`
}

func (s *Server) recordRegulatoryNotification(w http.ResponseWriter, r *http.Request) {
	s.recordNotification(w, r, s.deps.Incidents.RecordRegulatoryNotification)
}

func (s *Server) recordUserNotification(w http.ResponseWriter, r *http.Request) {
	s.recordNotification(w, r, s.deps.Incidents.RecordUserNotification)
}

func (s *Server) recordNotification(w http.ResponseWriter, r *http.Request,
	record func(ctx context.Context, incidentID string, at time.Time, actor string) (*models.BreachIncident, error)) {
	var req notificationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}

	inc, err := record(r.Context(), chi.URLParam(r, "incidentID"), req.NotifiedAt, actor(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

func (s *Server) getConsentHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.deps.Consents.History(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, history)
}

type recordConsentRequest struct {
	ConsentType string `json:"consent_type"`
	Granted     bool   `json:"granted"`
	Purpose     string `json:"purpose"`
	LegalBasis  string `json:"legal_basis"`
	Version     string `json:"version"`
}

func (s *Server) recordConsent(w http.ResponseWriter, r *http.Request) {
	var req recordConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	rec, err := s.deps.Consents.RecordConsent(r.Context(), consent.Input{
		UserID:      chi.URLParam(r, "userID"),
		ConsentType: req.ConsentType,
		Granted:     req.Granted,
		Purpose:     req.Purpose,
		LegalBasis:  req.LegalBasis,
		Version:     req.Version,
		IPAddress:   clientIP(r),
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) withdrawConsent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Consents.Withdraw(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "consentType"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) listDataRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.deps.Requests.ForUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, reqs)
}

func (s *Server) openDataRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestType models.DataRequestType `json:"request_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	dr, err := s.deps.Requests.Open(r.Context(), chi.URLParam(r, "userID"), req.RequestType)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, dr)
}

func (s *Server) closeDataRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "requestID", "request")
	if !ok {
		return
	}
	var req struct {
		Status models.DataRequestStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	dr, err := s.deps.Requests.Close(r.Context(), id, req.Status, actor(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, dr)
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
