package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tritrack/compliance/internal/audit"
	"github.com/tritrack/compliance/internal/auth"
	"github.com/tritrack/compliance/internal/breach"
	"github.com/tritrack/compliance/internal/config"
	"github.com/tritrack/compliance/internal/consent"
	"github.com/tritrack/compliance/internal/models"
	"github.com/tritrack/compliance/internal/monitor"
	"github.com/tritrack/compliance/internal/reports"
	"github.com/tritrack/compliance/internal/retention"
	"github.com/tritrack/compliance/internal/scheduler"
	"github.com/tritrack/compliance/internal/security"
	"github.com/tritrack/compliance/internal/store/memstore"
)

type fakeMonitor struct {
	resolved []uuid.UUID
	alerts   []*models.ComplianceAlert
}

func (f *fakeMonitor) Metrics(_ context.Context, now time.Time) (*monitor.GdprComplianceMetrics, error) {
	return &monitor.GdprComplianceMetrics{GeneratedAt: now, ConsentRate: 62.5, OpenBreaches: 1, AuditChainValid: true}, nil
}

func (f *fakeMonitor) RecentActivity(_ context.Context, n int) ([]monitor.Activity, error) {
	return []monitor.Activity{{Source: "audit", Action: "ConsentGranted"}}, nil
}

func (f *fakeMonitor) Alerts(context.Context, bool, int) ([]*models.ComplianceAlert, error) {
	return f.alerts, nil
}

func (f *fakeMonitor) ResolveAlert(_ context.Context, id uuid.UUID, _ string) error {
	for _, a := range f.alerts {
		if a.ID == id {
			f.resolved = append(f.resolved, id)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", monitor.ErrAlertNotFound, id)
}

type fakeJobs struct {
	job        *models.RetentionJob
	result     retention.Result
	runErr     error
	requeueErr error
}

func (f *fakeJobs) ListJobs(context.Context) ([]*models.RetentionJob, error) {
	return []*models.RetentionJob{f.job}, nil
}

func (f *fakeJobs) GetJob(_ context.Context, id uuid.UUID) (*models.RetentionJob, error) {
	if id != f.job.ID {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrJobNotFound, id)
	}
	return f.job, nil
}

func (f *fakeJobs) Executions(context.Context, uuid.UUID, int) ([]*models.RetentionJobExecution, error) {
	return nil, nil
}

func (f *fakeJobs) RunNow(ctx context.Context, id uuid.UUID) (retention.Result, error) {
	if _, err := f.GetJob(ctx, id); err != nil {
		return retention.Result{}, err
	}
	return f.result, f.runErr
}

func (f *fakeJobs) EnableJob(context.Context, uuid.UUID) error {
	f.job.IsEnabled = true
	return nil
}

func (f *fakeJobs) DisableJob(context.Context, uuid.UUID) error {
	f.job.IsEnabled = false
	return nil
}

func (f *fakeJobs) Requeue(ctx context.Context, id uuid.UUID) error {
	if _, err := f.GetJob(ctx, id); err != nil {
		return err
	}
	if f.requeueErr != nil {
		return f.requeueErr
	}
	now := time.Now().UTC()
	f.job.Status = models.JobPending
	f.job.NextRun = &now
	return nil
}

type fakeSink struct {
	stored *reports.Report
}

func (f *fakeSink) Store(_ context.Context, r *reports.Report) (string, error) {
	f.stored = r
	return "s3://reports/" + r.Filename, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type testServer struct {
	srv      *Server
	auth     *auth.Service
	st       *memstore.Store
	monitor  *fakeMonitor
	jobs     *fakeJobs
	security *security.Service
	sink     *fakeSink
	db       *pinger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	authSvc, err := auth.NewService(auth.Config{JWTSecret: "test-secret"})
	require.NoError(t, err)

	st := memstore.New()
	rec := audit.NewRecorder(st, st, nil)
	policies := retention.NewPolicyEngine(st, st, nil)
	incidents := breach.NewManager(st, st, rec, nil)
	mon := &fakeMonitor{}
	jobs := &fakeJobs{job: &models.RetentionJob{Name: "TriathlonData retention", DataType: "TriathlonData", Schedule: "0 3 * * *"}}
	jobs.job.ID = uuid.New()
	sink := &fakeSink{}
	db := &pinger{}
	sec := security.NewService(st, nil, security.Config{LockoutThreshold: 3}, nil)

	srv := NewServer(config.ServerConfig{CORSAllowOrigin: "https://admin.tritrack.example"}, Deps{
		Auth:      authSvc,
		Monitor:   mon,
		Jobs:      jobs,
		Policies:  policies,
		Incidents: incidents,
		Security:  sec,
		Consents:  consent.NewLedger(st, st, rec, memstore.NewUsers(), nil, nil),
		Requests:  consent.NewRequests(st, st, rec, nil),
		Audit:     rec,
		Reports: reports.NewGenerator(reports.Sources{
			Metrics:   mon,
			Policies:  policies,
			Jobs:      jobs,
			Incidents: incidents,
		}),
		Sink: sink,
		DB:   db,
	})
	srv.now = func() time.Time { return time.Date(2026, 4, 13, 9, 30, 0, 0, time.UTC) }

	return &testServer{srv: srv, auth: authSvc, st: st, monitor: mon, jobs: jobs, security: sec, sink: sink, db: db}
}

func (ts *testServer) token(t *testing.T, roles ...auth.Role) string {
	t.Helper()
	tok, err := ts.auth.IssueToken("officer-1", "dpo@tritrack.example", roles, time.Hour)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return ts.doFrom(t, "", method, path, token, body)
}

// doFrom sends the request as if from ip, via the X-Real-IP header.
func (ts *testServer) doFrom(t *testing.T, ip, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if ip != "" {
		req.Header.Set("X-Real-IP", ip)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
	Meta    *apiMeta        `json:"meta"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	if out != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return env
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://admin.tritrack.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = ts.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.db.err = errors.New("connection refused")
	rec = ts.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	env := decode(t, rec, nil)
	assert.Equal(t, "db_unavailable", env.Error.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/health", "", nil)

	rec := ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "compliance_api_requests_total")
}

func TestAPI_RequiresComplianceRole(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/compliance/metrics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/compliance/metrics", ts.token(t, "Athlete"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/compliance/metrics", ts.token(t, auth.RoleComplianceOfficer), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap monitor.GdprComplianceMetrics
	decode(t, rec, &snap)
	assert.Equal(t, 62.5, snap.ConsentRate)
	assert.True(t, snap.AuditChainValid)
}

func TestRecentActivity(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/compliance/activity?limit=5", ts.token(t, auth.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var items []monitor.Activity
	decode(t, rec, &items)
	require.Len(t, items, 1)
	assert.Equal(t, "ConsentGranted", items[0].Action)
}

func TestPolicies_UpsertNeedsAdmin(t *testing.T) {
	ts := newTestServer(t)
	body := upsertPolicyRequest{
		DataType:            "TriathlonData",
		RetentionPeriodDays: 1825,
		IsActive:            true,
		AutoDelete:          true,
		DeletionMethod:      models.DeletionHard,
	}

	rec := ts.do(t, http.MethodPut, "/api/v1/retention/policies", ts.token(t, auth.RoleComplianceOfficer), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/v1/retention/policies", ts.token(t, auth.RoleAdmin), body)
	require.Equal(t, http.StatusOK, rec.Code)

	body.DeletionMethod = "Shred"
	rec = ts.do(t, http.MethodPut, "/api/v1/retention/policies", ts.token(t, auth.RoleAdmin), body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/retention/policies", ts.token(t, auth.RoleComplianceOfficer), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var policies []*models.RetentionPolicy
	decode(t, rec, &policies)
	require.Len(t, policies, 1)
	assert.Equal(t, 1825, policies[0].RetentionPeriodDays)
}

func TestRunJobNow(t *testing.T) {
	tests := []struct {
		name       string
		path       func(ts *testServer) string
		result     retention.Result
		runErr     error
		wantStatus int
		wantJob    string
	}{
		{
			name:       "succeeded",
			result:     retention.Result{Processed: 3, Succeeded: 3},
			wantStatus: http.StatusOK,
			wantJob:    string(models.JobSucceeded),
		},
		{
			name:       "no eligible data",
			runErr:     retention.ErrNoEligibleData,
			wantStatus: http.StatusOK,
			wantJob:    string(models.JobSucceeded),
		},
		{
			name:       "partial failure",
			result:     retention.Result{Processed: 3, Succeeded: 2, Failed: 1, Errors: []string{"r1: boom"}},
			runErr:     errors.New("1 records failed"),
			wantStatus: http.StatusOK,
			wantJob:    string(models.JobFailed),
		},
		{
			name:       "already running",
			runErr:     scheduler.ErrJobAlreadyRunning,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "timeout",
			runErr:     fmt.Errorf("%w after 2h0m0s", scheduler.ErrJobTimeout),
			wantStatus: http.StatusGatewayTimeout,
		},
		{
			name:       "unknown job",
			path:       func(*testServer) string { return "/api/v1/retention/jobs/" + uuid.NewString() + "/run" },
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "malformed id",
			path:       func(*testServer) string { return "/api/v1/retention/jobs/nope/run" },
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			tok := ts.token(t, auth.RoleComplianceOfficer)
			ts.jobs.result = tt.result
			ts.jobs.runErr = tt.runErr

			path := "/api/v1/retention/jobs/" + ts.jobs.job.ID.String() + "/run"
			if tt.path != nil {
				path = tt.path(ts)
			}
			rec := ts.do(t, http.MethodPost, path, tok, nil)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantJob == "" {
				return
			}
			var out runResponse
			decode(t, rec, &out)
			assert.Equal(t, tt.wantJob, out.Status)
			assert.Equal(t, tt.result.Failed, out.Failed)
		})
	}
}

func TestEnableDisableJob(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, auth.RoleAdmin)
	base := "/api/v1/retention/jobs/" + ts.jobs.job.ID.String()

	rec := ts.do(t, http.MethodPost, base+"/enable", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ts.jobs.job.IsEnabled)

	rec = ts.do(t, http.MethodPost, base+"/disable", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job models.RetentionJob
	decode(t, rec, &job)
	assert.False(t, job.IsEnabled)
}

func TestResolveAlert(t *testing.T) {
	ts := newTestServer(t)
	alert := &models.ComplianceAlert{AlertType: models.AlertJobFailed, Severity: models.SeverityHigh}
	alert.ID = uuid.New()
	ts.monitor.alerts = []*models.ComplianceAlert{alert}
	tok := ts.token(t, auth.RoleComplianceOfficer)

	rec := ts.do(t, http.MethodPost, "/api/v1/alerts/"+alert.ID.String()+"/resolve", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uuid.UUID{alert.ID}, ts.monitor.resolved)

	rec = ts.do(t, http.MethodPost, "/api/v1/alerts/"+uuid.NewString()+"/resolve", tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	env := decode(t, rec, nil)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestIncidentLifecycle(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, auth.RoleComplianceOfficer)

	rec := ts.do(t, http.MethodPost, "/api/v1/incidents", tok, breach.NewIncident{
		BreachType:          "UnauthorizedAccess",
		Severity:            models.SeverityHigh,
		Description:         "results export bucket was publicly readable",
		DetectedDate:        time.Now().Add(-time.Hour),
		AffectedUserIDs:     []string{"u1"},
		AffectedRecordCount: 12,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var inc models.BreachIncident
	decode(t, rec, &inc)
	assert.Equal(t, models.IncidentOpen, inc.Status)
	base := "/api/v1/incidents/" + inc.IncidentID

	rec = ts.do(t, http.MethodPost, base+"/transition", tok, map[string]string{"status": "Resolved"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	env := decode(t, rec, nil)
	assert.Equal(t, "state_violation", env.Error.Code)

	rec = ts.do(t, http.MethodPost, base+"/containment", tok, map[string]string{"action": "bucket made private"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, base+"/transition", tok, map[string]interface{}{
		"status":     "Contained",
		"root_cause": "misconfigured ACL",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &inc)
	assert.Equal(t, models.IncidentContained, inc.Status)
	assert.Equal(t, "misconfigured ACL", inc.RootCause)

	rec = ts.do(t, http.MethodGet, base, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/incidents?status=Contained", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []*models.BreachIncident
	decode(t, rec, &list)
	assert.Len(t, list, 1)

	rec = ts.do(t, http.MethodGet, "/api/v1/incidents/BR-20990101-0000", tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/incidents", tok, map[string]string{"breach_type": "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestConsentEndpoints(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, auth.RoleComplianceOfficer)

	rec := ts.do(t, http.MethodPost, "/api/v1/users/u1/consents", tok, recordConsentRequest{
		ConsentType: "Marketing",
		Granted:     true,
		Purpose:     "race result emails",
		LegalBasis:  "consent",
		Version:     "v2",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodDelete, "/api/v1/users/u1/consents/Marketing", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var withdrawn models.ConsentRecord
	decode(t, rec, &withdrawn)
	assert.False(t, withdrawn.IsGranted)
	assert.NotNil(t, withdrawn.WithdrawnDate)

	rec = ts.do(t, http.MethodDelete, "/api/v1/users/u2/consents/Marketing", tok, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/users/u1/consents", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []*models.ConsentRecord
	decode(t, rec, &history)
	assert.Len(t, history, 2)
}

func TestDataRequests(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, auth.RoleComplianceOfficer)

	rec := ts.do(t, http.MethodPost, "/api/v1/users/u1/requests", tok, map[string]string{"request_type": "erasure"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var dr models.DataRequest
	decode(t, rec, &dr)

	rec = ts.do(t, http.MethodPost, "/api/v1/requests/"+dr.ID.String()+"/close", tok, map[string]string{"status": "completed"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/requests/"+dr.ID.String()+"/close", tok, map[string]string{"status": "rejected"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/users/u1/requests", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []*models.DataRequest
	decode(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, models.DataRequestCompleted, list[0].Status)
}

func TestAuditQueryAndVerify(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, auth.RoleComplianceOfficer)
	for _, u := range []string{"u1", "u2", "u1"} {
		rec := ts.do(t, http.MethodPost, "/api/v1/users/"+u+"/requests", tok, map[string]string{"request_type": "export"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/audit?userId=u1&page=1&pageSize=1", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var items []*models.AuditLog
	env := decode(t, rec, &items)
	require.NotNil(t, env.Meta)
	assert.Equal(t, 2, env.Meta.Total)
	assert.Len(t, items, 1)
	assert.Equal(t, "u1", items[0].UserID)

	rec = ts.do(t, http.MethodGet, "/api/v1/audit?from=yesterday", tok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/audit/verify", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var v audit.Verification
	decode(t, rec, &v)
	assert.True(t, v.Valid)
	assert.Equal(t, 3, v.Checked)
}

func TestExportComplianceReport(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, auth.RoleComplianceOfficer)

	rec := ts.do(t, http.MethodGet, "/api/v1/reports/compliance?format=json", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Regexp(t, `^attachment; filename=compliance_\d{8}_\d{6}\.json$`, rec.Header().Get("Content-Disposition"))
	var snap reports.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 62.5, snap.Metrics.ConsentRate)
	assert.Equal(t, "officer-1", snap.GeneratedBy)

	rec = ts.do(t, http.MethodGet, "/api/v1/reports/compliance?format=csv&store=true", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "Metric,Value"))
	require.NotNil(t, ts.sink.stored)
	assert.Equal(t, "s3://reports/"+ts.sink.stored.Filename, rec.Header().Get("X-Report-Location"))

	rec = ts.do(t, http.MethodGet, "/api/v1/reports/compliance?format=docx", tok, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRequeueJob(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, auth.RoleComplianceOfficer)
	base := "/api/v1/retention/jobs/" + ts.jobs.job.ID.String()

	rec := ts.do(t, http.MethodPost, base+"/requeue", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var job models.RetentionJob
	decode(t, rec, &job)
	assert.Equal(t, models.JobPending, job.Status)
	require.NotNil(t, job.NextRun)

	ts.jobs.requeueErr = fmt.Errorf("%w: job %s", scheduler.ErrJobAlreadyRunning, ts.jobs.job.ID)
	rec = ts.do(t, http.MethodPost, base+"/requeue", tok, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	env := decode(t, rec, nil)
	assert.Equal(t, "job_running", env.Error.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/retention/jobs/"+uuid.NewString()+"/requeue", tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIncidentNotifications(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, auth.RoleComplianceOfficer)

	rec := ts.do(t, http.MethodPost, "/api/v1/incidents", tok, breach.NewIncident{
		BreachType:          "UnauthorizedAccess",
		Severity:            models.SeverityCritical,
		Description:         "training logs exposed through a debug endpoint",
		DetectedDate:        time.Now().Add(-2 * time.Hour),
		AffectedUserIDs:     []string{"u1", "u2"},
		AffectedRecordCount: 40,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var inc models.BreachIncident
	decode(t, rec, &inc)
	base := "/api/v1/incidents/" + inc.IncidentID

	notified := time.Date(2026, 4, 13, 8, 0, 0, 0, time.UTC)
	rec = ts.do(t, http.MethodPost, base+"/notifications/regulator", tok, map[string]time.Time{"notified_at": notified})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &inc)
	require.NotNil(t, inc.RegulatoryNotificationDate)
	assert.True(t, notified.Equal(*inc.RegulatoryNotificationDate))

	rec = ts.do(t, http.MethodPost, base+"/notifications/users", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &inc)
	assert.NotNil(t, inc.UserNotificationDate)

	rec = ts.do(t, http.MethodPost, "/api/v1/incidents/BR-20990101-0000/notifications/users", tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSecurity_RejectedTokensRaiseBruteForceEvent(t *testing.T) {
	ts := newTestServer(t)
	const attacker = "203.0.113.7"

	for i := 0; i < 3; i++ {
		rec := ts.doFrom(t, attacker, http.MethodGet, "/api/v1/compliance/metrics", "not-a-token", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	n, err := ts.security.RecentFailedAttempts(context.Background(), attacker, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	tok := ts.token(t, auth.RoleComplianceOfficer)
	rec := ts.doFrom(t, "198.51.100.1", http.MethodGet, "/api/v1/security/events?type="+security.EventBruteForce, tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []*models.SecurityEvent
	decode(t, rec, &events)
	require.Len(t, events, 1)
	assert.Equal(t, attacker, events[0].IPAddress)

	rec = ts.do(t, http.MethodPost, "/api/v1/security/events/"+events[0].ID.String()+"/resolve", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/v1/security/events?unresolved=true", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &events)
	assert.Empty(t, events)

	rec = ts.do(t, http.MethodPost, "/api/v1/security/events/"+uuid.NewString()+"/resolve", tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSecurity_BlockAndAllowRules(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.token(t, auth.RoleAdmin)
	officer := ts.token(t, auth.RoleComplianceOfficer)
	const operator = "198.51.100.1"

	rec := ts.doFrom(t, operator, http.MethodPost, "/api/v1/security/ip-rules", officer,
		map[string]string{"ip_address": "203.0.113.0/24", "action": "block"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "rules need the admin role")

	rec = ts.doFrom(t, operator, http.MethodPost, "/api/v1/security/ip-rules", admin,
		map[string]string{"ip_address": "203.0.113.0/24", "action": "block", "reason": "scanner"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rule models.IPAccessControl
	decode(t, rec, &rule)
	assert.Equal(t, "203.0.113.0/24", rule.IPAddress)
	assert.Nil(t, rule.ExpiresAt)

	rec = ts.doFrom(t, "203.0.113.9", http.MethodGet, "/api/v1/compliance/metrics", officer, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	env := decode(t, rec, nil)
	assert.Equal(t, "ip_blocked", env.Error.Code)

	rec = ts.doFrom(t, operator, http.MethodGet, "/api/v1/compliance/metrics", officer, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.doFrom(t, operator, http.MethodPost, "/api/v1/security/ip-rules", admin,
		map[string]string{"ip_address": "203.0.113.9", "action": "allow", "reason": "office vpn"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.doFrom(t, "203.0.113.9", http.MethodGet, "/api/v1/compliance/metrics", officer, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "allow rules win over blocks")

	rec = ts.doFrom(t, operator, http.MethodPost, "/api/v1/security/ip-rules", admin,
		map[string]string{"ip_address": "not-an-ip", "action": "block"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.doFrom(t, operator, http.MethodPost, "/api/v1/security/ip-rules", admin,
		map[string]string{"ip_address": "203.0.113.10", "action": "quarantine"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.doFrom(t, operator, http.MethodPost, "/api/v1/security/ip-rules", admin,
		map[string]string{"ip_address": "203.0.113.10", "action": "block", "ttl": "soon"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSecurity_ThreatIndicatorRejectsRequest(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.token(t, auth.RoleAdmin)

	rec := ts.do(t, http.MethodPost, "/api/v1/security/indicators", admin, indicatorRequest{
		Indicator:     "198.51.100.66",
		IndicatorType: "ip",
		ThreatType:    "botnet",
		Severity:      models.SeverityHigh,
		Source:        "abuse feed",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.doFrom(t, "198.51.100.66", http.MethodGet, "/api/v1/compliance/metrics", admin, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	events, err := ts.security.ListEvents(context.Background(), models.SecurityEventFilter{EventType: security.EventThreatIndicator})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "198.51.100.66", events[0].IPAddress)
	assert.Equal(t, models.SeverityHigh, events[0].Severity)

	rec = ts.do(t, http.MethodPost, "/api/v1/security/indicators", admin, indicatorRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSecurity_AccessAttemptsAndLoginCheck(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t, auth.RoleComplianceOfficer)

	rec := ts.do(t, http.MethodPost, "/api/v1/security/access-attempts", tok, accessAttemptRequest{
		Email:         "jane@example.com",
		IPAddress:     "192.0.2.50",
		FailureReason: "wrong password",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/security/access-attempts", tok, accessAttemptRequest{Email: "jane@example.com"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/security/login-check", tok, loginCheckRequest{IPAddress: "192.0.2.50"})
	require.Equal(t, http.StatusOK, rec.Code)
	var d security.Decision
	decode(t, rec, &d)
	assert.True(t, d.Allowed)

	until := time.Now().Add(time.Hour)
	rec = ts.do(t, http.MethodPost, "/api/v1/security/login-check", tok, loginCheckRequest{
		IPAddress:         "192.0.2.50",
		AccessFailedCount: 5,
		LockoutEnd:        &until,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &d)
	assert.False(t, d.Allowed)
	assert.Equal(t, "account is locked out", d.Reason)

	rec = ts.do(t, http.MethodPost, "/api/v1/security/login-check", tok, loginCheckRequest{IPAddress: "nope"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
