// Package monitor aggregates compliance state into metrics, an activity feed
// and deduplicated alerts. It only reads from the other components.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/tritrack/compliance/internal/audit"
	"github.com/tritrack/compliance/internal/identity"
	"github.com/tritrack/compliance/internal/metrics"
	"github.com/tritrack/compliance/internal/models"
)

// MarketingConsent is the consent type behind the headline consent rate.
const MarketingConsent = "Marketing"

var ErrAlertNotFound = errors.New("alert not found")

// Store holds alerts and the counters the monitor needs that no other
// component exposes.
type Store interface {
	FindOpenAlert(ctx context.Context, alertType models.AlertType, relatedEntityID string) (*models.ComplianceAlert, error)
	InsertAlert(ctx context.Context, a *models.ComplianceAlert) error
	ResolveAlert(ctx context.Context, id uuid.UUID, by string, at time.Time) error
	ListAlerts(ctx context.Context, unresolvedOnly bool, limit int) ([]*models.ComplianceAlert, error)
	CountDataRequests(ctx context.Context) (map[string]int, error)
	CountAbandonedNotifications(ctx context.Context) (int, error)
}

type ConsentSource interface {
	ConsentRate(ctx context.Context, consentType string, asOf time.Time) (float64, error)
}

type IncidentSource interface {
	List(ctx context.Context, filter models.IncidentFilter) ([]*models.BreachIncident, error)
	OverdueNotifications(ctx context.Context, now time.Time) ([]*models.BreachIncident, error)
	OpenLongerThan(ctx context.Context, now time.Time, sla time.Duration) ([]*models.BreachIncident, error)
}

type JobSource interface {
	ListJobs(ctx context.Context) ([]*models.RetentionJob, error)
}

type PolicySource interface {
	ListPolicies(ctx context.Context) ([]*models.RetentionPolicy, error)
}

type RecordSource interface {
	RecordStore(dataType string) (identity.RecordStore, bool)
}

type SecuritySource interface {
	ListEvents(ctx context.Context, filter models.SecurityEventFilter) ([]*models.SecurityEvent, error)
}

type AuditSource interface {
	Query(ctx context.Context, f audit.Filter, page, pageSize int) (*audit.Page, error)
	VerifyChain(ctx context.Context) (*audit.Verification, error)
}

// AlertNotifier is told about every newly raised alert.
type AlertNotifier interface {
	NotifyAlert(ctx context.Context, alert *models.ComplianceAlert) error
}

// Sources bundles the components the monitor reads from.
type Sources struct {
	Consent   ConsentSource
	Incidents IncidentSource
	Jobs      JobSource
	Policies  PolicySource
	Records   RecordSource
	Security  SecuritySource
	Audit     AuditSource
}

type Config struct {
	Interval            time.Duration
	IncidentSLA         time.Duration
	RecentActivityLimit int
	// RetentionGrace is how long a record may sit past its cutoff before
	// it counts as a violation, when no enabled job schedule for its data
	// type gives a longer interval.
	RetentionGrace time.Duration
}

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Monitor struct {
	store    Store
	src      Sources
	notifier AlertNotifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func New(store Store, src Sources, notifier AlertNotifier, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.IncidentSLA <= 0 {
		cfg.IncidentSLA = 24 * time.Hour
	}
	if cfg.RecentActivityLimit <= 0 {
		cfg.RecentActivityLimit = 20
	}
	if cfg.RetentionGrace <= 0 {
		cfg.RetentionGrace = 24 * time.Hour
	}
	return &Monitor{
		store:    store,
		src:      src,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// GdprComplianceMetrics is the dashboard summary.
type GdprComplianceMetrics struct {
	GeneratedAt           time.Time      `json:"generated_at"`
	ConsentRate           float64        `json:"consent_rate"`
	PendingDataRequests   int            `json:"pending_data_requests"`
	CompletedDataRequests int            `json:"completed_data_requests"`
	OpenBreaches          int            `json:"open_breaches"`
	ResolvedBreaches      int            `json:"resolved_breaches"`
	RetentionViolations   int            `json:"retention_violations"`
	ViolationsByDataType  map[string]int `json:"violations_by_data_type"`
	FailedJobs            int            `json:"failed_jobs"`
	FailedNotifications   int            `json:"failed_notifications"`
	OpenSecurityEvents    int            `json:"open_security_events"`
	OpenAlerts            int            `json:"open_alerts"`
	AuditChainValid       bool           `json:"audit_chain_valid"`
	AuditEntriesVerified  int            `json:"audit_entries_verified"`
}

// Metrics computes the current compliance posture.
func (m *Monitor) Metrics(ctx context.Context, now time.Time) (*GdprComplianceMetrics, error) {
	out := &GdprComplianceMetrics{
		GeneratedAt:          now.UTC(),
		ViolationsByDataType: make(map[string]int),
	}

	rate, err := m.src.Consent.ConsentRate(ctx, MarketingConsent, now)
	if err != nil {
		return nil, fmt.Errorf("computing consent rate: %w", err)
	}
	out.ConsentRate = rate

	requests, err := m.store.CountDataRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting data requests: %w", err)
	}
	out.PendingDataRequests = requests[string(models.DataRequestPending)]
	out.CompletedDataRequests = requests[string(models.DataRequestCompleted)]

	incidents, err := m.src.Incidents.List(ctx, models.IncidentFilter{Limit: 10000})
	if err != nil {
		return nil, fmt.Errorf("listing incidents: %w", err)
	}
	for _, inc := range incidents {
		if inc.Status.Rank() >= models.IncidentResolved.Rank() {
			out.ResolvedBreaches++
		} else {
			out.OpenBreaches++
		}
	}

	violations, err := m.retentionViolations(ctx, now)
	if err != nil {
		return nil, err
	}
	for dt, n := range violations {
		out.ViolationsByDataType[dt] = n
		out.RetentionViolations += n
	}

	failed, err := m.failedJobs(ctx)
	if err != nil {
		return nil, err
	}
	out.FailedJobs = len(failed)
	out.RetentionViolations += len(failed)

	if out.FailedNotifications, err = m.store.CountAbandonedNotifications(ctx); err != nil {
		return nil, fmt.Errorf("counting failed notifications: %w", err)
	}

	events, err := m.src.Security.ListEvents(ctx, models.SecurityEventFilter{UnresolvedOnly: true, Limit: 10000})
	if err != nil {
		return nil, fmt.Errorf("listing security events: %w", err)
	}
	out.OpenSecurityEvents = len(events)

	alerts, err := m.store.ListAlerts(ctx, true, 10000)
	if err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}
	out.OpenAlerts = len(alerts)

	v, err := m.src.Audit.VerifyChain(ctx)
	if err != nil {
		return nil, fmt.Errorf("verifying audit chain: %w", err)
	}
	out.AuditChainValid = v.Valid
	out.AuditEntriesVerified = v.Checked

	return out, nil
}

// retentionViolations counts records past cutoff for active auto-delete
// policies, keyed by data type. A record only counts once it has outlived
// the cutoff by the grace for its data type, so the gap between two normal
// job runs is not reported.
func (m *Monitor) retentionViolations(ctx context.Context, now time.Time) (map[string]int, error) {
	policies, err := m.src.Policies.ListPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing policies: %w", err)
	}
	grace, err := m.retentionGrace(ctx, now)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, p := range policies {
		if !p.IsActive || !p.AutoDelete {
			continue
		}
		rs, ok := m.src.Records.RecordStore(p.DataType)
		if !ok {
			continue
		}
		g := m.cfg.RetentionGrace
		if d := grace[p.DataType]; d > g {
			g = d
		}
		n, err := rs.CountExpired(ctx, p.Cutoff(now).Add(-g))
		if err != nil {
			return nil, fmt.Errorf("counting expired %s records: %w", p.DataType, err)
		}
		out[p.DataType] = n
	}
	return out, nil
}

// retentionGrace returns the longest schedule interval among enabled jobs,
// keyed by data type.
func (m *Monitor) retentionGrace(ctx context.Context, now time.Time) (map[string]time.Duration, error) {
	jobs, err := m.src.Jobs.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	out := make(map[string]time.Duration)
	for _, j := range jobs {
		if !j.IsEnabled || j.DataType == "" {
			continue
		}
		d, ok := scheduleInterval(j.Schedule, now)
		if ok && d > out[j.DataType] {
			out[j.DataType] = d
		}
	}
	return out, nil
}

func scheduleInterval(spec string, now time.Time) (time.Duration, bool) {
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return 0, false
	}
	first := sched.Next(now)
	second := sched.Next(first)
	if first.IsZero() || second.IsZero() {
		return 0, false
	}
	return second.Sub(first), true
}

func (m *Monitor) failedJobs(ctx context.Context) ([]*models.RetentionJob, error) {
	jobs, err := m.src.Jobs.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	var out []*models.RetentionJob
	for _, j := range jobs {
		if j.Status == models.JobFailed {
			out = append(out, j)
		}
	}
	return out, nil
}

// Activity is one item of the recent activity feed.
type Activity struct {
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	UserID     string    `json:"user_id,omitempty"`
	Summary    string    `json:"summary"`
}

// RecentActivity merges the newest audit entries, incidents and security
// events, newest first.
func (m *Monitor) RecentActivity(ctx context.Context, n int) ([]Activity, error) {
	if n <= 0 {
		n = m.cfg.RecentActivityLimit
	}

	page, err := m.src.Audit.Query(ctx, audit.Filter{}, 1, n)
	if err != nil {
		return nil, fmt.Errorf("reading audit trail: %w", err)
	}
	items := make([]Activity, 0, n*3)
	for _, e := range page.Items {
		items = append(items, Activity{
			Timestamp:  e.Timestamp,
			Source:     "audit",
			Action:     e.Action,
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			UserID:     e.UserID,
			Summary:    e.Details,
		})
	}

	incidents, err := m.src.Incidents.List(ctx, models.IncidentFilter{Limit: n})
	if err != nil {
		return nil, fmt.Errorf("listing incidents: %w", err)
	}
	for _, inc := range incidents {
		items = append(items, Activity{
			Timestamp:  inc.UpdatedAt,
			Source:     "incident",
			Action:     string(inc.Status),
			EntityType: "BreachIncident",
			EntityID:   inc.IncidentID,
			Summary:    fmt.Sprintf("%s breach (%s)", inc.BreachType, inc.Severity),
		})
	}

	events, err := m.src.Security.ListEvents(ctx, models.SecurityEventFilter{Limit: n})
	if err != nil {
		return nil, fmt.Errorf("listing security events: %w", err)
	}
	for _, ev := range events {
		items = append(items, Activity{
			Timestamp:  ev.CreatedAt,
			Source:     "security",
			Action:     ev.EventType,
			EntityType: "SecurityEvent",
			EntityID:   ev.ID.String(),
			UserID:     ev.UserID,
			Summary:    ev.Description,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.After(items[j].Timestamp)
	})
	if len(items) > n {
		items = items[:n]
	}
	return items, nil
}

// CheckAlerts evaluates every alert rule at now and returns the alerts that
// were newly raised.
func (m *Monitor) CheckAlerts(ctx context.Context, now time.Time) ([]*models.ComplianceAlert, error) {
	var candidates []models.ComplianceAlert

	violations, err := m.retentionViolations(ctx, now)
	if err != nil {
		return nil, err
	}
	for dt, n := range violations {
		if n == 0 {
			continue
		}
		candidates = append(candidates, models.ComplianceAlert{
			AlertType:         models.AlertRetentionViolation,
			Severity:          models.SeverityHigh,
			Title:             fmt.Sprintf("%s data retained past its retention period", dt),
			Message:           fmt.Sprintf("%d %s records are older than the active retention policy allows", n, dt),
			RelatedEntityType: "RetentionPolicy",
			RelatedEntityID:   dt,
		})
	}

	failed, err := m.failedJobs(ctx)
	if err != nil {
		return nil, err
	}
	for _, j := range failed {
		candidates = append(candidates, models.ComplianceAlert{
			AlertType:         models.AlertJobFailed,
			Severity:          models.SeverityHigh,
			Title:             fmt.Sprintf("Retention job %s failed", j.Name),
			Message:           j.LastError,
			RelatedEntityType: "RetentionJob",
			RelatedEntityID:   j.ID.String(),
		})
	}

	stale, err := m.src.Incidents.OpenLongerThan(ctx, now, m.cfg.IncidentSLA)
	if err != nil {
		return nil, err
	}
	for _, inc := range stale {
		candidates = append(candidates, models.ComplianceAlert{
			AlertType:         models.AlertIncidentSLA,
			Severity:          inc.Severity,
			Title:             fmt.Sprintf("Incident %s still open", inc.IncidentID),
			Message:           fmt.Sprintf("Detected %s and not yet under investigation (SLA %s)", inc.DetectedDate.Format(time.RFC3339), m.cfg.IncidentSLA),
			RelatedEntityType: "BreachIncident",
			RelatedEntityID:   inc.IncidentID,
		})
	}

	overdue, err := m.src.Incidents.OverdueNotifications(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, inc := range overdue {
		candidates = append(candidates, models.ComplianceAlert{
			AlertType:         models.AlertRegulatoryDeadline,
			Severity:          models.SeverityCritical,
			Title:             fmt.Sprintf("Regulator not notified of incident %s", inc.IncidentID),
			Message:           "The 72 hour notification window has passed without a recorded regulatory notification",
			RelatedEntityType: "BreachIncident",
			RelatedEntityID:   inc.IncidentID,
		})
	}

	v, err := m.src.Audit.VerifyChain(ctx)
	if err != nil {
		return nil, fmt.Errorf("verifying audit chain: %w", err)
	}
	if !v.Valid {
		candidates = append(candidates, models.ComplianceAlert{
			AlertType:         models.AlertAuditChainBroken,
			Severity:          models.SeverityCritical,
			Title:             "Audit trail integrity check failed",
			Message:           fmt.Sprintf("Entry %d: %s", v.BrokenAt, v.Reason),
			RelatedEntityType: "AuditLog",
			RelatedEntityID:   fmt.Sprint(v.BrokenAt),
		})
	}

	var raised []*models.ComplianceAlert
	for _, c := range candidates {
		a, created, err := m.raise(ctx, c)
		if err != nil {
			return raised, err
		}
		if created {
			raised = append(raised, a)
		}
	}
	return raised, nil
}

// Raise stores alert unless an unresolved alert with the same type and
// related entity exists, in which case the existing alert is returned.
func (m *Monitor) Raise(ctx context.Context, alert models.ComplianceAlert) (*models.ComplianceAlert, error) {
	a, _, err := m.raise(ctx, alert)
	return a, err
}

func (m *Monitor) raise(ctx context.Context, alert models.ComplianceAlert) (*models.ComplianceAlert, bool, error) {
	existing, err := m.store.FindOpenAlert(ctx, alert.AlertType, alert.RelatedEntityID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, false, fmt.Errorf("looking up alert: %w", err)
	}

	a := alert
	a.IsResolved = false
	if !a.Severity.Valid() {
		a.Severity = models.SeverityMedium
	}
	models.Stamp(&a.Base, m.now())
	if err := m.store.InsertAlert(ctx, &a); err != nil {
		if errors.Is(err, models.ErrConflict) {
			// Lost a race with another raiser of the same alert.
			existing, ferr := m.store.FindOpenAlert(ctx, alert.AlertType, alert.RelatedEntityID)
			if ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("saving alert: %w", err)
	}

	m.logger.Warn("compliance alert raised",
		"alert_id", a.ID,
		"alert_type", a.AlertType,
		"severity", a.Severity,
		"related_entity_id", a.RelatedEntityID)

	if m.notifier != nil {
		if err := m.notifier.NotifyAlert(ctx, &a); err != nil {
			m.logger.Error("failed to notify alert", "alert_id", a.ID, "error", err)
		}
	}
	return &a, true, nil
}

func (m *Monitor) ResolveAlert(ctx context.Context, id uuid.UUID, by string) error {
	if err := m.store.ResolveAlert(ctx, id, by, m.now().UTC()); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
		}
		return fmt.Errorf("resolving alert: %w", err)
	}
	m.logger.Info("compliance alert resolved", "alert_id", id, "resolved_by", by)
	return nil
}

func (m *Monitor) Alerts(ctx context.Context, unresolvedOnly bool, limit int) ([]*models.ComplianceAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	return m.store.ListAlerts(ctx, unresolvedOnly, limit)
}

// Run refreshes the Prometheus gauges and evaluates alerts every Interval
// until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick is one monitor pass. Failures are logged and retried next pass.
func (m *Monitor) Tick(ctx context.Context) {
	now := m.now().UTC()

	if _, err := m.CheckAlerts(ctx, now); err != nil {
		m.logger.Error("alert check failed", "error", err)
	}

	snap, err := m.Metrics(ctx, now)
	if err != nil {
		m.logger.Error("metrics refresh failed", "error", err)
		return
	}
	Publish(snap)

	alerts, err := m.store.ListAlerts(ctx, true, 10000)
	if err != nil {
		m.logger.Error("listing alerts failed", "error", err)
		return
	}
	metrics.AlertsOpen.Reset()
	for _, a := range alerts {
		metrics.AlertsOpen.WithLabelValues(string(a.AlertType)).Inc()
	}
}

// Publish copies snap into the Prometheus gauges.
func Publish(snap *GdprComplianceMetrics) {
	metrics.ConsentRate.Set(snap.ConsentRate)
	metrics.OpenBreaches.Set(float64(snap.OpenBreaches))
	metrics.PendingDataRequests.Set(float64(snap.PendingDataRequests))
	metrics.RetentionViolations.Reset()
	for dt, n := range snap.ViolationsByDataType {
		metrics.RetentionViolations.WithLabelValues(dt).Set(float64(n))
	}
}
