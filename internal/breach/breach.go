// Package breach manages the lifecycle of personal-data breach incidents.
package breach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tritrack/compliance/internal/audit"
	"github.com/tritrack/compliance/internal/models"
)

// RegulatoryDeadline is the GDPR Art. 33 window for notifying the authority.
const RegulatoryDeadline = 72 * time.Hour

var (
	ErrIncidentNotFound       = errors.New("incident not found")
	ErrIncidentStateViolation = errors.New("incident state violation")
	ErrIncidentClosed         = fmt.Errorf("%w: incident is closed", ErrIncidentStateViolation)
	ErrInvalidIncident        = errors.New("invalid incident")
	ErrConcurrentUpdate       = errors.New("incident was modified concurrently")
)

const entityType = "BreachIncident"

// Store persists incidents. UpdateIncident succeeds only when inc.Version
// matches the stored version and then increments it; otherwise it returns
// models.ErrConflict.
type Store interface {
	CreateIncident(ctx context.Context, inc *models.BreachIncident) error
	GetIncident(ctx context.Context, incidentID string) (*models.BreachIncident, error)
	UpdateIncident(ctx context.Context, inc *models.BreachIncident) error
	ListIncidents(ctx context.Context, filter models.IncidentFilter) ([]*models.BreachIncident, error)
}

type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Notifier is told about every newly reported incident.
type Notifier interface {
	NotifyBreachReported(ctx context.Context, inc *models.BreachIncident) error
}

// Manager enforces the incident state machine.
type Manager struct {
	store    Store
	tx       Transactor
	audit    AuditRecorder
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewManager(store Store, tx Transactor, recorder AuditRecorder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		tx:     tx,
		audit:  recorder,
		logger: logger,
		now:    time.Now,
	}
}

// WithNotifier sets the operator notifier. Notification failures are logged
// and never fail the report.
func (m *Manager) WithNotifier(n Notifier) *Manager {
	m.notifier = n
	return m
}

// NewIncident is the input to Report.
type NewIncident struct {
	BreachType                     string          `json:"breach_type"`
	Severity                       models.Severity `json:"severity"`
	Description                    string          `json:"description"`
	DetectedDate                   time.Time       `json:"detected_date"`
	AffectedUserIDs                []string        `json:"affected_user_ids"`
	AffectedRecordCount            int             `json:"affected_record_count"`
	DataCategories                 []string        `json:"data_categories"`
	RequiresRegulatoryNotification bool            `json:"requires_regulatory_notification"`
	RequiresUserNotification       bool            `json:"requires_user_notification"`
	ReportedBy                     string          `json:"-"`
}

// TransitionInput carries the facts a transition may need to satisfy its
// guards. Set fields are applied before the guards are checked.
type TransitionInput struct {
	ContainmentActions         []string   `json:"containment_actions"`
	RootCause                  string     `json:"root_cause"`
	ResolutionNotes            string     `json:"resolution_notes"`
	RegulatoryNotificationDate *time.Time `json:"regulatory_notification_date"`
	UserNotificationDate       *time.Time `json:"user_notification_date"`
	Actor                      string     `json:"-"`
}

// Report opens a new incident.
func (m *Manager) Report(ctx context.Context, in NewIncident) (*models.BreachIncident, error) {
	switch {
	case strings.TrimSpace(in.BreachType) == "":
		return nil, fmt.Errorf("%w: breach type is required", ErrInvalidIncident)
	case !in.Severity.Valid():
		return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidIncident, in.Severity)
	case in.DetectedDate.IsZero():
		return nil, fmt.Errorf("%w: detected date is required", ErrInvalidIncident)
	case strings.TrimSpace(in.Description) == "":
		return nil, fmt.Errorf("%w: description is required", ErrInvalidIncident)
	}

	now := m.now().UTC()
	inc := &models.BreachIncident{
		BreachType:                     in.BreachType,
		Severity:                       in.Severity,
		Description:                    in.Description,
		DetectedDate:                   in.DetectedDate.UTC(),
		Status:                         models.IncidentOpen,
		AffectedUserIDs:                models.StringArray(dedupe(nil, in.AffectedUserIDs)),
		AffectedRecordCount:            in.AffectedRecordCount,
		DataCategories:                 models.StringArray(in.DataCategories),
		ContainmentActions:             models.StringArray{},
		RequiresRegulatoryNotification: in.RequiresRegulatoryNotification,
		RequiresUserNotification:       in.RequiresUserNotification,
		Version:                        1,
	}
	if inc.DataCategories == nil {
		inc.DataCategories = models.StringArray{}
	}
	models.Stamp(&inc.Base, now)

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		inc.IncidentID = newIncidentID(inc.DetectedDate)
		err = m.tx.InTx(ctx, func(ctx context.Context) error {
			if err := m.audit.Record(ctx, audit.Entry{
				Action:     "BreachReported",
				EntityType: entityType,
				EntityID:   inc.IncidentID,
				UserID:     in.ReportedBy,
				Details:    fmt.Sprintf("%s breach reported with severity %s", inc.BreachType, inc.Severity),
				NewValues:  snapshot(inc),
			}); err != nil {
				return err
			}
			return m.store.CreateIncident(ctx, inc)
		})
		if !errors.Is(err, models.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("reporting incident: %w", err)
	}

	m.logger.Warn("breach incident reported",
		"incident_id", inc.IncidentID,
		"breach_type", inc.BreachType,
		"severity", inc.Severity,
		"affected_users", len(inc.AffectedUserIDs))

	if m.notifier != nil {
		if err := m.notifier.NotifyBreachReported(ctx, inc); err != nil {
			m.logger.Error("failed to notify breach", "incident_id", inc.IncidentID, "error", err)
		}
	}
	return inc, nil
}

// Transition moves the incident forward to target. Skipping states is
// allowed when every guard up to target holds.
func (m *Manager) Transition(ctx context.Context, incidentID string, target models.IncidentStatus, in TransitionInput) (*models.BreachIncident, error) {
	return m.mutate(ctx, incidentID, "BreachStatusChanged", in.Actor, func(inc *models.BreachIncident, now time.Time) error {
		if target.Rank() < 0 {
			return fmt.Errorf("%w: unknown status %q", ErrIncidentStateViolation, target)
		}
		if inc.Status == models.IncidentClosed {
			return ErrIncidentClosed
		}
		if target.Rank() <= inc.Status.Rank() {
			return fmt.Errorf("%w: cannot move from %s to %s", ErrIncidentStateViolation, inc.Status, target)
		}

		inc.ContainmentActions = models.StringArray(dedupe(inc.ContainmentActions, in.ContainmentActions))
		if in.RootCause != "" {
			inc.RootCause = in.RootCause
		}
		if in.ResolutionNotes != "" {
			inc.ResolutionNotes = in.ResolutionNotes
		}
		if in.RegulatoryNotificationDate != nil {
			t := in.RegulatoryNotificationDate.UTC()
			inc.RegulatoryNotificationDate = &t
		}
		if in.UserNotificationDate != nil {
			t := in.UserNotificationDate.UTC()
			inc.UserNotificationDate = &t
		}

		if err := checkGuards(inc, target); err != nil {
			return err
		}

		if target.Rank() >= models.IncidentResolved.Rank() && inc.ResolvedDate == nil {
			inc.ResolvedDate = &now
		}
		if target == models.IncidentClosed {
			inc.ClosedDate = &now
		}
		inc.Status = target
		return nil
	})
}

// checkGuards verifies what entering target requires.
func checkGuards(inc *models.BreachIncident, target models.IncidentStatus) error {
	if target.Rank() >= models.IncidentContained.Rank() && len(inc.ContainmentActions) == 0 {
		return fmt.Errorf("%w: %s requires at least one containment action", ErrIncidentStateViolation, target)
	}
	if target.Rank() >= models.IncidentResolved.Rank() {
		if inc.RequiresRegulatoryNotification && inc.RegulatoryNotificationDate == nil {
			return fmt.Errorf("%w: %s requires the regulatory notification date", ErrIncidentStateViolation, target)
		}
		if inc.RequiresUserNotification && inc.UserNotificationDate == nil {
			return fmt.Errorf("%w: %s requires the user notification date", ErrIncidentStateViolation, target)
		}
	}
	return nil
}

func (m *Manager) AddContainmentAction(ctx context.Context, incidentID, action, actor string) (*models.BreachIncident, error) {
	action = strings.TrimSpace(action)
	if action == "" {
		return nil, fmt.Errorf("%w: containment action is empty", ErrInvalidIncident)
	}
	return m.mutate(ctx, incidentID, "BreachContainmentAdded", actor, func(inc *models.BreachIncident, _ time.Time) error {
		if inc.Status == models.IncidentClosed {
			return ErrIncidentClosed
		}
		inc.ContainmentActions = models.StringArray(dedupe(inc.ContainmentActions, []string{action}))
		return nil
	})
}

func (m *Manager) RecordRegulatoryNotification(ctx context.Context, incidentID string, at time.Time, actor string) (*models.BreachIncident, error) {
	return m.mutate(ctx, incidentID, "BreachRegulatorNotified", actor, func(inc *models.BreachIncident, now time.Time) error {
		if inc.Status == models.IncidentClosed {
			return ErrIncidentClosed
		}
		t := notificationTime(at, now)
		inc.RegulatoryNotificationDate = &t
		return nil
	})
}

func (m *Manager) RecordUserNotification(ctx context.Context, incidentID string, at time.Time, actor string) (*models.BreachIncident, error) {
	return m.mutate(ctx, incidentID, "BreachUsersNotified", actor, func(inc *models.BreachIncident, now time.Time) error {
		if inc.Status == models.IncidentClosed {
			return ErrIncidentClosed
		}
		t := notificationTime(at, now)
		inc.UserNotificationDate = &t
		return nil
	})
}

// Reopen returns a Resolved incident to UnderInvestigation, for example when
// further affected users are discovered.
func (m *Manager) Reopen(ctx context.Context, incidentID, reason string, affectedUserIDs []string, actor string) (*models.BreachIncident, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: reopen reason is required", ErrInvalidIncident)
	}
	return m.mutate(ctx, incidentID, "BreachReopened", actor, func(inc *models.BreachIncident, now time.Time) error {
		if inc.Status == models.IncidentClosed {
			return ErrIncidentClosed
		}
		if inc.Status != models.IncidentResolved {
			return fmt.Errorf("%w: only resolved incidents can be reopened, status is %s", ErrIncidentStateViolation, inc.Status)
		}
		inc.Status = models.IncidentUnderInvestigation
		inc.ResolvedDate = nil
		inc.ReopenCount++
		before := len(inc.AffectedUserIDs)
		inc.AffectedUserIDs = models.StringArray(dedupe(inc.AffectedUserIDs, affectedUserIDs))
		if added := len(inc.AffectedUserIDs) - before; added > 0 && inc.RequiresUserNotification {
			// New subjects have not been told yet.
			inc.UserNotificationDate = nil
		}
		note := fmt.Sprintf("Reopened %s: %s", now.Format(time.RFC3339), reason)
		if inc.ResolutionNotes != "" {
			note = inc.ResolutionNotes + "\n" + note
		}
		inc.ResolutionNotes = note
		return nil
	})
}

func (m *Manager) Get(ctx context.Context, incidentID string) (*models.BreachIncident, error) {
	inc, err := m.store.GetIncident(ctx, incidentID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, incidentID)
		}
		return nil, fmt.Errorf("getting incident: %w", err)
	}
	return inc, nil
}

func (m *Manager) List(ctx context.Context, filter models.IncidentFilter) ([]*models.BreachIncident, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return m.store.ListIncidents(ctx, filter)
}

// OverdueNotifications lists incidents still owing the regulator a notice
// more than RegulatoryDeadline after detection.
func (m *Manager) OverdueNotifications(ctx context.Context, now time.Time) ([]*models.BreachIncident, error) {
	incs, err := m.store.ListIncidents(ctx, models.IncidentFilter{
		Statuses: openStatuses(),
	})
	if err != nil {
		return nil, fmt.Errorf("listing incidents: %w", err)
	}
	var out []*models.BreachIncident
	for _, inc := range incs {
		if inc.RequiresRegulatoryNotification && inc.RegulatoryNotificationDate == nil &&
			now.Sub(inc.DetectedDate) > RegulatoryDeadline {
			out = append(out, inc)
		}
	}
	return out, nil
}

// OpenLongerThan lists incidents still in Open status after sla.
func (m *Manager) OpenLongerThan(ctx context.Context, now time.Time, sla time.Duration) ([]*models.BreachIncident, error) {
	incs, err := m.store.ListIncidents(ctx, models.IncidentFilter{
		Statuses: []models.IncidentStatus{models.IncidentOpen},
	})
	if err != nil {
		return nil, fmt.Errorf("listing incidents: %w", err)
	}
	var out []*models.BreachIncident
	for _, inc := range incs {
		if now.Sub(inc.DetectedDate) > sla {
			out = append(out, inc)
		}
	}
	return out, nil
}

func (m *Manager) mutate(ctx context.Context, incidentID, action, actor string, fn func(*models.BreachIncident, time.Time) error) (*models.BreachIncident, error) {
	var out *models.BreachIncident
	err := m.tx.InTx(ctx, func(ctx context.Context) error {
		inc, err := m.Get(ctx, incidentID)
		if err != nil {
			return err
		}
		before := snapshot(inc)
		prevStatus := inc.Status

		now := m.now().UTC()
		if err := fn(inc, now); err != nil {
			return err
		}
		models.Stamp(&inc.Base, now)

		details := action
		if inc.Status != prevStatus {
			details = fmt.Sprintf("%s: %s -> %s", action, prevStatus, inc.Status)
		}
		if err := m.audit.Record(ctx, audit.Entry{
			Action:     action,
			EntityType: entityType,
			EntityID:   inc.IncidentID,
			UserID:     actor,
			Details:    details,
			OldValues:  before,
			NewValues:  snapshot(inc),
		}); err != nil {
			return err
		}

		if err := m.store.UpdateIncident(ctx, inc); err != nil {
			if errors.Is(err, models.ErrConflict) {
				return fmt.Errorf("%w: %s", ErrConcurrentUpdate, incidentID)
			}
			return fmt.Errorf("updating incident: %w", err)
		}
		out = inc
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("breach incident updated",
		"incident_id", out.IncidentID,
		"action", action,
		"status", out.Status)
	return out, nil
}

func openStatuses() []models.IncidentStatus {
	return []models.IncidentStatus{
		models.IncidentOpen,
		models.IncidentUnderInvestigation,
		models.IncidentContained,
	}
}

func newIncidentID(detected time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:4])
	return fmt.Sprintf("BR-%s-%s", detected.UTC().Format("20060102"), suffix)
}

func notificationTime(at, now time.Time) time.Time {
	if at.IsZero() {
		return now
	}
	return at.UTC()
}

func dedupe(existing, add []string) []string {
	out := make([]string, 0, len(existing)+len(add))
	seen := make(map[string]struct{}, len(existing)+len(add))
	for _, list := range [][]string{existing, add} {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func snapshot(inc *models.BreachIncident) map[string]interface{} {
	m := map[string]interface{}{
		"status":                           string(inc.Status),
		"severity":                         string(inc.Severity),
		"affected_user_count":              len(inc.AffectedUserIDs),
		"affected_record_count":            inc.AffectedRecordCount,
		"containment_actions":              []string(inc.ContainmentActions),
		"requires_regulatory_notification": inc.RequiresRegulatoryNotification,
		"requires_user_notification":       inc.RequiresUserNotification,
		"reopen_count":                     inc.ReopenCount,
	}
	if inc.RegulatoryNotificationDate != nil {
		m["regulatory_notification_date"] = inc.RegulatoryNotificationDate.Format(time.RFC3339)
	}
	if inc.UserNotificationDate != nil {
		m["user_notification_date"] = inc.UserNotificationDate.Format(time.RFC3339)
	}
	return m
}
