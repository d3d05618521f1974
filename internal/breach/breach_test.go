package breach

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tritrack/compliance/internal/audit"
	"github.com/tritrack/compliance/internal/models"
	"github.com/tritrack/compliance/internal/store/memstore"
)

var detected = time.Date(2026, 4, 10, 8, 30, 0, 0, time.UTC)

func newManager(t *testing.T) (*Manager, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	m := NewManager(st, st, audit.NewRecorder(st, st, nil), nil)
	m.now = func() time.Time { return detected.Add(time.Hour) }
	return m, st
}

func report(t *testing.T, m *Manager, regulatory, users bool) *models.BreachIncident {
	t.Helper()
	inc, err := m.Report(context.Background(), NewIncident{
		BreachType:                     "UnauthorizedAccess",
		Severity:                       models.SeverityHigh,
		Description:                    "results export bucket was publicly readable",
		DetectedDate:                   detected,
		AffectedUserIDs:                []string{"u1", "u2", "u1"},
		AffectedRecordCount:            420,
		DataCategories:                 []string{"race_results", "email"},
		RequiresRegulatoryNotification: regulatory,
		RequiresUserNotification:       users,
		ReportedBy:                     "officer-1",
	})
	require.NoError(t, err)
	return inc
}

func TestReport(t *testing.T) {
	m, st := newManager(t)
	inc := report(t, m, true, true)

	assert.Regexp(t, regexp.MustCompile(`^BR-20260410-[0-9A-F]{4}$`), inc.IncidentID)
	assert.Equal(t, models.IncidentOpen, inc.Status)
	assert.Equal(t, models.StringArray{"u1", "u2"}, inc.AffectedUserIDs)
	assert.Empty(t, inc.ContainmentActions)

	logs := st.AuditLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "BreachReported", logs[0].Action)
	assert.Equal(t, inc.IncidentID, logs[0].EntityID)
}

func TestReport_Validation(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	cases := []NewIncident{
		{Severity: models.SeverityLow, Description: "x", DetectedDate: detected},
		{BreachType: "Loss", Severity: "URGENT", Description: "x", DetectedDate: detected},
		{BreachType: "Loss", Severity: models.SeverityLow, Description: "x"},
		{BreachType: "Loss", Severity: models.SeverityLow, DetectedDate: detected},
	}
	for i, in := range cases {
		_, err := m.Report(ctx, in)
		assert.ErrorIs(t, err, ErrInvalidIncident, "case %d", i)
	}
}

func TestTransition_FullLifecycle(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()
	inc := report(t, m, true, true)

	inc, err := m.Transition(ctx, inc.IncidentID, models.IncidentUnderInvestigation, TransitionInput{Actor: "officer-1"})
	require.NoError(t, err)
	assert.Equal(t, models.IncidentUnderInvestigation, inc.Status)

	inc, err = m.Transition(ctx, inc.IncidentID, models.IncidentContained, TransitionInput{
		ContainmentActions: []string{"bucket ACL revoked"},
		RootCause:          "misconfigured export job",
	})
	require.NoError(t, err)
	assert.Equal(t, "misconfigured export job", inc.RootCause)

	regulator := detected.Add(48 * time.Hour)
	_, err = m.RecordRegulatoryNotification(ctx, inc.IncidentID, regulator, "officer-1")
	require.NoError(t, err)
	_, err = m.RecordUserNotification(ctx, inc.IncidentID, time.Time{}, "officer-1")
	require.NoError(t, err)

	inc, err = m.Transition(ctx, inc.IncidentID, models.IncidentResolved, TransitionInput{ResolutionNotes: "export job fixed"})
	require.NoError(t, err)
	require.NotNil(t, inc.ResolvedDate)
	assert.Equal(t, regulator, *inc.RegulatoryNotificationDate)

	inc, err = m.Transition(ctx, inc.IncidentID, models.IncidentClosed, TransitionInput{})
	require.NoError(t, err)
	require.NotNil(t, inc.ClosedDate)

	_, err = m.Transition(ctx, inc.IncidentID, models.IncidentClosed, TransitionInput{})
	assert.ErrorIs(t, err, ErrIncidentClosed)
	assert.ErrorIs(t, err, ErrIncidentStateViolation)

	_, err = m.AddContainmentAction(ctx, inc.IncidentID, "late action", "officer-1")
	assert.ErrorIs(t, err, ErrIncidentClosed)

	assert.Len(t, st.AuditLogs(), 7)
}

func TestTransition_ResolveWithoutContainmentFails(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()
	inc := report(t, m, false, false)

	_, err := m.Transition(ctx, inc.IncidentID, models.IncidentResolved, TransitionInput{})
	assert.ErrorIs(t, err, ErrIncidentStateViolation)

	stored, err := m.Get(ctx, inc.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentOpen, stored.Status)
	assert.Len(t, st.AuditLogs(), 1, "rejected transitions leave no audit entry")
}

func TestTransition_SkipsAheadWhenGuardsHold(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	inc := report(t, m, false, false)

	inc, err := m.Transition(ctx, inc.IncidentID, models.IncidentResolved, TransitionInput{
		ContainmentActions: []string{"credentials rotated"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.IncidentResolved, inc.Status)
}

func TestTransition_RequiresNotificationDates(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	inc := report(t, m, true, true)

	_, err := m.AddContainmentAction(ctx, inc.IncidentID, "bucket ACL revoked", "officer-1")
	require.NoError(t, err)

	_, err = m.Transition(ctx, inc.IncidentID, models.IncidentResolved, TransitionInput{})
	assert.ErrorContains(t, err, "regulatory notification")

	at := detected.Add(10 * time.Hour)
	_, err = m.Transition(ctx, inc.IncidentID, models.IncidentResolved, TransitionInput{RegulatoryNotificationDate: &at})
	assert.ErrorContains(t, err, "user notification")

	_, err = m.Transition(ctx, inc.IncidentID, models.IncidentResolved, TransitionInput{
		RegulatoryNotificationDate: &at,
		UserNotificationDate:       &at,
	})
	require.NoError(t, err)
}

func TestTransition_NoBackwardMoves(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	inc := report(t, m, false, false)

	_, err := m.Transition(ctx, inc.IncidentID, models.IncidentContained, TransitionInput{ContainmentActions: []string{"a"}})
	require.NoError(t, err)

	_, err = m.Transition(ctx, inc.IncidentID, models.IncidentUnderInvestigation, TransitionInput{})
	assert.ErrorIs(t, err, ErrIncidentStateViolation)

	_, err = m.Transition(ctx, inc.IncidentID, "Escalated", TransitionInput{})
	assert.ErrorIs(t, err, ErrIncidentStateViolation)

	_, err = m.Transition(ctx, "BR-00000000-0000", models.IncidentClosed, TransitionInput{})
	assert.ErrorIs(t, err, ErrIncidentNotFound)
}

func TestReopen(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	inc := report(t, m, false, true)
	at := detected.Add(5 * time.Hour)

	inc, err := m.Transition(ctx, inc.IncidentID, models.IncidentResolved, TransitionInput{
		ContainmentActions:   []string{"tokens revoked"},
		UserNotificationDate: &at,
	})
	require.NoError(t, err)

	_, err = m.Reopen(ctx, inc.IncidentID, "", nil, "officer-1")
	assert.ErrorIs(t, err, ErrInvalidIncident)

	inc, err = m.Reopen(ctx, inc.IncidentID, "more athletes affected", []string{"u2", "u3"}, "officer-1")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentUnderInvestigation, inc.Status)
	assert.Equal(t, 1, inc.ReopenCount)
	assert.Nil(t, inc.ResolvedDate)
	assert.Nil(t, inc.UserNotificationDate, "new subjects must be notified again")
	assert.Equal(t, models.StringArray{"u1", "u2", "u3"}, inc.AffectedUserIDs)
	assert.Contains(t, inc.ResolutionNotes, "more athletes affected")

	_, err = m.Reopen(ctx, inc.IncidentID, "again", nil, "officer-1")
	assert.ErrorIs(t, err, ErrIncidentStateViolation)
}

func TestMutate_AuditFailureRollsBack(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()
	inc := report(t, m, false, false)

	st.FailOn("AppendAuditLog", errors.New("audit unavailable"))
	_, err := m.AddContainmentAction(ctx, inc.IncidentID, "isolate host", "officer-1")
	require.ErrorIs(t, err, audit.ErrAuditWriteFailed)

	stored, err := m.Get(ctx, inc.IncidentID)
	require.NoError(t, err)
	assert.Empty(t, stored.ContainmentActions)
}

func TestMutate_StaleVersionConflicts(t *testing.T) {
	m, st := newManager(t)
	ctx := context.Background()
	inc := report(t, m, false, false)

	stale, err := st.GetIncident(ctx, inc.IncidentID)
	require.NoError(t, err)
	_, err = m.AddContainmentAction(ctx, inc.IncidentID, "first", "officer-1")
	require.NoError(t, err)

	stale.Description = "overwritten"
	assert.ErrorIs(t, st.UpdateIncident(ctx, stale), models.ErrConflict)
}

func TestOverdueAndSLA(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	overdue := report(t, m, true, false)
	notified := report(t, m, true, false)
	_, err := m.RecordRegulatoryNotification(ctx, notified.IncidentID, detected.Add(time.Hour), "officer-1")
	require.NoError(t, err)

	now := detected.Add(RegulatoryDeadline + time.Minute)
	list, err := m.OverdueNotifications(ctx, now)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, overdue.IncidentID, list[0].IncidentID)

	list, err = m.OverdueNotifications(ctx, detected.Add(RegulatoryDeadline-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, list)

	open, err := m.OpenLongerThan(ctx, detected.Add(25*time.Hour), 24*time.Hour)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestList(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	a := report(t, m, false, false)
	report(t, m, false, false)

	_, err := m.Transition(ctx, a.IncidentID, models.IncidentUnderInvestigation, TransitionInput{})
	require.NoError(t, err)

	list, err := m.List(ctx, models.IncidentFilter{Statuses: []models.IncidentStatus{models.IncidentOpen}})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = m.List(ctx, models.IncidentFilter{Severity: models.SeverityHigh})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

type recordingNotifier struct {
	got []string
	err error
}

func (n *recordingNotifier) NotifyBreachReported(_ context.Context, inc *models.BreachIncident) error {
	n.got = append(n.got, inc.IncidentID)
	return n.err
}

func TestReport_NotifiesOperators(t *testing.T) {
	m, _ := newManager(t)
	n := &recordingNotifier{err: errors.New("slack down")}
	m.WithNotifier(n)

	inc := report(t, m, false, false)
	assert.Equal(t, []string{inc.IncidentID}, n.got)
}
