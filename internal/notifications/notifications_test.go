package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tritrack/compliance/internal/models"
	"github.com/tritrack/compliance/internal/store/memstore"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

type sentMail struct {
	from string
	to   []string
	msg  string
}

func (f *fakeMailer) SendMail(from string, to []string, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{from: from, to: to, msg: string(msg)})
	return nil
}

func slackServer(t *testing.T, status int) (*httptest.Server, *[]SlackMessage) {
	t.Helper()
	var mu sync.Mutex
	var got []SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg SlackMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestSend_SlackAndEmail(t *testing.T) {
	srv, got := slackServer(t, http.StatusOK)
	mailer := &fakeMailer{}
	svc := NewService(Config{
		Slack: SlackConfig{WebhookURL: srv.URL, Channel: "#compliance", Enabled: true},
		Email: EmailConfig{From: "noreply@tritrack.example", To: []string{"dpo@tritrack.example"}, Enabled: true},
	}, nil).WithMailer(mailer)

	err := svc.NotifyAlert(context.Background(), &models.ComplianceAlert{
		Base:              models.Base{CreatedAt: time.Now()},
		AlertType:         models.AlertJobFailed,
		Severity:          models.SeverityHigh,
		Title:             "Retention job triathlon-retention failed",
		Message:           "3 records failed",
		RelatedEntityType: "RetentionJob",
		RelatedEntityID:   "42",
	})
	require.NoError(t, err)

	require.Len(t, *got, 1)
	att := (*got)[0].Attachments[0]
	assert.Equal(t, "#FFA500", att.Color)
	assert.Equal(t, "#compliance", (*got)[0].Channel)
	require.Len(t, att.Fields, 3)
	assert.Equal(t, "Alert Type", att.Fields[0].Title, "fields are sorted by key")

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []string{"dpo@tritrack.example"}, mailer.sent[0].to)
	assert.Contains(t, mailer.sent[0].msg, "Subject: [Compliance] Retention job triathlon-retention failed")
	assert.Contains(t, mailer.sent[0].msg, "3 records failed")
}

func TestSend_MinSeverityFilters(t *testing.T) {
	srv, got := slackServer(t, http.StatusOK)
	svc := NewService(Config{
		Slack: SlackConfig{WebhookURL: srv.URL, Enabled: true, MinSeverity: models.SeverityHigh},
	}, nil)

	require.NoError(t, svc.Send(context.Background(), &Notification{Title: "minor", Severity: models.SeverityLow}))
	require.NoError(t, svc.Send(context.Background(), &Notification{Title: "major", Severity: models.SeverityCritical}))

	require.Len(t, *got, 1)
	assert.Equal(t, "major", (*got)[0].Attachments[0].Title)
}

func TestSend_DeliveryFailure(t *testing.T) {
	srv, _ := slackServer(t, http.StatusInternalServerError)
	svc := NewService(Config{
		Slack: SlackConfig{WebhookURL: srv.URL, Enabled: true},
		Email: EmailConfig{To: []string{"dpo@tritrack.example"}, Enabled: true},
	}, nil).WithMailer(&fakeMailer{err: errors.New("smtp 554")})

	err := svc.Send(context.Background(), &Notification{Title: "x", Severity: models.SeverityHigh})
	require.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Contains(t, err.Error(), "slack returned status 500")
	assert.Contains(t, err.Error(), "smtp 554")
}

func TestNotifyBreachReported(t *testing.T) {
	mailer := &fakeMailer{}
	svc := NewService(Config{Email: EmailConfig{To: []string{"dpo@tritrack.example"}, Enabled: true}}, nil).WithMailer(mailer)

	err := svc.NotifyBreachReported(context.Background(), &models.BreachIncident{
		IncidentID:   "BR-20260410-ABCD",
		BreachType:   "UnauthorizedAccess",
		Severity:     models.SeverityCritical,
		Description:  "public bucket",
		DetectedDate: time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, mailer.sent, 1)
	assert.Contains(t, mailer.sent[0].msg, "2026-04-13T08:00:00Z")
}

func TestSendRetentionNotice(t *testing.T) {
	mailer := &fakeMailer{}
	svc := NewService(Config{Email: EmailConfig{From: "noreply@tritrack.example", Enabled: true}}, nil).WithMailer(mailer)
	n := &models.RetentionNotification{
		UserID:         "u1",
		Email:          "athlete@example.com",
		Subject:        "Your TriathlonData data has reached the end of its retention period",
		Message:        "Records created before 2021-06-01 are past the retention period.",
		ExpirationDate: time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC),
	}

	require.NoError(t, svc.SendRetentionNotice(context.Background(), n))
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []string{"athlete@example.com"}, mailer.sent[0].to)
	assert.Contains(t, mailer.sent[0].msg, "2021-06-01")
	assert.Contains(t, mailer.sent[0].msg, "before your data is disposed of")

	n.Email = ""
	assert.ErrorIs(t, svc.SendRetentionNotice(context.Background(), n), ErrDeliveryFailed)

	disabled := NewService(Config{}, nil)
	n.Email = "athlete@example.com"
	assert.ErrorIs(t, disabled.SendRetentionNotice(context.Background(), n), ErrDeliveryFailed)
}

func TestFormatEmailBody_EscapesContent(t *testing.T) {
	body, err := formatEmailBody(&Notification{Title: "<script>alert(1)</script>", Message: "ok"})
	require.NoError(t, err)
	assert.False(t, strings.Contains(body, "<script>"))
}

type alertRecorder struct {
	alerts []models.ComplianceAlert
}

func (a *alertRecorder) Raise(_ context.Context, alert models.ComplianceAlert) (*models.ComplianceAlert, error) {
	a.alerts = append(a.alerts, alert)
	return &alert, nil
}

func enqueue(t *testing.T, st *memstore.Store, userID string) *models.RetentionNotification {
	t.Helper()
	n := &models.RetentionNotification{UserID: userID, Email: userID + "@example.com", Subject: "s", Message: "m"}
	models.Stamp(&n.Base, time.Now())
	require.NoError(t, st.EnqueueNotification(context.Background(), n))
	return n
}

func TestDispatcher_SendsAndMarks(t *testing.T) {
	st := memstore.New()
	enqueue(t, st, "u1")
	enqueue(t, st, "u2")

	var sent []string
	d := NewDispatcher(st, func(_ context.Context, n *models.RetentionNotification) error {
		sent = append(sent, n.UserID)
		return nil
	}, nil, DispatcherConfig{}, nil)

	res, err := d.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.ElementsMatch(t, []string{"u1", "u2"}, sent)

	for _, n := range st.Notifications() {
		assert.True(t, n.IsSent)
		assert.NotNil(t, n.SentAt)
	}

	res, err = d.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Sent, "sent notifications are not redelivered")
}

func TestDispatcher_BackoffThenAbandon(t *testing.T) {
	st := memstore.New()
	enqueue(t, st, "u1")
	alerts := &alertRecorder{}

	clock := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	d := NewDispatcher(st, func(context.Context, *models.RetentionNotification) error {
		return errors.New("mailbox unavailable")
	}, alerts, DispatcherConfig{BaseBackoff: time.Minute, MaxRetries: 3}, nil)
	d.now = func() time.Time { return clock }

	res, err := d.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	n := st.Notifications()[0]
	assert.Equal(t, 1, n.RetryCount)
	require.NotNil(t, n.NextRetry)
	assert.Equal(t, clock.Add(time.Minute), *n.NextRetry)

	res, err = d.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Failed, "not due before the backoff elapses")

	clock = clock.Add(time.Minute)
	_, err = d.DispatchDue(context.Background())
	require.NoError(t, err)
	n = st.Notifications()[0]
	assert.Equal(t, 2, n.RetryCount)
	assert.Equal(t, clock.Add(2*time.Minute), *n.NextRetry)

	clock = clock.Add(2 * time.Minute)
	res, err = d.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Abandoned)

	n = st.Notifications()[0]
	assert.True(t, n.Abandoned)
	assert.Equal(t, "mailbox unavailable", n.LastError)
	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, models.AlertNotificationDelivery, alerts.alerts[0].AlertType)

	clock = clock.Add(time.Hour)
	res, err = d.DispatchDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Failed+res.Sent, "abandoned notifications stay put")
}

func TestBackoff(t *testing.T) {
	d := NewDispatcher(memstore.New(), nil, nil, DispatcherConfig{BaseBackoff: 5 * time.Minute}, nil)

	assert.Equal(t, time.Duration(0), d.Backoff(0))
	assert.Equal(t, 5*time.Minute, d.Backoff(1))
	assert.Equal(t, 10*time.Minute, d.Backoff(2))
	assert.Equal(t, 40*time.Minute, d.Backoff(4))
}
