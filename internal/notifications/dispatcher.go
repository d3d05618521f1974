package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tritrack/compliance/internal/metrics"
	"github.com/tritrack/compliance/internal/models"
)

// DispatchStore holds queued retention notifications.
type DispatchStore interface {
	// ListDueNotifications returns unsent, non-abandoned notifications whose
	// NextRetry is unset or not after now.
	ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]*models.RetentionNotification, error)
	UpdateNotification(ctx context.Context, n *models.RetentionNotification) error
}

type SendFunc func(ctx context.Context, n *models.RetentionNotification) error

type AlertSink interface {
	Raise(ctx context.Context, alert models.ComplianceAlert) (*models.ComplianceAlert, error)
}

type DispatcherConfig struct {
	BaseBackoff time.Duration
	MaxRetries  int
	BatchSize   int
}

// Dispatcher delivers queued notifications with exponential backoff.
type Dispatcher struct {
	store  DispatchStore
	send   SendFunc
	alerts AlertSink
	cfg    DispatcherConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewDispatcher(store DispatchStore, send SendFunc, alerts AlertSink, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Dispatcher{
		store:  store,
		send:   send,
		alerts: alerts,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

type DispatchResult struct {
	Sent      int
	Failed    int
	Abandoned int
}

// DispatchDue sends every due notification once. A failure schedules the
// next attempt at BaseBackoff * 2^retries; after MaxRetries failures the
// notification is abandoned and a standing alert is raised.
func (d *Dispatcher) DispatchDue(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult

	due, err := d.store.ListDueNotifications(ctx, d.now().UTC(), d.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("listing due notifications: %w", err)
	}

	for _, n := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		sendErr := d.send(ctx, n)
		now := d.now().UTC()
		n.UpdatedAt = now

		if sendErr == nil {
			n.IsSent = true
			n.SentAt = &now
			n.NextRetry = nil
			n.LastError = ""
			res.Sent++
			metrics.NotificationsTotal.WithLabelValues("sent").Inc()
		} else {
			n.RetryCount++
			n.LastError = sendErr.Error()
			res.Failed++
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()

			if n.RetryCount >= d.cfg.MaxRetries {
				n.Abandoned = true
				n.NextRetry = nil
				res.Abandoned++
				metrics.NotificationsTotal.WithLabelValues("abandoned").Inc()
			} else {
				next := now.Add(d.Backoff(n.RetryCount))
				n.NextRetry = &next
			}
			d.logger.Warn("retention notification delivery failed",
				"notification_id", n.ID,
				"user_id", n.UserID,
				"retry_count", n.RetryCount,
				"abandoned", n.Abandoned,
				"error", sendErr)
		}

		if err := d.store.UpdateNotification(ctx, n); err != nil {
			return res, fmt.Errorf("updating notification %s: %w", n.ID, err)
		}

		if n.Abandoned && d.alerts != nil {
			if _, err := d.alerts.Raise(ctx, models.ComplianceAlert{
				AlertType:         models.AlertNotificationDelivery,
				Severity:          models.SeverityMedium,
				Title:             "Retention notification could not be delivered",
				Message:           fmt.Sprintf("Gave up after %d attempts: %s", n.RetryCount, n.LastError),
				RelatedEntityType: "RetentionNotification",
				RelatedEntityID:   n.ID.String(),
			}); err != nil {
				d.logger.Error("failed to raise delivery alert", "notification_id", n.ID, "error", err)
			}
		}
	}

	if len(due) > 0 {
		d.logger.Info("retention notifications dispatched",
			"sent", res.Sent,
			"failed", res.Failed,
			"abandoned", res.Abandoned)
	}
	return res, nil
}

// Backoff is the delay before the attempt following retries failures.
func (d *Dispatcher) Backoff(retries int) time.Duration {
	if retries < 1 {
		return 0
	}
	return d.cfg.BaseBackoff * time.Duration(1<<uint(retries-1))
}
