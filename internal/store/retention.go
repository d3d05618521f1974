package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tritrack/compliance/internal/models"
)

// Retention policies

const policyColumns = `id, data_type, retention_period_days, legal_basis, description, is_active,
	auto_delete, deletion_method, created_at, updated_at`

func (s *Store) GetActivePolicy(ctx context.Context, dataType string) (*models.RetentionPolicy, error) {
	var p models.RetentionPolicy
	err := s.q(ctx).GetContext(ctx, &p, `
		SELECT `+policyColumns+` FROM retention_policies WHERE data_type = $1 AND is_active
	`, dataType)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) GetPolicy(ctx context.Context, id uuid.UUID) (*models.RetentionPolicy, error) {
	var p models.RetentionPolicy
	if err := s.q(ctx).GetContext(ctx, &p, `SELECT `+policyColumns+` FROM retention_policies WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) ListPolicies(ctx context.Context) ([]*models.RetentionPolicy, error) {
	var out []*models.RetentionPolicy
	err := s.q(ctx).SelectContext(ctx, &out, `
		SELECT `+policyColumns+` FROM retention_policies ORDER BY data_type, created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("listing retention policies: %w", err)
	}
	return out, nil
}

// SavePolicy upserts by ID. The partial unique index on active policies
// rejects a second active policy for a data type with models.ErrConflict.
func (s *Store) SavePolicy(ctx context.Context, p *models.RetentionPolicy) error {
	models.Stamp(&p.Base, time.Now())
	_, err := s.q(ctx).NamedExecContext(ctx, `
		INSERT INTO retention_policies (`+policyColumns+`)
		VALUES (:id, :data_type, :retention_period_days, :legal_basis, :description, :is_active,
			:auto_delete, :deletion_method, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			data_type = EXCLUDED.data_type,
			retention_period_days = EXCLUDED.retention_period_days,
			legal_basis = EXCLUDED.legal_basis,
			description = EXCLUDED.description,
			is_active = EXCLUDED.is_active,
			auto_delete = EXCLUDED.auto_delete,
			deletion_method = EXCLUDED.deletion_method,
			updated_at = EXCLUDED.updated_at
	`, p)
	if isUniqueViolation(err) {
		return models.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("saving retention policy: %w", err)
	}
	return nil
}

func (s *Store) DeactivatePolicies(ctx context.Context, dataType string, keep uuid.UUID) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE retention_policies SET is_active = FALSE, updated_at = NOW()
		WHERE data_type = $1 AND id <> $2 AND is_active
	`, dataType, keep)
	if err != nil {
		return fmt.Errorf("deactivating retention policies: %w", err)
	}
	return nil
}

// Retention output

func (s *Store) InsertArchive(ctx context.Context, a *models.DataArchive) error {
	_, err := s.q(ctx).NamedExecContext(ctx, `
		INSERT INTO data_archives (id, original_entity_type, original_entity_id, user_id,
			archived_data, archived_at, original_created_at, archive_reason, expires_at,
			created_at, updated_at)
		VALUES (:id, :original_entity_type, :original_entity_id, :user_id, :archived_data,
			:archived_at, :original_created_at, :archive_reason, :expires_at, :created_at, :updated_at)
	`, a)
	if err != nil {
		return fmt.Errorf("inserting data archive: %w", err)
	}
	return nil
}

// PurgeExpiredArchives removes archive snapshots past their expiry.
func (s *Store) PurgeExpiredArchives(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM data_archives WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purging data archives: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) InsertRetentionAuditTrail(ctx context.Context, t *models.RetentionAuditTrail) error {
	_, err := s.q(ctx).NamedExecContext(ctx, `
		INSERT INTO retention_audit_trails (id, job_id, execution_id, entity_type, entity_id,
			user_id, action, deletion_method, success, error_message, performed_at, created_at, updated_at)
		VALUES (:id, :job_id, :execution_id, :entity_type, :entity_id, :user_id, :action,
			:deletion_method, :success, :error_message, :performed_at, :created_at, :updated_at)
	`, t)
	if err != nil {
		return fmt.Errorf("inserting retention audit trail: %w", err)
	}
	return nil
}

func (s *Store) CompleteRetentionAuditTrail(ctx context.Context, id uuid.UUID, success bool, errMsg string) error {
	return requireRow(s.q(ctx).ExecContext(ctx, `
		UPDATE retention_audit_trails SET success = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1
	`, id, success, errMsg))
}

func (s *Store) ListRetentionAuditTrails(ctx context.Context, executionID uuid.UUID) ([]*models.RetentionAuditTrail, error) {
	var out []*models.RetentionAuditTrail
	err := s.q(ctx).SelectContext(ctx, &out, `
		SELECT id, job_id, execution_id, entity_type, entity_id, user_id, action, deletion_method,
			success, error_message, performed_at, created_at, updated_at
		FROM retention_audit_trails WHERE execution_id = $1 ORDER BY performed_at
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("listing retention audit trails: %w", err)
	}
	return out, nil
}

// Retention notifications

const notificationColumns = `id, user_id, email, subject, message, expiration_date, is_sent,
	sent_at, retry_count, next_retry, last_error, abandoned, created_at, updated_at`

func (s *Store) EnqueueNotification(ctx context.Context, n *models.RetentionNotification) error {
	_, err := s.q(ctx).NamedExecContext(ctx, `
		INSERT INTO retention_notifications (`+notificationColumns+`)
		VALUES (:id, :user_id, :email, :subject, :message, :expiration_date, :is_sent, :sent_at,
			:retry_count, :next_retry, :last_error, :abandoned, :created_at, :updated_at)
	`, n)
	if err != nil {
		return fmt.Errorf("enqueueing retention notification: %w", err)
	}
	return nil
}

func (s *Store) HasPendingNotification(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.q(ctx).GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM retention_notifications
			WHERE user_id = $1 AND NOT is_sent AND NOT abandoned
		)
	`, userID)
	if err != nil {
		return false, fmt.Errorf("checking pending notifications: %w", err)
	}
	return exists, nil
}

func (s *Store) ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]*models.RetentionNotification, error) {
	var out []*models.RetentionNotification
	err := s.q(ctx).SelectContext(ctx, &out, `
		SELECT `+notificationColumns+` FROM retention_notifications
		WHERE NOT is_sent AND NOT abandoned AND (next_retry IS NULL OR next_retry <= $1)
		ORDER BY created_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing due notifications: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateNotification(ctx context.Context, n *models.RetentionNotification) error {
	return requireRow(s.q(ctx).ExecContext(ctx, `
		UPDATE retention_notifications SET
			is_sent = $2, sent_at = $3, retry_count = $4, next_retry = $5, last_error = $6,
			abandoned = $7, updated_at = $8
		WHERE id = $1
	`, n.ID, n.IsSent, n.SentAt, n.RetryCount, n.NextRetry, n.LastError, n.Abandoned, n.UpdatedAt))
}

func (s *Store) CountAbandonedNotifications(ctx context.Context) (int, error) {
	var n int
	if err := s.q(ctx).GetContext(ctx, &n, `SELECT COUNT(*) FROM retention_notifications WHERE abandoned`); err != nil {
		return 0, fmt.Errorf("counting abandoned notifications: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
