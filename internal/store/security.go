package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tritrack/compliance/internal/models"
)

// Security telemetry

const eventColumns = `id, event_type, severity, user_id, ip_address, user_agent, description,
	details, is_resolved, resolved_at, resolved_by, created_at, updated_at`

func (s *Store) InsertSecurityEvent(ctx context.Context, e *models.SecurityEvent) error {
	_, err := s.q(ctx).NamedExecContext(ctx, `
		INSERT INTO security_events (`+eventColumns+`)
		VALUES (:id, :event_type, :severity, :user_id, :ip_address, :user_agent, :description,
			:details, :is_resolved, :resolved_at, :resolved_by, :created_at, :updated_at)
	`, e)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

func (s *Store) ResolveSecurityEvent(ctx context.Context, id uuid.UUID, by string, at time.Time) error {
	return requireRow(s.q(ctx).ExecContext(ctx, `
		UPDATE security_events SET is_resolved = TRUE, resolved_at = $2, resolved_by = $3, updated_at = $2
		WHERE id = $1
	`, id, at, by))
}

func (s *Store) ListSecurityEvents(ctx context.Context, f models.SecurityEventFilter) ([]*models.SecurityEvent, error) {
	where := []string{"1=1"}
	args := make([]interface{}, 0)
	argIdx := 1

	if f.UnresolvedOnly {
		where = append(where, "NOT is_resolved")
	}
	if f.EventType != "" {
		where = append(where, fmt.Sprintf("event_type = $%d", argIdx))
		args = append(args, f.EventType)
		argIdx++
	}
	if f.Since != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, *f.Since)
		argIdx++
	}

	query := `SELECT ` + eventColumns + ` FROM security_events WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}

	var out []*models.SecurityEvent
	if err := s.q(ctx).SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("listing security events: %w", err)
	}
	return out, nil
}

func (s *Store) InsertAccessAttempt(ctx context.Context, a *models.AccessAttempt) error {
	_, err := s.q(ctx).NamedExecContext(ctx, `
		INSERT INTO access_attempts (id, user_id, email, ip_address, user_agent, success,
			failure_reason, attempted_at, created_at, updated_at)
		VALUES (:id, :user_id, :email, :ip_address, :user_agent, :success, :failure_reason,
			:attempted_at, :created_at, :updated_at)
	`, a)
	if err != nil {
		return fmt.Errorf("inserting access attempt: %w", err)
	}
	return nil
}

func (s *Store) CountFailedAttempts(ctx context.Context, ipAddress string, since time.Time) (int, error) {
	var n int
	err := s.q(ctx).GetContext(ctx, &n, `
		SELECT COUNT(*) FROM access_attempts
		WHERE ip_address = $1 AND NOT success AND attempted_at >= $2
	`, ipAddress, since)
	if err != nil {
		return 0, fmt.Errorf("counting failed attempts: %w", err)
	}
	return n, nil
}

func (s *Store) SaveIPRule(ctx context.Context, rule *models.IPAccessControl) error {
	err := s.q(ctx).GetContext(ctx, rule, `
		INSERT INTO ip_access_controls (id, ip_address, action, reason, expires_at, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (ip_address) DO UPDATE SET
			action = EXCLUDED.action,
			reason = EXCLUDED.reason,
			expires_at = EXCLUDED.expires_at,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
		RETURNING id, ip_address, action, reason, expires_at, is_active, created_at, updated_at
	`, rule.ID, rule.IPAddress, rule.Action, rule.Reason, rule.ExpiresAt, rule.IsActive,
		rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving ip rule: %w", err)
	}
	return nil
}

func (s *Store) ListIPRules(ctx context.Context) ([]*models.IPAccessControl, error) {
	var out []*models.IPAccessControl
	err := s.q(ctx).SelectContext(ctx, &out, `
		SELECT id, ip_address, action, reason, expires_at, is_active, created_at, updated_at
		FROM ip_access_controls WHERE is_active ORDER BY ip_address
	`)
	if err != nil {
		return nil, fmt.Errorf("listing ip rules: %w", err)
	}
	return out, nil
}

const indicatorColumns = `id, indicator, indicator_type, threat_type, severity, source, first_seen,
	last_seen, is_active, created_at, updated_at`

func (s *Store) SaveIndicator(ctx context.Context, ti *models.ThreatIntelligence) error {
	_, err := s.q(ctx).NamedExecContext(ctx, `
		INSERT INTO threat_intelligence (`+indicatorColumns+`)
		VALUES (:id, :indicator, :indicator_type, :threat_type, :severity, :source, :first_seen,
			:last_seen, :is_active, :created_at, :updated_at)
		ON CONFLICT (indicator) DO UPDATE SET
			indicator_type = EXCLUDED.indicator_type,
			threat_type = EXCLUDED.threat_type,
			severity = EXCLUDED.severity,
			source = EXCLUDED.source,
			last_seen = EXCLUDED.last_seen,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
	`, ti)
	if err != nil {
		return fmt.Errorf("saving threat indicator: %w", err)
	}
	return nil
}

func (s *Store) GetIndicator(ctx context.Context, indicator string) (*models.ThreatIntelligence, error) {
	var ti models.ThreatIntelligence
	err := s.q(ctx).GetContext(ctx, &ti, `SELECT `+indicatorColumns+` FROM threat_intelligence WHERE indicator = $1`, indicator)
	if err != nil {
		return nil, notFound(err)
	}
	return &ti, nil
}

// Compliance alerts

const alertColumns = `id, alert_type, severity, title, message, related_entity_type,
	related_entity_id, is_resolved, resolved_at, resolved_by, created_at, updated_at`

func (s *Store) FindOpenAlert(ctx context.Context, alertType models.AlertType, relatedEntityID string) (*models.ComplianceAlert, error) {
	var a models.ComplianceAlert
	err := s.q(ctx).GetContext(ctx, &a, `
		SELECT `+alertColumns+` FROM compliance_alerts
		WHERE alert_type = $1 AND related_entity_id = $2 AND NOT is_resolved
	`, alertType, relatedEntityID)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// InsertAlert relies on the partial unique index over open alerts; a
// duplicate open alert is models.ErrConflict.
func (s *Store) InsertAlert(ctx context.Context, a *models.ComplianceAlert) error {
	_, err := s.q(ctx).NamedExecContext(ctx, `
		INSERT INTO compliance_alerts (`+alertColumns+`)
		VALUES (:id, :alert_type, :severity, :title, :message, :related_entity_type,
			:related_entity_id, :is_resolved, :resolved_at, :resolved_by, :created_at, :updated_at)
	`, a)
	if isUniqueViolation(err) {
		return models.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("inserting compliance alert: %w", err)
	}
	return nil
}

func (s *Store) ResolveAlert(ctx context.Context, id uuid.UUID, by string, at time.Time) error {
	return requireRow(s.q(ctx).ExecContext(ctx, `
		UPDATE compliance_alerts SET is_resolved = TRUE, resolved_at = $2, resolved_by = $3, updated_at = $2
		WHERE id = $1
	`, id, at, by))
}

func (s *Store) ListAlerts(ctx context.Context, unresolvedOnly bool, limit int) ([]*models.ComplianceAlert, error) {
	var out []*models.ComplianceAlert
	err := s.q(ctx).SelectContext(ctx, &out, `
		SELECT `+alertColumns+` FROM compliance_alerts
		WHERE NOT $1 OR NOT is_resolved
		ORDER BY created_at DESC
		LIMIT NULLIF($2, 0)
	`, unresolvedOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("listing compliance alerts: %w", err)
	}
	return out, nil
}
