package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/tritrack/compliance/internal/models"
)

// Breach incidents

const incidentColumns = `id, incident_id, breach_type, severity, description, detected_date, status,
	affected_user_ids, affected_record_count, data_categories, containment_actions, root_cause,
	requires_regulatory_notification, regulatory_notification_date, requires_user_notification,
	user_notification_date, resolved_date, closed_date, resolution_notes, reopen_count, version,
	created_at, updated_at`

func (s *Store) CreateIncident(ctx context.Context, inc *models.BreachIncident) error {
	if inc.Version == 0 {
		inc.Version = 1
	}
	_, err := s.q(ctx).NamedExecContext(ctx, `
		INSERT INTO breach_incidents (`+incidentColumns+`)
		VALUES (:id, :incident_id, :breach_type, :severity, :description, :detected_date, :status,
			:affected_user_ids, :affected_record_count, :data_categories, :containment_actions,
			:root_cause, :requires_regulatory_notification, :regulatory_notification_date,
			:requires_user_notification, :user_notification_date, :resolved_date, :closed_date,
			:resolution_notes, :reopen_count, :version, :created_at, :updated_at)
	`, withArrays(inc))
	if isUniqueViolation(err) {
		return models.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("inserting breach incident: %w", err)
	}
	return nil
}

func (s *Store) GetIncident(ctx context.Context, incidentID string) (*models.BreachIncident, error) {
	var inc models.BreachIncident
	err := s.q(ctx).GetContext(ctx, &inc, `SELECT `+incidentColumns+` FROM breach_incidents WHERE incident_id = $1`, incidentID)
	if err != nil {
		return nil, notFound(err)
	}
	return &inc, nil
}

// UpdateIncident writes inc when its version still matches and bumps the
// version. A missing incident is models.ErrNotFound, a stale one
// models.ErrConflict.
func (s *Store) UpdateIncident(ctx context.Context, inc *models.BreachIncident) error {
	var version int64
	err := s.q(ctx).GetContext(ctx, &version, `
		UPDATE breach_incidents SET
			breach_type = $3, severity = $4, description = $5, status = $6,
			affected_user_ids = $7, affected_record_count = $8, data_categories = $9,
			containment_actions = $10, root_cause = $11,
			requires_regulatory_notification = $12, regulatory_notification_date = $13,
			requires_user_notification = $14, user_notification_date = $15,
			resolved_date = $16, closed_date = $17, resolution_notes = $18, reopen_count = $19,
			updated_at = $20, version = version + 1
		WHERE incident_id = $1 AND version = $2
		RETURNING version
	`, inc.IncidentID, inc.Version, inc.BreachType, inc.Severity, inc.Description, inc.Status,
		nonNil(inc.AffectedUserIDs), inc.AffectedRecordCount, nonNil(inc.DataCategories),
		nonNil(inc.ContainmentActions), inc.RootCause,
		inc.RequiresRegulatoryNotification, inc.RegulatoryNotificationDate,
		inc.RequiresUserNotification, inc.UserNotificationDate,
		inc.ResolvedDate, inc.ClosedDate, inc.ResolutionNotes, inc.ReopenCount, inc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := s.GetIncident(ctx, inc.IncidentID); errors.Is(gerr, models.ErrNotFound) {
			return models.ErrNotFound
		}
		return models.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("updating breach incident: %w", err)
	}
	inc.Version = version
	return nil
}

func (s *Store) ListIncidents(ctx context.Context, f models.IncidentFilter) ([]*models.BreachIncident, error) {
	query := `SELECT ` + incidentColumns + ` FROM breach_incidents WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, pq.Array(statuses))
		argIdx++
	}
	if f.Severity != "" {
		query += fmt.Sprintf(" AND severity = $%d", argIdx)
		args = append(args, f.Severity)
		argIdx++
	}
	if f.Since != nil {
		query += fmt.Sprintf(" AND detected_date >= $%d", argIdx)
		args = append(args, *f.Since)
		argIdx++
	}

	query += " ORDER BY detected_date DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	var out []*models.BreachIncident
	if err := s.q(ctx).SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("listing breach incidents: %w", err)
	}
	return out, nil
}

// withArrays returns a copy of inc whose array columns are never NULL.
func withArrays(inc *models.BreachIncident) *models.BreachIncident {
	c := *inc
	c.AffectedUserIDs = nonNil(c.AffectedUserIDs)
	c.DataCategories = nonNil(c.DataCategories)
	c.ContainmentActions = nonNil(c.ContainmentActions)
	return &c
}

func nonNil(a models.StringArray) models.StringArray {
	if a == nil {
		return models.StringArray{}
	}
	return a
}
