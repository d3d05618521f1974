package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tritrack/compliance/internal/models"
)

// Configuration entries

func (s *Store) GetConfigEntry(ctx context.Context, key string) (*models.ConfigurationEntry, error) {
	var e models.ConfigurationEntry
	err := s.q(ctx).GetContext(ctx, &e, `
		SELECT key, value, description, is_encrypted, created_at, updated_at
		FROM configuration_entries WHERE key = $1
	`, key)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// UpsertConfigEntry replaces the whole row so value and is_encrypted never
// disagree.
func (s *Store) UpsertConfigEntry(ctx context.Context, e *models.ConfigurationEntry) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO configuration_entries (key, value, description, is_encrypted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			description = EXCLUDED.description,
			is_encrypted = EXCLUDED.is_encrypted,
			updated_at = EXCLUDED.updated_at
	`, e.Key, e.Value, e.Description, e.IsEncrypted, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting configuration entry: %w", err)
	}
	return nil
}

// SwapConfigEntry replaces a plaintext row whose value is still prev. It
// returns models.ErrConflict when the row changed or was encrypted since
// it was read.
func (s *Store) SwapConfigEntry(ctx context.Context, prev string, e *models.ConfigurationEntry) error {
	err := requireRow(s.q(ctx).ExecContext(ctx, `
		UPDATE configuration_entries
		SET value = $2, is_encrypted = $3, updated_at = $4
		WHERE key = $1 AND value = $5 AND NOT is_encrypted
	`, e.Key, e.Value, e.IsEncrypted, e.UpdatedAt, prev))
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("swapping configuration entry: %w", err)
	}
	return nil
}

func (s *Store) ListConfigEntries(ctx context.Context) ([]*models.ConfigurationEntry, error) {
	var entries []*models.ConfigurationEntry
	err := s.q(ctx).SelectContext(ctx, &entries, `
		SELECT key, value, description, is_encrypted, created_at, updated_at
		FROM configuration_entries ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("listing configuration entries: %w", err)
	}
	return entries, nil
}

func (s *Store) DeleteConfigEntry(ctx context.Context, key string) error {
	return requireRow(s.q(ctx).ExecContext(ctx, `DELETE FROM configuration_entries WHERE key = $1`, key))
}

// Consent records

const consentColumns = `id, user_id, consent_type, is_granted, consent_date, withdrawn_date,
	purpose, legal_basis, consent_version, ip_address, user_agent, sequence, created_at, updated_at`

func (s *Store) InsertConsent(ctx context.Context, rec *models.ConsentRecord) error {
	_, err := s.q(ctx).NamedExecContext(ctx, `
		INSERT INTO consent_records (`+consentColumns+`)
		VALUES (:id, :user_id, :consent_type, :is_granted, :consent_date, :withdrawn_date,
			:purpose, :legal_basis, :consent_version, :ip_address, :user_agent, :sequence,
			:created_at, :updated_at)
	`, rec)
	if err != nil {
		return fmt.Errorf("inserting consent record: %w", err)
	}
	return nil
}

// ListConsents returns a user's records in sequence order. An empty
// consentType matches every type.
func (s *Store) ListConsents(ctx context.Context, userID, consentType string) ([]*models.ConsentRecord, error) {
	var recs []*models.ConsentRecord
	err := s.q(ctx).SelectContext(ctx, &recs, `
		SELECT `+consentColumns+` FROM consent_records
		WHERE user_id = $1 AND ($2 = '' OR consent_type = $2)
		ORDER BY consent_type, sequence
	`, userID, consentType)
	if err != nil {
		return nil, fmt.Errorf("listing consent records: %w", err)
	}
	return recs, nil
}

func (s *Store) ListLatestConsents(ctx context.Context, consentType string, asOf time.Time) ([]*models.ConsentRecord, error) {
	var recs []*models.ConsentRecord
	err := s.q(ctx).SelectContext(ctx, &recs, `
		SELECT DISTINCT ON (user_id, consent_type) `+consentColumns+`
		FROM (
			SELECT *, GREATEST(consent_date, COALESCE(withdrawn_date, consent_date)) AS effective_date
			FROM consent_records
			WHERE $1 = '' OR consent_type = $1
		) c
		WHERE effective_date <= $2
		ORDER BY user_id, consent_type, effective_date DESC, sequence DESC
	`, consentType, asOf)
	if err != nil {
		return nil, fmt.Errorf("listing latest consents: %w", err)
	}
	return recs, nil
}

// Data subject requests

const requestColumns = `id, user_id, request_type, status, completed_at, created_at, updated_at`

func (s *Store) InsertDataRequest(ctx context.Context, r *models.DataRequest) error {
	_, err := s.q(ctx).NamedExecContext(ctx, `
		INSERT INTO data_requests (`+requestColumns+`)
		VALUES (:id, :user_id, :request_type, :status, :completed_at, :created_at, :updated_at)
	`, r)
	if err != nil {
		return fmt.Errorf("inserting data request: %w", err)
	}
	return nil
}

func (s *Store) GetDataRequest(ctx context.Context, id uuid.UUID) (*models.DataRequest, error) {
	var r models.DataRequest
	if err := s.q(ctx).GetContext(ctx, &r, `SELECT `+requestColumns+` FROM data_requests WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (s *Store) UpdateDataRequest(ctx context.Context, r *models.DataRequest) error {
	return requireRow(s.q(ctx).ExecContext(ctx, `
		UPDATE data_requests SET status = $2, completed_at = $3, updated_at = $4 WHERE id = $1
	`, r.ID, r.Status, r.CompletedAt, r.UpdatedAt))
}

func (s *Store) ListDataRequests(ctx context.Context, userID string) ([]*models.DataRequest, error) {
	var out []*models.DataRequest
	err := s.q(ctx).SelectContext(ctx, &out, `
		SELECT `+requestColumns+` FROM data_requests
		WHERE $1 = '' OR user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing data requests: %w", err)
	}
	return out, nil
}

func (s *Store) CountDataRequests(ctx context.Context) (map[string]int, error) {
	rows, err := s.q(ctx).QueryxContext(ctx, `SELECT status, COUNT(*) FROM data_requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting data requests: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
