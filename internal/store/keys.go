package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tritrack/compliance/internal/models"
)

// Encryption keys

const keyColumns = `id, key_name, key_type, encrypted_key, key_hash, is_active, usage_count,
	last_used, expires_at, created_at, updated_at`

func (s *Store) CreateEncryptionKey(ctx context.Context, key *models.EncryptionKey) error {
	_, err := s.q(ctx).NamedExecContext(ctx, `
		INSERT INTO encryption_keys (`+keyColumns+`)
		VALUES (:id, :key_name, :key_type, :encrypted_key, :key_hash, :is_active, :usage_count,
			:last_used, :expires_at, :created_at, :updated_at)
	`, key)
	if isUniqueViolation(err) {
		return models.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("inserting encryption key: %w", err)
	}
	return nil
}

func (s *Store) GetEncryptionKey(ctx context.Context, name string) (*models.EncryptionKey, error) {
	var k models.EncryptionKey
	if err := s.q(ctx).GetContext(ctx, &k, `SELECT `+keyColumns+` FROM encryption_keys WHERE key_name = $1`, name); err != nil {
		return nil, notFound(err)
	}
	return &k, nil
}

func (s *Store) ListEncryptionKeys(ctx context.Context) ([]*models.EncryptionKey, error) {
	var out []*models.EncryptionKey
	if err := s.q(ctx).SelectContext(ctx, &out, `SELECT `+keyColumns+` FROM encryption_keys ORDER BY key_name`); err != nil {
		return nil, fmt.Errorf("listing encryption keys: %w", err)
	}
	return out, nil
}

func (s *Store) SetEncryptionKeyActive(ctx context.Context, name string, active bool) error {
	return requireRow(s.q(ctx).ExecContext(ctx, `
		UPDATE encryption_keys SET is_active = $2, updated_at = NOW() WHERE key_name = $1
	`, name, active))
}

// IncrementKeyUsage adds delta in the database so concurrent flushes from
// several instances never lose counts.
func (s *Store) IncrementKeyUsage(ctx context.Context, name string, delta int64, lastUsed time.Time) error {
	return requireRow(s.q(ctx).ExecContext(ctx, `
		UPDATE encryption_keys SET
			usage_count = usage_count + $2,
			last_used = GREATEST(COALESCE(last_used, $3), $3),
			updated_at = NOW()
		WHERE key_name = $1
	`, name, delta, lastUsed))
}
