package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tritrack/compliance/internal/identity"
	"github.com/tritrack/compliance/internal/models"
)

// RecordTable is an identity.RecordStore over one table. Disposed rows are
// marked with deleted_at or anonymized_at and no longer listed.
type RecordTable struct {
	s        *Store
	dataType string
	table    string
	userCol  string
	// payload is a SQL expression producing the jsonb snapshot of a row.
	payload string
	// anonymize is the SET clause that redacts a row; $2 is the
	// replacement value. Empty means the row is a user and is redacted
	// by AnonymizeUser.
	anonymize string
}

// TriathlonRecords owns race results and training logs.
func (s *Store) TriathlonRecords() *RecordTable {
	return &RecordTable{
		s:         s,
		dataType:  "TriathlonData",
		table:     "triathlon_records",
		userCol:   "user_id",
		payload:   "payload",
		anonymize: `payload = COALESCE((SELECT jsonb_object_agg(key, to_jsonb($2::text)) FROM jsonb_each(payload)), '{}'::jsonb)`,
	}
}

// UserProfiles exposes the profile columns of the users table.
func (s *Store) UserProfiles() *RecordTable {
	return &RecordTable{
		s:        s,
		dataType: identity.UserProfileDataType,
		table:    "users",
		userCol:  "id",
		payload:  "jsonb_build_object('email', email, 'display_name', display_name)",
	}
}

func (t *RecordTable) DataType() string { return t.dataType }

type recordRow struct {
	ID        string       `db:"id"`
	UserID    string       `db:"user_id"`
	CreatedAt time.Time    `db:"created_at"`
	Payload   models.JSONB `db:"payload"`
}

func (t *RecordTable) live() string {
	return "deleted_at IS NULL AND anonymized_at IS NULL"
}

func (t *RecordTable) ListExpired(ctx context.Context, cutoff time.Time, after string, limit int) ([]identity.Record, error) {
	var rows []recordRow
	err := t.s.q(ctx).SelectContext(ctx, &rows, fmt.Sprintf(`
		SELECT id, %s AS user_id, created_at, %s AS payload
		FROM %s
		WHERE %s AND created_at < $1 AND id > $2
		ORDER BY id
		LIMIT NULLIF($3, 0)
	`, t.userCol, t.payload, t.table, t.live()), cutoff, after, limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired %s records: %w", t.dataType, err)
	}

	out := make([]identity.Record, len(rows))
	for i, r := range rows {
		out[i] = identity.Record{
			ID:        r.ID,
			UserID:    r.UserID,
			CreatedAt: r.CreatedAt,
			Payload:   map[string]interface{}(r.Payload),
		}
	}
	return out, nil
}

func (t *RecordTable) CountExpired(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := t.s.q(ctx).GetContext(ctx, &n, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE %s AND created_at < $1`, t.table, t.live()), cutoff)
	if err != nil {
		return 0, fmt.Errorf("counting expired %s records: %w", t.dataType, err)
	}
	return n, nil
}

func (t *RecordTable) SoftDelete(ctx context.Context, id string) error {
	return requireRow(t.s.q(ctx).ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, t.table), id))
}

func (t *RecordTable) Delete(ctx context.Context, id string) error {
	return requireRow(t.s.q(ctx).ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, t.table), id))
}

func (t *RecordTable) Anonymize(ctx context.Context, id string) error {
	if t.anonymize == "" {
		return t.s.AnonymizeUser(ctx, id)
	}
	return requireRow(t.s.q(ctx).ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET %s, anonymized_at = NOW() WHERE id = $1`, t.table, t.anonymize),
		id, identity.AnonymizedValue))
}

// User directory

func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.q(ctx).GetContext(ctx, &n, `SELECT COUNT(*) FROM users WHERE deleted_at IS NULL`); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.q(ctx).SelectContext(ctx, &ids, `SELECT id FROM users WHERE deleted_at IS NULL ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return ids, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*identity.User, error) {
	var u identity.User
	var roles pq.StringArray
	err := s.q(ctx).QueryRowxContext(ctx, `
		SELECT id, email, display_name, roles, notify_before_disposal, created_at
		FROM users WHERE id = $1 AND deleted_at IS NULL
	`, id).Scan(&u.ID, &u.Email, &u.DisplayName, &roles, &u.NotifyBeforeDisposal, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, fmt.Errorf("getting user: %w", err)
	}
	u.Roles = roles
	return &u, nil
}

func (s *Store) AnonymizeUser(ctx context.Context, id string) error {
	err := requireRow(s.q(ctx).ExecContext(ctx, `
		UPDATE users SET email = $2, display_name = $2, anonymized_at = NOW() WHERE id = $1
	`, id, identity.AnonymizedValue))
	if errors.Is(err, models.ErrNotFound) {
		return identity.ErrUserNotFound
	}
	return err
}

// PutUser inserts or replaces a user row. The identity service owns this
// table; the engine only writes it from seed data and tests.
func (s *Store) PutUser(ctx context.Context, u identity.User) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, roles, notify_before_disposal, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			roles = EXCLUDED.roles,
			notify_before_disposal = EXCLUDED.notify_before_disposal
	`, u.ID, u.Email, u.DisplayName, pq.StringArray(nonNilStrings(u.Roles)), u.NotifyBeforeDisposal, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving user: %w", err)
	}
	return nil
}

// PutTriathlonRecord inserts a record for data type TriathlonData.
func (s *Store) PutTriathlonRecord(ctx context.Context, r identity.Record) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO triathlon_records (id, user_id, payload, created_at) VALUES ($1, $2, $3, $4)
	`, r.ID, r.UserID, models.JSONB(r.Payload), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving triathlon record: %w", err)
	}
	return nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
