package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/tritrack/compliance/internal/models"
)

// auditChainLock is the advisory lock key that serializes chain appends
// across processes.
const auditChainLock = 0x7472_6961_7564

const auditColumns = `sequence, id, action, entity_type, entity_id, user_id, admin_user_id,
	timestamp, ip_address, user_agent, details, old_values, new_values, is_successful,
	error_message, previous_hash, entry_hash, created_at, updated_at`

// LastAuditLog returns the chain head. Inside a transaction it first takes
// a transaction-scoped advisory lock so that concurrent writers on other
// instances append in turn.
func (s *Store) LastAuditLog(ctx context.Context) (*models.AuditLog, error) {
	q := s.q(ctx)
	if q != s.db {
		if _, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLock); err != nil {
			return nil, fmt.Errorf("locking audit chain: %w", err)
		}
	}

	var entry models.AuditLog
	err := q.GetContext(ctx, &entry, `SELECT `+auditColumns+` FROM audit_logs ORDER BY sequence DESC LIMIT 1`)
	if err != nil {
		return nil, notFound(err)
	}
	return &entry, nil
}

func (s *Store) AppendAuditLog(ctx context.Context, entry *models.AuditLog) error {
	err := s.q(ctx).GetContext(ctx, &entry.Sequence, `
		INSERT INTO audit_logs (id, action, entity_type, entity_id, user_id, admin_user_id,
			timestamp, ip_address, user_agent, details, old_values, new_values, is_successful,
			error_message, previous_hash, entry_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING sequence
	`, entry.ID, entry.Action, entry.EntityType, entry.EntityID, entry.UserID, entry.AdminUserID,
		entry.Timestamp, entry.IPAddress, entry.UserAgent, entry.Details, entry.OldValues,
		entry.NewValues, entry.IsSuccessful, entry.ErrorMessage, entry.PreviousHash,
		entry.EntryHash, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting audit log: %w", err)
	}
	return nil
}

// ListAuditLogs returns one page of matching entries, newest first, and the
// total match count.
func (s *Store) ListAuditLogs(ctx context.Context, f models.AuditFilter) ([]*models.AuditLog, int, error) {
	where := []string{"1=1"}
	args := make([]interface{}, 0)
	argIdx := 1

	if f.UserID != "" {
		where = append(where, fmt.Sprintf("user_id = $%d", argIdx))
		args = append(args, f.UserID)
		argIdx++
	}
	if f.Action != "" {
		where = append(where, fmt.Sprintf("action = $%d", argIdx))
		args = append(args, f.Action)
		argIdx++
	}
	if f.EntityType != "" {
		where = append(where, fmt.Sprintf("entity_type = $%d", argIdx))
		args = append(args, f.EntityType)
		argIdx++
	}
	if f.From != nil {
		where = append(where, fmt.Sprintf("timestamp >= $%d", argIdx))
		args = append(args, *f.From)
		argIdx++
	}
	if f.To != nil {
		where = append(where, fmt.Sprintf("timestamp <= $%d", argIdx))
		args = append(args, *f.To)
		argIdx++
	}
	if f.SearchTerm != "" {
		where = append(where, fmt.Sprintf(
			"(action ILIKE $%[1]d OR entity_type ILIKE $%[1]d OR entity_id ILIKE $%[1]d OR details ILIKE $%[1]d)", argIdx))
		args = append(args, "%"+escapeLike(f.SearchTerm)+"%")
		argIdx++
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.q(ctx).GetContext(ctx, &total, `SELECT COUNT(*) FROM audit_logs WHERE `+cond, args...); err != nil {
		return nil, 0, fmt.Errorf("counting audit logs: %w", err)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_logs WHERE ` + cond + ` ORDER BY sequence DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	var logs []*models.AuditLog
	if err := s.q(ctx).SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("listing audit logs: %w", err)
	}
	return logs, total, nil
}

// ListAuditChain returns entries after afterSequence in chain order.
func (s *Store) ListAuditChain(ctx context.Context, afterSequence int64, limit int) ([]*models.AuditLog, error) {
	var logs []*models.AuditLog
	err := s.q(ctx).SelectContext(ctx, &logs, `
		SELECT `+auditColumns+` FROM audit_logs
		WHERE sequence > $1
		ORDER BY sequence
		LIMIT $2
	`, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("reading audit chain: %w", err)
	}
	return logs, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
