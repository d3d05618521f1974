// Package consent keeps the append-only consent ledger for data subjects.
package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tritrack/compliance/internal/audit"
	"github.com/tritrack/compliance/internal/lock"
	"github.com/tritrack/compliance/internal/models"
)

var (
	ErrInvalidConsent      = errors.New("invalid consent")
	ErrNoConsentToWithdraw = errors.New("no consent to withdraw")
)

type State string

const (
	StateNone      State = "none"
	StateGranted   State = "granted"
	StateWithdrawn State = "withdrawn"
)

const entityType = "ConsentRecord"

// Store is append-only.
type Store interface {
	InsertConsent(ctx context.Context, rec *models.ConsentRecord) error
	ListConsents(ctx context.Context, userID, consentType string) ([]*models.ConsentRecord, error)
	// ListLatestConsents returns, for each (user, type) pair, the newest
	// record whose effective date is not after asOf. An empty consentType
	// matches every type.
	ListLatestConsents(ctx context.Context, consentType string, asOf time.Time) ([]*models.ConsentRecord, error)
}

type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

// UserCounter is the part of the identity directory the ledger needs.
type UserCounter interface {
	CountUsers(ctx context.Context) (int, error)
}

type Ledger struct {
	store   Store
	tx      Transactor
	audit   AuditRecorder
	users   UserCounter
	locker  lock.Locker
	lockTTL time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewLedger(store Store, tx Transactor, recorder AuditRecorder, users UserCounter, locker lock.Locker, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Ledger{
		store:   store,
		tx:      tx,
		audit:   recorder,
		users:   users,
		locker:  locker,
		lockTTL: 30 * time.Second,
		logger:  logger,
		now:     time.Now,
	}
}

type Input struct {
	UserID      string
	ConsentType string
	Granted     bool
	Purpose     string
	LegalBasis  string
	Version     string
	IPAddress   string
	UserAgent   string
}

// RecordConsent appends a consent decision for the (user, type) pair.
func (l *Ledger) RecordConsent(ctx context.Context, in Input) (*models.ConsentRecord, error) {
	if in.UserID == "" || in.ConsentType == "" {
		return nil, fmt.Errorf("%w: user and consent type are required", ErrInvalidConsent)
	}

	var rec *models.ConsentRecord
	err := l.withPair(ctx, in.UserID, in.ConsentType, func(ctx context.Context, history []*models.ConsentRecord) error {
		rec = &models.ConsentRecord{
			UserID:         in.UserID,
			ConsentType:    in.ConsentType,
			IsGranted:      in.Granted,
			ConsentDate:    l.now().UTC(),
			Purpose:        in.Purpose,
			LegalBasis:     in.LegalBasis,
			ConsentVersion: in.Version,
			IPAddress:      in.IPAddress,
			UserAgent:      in.UserAgent,
			Sequence:       nextSequence(history),
		}

		action := "ConsentGranted"
		if !in.Granted {
			action = "ConsentDenied"
		}
		return l.write(ctx, rec, action, latest(history))
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("consent recorded",
		"user_id", in.UserID,
		"consent_type", in.ConsentType,
		"granted", in.Granted)
	return rec, nil
}

// Withdraw appends a withdrawal for the pair's current grant. Withdrawing an
// already withdrawn consent is a no-op.
func (l *Ledger) Withdraw(ctx context.Context, userID, consentType string) (*models.ConsentRecord, error) {
	if userID == "" || consentType == "" {
		return nil, fmt.Errorf("%w: user and consent type are required", ErrInvalidConsent)
	}

	var rec *models.ConsentRecord
	err := l.withPair(ctx, userID, consentType, func(ctx context.Context, history []*models.ConsentRecord) error {
		current := latest(history)
		if current == nil {
			return fmt.Errorf("%w: user %s has no %s consent", ErrNoConsentToWithdraw, userID, consentType)
		}
		if !current.Active() {
			rec = current
			return nil
		}

		now := l.now().UTC()
		rec = &models.ConsentRecord{
			UserID:         userID,
			ConsentType:    consentType,
			IsGranted:      false,
			ConsentDate:    current.ConsentDate,
			WithdrawnDate:  &now,
			Purpose:        current.Purpose,
			LegalBasis:     current.LegalBasis,
			ConsentVersion: current.ConsentVersion,
			IPAddress:      current.IPAddress,
			UserAgent:      current.UserAgent,
			Sequence:       nextSequence(history),
		}
		return l.write(ctx, rec, "ConsentWithdrawn", current)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CurrentState resolves the pair by effective date, not insertion order.
func (l *Ledger) CurrentState(ctx context.Context, userID, consentType string) (State, error) {
	history, err := l.store.ListConsents(ctx, userID, consentType)
	if err != nil {
		return StateNone, fmt.Errorf("reading consent history: %w", err)
	}
	return stateOf(latest(history)), nil
}

// History returns every record for the user, oldest first per the store.
func (l *Ledger) History(ctx context.Context, userID string) ([]*models.ConsentRecord, error) {
	recs, err := l.store.ListConsents(ctx, userID, "")
	if err != nil {
		return nil, fmt.Errorf("reading consent history: %w", err)
	}
	return recs, nil
}

// ConsentRate is the percentage of users holding at least one active grant
// of consentType at asOf. It is 0 when there are no users.
func (l *Ledger) ConsentRate(ctx context.Context, consentType string, asOf time.Time) (float64, error) {
	total, err := l.users.CountUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	if total == 0 {
		return 0, nil
	}

	recs, err := l.store.ListLatestConsents(ctx, consentType, asOf)
	if err != nil {
		return 0, fmt.Errorf("reading consents: %w", err)
	}

	granted := make(map[string]struct{})
	for _, r := range recs {
		if r.Active() {
			granted[r.UserID] = struct{}{}
		}
	}

	return float64(len(granted)) / float64(total) * 100, nil
}

// withPair runs fn while holding the (user, type) lock, inside a transaction,
// with the pair's current history.
func (l *Ledger) withPair(ctx context.Context, userID, consentType string, fn func(context.Context, []*models.ConsentRecord) error) error {
	lease, err := l.locker.Acquire(ctx, "consent:"+userID+":"+consentType, l.lockTTL)
	if err != nil {
		return fmt.Errorf("locking consent %s/%s: %w", userID, consentType, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			l.logger.Warn("failed to release consent lock", "user_id", userID, "error", err)
		}
	}()

	return l.tx.InTx(ctx, func(ctx context.Context) error {
		history, err := l.store.ListConsents(ctx, userID, consentType)
		if err != nil {
			return fmt.Errorf("reading consent history: %w", err)
		}
		return fn(ctx, history)
	})
}

// write records the audit entry before the consent row. Inside a transaction
// both roll back together; otherwise an audit entry without its effect is the
// worst case.
func (l *Ledger) write(ctx context.Context, rec *models.ConsentRecord, action string, previous *models.ConsentRecord) error {
	models.Stamp(&rec.Base, l.now())

	entry := audit.Entry{
		Action:     action,
		EntityType: entityType,
		EntityID:   rec.ID.String(),
		UserID:     rec.UserID,
		IPAddress:  rec.IPAddress,
		UserAgent:  rec.UserAgent,
		Details:    fmt.Sprintf("%s consent for %s (%s)", action, rec.ConsentType, rec.Purpose),
		NewValues:  snapshot(rec),
	}
	if previous != nil {
		entry.OldValues = snapshot(previous)
	}

	if err := l.audit.Record(ctx, entry); err != nil {
		return fmt.Errorf("auditing consent change: %w", err)
	}
	if err := l.store.InsertConsent(ctx, rec); err != nil {
		return fmt.Errorf("saving consent: %w", err)
	}
	return nil
}

func snapshot(r *models.ConsentRecord) map[string]interface{} {
	m := map[string]interface{}{
		"consent_type":    r.ConsentType,
		"is_granted":      r.IsGranted,
		"consent_date":    r.ConsentDate.Format(time.RFC3339),
		"purpose":         r.Purpose,
		"legal_basis":     r.LegalBasis,
		"consent_version": r.ConsentVersion,
	}
	if r.WithdrawnDate != nil {
		m["withdrawn_date"] = r.WithdrawnDate.Format(time.RFC3339)
	}
	return m
}

func latest(history []*models.ConsentRecord) *models.ConsentRecord {
	var cur *models.ConsentRecord
	for _, r := range history {
		if cur == nil || r.Newer(*cur) {
			cur = r
		}
	}
	return cur
}

func nextSequence(history []*models.ConsentRecord) int64 {
	var max int64
	for _, r := range history {
		if r.Sequence > max {
			max = r.Sequence
		}
	}
	return max + 1
}

func stateOf(r *models.ConsentRecord) State {
	switch {
	case r == nil:
		return StateNone
	case r.Active():
		return StateGranted
	default:
		return StateWithdrawn
	}
}
