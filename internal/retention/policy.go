// Package retention decides when personal data expires and disposes of it.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tritrack/compliance/internal/models"
)

var (
	ErrPolicyNotFound = errors.New("retention policy not found")
	ErrInvalidPolicy  = errors.New("invalid retention policy")
)

type PolicyStore interface {
	GetActivePolicy(ctx context.Context, dataType string) (*models.RetentionPolicy, error)
	GetPolicy(ctx context.Context, id uuid.UUID) (*models.RetentionPolicy, error)
	ListPolicies(ctx context.Context) ([]*models.RetentionPolicy, error)
	SavePolicy(ctx context.Context, p *models.RetentionPolicy) error
	// DeactivatePolicies clears IsActive on every policy of dataType except keep.
	DeactivatePolicies(ctx context.Context, dataType string, keep uuid.UUID) error
}

type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PolicyEngine maps data types to their single active retention policy.
type PolicyEngine struct {
	store  PolicyStore
	tx     Transactor
	logger *slog.Logger
}

func NewPolicyEngine(store PolicyStore, tx Transactor, logger *slog.Logger) *PolicyEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyEngine{store: store, tx: tx, logger: logger}
}

// ActivePolicy returns ErrPolicyNotFound when dataType has no active policy.
func (e *PolicyEngine) ActivePolicy(ctx context.Context, dataType string) (*models.RetentionPolicy, error) {
	p, err := e.store.GetActivePolicy(ctx, dataType)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, dataType)
		}
		return nil, fmt.Errorf("loading policy for %s: %w", dataType, err)
	}
	return p, nil
}

func (e *PolicyEngine) ListPolicies(ctx context.Context) ([]*models.RetentionPolicy, error) {
	return e.store.ListPolicies(ctx)
}

// UpsertPolicy saves p. Saving an active policy deactivates every other
// policy for the same data type in the same transaction.
func (e *PolicyEngine) UpsertPolicy(ctx context.Context, p *models.RetentionPolicy) error {
	if err := validatePolicy(p); err != nil {
		return err
	}

	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		if p.IsActive {
			if err := e.store.DeactivatePolicies(ctx, p.DataType, p.ID); err != nil {
				return fmt.Errorf("deactivating policies for %s: %w", p.DataType, err)
			}
		}
		return e.store.SavePolicy(ctx, p)
	})
	if err != nil {
		return fmt.Errorf("saving policy for %s: %w", p.DataType, err)
	}

	e.logger.Info("retention policy saved",
		"data_type", p.DataType,
		"retention_days", p.RetentionPeriodDays,
		"deletion_method", p.DeletionMethod,
		"active", p.IsActive)
	return nil
}

// EnsurePolicy creates p when dataType has no active policy and reports
// whether it did.
func (e *PolicyEngine) EnsurePolicy(ctx context.Context, p *models.RetentionPolicy) (bool, error) {
	_, err := e.ActivePolicy(ctx, p.DataType)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrPolicyNotFound) {
		return false, err
	}
	p.IsActive = true
	if err := e.UpsertPolicy(ctx, p); err != nil {
		return false, err
	}
	return true, nil
}

// Cutoff is the instant before which records governed by p are expired.
func Cutoff(p *models.RetentionPolicy, now time.Time) time.Time {
	return p.Cutoff(now)
}

func validatePolicy(p *models.RetentionPolicy) error {
	switch {
	case p == nil:
		return fmt.Errorf("%w: nil policy", ErrInvalidPolicy)
	case p.DataType == "":
		return fmt.Errorf("%w: data type is required", ErrInvalidPolicy)
	case p.RetentionPeriodDays <= 0:
		return fmt.Errorf("%w: retention period must be positive", ErrInvalidPolicy)
	case !p.DeletionMethod.Valid():
		return fmt.Errorf("%w: unknown deletion method %q", ErrInvalidPolicy, p.DeletionMethod)
	}
	return nil
}
