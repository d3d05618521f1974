package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tritrack/compliance/internal/audit"
	"github.com/tritrack/compliance/internal/models"
)

var (
	ErrRequestNotFound = errors.New("data request not found")
	ErrRequestClosed   = errors.New("data request already closed")
)

type RequestStore interface {
	InsertDataRequest(ctx context.Context, r *models.DataRequest) error
	GetDataRequest(ctx context.Context, id uuid.UUID) (*models.DataRequest, error)
	UpdateDataRequest(ctx context.Context, r *models.DataRequest) error
	ListDataRequests(ctx context.Context, userID string) ([]*models.DataRequest, error)
}

// Requests tracks data subject requests (export, erasure, rectification).
type Requests struct {
	store  RequestStore
	tx     Transactor
	audit  AuditRecorder
	logger *slog.Logger
	now    func() time.Time
}

func NewRequests(store RequestStore, tx Transactor, recorder AuditRecorder, logger *slog.Logger) *Requests {
	if logger == nil {
		logger = slog.Default()
	}
	return &Requests{store: store, tx: tx, audit: recorder, logger: logger, now: time.Now}
}

func (r *Requests) Open(ctx context.Context, userID string, kind models.DataRequestType) (*models.DataRequest, error) {
	switch kind {
	case models.DataRequestExport, models.DataRequestErasure, models.DataRequestRectification:
	default:
		return nil, fmt.Errorf("%w: unknown request type %q", ErrInvalidConsent, kind)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidConsent)
	}

	req := &models.DataRequest{
		UserID:      userID,
		RequestType: kind,
		Status:      models.DataRequestPending,
	}
	models.Stamp(&req.Base, r.now())

	err := r.tx.InTx(ctx, func(ctx context.Context) error {
		if err := r.audit.Record(ctx, audit.Entry{
			Action:     "DataRequestOpened",
			EntityType: "DataRequest",
			EntityID:   req.ID.String(),
			UserID:     userID,
			Details:    fmt.Sprintf("%s request opened", kind),
		}); err != nil {
			return err
		}
		return r.store.InsertDataRequest(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("opening data request: %w", err)
	}

	r.logger.Info("data request opened", "request_id", req.ID, "user_id", userID, "request_type", kind)
	return req, nil
}

// Close marks a pending request completed or rejected.
func (r *Requests) Close(ctx context.Context, id uuid.UUID, status models.DataRequestStatus, actor string) (*models.DataRequest, error) {
	if status != models.DataRequestCompleted && status != models.DataRequestRejected {
		return nil, fmt.Errorf("%w: cannot close with status %q", ErrInvalidConsent, status)
	}

	var out *models.DataRequest
	err := r.tx.InTx(ctx, func(ctx context.Context) error {
		req, err := r.store.GetDataRequest(ctx, id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
			}
			return err
		}
		if req.Status != models.DataRequestPending {
			return fmt.Errorf("%w: status is %s", ErrRequestClosed, req.Status)
		}

		now := r.now().UTC()
		req.Status = status
		req.CompletedAt = &now
		models.Stamp(&req.Base, now)

		if err := r.audit.Record(ctx, audit.Entry{
			Action:      "DataRequestClosed",
			EntityType:  "DataRequest",
			EntityID:    req.ID.String(),
			UserID:      req.UserID,
			AdminUserID: actor,
			Details:     fmt.Sprintf("%s request %s", req.RequestType, status),
		}); err != nil {
			return err
		}
		if err := r.store.UpdateDataRequest(ctx, req); err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Requests) ForUser(ctx context.Context, userID string) ([]*models.DataRequest, error) {
	return r.store.ListDataRequests(ctx, userID)
}
