// Package audit records an append-only, hash-chained trail of administrative
// and data-processing actions.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tritrack/compliance/internal/models"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
)

var ErrAuditWriteFailed = errors.New("audit write failed")

// Store is append-only. LastAuditLog returns models.ErrNotFound on an empty
// trail; inside a transaction it also serializes concurrent appenders.
type Store interface {
	LastAuditLog(ctx context.Context) (*models.AuditLog, error)
	AppendAuditLog(ctx context.Context, entry *models.AuditLog) error
	ListAuditLogs(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, int, error)
	ListAuditChain(ctx context.Context, afterSequence int64, limit int) ([]*models.AuditLog, error)
}

type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Entry is what callers supply. Timestamps are always assigned by the Recorder.
type Entry struct {
	Action      string
	EntityType  string
	EntityID    string
	UserID      string
	AdminUserID string
	IPAddress   string
	UserAgent   string
	Details     string
	OldValues   map[string]interface{}
	NewValues   map[string]interface{}
	// Err marks the action as unsuccessful.
	Err error
}

type Recorder struct {
	store  Store
	tx     Transactor
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

func NewRecorder(store Store, tx Transactor, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		tx:     tx,
		logger: logger,
		now:    time.Now,
	}
}

// Record appends entry to the trail. The error is never swallowed.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if e.Action == "" || e.EntityType == "" {
		return fmt.Errorf("%w: action and entity type are required", ErrAuditWriteFailed)
	}

	log := &models.AuditLog{
		Action:       e.Action,
		EntityType:   e.EntityType,
		EntityID:     e.EntityID,
		UserID:       e.UserID,
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		Details:      e.Details,
		OldValues:    models.JSONB(e.OldValues),
		NewValues:    models.JSONB(e.NewValues),
		IsSuccessful: e.Err == nil,
	}
	if e.AdminUserID != "" {
		admin := e.AdminUserID
		log.AdminUserID = &admin
	}
	if e.Err != nil {
		msg := e.Err.Error()
		log.ErrorMessage = &msg
	}
	if log.OldValues == nil {
		log.OldValues = models.JSONB{}
	}
	if log.NewValues == nil {
		log.NewValues = models.JSONB{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.tx.InTx(ctx, func(ctx context.Context) error {
		prev := GenesisHash
		last, err := r.store.LastAuditLog(ctx)
		switch {
		case err == nil:
			prev = last.EntryHash
		case !errors.Is(err, models.ErrNotFound):
			return fmt.Errorf("reading chain head: %w", err)
		}

		now := r.now().UTC().Truncate(time.Microsecond)
		models.Stamp(&log.Base, now)
		log.Timestamp = now
		log.PreviousHash = prev
		log.EntryHash = ComputeHash(log, prev)

		return r.store.AppendAuditLog(ctx, log)
	})
	if err != nil {
		r.logger.Error("audit write failed",
			"action", e.Action,
			"entity_type", e.EntityType,
			"entity_id", e.EntityID,
			"error", err)
		return fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
	}
	return nil
}

// ComputeHash returns the chain hash of entry given its predecessor's hash.
func ComputeHash(entry *models.AuditLog, previousHash string) string {
	admin := ""
	if entry.AdminUserID != nil {
		admin = *entry.AdminUserID
	}
	errMsg := ""
	if entry.ErrorMessage != nil {
		errMsg = *entry.ErrorMessage
	}

	fields := []string{
		entry.ID.String(),
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.Action,
		entry.EntityType,
		entry.EntityID,
		entry.UserID,
		admin,
		entry.IPAddress,
		entry.UserAgent,
		entry.Details,
		canonicalJSON(entry.OldValues),
		canonicalJSON(entry.NewValues),
		strconv.FormatBool(entry.IsSuccessful),
		errMsg,
		previousHash,
	}

	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

func canonicalJSON(v models.JSONB) string {
	if len(v) == 0 {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Filter selects audit entries. Zero fields match everything.
type Filter struct {
	UserID     string
	Action     string
	EntityType string
	From       *time.Time
	To         *time.Time
	SearchTerm string
}

type Page struct {
	Items      []*models.AuditLog `json:"items"`
	Total      int                `json:"total"`
	Page       int                `json:"page"`
	PageSize   int                `json:"page_size"`
	TotalPages int                `json:"total_pages"`
}

// Query returns entries newest first. pageSize is clamped to MaxPageSize.
func (r *Recorder) Query(ctx context.Context, f Filter, page, pageSize int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	items, total, err := r.store.ListAuditLogs(ctx, models.AuditFilter{
		UserID:     f.UserID,
		Action:     f.Action,
		EntityType: f.EntityType,
		From:       f.From,
		To:         f.To,
		SearchTerm: strings.TrimSpace(f.SearchTerm),
		Limit:      pageSize,
		Offset:     (page - 1) * pageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("querying audit logs: %w", err)
	}

	return &Page{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: (total + pageSize - 1) / pageSize,
	}, nil
}

// Export returns up to limit matching entries, newest first.
func (r *Recorder) Export(ctx context.Context, f Filter, limit int) ([]*models.AuditLog, error) {
	var out []*models.AuditLog
	for page := 1; len(out) < limit; page++ {
		p, err := r.Query(ctx, f, page, MaxPageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Items...)
		if page >= p.TotalPages {
			break
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type Verification struct {
	Valid    bool   `json:"valid"`
	Checked  int    `json:"checked"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

const verifyBatch = 500

// VerifyChain walks the trail from the genesis entry and recomputes every hash.
func (r *Recorder) VerifyChain(ctx context.Context) (*Verification, error) {
	v := &Verification{Valid: true}
	prev := GenesisHash
	var after int64

	for {
		batch, err := r.store.ListAuditChain(ctx, after, verifyBatch)
		if err != nil {
			return nil, fmt.Errorf("reading audit chain: %w", err)
		}

		for _, entry := range batch {
			v.Checked++
			if entry.PreviousHash != prev {
				return broken(v, entry.Sequence, "previous hash does not match predecessor"), nil
			}
			if ComputeHash(entry, prev) != entry.EntryHash {
				return broken(v, entry.Sequence, "entry hash does not match contents"), nil
			}
			prev = entry.EntryHash
			after = entry.Sequence
		}

		if len(batch) < verifyBatch {
			return v, nil
		}
	}
}

func broken(v *Verification, seq int64, reason string) *Verification {
	v.Valid = false
	v.BrokenAt = seq
	v.Reason = reason
	return v
}
