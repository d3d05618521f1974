package retention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tritrack/compliance/internal/audit"
	"github.com/tritrack/compliance/internal/identity"
	"github.com/tritrack/compliance/internal/metrics"
	"github.com/tritrack/compliance/internal/models"
)

var (
	ErrNoEligibleData  = errors.New("no eligible data")
	ErrRecordDisposal  = errors.New("record disposal failed")
	ErrNoRecordStore   = errors.New("no record store for data type")
	ErrTrailWriteFails = errors.New("retention audit trail write failed")
)

// Store holds the executor's own output rows.
type Store interface {
	InsertArchive(ctx context.Context, a *models.DataArchive) error
	InsertRetentionAuditTrail(ctx context.Context, t *models.RetentionAuditTrail) error
	CompleteRetentionAuditTrail(ctx context.Context, id uuid.UUID, success bool, errMsg string) error
	EnqueueNotification(ctx context.Context, n *models.RetentionNotification) error
	HasPendingNotification(ctx context.Context, userID string) (bool, error)
}

type Cipher interface {
	Encrypt(plaintext string) (string, error)
}

type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

// UserLookup is the part of identity.UserDirectory the executor needs.
// Profiles are anonymized through it rather than through a RecordStore.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*identity.User, error)
	AnonymizeUser(ctx context.Context, id string) error
}

type ExecutorConfig struct {
	BatchSize         int
	MaxRecordAttempts int
	RecordBackoff     time.Duration
	ArchiveRetention  time.Duration
	MaxErrorsReported int
}

func (c *ExecutorConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRecordAttempts <= 0 {
		c.MaxRecordAttempts = 3
	}
	if c.RecordBackoff <= 0 {
		c.RecordBackoff = 100 * time.Millisecond
	}
	if c.ArchiveRetention <= 0 {
		c.ArchiveRetention = 365 * 24 * time.Hour
	}
	if c.MaxErrorsReported <= 0 {
		c.MaxErrorsReported = 10
	}
}

// Result summarizes one execution.
type Result struct {
	Processed int
	Succeeded int
	Failed    int
	Skipped   int
	Notified  int
	Errors    []string
	more      int
}

func (r *Result) addError(max int, format string, args ...interface{}) {
	if len(r.Errors) >= max {
		r.more++
		return
	}
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// LastError renders the collected failures for RetentionJob.LastError.
func (r Result) LastError() string {
	if len(r.Errors) == 0 {
		return ""
	}
	msg := strings.Join(r.Errors, "; ")
	if r.more > 0 {
		msg += fmt.Sprintf("; and %d more", r.more)
	}
	return msg
}

// Executor runs a retention job against the record store for its data type.
type Executor struct {
	policies *PolicyEngine
	store    Store
	records  map[string]identity.RecordStore
	users    UserLookup
	cipher   Cipher
	audit    AuditRecorder
	cfg      ExecutorConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewExecutor(policies *PolicyEngine, store Store, cipher Cipher, recorder AuditRecorder, users UserLookup, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Executor{
		policies: policies,
		store:    store,
		records:  make(map[string]identity.RecordStore),
		users:    users,
		cipher:   cipher,
		audit:    recorder,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterRecordStore makes rs the disposal target for its data type.
func (e *Executor) RegisterRecordStore(rs identity.RecordStore) {
	e.records[rs.DataType()] = rs
}

func (e *Executor) RecordStore(dataType string) (identity.RecordStore, bool) {
	rs, ok := e.records[dataType]
	return rs, ok
}

func (e *Executor) DataTypes() []string {
	out := make([]string, 0, len(e.records))
	for dt := range e.records {
		out = append(out, dt)
	}
	return out
}

// Run disposes of every record older than the policy cutoff. Per-record
// failures are retried, counted and reported without stopping the batch.
// Cancellation of ctx stops the run between records.
func (e *Executor) Run(ctx context.Context, job *models.RetentionJob, exec *models.RetentionJobExecution) (Result, error) {
	var res Result

	policy, err := e.policies.ActivePolicy(ctx, job.DataType)
	if err != nil {
		return res, err
	}
	rs, ok := e.records[job.DataType]
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrNoRecordStore, job.DataType)
	}

	now := e.now().UTC()
	cutoff := policy.Cutoff(now)
	notified := make(map[string]bool)

	e.logger.Info("retention run started",
		"job_id", job.ID,
		"data_type", job.DataType,
		"cutoff", cutoff,
		"deletion_method", policy.DeletionMethod,
		"auto_delete", policy.AutoDelete)

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, e.abort(ctx, job, exec, policy, res, err)
		}

		batch, err := rs.ListExpired(ctx, cutoff, after, e.cfg.BatchSize)
		if err != nil {
			err = fmt.Errorf("listing expired %s records: %w", job.DataType, err)
			return res, e.abort(ctx, job, exec, policy, res, err)
		}

		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				return res, e.abort(ctx, job, exec, policy, res, err)
			}
			after = rec.ID
			res.Processed++

			if !policy.AutoDelete {
				res.Skipped++
				e.notify(ctx, &res, rec, policy, cutoff, notified)
				continue
			}

			if err := e.dispose(ctx, job, exec, rs, policy, rec); err != nil {
				res.Failed++
				res.addError(e.cfg.MaxErrorsReported, "%s %s: %v", job.DataType, rec.ID, err)
				metrics.RetentionRecordsTotal.WithLabelValues(string(policy.DeletionMethod), "failed").Inc()
				continue
			}
			res.Succeeded++
			metrics.RetentionRecordsTotal.WithLabelValues(string(policy.DeletionMethod), "succeeded").Inc()
			e.notify(ctx, &res, rec, policy, cutoff, notified)
		}

		if len(batch) < e.cfg.BatchSize {
			break
		}
	}

	if err := e.recordRun(ctx, job, exec, policy, res, nil); err != nil {
		return res, err
	}

	e.logger.Info("retention run finished",
		"job_id", job.ID,
		"processed", res.Processed,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"skipped", res.Skipped)

	if res.Processed == 0 {
		return res, ErrNoEligibleData
	}
	return res, nil
}

// dispose writes the trail row before touching the record so that no
// disposal happens unaudited.
func (e *Executor) dispose(ctx context.Context, job *models.RetentionJob, exec *models.RetentionJobExecution, rs identity.RecordStore, policy *models.RetentionPolicy, rec identity.Record) error {
	trail := &models.RetentionAuditTrail{
		JobID:          job.ID,
		ExecutionID:    exec.ID,
		EntityType:     rs.DataType(),
		EntityID:       rec.ID,
		UserID:         rec.UserID,
		Action:         string(policy.DeletionMethod),
		DeletionMethod: policy.DeletionMethod,
		ErrorMessage:   "in progress",
		PerformedAt:    e.now().UTC(),
	}
	models.Stamp(&trail.Base, trail.PerformedAt)
	if err := e.store.InsertRetentionAuditTrail(ctx, trail); err != nil {
		return fmt.Errorf("%w: %v", ErrTrailWriteFails, err)
	}

	archived := false
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRecordAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = e.cfg.MaxRecordAttempts
				continue
			case <-time.After(e.cfg.RecordBackoff * time.Duration(attempt-1)):
			}
		}

		lastErr = e.disposeOnce(ctx, rs, policy, rec, &archived)
		if lastErr == nil {
			break
		}
		e.logger.Warn("record disposal attempt failed",
			"job_id", job.ID,
			"entity_id", rec.ID,
			"attempt", attempt,
			"error", lastErr)
	}

	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	if err := e.store.CompleteRetentionAuditTrail(ctx, trail.ID, lastErr == nil, errMsg); err != nil {
		e.logger.Error("failed to complete retention audit trail",
			"trail_id", trail.ID,
			"entity_id", rec.ID,
			"error", err)
	}

	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrRecordDisposal, lastErr)
	}
	return nil
}

func (e *Executor) disposeOnce(ctx context.Context, rs identity.RecordStore, policy *models.RetentionPolicy, rec identity.Record, archived *bool) error {
	switch policy.DeletionMethod {
	case models.DeletionSoft:
		return rs.SoftDelete(ctx, rec.ID)
	case models.DeletionAnonymize:
		if rs.DataType() == identity.UserProfileDataType && e.users != nil {
			return e.users.AnonymizeUser(ctx, rec.UserID)
		}
		return rs.Anonymize(ctx, rec.ID)
	case models.DeletionHard:
		if !*archived {
			if err := e.archive(ctx, rs.DataType(), policy, rec); err != nil {
				return err
			}
			*archived = true
		}
		return rs.Delete(ctx, rec.ID)
	}
	return fmt.Errorf("unknown deletion method %q", policy.DeletionMethod)
}

func (e *Executor) archive(ctx context.Context, entityType string, policy *models.RetentionPolicy, rec identity.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("serializing record: %w", err)
	}
	sealed, err := e.cipher.Encrypt(string(payload))
	if err != nil {
		return fmt.Errorf("encrypting archive: %w", err)
	}

	now := e.now().UTC()
	expires := now.Add(e.cfg.ArchiveRetention)
	a := &models.DataArchive{
		OriginalEntityType: entityType,
		OriginalEntityID:   rec.ID,
		UserID:             rec.UserID,
		ArchivedData:       sealed,
		ArchivedAt:         now,
		OriginalCreatedAt:  rec.CreatedAt,
		ArchiveReason: fmt.Sprintf("retention period of %d days elapsed (%s)",
			policy.RetentionPeriodDays, policy.LegalBasis),
		ExpiresAt: &expires,
	}
	models.Stamp(&a.Base, now)

	if err := e.store.InsertArchive(ctx, a); err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}
	return nil
}

// notify enqueues at most one notice per user per run, and none while an
// earlier notice is still pending.
func (e *Executor) notify(ctx context.Context, res *Result, rec identity.Record, policy *models.RetentionPolicy, cutoff time.Time, seen map[string]bool) {
	if rec.UserID == "" || seen[rec.UserID] || e.users == nil {
		return
	}
	seen[rec.UserID] = true

	user, err := e.users.GetUser(ctx, rec.UserID)
	if err != nil {
		if !errors.Is(err, identity.ErrUserNotFound) {
			e.logger.Warn("user lookup failed", "user_id", rec.UserID, "error", err)
		}
		return
	}
	if !user.NotifyBeforeDisposal || user.Email == "" {
		return
	}

	pending, err := e.store.HasPendingNotification(ctx, rec.UserID)
	if err != nil {
		e.logger.Warn("checking pending notifications failed", "user_id", rec.UserID, "error", err)
		return
	}
	if pending {
		return
	}

	n := &models.RetentionNotification{
		UserID:         rec.UserID,
		Email:          user.Email,
		ExpirationDate: cutoff,
	}
	if policy.AutoDelete {
		n.Subject = fmt.Sprintf("Your %s data has been processed under our retention policy", policy.DataType)
		n.Message = fmt.Sprintf("Records created before %s were handled by %s after the %d-day retention period.",
			cutoff.Format("2006-01-02"), policy.DeletionMethod, policy.RetentionPeriodDays)
	} else {
		n.Subject = fmt.Sprintf("Your %s data has reached the end of its retention period", policy.DataType)
		n.Message = fmt.Sprintf("Records created before %s are past the %d-day retention period and are scheduled for review.",
			cutoff.Format("2006-01-02"), policy.RetentionPeriodDays)
	}
	models.Stamp(&n.Base, e.now())

	if err := e.store.EnqueueNotification(ctx, n); err != nil {
		e.logger.Warn("failed to enqueue retention notification", "user_id", rec.UserID, "error", err)
		return
	}
	res.Notified++
}

// abort audits a run that stopped early and returns cause. The audit write
// outlives a cancelled or timed out ctx.
func (e *Executor) abort(ctx context.Context, job *models.RetentionJob, exec *models.RetentionJobExecution, policy *models.RetentionPolicy, res Result, cause error) error {
	if err := e.recordRun(context.WithoutCancel(ctx), job, exec, policy, res, cause); err != nil {
		e.logger.Error("failed to audit aborted retention run", "job_id", job.ID, "error", err)
	}
	e.logger.Warn("retention run stopped early",
		"job_id", job.ID,
		"processed", res.Processed,
		"error", cause)
	return cause
}

func (e *Executor) recordRun(ctx context.Context, job *models.RetentionJob, exec *models.RetentionJobExecution, policy *models.RetentionPolicy, res Result, cause error) error {
	runErr := cause
	if runErr == nil && res.Failed > 0 {
		runErr = fmt.Errorf("%d records failed", res.Failed)
	}
	err := e.audit.Record(ctx, audit.Entry{
		Action:     "RetentionJobExecuted",
		EntityType: "RetentionJob",
		EntityID:   job.ID.String(),
		UserID:     "system",
		Details:    fmt.Sprintf("%s retention for %s", policy.DeletionMethod, job.DataType),
		NewValues: map[string]interface{}{
			"execution_id": exec.ID.String(),
			"processed":    res.Processed,
			"succeeded":    res.Succeeded,
			"failed":       res.Failed,
			"skipped":      res.Skipped,
			"auto_delete":  policy.AutoDelete,
		},
		Err: runErr,
	})
	if err != nil {
		return fmt.Errorf("auditing retention run: %w", err)
	}
	return nil
}
