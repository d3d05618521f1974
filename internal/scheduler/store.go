package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tritrack/compliance/internal/models"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgreSQL scheduler store
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, name, description, data_type, schedule, is_enabled, status, version,
	last_run, next_run, processed_records, failed_records, last_error, claimed_by, claimed_at,
	created_at, updated_at`

// GetJob retrieves a job by ID
func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.RetentionJob, error) {
	var job models.RetentionJob
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM retention_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting retention job: %w", err)
	}
	return &job, nil
}

func (s *PostgresStore) GetJobByName(ctx context.Context, name string) (*models.RetentionJob, error) {
	var job models.RetentionJob
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM retention_jobs WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting retention job by name: %w", err)
	}
	return &job, nil
}

// ListJobs lists all jobs
func (s *PostgresStore) ListJobs(ctx context.Context) ([]*models.RetentionJob, error) {
	var jobs []*models.RetentionJob
	err := s.db.SelectContext(ctx, &jobs, `SELECT `+jobColumns+` FROM retention_jobs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing retention jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) ListDueJobs(ctx context.Context, now, staleBefore time.Time) ([]*models.RetentionJob, error) {
	var jobs []*models.RetentionJob
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT `+jobColumns+`
		FROM retention_jobs
		WHERE is_enabled AND next_run <= $1
		  AND (status <> 'Running' OR claimed_at < $2)
		ORDER BY next_run
	`, now, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("listing due jobs: %w", err)
	}
	return jobs, nil
}

// CreateJob creates a new job
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.RetentionJob) error {
	if job.Version == 0 {
		job.Version = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retention_jobs (id, name, description, data_type, schedule, is_enabled, status,
			version, next_run, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, job.ID, job.Name, job.Description, job.DataType, job.Schedule, job.IsEnabled, job.Status,
		job.Version, job.NextRun, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting retention job: %w", err)
	}
	return nil
}

// UpdateJob updates the job definition when its version still matches.
func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.RetentionJob) error {
	var version int64
	err := s.db.GetContext(ctx, &version, `
		UPDATE retention_jobs SET
			name = $3, description = $4, schedule = $5, is_enabled = $6, status = $7,
			next_run = $8, updated_at = $9, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`, job.ID, job.Version, job.Name, job.Description, job.Schedule, job.IsEnabled, job.Status,
		job.NextRun, job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("updating retention job: %w", err)
	}
	job.Version = version
	return nil
}

// ClaimJob is a compare-and-swap on the version column.
func (s *PostgresStore) ClaimJob(ctx context.Context, req models.JobClaim) (*models.RetentionJob, error) {
	var job models.RetentionJob
	err := s.db.GetContext(ctx, &job, `
		UPDATE retention_jobs SET
			status = 'Running', claimed_by = $3, claimed_at = $4, updated_at = $4, version = version + 1
		WHERE id = $1 AND version = $2
		  AND (status <> 'Running' OR claimed_at < $5)
		RETURNING `+jobColumns,
		req.ID, req.Version, req.ClaimedBy, req.Now, req.StaleBefore)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("claiming retention job: %w", err)
	}
	return &job, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, job *models.RetentionJob) error {
	var version int64
	err := s.db.GetContext(ctx, &version, `
		UPDATE retention_jobs SET
			status = $3, last_run = $4, next_run = $5, processed_records = $6, failed_records = $7,
			last_error = $8, claimed_by = '', claimed_at = NULL, updated_at = NOW(), version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`, job.ID, job.Version, job.Status, job.LastRun, job.NextRun, job.ProcessedRecords,
		job.FailedRecords, job.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("completing retention job: %w", err)
	}
	job.Version = version
	return nil
}

// CreateExecution creates a job execution record
func (s *PostgresStore) CreateExecution(ctx context.Context, exec *models.RetentionJobExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retention_job_executions (id, job_id, start_time, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, exec.ID, exec.JobID, exec.StartTime, exec.Status, exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting job execution: %w", err)
	}
	return nil
}

// UpdateExecution updates a job execution record
func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *models.RetentionJobExecution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE retention_job_executions SET
			end_time = $2, status = $3, processed_records = $4, succeeded_records = $5,
			failed_records = $6, skipped_records = $7, error_message = $8, updated_at = $9
		WHERE id = $1
	`, exec.ID, exec.EndTime, exec.Status, exec.ProcessedRecords, exec.SucceededRecords,
		exec.FailedRecords, exec.SkippedRecords, exec.ErrorMessage, exec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating job execution: %w", err)
	}
	return nil
}

// ListExecutions gets recent executions for a job
func (s *PostgresStore) ListExecutions(ctx context.Context, jobID uuid.UUID, limit int) ([]*models.RetentionJobExecution, error) {
	var execs []*models.RetentionJobExecution
	err := s.db.SelectContext(ctx, &execs, `
		SELECT id, job_id, start_time, end_time, status, processed_records, succeeded_records,
			failed_records, skipped_records, error_message, created_at, updated_at
		FROM retention_job_executions
		WHERE job_id = $1
		ORDER BY start_time DESC
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing job executions: %w", err)
	}
	return execs, nil
}
