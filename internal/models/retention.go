package models

import (
	"time"

	"github.com/google/uuid"
)

type DeletionMethod string

const (
	DeletionSoft      DeletionMethod = "SoftDelete"
	DeletionHard      DeletionMethod = "HardDelete"
	DeletionAnonymize DeletionMethod = "Anonymize"
)

func (d DeletionMethod) Valid() bool {
	switch d {
	case DeletionSoft, DeletionHard, DeletionAnonymize:
		return true
	}
	return false
}

type RetentionPolicy struct {
	Base
	DataType            string         `json:"data_type" db:"data_type"`
	RetentionPeriodDays int            `json:"retention_period_days" db:"retention_period_days"`
	LegalBasis          string         `json:"legal_basis" db:"legal_basis"`
	Description         string         `json:"description" db:"description"`
	IsActive            bool           `json:"is_active" db:"is_active"`
	AutoDelete          bool           `json:"auto_delete" db:"auto_delete"`
	DeletionMethod      DeletionMethod `json:"deletion_method" db:"deletion_method"`
}

// Cutoff returns the instant before which data of the policy's type is expired.
func (p RetentionPolicy) Cutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.RetentionPeriodDays)
}

type JobStatus string

const (
	JobPending   JobStatus = "Pending"
	JobRunning   JobStatus = "Running"
	JobSucceeded JobStatus = "Succeeded"
	JobFailed    JobStatus = "Failed"
)

type RetentionJob struct {
	Base
	Name             string     `json:"name" db:"name"`
	Description      string     `json:"description" db:"description"`
	DataType         string     `json:"data_type" db:"data_type"`
	Schedule         string     `json:"schedule" db:"schedule"`
	IsEnabled        bool       `json:"is_enabled" db:"is_enabled"`
	Status           JobStatus  `json:"status" db:"status"`
	Version          int64      `json:"version" db:"version"`
	LastRun          *time.Time `json:"last_run,omitempty" db:"last_run"`
	NextRun          *time.Time `json:"next_run,omitempty" db:"next_run"`
	ProcessedRecords int        `json:"processed_records" db:"processed_records"`
	FailedRecords    int        `json:"failed_records" db:"failed_records"`
	LastError        string     `json:"last_error" db:"last_error"`
	ClaimedBy        string     `json:"claimed_by" db:"claimed_by"`
	ClaimedAt        *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
}

// JobClaim moves a job to Running when its version still matches. A Running
// job whose claim is older than StaleBefore may be reclaimed.
type JobClaim struct {
	ID          uuid.UUID
	Version     int64
	ClaimedBy   string
	Now         time.Time
	StaleBefore time.Time
}

type RetentionJobExecution struct {
	Base
	JobID            uuid.UUID  `json:"job_id" db:"job_id"`
	StartTime        time.Time  `json:"start_time" db:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty" db:"end_time"`
	Status           JobStatus  `json:"status" db:"status"`
	ProcessedRecords int        `json:"processed_records" db:"processed_records"`
	SucceededRecords int        `json:"succeeded_records" db:"succeeded_records"`
	FailedRecords    int        `json:"failed_records" db:"failed_records"`
	SkippedRecords   int        `json:"skipped_records" db:"skipped_records"`
	ErrorMessage     string     `json:"error_message" db:"error_message"`
}

// Duration is zero while the execution is still in flight.
func (e RetentionJobExecution) Duration() time.Duration {
	if e.EndTime == nil {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}

func (e RetentionJobExecution) InFlight() bool {
	return e.EndTime == nil
}

type DataArchive struct {
	Base
	OriginalEntityType string     `json:"original_entity_type" db:"original_entity_type"`
	OriginalEntityID   string     `json:"original_entity_id" db:"original_entity_id"`
	UserID             string     `json:"user_id" db:"user_id"`
	ArchivedData       string     `json:"-" db:"archived_data"`
	ArchivedAt         time.Time  `json:"archived_at" db:"archived_at"`
	OriginalCreatedAt  time.Time  `json:"original_created_at" db:"original_created_at"`
	ArchiveReason      string     `json:"archive_reason" db:"archive_reason"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}

type RetentionNotification struct {
	Base
	UserID         string     `json:"user_id" db:"user_id"`
	Email          string     `json:"email" db:"email"`
	Subject        string     `json:"subject" db:"subject"`
	Message        string     `json:"message" db:"message"`
	ExpirationDate time.Time  `json:"expiration_date" db:"expiration_date"`
	IsSent         bool       `json:"is_sent" db:"is_sent"`
	SentAt         *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	RetryCount     int        `json:"retry_count" db:"retry_count"`
	NextRetry      *time.Time `json:"next_retry,omitempty" db:"next_retry"`
	LastError      string     `json:"last_error" db:"last_error"`
	Abandoned      bool       `json:"abandoned" db:"abandoned"`
}

type RetentionAuditTrail struct {
	Base
	JobID          uuid.UUID      `json:"job_id" db:"job_id"`
	ExecutionID    uuid.UUID      `json:"execution_id" db:"execution_id"`
	EntityType     string         `json:"entity_type" db:"entity_type"`
	EntityID       string         `json:"entity_id" db:"entity_id"`
	UserID         string         `json:"user_id" db:"user_id"`
	Action         string         `json:"action" db:"action"`
	DeletionMethod DeletionMethod `json:"deletion_method" db:"deletion_method"`
	Success        bool           `json:"success" db:"success"`
	ErrorMessage   string         `json:"error_message" db:"error_message"`
	PerformedAt    time.Time      `json:"performed_at" db:"performed_at"`
}

type EncryptionKey struct {
	Base
	KeyName      string     `json:"key_name" db:"key_name"`
	KeyType      string     `json:"key_type" db:"key_type"`
	EncryptedKey string     `json:"-" db:"encrypted_key"`
	KeyHash      string     `json:"key_hash" db:"key_hash"`
	IsActive     bool       `json:"is_active" db:"is_active"`
	UsageCount   int64      `json:"usage_count" db:"usage_count"`
	LastUsed     *time.Time `json:"last_used,omitempty" db:"last_used"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}
