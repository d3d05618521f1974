package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("version conflict")
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

// Base carries the identity and timestamps shared by every persisted entity.
// Entities embed it by value.
type Base struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Stamp assigns an ID and creation time to b if they are unset and moves
// UpdatedAt to now. Stores call it immediately before a write.
func Stamp(b *Base, now time.Time) {
	now = now.UTC()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
}

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Rank orders severities from LOW (1) to CRITICAL (4). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Metadata is a flat string map stored as a JSON column. A NULL or empty
// column scans to an empty, non-nil map.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(value interface{}) error {
	data, err := scanBytes(value)
	if err != nil {
		return err
	}
	out := Metadata{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("decoding metadata: %w", err)
		}
		if out == nil {
			out = Metadata{}
		}
	}
	*m = out
	return nil
}

// JSONB holds arbitrary JSON objects such as before/after snapshots. Like
// Metadata, an absent column scans to an empty map.
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	data, err := scanBytes(value)
	if err != nil {
		return err
	}
	out := JSONB{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("decoding json column: %w", err)
		}
		if out == nil {
			out = JSONB{}
		}
	}
	*j = out
	return nil
}

func scanBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New("type assertion to []byte failed")
	}
}

// ConfigurationEntry is a persisted application setting. Value holds
// ciphertext whenever IsEncrypted is set.
type ConfigurationEntry struct {
	Key         string    `json:"key" db:"key"`
	Value       string    `json:"-" db:"value"`
	Description string    `json:"description" db:"description"`
	IsEncrypted bool      `json:"is_encrypted" db:"is_encrypted"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

type ConsentRecord struct {
	Base
	UserID         string     `json:"user_id" db:"user_id"`
	ConsentType    string     `json:"consent_type" db:"consent_type"`
	IsGranted      bool       `json:"is_granted" db:"is_granted"`
	ConsentDate    time.Time  `json:"consent_date" db:"consent_date"`
	WithdrawnDate  *time.Time `json:"withdrawn_date,omitempty" db:"withdrawn_date"`
	Purpose        string     `json:"purpose" db:"purpose"`
	LegalBasis     string     `json:"legal_basis" db:"legal_basis"`
	ConsentVersion string     `json:"consent_version" db:"consent_version"`
	IPAddress      string     `json:"ip_address" db:"ip_address"`
	UserAgent      string     `json:"user_agent" db:"user_agent"`
	Sequence       int64      `json:"sequence" db:"sequence"`
}

// EffectiveDate is the moment the record's decision took effect.
func (c ConsentRecord) EffectiveDate() time.Time {
	if c.WithdrawnDate != nil && c.WithdrawnDate.After(c.ConsentDate) {
		return *c.WithdrawnDate
	}
	return c.ConsentDate
}

// Active reports whether the record grants consent.
func (c ConsentRecord) Active() bool {
	return c.IsGranted && c.WithdrawnDate == nil
}

// Newer reports whether c supersedes other for the same user and consent type.
func (c ConsentRecord) Newer(other ConsentRecord) bool {
	a, b := c.EffectiveDate(), other.EffectiveDate()
	if !a.Equal(b) {
		return a.After(b)
	}
	return c.Sequence > other.Sequence
}

// AuditLog is an immutable audit trail entry. Entries form a hash chain in
// Sequence order.
type AuditLog struct {
	Base
	Sequence     int64     `json:"sequence" db:"sequence"`
	Action       string    `json:"action" db:"action"`
	EntityType   string    `json:"entity_type" db:"entity_type"`
	EntityID     string    `json:"entity_id" db:"entity_id"`
	UserID       string    `json:"user_id" db:"user_id"`
	AdminUserID  *string   `json:"admin_user_id,omitempty" db:"admin_user_id"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	IPAddress    string    `json:"ip_address" db:"ip_address"`
	UserAgent    string    `json:"user_agent" db:"user_agent"`
	Details      string    `json:"details" db:"details"`
	OldValues    JSONB     `json:"old_values" db:"old_values"`
	NewValues    JSONB     `json:"new_values" db:"new_values"`
	IsSuccessful bool      `json:"is_successful" db:"is_successful"`
	ErrorMessage *string   `json:"error_message,omitempty" db:"error_message"`
	PreviousHash string    `json:"previous_hash" db:"previous_hash"`
	EntryHash    string    `json:"entry_hash" db:"entry_hash"`
}

type AuditFilter struct {
	UserID     string
	Action     string
	EntityType string
	From       *time.Time
	To         *time.Time
	SearchTerm string
	Limit      int
	Offset     int
}
