// Package identity describes the collaborators that own user identities and
// triathlon records. The compliance engine reads from them and disposes of
// data only through the capabilities declared here.
package identity

import (
	"context"
	"errors"
	"time"
)

var ErrUserNotFound = errors.New("user not found")

// User is the identity provider's view of a data subject.
type User struct {
	ID                   string    `json:"id" db:"id"`
	Email                string    `json:"email" db:"email"`
	DisplayName          string    `json:"display_name" db:"display_name"`
	Roles                []string  `json:"roles" db:"-"`
	NotifyBeforeDisposal bool      `json:"notify_before_disposal" db:"notify_before_disposal"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
}

func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Credentials exposes the authentication state the identity provider keeps
// for a user. Implementations live with the provider.
type Credentials interface {
	PasswordHash() string
	AccessFailedCount() int
	LockoutEnd() *time.Time
}

// LockedOut reports whether c is locked at now.
func LockedOut(c Credentials, now time.Time) bool {
	if c == nil {
		return false
	}
	end := c.LockoutEnd()
	return end != nil && now.Before(*end)
}

// UserDirectory is implemented by the identity store. AnonymizeUser is the
// only mutation the engine performs on identity data.
type UserDirectory interface {
	CountUsers(ctx context.Context) (int, error)
	ListUserIDs(ctx context.Context) ([]string, error)
	GetUser(ctx context.Context, id string) (*User, error)
	AnonymizeUser(ctx context.Context, id string) error
}

// Record is a row owned by a RecordStore, as seen by the retention executor.
type Record struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	CreatedAt time.Time              `json:"created_at"`
	Payload   map[string]interface{} `json:"payload"`
}

// RecordStore owns one data type. ListExpired returns live records created
// before cutoff with ID greater than after, ordered by ID.
type RecordStore interface {
	DataType() string
	ListExpired(ctx context.Context, cutoff time.Time, after string, limit int) ([]Record, error)
	CountExpired(ctx context.Context, cutoff time.Time) (int, error)
	SoftDelete(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Anonymize(ctx context.Context, id string) error
}

// UserProfileDataType is the data type whose records are the users
// themselves. Anonymizing one goes through UserDirectory.AnonymizeUser.
const UserProfileDataType = "UserProfile"

// AnonymizedValue replaces personal fields during anonymization.
const AnonymizedValue = "[REDACTED]"
