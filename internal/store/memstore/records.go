package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tritrack/compliance/internal/identity"
)

var (
	ErrInjected       = errors.New("injected failure")
	errRecordNotFound = errors.New("record not found")
)

type recordRow struct {
	rec        identity.Record
	deleted    bool
	anonymized bool
}

// Records is a RecordStore for a single data type.
type Records struct {
	dataType string

	mu       sync.Mutex
	rows     map[string]*recordRow
	failures map[string]int
}

func NewRecords(dataType string) *Records {
	return &Records{
		dataType: dataType,
		rows:     make(map[string]*recordRow),
		failures: make(map[string]int),
	}
}

func (r *Records) Add(recs ...identity.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		r.rows[rec.ID] = &recordRow{rec: rec}
	}
}

// FailNext makes the next n disposals of id fail.
func (r *Records) FailNext(id string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[id] = n
}

func (r *Records) DataType() string { return r.dataType }

func (r *Records) ListExpired(_ context.Context, cutoff time.Time, after string, limit int) ([]identity.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []identity.Record
	for _, row := range r.rows {
		if row.deleted || row.anonymized || !row.rec.CreatedAt.Before(cutoff) || row.rec.ID <= after {
			continue
		}
		out = append(out, row.rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Records) CountExpired(ctx context.Context, cutoff time.Time) (int, error) {
	recs, err := r.ListExpired(ctx, cutoff, "", 0)
	return len(recs), err
}

func (r *Records) SoftDelete(_ context.Context, id string) error {
	return r.mutate(id, func(row *recordRow) { row.deleted = true })
}

func (r *Records) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected(id); err != nil {
		return err
	}
	if _, ok := r.rows[id]; !ok {
		return errRecordNotFound
	}
	delete(r.rows, id)
	return nil
}

func (r *Records) Anonymize(_ context.Context, id string) error {
	return r.mutate(id, func(row *recordRow) {
		row.anonymized = true
		for k := range row.rec.Payload {
			row.rec.Payload[k] = identity.AnonymizedValue
		}
	})
}

func (r *Records) mutate(id string, fn func(*recordRow)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected(id); err != nil {
		return err
	}
	row, ok := r.rows[id]
	if !ok {
		return errRecordNotFound
	}
	fn(row)
	return nil
}

func (r *Records) injected(id string) error {
	if n := r.failures[id]; n > 0 {
		r.failures[id] = n - 1
		return ErrInjected
	}
	return nil
}

// Get returns the record and its disposal state.
func (r *Records) Get(id string) (rec identity.Record, deleted, anonymized, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return identity.Record{}, false, false, false
	}
	return row.rec, row.deleted, row.anonymized, true
}

// Users is an in-memory UserDirectory.
type Users struct {
	mu    sync.Mutex
	users map[string]identity.User
}

func NewUsers(users ...identity.User) *Users {
	u := &Users{users: make(map[string]identity.User)}
	for _, user := range users {
		u.users[user.ID] = user
	}
	return u
}

func (u *Users) Put(user identity.User) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.users[user.ID] = user
}

func (u *Users) CountUsers(_ context.Context) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.users), nil
}

func (u *Users) ListUserIDs(_ context.Context) ([]string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	ids := make([]string, 0, len(u.users))
	for id := range u.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (u *Users) GetUser(_ context.Context, id string) (*identity.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	user, ok := u.users[id]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	return &user, nil
}

func (u *Users) AnonymizeUser(_ context.Context, id string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	user, ok := u.users[id]
	if !ok {
		return identity.ErrUserNotFound
	}
	user.Email = identity.AnonymizedValue
	user.DisplayName = identity.AnonymizedValue
	u.users[id] = user
	return nil
}
