package encryption

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tritrack/compliance/internal/models"
)

var ErrKeyInactive = errors.New("encryption key inactive or expired")

// KeyStore persists managed key records. IncrementKeyUsage must add delta
// atomically rather than overwrite the stored count.
type KeyStore interface {
	CreateEncryptionKey(ctx context.Context, key *models.EncryptionKey) error
	GetEncryptionKey(ctx context.Context, name string) (*models.EncryptionKey, error)
	ListEncryptionKeys(ctx context.Context) ([]*models.EncryptionKey, error)
	SetEncryptionKeyActive(ctx context.Context, name string, active bool) error
	IncrementKeyUsage(ctx context.Context, name string, delta int64, lastUsed time.Time) error
}

// KeyWrapper protects data keys at rest.
type KeyWrapper interface {
	Wrap(ctx context.Context, plaintext []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
}

type usageCounter struct {
	pending  atomic.Int64
	lastUsed atomic.Int64
}

// KeyRegistry manages data keys and is the only writer of their usage counters.
type KeyRegistry struct {
	store   KeyStore
	wrapper KeyWrapper
	logger  *slog.Logger
	now     func() time.Time

	counters sync.Map
}

func NewKeyRegistry(store KeyStore, wrapper KeyWrapper, logger *slog.Logger) *KeyRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyRegistry{
		store:   store,
		wrapper: wrapper,
		logger:  logger,
		now:     time.Now,
	}
}

// CreateKey generates and stores a wrapped data key.
func (r *KeyRegistry) CreateKey(ctx context.Context, name, keyType string, ttl time.Duration) (*models.EncryptionKey, []byte, error) {
	plain, err := GenerateKey()
	if err != nil {
		return nil, nil, err
	}

	wrapped, err := r.wrapper.Wrap(ctx, plain)
	if err != nil {
		return nil, nil, fmt.Errorf("wrapping key %s: %w", name, err)
	}

	key := &models.EncryptionKey{
		KeyName:      name,
		KeyType:      keyType,
		EncryptedKey: base64.StdEncoding.EncodeToString(wrapped),
		KeyHash:      keyHash(plain),
		IsActive:     true,
	}
	models.Stamp(&key.Base, r.now())
	if ttl > 0 {
		exp := r.now().Add(ttl).UTC()
		key.ExpiresAt = &exp
	}

	if err := r.store.CreateEncryptionKey(ctx, key); err != nil {
		return nil, nil, fmt.Errorf("storing key %s: %w", name, err)
	}

	r.logger.Info("encryption key created", "key_name", name, "key_type", keyType)
	return key, plain, nil
}

// LoadKey unwraps a stored key and checks it against its recorded hash.
func (r *KeyRegistry) LoadKey(ctx context.Context, name string) ([]byte, error) {
	key, err := r.store.GetEncryptionKey(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("loading key %s: %w", name, err)
	}
	if !key.IsActive || (key.ExpiresAt != nil && !r.now().Before(*key.ExpiresAt)) {
		return nil, fmt.Errorf("%w: %s", ErrKeyInactive, name)
	}

	wrapped, err := base64.StdEncoding.DecodeString(key.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: key %s: %v", ErrInvalidKey, name, err)
	}
	plain, err := r.wrapper.Unwrap(ctx, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key %s: %w", name, err)
	}
	if subtle.ConstantTimeCompare([]byte(keyHash(plain)), []byte(key.KeyHash)) != 1 {
		return nil, fmt.Errorf("%w: key %s hash mismatch", ErrInvalidKey, name)
	}
	return plain, nil
}

// LoadOrCreate returns the named key, creating it on first use.
func (r *KeyRegistry) LoadOrCreate(ctx context.Context, name, keyType string) ([]byte, error) {
	plain, err := r.LoadKey(ctx, name)
	if err == nil {
		return plain, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	_, plain, err = r.CreateKey(ctx, name, keyType, 0)
	return plain, err
}

func (r *KeyRegistry) Deactivate(ctx context.Context, name string) error {
	if err := r.store.SetEncryptionKeyActive(ctx, name, false); err != nil {
		return fmt.Errorf("deactivating key %s: %w", name, err)
	}
	r.logger.Info("encryption key deactivated", "key_name", name)
	return nil
}

// RecordUsage implements UsageRecorder. It never blocks on storage.
func (r *KeyRegistry) RecordUsage(keyName string) {
	v, _ := r.counters.LoadOrStore(keyName, &usageCounter{})
	c := v.(*usageCounter)
	c.pending.Add(1)
	c.lastUsed.Store(r.now().UnixNano())
}

// Pending reports usage not yet flushed for keyName.
func (r *KeyRegistry) Pending(keyName string) int64 {
	v, ok := r.counters.Load(keyName)
	if !ok {
		return 0
	}
	return v.(*usageCounter).pending.Load()
}

// Flush persists accumulated usage. Counts that fail to persist are kept
// for the next flush.
func (r *KeyRegistry) Flush(ctx context.Context) error {
	var errs []error
	r.counters.Range(func(k, v any) bool {
		name := k.(string)
		c := v.(*usageCounter)

		delta := c.pending.Swap(0)
		if delta == 0 {
			return true
		}
		lastUsed := time.Unix(0, c.lastUsed.Load()).UTC()
		if err := r.store.IncrementKeyUsage(ctx, name, delta, lastUsed); err != nil {
			c.pending.Add(delta)
			if !errors.Is(err, models.ErrNotFound) {
				errs = append(errs, fmt.Errorf("key %s: %w", name, err))
			}
		}
		return true
	})
	return errors.Join(errs...)
}

func keyHash(plain []byte) string {
	sum := sha256.Sum256(plain)
	return hex.EncodeToString(sum[:])
}

// LocalWrapper wraps data keys with a locally held master key.
type LocalWrapper struct {
	svc *Service
}

func NewLocalWrapper(master *Service) *LocalWrapper {
	return &LocalWrapper{svc: master}
}

func (w *LocalWrapper) Wrap(_ context.Context, plaintext []byte) ([]byte, error) {
	out, err := w.svc.Encrypt(base64.StdEncoding.EncodeToString(plaintext))
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func (w *LocalWrapper) Unwrap(_ context.Context, wrapped []byte) ([]byte, error) {
	if !IsEncrypted(string(wrapped)) {
		return nil, fmt.Errorf("%w: wrapped key lacks prefix", ErrDecryptionFailed)
	}
	out, err := w.svc.Decrypt(string(wrapped))
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(out)
}
