// Package configstore persists application settings and keeps secrets
// encrypted at rest.
package configstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tritrack/compliance/internal/models"
)

var ErrConfigurationNotFound = errors.New("configuration not found")

// SensitiveKeys are always stored encrypted.
var SensitiveKeys = []string{
	"Authentication:Google:ClientId",
	"Authentication:Google:ClientSecret",
	"Jwt:Key",
}

var sensitiveSuffixes = []string{"secret", "password", "key", "token", "connectionstring"}

// Store persists whole configuration rows. UpsertConfigEntry replaces the
// entire row so readers never see a partial write. SwapConfigEntry only
// replaces a plaintext row still holding prev, else models.ErrConflict.
type Store interface {
	GetConfigEntry(ctx context.Context, key string) (*models.ConfigurationEntry, error)
	UpsertConfigEntry(ctx context.Context, entry *models.ConfigurationEntry) error
	SwapConfigEntry(ctx context.Context, prev string, entry *models.ConfigurationEntry) error
	ListConfigEntries(ctx context.Context) ([]*models.ConfigurationEntry, error)
	DeleteConfigEntry(ctx context.Context, key string) error
}

type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	IsEncrypted(value string) bool
}

type Service struct {
	store  Store
	cipher Cipher
	extra  map[string]struct{}
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Service)

// WithSensitiveKeys adds keys to the sensitive allowlist.
func WithSensitiveKeys(keys ...string) Option {
	return func(s *Service) {
		for _, k := range keys {
			s.extra[strings.ToLower(k)] = struct{}{}
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func NewService(store Store, cipher Cipher, opts ...Option) *Service {
	s := &Service{
		store:  store,
		cipher: cipher,
		extra:  make(map[string]struct{}),
		now:    time.Now,
	}
	for _, k := range SensitiveKeys {
		s.extra[strings.ToLower(k)] = struct{}{}
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// IsSensitive reports whether key must be encrypted regardless of the
// caller's flag. The last ':' segment is matched against common secret names.
func (s *Service) IsSensitive(key string) bool {
	lower := strings.ToLower(key)
	if _, ok := s.extra[lower]; ok {
		return true
	}
	last := lower
	if i := strings.LastIndex(lower, ":"); i >= 0 {
		last = lower[i+1:]
	}
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(last, suffix) {
			return true
		}
	}
	return false
}

// Get returns the plaintext value for key.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	entry, err := s.store.GetConfigEntry(ctx, key)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrConfigurationNotFound, key)
		}
		return "", fmt.Errorf("reading configuration %s: %w", key, err)
	}

	if !entry.IsEncrypted {
		return entry.Value, nil
	}

	value, err := s.cipher.Decrypt(entry.Value)
	if err != nil {
		return "", fmt.Errorf("decrypting configuration %s: %w", key, err)
	}
	return value, nil
}

// GetOrDefault returns def when key is absent.
func (s *Service) GetOrDefault(ctx context.Context, key, def string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrConfigurationNotFound) {
		return def, nil
	}
	return v, err
}

// Set stores value, encrypting it when sensitive is true or key is on the
// sensitive allowlist.
func (s *Service) Set(ctx context.Context, key, value, description string, sensitive bool) error {
	if key == "" {
		return errors.New("configuration key is required")
	}

	entry := &models.ConfigurationEntry{
		Key:         key,
		Value:       value,
		Description: description,
		UpdatedAt:   s.now().UTC(),
	}

	if sensitive || s.IsSensitive(key) {
		ct, err := s.cipher.Encrypt(value)
		if err != nil {
			return fmt.Errorf("encrypting configuration %s: %w", key, err)
		}
		entry.Value = ct
		entry.IsEncrypted = s.cipher.IsEncrypted(ct)
	}

	if err := s.store.UpsertConfigEntry(ctx, entry); err != nil {
		return fmt.Errorf("saving configuration %s: %w", key, err)
	}

	s.logger.Debug("configuration saved", "key", key, "encrypted", entry.IsEncrypted)
	return nil
}

func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.store.GetConfigEntry(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("checking configuration %s: %w", key, err)
}

func (s *Service) Delete(ctx context.Context, key string) error {
	if err := s.store.DeleteConfigEntry(ctx, key); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrConfigurationNotFound, key)
		}
		return fmt.Errorf("deleting configuration %s: %w", key, err)
	}
	return nil
}

// Entry describes a stored setting without exposing its value.
type Entry struct {
	Key         string    `json:"key"`
	Description string    `json:"description"`
	IsEncrypted bool      `json:"is_encrypted"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Service) List(ctx context.Context) ([]Entry, error) {
	entries, err := s.store.ListConfigEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing configuration: %w", err)
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, Entry{
			Key:         e.Key,
			Description: e.Description,
			IsEncrypted: e.IsEncrypted,
			UpdatedAt:   e.UpdatedAt,
		})
	}
	return out, nil
}

// MigrateSensitive re-saves sensitive entries that are still stored in
// plaintext. Running it again is a no-op. An entry written concurrently is
// left to its writer.
func (s *Service) MigrateSensitive(ctx context.Context) (int, error) {
	entries, err := s.store.ListConfigEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing configuration: %w", err)
	}

	migrated := 0
	for _, e := range entries {
		if e.IsEncrypted || e.Value == "" || !s.IsSensitive(e.Key) {
			continue
		}
		plain := e.Value
		if s.cipher.IsEncrypted(plain) {
			// Value was encrypted but the flag was lost; repair the flag only.
			e.IsEncrypted = true
		} else {
			ct, err := s.cipher.Encrypt(plain)
			if err != nil {
				return migrated, fmt.Errorf("encrypting configuration %s: %w", e.Key, err)
			}
			e.Value = ct
			e.IsEncrypted = s.cipher.IsEncrypted(ct)
		}
		e.UpdatedAt = s.now().UTC()

		if err := s.store.SwapConfigEntry(ctx, plain, e); err != nil {
			if errors.Is(err, models.ErrConflict) {
				s.logger.Info("configuration entry changed during migration, skipping", "key", e.Key)
				continue
			}
			return migrated, fmt.Errorf("migrating configuration %s: %w", e.Key, err)
		}
		migrated++
		s.logger.Info("encrypted legacy configuration entry", "key", e.Key)
	}

	return migrated, nil
}
