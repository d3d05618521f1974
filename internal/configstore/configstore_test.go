package configstore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tritrack/compliance/internal/encryption"
	"github.com/tritrack/compliance/internal/models"
	"github.com/tritrack/compliance/internal/store/memstore"
)

func newService(t *testing.T, opts ...Option) (*Service, *memstore.Store) {
	t.Helper()
	cipher, err := encryption.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	st := memstore.New()
	return NewService(st, cipher, opts...), st
}

func TestSetGet_Plain(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "Retention:BatchSize", "250", "records per batch", false))

	v, err := svc.Get(ctx, "Retention:BatchSize")
	require.NoError(t, err)
	assert.Equal(t, "250", v)

	raw, err := st.GetConfigEntry(ctx, "Retention:BatchSize")
	require.NoError(t, err)
	assert.False(t, raw.IsEncrypted)
	assert.Equal(t, "250", raw.Value)
}

func TestSet_SensitiveKeysAlwaysEncrypted(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	for _, key := range []string{"Jwt:Key", "Smtp:Password", "Slack:WebhookToken", "Database:ConnectionString"} {
		require.NoError(t, svc.Set(ctx, key, "hunter2", "", false), key)

		raw, err := st.GetConfigEntry(ctx, key)
		require.NoError(t, err)
		assert.True(t, raw.IsEncrypted, key)
		assert.True(t, strings.HasPrefix(raw.Value, encryption.Prefix), key)
		assert.NotContains(t, raw.Value, "hunter2", key)

		v, err := svc.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "hunter2", v, key)
	}
}

func TestSet_CallerRequestedEncryption(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "Race:Organizer", "Ironman Europe", "", true))

	raw, err := st.GetConfigEntry(ctx, "Race:Organizer")
	require.NoError(t, err)
	assert.True(t, raw.IsEncrypted)
}

func TestGet_NotFound(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrConfigurationNotFound)

	v, err := svc.GetOrDefault(context.Background(), "missing", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}

func TestGet_CorruptCiphertextFails(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertConfigEntry(ctx, &models.ConfigurationEntry{
		Key:         "Jwt:Key",
		Value:       encryption.Prefix + "bm90LXZhbGlk",
		IsEncrypted: true,
	}))

	_, err := svc.Get(ctx, "Jwt:Key")
	assert.ErrorIs(t, err, encryption.ErrDecryptionFailed)
}

func TestIsSensitive(t *testing.T) {
	svc, _ := newService(t, WithSensitiveKeys("Strava:ClientId"))

	cases := map[string]bool{
		"Authentication:Google:ClientId":     true,
		"authentication:google:clientsecret": true,
		"Strava:ClientId":                    true,
		"Smtp:Password":                      true,
		"ApiToken":                           true,
		"Retention:BatchSize":                false,
		"Keyboard:Layout":                    false,
	}
	for key, want := range cases {
		assert.Equal(t, want, svc.IsSensitive(key), key)
	}
}

func TestExistsDeleteList(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "A", "1", "first", false))
	require.NoError(t, svc.Set(ctx, "Smtp:Password", "pw", "", false))

	ok, err := svc.Exists(ctx, "A")
	require.NoError(t, err)
	assert.True(t, ok)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[0].Key)
	assert.True(t, list[1].IsEncrypted)

	require.NoError(t, svc.Delete(ctx, "A"))
	ok, err = svc.Exists(ctx, "A")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, svc.Delete(ctx, "A"), ErrConfigurationNotFound)
}

func TestMigrateSensitive(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	legacy := []*models.ConfigurationEntry{
		{Key: "Jwt:Key", Value: "plain-jwt-key"},
		{Key: "Smtp:Password", Value: ""},
		{Key: "Retention:BatchSize", Value: "100"},
	}
	for _, e := range legacy {
		require.NoError(t, st.UpsertConfigEntry(ctx, e))
	}

	n, err := svc.MigrateSensitive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	raw, err := st.GetConfigEntry(ctx, "Jwt:Key")
	require.NoError(t, err)
	assert.True(t, raw.IsEncrypted)

	v, err := svc.Get(ctx, "Jwt:Key")
	require.NoError(t, err)
	assert.Equal(t, "plain-jwt-key", v)

	n, err = svc.MigrateSensitive(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second run is a no-op")
}

func TestMigrateSensitive_RepairsLostFlag(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "Jwt:Key", "secret-value", "", false))
	raw, err := st.GetConfigEntry(ctx, "Jwt:Key")
	require.NoError(t, err)
	raw.IsEncrypted = false
	require.NoError(t, st.UpsertConfigEntry(ctx, raw))

	n, err := svc.MigrateSensitive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, err := svc.Get(ctx, "Jwt:Key")
	require.NoError(t, err)
	assert.Equal(t, "secret-value", v, "value must not be encrypted twice")
}

// interleavedStore runs write once just before the first swap.
type interleavedStore struct {
	*memstore.Store
	write func()
}

func (s *interleavedStore) SwapConfigEntry(ctx context.Context, prev string, e *models.ConfigurationEntry) error {
	if s.write != nil {
		s.write()
		s.write = nil
	}
	return s.Store.SwapConfigEntry(ctx, prev, e)
}

func TestMigrateSensitive_ConcurrentSetWins(t *testing.T) {
	cipher, err := encryption.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	st := &interleavedStore{Store: memstore.New()}
	svc := NewService(st, cipher)
	ctx := context.Background()

	require.NoError(t, st.UpsertConfigEntry(ctx, &models.ConfigurationEntry{Key: "Jwt:Key", Value: "old-plaintext"}))
	st.write = func() {
		require.NoError(t, svc.Set(ctx, "Jwt:Key", "rotated-key", "", false))
	}

	n, err := svc.MigrateSensitive(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	v, err := svc.Get(ctx, "Jwt:Key")
	require.NoError(t, err)
	assert.Equal(t, "rotated-key", v, "migration must not overwrite a newer value")
}

func TestMigrateSensitive_ChangedPlaintextIsSkipped(t *testing.T) {
	cipher, err := encryption.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	st := &interleavedStore{Store: memstore.New()}
	svc := NewService(st, cipher)
	ctx := context.Background()

	require.NoError(t, st.UpsertConfigEntry(ctx, &models.ConfigurationEntry{Key: "Smtp:Password", Value: "first"}))
	st.write = func() {
		require.NoError(t, st.UpsertConfigEntry(ctx, &models.ConfigurationEntry{Key: "Smtp:Password", Value: "second"}))
	}

	n, err := svc.MigrateSensitive(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = svc.MigrateSensitive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the next run encrypts the newer value")

	v, err := svc.Get(ctx, "Smtp:Password")
	require.NoError(t, err)
	assert.Equal(t, "second", v)
}
