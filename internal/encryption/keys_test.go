package encryption

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tritrack/compliance/internal/models"
	"github.com/tritrack/compliance/internal/store/memstore"
)

func newRegistry(t *testing.T) (*KeyRegistry, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	return NewKeyRegistry(st, NewLocalWrapper(newTestService(t)), nil), st
}

func TestKeyRegistry_CreateAndLoad(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	rec, plain, err := reg.CreateKey(ctx, "archive", "AES-256-GCM", 0)
	require.NoError(t, err)
	assert.Len(t, plain, KeySize)
	assert.True(t, rec.IsActive)
	assert.NotEqual(t, "", rec.KeyHash)

	stored, err := st.GetEncryptionKey(ctx, "archive")
	require.NoError(t, err)
	assert.False(t, bytes.Contains([]byte(stored.EncryptedKey), plain), "data key must be stored wrapped")

	loaded, err := reg.LoadKey(ctx, "archive")
	require.NoError(t, err)
	assert.Equal(t, plain, loaded)
}

func TestKeyRegistry_LoadOrCreate(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	first, err := reg.LoadOrCreate(ctx, "config", "AES-256-GCM")
	require.NoError(t, err)
	second, err := reg.LoadOrCreate(ctx, "config", "AES-256-GCM")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestKeyRegistry_InactiveAndExpired(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	_, _, err := reg.CreateKey(ctx, "old", "AES-256-GCM", 0)
	require.NoError(t, err)
	require.NoError(t, reg.Deactivate(ctx, "old"))
	_, err = reg.LoadKey(ctx, "old")
	assert.ErrorIs(t, err, ErrKeyInactive)

	_, _, err = reg.CreateKey(ctx, "short", "AES-256-GCM", time.Hour)
	require.NoError(t, err)
	reg.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = reg.LoadKey(ctx, "short")
	assert.ErrorIs(t, err, ErrKeyInactive)
}

func TestKeyRegistry_HashMismatch(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	_, _, err := reg.CreateKey(ctx, "archive", "AES-256-GCM", 0)
	require.NoError(t, err)
	_, _, err = reg.CreateKey(ctx, "second", "AES-256-GCM", 0)
	require.NoError(t, err)

	a, err := st.GetEncryptionKey(ctx, "archive")
	require.NoError(t, err)
	b, err := st.GetEncryptionKey(ctx, "second")
	require.NoError(t, err)

	swapped := memstore.New()
	a.EncryptedKey = b.EncryptedKey
	require.NoError(t, swapped.CreateEncryptionKey(ctx, a))

	reg.store = swapped
	_, err = reg.LoadKey(ctx, "archive")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestKeyRegistry_UsageFlush(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	_, plain, err := reg.CreateKey(ctx, "archive", "AES-256-GCM", 0)
	require.NoError(t, err)
	svc, err := New(plain, WithKeyName("archive"), WithUsageRecorder(reg))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ct, err := svc.Encrypt("athlete@example.com")
			assert.NoError(t, err)
			_, err = svc.Decrypt(ct)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(40), reg.Pending("archive"))

	require.NoError(t, reg.Flush(ctx))
	assert.Zero(t, reg.Pending("archive"))

	key, err := st.GetEncryptionKey(ctx, "archive")
	require.NoError(t, err)
	assert.Equal(t, int64(40), key.UsageCount)
	assert.NotNil(t, key.LastUsed)
}

func TestKeyRegistry_FlushKeepsCountsOnFailure(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	_, _, err := reg.CreateKey(ctx, "archive", "AES-256-GCM", 0)
	require.NoError(t, err)
	reg.RecordUsage("archive")
	reg.RecordUsage("archive")

	st.FailOn("IncrementKeyUsage", errors.New("db down"))
	require.Error(t, reg.Flush(ctx))
	assert.Equal(t, int64(2), reg.Pending("archive"))

	st.FailOn("IncrementKeyUsage", nil)
	reg.RecordUsage("archive")
	require.NoError(t, reg.Flush(ctx))

	key, err := st.GetEncryptionKey(ctx, "archive")
	require.NoError(t, err)
	assert.Equal(t, int64(3), key.UsageCount)
}

type fakeKMS struct {
	failDecrypt bool
	lastContext map[string]string
}

func (f *fakeKMS) Encrypt(_ context.Context, in *kms.EncryptInput, _ ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	f.lastContext = in.EncryptionContext
	blob := append([]byte("wrapped:"), in.Plaintext...)
	return &kms.EncryptOutput{CiphertextBlob: blob, KeyId: in.KeyId}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if f.failDecrypt {
		return nil, errors.New("AccessDeniedException")
	}
	return &kms.DecryptOutput{Plaintext: bytes.TrimPrefix(in.CiphertextBlob, []byte("wrapped:"))}, nil
}

func TestKMSWrapper_RoundTrip(t *testing.T) {
	client := &fakeKMS{}
	st := memstore.New()
	reg := NewKeyRegistry(st, NewKMSWrapper(client, "alias/tritrack"), nil)
	ctx := context.Background()

	_, plain, err := reg.CreateKey(ctx, "archive", "AES-256-GCM", 0)
	require.NoError(t, err)
	assert.Equal(t, "tritrack-compliance-data-key", client.lastContext["purpose"])

	loaded, err := reg.LoadKey(ctx, "archive")
	require.NoError(t, err)
	assert.Equal(t, plain, loaded)

	client.failDecrypt = true
	_, err = reg.LoadKey(ctx, "archive")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestLoadKey_NotFound(t *testing.T) {
	reg, _ := newRegistry(t)

	_, err := reg.LoadKey(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
