package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_TryAcquire(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	lease, err := l.TryAcquire(ctx, "job-1", time.Minute)
	require.NoError(t, err)

	_, err = l.TryAcquire(ctx, "job-1", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	other, err := l.TryAcquire(ctx, "job-2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))

	again, err := l.TryAcquire(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLocal_AcquireSerializes(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := l.Acquire(ctx, "user-1:Marketing", time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			_ = lease.Release(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestLocal_AcquireHonoursContext(t *testing.T) {
	l := NewLocal()
	lease, err := l.TryAcquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = l.Acquire(ctx, "k", time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedis_TryAcquire(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping test, TEST_REDIS_ADDR not set")
	}

	r, err := NewRedis(RedisConfig{Addr: addr})
	if err != nil {
		t.Skipf("Skipping test, redis not reachable: %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	key := "test:" + time.Now().Format(time.RFC3339Nano)

	lease, err := r.TryAcquire(ctx, key, 5*time.Second)
	require.NoError(t, err)

	_, err = r.TryAcquire(ctx, key, 5*time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, lease.Release(ctx))

	again, err := r.TryAcquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}
