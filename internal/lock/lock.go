// Package lock provides keyed mutual exclusion, in process or across
// processes through Redis.
package lock

import (
	"context"
	"errors"
	"time"
)

var ErrNotAcquired = errors.New("lock not acquired")

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

type Locker interface {
	// TryAcquire returns ErrNotAcquired immediately when key is held.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	// Acquire waits until key is free or ctx is done.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

const retryInterval = 20 * time.Millisecond

func acquireWithRetry(ctx context.Context, try func() (Lease, error)) (Lease, error) {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		lease, err := try()
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
