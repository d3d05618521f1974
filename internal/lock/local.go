package lock

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process Locker. TTLs are ignored; leases last until released.
type Local struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]chan struct{})}
}

func (l *Local) TryAcquire(_ context.Context, key string, _ time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrNotAcquired
	}
	done := make(chan struct{})
	l.held[key] = done
	return &localLease{l: l, key: key, done: done}, nil
}

func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	for {
		lease, err := l.TryAcquire(ctx, key, ttl)
		if err == nil {
			return lease, nil
		}

		l.mu.Lock()
		wait, ok := l.held[key]
		l.mu.Unlock()
		if !ok {
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

type localLease struct {
	l    *Local
	key  string
	done chan struct{}
	once sync.Once
}

func (le *localLease) Release(context.Context) error {
	le.once.Do(func() {
		le.l.mu.Lock()
		if le.l.held[le.key] == le.done {
			delete(le.l.held, le.key)
		}
		le.l.mu.Unlock()
		close(le.done)
	})
	return nil
}
