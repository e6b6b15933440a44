package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is a process-local AccountLocker for single-node deployments
// and tests.
type MemoryLocker struct {
	mu     sync.Mutex
	held   map[string]struct{}
	policy RetryPolicy
}

func NewMemoryLocker(policy RetryPolicy) *MemoryLocker {
	return &MemoryLocker{
		held:   map[string]struct{}{},
		policy: policy,
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, accountKey string) (Release, error) {
	for attempt := 0; attempt <= l.policy.Retries; attempt++ {
		if l.tryLock(accountKey) {
			var once sync.Once
			return func(context.Context) error {
				once.Do(func() { l.unlock(accountKey) })
				return nil
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.policy.Interval):
		}
	}
	return nil, ErrNotAcquired
}

func (l *MemoryLocker) tryLock(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *MemoryLocker) unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}
