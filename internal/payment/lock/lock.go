// Package lock serializes payment state transitions per account. Every
// state-changing payment operation runs under the account's lock; concurrent
// operations on different accounts proceed in parallel.
package lock

import (
	"context"
	"errors"
	"time"
)

var ErrNotAcquired = errors.New("payment_account_lock_not_acquired")

// AccountLocker grants exclusive per-account leases.
type AccountLocker interface {
	// Acquire blocks, retrying with a bounded budget, until the account
	// lock is held or the budget is exhausted (ErrNotAcquired).
	Acquire(ctx context.Context, accountKey string) (Release, error)
}

// Release frees the lease. Safe to call once.
type Release func(ctx context.Context) error

// RetryPolicy bounds how long Acquire keeps trying.
type RetryPolicy struct {
	TTL      time.Duration
	Retries  int
	Interval time.Duration
}
