package shop

import (
	"context"
	"fmt"
	"time"
)

// Locker serializes read-modify-write cycles on one shared row. The store's
// version check catches anything that slips past it; the lock keeps
// contention from turning into retries.
type Locker interface {
	// Lock blocks until key is held or ctx is done.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func PartyLockKey(id int64) string     { return fmt.Sprintf("party:%d", id) }
func InventoryLockKey(id int64) string { return fmt.Sprintf("inventory:%d", id) }
func MachineLockKey(id int64) string   { return fmt.Sprintf("machine:%d", id) }
func JobLockKey(id int64) string       { return fmt.Sprintf("job:%d", id) }

// NopLocker relies on version checks alone.
type NopLocker struct{}

func (NopLocker) Lock(context.Context, string) (func(), error) { return func() {}, nil }

// conflictAttempts bounds retries after ErrConcurrentModification.
const conflictAttempts = 3

// withRowLock holds key for the duration of fn and retries fn on version
// conflicts.
func withRowLock(ctx context.Context, locker Locker, key string, fn func() error) error {
	unlock, err := locker.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()
	return retryOnConflict(ctx, fn)
}

func retryOnConflict(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < conflictAttempts; attempt++ {
		if err = fn(); !IsRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 5 * time.Millisecond):
		}
	}
	return err
}
