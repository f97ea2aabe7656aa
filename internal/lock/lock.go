// Package lock coordinates schema-mutating work across instances with a TTL
// lock stored in the SyncState row.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"

	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// Store is the persistence the coordinator needs. Each method is a single
// conditional update on the shared row.
type Store interface {
	TryAcquireLock(ctx context.Context, holder string, now, expiresAt time.Time) (bool, error)
	ExtendLock(ctx context.Context, holder string, now, expiresAt time.Time) (bool, error)
	ReleaseLock(ctx context.Context, holder string, now time.Time) (bool, error)
	LockInfo(ctx context.Context) (types.LockInfo, error)
}

// Coordinator is the schema lock. Calls never block waiting for the lock;
// a caller that loses retries, backs off, or aborts.
type Coordinator struct {
	store Store
	clock clock.Clock
}

// New returns a coordinator over store using clk for expiry.
func New(store Store, clk clock.Clock) *Coordinator {
	return &Coordinator{store: store, clock: clk}
}

// TryAcquire takes the lock for holder if it is free or expired, with a
// fresh expiry of now + ttl. A holder that already owns the lock gets false;
// use Extend to keep it.
func (c *Coordinator) TryAcquire(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	if err := validate(holder, ttl); err != nil {
		return false, err
	}
	now := c.clock.Now()
	ok, err := c.store.TryAcquireLock(ctx, holder, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("acquiring schema lock for %s: %w", holder, err)
	}
	return ok, nil
}

// Extend pushes the expiry of a lock holder still owns to now + ttl.
// Returns false if the lock expired or belongs to someone else.
func (c *Coordinator) Extend(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	if err := validate(holder, ttl); err != nil {
		return false, err
	}
	now := c.clock.Now()
	ok, err := c.store.ExtendLock(ctx, holder, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("extending schema lock for %s: %w", holder, err)
	}
	return ok, nil
}

// Release clears the lock if holder is the recorded holder. A mismatched
// release returns false and changes nothing.
func (c *Coordinator) Release(ctx context.Context, holder string) (bool, error) {
	if holder == "" {
		return false, types.ErrInvalidHolder
	}
	ok, err := c.store.ReleaseLock(ctx, holder, c.clock.Now())
	if err != nil {
		return false, fmt.Errorf("releasing schema lock for %s: %w", holder, err)
	}
	return ok, nil
}

// Info returns the recorded lock fields.
func (c *Coordinator) Info(ctx context.Context) (types.LockInfo, error) {
	info, err := c.store.LockInfo(ctx)
	if err != nil {
		return types.LockInfo{}, fmt.Errorf("reading schema lock: %w", err)
	}
	return info, nil
}

// IsLocked reports whether any holder has an unexpired lock.
func (c *Coordinator) IsLocked(ctx context.Context) (bool, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return false, err
	}
	return info.IsLocked(c.clock.Now()), nil
}

// IsLockedBy reports whether id holds an unexpired lock.
func (c *Coordinator) IsLockedBy(ctx context.Context, id string) (bool, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return false, err
	}
	return info.IsLockedBy(id, c.clock.Now()), nil
}

func validate(holder string, ttl time.Duration) error {
	if holder == "" {
		return types.ErrInvalidHolder
	}
	if ttl <= 0 {
		return types.ErrInvalidTTL
	}
	return nil
}
