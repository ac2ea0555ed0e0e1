package cache

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/sharedcode/glassdb"
)

type lockItem struct {
	lockID glassdb.UUID
	// Expiration in unix nanoseconds. Kept as an integer so items compare by value.
	expiration int64
}

// InMemoryLocker is the in-process glassdb.LockClient. Locks are TTL bound so
// a lock whose owner forgot to release it eventually frees itself.
type InMemoryLocker struct {
	locks *shardedMap
	clock glassdb.Clock
}

// NewInMemoryLocker returns an empty lock table driven by the system clock.
func NewInMemoryLocker() *InMemoryLocker {
	return NewInMemoryLockerWithClock(glassdb.SystemClock())
}

// NewInMemoryLockerWithClock returns an empty lock table driven by clock.
func NewInMemoryLockerWithClock(clock glassdb.Clock) *InMemoryLocker {
	return &InMemoryLocker{
		locks: newShardedMap(),
		clock: clock,
	}
}

// FormatLockKey prefixes the key so lock entries never collide with data keys.
func (c *InMemoryLocker) FormatLockKey(k string) string {
	return "L" + k
}

func (c *InMemoryLocker) now() int64 {
	return c.clock.Now().UnixNano()
}

// Lock tries to acquire all lockKeys, in ascending key order. On contention
// every key taken by this call is released and the current owner returned.
func (c *InMemoryLocker) Lock(ctx context.Context, duration time.Duration, lockKeys []*glassdb.LockKey) (bool, glassdb.UUID, error) {
	if duration <= 0 {
		duration = glassdb.DefaultLockTTL
	}
	slices.SortFunc(lockKeys, func(a, b *glassdb.LockKey) int {
		return strings.Compare(a.Key, b.Key)
	})

	acquired := make([]*glassdb.LockKey, 0, len(lockKeys))
	for _, lk := range lockKeys {
		if err := ctx.Err(); err != nil {
			c.release(acquired)
			return false, glassdb.NilUUID, err
		}
		now := c.now()
		newItem := lockItem{
			lockID:     lk.LockID,
			expiration: now + int64(duration),
		}
		existing, loaded := c.locks.loadOrStore(lk.Key, newItem)
		if !loaded {
			acquired = append(acquired, lk)
			lk.IsLockOwner = true
			continue
		}
		if existing.lockID == lk.LockID && existing.expiration > now {
			// Re-entrant, extend.
			if c.locks.compareAndSwap(lk.Key, existing, newItem) {
				lk.IsLockOwner = true
				continue
			}
		} else if existing.expiration <= now && c.locks.compareAndSwap(lk.Key, existing, newItem) {
			acquired = append(acquired, lk)
			lk.IsLockOwner = true
			continue
		}
		c.release(acquired)
		return false, existing.lockID, nil
	}
	return true, glassdb.NilUUID, nil
}

func (c *InMemoryLocker) release(acquired []*glassdb.LockKey) {
	for _, lk := range acquired {
		if v, ok := c.locks.load(lk.Key); ok && v.lockID == lk.LockID {
			c.locks.compareAndDelete(lk.Key, v)
		}
		lk.IsLockOwner = false
	}
}

// IsLocked reports whether every key is held, unexpired, by its LockID.
func (c *InMemoryLocker) IsLocked(ctx context.Context, lockKeys []*glassdb.LockKey) (bool, error) {
	now := c.now()
	for _, lk := range lockKeys {
		item, ok := c.locks.load(lk.Key)
		if !ok || item.lockID != lk.LockID || item.expiration <= now {
			return false, nil
		}
	}
	return true, nil
}

// IsLockedByOthers reports whether any key is held, unexpired, by someone other than owner.
func (c *InMemoryLocker) IsLockedByOthers(ctx context.Context, owner glassdb.UUID, lockKeyNames []string) (bool, error) {
	now := c.now()
	for _, key := range lockKeyNames {
		item, ok := c.locks.load(key)
		if !ok || item.expiration <= now || item.lockID == owner {
			continue
		}
		return true, nil
	}
	return false, nil
}

// Unlock releases the keys still owned by their LockID.
func (c *InMemoryLocker) Unlock(ctx context.Context, lockKeys []*glassdb.LockKey) error {
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		if item, ok := c.locks.load(lk.Key); ok && item.lockID == lk.LockID {
			c.locks.compareAndDelete(lk.Key, item)
		}
		lk.IsLockOwner = false
	}
	return nil
}

// Count returns the number of entries in the table, expired ones included.
func (c *InMemoryLocker) Count() int {
	return c.locks.count()
}
