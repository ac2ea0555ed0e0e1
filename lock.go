package glassdb

import (
	"context"
	"time"
)

// LockKey is one commit lock request. LockID identifies the owner; Lock sets
// IsLockOwner on every key it acquired so Unlock only releases those.
type LockKey struct {
	Key         string
	LockID      UUID
	IsLockOwner bool
}

// LockClient is a non-blocking, TTL bounded lock table. The in-memory
// implementation serves a single process; a Redis backed one coordinates
// several processes sharing a backend.
type LockClient interface {
	// Lock attempts to acquire all lockKeys. If any key is held by another
	// owner it returns false and that owner's ID, releasing whatever it took.
	Lock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, UUID, error)
	// IsLocked reports whether all lockKeys are currently owned by their LockID.
	IsLocked(ctx context.Context, lockKeys []*LockKey) (bool, error)
	// IsLockedByOthers reports whether any of the (formatted) lock keys is
	// held by an owner other than owner.
	IsLockedByOthers(ctx context.Context, owner UUID, lockKeyNames []string) (bool, error)
	// Unlock releases the lockKeys that are owned.
	Unlock(ctx context.Context, lockKeys []*LockKey) error
	// FormatLockKey maps a data key to the key used in the lock table.
	FormatLockKey(k string) string
}

// CreateLockKeys builds lock keys owned by owner for every key, using the
// client's key format.
func CreateLockKeys(c LockClient, owner UUID, keys []string) []*LockKey {
	lockKeys := make([]*LockKey, len(keys))
	for i := range keys {
		lockKeys[i] = &LockKey{
			Key:    c.FormatLockKey(keys[i]),
			LockID: owner,
		}
	}
	return lockKeys
}
