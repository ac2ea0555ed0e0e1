package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/glassdb"
)

// unlockScript deletes KEYS[1] only when it still holds ARGV[1], so a lock that
// expired and was taken over is never released by its former owner.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a glassdb.LockClient storing one Redis key per lock, valued with
// the owner's ID and expiring after the lock TTL.
type Locker struct {
	conn   *Connection
	prefix string
}

// NewLocker returns a lock client over conn. prefix namespaces the lock keys,
// typically the database name, so databases can share a Redis instance.
func NewLocker(conn *Connection, prefix string) *Locker {
	return &Locker{
		conn:   conn,
		prefix: prefix,
	}
}

func (c *Locker) client() (*redis.Client, error) {
	if c.conn == nil || c.conn.Client == nil {
		return nil, errNotOpen
	}
	return c.conn.Client, nil
}

// FormatLockKey prefixes the key with 'L' and the namespace to form the Redis key used for locking.
func (c *Locker) FormatLockKey(k string) string {
	return fmt.Sprintf("L%s:%s", c.prefix, k)
}

// Lock attempts to acquire locks for all provided keys using the given TTL duration.
// If any key is already locked by another owner, it returns false and that owner's UUID
// after releasing the keys this call took.
func (c *Locker) Lock(ctx context.Context, duration time.Duration, lockKeys []*glassdb.LockKey) (bool, glassdb.UUID, error) {
	cl, err := c.client()
	if err != nil {
		return false, glassdb.NilUUID, err
	}
	if duration <= 0 {
		duration = glassdb.DefaultLockTTL
	}

	pipe := cl.Pipeline()
	setCmds := make([]*redis.BoolCmd, len(lockKeys))
	for i, lk := range lockKeys {
		setCmds[i] = pipe.SetNX(ctx, lk.Key, lk.LockID.String(), duration)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, glassdb.NilUUID, err
	}

	var taken []*glassdb.LockKey
	var failed []*glassdb.LockKey
	for i, cmd := range setCmds {
		set, err := cmd.Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			c.rollback(ctx, taken)
			return false, glassdb.NilUUID, err
		}
		if set {
			lockKeys[i].IsLockOwner = true
			taken = append(taken, lockKeys[i])
		} else {
			failed = append(failed, lockKeys[i])
		}
	}
	if len(failed) == 0 {
		return true, glassdb.NilUUID, nil
	}

	// Keys already held: ours (re-entrant, extend the TTL) or someone else's.
	pipe = cl.Pipeline()
	getCmds := make([]*redis.StringCmd, len(failed))
	for i, lk := range failed {
		getCmds[i] = pipe.Get(ctx, lk.Key)
	}
	_, _ = pipe.Exec(ctx)

	for i, cmd := range getCmds {
		lk := failed[i]
		readItem, err := cmd.Result()
		if err != nil {
			c.rollback(ctx, taken)
			if errors.Is(err, redis.Nil) {
				// Released in the interim. Report contention, the caller retries.
				return false, glassdb.NilUUID, nil
			}
			return false, glassdb.NilUUID, err
		}
		if readItem == lk.LockID.String() {
			if err := cl.Expire(ctx, lk.Key, duration).Err(); err != nil {
				c.rollback(ctx, taken)
				return false, glassdb.NilUUID, err
			}
			lk.IsLockOwner = true
			continue
		}
		c.rollback(ctx, taken)
		id, _ := glassdb.ParseUUID(readItem)
		return false, id, nil
	}
	return true, glassdb.NilUUID, nil
}

func (c *Locker) rollback(ctx context.Context, taken []*glassdb.LockKey) {
	_ = c.Unlock(context.WithoutCancel(ctx), taken)
}

// IsLocked reports whether all provided lock keys are currently owned by their LockID.
func (c *Locker) IsLocked(ctx context.Context, lockKeys []*glassdb.LockKey) (bool, error) {
	cl, err := c.client()
	if err != nil {
		return false, err
	}
	r := true
	for _, lk := range lockKeys {
		readItem, err := cl.Get(ctx, lk.Key).Result()
		if errors.Is(err, redis.Nil) {
			r = false
			continue
		}
		if err != nil {
			return false, err
		}
		if readItem != lk.LockID.String() {
			r = false
		}
	}
	return r, nil
}

// IsLockedByOthers reports whether any of the lock key names is held by an owner other than owner.
func (c *Locker) IsLockedByOthers(ctx context.Context, owner glassdb.UUID, lockKeyNames []string) (bool, error) {
	if len(lockKeyNames) == 0 {
		return false, nil
	}
	cl, err := c.client()
	if err != nil {
		return false, err
	}
	vals, err := cl.MGet(ctx, lockKeyNames...).Result()
	if err != nil {
		return false, err
	}
	ownerID := owner.String()
	for _, v := range vals {
		s, ok := v.(string)
		if ok && s != ownerID {
			return true, nil
		}
	}
	return false, nil
}

// Unlock releases the provided lock keys, deleting only those still owned.
func (c *Locker) Unlock(ctx context.Context, lockKeys []*glassdb.LockKey) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	var lastErr error
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		if err := unlockScript.Run(ctx, cl, []string{lk.Key}, lk.LockID.String()).Err(); err != nil && !errors.Is(err, redis.Nil) {
			lastErr = err
			continue
		}
		lk.IsLockOwner = false
	}
	return lastErr
}
