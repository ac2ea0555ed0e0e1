package trans

import (
	"context"
	"fmt"
	log "log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sharedcode/glassdb"
)

const lockPollBase = 2 * time.Millisecond

// Locker grants the per key commit locks. Keys are always acquired in
// ascending order, so two commits can never wait on each other in a cycle.
// A contended acquisition waits until a holder in this process releases, or
// until the next backoff poll for holders in other processes, for at most
// timeout. Running out of time is reported as a conflict.
type Locker struct {
	client  glassdb.LockClient
	ttl     time.Duration
	timeout time.Duration
	clock   glassdb.Clock
	logger  *log.Logger

	mu       sync.Mutex
	released chan struct{}
}

// NewLocker creates a Locker over client.
func NewLocker(client glassdb.LockClient, ttl, timeout time.Duration, clock glassdb.Clock, logger *log.Logger) *Locker {
	if clock == nil {
		clock = glassdb.SystemClock()
	}
	if logger == nil {
		logger = log.Default()
	}
	if ttl <= 0 {
		ttl = glassdb.DefaultLockTTL
	}
	if timeout <= 0 {
		timeout = glassdb.DefaultLockTimeout
	}
	return &Locker{
		client:   client,
		ttl:      ttl,
		timeout:  timeout,
		clock:    clock,
		logger:   logger,
		released: make(chan struct{}),
	}
}

func (l *Locker) releases() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

func (l *Locker) notify() {
	l.mu.Lock()
	close(l.released)
	l.released = make(chan struct{})
	l.mu.Unlock()
}

// Lock acquires the commit locks of keys on behalf of owner. The returned
// lock keys must be passed to Unlock.
func (l *Locker) Lock(ctx context.Context, owner glassdb.UUID, keys []string) ([]*glassdb.LockKey, error) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	lockKeys := glassdb.CreateLockKeys(l.client, owner, sorted)
	if len(lockKeys) == 0 {
		return lockKeys, nil
	}

	start := l.clock.Now()
	backoff := glassdb.NewBackoff(lockPollBase, 0)
	for {
		// Subscribe before trying so a release between the attempt and the wait is not missed.
		released := l.releases()
		ok, holder, err := l.client.Lock(ctx, l.ttl, lockKeys)
		if err != nil {
			return nil, fmt.Errorf("acquiring commit locks failed: %w", err)
		}
		if ok {
			return lockKeys, nil
		}
		l.logger.Debug("commit locks contended", "owner", owner.String(), "holder", holder.String())

		if err := glassdb.TimedOut(ctx, l.clock, "commit lock", start, l.timeout); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, glassdb.Error{
				Code:     glassdb.LockAcquisitionFailure,
				Err:      fmt.Errorf("%v: %w", err, glassdb.ErrRetry),
				UserData: sorted,
			}
		}

		wait, _ := backoff.Next()
		if remaining := l.timeout - l.clock.Now().Sub(start); remaining < wait {
			wait = max(remaining, time.Millisecond)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-released:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Unlock releases lockKeys and wakes the local waiters. It uses a context
// detached from cancellation so locks are released even when ctx is done.
func (l *Locker) Unlock(ctx context.Context, lockKeys []*glassdb.LockKey) error {
	if len(lockKeys) == 0 {
		return nil
	}
	err := l.client.Unlock(context.WithoutCancel(ctx), lockKeys)
	l.notify()
	if err != nil {
		l.logger.Warn("releasing commit locks failed", "error", err)
	}
	return err
}

// IsLockedByOthers reports whether any of keys is currently locked by a commit other than owner.
func (l *Locker) IsLockedByOthers(ctx context.Context, owner glassdb.UUID, keys []string) (bool, error) {
	if len(keys) == 0 {
		return false, nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = l.client.FormatLockKey(k)
	}
	return l.client.IsLockedByOthers(ctx, owner, names)
}
