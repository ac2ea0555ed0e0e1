package cache

import (
	"context"
	"testing"
	"time"

	"github.com/sharedcode/glassdb"
)

func TestInMemoryLocker_LockingContention(t *testing.T) {
	c := NewInMemoryLocker()
	ctx := context.Background()

	key := "contentionKey"
	owner1 := glassdb.NewUUID()
	owner2 := glassdb.NewUUID()
	lockKeys1 := glassdb.CreateLockKeys(c, owner1, []string{key})
	lockKeys2 := glassdb.CreateLockKeys(c, owner2, []string{key})

	ok, _, err := c.Lock(ctx, time.Minute, lockKeys1)
	if err != nil {
		t.Fatalf("Client 1 Lock failed: %v", err)
	}
	if !ok {
		t.Fatalf("Client 1 failed to acquire lock")
	}

	ok, holder, err := c.Lock(ctx, time.Minute, lockKeys2)
	if err != nil {
		t.Fatalf("Client 2 Lock failed: %v", err)
	}
	if ok {
		t.Errorf("Client 2 acquired lock while held by Client 1")
	}
	if holder != owner1 {
		t.Errorf("expected holder %v, got %v", owner1, holder)
	}
	if lockKeys2[0].IsLockOwner {
		t.Errorf("Client 2 marked as owner of a lock it did not get")
	}

	if err := c.Unlock(ctx, lockKeys1); err != nil {
		t.Fatalf("Client 1 Unlock failed: %v", err)
	}

	ok, _, err = c.Lock(ctx, time.Minute, lockKeys2)
	if err != nil {
		t.Fatalf("Client 2 Lock retry failed: %v", err)
	}
	if !ok {
		t.Errorf("Client 2 failed to acquire lock after release")
	}
}

func TestInMemoryLocker_LockingExpiration(t *testing.T) {
	clock := glassdb.NewManualClock(time.Unix(1000, 0))
	c := NewInMemoryLockerWithClock(clock)
	ctx := context.Background()

	lockKeys1 := glassdb.CreateLockKeys(c, glassdb.NewUUID(), []string{"expirationKey"})
	lockKeys2 := glassdb.CreateLockKeys(c, glassdb.NewUUID(), []string{"expirationKey"})

	if ok, _, err := c.Lock(ctx, 100*time.Millisecond, lockKeys1); err != nil || !ok {
		t.Fatalf("Lock failed, ok=%v err=%v", ok, err)
	}
	if ok, _ := c.IsLocked(ctx, lockKeys1); !ok {
		t.Fatalf("expected key to be locked")
	}

	clock.Advance(200 * time.Millisecond)

	if ok, _ := c.IsLocked(ctx, lockKeys1); ok {
		t.Errorf("expected expired lock to report unlocked")
	}
	if ok, _, err := c.Lock(ctx, time.Minute, lockKeys2); err != nil || !ok {
		t.Errorf("expected expired lock to be taken over, ok=%v err=%v", ok, err)
	}
}

func TestInMemoryLocker_PartialAcquireRollsBack(t *testing.T) {
	c := NewInMemoryLocker()
	ctx := context.Background()

	blocker := glassdb.CreateLockKeys(c, glassdb.NewUUID(), []string{"b"})
	if ok, _, _ := c.Lock(ctx, time.Minute, blocker); !ok {
		t.Fatalf("failed to lock b")
	}

	owner := glassdb.NewUUID()
	keys := glassdb.CreateLockKeys(c, owner, []string{"c", "a", "b"})
	if ok, _, _ := c.Lock(ctx, time.Minute, keys); ok {
		t.Fatalf("expected contention on b")
	}
	for _, lk := range keys {
		if lk.IsLockOwner {
			t.Errorf("key %s still marked owned after rollback", lk.Key)
		}
	}
	// Only b remains in the table.
	if n := c.Count(); n != 1 {
		t.Errorf("expected 1 lock entry, got %d", n)
	}
	if keys[0].Key != c.FormatLockKey("a") {
		t.Errorf("expected lock keys sorted ascending, got first %s", keys[0].Key)
	}
}

func TestInMemoryLocker_IsLockedByOthers(t *testing.T) {
	c := NewInMemoryLocker()
	ctx := context.Background()

	owner := glassdb.NewUUID()
	keys := glassdb.CreateLockKeys(c, owner, []string{"x"})
	if ok, _, _ := c.Lock(ctx, time.Minute, keys); !ok {
		t.Fatalf("failed to lock x")
	}
	names := []string{c.FormatLockKey("x"), c.FormatLockKey("y")}
	if others, _ := c.IsLockedByOthers(ctx, owner, names); others {
		t.Errorf("own lock reported as held by others")
	}
	if others, _ := c.IsLockedByOthers(ctx, glassdb.NewUUID(), names); !others {
		t.Errorf("expected x to be held by another owner")
	}
}

func TestInMemoryLocker_CancelledContext(t *testing.T) {
	c := NewInMemoryLocker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	keys := glassdb.CreateLockKeys(c, glassdb.NewUUID(), []string{"k"})
	ok, _, err := c.Lock(ctx, time.Minute, keys)
	if ok || err == nil {
		t.Errorf("expected cancelled lock attempt to fail, ok=%v err=%v", ok, err)
	}
	if c.Count() != 0 {
		t.Errorf("expected no lock entries")
	}
}
