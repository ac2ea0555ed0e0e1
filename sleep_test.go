package glassdb

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestShouldRetry_NonRetryableSentinels(t *testing.T) {
	if ShouldRetry(nil) {
		t.Fatalf("nil should not retry")
	}
	if ShouldRetry(context.Canceled) {
		t.Fatalf("context.Canceled should not retry")
	}
	if ShouldRetry(context.DeadlineExceeded) {
		t.Fatalf("context.DeadlineExceeded should not retry")
	}
	if ShouldRetry(ErrPrecondition) {
		t.Fatalf("a raw precondition failure should not retry")
	}
}

func TestShouldRetry_Conflict(t *testing.T) {
	err := fmt.Errorf("commit failed: %w", Conflict("k", "read version %d, now %d", 1, 2))
	if !ShouldRetry(err) {
		t.Fatalf("wrapped conflict should retry: %v", err)
	}
	var gerr Error
	if !errors.As(err, &gerr) || gerr.Code != ConflictDetected || gerr.UserData != "k" {
		t.Fatalf("unexpected conflict error %+v", gerr)
	}
}

func TestTimedOut_ContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	clock := NewManualClock(time.Unix(0, 0))
	if err := TimedOut(ctx, clock, "lock", clock.Now(), 5*time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTimedOut_OperationDurationExceeded(t *testing.T) {
	start := time.Unix(0, 0)
	clock := NewManualClock(start)
	max := 100 * time.Millisecond

	if err := TimedOut(context.Background(), clock, "lock", start, max); err != nil {
		t.Fatalf("unexpected timeout: %v", err)
	}
	clock.Advance(max + time.Millisecond)
	if err := TimedOut(context.Background(), clock, "lock", start, max); err == nil {
		t.Fatalf("expected a timeout after %v", max)
	}
}

func TestSleep_ReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	Sleep(ctx, time.Minute)
	if time.Since(start) > time.Second {
		t.Fatalf("Sleep ignored the cancelled context")
	}
}

func TestNewBackoff_Capped(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 0)
	for i := 0; i < 20; i++ {
		d, stop := b.Next()
		if stop {
			t.Fatalf("unbounded backoff stopped at step %d", i)
		}
		if d > 1500*time.Millisecond {
			t.Fatalf("backoff step %d exceeded the cap: %v", i, d)
		}
	}
}
