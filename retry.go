package glassdb

import (
	"context"
	"errors"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry executes task with Fibonacci backoff up to 5 retries. task signals a
// retryable failure by wrapping its error with retry.RetryableError.
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the final error is returned.
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(1 * time.Second)
	if err := retry.Do(ctx, retry.WithMaxRetries(5, b), task); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// NewBackoff returns the jittered, capped exponential backoff used between
// conflicting attempts and while polling remote locks. maxWait <= 0 leaves the
// total duration unbounded.
func NewBackoff(base time.Duration, maxWait time.Duration) retry.Backoff {
	if base <= 0 {
		base = 10 * time.Millisecond
	}
	b := retry.NewExponential(base)
	b = retry.WithJitterPercent(50, b)
	b = retry.WithCappedDuration(time.Second, b)
	if maxWait > 0 {
		b = retry.WithMaxDuration(maxWait, b)
	}
	return b
}

// ShouldRetry reports whether the error is worth another attempt at the
// transaction level: only the conflict signal qualifies.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return IsRetry(err)
}
