package glassdb

import (
	"context"
	log "log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Background runs the periodic services of a database (watermark refresh,
// garbage collection). The owner starts tasks with Every and stops all of them
// with Close; after Close returns no task is running or will run again.
type Background struct {
	eg     *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	logger *log.Logger

	mu     sync.Mutex
	closed bool
}

// NewBackground creates a Background bound to ctx.
func NewBackground(ctx context.Context, logger *log.Logger) *Background {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Background{
		eg:     &errgroup.Group{},
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Every runs task each interval until Close. A failing tick is logged and the
// schedule goes on. Returns false if the Background is already closed.
func (b *Background) Every(name string, interval time.Duration, task func(ctx context.Context) error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.eg.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.ctx.Done():
				return nil
			case <-ticker.C:
			}
			if b.ctx.Err() != nil {
				return nil
			}
			if err := task(b.ctx); err != nil && b.ctx.Err() == nil {
				b.logger.Warn("background task failed", "task", name, "error", err)
			}
		}
	})
	return true
}

// Go runs a one shot task in the background. The task must honor ctx.
func (b *Background) Go(name string, task func(ctx context.Context) error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.eg.Go(func() error {
		if err := task(b.ctx); err != nil && b.ctx.Err() == nil {
			b.logger.Warn("background task failed", "task", name, "error", err)
		}
		return nil
	})
	return true
}

// Close cancels every task and waits for the ticks in flight.
func (b *Background) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	_ = b.eg.Wait()
}
