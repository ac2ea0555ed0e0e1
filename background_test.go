package glassdb

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestBackground_EveryAndClose(t *testing.T) {
	bg := NewBackground(context.Background(), nil)
	var ticks atomic.Int64
	bg.Every("tick", time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return errors.New("failures do not stop the schedule")
	})

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("task did not tick, got %d ticks", ticks.Load())
		}
		time.Sleep(time.Millisecond)
	}
	bg.Close()
	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	if ticks.Load() != after {
		t.Fatalf("task ran after Close")
	}
	if bg.Every("late", time.Millisecond, func(ctx context.Context) error { return nil }) {
		t.Fatalf("Every accepted a task after Close")
	}
	// Closing twice is fine.
	bg.Close()
}

func TestBackground_CloseWaitsForInFlightTick(t *testing.T) {
	bg := NewBackground(context.Background(), nil)
	started := make(chan struct{})
	var finished atomic.Bool
	bg.Go("slow", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	<-started
	bg.Close()
	if !finished.Load() {
		t.Fatalf("Close returned before the running task finished")
	}
}
