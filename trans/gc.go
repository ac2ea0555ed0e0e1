package trans

import (
	"context"
	log "log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sharedcode/glassdb"
	"github.com/sharedcode/glassdb/storage"
)

// Report summarizes one GC pass.
type Report struct {
	Watermark glassdb.Version
	FullScan  bool
	Scanned   int
	Deleted   int
	Failed    int
}

// GC deletes the versions no active transaction can read anymore: every
// version strictly below the watermark that is not the latest of its key.
// It never takes commit locks.
type GC struct {
	global        *storage.GlobalStorage
	monitor       *Monitor
	tlog          *TLogger
	prefix        string
	fullScanEvery int
	concurrency   int
	logger        *log.Logger

	mu       sync.Mutex
	passes   int
	lastSeen glassdb.Version
	// Keys still holding more than one version after their last visit.
	pending map[string]struct{}

	passCount    atomic.Int64
	deletedCount atomic.Int64
}

// NewGC creates a collector of the keys under prefix.
func NewGC(global *storage.GlobalStorage, monitor *Monitor, tlog *TLogger, prefix string, fullScanEvery, concurrency int, logger *log.Logger) *GC {
	if fullScanEvery <= 0 {
		fullScanEvery = glassdb.DefaultGCFullScanEvery
	}
	if concurrency <= 0 {
		concurrency = glassdb.DefaultGCConcurrency
	}
	if logger == nil {
		logger = log.Default()
	}
	return &GC{
		global:        global,
		monitor:       monitor,
		tlog:          tlog,
		prefix:        prefix,
		fullScanEvery: fullScanEvery,
		concurrency:   concurrency,
		logger:        logger,
		pending:       make(map[string]struct{}),
	}
}

// Start runs a pass every interval until bg is closed.
func (g *GC) Start(bg *glassdb.Background, interval time.Duration) {
	bg.Every("gc", interval, func(ctx context.Context) error {
		_, err := g.Pass(ctx)
		return err
	})
}

// Fill copies the GC counters into s.
func (g *GC) Fill(s *glassdb.Stats) {
	s.GCPasses = g.passCount.Load()
	s.GCVersions = g.deletedCount.Load()
}

// Pass runs one collection. Failures on single keys are logged and the keys
// retried on the next pass; only a failed listing fails the pass.
func (g *GC) Pass(ctx context.Context) (Report, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	wm := g.monitor.Tick()
	report := Report{
		Watermark: wm,
		FullScan:  g.passes%g.fullScanEvery == 0,
	}
	g.passes++

	candidates := make(map[string]struct{}, len(g.pending))
	for k := range g.pending {
		candidates[k] = struct{}{}
	}
	lastSeen := g.lastSeen
	for _, rec := range g.tlog.Since(g.lastSeen) {
		for _, k := range rec.Keys {
			candidates[k] = struct{}{}
		}
		lastSeen = rec.Version
	}
	if report.FullScan {
		keys, err := g.global.List(ctx, g.prefix)
		if err != nil {
			g.logger.Warn("gc listing failed", "prefix", g.prefix, "error", err)
			return report, err
		}
		for _, k := range keys {
			candidates[k] = struct{}{}
		}
	}
	g.lastSeen = lastSeen

	keys := make([]string, 0, len(candidates))
	for k := range candidates {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	report.Scanned = len(keys)

	var mu sync.Mutex
	pending := make(map[string]struct{})
	tr := glassdb.NewTaskRunner(ctx, g.concurrency)
	for _, k := range keys {
		k := k // per-iteration copy; go.mod targets go1.21 loop semantics
		tr.Go(func() error {
			deleted, remaining, err := g.collect(tr.GetContext(), k, wm)
			mu.Lock()
			defer mu.Unlock()
			report.Deleted += deleted
			if err != nil {
				report.Failed++
				pending[k] = struct{}{}
				g.logger.Warn("gc of key failed", "key", k, "error", err)
				return nil
			}
			if remaining > 1 {
				pending[k] = struct{}{}
			}
			return nil
		})
	}
	_ = tr.Wait()
	g.pending = pending

	if n := g.tlog.Truncate(wm); n > 0 {
		g.logger.Debug("commit log truncated", "below", wm, "records", n)
	}
	g.passCount.Add(1)
	g.deletedCount.Add(int64(report.Deleted))
	if report.Deleted > 0 || report.Failed > 0 {
		g.logger.Info("gc pass done", "watermark", wm, "scanned", report.Scanned, "deleted", report.Deleted, "failed", report.Failed)
	}
	return report, nil
}

// Collectable returns the versions of a key that a watermark allows to delete:
// those strictly below it, except the latest. versions must be ascending.
func Collectable(versions []glassdb.Version, watermark glassdb.Version) []glassdb.Version {
	if len(versions) < 2 {
		return nil
	}
	var r []glassdb.Version
	for _, v := range versions[:len(versions)-1] {
		if v < watermark {
			r = append(r, v)
		}
	}
	return r
}

func (g *GC) collect(ctx context.Context, key string, wm glassdb.Version) (deleted, remaining int, err error) {
	versions, err := g.global.Versions(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	drop := Collectable(versions, wm)
	if len(drop) == 0 {
		return 0, len(versions), nil
	}
	if err := g.global.Delete(ctx, key, drop...); err != nil {
		return 0, len(versions), err
	}
	return len(drop), len(versions) - len(drop), nil
}
