// Package database is the public surface of glassdb: open a database over a
// backend, address collections and run transactions.
package database

import (
	"context"
	"fmt"
	log "log/slog"
	"regexp"
	"sync/atomic"

	"github.com/sharedcode/glassdb"
	"github.com/sharedcode/glassdb/cache"
	"github.com/sharedcode/glassdb/storage"
	"github.com/sharedcode/glassdb/trans"
)

var nameRegexp = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// DB is an open database. It is safe for concurrent use.
type DB struct {
	name    string
	opts    glassdb.Options
	logger  *log.Logger
	backend *storage.StatsBackend
	cache   *cache.Cache
	bg      *glassdb.Background
	global  *storage.GlobalStorage
	tlog    *trans.TLogger
	monitor *trans.Monitor
	gc      *trans.GC
	algo    *trans.Algo
	root    *Collection

	txStats glassdb.TxCounters
	closed  atomic.Bool
}

// Open opens the database name stored in backend, creating it if needed, and
// starts its background services. Zero fields of opts take their defaults.
func Open(ctx context.Context, name string, backend glassdb.Backend, opts glassdb.Options) (*DB, error) {
	if !nameRegexp.MatchString(name) {
		return nil, glassdb.Error{
			Code:     glassdb.ValidationFailure,
			Err:      fmt.Errorf("name must be alphanumeric, got %q", name),
			UserData: name,
		}
	}
	opts = opts.WithDefaults()
	if opts.Locker == nil {
		opts.Locker = cache.NewInMemoryLockerWithClock(opts.Clock)
	}

	sb := storage.NewStatsBackend(backend)
	if err := checkOrCreateDBMeta(ctx, sb, name); err != nil {
		return nil, fmt.Errorf("opening database %s failed: %w", name, err)
	}

	logger := opts.Logger.With("db", name)
	c := cache.NewCache(opts.CacheSize)
	bg := glassdb.NewBackground(context.WithoutCancel(ctx), logger)
	tlog := trans.NewTLogger(opts.Clock)
	global := storage.NewGlobalStorage(sb, c, tlog)
	monitor := trans.NewMonitor(tlog, opts.Clock, logger)
	locker := trans.NewLocker(opts.Locker, opts.LockTTL, opts.LockTimeout, opts.Clock, logger)
	gc := trans.NewGC(global, monitor, tlog, name+"/", opts.GCFullScanEvery, opts.GCConcurrency, logger)

	db := &DB{
		name:    name,
		opts:    opts,
		logger:  logger,
		backend: sb,
		cache:   c,
		bg:      bg,
		global:  global,
		tlog:    tlog,
		monitor: monitor,
		gc:      gc,
		algo:    trans.NewAlgo(global, tlog, monitor, locker, logger),
	}
	db.root = &Collection{db: db, prefix: name}

	monitor.Start(bg, opts.MonitorInterval)
	gc.Start(bg, opts.GCInterval)
	logger.Debug("database opened")
	return db, nil
}

// Name returns the database name.
func (db *DB) Name() string {
	return db.name
}

// Root returns the root collection.
func (db *DB) Root() *Collection {
	return db.root
}

// Collection returns the named collection under the root.
func (db *DB) Collection(name string) *Collection {
	return db.root.Collection(name)
}

// Stats returns a snapshot of the database counters.
func (db *DB) Stats() glassdb.Stats {
	var s glassdb.Stats
	db.txStats.Fill(&s)
	db.backend.Fill(&s)
	db.global.Fill(&s)
	db.gc.Fill(&s)
	return s
}

// CollectGarbage runs a garbage collection pass now.
func (db *DB) CollectGarbage(ctx context.Context) (trans.Report, error) {
	if db.closed.Load() {
		return trans.Report{}, glassdb.ErrClosed
	}
	return db.gc.Pass(ctx)
}

// Close stops the background services. Transactions started afterwards fail
// with glassdb.ErrClosed.
func (db *DB) Close(ctx context.Context) error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.bg.Close()
	db.logger.Debug("database closed")
	return nil
}
