// Package trans implements the commit protocol: optimistic execution with
// read validation under short lived per key locks, the commit log, the
// active transaction monitor and the garbage collector of superseded versions.
package trans

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/glassdb"
	"github.com/sharedcode/glassdb/storage"
)

const validateConcurrency = 16

// Algo ties the commit locks, the commit log, the monitor and the global
// storage together.
type Algo struct {
	global  *storage.GlobalStorage
	tlog    *TLogger
	monitor *Monitor
	locker  *Locker
	logger  *log.Logger
}

// NewAlgo creates the protocol driver.
func NewAlgo(global *storage.GlobalStorage, tlog *TLogger, monitor *Monitor, locker *Locker, logger *log.Logger) *Algo {
	if logger == nil {
		logger = log.Default()
	}
	return &Algo{
		global:  global,
		tlog:    tlog,
		monitor: monitor,
		locker:  locker,
		logger:  logger,
	}
}

// Start marks id active from "now" on, before an attempt reads anything.
// Called again at the start of a retry, it moves the pin forward.
func (a *Algo) Start(id glassdb.UUID) {
	a.monitor.Register(id, glassdb.NoVersion)
	a.monitor.Update(id, glassdb.NoVersion)
}

// Observe lowers the pin of id to a version it just read.
func (a *Algo) Observe(id glassdb.UUID, v glassdb.Version) {
	a.monitor.Observe(id, v)
}

// Begin allocates the Handle of transaction id with the Access of its first
// attempt and registers it as active with its oldest read.
func (a *Algo) Begin(ctx context.Context, id glassdb.UUID, access glassdb.Access) *Handle {
	oldest, _ := access.OldestRead()
	a.monitor.Register(id, oldest)
	return newHandle(id, access)
}

// Reset installs the Access of a new attempt in h.
func (a *Algo) Reset(h *Handle, access glassdb.Access) {
	h.reset(access)
	oldest, _ := access.OldestRead()
	a.monitor.Register(h.ID(), oldest)
}

// End deregisters h. Commit does it on success; the caller does it when the
// transaction ends any other way.
func (a *Algo) End(h *Handle) {
	a.monitor.Unregister(h.ID())
}

// EndID deregisters a transaction that never got a Handle.
func (a *Algo) EndID(id glassdb.UUID) {
	a.monitor.Unregister(id)
}

// ValidateReads checks every read of h against the backend. Returns a
// conflict if any key moved since it was read.
func (a *Algo) ValidateReads(ctx context.Context, h *Handle) error {
	access := h.Access()
	keys := access.ReadKeys()
	if len(keys) == 0 {
		return nil
	}
	tr := glassdb.NewTaskRunner(ctx, validateConcurrency)
	for _, k := range keys {
		k := k // per-iteration copy; go.mod targets go1.21 loop semantics
		seen := access.Reads[k]
		tr.Go(func() error {
			cur, err := a.global.CurrentVersion(tr.GetContext(), k)
			if err != nil {
				return fmt.Errorf("validating read of %s failed: %w", k, err)
			}
			if cur != seen {
				return glassdb.Conflict(k, "read version %d, now %d", seen, cur)
			}
			return nil
		})
	}
	return tr.Wait()
}

// checkLog is the no I/O freshness check against the commit log.
func (a *Algo) checkLog(access glassdb.Access) error {
	for k, seen := range access.Reads {
		if cur := a.tlog.CurrentVersion(k); cur > seen {
			return glassdb.Conflict(k, "read version %d, committed %d", seen, cur)
		}
	}
	return nil
}

// Commit validates and commits the current attempt of h. It returns the
// commit version, or a conflict (glassdb.ErrRetry) if the attempt cannot be
// serialized. Locks taken are always released.
func (a *Algo) Commit(ctx context.Context, h *Handle) (glassdb.Version, error) {
	access := h.Access()
	if err := a.checkLog(access); err != nil {
		return glassdb.NoVersion, err
	}

	writes := access.WriteSet()
	if len(writes) == 0 {
		if err := a.ValidateReads(ctx, h); err != nil {
			return glassdb.NoVersion, err
		}
		// A committer holds its locks until every key is published, so a
		// read key still locked may belong to a half visible commit.
		readKeys := access.ReadKeys()
		if locked, err := a.locker.IsLockedByOthers(ctx, h.ID(), readKeys); err != nil {
			return glassdb.NoVersion, err
		} else if locked {
			return glassdb.NoVersion, glassdb.Conflict(readKeys[0], "read keys are being committed by another transaction")
		}
		a.End(h)
		return a.tlog.Current(), nil
	}

	writeKeys := access.WriteKeys()
	lockKeys, err := a.locker.Lock(ctx, h.ID(), writeKeys)
	if err != nil {
		return glassdb.NoVersion, err
	}
	defer a.locker.Unlock(ctx, lockKeys)

	if err := a.checkLog(access); err != nil {
		return glassdb.NoVersion, err
	}
	var readOnly []string
	for _, k := range access.ReadKeys() {
		if _, ok := access.Writes[k]; !ok {
			readOnly = append(readOnly, k)
		}
	}
	if locked, err := a.locker.IsLockedByOthers(ctx, h.ID(), readOnly); err != nil {
		return glassdb.NoVersion, err
	} else if locked {
		return glassdb.NoVersion, glassdb.Conflict(readOnly[0], "read keys are being committed by another transaction")
	}

	commit := a.tlog.Reserve()
	h.reserve(commit)
	v, err := a.global.Write(ctx, commit, writes, access.Reads)
	if err != nil {
		a.logger.Debug("commit failed", "tid", h.ID().String(), "version", commit, "error", err)
		return glassdb.NoVersion, err
	}
	a.End(h)
	return v, nil
}
