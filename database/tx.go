package database

import (
	"context"
	"errors"
	"fmt"
	"runtime/trace"
	"sync/atomic"

	"github.com/sharedcode/glassdb"
	"github.com/sharedcode/glassdb/storage"
	"github.com/sharedcode/glassdb/trans"
)

// Re-exported so callers only need this package for the common cases.
var (
	ErrNotFound = glassdb.ErrNotFound
	ErrAborted  = glassdb.ErrAborted
	ErrClosed   = glassdb.ErrClosed
)

// Tx is the view of one transaction given to the transaction function. It
// must not be used after the function returns.
type Tx struct {
	id      glassdb.UUID
	local   *storage.LocalStorage
	aborted atomic.Bool
}

// ID returns the transaction identity, stable across retries.
func (tx *Tx) ID() glassdb.UUID {
	return tx.id
}

// Read returns the value of key in c. Fails with ErrNotFound if the key does
// not exist. Reads are repeatable within an attempt.
func (tx *Tx) Read(ctx context.Context, c *Collection, key string) ([]byte, error) {
	return tx.local.Read(ctx, c.physicalKey(key))
}

// Write sets key in c to value when the transaction commits.
func (tx *Tx) Write(c *Collection, key string, value []byte) error {
	tx.local.Write(c.physicalKey(key), value)
	return nil
}

// Delete deletes key in c when the transaction commits.
func (tx *Tx) Delete(c *Collection, key string) error {
	tx.local.Delete(c.physicalKey(key))
	return nil
}

// Abort marks the transaction aborted. The returned error is meant to be
// returned by the transaction function; the transaction then fails with
// ErrAborted and is not retried.
func (tx *Tx) Abort() error {
	tx.aborted.Store(true)
	return ErrAborted
}

// Tx runs fn in a serializable transaction, retrying it on conflicts. fn may
// run several times and must not have side effects outside of tx.
//
// If fn fails and the values it read are still current, its error is
// returned. If they are not, the failure may come from an inconsistent view
// and fn is retried instead.
func (db *DB) Tx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if db.closed.Load() {
		return ErrClosed
	}
	ctx, task := trace.NewTask(ctx, "tx")
	defer task.End()
	begin := db.opts.Clock.Now()
	id := glassdb.NewUUID()
	tx := &Tx{
		id: id,
		local: storage.NewLocalStorage(db.global, func(v glassdb.Version) {
			db.algo.Observe(id, v)
		}),
	}

	var handle *trans.Handle
	retries := 0
	defer func() {
		if handle != nil {
			db.algo.End(handle)
		} else {
			db.algo.EndID(id)
		}
		reads, writes := tx.local.Counts()
		db.txStats.Done(reads, writes, retries, db.opts.Clock.Now().Sub(begin))
	}()

	backoff := glassdb.NewBackoff(db.opts.RetryBackoff, 0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		db.algo.Start(id)
		tx.local.Reset()
		tx.aborted.Store(false)

		var fnErr error
		trace.WithRegion(ctx, "user-tx", func() {
			fnErr = fn(ctx, tx)
		})
		if tx.aborted.Load() {
			if fnErr == nil || errors.Is(fnErr, ErrAborted) {
				return ErrAborted
			}
			return fmt.Errorf("%w: %w", ErrAborted, fnErr)
		}
		if fnErr != nil {
			tx.local.DiscardWrites()
		}

		access := tx.local.Access()
		if handle == nil {
			handle = db.algo.Begin(ctx, id, access)
		} else {
			db.algo.Reset(handle, access)
		}

		var err error
		switch {
		case fnErr != nil && glassdb.ShouldRetry(fnErr):
			// The function saw an unserializable state, e.g. a version
			// collected under a repeated read.
			err = fnErr
		case fnErr != nil:
			if err = db.algo.ValidateReads(ctx, handle); err == nil {
				return fnErr
			}
		default:
			trace.WithRegion(ctx, "commit", func() {
				_, err = db.algo.Commit(ctx, handle)
			})
			if err == nil {
				return nil
			}
		}

		if !glassdb.ShouldRetry(err) {
			if fnErr != nil {
				return fmt.Errorf("validating reads after %w: %w", fnErr, err)
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		retries++
		if db.opts.MaxRetries > 0 && retries > db.opts.MaxRetries {
			return glassdb.Error{
				Code:     glassdb.RetriesExhausted,
				Err:      fmt.Errorf("transaction gave up after %d retries: %w", db.opts.MaxRetries, err),
				UserData: id.String(),
			}
		}
		db.logger.Debug("transaction conflict, retrying", "tid", id.String(), "retry", retries, "error", err)
		wait, _ := backoff.Next()
		glassdb.Sleep(ctx, wait)
	}
}
