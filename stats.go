package glassdb

import (
	"sync/atomic"
	"time"
)

// Stats is a snapshot of the database counters.
type Stats struct {
	// Transactions completed, successfully or not.
	TxN int64
	// Reads and writes issued by transaction bodies, summed across attempts.
	TxReads  int64
	TxWrites int64
	// Attempts retried because of a conflict.
	TxRetries int64
	// Total wall time spent inside transactions.
	TxTime time.Duration

	// Backend operation counts.
	MetaRead   int64
	MetaWrite  int64
	ObjRead    int64
	ObjWrite   int64
	ObjDelete  int64
	ObjList    int64
	CacheHits  int64
	CacheMiss  int64
	GCPasses   int64
	GCVersions int64
}

// Sub returns the counters accumulated between other and s.
func (s Stats) Sub(other Stats) Stats {
	return Stats{
		TxN:        s.TxN - other.TxN,
		TxReads:    s.TxReads - other.TxReads,
		TxWrites:   s.TxWrites - other.TxWrites,
		TxRetries:  s.TxRetries - other.TxRetries,
		TxTime:     s.TxTime - other.TxTime,
		MetaRead:   s.MetaRead - other.MetaRead,
		MetaWrite:  s.MetaWrite - other.MetaWrite,
		ObjRead:    s.ObjRead - other.ObjRead,
		ObjWrite:   s.ObjWrite - other.ObjWrite,
		ObjDelete:  s.ObjDelete - other.ObjDelete,
		ObjList:    s.ObjList - other.ObjList,
		CacheHits:  s.CacheHits - other.CacheHits,
		CacheMiss:  s.CacheMiss - other.CacheMiss,
		GCPasses:   s.GCPasses - other.GCPasses,
		GCVersions: s.GCVersions - other.GCVersions,
	}
}

// TxCounters are the transaction level counters, updated atomically so each
// event is counted exactly once regardless of how many goroutines report.
type TxCounters struct {
	n       atomic.Int64
	reads   atomic.Int64
	writes  atomic.Int64
	retries atomic.Int64
	nanos   atomic.Int64
}

// Done records one finished transaction.
func (c *TxCounters) Done(reads, writes, retries int, elapsed time.Duration) {
	c.n.Add(1)
	c.reads.Add(int64(reads))
	c.writes.Add(int64(writes))
	c.retries.Add(int64(retries))
	c.nanos.Add(int64(elapsed))
}

// Fill copies the counters into s.
func (c *TxCounters) Fill(s *Stats) {
	s.TxN = c.n.Load()
	s.TxReads = c.reads.Load()
	s.TxWrites = c.writes.Load()
	s.TxRetries = c.retries.Load()
	s.TxTime = time.Duration(c.nanos.Load())
}
