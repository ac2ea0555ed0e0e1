package trans

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/sharedcode/glassdb"
)

// LogRecord is the commit of Keys at Version.
type LogRecord struct {
	Version glassdb.Version
	Keys    []string
	Time    time.Time
}

type logItem LogRecord

func (r *logItem) Less(than btree.Item) bool {
	return r.Version < than.(*logItem).Version
}

// TLogger is the in-memory commit log. It hands out commit versions, records
// every successful commit in version order and answers the version freshness
// questions of read validation without touching the backend.
type TLogger struct {
	clock glassdb.Clock

	mu      sync.RWMutex
	counter glassdb.Version
	records *btree.BTree
	latest  map[string]glassdb.Version
}

// NewTLogger returns an empty log.
func NewTLogger(clock glassdb.Clock) *TLogger {
	if clock == nil {
		clock = glassdb.SystemClock()
	}
	return &TLogger{
		clock:   clock,
		records: btree.New(16),
		latest:  make(map[string]glassdb.Version),
	}
}

// Reserve returns a fresh commit version, above every version handed out or witnessed so far.
func (t *TLogger) Reserve() glassdb.Version {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counter++
	return t.counter
}

// Witness moves the counter past v, a version seen in the backend.
func (t *TLogger) Witness(v glassdb.Version) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v > t.counter {
		t.counter = v
	}
}

// Record appends the commit of keys at version v. It must be called exactly
// once per successful commit, after the backend confirmed it.
func (t *TLogger) Record(ctx context.Context, v glassdb.Version, keys []string) {
	rec := &logItem{
		Version: v,
		Keys:    slices.Clone(keys),
		Time:    t.clock.Now(),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records.ReplaceOrInsert(rec)
	for _, k := range keys {
		if v > t.latest[k] {
			t.latest[k] = v
		}
	}
	if v > t.counter {
		t.counter = v
	}
}

// CurrentVersion returns the latest version of key committed through this
// log, or NoVersion if none is known.
func (t *TLogger) CurrentVersion(key string) glassdb.Version {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest[key]
}

// Current returns the highest version reserved, recorded or witnessed.
func (t *TLogger) Current() glassdb.Version {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counter
}

// Since returns the records with a version greater than v, in version order.
func (t *TLogger) Since(v glassdb.Version) []LogRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var r []LogRecord
	t.records.AscendGreaterOrEqual(&logItem{Version: v + 1}, func(i btree.Item) bool {
		r = append(r, LogRecord(*i.(*logItem)))
		return true
	})
	return r
}

// RecordsFor returns the records that touched key, in version order.
func (t *TLogger) RecordsFor(key string) []LogRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var r []LogRecord
	t.records.Ascend(func(i btree.Item) bool {
		if slices.Contains(i.(*logItem).Keys, key) {
			r = append(r, LogRecord(*i.(*logItem)))
		}
		return true
	})
	return r
}

// Truncate drops the records older than below, along with the latest version
// of keys last committed before below. CurrentVersion then reports NoVersion
// for them and reads of those keys are checked against the backend only.
func (t *TLogger) Truncate(below glassdb.Version) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var drop []btree.Item
	t.records.AscendLessThan(&logItem{Version: below}, func(i btree.Item) bool {
		drop = append(drop, i)
		return true
	})
	for _, i := range drop {
		t.records.Delete(i)
	}
	for k, v := range t.latest {
		if v < below {
			delete(t.latest, k)
		}
	}
	return len(drop)
}

// Len returns the number of records held.
func (t *TLogger) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records.Len()
}
