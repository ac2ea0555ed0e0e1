package trans

import (
	"context"
	"testing"
	"time"

	"github.com/sharedcode/glassdb"
	"github.com/sharedcode/glassdb/backend/memory"
	"github.com/sharedcode/glassdb/cache"
	"github.com/sharedcode/glassdb/storage"
)

type testEnv struct {
	backend *memory.Backend
	global  *storage.GlobalStorage
	tlog    *TLogger
	monitor *Monitor
	locker  *Locker
	algo    *Algo
	gc      *GC
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	b := memory.New()
	return newTestEnvOn(t, b, b)
}

// newTestEnvOn builds the environment over backend, with mem the memory
// backend underneath it for direct inspection.
func newTestEnvOn(t *testing.T, backend glassdb.Backend, mem *memory.Backend) *testEnv {
	t.Helper()
	tlog := NewTLogger(nil)
	global := storage.NewGlobalStorage(backend, cache.NewCache(1<<20), tlog)
	monitor := NewMonitor(tlog, nil, nil)
	locker := NewLocker(cache.NewInMemoryLocker(), time.Minute, time.Second, nil, nil)
	return &testEnv{
		backend: mem,
		global:  global,
		tlog:    tlog,
		monitor: monitor,
		locker:  locker,
		algo:    NewAlgo(global, tlog, monitor, locker, nil),
		gc:      NewGC(global, monitor, tlog, "db/", 10, 4, nil),
	}
}

// attempt runs body against a fresh LocalStorage observed by id.
func (e *testEnv) attempt(id glassdb.UUID, body func(l *storage.LocalStorage)) glassdb.Access {
	e.algo.Start(id)
	l := storage.NewLocalStorage(e.global, func(v glassdb.Version) { e.algo.Observe(id, v) })
	body(l)
	return l.Access()
}

// seed commits key=value outside of any transaction and returns the version.
func (e *testEnv) seed(t *testing.T, key, value string) glassdb.Version {
	t.Helper()
	v, err := e.global.Write(context.Background(), e.tlog.Reserve(), []glassdb.Write{{Key: key, Value: []byte(value)}}, nil)
	if err != nil {
		t.Fatalf("seeding %s failed: %v", key, err)
	}
	return v
}
