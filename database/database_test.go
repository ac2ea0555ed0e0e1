package database

import (
	"bytes"
	"context"
	"errors"
	"runtime/trace"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/sharedcode/glassdb"
	"github.com/sharedcode/glassdb/backend/memory"
)

func openTestDB(t *testing.T, opts glassdb.Options) (*DB, *memory.Backend) {
	t.Helper()
	b := memory.New()
	db, err := Open(context.Background(), "testdb", b, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close(context.Background()) })
	return db, b
}

func readInt(ctx context.Context, tx *Tx, c *Collection, key string) (int, error) {
	v, err := tx.Read(ctx, c, key)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(v))
}

func TestOpen_InvalidName(t *testing.T) {
	_, err := Open(context.Background(), "bad/name", memory.New(), glassdb.Options{})
	var gerr glassdb.Error
	if !errors.As(err, &gerr) || gerr.Code != glassdb.ValidationFailure {
		t.Fatalf("expected ValidationFailure, got %v", err)
	}
}

func TestOpen_Handshake(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	db, err := Open(ctx, "first", b, glassdb.Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	db.Close(ctx)
	m, err := b.GetMetadata(ctx, "first/glassdb")
	if err != nil || m.Tags["version"] != "v0" {
		t.Fatalf("expected version metadata, got %+v err=%v", m, err)
	}
	// Reopening finds the existing metadata.
	db, err = Open(ctx, "first", b, glassdb.Options{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	db.Close(ctx)

	b.WriteIfNotExists(ctx, "future/glassdb", nil, glassdb.Tags{"version": "v9"})
	_, err = Open(ctx, "future", b, glassdb.Options{})
	var gerr glassdb.Error
	if !errors.As(err, &gerr) || gerr.Code != glassdb.DBVersionMismatch {
		t.Fatalf("expected DBVersionMismatch, got %v", err)
	}
}

func TestCollection_ReadWriteDelete(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t, glassdb.Options{})
	c := db.Collection("users")

	if _, err := c.ReadStrong(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := c.Write(ctx, "alice", []byte("a")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := c.Write(ctx, "bob", []byte("b")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	v, err := c.ReadStrong(ctx, "alice")
	if err != nil || string(v) != "a" {
		t.Fatalf("unexpected read %q err=%v", v, err)
	}
	if err := c.Delete(ctx, "alice"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.ReadStrong(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted key to be gone, got %v", err)
	}
	keys, err := c.Keys(ctx)
	if err != nil || !slices.Equal(keys, []string{"bob"}) {
		t.Fatalf("unexpected keys %v err=%v", keys, err)
	}

	sub := c.Collection("archive")
	if err := sub.Write(ctx, "bob", []byte("old")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	v, _ = c.ReadStrong(ctx, "bob")
	if string(v) != "b" {
		t.Errorf("sub-collection write leaked into its parent: %q", v)
	}
	if sub.Prefix() != "testdb/_c/users/_c/archive" {
		t.Errorf("unexpected prefix %s", sub.Prefix())
	}
}

// Two transactions read x at the same version; the second to commit
// conflicts, retries exactly once and builds on the first one's value.
func TestTx_ConflictRetriesOnce(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t, glassdb.Options{})
	c := db.Collection("c")
	if err := c.Write(ctx, "x", []byte("1")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	t2Read := make(chan struct{})
	t1Done := make(chan struct{})
	attempts := 0
	t2Err := make(chan error, 1)
	go func() {
		t2Err <- db.Tx(ctx, func(ctx context.Context, tx *Tx) error {
			attempts++
			x, err := readInt(ctx, tx, c, "x")
			if err != nil {
				return err
			}
			if attempts == 1 {
				close(t2Read)
				<-t1Done
			}
			return tx.Write(c, "x", []byte(strconv.Itoa(x+9)))
		})
	}()

	<-t2Read
	err := db.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		if _, err := readInt(ctx, tx, c, "x"); err != nil {
			return err
		}
		return tx.Write(c, "x", []byte("5"))
	})
	if err != nil {
		t.Fatalf("T1 failed: %v", err)
	}
	close(t1Done)
	if err := <-t2Err; err != nil {
		t.Fatalf("T2 failed: %v", err)
	}

	if attempts != 2 {
		t.Errorf("expected T2 to run twice, ran %d times", attempts)
	}
	v, _ := c.ReadStrong(ctx, "x")
	if string(v) != "14" {
		t.Errorf("expected x=14, got %s", v)
	}
	if n := len(db.tlog.RecordsFor(c.physicalKey("x"))); n != 3 {
		t.Errorf("expected the seed and two commits for x in the log, got %d", n)
	}
	if s := db.Stats(); s.TxRetries != 1 {
		t.Errorf("expected exactly one retry, got %d", s.TxRetries)
	}
}

func TestTx_UserErrorWithValidReads(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t, glassdb.Options{})
	c := db.Collection("c")
	c.Write(ctx, "x", []byte("1"))

	boom := errors.New("boom")
	attempts := 0
	err := db.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		attempts++
		tx.Read(ctx, c, "x")
		tx.Write(c, "x", []byte("2"))
		return boom
	})
	if !errors.Is(err, boom) || attempts != 1 {
		t.Fatalf("expected the user error after one attempt, got %v after %d", err, attempts)
	}
	v, _ := c.ReadStrong(ctx, "x")
	if string(v) != "1" {
		t.Errorf("writes of a failed transaction were applied: %s", v)
	}
}

func TestTx_ConflictWinsOverUserError(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t, glassdb.Options{})
	c := db.Collection("c")
	c.Write(ctx, "x", []byte("1"))

	attempts := 0
	err := db.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		attempts++
		x, err := readInt(ctx, tx, c, "x")
		if err != nil {
			return err
		}
		if attempts == 1 {
			// Someone else moves x: the failure below is based on a stale view.
			if err := c.Write(ctx, "x", []byte("2")); err != nil {
				return err
			}
			return errors.New("invariant broken")
		}
		return tx.Write(c, "y", []byte(strconv.Itoa(x)))
	})
	if err != nil {
		t.Fatalf("expected the retry to succeed, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected two attempts, got %d", attempts)
	}
	v, _ := c.ReadStrong(ctx, "y")
	if string(v) != "2" {
		t.Errorf("expected y=2, got %s", v)
	}
}

func TestTx_Abort(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t, glassdb.Options{})
	c := db.Collection("c")

	attempts := 0
	err := db.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		attempts++
		tx.Write(c, "k", []byte("v"))
		return tx.Abort()
	})
	if !errors.Is(err, ErrAborted) || attempts != 1 {
		t.Fatalf("expected ErrAborted after one attempt, got %v after %d", err, attempts)
	}
	if _, err := c.ReadStrong(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("aborted write was applied: %v", err)
	}
}

func TestTx_Cancellation(t *testing.T) {
	db, _ := openTestDB(t, glassdb.Options{})
	c := db.Collection("c")
	before := db.tlog.Len()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err := db.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		ran = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || ran {
		t.Fatalf("expected cancellation before the first attempt, got %v ran=%v", err, ran)
	}

	ctx, cancel = context.WithCancel(context.Background())
	err = db.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		tx.Write(c, "k", []byte("v"))
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if db.tlog.Len() != before {
		t.Errorf("cancelled transaction reached the commit log")
	}
	if _, err := c.ReadStrong(context.Background(), "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancelled transaction committed: %v", err)
	}
	if n := len(db.monitor.Active()); n != 0 {
		t.Errorf("expected no active transactions, got %d", n)
	}
}

func TestTx_MaxRetries(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t, glassdb.Options{MaxRetries: 1})
	c := db.Collection("c")
	c.Write(ctx, "x", []byte("0"))

	attempts := 0
	err := db.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		attempts++
		x, err := readInt(ctx, tx, c, "x")
		if err != nil {
			return err
		}
		// Always invalidated before commit.
		if err := c.Write(ctx, "x", []byte(strconv.Itoa(x+1))); err != nil {
			return err
		}
		return tx.Write(c, "y", []byte("1"))
	})
	var gerr glassdb.Error
	if !errors.As(err, &gerr) || gerr.Code != glassdb.RetriesExhausted || !glassdb.IsRetry(err) {
		t.Fatalf("expected RetriesExhausted wrapping ErrRetry, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestTx_Closed(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t, glassdb.Options{})
	db.Close(ctx)
	if err := db.Tx(ctx, func(ctx context.Context, tx *Tx) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := db.Close(ctx); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestTx_ConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t, glassdb.Options{})
	c := db.Collection("counters")
	c.Write(ctx, "n", []byte("0"))
	start := db.Stats()

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- db.Tx(ctx, func(ctx context.Context, tx *Tx) error {
				n, err := readInt(ctx, tx, c, "n")
				if err != nil {
					return err
				}
				return tx.Write(c, "n", []byte(strconv.Itoa(n+1)))
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("increment failed: %v", err)
		}
	}
	v, _ := c.ReadStrong(ctx, "n")
	if string(v) != strconv.Itoa(workers) {
		t.Fatalf("lost updates: n=%s, want %d", v, workers)
	}
	s := db.Stats().Sub(start)
	// The increments plus the final ReadStrong.
	if s.TxN != workers+1 {
		t.Errorf("expected %d transactions, got %d", workers+1, s.TxN)
	}
}

func TestDB_CollectGarbage(t *testing.T) {
	ctx := context.Background()
	db, b := openTestDB(t, glassdb.Options{})
	c := db.Collection("c")
	for i := 0; i < 3; i++ {
		if err := c.Write(ctx, "k", []byte(strconv.Itoa(i))); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	r, err := db.CollectGarbage(ctx)
	if err != nil {
		t.Fatalf("CollectGarbage failed: %v", err)
	}
	if r.Deleted != 2 {
		t.Errorf("expected 2 versions collected, got %+v", r)
	}
	vs, _ := b.Versions(ctx, c.physicalKey("k"))
	if len(vs) != 1 {
		t.Errorf("expected one version left, got %v", vs)
	}
	v, _ := c.ReadStrong(ctx, "k")
	if string(v) != "2" {
		t.Errorf("latest value lost: %s", v)
	}
	if s := db.Stats(); s.GCVersions != 2 || s.MetaWrite != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

// flakyReadBackend fails Read of chosen physical keys.
type flakyReadBackend struct {
	*memory.Backend
	mu    sync.Mutex
	fails map[string]error
}

func (b *flakyReadBackend) Read(ctx context.Context, key string) (glassdb.VersionedValue, error) {
	b.mu.Lock()
	err := b.fails[key]
	b.mu.Unlock()
	if err != nil {
		return glassdb.VersionedValue{}, err
	}
	return b.Backend.Read(ctx, key)
}

func (b *flakyReadBackend) failRead(key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fails[key] = err
}

func TestCollection_KeysReportsReadErrors(t *testing.T) {
	ctx := context.Background()
	b := &flakyReadBackend{Backend: memory.New(), fails: make(map[string]error)}
	db, err := Open(ctx, "testdb", b, glassdb.Options{CacheSize: -1})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close(ctx)
	c := db.Collection("c")
	for _, k := range []string{"a", "b", "c"} {
		if err := c.Write(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	// A key collected between the listing and its read is skipped.
	b.failRead(c.physicalKey("b"), glassdb.ErrNotFound)
	keys, err := c.Keys(ctx)
	if err != nil || !slices.Equal(keys, []string{"a", "c"}) {
		t.Fatalf("unexpected keys %v err=%v", keys, err)
	}

	broken := errors.New("connection reset")
	b.failRead(c.physicalKey("c"), broken)
	if keys, err := c.Keys(ctx); !errors.Is(err, broken) {
		t.Fatalf("expected the backend error, got keys=%v err=%v", keys, err)
	}
}

func TestTx_TraceRegions(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t, glassdb.Options{})
	c := db.Collection("c")

	var buf bytes.Buffer
	if err := trace.Start(&buf); err != nil {
		t.Skipf("execution tracer busy: %v", err)
	}
	err := db.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		if !trace.IsEnabled() {
			t.Errorf("tracer not enabled inside the transaction")
		}
		return tx.Write(c, "k", []byte("v"))
	})
	trace.Stop()
	if err != nil {
		t.Fatalf("Tx failed: %v", err)
	}
	for _, name := range []string{"tx", "user-tx", "commit"} {
		if !bytes.Contains(buf.Bytes(), []byte(name)) {
			t.Errorf("trace has no %q annotation", name)
		}
	}
}
