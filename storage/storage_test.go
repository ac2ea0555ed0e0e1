package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sharedcode/glassdb"
	"github.com/sharedcode/glassdb/backend/memory"
	"github.com/sharedcode/glassdb/cache"
)

type fakeRecorder struct {
	mu      sync.Mutex
	records map[glassdb.Version][]string
	witness glassdb.Version
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{records: make(map[glassdb.Version][]string)}
}

func (r *fakeRecorder) Record(ctx context.Context, v glassdb.Version, keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[v] = keys
}

func (r *fakeRecorder) Witness(v glassdb.Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v > r.witness {
		r.witness = v
	}
}

func newGlobal() (*GlobalStorage, *StatsBackend, *cache.Cache, *fakeRecorder) {
	sb := NewStatsBackend(memory.New())
	c := cache.NewCache(1 << 20)
	rec := newFakeRecorder()
	return NewGlobalStorage(sb, c, rec), sb, c, rec
}

func TestGlobalStorage_WriteThenRead(t *testing.T) {
	ctx := context.Background()
	g, sb, c, rec := newGlobal()

	if _, err := g.Write(ctx, 5, []glassdb.Write{{Key: "k", Value: []byte("v")}}, map[string]glassdb.Version{"k": glassdb.NoVersion}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if e, ok := c.Get("k"); !ok || e.Version != 5 {
		t.Fatalf("expected cache to hold version 5, got %+v ok=%v", e, ok)
	}
	if keys := rec.records[5]; len(keys) != 1 || keys[0] != "k" {
		t.Fatalf("expected commit recorded, got %v", rec.records)
	}

	sb.StatsAndReset()
	v, err := g.Read(ctx, "k")
	if err != nil || v.Version != 5 || string(v.Value) != "v" {
		t.Fatalf("unexpected read %+v err=%v", v, err)
	}
	if s := sb.StatsAndReset(); s.ObjRead != 0 {
		t.Errorf("expected the read to be served from cache, backend reads=%d", s.ObjRead)
	}

	c.Clear()
	if _, err := g.Read(ctx, "k"); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if s := sb.StatsAndReset(); s.ObjRead != 1 {
		t.Errorf("expected one backend read, got %d", s.ObjRead)
	}
	if rec.witness != 5 {
		t.Errorf("expected version 5 witnessed, got %d", rec.witness)
	}
}

func TestGlobalStorage_PreconditionIsConflict(t *testing.T) {
	ctx := context.Background()
	g, _, c, rec := newGlobal()

	g.Write(ctx, 3, []glassdb.Write{{Key: "k", Value: []byte("a")}}, nil)
	_, err := g.Write(ctx, 4, []glassdb.Write{{Key: "k", Value: []byte("b")}}, map[string]glassdb.Version{"k": 2})
	if !glassdb.IsRetry(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var gerr glassdb.Error
	if !errors.As(err, &gerr) || gerr.Code != glassdb.ConflictDetected {
		t.Errorf("expected ConflictDetected code, got %v", err)
	}
	if _, ok := c.Get("k"); ok {
		t.Errorf("failed write must leave the key uncached")
	}
	if _, ok := rec.records[4]; ok {
		t.Errorf("failed write must not be recorded")
	}
	if rec.witness != 3 {
		t.Errorf("expected the winner's version to be witnessed, got %d", rec.witness)
	}
	if v, _ := g.CurrentVersion(ctx, "missing"); v != glassdb.NoVersion {
		t.Errorf("expected NoVersion for a missing key, got %d", v)
	}
}

func TestGlobalStorage_DeleteDropsCachedVersion(t *testing.T) {
	ctx := context.Background()
	g, _, c, _ := newGlobal()
	g.Write(ctx, 1, []glassdb.Write{{Key: "k", Value: []byte("a")}}, nil)
	g.Write(ctx, 2, []glassdb.Write{{Key: "k", Value: []byte("b")}}, nil)

	if err := g.Delete(ctx, "k", 1); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if e, ok := c.Get("k"); !ok || e.Version != 2 {
		t.Errorf("latest cached version must survive, got %+v ok=%v", e, ok)
	}
	vs, _ := g.Versions(ctx, "k")
	if len(vs) != 1 || vs[0] != 2 {
		t.Errorf("unexpected versions %v", vs)
	}
}

func TestLocalStorage_ReadYourWrites(t *testing.T) {
	ctx := context.Background()
	g, _, _, _ := newGlobal()
	l := NewLocalStorage(g, nil)

	if _, err := l.Read(ctx, "k"); !errors.Is(err, glassdb.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	l.Write("k", []byte("mine"))
	v, err := l.Read(ctx, "k")
	if err != nil || string(v) != "mine" {
		t.Fatalf("expected own write, got %q err=%v", v, err)
	}
	l.Delete("k")
	if _, err := l.Read(ctx, "k"); !errors.Is(err, glassdb.ErrNotFound) {
		t.Fatalf("expected own delete to hide the key, got %v", err)
	}
	a := l.Access()
	if a.Reads["k"] != glassdb.NoVersion || !a.Writes["k"].Delete {
		t.Errorf("unexpected access %+v", a)
	}
	if r, w := l.Counts(); r != 3 || w != 2 {
		t.Errorf("unexpected counts reads=%d writes=%d", r, w)
	}

	l.Reset()
	if a := l.Access(); len(a.Reads) != 0 || len(a.Writes) != 0 {
		t.Errorf("expected empty access after reset, got %+v", a)
	}
}

func TestLocalStorage_RepeatableRead(t *testing.T) {
	ctx := context.Background()
	g, _, _, _ := newGlobal()
	g.Write(ctx, 1, []glassdb.Write{{Key: "k", Value: []byte("one")}}, nil)

	var observed []glassdb.Version
	l := NewLocalStorage(g, func(v glassdb.Version) { observed = append(observed, v) })
	if v, err := l.Read(ctx, "k"); err != nil || string(v) != "one" {
		t.Fatalf("unexpected first read %q err=%v", v, err)
	}

	g.Write(ctx, 2, []glassdb.Write{{Key: "k", Value: []byte("two")}}, nil)
	if v, err := l.Read(ctx, "k"); err != nil || string(v) != "one" {
		t.Fatalf("expected repeatable read of version 1, got %q err=%v", v, err)
	}
	if len(observed) != 1 || observed[0] != 1 {
		t.Errorf("expected one observation of version 1, got %v", observed)
	}

	// Version 1 collected: the attempt cannot be served anymore.
	g.Delete(ctx, "k", 1)
	if _, err := l.Read(ctx, "k"); !glassdb.IsRetry(err) {
		t.Errorf("expected conflict after the read version was collected, got %v", err)
	}
}

func TestLocalStorage_DiscardWrites(t *testing.T) {
	ctx := context.Background()
	g, _, _, _ := newGlobal()
	g.Write(ctx, 1, []glassdb.Write{{Key: "a", Value: []byte("x")}}, nil)
	l := NewLocalStorage(g, nil)
	l.Read(ctx, "a")
	l.Write("b", []byte("y"))
	l.DiscardWrites()
	a := l.Access()
	if len(a.Writes) != 0 || a.Reads["a"] != 1 {
		t.Errorf("unexpected access after discard %+v", a)
	}
}
