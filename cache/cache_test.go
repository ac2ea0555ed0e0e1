package cache

import (
	"testing"

	"github.com/sharedcode/glassdb"
)

func TestCache_GetSet(t *testing.T) {
	c := NewCache(1 << 20)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("empty cache returned a hit")
	}
	c.Set("a", Entry{Version: 3, Value: []byte("v3")})
	e, ok := c.Get("a")
	if !ok || e.Version != 3 || string(e.Value) != "v3" {
		t.Fatalf("unexpected entry %+v, ok=%v", e, ok)
	}
}

func TestCache_SetKeepsNewerVersion(t *testing.T) {
	c := NewCache(1 << 20)
	c.Set("a", Entry{Version: 5, Value: []byte("new")})
	c.Set("a", Entry{Version: 4, Value: []byte("old")})
	e, _ := c.Get("a")
	if e.Version != 5 || string(e.Value) != "new" {
		t.Errorf("older version replaced a newer one: %+v", e)
	}
	c.Set("a", Entry{Version: 6, Deleted: true})
	e, _ = c.Get("a")
	if e.Version != 6 || !e.Deleted {
		t.Errorf("expected tombstone at 6, got %+v", e)
	}
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	per := Entry{Value: make([]byte, 36)}.size("k0")
	c := NewCache(3 * per)
	for i, k := range []string{"k0", "k1", "k2"} {
		c.Set(k, Entry{Version: glassdb.Version(i + 1), Value: make([]byte, 36)})
	}
	// Touch k0 so k1 becomes the victim.
	c.Get("k0")
	c.Set("k3", Entry{Version: 9, Value: make([]byte, 36)})

	if _, ok := c.Get("k1"); ok {
		t.Errorf("expected k1 to be evicted")
	}
	for _, k := range []string{"k0", "k2", "k3"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("expected %s to be cached", k)
		}
	}
	if c.Size() > 3*per {
		t.Errorf("cache over budget: %d > %d", c.Size(), 3*per)
	}
	if c.Count() != 3 {
		t.Errorf("expected 3 entries, got %d", c.Count())
	}
}

func TestCache_Delete(t *testing.T) {
	c := NewCache(1 << 20)
	c.Set("a", Entry{Version: 1})
	c.Set("b", Entry{Version: 1})
	c.Delete("a", "missing")
	if _, ok := c.Get("a"); ok {
		t.Errorf("a still cached")
	}
	if c.Count() != 1 {
		t.Errorf("expected 1 entry, got %d", c.Count())
	}
	c.Clear()
	if c.Count() != 0 || c.Size() != 0 {
		t.Errorf("expected empty cache after Clear")
	}
}

func TestCache_ZeroBudgetCachesNothing(t *testing.T) {
	c := NewCache(0)
	c.Set("a", Entry{Version: 1, Value: []byte("x")})
	if _, ok := c.Get("a"); ok {
		t.Errorf("zero budget cache stored an entry")
	}
}

func TestCache_DisabledByNonPositiveBudget(t *testing.T) {
	c := NewCache(-1)
	c.Set("k", Entry{Version: 1, Value: []byte("v")})
	if _, ok := c.Get("k"); ok {
		t.Fatal("a cache with a negative budget must not keep entries")
	}
	if c.Count() != 0 || c.Size() != 0 {
		t.Errorf("unexpected accounting count=%d size=%d", c.Count(), c.Size())
	}
}
