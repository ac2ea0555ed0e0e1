package memory

import (
	"context"
	"slices"
	"testing"

	"github.com/sharedcode/glassdb"
	"github.com/sharedcode/glassdb/backend/backendtest"
)

func TestBackend(t *testing.T) {
	backendtest.Run(t, New(), "test")
}

func TestListIsOrdered(t *testing.T) {
	ctx := context.Background()
	b := New()
	// "a-b" sorts before "a/..." byte wise but after "a".
	for i, k := range []string{"p/a-b", "p/a", "p/a/c", "q/a"} {
		if err := b.Write(ctx, glassdb.Version(i+1), []glassdb.Write{{Key: k, Value: []byte(k)}}, nil); err != nil {
			t.Fatalf("write %s failed: %v", k, err)
		}
	}
	keys, _ := b.List(ctx, "p/")
	if !slices.Equal(keys, []string{"p/a", "p/a-b", "p/a/c"}) {
		t.Errorf("unexpected listing %v", keys)
	}
	if b.Len() != 4 {
		t.Errorf("expected 4 keys, got %d", b.Len())
	}
}

func TestReadReturnsCopies(t *testing.T) {
	ctx := context.Background()
	b := New()
	payload := []byte("abc")
	b.Write(ctx, 1, []glassdb.Write{{Key: "k", Value: payload}}, nil)
	payload[0] = 'X'
	v, _ := b.Read(ctx, "k")
	if string(v.Value) != "abc" {
		t.Fatalf("stored value aliased the caller buffer: %q", v.Value)
	}
	v.Value[0] = 'Y'
	v2, _ := b.Read(ctx, "k")
	if string(v2.Value) != "abc" {
		t.Fatalf("returned value aliased the stored buffer: %q", v2.Value)
	}
}
