// Package backendtest holds the behavior every glassdb.Backend must show,
// shared by the tests of the backend implementations.
package backendtest

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/sharedcode/glassdb"
)

// Run exercises b. Every key used lives under prefix so backends shared
// between test runs (buckets, keyspaces) do not see each other's data.
func Run(t *testing.T, b glassdb.Backend, prefix string) {
	t.Run("Metadata", func(t *testing.T) { testMetadata(t, b, prefix) })
	t.Run("ConditionalWrite", func(t *testing.T) { testConditionalWrite(t, b, prefix) })
	t.Run("VersionsDeleteList", func(t *testing.T) { testVersionsDeleteList(t, b, prefix) })
}

func testMetadata(t *testing.T, b glassdb.Backend, prefix string) {
	ctx := context.Background()
	path := prefix + "/glassdb"
	if _, err := b.GetMetadata(ctx, path); !errors.Is(err, glassdb.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := b.WriteIfNotExists(ctx, path, nil, glassdb.Tags{"version": "v0"}); err != nil {
		t.Fatalf("WriteIfNotExists failed: %v", err)
	}
	if err := b.WriteIfNotExists(ctx, path, nil, glassdb.Tags{"version": "v1"}); !errors.Is(err, glassdb.ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition, got %v", err)
	}
	m, err := b.GetMetadata(ctx, path)
	if err != nil || m.Tags["version"] != "v0" {
		t.Fatalf("unexpected metadata %+v, err=%v", m, err)
	}
}

func testConditionalWrite(t *testing.T, b glassdb.Backend, prefix string) {
	ctx := context.Background()
	ka, kb := prefix+"/cw/a", prefix+"/cw/b"

	err := b.Write(ctx, 1, []glassdb.Write{{Key: ka, Value: []byte("a1")}, {Key: kb, Value: []byte("b1")}},
		map[string]glassdb.Version{ka: glassdb.NoVersion, kb: glassdb.NoVersion})
	if err != nil {
		t.Fatalf("first write failed: %v", err)
	}

	// Stale expectation on b: nothing must be written.
	err = b.Write(ctx, 2, []glassdb.Write{{Key: ka, Value: []byte("a2")}, {Key: kb, Value: []byte("b2")}},
		map[string]glassdb.Version{ka: 1, kb: glassdb.NoVersion})
	if !errors.Is(err, glassdb.ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition, got %v", err)
	}
	v, err := b.Read(ctx, ka)
	if err != nil || v.Version != 1 || string(v.Value) != "a1" {
		t.Fatalf("partial write visible: %+v err=%v", v, err)
	}

	// Commit version not above the latest.
	err = b.Write(ctx, 1, []glassdb.Write{{Key: ka, Value: []byte("again")}}, nil)
	if !errors.Is(err, glassdb.ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition for non increasing version, got %v", err)
	}

	if err := b.Write(ctx, 3, []glassdb.Write{{Key: ka, Delete: true}}, map[string]glassdb.Version{ka: 1}); err != nil {
		t.Fatalf("delete write failed: %v", err)
	}
	v, err = b.Read(ctx, ka)
	if err != nil || !v.Deleted || v.Version != 3 {
		t.Fatalf("expected tombstone at 3, got %+v err=%v", v, err)
	}
	old, err := b.ReadVersion(ctx, ka, 1)
	if err != nil || string(old.Value) != "a1" {
		t.Fatalf("expected old version readable, got %+v err=%v", old, err)
	}
	if ver, err := b.Stat(ctx, kb); err != nil || ver != 1 {
		t.Errorf("expected b at 1, got %d err=%v", ver, err)
	}
	if _, err := b.Read(ctx, prefix+"/cw/missing"); !errors.Is(err, glassdb.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := b.Stat(ctx, prefix+"/cw/missing"); !errors.Is(err, glassdb.ErrNotFound) {
		t.Errorf("expected ErrNotFound from Stat, got %v", err)
	}
}

func testVersionsDeleteList(t *testing.T, b glassdb.Backend, prefix string) {
	ctx := context.Background()
	kx, ky := prefix+"/db/_k/x", prefix+"/db/_k/y"
	for _, v := range []glassdb.Version{7, 9, 12} {
		if err := b.Write(ctx, v, []glassdb.Write{{Key: kx, Value: []byte{byte(v)}}}, nil); err != nil {
			t.Fatalf("write %d failed: %v", v, err)
		}
	}
	if err := b.Write(ctx, 13, []glassdb.Write{{Key: ky}, {Key: prefix + "/other/_k/z"}}, nil); err != nil {
		t.Fatalf("write 13 failed: %v", err)
	}

	got, err := b.Versions(ctx, kx)
	if err != nil || !slices.Equal(got, []glassdb.Version{7, 9, 12}) {
		t.Fatalf("unexpected versions %v err=%v", got, err)
	}
	if err := b.Delete(ctx, kx, 7, 9, 100); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	got, _ = b.Versions(ctx, kx)
	if !slices.Equal(got, []glassdb.Version{12}) {
		t.Fatalf("unexpected versions after delete %v", got)
	}
	if _, err := b.ReadVersion(ctx, kx, 9); !errors.Is(err, glassdb.ErrNotFound) {
		t.Errorf("expected collected version to be gone, got %v", err)
	}
	if v, err := b.Read(ctx, kx); err != nil || v.Version != 12 || !slices.Equal(v.Value, []byte{12}) {
		t.Errorf("unexpected latest %+v err=%v", v, err)
	}

	keys, err := b.List(ctx, prefix+"/db/")
	if err != nil || !slices.Equal(keys, []string{kx, ky}) {
		t.Errorf("unexpected listing %v err=%v", keys, err)
	}
}
