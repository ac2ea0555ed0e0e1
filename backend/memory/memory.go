// Package memory is an in-process glassdb.Backend. It keeps every version of
// every key in an ordered tree and implements the conditional multi-key write
// under a single mutex. Tests and embedded single process use rely on it.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/sharedcode/glassdb"
)

const btreeDegree = 32

type storedVersion struct {
	version glassdb.Version
	value   []byte
	deleted bool
}

// keyItem is one key in the tree with its versions in ascending order.
type keyItem struct {
	key      string
	versions []storedVersion
}

func (k *keyItem) Less(than btree.Item) bool {
	return k.key < than.(*keyItem).key
}

func (k *keyItem) latest() storedVersion {
	return k.versions[len(k.versions)-1]
}

type metaObject struct {
	payload []byte
	tags    glassdb.Tags
}

// Backend is the in-memory versioned store.
type Backend struct {
	mu   sync.RWMutex
	keys *btree.BTree
	meta map[string]metaObject
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{
		keys: btree.New(btreeDegree),
		meta: make(map[string]metaObject),
	}
}

func (b *Backend) get(key string) *keyItem {
	it := b.keys.Get(&keyItem{key: key})
	if it == nil {
		return nil
	}
	return it.(*keyItem)
}

// GetMetadata returns the tags of the metadata object at path.
func (b *Backend) GetMetadata(ctx context.Context, path string) (glassdb.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return glassdb.Metadata{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.meta[path]
	if !ok {
		return glassdb.Metadata{}, glassdb.ErrNotFound
	}
	return glassdb.Metadata{Path: path, Tags: copyTags(m.tags)}, nil
}

// WriteIfNotExists creates the metadata object at path.
func (b *Backend) WriteIfNotExists(ctx context.Context, path string, payload []byte, tags glassdb.Tags) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.meta[path]; ok {
		return glassdb.ErrPrecondition
	}
	b.meta[path] = metaObject{
		payload: copyBytes(payload),
		tags:    copyTags(tags),
	}
	return nil
}

// Read returns the latest version of key.
func (b *Backend) Read(ctx context.Context, key string) (glassdb.VersionedValue, error) {
	if err := ctx.Err(); err != nil {
		return glassdb.VersionedValue{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	it := b.get(key)
	if it == nil {
		return glassdb.VersionedValue{}, glassdb.ErrNotFound
	}
	return toValue(key, it.latest()), nil
}

// ReadVersion returns the given version of key.
func (b *Backend) ReadVersion(ctx context.Context, key string, version glassdb.Version) (glassdb.VersionedValue, error) {
	if err := ctx.Err(); err != nil {
		return glassdb.VersionedValue{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	it := b.get(key)
	if it == nil {
		return glassdb.VersionedValue{}, glassdb.ErrNotFound
	}
	for _, sv := range it.versions {
		if sv.version == version {
			return toValue(key, sv), nil
		}
	}
	return glassdb.VersionedValue{}, glassdb.ErrNotFound
}

// Stat returns the latest version of key.
func (b *Backend) Stat(ctx context.Context, key string) (glassdb.Version, error) {
	if err := ctx.Err(); err != nil {
		return glassdb.NoVersion, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	it := b.get(key)
	if it == nil {
		return glassdb.NoVersion, glassdb.ErrNotFound
	}
	return it.latest().version, nil
}

// Write atomically checks every expectation and adds version commit to every written key.
func (b *Backend) Write(ctx context.Context, commit glassdb.Version, writes []glassdb.Write, expected map[string]glassdb.Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for k, want := range expected {
		got := glassdb.NoVersion
		if it := b.get(k); it != nil {
			got = it.latest().version
		}
		if got != want {
			return glassdb.ErrPrecondition
		}
	}
	for _, w := range writes {
		if it := b.get(w.Key); it != nil && it.latest().version >= commit {
			return glassdb.ErrPrecondition
		}
	}

	for _, w := range writes {
		sv := storedVersion{
			version: commit,
			deleted: w.Delete,
		}
		if !w.Delete {
			sv.value = copyBytes(w.Value)
		}
		it := b.get(w.Key)
		if it == nil {
			it = &keyItem{key: w.Key}
			b.keys.ReplaceOrInsert(it)
		}
		it.versions = append(it.versions, sv)
	}
	return nil
}

// Versions lists the stored versions of key in ascending order.
func (b *Backend) Versions(ctx context.Context, key string) ([]glassdb.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	it := b.get(key)
	if it == nil {
		return nil, nil
	}
	r := make([]glassdb.Version, len(it.versions))
	for i, sv := range it.versions {
		r[i] = sv.version
	}
	return r, nil
}

// Delete removes the given versions of key.
func (b *Backend) Delete(ctx context.Context, key string, versions ...glassdb.Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(versions) == 0 {
		return nil
	}
	drop := make(map[glassdb.Version]struct{}, len(versions))
	for _, v := range versions {
		drop[v] = struct{}{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	it := b.get(key)
	if it == nil {
		return nil
	}
	kept := it.versions[:0]
	for _, sv := range it.versions {
		if _, ok := drop[sv.version]; !ok {
			kept = append(kept, sv)
		}
	}
	it.versions = kept
	if len(it.versions) == 0 {
		b.keys.Delete(it)
	}
	return nil
}

// List returns the keys with the given prefix in ascending order.
func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var r []string
	b.keys.AscendGreaterOrEqual(&keyItem{key: prefix}, func(i btree.Item) bool {
		k := i.(*keyItem).key
		if !strings.HasPrefix(k, prefix) {
			return false
		}
		r = append(r, k)
		return true
	})
	return r, nil
}

// Len returns the number of keys stored, tombstoned ones included.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.keys.Len()
}

func toValue(key string, sv storedVersion) glassdb.VersionedValue {
	return glassdb.VersionedValue{
		Key:     key,
		Version: sv.version,
		Value:   copyBytes(sv.value),
		Deleted: sv.deleted,
	}
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	r := make([]byte, len(b))
	copy(r, b)
	return r
}

func copyTags(t glassdb.Tags) glassdb.Tags {
	r := make(glassdb.Tags, len(t))
	for k, v := range t {
		r[k] = v
	}
	return r
}
