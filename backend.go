package glassdb

import (
	"context"
	"slices"
)

// Version identifies one committed state of a key. Versions of a key are
// strictly increasing; NoVersion means the key was never written.
type Version int64

// NoVersion is the version of a key that does not exist.
const NoVersion Version = 0

// Tags are small string attributes attached to a metadata object.
type Tags map[string]string

// Metadata describes a metadata object stored by the backend.
type Metadata struct {
	Path string
	Tags Tags
}

// VersionedValue is one stored version of a key. Deleted marks a tombstone,
// which still occupies its version slot until it is superseded and collected.
type VersionedValue struct {
	Key     string
	Version Version
	Value   []byte
	Deleted bool
}

// Write is a pending modification of a key, either a new value or a delete.
type Write struct {
	Key    string
	Value  []byte
	Delete bool
}

// Backend is the versioned object store glassdb persists to.
//
// Write is the only mutating operation used by transactions and must be
// atomic across the whole write set: every key listed in expected must be at
// exactly the expected version (NoVersion meaning absent), and commit must be
// greater than the latest version of every written key. If any check fails
// nothing is written and ErrPrecondition is returned.
type Backend interface {
	// GetMetadata fetches the tags of a metadata object. Fails with ErrNotFound if absent.
	GetMetadata(ctx context.Context, path string) (Metadata, error)
	// WriteIfNotExists creates a metadata object. Fails with ErrPrecondition if it already exists.
	WriteIfNotExists(ctx context.Context, path string, payload []byte, tags Tags) error

	// Read returns the latest version of key. Fails with ErrNotFound if the key was never written.
	Read(ctx context.Context, key string) (VersionedValue, error)
	// ReadVersion returns a specific version of key. Fails with ErrNotFound if it does not exist (anymore).
	ReadVersion(ctx context.Context, key string, version Version) (VersionedValue, error)
	// Stat returns the latest version of key without its payload. Fails with ErrNotFound if absent.
	Stat(ctx context.Context, key string) (Version, error)
	// Write conditionally commits writes at version commit. See the interface doc.
	Write(ctx context.Context, commit Version, writes []Write, expected map[string]Version) error

	// Versions lists the stored versions of key in ascending order.
	Versions(ctx context.Context, key string) ([]Version, error)
	// Delete removes the given versions of key. Missing versions are ignored.
	Delete(ctx context.Context, key string, versions ...Version) error
	// List returns the keys starting with prefix, in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Access is what one attempt of a transaction observed and wants to change:
// the version of every key read and the pending write of every key written.
type Access struct {
	Reads  map[string]Version
	Writes map[string]Write
}

// NewAccess returns an empty Access.
func NewAccess() Access {
	return Access{
		Reads:  make(map[string]Version),
		Writes: make(map[string]Write),
	}
}

// OldestRead returns the smallest version among the reads. ok is false if
// nothing existing was read.
func (a Access) OldestRead() (Version, bool) {
	var oldest Version
	found := false
	for _, v := range a.Reads {
		if v == NoVersion {
			continue
		}
		if !found || v < oldest {
			oldest = v
			found = true
		}
	}
	return oldest, found
}

// ReadKeys returns the keys read, sorted.
func (a Access) ReadKeys() []string {
	return sortedKeys(a.Reads)
}

// WriteKeys returns the keys written, sorted.
func (a Access) WriteKeys() []string {
	return sortedKeys(a.Writes)
}

// WriteSet returns the pending writes sorted by key.
func (a Access) WriteSet() []Write {
	keys := a.WriteKeys()
	r := make([]Write, len(keys))
	for i, k := range keys {
		r[i] = a.Writes[k]
	}
	return r
}

// Clone returns a deep enough copy that the maps can be mutated independently.
func (a Access) Clone() Access {
	c := NewAccess()
	for k, v := range a.Reads {
		c.Reads[k] = v
	}
	for k, v := range a.Writes {
		c.Writes[k] = v
	}
	return c
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
