package storage

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/sharedcode/glassdb"
)

// LocalStorage stages one attempt of a transaction. It serves the attempt's
// own writes back to it, keeps reads repeatable and records the Access that
// the commit protocol validates.
type LocalStorage struct {
	global *GlobalStorage

	mu      sync.Mutex
	access  glassdb.Access
	observe func(glassdb.Version)
	reads   int
	writes  int
}

// NewLocalStorage creates an empty staging area over global. observe, when
// not nil, is called with every version the attempt reads.
func NewLocalStorage(global *GlobalStorage, observe func(glassdb.Version)) *LocalStorage {
	return &LocalStorage{
		global:  global,
		access:  glassdb.NewAccess(),
		observe: observe,
	}
}

// Read returns the value of key as seen by this attempt. Absent and deleted
// keys fail with glassdb.ErrNotFound. A second read of a key returns the
// version observed by the first one; if that version was collected meanwhile
// the attempt cannot be serialized anymore and a conflict is returned.
func (l *LocalStorage) Read(ctx context.Context, key string) ([]byte, error) {
	l.mu.Lock()
	l.reads++
	if w, ok := l.access.Writes[key]; ok {
		l.mu.Unlock()
		if w.Delete {
			return nil, glassdb.ErrNotFound
		}
		return bytes.Clone(w.Value), nil
	}
	seen, read := l.access.Reads[key]
	l.mu.Unlock()

	if read {
		if seen == glassdb.NoVersion {
			return nil, glassdb.ErrNotFound
		}
		v, err := l.global.ReadVersion(ctx, key, seen)
		if errors.Is(err, glassdb.ErrNotFound) {
			return nil, glassdb.Conflict(key, "version %d no longer available", seen)
		}
		if err != nil {
			return nil, err
		}
		return valueOf(v)
	}

	v, err := l.global.Read(ctx, key)
	if errors.Is(err, glassdb.ErrNotFound) {
		v = glassdb.VersionedValue{Key: key, Deleted: true}
	} else if err != nil {
		return nil, err
	}
	if first := l.recordRead(key, v.Version); first != v.Version {
		// A concurrent read of the same key in this attempt got there first.
		if first == glassdb.NoVersion {
			return nil, glassdb.ErrNotFound
		}
		if v, err = l.global.ReadVersion(ctx, key, first); err != nil {
			if errors.Is(err, glassdb.ErrNotFound) {
				return nil, glassdb.Conflict(key, "version %d no longer available", first)
			}
			return nil, err
		}
	}
	return valueOf(v)
}

// recordRead stores the first version observed for key and returns it.
func (l *LocalStorage) recordRead(key string, v glassdb.Version) glassdb.Version {
	l.mu.Lock()
	if prev, ok := l.access.Reads[key]; ok {
		l.mu.Unlock()
		return prev
	}
	l.access.Reads[key] = v
	observe := l.observe
	l.mu.Unlock()
	if observe != nil && v != glassdb.NoVersion {
		observe(v)
	}
	return v
}

// Write stages a new value of key.
func (l *LocalStorage) Write(key string, value []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes++
	l.access.Writes[key] = glassdb.Write{Key: key, Value: bytes.Clone(value)}
}

// Delete stages the deletion of key.
func (l *LocalStorage) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes++
	l.access.Writes[key] = glassdb.Write{Key: key, Delete: true}
}

// DiscardWrites drops the staged writes, keeping the reads for validation.
func (l *LocalStorage) DiscardWrites() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.access.Writes = make(map[string]glassdb.Write)
}

// Access returns a copy of what the attempt read and wrote so far.
func (l *LocalStorage) Access() glassdb.Access {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.access.Clone()
}

// Counts returns the reads and writes issued since creation, across resets.
func (l *LocalStorage) Counts() (reads, writes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reads, l.writes
}

// Reset clears the Access before a new attempt.
func (l *LocalStorage) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.access = glassdb.NewAccess()
}

func valueOf(v glassdb.VersionedValue) ([]byte, error) {
	if v.Deleted {
		return nil, glassdb.ErrNotFound
	}
	return v.Value, nil
}
