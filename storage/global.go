// Package storage exposes the backend to the transaction protocol: a cached,
// shared GlobalStorage and the per attempt LocalStorage staging area.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/sharedcode/glassdb"
	"github.com/sharedcode/glassdb/cache"
)

// Recorder is told about versions observed in, and committed to, the backend.
// The commit log implements it.
type Recorder interface {
	// Record appends the commit of keys at version v.
	Record(ctx context.Context, v glassdb.Version, keys []string)
	// Witness makes sure future commit versions are above v.
	Witness(v glassdb.Version)
}

// GlobalStorage is the view of committed state shared by every transaction.
// Reads go through the value cache; conditional writes keep it coherent.
type GlobalStorage struct {
	backend  glassdb.Backend
	cache    *cache.Cache
	recorder Recorder
	reads    singleflight.Group

	hits atomic.Int64
	miss atomic.Int64
}

// NewGlobalStorage creates a GlobalStorage. recorder may be nil.
func NewGlobalStorage(b glassdb.Backend, c *cache.Cache, recorder Recorder) *GlobalStorage {
	return &GlobalStorage{
		backend:  b,
		cache:    c,
		recorder: recorder,
	}
}

// Fill copies the cache counters into s.
func (s *GlobalStorage) Fill(st *glassdb.Stats) {
	st.CacheHits = s.hits.Load()
	st.CacheMiss = s.miss.Load()
}

func (s *GlobalStorage) witness(v glassdb.Version) {
	if s.recorder != nil && v != glassdb.NoVersion {
		s.recorder.Witness(v)
	}
}

// Read returns the latest known version of key, serving it from the cache
// when possible. Concurrent misses of the same key share one backend read.
func (s *GlobalStorage) Read(ctx context.Context, key string) (glassdb.VersionedValue, error) {
	if e, ok := s.cache.Get(key); ok {
		s.hits.Add(1)
		return fromEntry(key, e), nil
	}
	s.miss.Add(1)
	r, err, _ := s.reads.Do(key, func() (any, error) {
		v, err := s.backend.Read(ctx, key)
		if err != nil {
			return glassdb.VersionedValue{}, err
		}
		s.witness(v.Version)
		s.cache.Set(key, toEntry(v))
		return v, nil
	})
	if err != nil {
		return glassdb.VersionedValue{}, err
	}
	return cloneValue(r.(glassdb.VersionedValue)), nil
}

// ReadVersion returns a specific version of key. Fails with ErrNotFound if
// the version was collected.
func (s *GlobalStorage) ReadVersion(ctx context.Context, key string, version glassdb.Version) (glassdb.VersionedValue, error) {
	if e, ok := s.cache.Get(key); ok && e.Version == version {
		s.hits.Add(1)
		return fromEntry(key, e), nil
	}
	s.miss.Add(1)
	flightKey := key + "@" + strconv.FormatInt(int64(version), 10)
	r, err, _ := s.reads.Do(flightKey, func() (any, error) {
		return s.backend.ReadVersion(ctx, key, version)
	})
	if err != nil {
		return glassdb.VersionedValue{}, err
	}
	return cloneValue(r.(glassdb.VersionedValue)), nil
}

// CurrentVersion returns the authoritative latest version of key, bypassing
// the cache. An absent key is at NoVersion.
func (s *GlobalStorage) CurrentVersion(ctx context.Context, key string) (glassdb.Version, error) {
	v, err := s.backend.Stat(ctx, key)
	if errors.Is(err, glassdb.ErrNotFound) {
		return glassdb.NoVersion, nil
	}
	if err != nil {
		return glassdb.NoVersion, err
	}
	s.witness(v)
	return v, nil
}

// Write commits writes at version commit provided every key in expected is
// still at the expected version. A lost precondition is reported as a
// conflict (glassdb.ErrRetry).
func (s *GlobalStorage) Write(ctx context.Context, commit glassdb.Version, writes []glassdb.Write, expected map[string]glassdb.Version) (glassdb.Version, error) {
	keys := make([]string, len(writes))
	for i := range writes {
		keys[i] = writes[i].Key
	}
	s.cache.Delete(keys...)

	err := s.backend.Write(ctx, commit, writes, expected)
	if errors.Is(err, glassdb.ErrPrecondition) {
		// Another writer got there first, possibly from another process:
		// learn its versions so the next reservation lands above them.
		for _, k := range keys {
			if _, serr := s.CurrentVersion(ctx, k); serr != nil {
				break
			}
		}
		return glassdb.NoVersion, glassdb.Conflict(firstKey(keys), "conditional write at version %d failed", commit)
	}
	if err != nil {
		return glassdb.NoVersion, fmt.Errorf("backend write at version %d failed: %w", commit, err)
	}

	for _, w := range writes {
		s.cache.Set(w.Key, cache.Entry{
			Version: commit,
			Value:   bytes.Clone(w.Value),
			Deleted: w.Delete,
		})
	}
	if s.recorder != nil {
		s.recorder.Record(ctx, commit, keys)
	}
	return commit, nil
}

// Versions lists the stored versions of key.
func (s *GlobalStorage) Versions(ctx context.Context, key string) ([]glassdb.Version, error) {
	return s.backend.Versions(ctx, key)
}

// Delete removes superseded versions of key. A cached entry at one of those
// versions is dropped too.
func (s *GlobalStorage) Delete(ctx context.Context, key string, versions ...glassdb.Version) error {
	if e, ok := s.cache.Get(key); ok {
		for _, v := range versions {
			if e.Version == v {
				s.cache.Delete(key)
				break
			}
		}
	}
	return s.backend.Delete(ctx, key, versions...)
}

// List returns the keys with the given prefix.
func (s *GlobalStorage) List(ctx context.Context, prefix string) ([]string, error) {
	return s.backend.List(ctx, prefix)
}

func firstKey(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

func toEntry(v glassdb.VersionedValue) cache.Entry {
	return cache.Entry{
		Version: v.Version,
		Value:   v.Value,
		Deleted: v.Deleted,
	}
}

func fromEntry(key string, e cache.Entry) glassdb.VersionedValue {
	return cloneValue(glassdb.VersionedValue{
		Key:     key,
		Version: e.Version,
		Value:   e.Value,
		Deleted: e.Deleted,
	})
}

func cloneValue(v glassdb.VersionedValue) glassdb.VersionedValue {
	if v.Value != nil {
		b := make([]byte, len(v.Value))
		copy(b, v.Value)
		v.Value = b
	}
	return v
}
