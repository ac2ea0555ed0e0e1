package storage

import (
	"context"
	"sync/atomic"

	"github.com/sharedcode/glassdb"
)

// StatsBackend wraps a Backend counting the operations issued to it.
type StatsBackend struct {
	inner glassdb.Backend

	metaRead  atomic.Int64
	metaWrite atomic.Int64
	objRead   atomic.Int64
	objWrite  atomic.Int64
	objDelete atomic.Int64
	objList   atomic.Int64
}

// NewStatsBackend wraps b.
func NewStatsBackend(b glassdb.Backend) *StatsBackend {
	return &StatsBackend{inner: b}
}

// Fill copies the counters into s.
func (b *StatsBackend) Fill(s *glassdb.Stats) {
	s.MetaRead = b.metaRead.Load()
	s.MetaWrite = b.metaWrite.Load()
	s.ObjRead = b.objRead.Load()
	s.ObjWrite = b.objWrite.Load()
	s.ObjDelete = b.objDelete.Load()
	s.ObjList = b.objList.Load()
}

// StatsAndReset returns the counters accumulated since the last reset and zeroes them.
func (b *StatsBackend) StatsAndReset() glassdb.Stats {
	return glassdb.Stats{
		MetaRead:  b.metaRead.Swap(0),
		MetaWrite: b.metaWrite.Swap(0),
		ObjRead:   b.objRead.Swap(0),
		ObjWrite:  b.objWrite.Swap(0),
		ObjDelete: b.objDelete.Swap(0),
		ObjList:   b.objList.Swap(0),
	}
}

func (b *StatsBackend) GetMetadata(ctx context.Context, path string) (glassdb.Metadata, error) {
	b.metaRead.Add(1)
	return b.inner.GetMetadata(ctx, path)
}

func (b *StatsBackend) WriteIfNotExists(ctx context.Context, path string, payload []byte, tags glassdb.Tags) error {
	b.metaWrite.Add(1)
	return b.inner.WriteIfNotExists(ctx, path, payload, tags)
}

func (b *StatsBackend) Read(ctx context.Context, key string) (glassdb.VersionedValue, error) {
	b.objRead.Add(1)
	return b.inner.Read(ctx, key)
}

func (b *StatsBackend) ReadVersion(ctx context.Context, key string, version glassdb.Version) (glassdb.VersionedValue, error) {
	b.objRead.Add(1)
	return b.inner.ReadVersion(ctx, key, version)
}

func (b *StatsBackend) Stat(ctx context.Context, key string) (glassdb.Version, error) {
	b.metaRead.Add(1)
	return b.inner.Stat(ctx, key)
}

func (b *StatsBackend) Write(ctx context.Context, commit glassdb.Version, writes []glassdb.Write, expected map[string]glassdb.Version) error {
	b.objWrite.Add(1)
	return b.inner.Write(ctx, commit, writes, expected)
}

func (b *StatsBackend) Versions(ctx context.Context, key string) ([]glassdb.Version, error) {
	b.objList.Add(1)
	return b.inner.Versions(ctx, key)
}

func (b *StatsBackend) Delete(ctx context.Context, key string, versions ...glassdb.Version) error {
	b.objDelete.Add(1)
	return b.inner.Delete(ctx, key, versions...)
}

func (b *StatsBackend) List(ctx context.Context, prefix string) ([]string, error) {
	b.objList.Add(1)
	return b.inner.List(ctx, prefix)
}
