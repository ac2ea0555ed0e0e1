// Package cassandra is a glassdb.Backend over Cassandra.
//
// The latest version of every key is a row of the heads table, all in one
// partition, so a commit publishes its whole write set with a single
// conditional (LWT) batch. The values live in the versions table, one
// partition per key, and are written before the batch; they stay invisible
// until their head points at them.
package cassandra

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/gocql/gocql"

	"github.com/sharedcode/glassdb"
)

// A version may be collected between reading its head and fetching it.
const maxReadAttempts = 3

// Store implements glassdb.Backend.
type Store struct {
	conn *Connection
}

// NewStore returns a Backend over an open connection.
func NewStore(conn *Connection) (*Store, error) {
	if conn == nil || conn.Session == nil {
		return nil, fmt.Errorf("cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	return &Store{conn: conn}, nil
}

func (s *Store) query(ctx context.Context, cons gocql.Consistency, stmt string, values ...any) *gocql.Query {
	qry := s.conn.Session.Query(stmt, values...).WithContext(ctx)
	if cons > gocql.Any {
		qry.Consistency(cons)
	}
	return qry
}

// GetMetadata returns the tags of the metadata object at path.
func (s *Store) GetMetadata(ctx context.Context, path string) (glassdb.Metadata, error) {
	stmt := fmt.Sprintf("SELECT tags FROM %s WHERE path = ?;", s.conn.table(metaTable))
	iter := s.query(ctx, s.conn.Consistency, stmt, path).Iter()
	var tags map[string]string
	found := iter.Scan(&tags)
	if err := iter.Close(); err != nil {
		return glassdb.Metadata{}, err
	}
	if !found {
		return glassdb.Metadata{}, glassdb.ErrNotFound
	}
	if tags == nil {
		tags = map[string]string{}
	}
	return glassdb.Metadata{Path: path, Tags: tags}, nil
}

// WriteIfNotExists creates the metadata object at path.
func (s *Store) WriteIfNotExists(ctx context.Context, path string, payload []byte, tags glassdb.Tags) error {
	stmt := fmt.Sprintf("INSERT INTO %s (path, payload, tags) VALUES (?, ?, ?) IF NOT EXISTS;", s.conn.table(metaTable))
	applied, err := s.query(ctx, s.conn.Consistency, stmt, path, payload, map[string]string(tags)).
		SerialConsistency(s.conn.SerialConsistency).
		MapScanCAS(map[string]any{})
	if err != nil {
		return err
	}
	if !applied {
		return glassdb.ErrPrecondition
	}
	return nil
}

type headRow struct {
	latest  glassdb.Version
	deleted bool
	exists  bool
}

// heads reads the head rows of keys. Keys without a row are absent from the result.
func (s *Store) heads(ctx context.Context, keys []string) (map[string]headRow, error) {
	r := make(map[string]headRow, len(keys))
	if len(keys) == 0 {
		return r, nil
	}
	paramQ := make([]string, len(keys))
	args := make([]any, 0, len(keys)+1)
	args = append(args, s.conn.Partition)
	for i, k := range keys {
		paramQ[i] = "?"
		args = append(args, k)
	}
	stmt := fmt.Sprintf("SELECT key, latest, deleted FROM %s WHERE part = ? AND key IN (%s);",
		s.conn.table(headsTable), strings.Join(paramQ, ", "))
	iter := s.query(ctx, s.conn.ConsistencyBook.HeadGet, stmt, args...).Iter()
	var key string
	var latest int64
	var deleted bool
	for iter.Scan(&key, &latest, &deleted) {
		r[key] = headRow{latest: glassdb.Version(latest), deleted: deleted, exists: true}
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return r, nil
}

// head returns the head of key. A row holding NoVersion is a placeholder
// created by a commit that only expected the key to be absent.
func (s *Store) head(ctx context.Context, key string) (headRow, error) {
	hs, err := s.heads(ctx, []string{key})
	if err != nil {
		return headRow{}, err
	}
	h, ok := hs[key]
	if !ok || h.latest == glassdb.NoVersion {
		return headRow{}, glassdb.ErrNotFound
	}
	return h, nil
}

// Stat returns the latest version of key.
func (s *Store) Stat(ctx context.Context, key string) (glassdb.Version, error) {
	h, err := s.head(ctx, key)
	if err != nil {
		return glassdb.NoVersion, err
	}
	return h.latest, nil
}

// Read returns the latest version of key.
func (s *Store) Read(ctx context.Context, key string) (glassdb.VersionedValue, error) {
	for attempt := 0; ; attempt++ {
		h, err := s.head(ctx, key)
		if err != nil {
			return glassdb.VersionedValue{}, err
		}
		if h.deleted {
			return glassdb.VersionedValue{Key: key, Version: h.latest, Deleted: true}, nil
		}
		v, err := s.ReadVersion(ctx, key, h.latest)
		if err == glassdb.ErrNotFound && attempt+1 < maxReadAttempts {
			continue
		}
		return v, err
	}
}

// ReadVersion returns the given version of key.
func (s *Store) ReadVersion(ctx context.Context, key string, version glassdb.Version) (glassdb.VersionedValue, error) {
	stmt := fmt.Sprintf("SELECT value, deleted FROM %s WHERE key = ? AND version = ?;", s.conn.table(versionsTable))
	iter := s.query(ctx, s.conn.ConsistencyBook.VersionGet, stmt, key, int64(version)).Iter()
	var value []byte
	var deleted bool
	found := iter.Scan(&value, &deleted)
	if err := iter.Close(); err != nil {
		return glassdb.VersionedValue{}, err
	}
	if !found {
		return glassdb.VersionedValue{}, glassdb.ErrNotFound
	}
	v := glassdb.VersionedValue{Key: key, Version: version, Deleted: deleted}
	if !deleted {
		v.Value = value
	}
	return v, nil
}

// Write checks the expectations, writes the new versions and publishes them
// with one conditional batch over their heads.
func (s *Store) Write(ctx context.Context, commit glassdb.Version, writes []glassdb.Write, expected map[string]glassdb.Version) error {
	written := make(map[string]glassdb.Write, len(writes))
	keys := make([]string, 0, len(writes)+len(expected))
	for _, w := range writes {
		written[w.Key] = w
		keys = append(keys, w.Key)
	}
	for k := range expected {
		if _, ok := written[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	heads, err := s.heads(ctx, keys)
	if err != nil {
		return err
	}
	for k, want := range expected {
		if heads[k].latest != want {
			return glassdb.ErrPrecondition
		}
	}
	for _, w := range writes {
		if heads[w.Key].latest >= commit {
			return glassdb.ErrPrecondition
		}
	}

	insertVersion := fmt.Sprintf("INSERT INTO %s (key, version, value, deleted) VALUES (?, ?, ?, ?);", s.conn.table(versionsTable))
	var inserted []string
	for _, w := range writes {
		var value []byte
		if !w.Delete {
			value = w.Value
		}
		if err := s.query(ctx, s.conn.ConsistencyBook.VersionAdd, insertVersion, w.Key, int64(commit), value, w.Delete).Exec(); err != nil {
			s.discardVersions(ctx, commit, inserted)
			return err
		}
		inserted = append(inserted, w.Key)
	}

	headsTbl := s.conn.table(headsTable)
	batch := s.conn.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.SerialConsistency(s.conn.SerialConsistency)
	for _, k := range keys {
		h := heads[k]
		w, isWrite := written[k]
		switch {
		case isWrite && h.exists:
			batch.Query(fmt.Sprintf("UPDATE %s SET latest = ?, deleted = ? WHERE part = ? AND key = ? IF latest = ?;", headsTbl),
				int64(commit), w.Delete, s.conn.Partition, k, int64(h.latest))
		case isWrite:
			batch.Query(fmt.Sprintf("INSERT INTO %s (part, key, latest, deleted) VALUES (?, ?, ?, ?) IF NOT EXISTS;", headsTbl),
				s.conn.Partition, k, int64(commit), w.Delete)
		case h.exists:
			// Read only key: a no-op update carrying the condition.
			batch.Query(fmt.Sprintf("UPDATE %s SET latest = ? WHERE part = ? AND key = ? IF latest = ?;", headsTbl),
				int64(h.latest), s.conn.Partition, k, int64(h.latest))
		default:
			batch.Query(fmt.Sprintf("INSERT INTO %s (part, key, latest, deleted) VALUES (?, ?, ?, ?) IF NOT EXISTS;", headsTbl),
				s.conn.Partition, k, int64(glassdb.NoVersion), false)
		}
	}
	applied, iter, err := s.conn.Session.MapExecuteBatchCAS(batch, map[string]any{})
	if iter != nil {
		iter.Close()
	}
	if err != nil || !applied {
		s.discardVersions(ctx, commit, inserted)
		if err != nil {
			return err
		}
		return glassdb.ErrPrecondition
	}
	return nil
}

func (s *Store) discardVersions(ctx context.Context, commit glassdb.Version, keys []string) {
	ctx = context.WithoutCancel(ctx)
	for _, k := range keys {
		_ = s.Delete(ctx, k, commit)
	}
}

// Versions lists the stored versions of key in ascending order.
func (s *Store) Versions(ctx context.Context, key string) ([]glassdb.Version, error) {
	stmt := fmt.Sprintf("SELECT version FROM %s WHERE key = ?;", s.conn.table(versionsTable))
	iter := s.query(ctx, s.conn.ConsistencyBook.VersionGet, stmt, key).Iter()
	var r []glassdb.Version
	var v int64
	for iter.Scan(&v) {
		r = append(r, glassdb.Version(v))
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return r, nil
}

// Delete removes the given versions of key.
func (s *Store) Delete(ctx context.Context, key string, versions ...glassdb.Version) error {
	if len(versions) == 0 {
		return nil
	}
	paramQ := make([]string, len(versions))
	args := make([]any, 0, len(versions)+1)
	args = append(args, key)
	for i, v := range versions {
		paramQ[i] = "?"
		args = append(args, int64(v))
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE key = ? AND version IN (%s);", s.conn.table(versionsTable), strings.Join(paramQ, ", "))
	return s.query(ctx, s.conn.ConsistencyBook.VersionRemove, stmt, args...).Exec()
}

// List returns the keys with the given prefix in ascending order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	stmt := fmt.Sprintf("SELECT key, latest FROM %s WHERE part = ? AND key >= ?;", s.conn.table(headsTable))
	iter := s.query(ctx, s.conn.ConsistencyBook.HeadGet, stmt, s.conn.Partition, prefix).Iter()
	var r []string
	var key string
	var latest int64
	for iter.Scan(&key, &latest) {
		if !strings.HasPrefix(key, prefix) {
			break
		}
		if glassdb.Version(latest) == glassdb.NoVersion {
			continue
		}
		r = append(r, key)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return r, nil
}
