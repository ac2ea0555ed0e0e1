package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sharedcode/glassdb"
)

const (
	collectionInfix = "/_c/"
	keyInfix        = "/_k/"
)

// Collection is a namespace of keys. Collections are not persisted: they
// only prefix the physical keys.
type Collection struct {
	db     *DB
	prefix string
}

// Collection returns the named sub-collection.
func (c *Collection) Collection(name string) *Collection {
	return &Collection{db: c.db, prefix: c.prefix + collectionInfix + name}
}

// Prefix returns the physical prefix of the collection.
func (c *Collection) Prefix() string {
	return c.prefix
}

func (c *Collection) physicalKey(key string) string {
	return c.prefix + keyInfix + key
}

// ReadStrong reads key in a single read-only transaction, which validates
// the value against the backend before returning it.
func (c *Collection) ReadStrong(ctx context.Context, key string) ([]byte, error) {
	var r []byte
	err := c.db.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		v, err := tx.Read(ctx, c, key)
		r = v
		return err
	})
	return r, err
}

// Write sets key to value in a single transaction.
func (c *Collection) Write(ctx context.Context, key string, value []byte) error {
	return c.db.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.Write(c, key, value)
	})
}

// Delete deletes key in a single transaction.
func (c *Collection) Delete(ctx context.Context, key string) error {
	return c.db.Tx(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.Delete(c, key)
	})
}

// Keys lists the keys of the collection that were ever written and not yet
// collected, in ascending order. Keys whose latest version is a delete are
// skipped. The listing is not transactional.
func (c *Collection) Keys(ctx context.Context) ([]string, error) {
	if c.db.closed.Load() {
		return nil, ErrClosed
	}
	p := c.prefix + keyInfix
	paths, err := c.db.global.List(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("listing %s failed: %w", c.prefix, err)
	}
	r := make([]string, 0, len(paths))
	for _, path := range paths {
		v, err := c.db.global.Read(ctx, path)
		if errors.Is(err, glassdb.ErrNotFound) {
			// Collected since the listing.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s failed: %w", path, err)
		}
		if v.Deleted {
			continue
		}
		r = append(r, strings.TrimPrefix(path, p))
	}
	return r, nil
}
