package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/sharedcode/glassdb"
)

const (
	dbVersion    = "v0"
	dbMetaPath   = "glassdb"
	dbVersionTag = "version"
)

func metaPath(name string) string {
	return name + "/" + dbMetaPath
}

// checkOrCreateDBMeta makes sure the database metadata exists with the
// expected version, creating it if this is the first open. Losing the
// creation race to another process is fine as long as it wrote the same version.
func checkOrCreateDBMeta(ctx context.Context, b glassdb.Backend, name string) error {
	err := checkDBVersion(ctx, b, name)
	if err == nil || !errors.Is(err, glassdb.ErrNotFound) {
		return err
	}
	err = setDBMetadata(ctx, b, name, dbVersion)
	if err == nil || !errors.Is(err, glassdb.ErrPrecondition) {
		return err
	}
	return checkDBVersion(ctx, b, name)
}

func checkDBVersion(ctx context.Context, b glassdb.Backend, name string) error {
	meta, err := b.GetMetadata(ctx, metaPath(name))
	if err != nil {
		return err
	}
	if v := meta.Tags[dbVersionTag]; v != dbVersion {
		return glassdb.Error{
			Code:     glassdb.DBVersionMismatch,
			Err:      fmt.Errorf("got db version %q, expected %q", v, dbVersion),
			UserData: name,
		}
	}
	return nil
}

func setDBMetadata(ctx context.Context, b glassdb.Backend, name string, version string) error {
	return b.WriteIfNotExists(ctx, metaPath(name), nil, glassdb.Tags{dbVersionTag: version})
}
