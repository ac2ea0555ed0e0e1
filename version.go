package glassdb

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionFile string

// LibraryVersion is the current version of the glassdb library and server.
var LibraryVersion = strings.TrimSpace(versionFile)
