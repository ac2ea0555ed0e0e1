package glassdb

import (
	"strings"
	"testing"
)

func TestLibraryVersion(t *testing.T) {
	if LibraryVersion == "" {
		t.Fatal("library version is empty")
	}
	if strings.ContainsAny(LibraryVersion, " \n") {
		t.Errorf("library version %q is not trimmed", LibraryVersion)
	}
	if NoVersion != Version(0) {
		t.Errorf("NoVersion must be the zero version, got %d", NoVersion)
	}
}
