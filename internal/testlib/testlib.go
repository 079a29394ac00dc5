// Package testlib holds the small helpers shared by tests across the
// tree.
package testlib

import (
	"os"
	"strings"
	"testing"
)

// MustTempDir creates a fresh temporary directory, makes it the current
// working directory (tests use relative paths inside it), and returns
// its path.
func MustTempDir(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "correo-test-")
	if err != nil {
		t.Fatalf("could not create test directory: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("could not enter test directory %q: %v", dir, err)
	}

	t.Logf("test directory: %q", dir)
	return dir
}

// RemoveIfOk removes dir, unless the test failed: failed runs keep their
// directories around for inspection.
func RemoveIfOk(t *testing.T, dir string) {
	t.Helper()

	// Only ever remove directories we created ourselves.
	if !strings.Contains(dir, "correo-test-") {
		panic("refusing to remove non-test directory " + dir)
	}

	if !t.Failed() {
		os.RemoveAll(dir)
	}
}
