package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/measure-app/internal/errs"
)

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "beta"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alpha"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a driver"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))

	drivers, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, drivers, 2)
	assert.Equal(t, "alpha", drivers[0].Name)
	assert.Equal(t, "beta", drivers[1].Name)
	assert.Equal(t, filepath.Join(dir, "alpha"), drivers[0].Path)
}

func TestDiscoverEmptyDirectory(t *testing.T) {
	_, err := Discover(t.TempDir())
	var cfgErr *errs.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestDiscoverOnlyNonExecutableFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plain"), []byte("data"), 0o644))

	_, err := Discover(dir)
	var cfgErr *errs.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestDiscoverMissingDirectory(t *testing.T) {
	_, err := Discover(filepath.Join(t.TempDir(), "nope"))
	var cfgErr *errs.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "does not exist")
}
