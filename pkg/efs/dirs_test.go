package efs

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() log.FieldLogger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

func TestSetupCreatesMissingDirectories(t *testing.T) {
	root := t.TempDir()
	mounts := map[string]string{}
	for name, path := range DefaultMounts() {
		mounts[name] = filepath.Join(root, filepath.Base(path))
	}

	locator := NewLocator(testLogger(), DefaultDirectories(mounts))
	require.NoError(t, locator.Setup())

	for _, d := range locator.Directories() {
		info, err := os.Stat(d.Path)
		require.NoError(t, err, "expected %s to exist", d.Path)
		assert.True(t, info.IsDir())
	}

	// The full original tree must be present.
	assert.DirExists(t, filepath.Join(mounts[MountInput], "sword"))
	assert.DirExists(t, filepath.Join(mounts[MountDiagnostics], "postdiagnostics", "reach"))
	assert.DirExists(t, filepath.Join(mounts[MountValidation], "figs"))
}

func TestSetupIsIdempotentAndPreservesContents(t *testing.T) {
	root := t.TempDir()
	dir := SharedDirectory{Name: "input", Path: filepath.Join(root, "input"), Mode: DirPerms}

	require.NoError(t, os.MkdirAll(dir.Path, DirPerms))
	existing := filepath.Join(dir.Path, "existing.nc")
	require.NoError(t, os.WriteFile(existing, []byte("data"), 0644))

	locator := NewLocator(testLogger(), []SharedDirectory{dir})
	require.NoError(t, locator.Setup())
	require.NoError(t, locator.Setup())

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestSetupFailsWhenPathIsFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "input")
	require.NoError(t, os.WriteFile(path, []byte("not a directory"), 0644))

	locator := NewLocator(testLogger(), []SharedDirectory{{Name: "input", Path: path, Mode: DirPerms}})
	err := locator.Setup()
	require.Error(t, err)

	var envErr *EnvironmentError
	require.ErrorAs(t, err, &envErr)
	assert.Equal(t, path, envErr.Path)
}

func TestSetupFailsWhenDirectoryNotWritable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root, permission bits are not enforced")
	}

	root := t.TempDir()
	path := filepath.Join(root, "readonly")
	require.NoError(t, os.MkdirAll(path, 0555))

	locator := NewLocator(testLogger(), []SharedDirectory{{Name: "readonly", Path: path, Mode: DirPerms}})
	err := locator.Setup()
	require.Error(t, err)

	var envErr *EnvironmentError
	require.ErrorAs(t, err, &envErr)
}
