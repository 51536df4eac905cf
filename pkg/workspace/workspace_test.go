package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuildsAbsolutePaths(t *testing.T) {
	root := t.TempDir()
	ws := New(root)

	assert.Equal(t, filepath.Join(root, "datasites"), ws.DatasitesDir)
	assert.Equal(t, filepath.Join(root, "apps"), ws.AppsDir)
	assert.Equal(t, filepath.Join(root, "plugins"), ws.PluginsDir)
}

func TestCreateDirsIsIdempotent(t *testing.T) {
	root := t.TempDir()
	ws := New(filepath.Join(root, "nested"))

	require.NoError(t, ws.CreateDirs())
	require.NoError(t, ws.CreateDirs())

	for _, dir := range []string{ws.Root, ws.DatasitesDir, ws.AppsDir, ws.PluginsDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestLockPreventsSecondAcquire(t *testing.T) {
	root := t.TempDir()
	ws := New(root)
	require.NoError(t, ws.CreateDirs())

	ok, err := ws.Lock()
	require.NoError(t, err)
	assert.True(t, ok)

	other := New(root)
	ok2, err := other.Lock()
	require.NoError(t, err)
	assert.False(t, ok2, "a second workspace instance must not acquire the same lock")

	require.NoError(t, ws.Unlock())
}

func TestDatasiteDirJoinsEmail(t *testing.T) {
	ws := New(t.TempDir())
	assert.Equal(t, filepath.Join(ws.DatasitesDir, "alice@openmined.org"), ws.DatasiteDir("alice@openmined.org"))
}
