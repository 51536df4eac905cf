// Package workspace lays out a client's on-disk root: the synced datasites
// tree, locally-installed apps, and the engine's own plugin state.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Workspace is a client's data_dir: datasites/, apps/, plugins/.
type Workspace struct {
	Root         string
	DatasitesDir string
	AppsDir      string
	PluginsDir   string

	lock *flock.Flock
}

// New builds a Workspace rooted at rootDir without touching the filesystem.
func New(rootDir string) *Workspace {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		abs = rootDir
	}
	return &Workspace{
		Root:         abs,
		DatasitesDir: filepath.Join(abs, "datasites"),
		AppsDir:      filepath.Join(abs, "apps"),
		PluginsDir:   filepath.Join(abs, "plugins"),
	}
}

// CreateDirs creates every workspace subdirectory, idempotently.
func (w *Workspace) CreateDirs() error {
	for _, dir := range []string{w.Root, w.DatasitesDir, w.AppsDir, w.PluginsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("workspace: create %s: %w", dir, err)
		}
	}
	return nil
}

// Lock acquires an exclusive, advisory file lock over the workspace so that
// two daemon instances never run against the same data_dir concurrently.
// The lock is released by calling Unlock.
func (w *Workspace) Lock() (bool, error) {
	if w.lock == nil {
		w.lock = flock.New(filepath.Join(w.Root, ".lock"))
	}
	return w.lock.TryLock()
}

// Unlock releases the workspace lock acquired by Lock.
func (w *Workspace) Unlock() error {
	if w.lock == nil {
		return nil
	}
	return w.lock.Unlock()
}

// DatasiteDir returns the directory that mirrors the given email's authored
// tree within this workspace.
func (w *Workspace) DatasiteDir(email string) string {
	return filepath.Join(w.DatasitesDir, email)
}
