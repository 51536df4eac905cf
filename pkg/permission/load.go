package permission

import (
	"log/slog"
	"os"
	"path/filepath"
)

// LoadTree walks root (a workspace's datasites directory) and installs
// every syftperm.yaml document it finds into the Engine, keyed by its
// directory relative to root. The datasite daemon calls it at startup and
// after every sync pass; the sync server calls it at startup and from
// ReloadPermissions.
func (e *Engine) LoadTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsPermissionFile(path) {
			return nil
		}

		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return nil
		}
		dirPath := filepath.ToSlash(rel)
		if dirPath == "." {
			dirPath = ""
		}

		f, err := LoadFile(dirPath, path)
		if err != nil {
			slog.Warn("permission: skip malformed syftperm.yaml", "path", path, "error", err)
			return nil
		}
		e.Put(f)
		return nil
	})
}
