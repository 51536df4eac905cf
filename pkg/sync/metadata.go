// Package sync implements an rsync-style bidirectional sync engine: a
// scheduling loop that diffs local, previous-synced, and remote file
// state, builds a priority queue of change items, and drains it against a
// pluggable Transport.
package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/opensyftbox/syftbox/pkg/workspace"
)

// FileMetadata is the hash/size/mtime triple exchanged with the server for
// a single path via get_metadata/get_remote_state.
type FileMetadata struct {
	Path         string
	Size         int64
	Hash         string
	LastModified time.Time
}

// LocalState scans a workspace's datasites tree into a flat map of
// FileMetadata, caching hashes by (size, mtime) so unchanged files are not
// rehashed on every pass.
type LocalState struct {
	rootDir string
	cache   map[string]*FileMetadata
}

// NewLocalState builds a LocalState rooted at rootDir (typically a
// Workspace's DatasitesDir).
func NewLocalState(rootDir string) *LocalState {
	return &LocalState{rootDir: rootDir, cache: make(map[string]*FileMetadata)}
}

// Scan walks rootDir and returns the current FileMetadata for every regular
// file, keyed by its slash-separated path relative to rootDir. Symlinks and
// dotfile-prefixed path segments are skipped.
func (s *LocalState) Scan() (map[string]*FileMetadata, error) {
	out := make(map[string]*FileMetadata)

	err := filepath.WalkDir(s.rootDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("sync: scan: %w", walkErr)
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		rel, err := filepath.Rel(s.rootDir, path)
		if err != nil {
			return fmt.Errorf("sync: scan: rel path: %w", err)
		}
		rel = filepath.ToSlash(rel)
		if isHidden(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		hash := ""
		if prev, ok := s.cache[rel]; ok && prev.Size == info.Size() && prev.LastModified.Equal(info.ModTime()) {
			hash = prev.Hash
		} else {
			h, err := hashFile(path)
			if err != nil {
				return nil
			}
			hash = h
		}

		out[rel] = &FileMetadata{Path: rel, Size: info.Size(), Hash: hash, LastModified: info.ModTime()}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache = out
	return out, nil
}

func isHidden(relPath string) bool {
	for _, seg := range splitSlash(relPath) {
		if len(seg) > 0 && seg[0] == '.' {
			return true
		}
	}
	return false
}

func splitSlash(p string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			parts = append(parts, p[start:i])
			start = i + 1
		}
	}
	parts = append(parts, p[start:])
	return parts
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NewLocalStateForWorkspace is a convenience constructor over ws's datasites
// directory.
func NewLocalStateForWorkspace(ws *workspace.Workspace) *LocalState {
	return NewLocalState(ws.DatasitesDir)
}
