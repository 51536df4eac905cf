package permission

import (
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// decisionCacheSize bounds the number of (user, path) Decision results kept
// in memory. A large datasites tree can have far more queryable paths than
// fit comfortably in RAM, so the cache is LRU-evicted rather than unbounded.
const decisionCacheSize = 8192

// Engine holds every currently-known permission File, keyed by its
// governing directory, and answers per-(user,path) queries by walking the
// ancestor chain. It is the in-process counterpart to the SQLite-backed
// Index used for bulk server-side aggregation (see index.go). Resolved
// decisions are cached by (user, path) until the next Put/Remove.
type Engine struct {
	mu    sync.RWMutex
	files map[string]*File // dirPath -> File

	decisions *lru.Cache[decisionKey, Decision]
}

type decisionKey struct {
	user string
	path string
}

// NewEngine returns an empty Engine.
func NewEngine() *Engine {
	cache, _ := lru.New[decisionKey, Decision](decisionCacheSize)
	return &Engine{files: make(map[string]*File), decisions: cache}
}

// Put installs or replaces the permission file governing its DirPath.
func (e *Engine) Put(f *File) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files[f.DirPath] = f
	e.decisions.Purge()
}

// Remove drops the permission file at dirPath, if any. Returns true if one
// was present.
func (e *Engine) Remove(dirPath string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	dirPath = filepath.ToSlash(filepath.Clean(dirPath))
	if _, ok := e.files[dirPath]; !ok {
		return false
	}
	delete(e.files, dirPath)
	e.decisions.Purge()
	return true
}

// ancestorFiles returns every installed File whose DirPath is targetPath
// itself or one of its ancestor directories.
func (e *Engine) ancestorFiles(targetPath string) []*File {
	e.mu.RLock()
	defer e.mu.RUnlock()

	dir := filepath.ToSlash(filepath.Dir(targetPath))
	var out []*File
	for {
		if f, ok := e.files[dir]; ok {
			out = append(out, f)
		}
		if dir == "." || dir == "/" || dir == "" {
			break
		}
		parent := filepath.ToSlash(filepath.Dir(dir))
		if parent == dir {
			break
		}
		dir = parent
	}
	return out
}

// Check computes the effective Decision for (user, targetPath), serving
// from cache when the file set has not changed since the last call.
func (e *Engine) Check(user, targetPath string) Decision {
	key := decisionKey{user: user, path: filepath.ToSlash(targetPath)}
	if d, ok := e.decisions.Get(key); ok {
		return d
	}
	d := Resolve(user, targetPath, e.ancestorFiles(targetPath))
	e.decisions.Add(key, d)
	return d
}

// HasPermission is shorthand for Check(...).Allows(perm).
func (e *Engine) HasPermission(user, targetPath string, perm Permission) bool {
	return e.Check(user, targetPath).Allows(perm)
}
