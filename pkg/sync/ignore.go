package sync

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

const MaxFileSizeMB = 10

var defaultIgnoreLines = []string{
	"**/*syftrejected*",
	"*.syft.tmp.*",
	".syftkeep",
	".ipynb_checkpoints/",
	"__pycache__/",
	"*.py[cod]",
	".git",
	"*.tmp",
	"*.log",
	".DS_Store",
}

var priorityLines = []string{
	"**/*.request",
	"**/*.response",
	"**/syftperm.yaml",
}

// IgnoreList decides which locally-discovered paths must never be synced:
// oversize files and the patterns in a workspace-level "syftignore" file.
// Symlinks and dotfile segments are filtered upstream by LocalState.Scan.
type IgnoreList struct {
	baseDir string
	ignore  *gitignore.GitIgnore
}

// NewIgnoreList builds an IgnoreList rooted at baseDir, loading baseDir's
// "syftignore" file if present.
func NewIgnoreList(baseDir string) *IgnoreList {
	lines := append([]string(nil), defaultIgnoreLines...)
	if custom, err := readLines(filepath.Join(baseDir, "syftignore")); err == nil {
		lines = append(lines, custom...)
	}
	return &IgnoreList{baseDir: baseDir, ignore: gitignore.CompileIgnoreLines(lines...)}
}

// ShouldIgnore reports whether relPath (relative to baseDir) must be
// excluded from sync.
func (l *IgnoreList) ShouldIgnore(relPath string) bool {
	return l.ignore.MatchesPath(relPath)
}

// ShouldIgnoreFile additionally enforces the MAX_FILE_SIZE_MB upload
// limit.
func (l *IgnoreList) ShouldIgnoreFile(meta *FileMetadata) bool {
	if meta.Size > MaxFileSizeMB*1024*1024 {
		return true
	}
	return l.ShouldIgnore(meta.Path)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// PriorityList flags paths that must be drained ahead of ordinary files:
// request/response messages and permission files (racing a permission
// change against the files it governs is unsafe).
type PriorityList struct {
	match *gitignore.GitIgnore
}

// NewPriorityList returns the fixed priority matcher.
func NewPriorityList() *PriorityList {
	return &PriorityList{match: gitignore.CompileIgnoreLines(priorityLines...)}
}

// ShouldPrioritize reports whether relPath must be drained ahead of
// ordinary files.
func (p *PriorityList) ShouldPrioritize(relPath string) bool {
	return p.match.MatchesPath(relPath)
}
