package permission

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/bmatcuk/doublestar/v4"
)

// indexPragmas sets WAL journaling, a bounded busy timeout, and foreign
// keys on.
const indexPragmas = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA synchronous=NORMAL;
PRAGMA foreign_keys=ON;
`

const indexSchema = `
CREATE TABLE IF NOT EXISTS rules (
	permfile_path  TEXT NOT NULL,
	permfile_dir   TEXT NOT NULL,
	permfile_depth INTEGER NOT NULL,
	priority       INTEGER NOT NULL,
	path           TEXT NOT NULL,
	user           TEXT NOT NULL,
	can_read       INTEGER NOT NULL DEFAULT 0,
	can_create     INTEGER NOT NULL DEFAULT 0,
	can_write      INTEGER NOT NULL DEFAULT 0,
	admin          INTEGER NOT NULL DEFAULT 0,
	disallow       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (permfile_path, priority)
);

CREATE TABLE IF NOT EXISTS files (
	file_id INTEGER PRIMARY KEY AUTOINCREMENT,
	path    TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS rule_files (
	permfile_path    TEXT NOT NULL,
	priority         INTEGER NOT NULL,
	file_id          INTEGER NOT NULL REFERENCES files(file_id) ON DELETE CASCADE,
	match_for_email  TEXT,
	PRIMARY KEY (permfile_path, priority, file_id)
);

CREATE INDEX IF NOT EXISTS idx_rule_files_file ON rule_files(file_id);
CREATE INDEX IF NOT EXISTS idx_rules_dir ON rules(permfile_dir);
`

// Index is the SQLite-backed relational representation of permission
// rules, used for bulk read-permission aggregation over many files
// without re-walking the ancestor chain for each one in Go.
type Index struct {
	db *sqlx.DB
}

// OpenIndex opens (and migrates) the SQLite permission index at path. Use
// ":memory:" for an ephemeral index.
func OpenIndex(path string) (*Index, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("permission: open index: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range strings.Split(indexPragmas, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("permission: apply pragma: %w", err)
		}
	}
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("permission: migrate schema: %w", err)
	}

	return &Index{db: db}, nil
}

// Close releases the underlying SQLite connection.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// IndexFile atomically replaces every indexed rule belonging to
// permfilePath, then rescans known files under the rule's governing
// directory to re-derive rule_files bindings.
//
// The DELETE and the re-derive run in one transaction, so a failure part
// way through leaves the permission file's previous rows in place.
func (idx *Index) IndexFile(permfilePath string, file *File) error {
	tx, err := idx.db.Beginx()
	if err != nil {
		return fmt.Errorf("permission: index begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM rules WHERE permfile_path = ?`, permfilePath); err != nil {
		return fmt.Errorf("permission: delete rules: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM rule_files WHERE permfile_path = ?`, permfilePath); err != nil {
		return fmt.Errorf("permission: delete rule_files: %w", err)
	}

	for _, rule := range file.Rules {
		perms := permSet(rule.Permissions)
		if _, err := tx.Exec(
			`INSERT INTO rules (permfile_path, permfile_dir, permfile_depth, priority, path, user, can_read, can_create, can_write, admin, disallow)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			permfilePath, rule.DirPath, rule.Depth(), rule.Priority, rule.Path, rule.User,
			perms[Read], perms[Create], perms[Write], perms[Admin], !rule.Allow,
		); err != nil {
			return fmt.Errorf("permission: insert rule: %w", err)
		}
	}

	var known []struct {
		FileID int64  `db:"file_id"`
		Path   string `db:"path"`
	}
	if err := tx.Select(&known, `SELECT file_id, path FROM files WHERE path LIKE ? || '%'`, file.DirPath+"/"); err != nil {
		return fmt.Errorf("permission: scan known files: %w", err)
	}

	for _, rule := range file.Rules {
		for _, kf := range known {
			rel := relativeTo(rule.DirPath, kf.Path)
			if rel == "" {
				continue
			}
			matchEmail := ""
			if strings.Contains(rule.Path, useremailToken) {
				matchEmail = boundEmail(rel)
			}
			pattern := rule.Path
			if matchEmail != "" {
				pattern = strings.ReplaceAll(pattern, useremailToken, matchEmail)
			}
			ok, err := doublestar.Match(pattern, rel)
			if err != nil || !ok {
				continue
			}
			if _, err := tx.Exec(
				`INSERT OR IGNORE INTO rule_files (permfile_path, priority, file_id, match_for_email) VALUES (?, ?, ?, ?)`,
				permfilePath, rule.Priority, kf.FileID, nullableString(matchEmail),
			); err != nil {
				return fmt.Errorf("permission: insert rule_files: %w", err)
			}
		}
	}

	return tx.Commit()
}

// RegisterFile links a newly-created file to every applicable rule from
// its ancestor permission files.
func (idx *Index) RegisterFile(path string, ancestorFiles []*File) error {
	tx, err := idx.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT OR IGNORE INTO files (path) VALUES (?)`, path)
	if err != nil {
		return fmt.Errorf("permission: insert file: %w", err)
	}
	fileID, err := res.LastInsertId()
	if err != nil || fileID == 0 {
		if err := tx.Get(&fileID, `SELECT file_id FROM files WHERE path = ?`, path); err != nil {
			return fmt.Errorf("permission: lookup file id: %w", err)
		}
	}

	for _, pf := range ancestorFiles {
		permfilePath := filepath.ToSlash(filepath.Join(pf.DirPath, FileName))
		for _, rule := range pf.Rules {
			rel := relativeTo(rule.DirPath, path)
			if rel == "" {
				continue
			}
			matchEmail := ""
			if strings.Contains(rule.Path, useremailToken) {
				matchEmail = boundEmail(rel)
			}
			pattern := rule.Path
			if matchEmail != "" {
				pattern = strings.ReplaceAll(pattern, useremailToken, matchEmail)
			}
			ok, err := doublestar.Match(pattern, rel)
			if err != nil || !ok {
				continue
			}
			if _, err := tx.Exec(
				`INSERT OR IGNORE INTO rule_files (permfile_path, priority, file_id, match_for_email) VALUES (?, ?, ?, ?)`,
				permfilePath, rule.Priority, fileID, nullableString(matchEmail),
			); err != nil {
				return fmt.Errorf("permission: link file: %w", err)
			}
		}
	}

	return tx.Commit()
}

// ReadAggregate is the per-file outcome of a bulk read-permission query.
type ReadAggregate struct {
	Path string `db:"path"`
	Read bool   `db:"can_read_effective"`
}

// AggregateRead computes, in a single SQL query, whether user has READ
// access to every file under dirPrefix: per file, it takes
// allow_priority = MAX(precedence where can_read AND NOT disallow) and
// deny_priority = MAX(precedence where can_read AND disallow), and yields
// read = allow_priority > deny_priority, with precedence derived from
// (permfile_depth, priority).
func (idx *Index) AggregateRead(user, dirPrefix string) ([]ReadAggregate, error) {
	const q = `
	WITH matched AS (
		SELECT
			f.path AS path,
			(r.permfile_depth * 1000000 + r.priority) AS precedence,
			r.can_read AS can_read,
			r.disallow AS disallow
		FROM rule_files rf
		JOIN files f ON f.file_id = rf.file_id
		JOIN rules r ON r.permfile_path = rf.permfile_path AND r.priority = rf.priority
		WHERE (rf.match_for_email IS NULL OR rf.match_for_email = ?)
		  AND (r.user = '*' OR r.user = ?)
		  AND f.path LIKE ? || '%'
	)
	SELECT
		path,
		MAX(CASE WHEN can_read AND NOT disallow THEN precedence ELSE -1 END)
			> MAX(CASE WHEN can_read AND disallow THEN precedence ELSE -1 END) AS can_read_effective
	FROM matched
	GROUP BY path
	`
	var out []ReadAggregate
	if err := idx.db.Select(&out, q, user, user, dirPrefix); err != nil {
		return nil, fmt.Errorf("permission: aggregate read: %w", err)
	}
	return out, nil
}

func permSet(perms []Permission) map[Permission]bool {
	m := map[Permission]bool{Read: false, Create: false, Write: false, Admin: false}
	for _, p := range perms {
		m[p] = true
	}
	return m
}

// boundEmail extracts the email-looking first path segment of rel, used to
// bind {useremail} in a rule's glob to the candidate path's own email
// segment.
func boundEmail(rel string) string {
	first, _, _ := strings.Cut(rel, "/")
	if strings.Contains(first, "@") {
		return first
	}
	return ""
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
