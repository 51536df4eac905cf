// Package permission implements the hierarchical permission engine: parsing
// syftperm.yaml rule files, resolving an effective (read, create, write,
// admin) decision for a (user, path) pair, and indexing rules in SQLite for
// bulk server-side queries.
package permission

import (
	"path/filepath"
	"strings"
)

// FileName is the reserved filename a permission document must use.
const FileName = "syftperm.yaml"

// Permission is one of the four access bits a rule can grant or deny.
type Permission string

const (
	Read   Permission = "read"
	Create Permission = "create"
	Write  Permission = "write"
	Admin  Permission = "admin"
)

// Everyone is the wildcard user matching any requester.
const Everyone = "*"

// useremailToken is the placeholder substituted with the queried user's
// email before glob-matching a rule's path pattern.
const useremailToken = "{useremail}"

// Rule is a single entry of a syftperm.yaml document.
type Rule struct {
	DirPath     string       // directory the owning permission file lives in, relative to datasites root
	Path        string       // glob pattern, relative to DirPath
	User        string       // "*" or an exact email
	Allow       bool         // false when the rule's `type: disallow`
	Permissions []Permission // permission bits this rule sets
	Priority    int          // index within its file; later wins at equal depth
}

// Depth is the number of path segments in the rule's owning directory --
// deeper permission files take precedence over shallower ones.
func (r *Rule) Depth() int {
	if r.DirPath == "" || r.DirPath == "." {
		return 0
	}
	return len(strings.Split(filepath.ToSlash(r.DirPath), "/"))
}

// File is a parsed syftperm.yaml document together with the directory it
// governs.
type File struct {
	DirPath string
	Rules   []*Rule
}

// Decision is the computed permission vector for a (user, path) query.
type Decision struct {
	Read   bool
	Create bool
	Write  bool
	Admin  bool
}

// Allows reports whether the decision grants perm.
func (d Decision) Allows(perm Permission) bool {
	switch perm {
	case Read:
		return d.Read
	case Create:
		return d.Create
	case Write:
		return d.Write
	case Admin:
		return d.Admin
	default:
		return false
	}
}
