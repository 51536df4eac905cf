package permission

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Resolve computes the effective Decision for (user, targetPath), given
// every permission File whose DirPath is an ancestor of targetPath (or
// equal to it). targetPath is relative to the datasites root, using '/'
// separators.
//
// Resolution proceeds in three steps:
//  1. rank candidate rules by (depth ascending, priority ascending) --
//     rules deeper in the tree, and rules later in the same file, win;
//  2. fold matching rules in that order, each setting its named permission
//     bits to its own allow/disallow value;
//  3. apply the fixed overrides: path ownership, ADMIN implies everything,
//     permission-file self-protection, and CREATE/WRITE requiring READ.
func Resolve(user, targetPath string, files []*File) Decision {
	targetPath = filepath.ToSlash(targetPath)

	rules := make([]*Rule, 0)
	for _, f := range files {
		rules = append(rules, f.Rules...)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Depth() != rules[j].Depth() {
			return rules[i].Depth() < rules[j].Depth()
		}
		return rules[i].Priority < rules[j].Priority
	})

	var dec Decision
	for _, rule := range rules {
		if !ruleApplies(rule, user, targetPath) {
			continue
		}
		for _, p := range rule.Permissions {
			setBit(&dec, p, rule.Allow)
		}
	}

	applyOverrides(&dec, user, targetPath)
	return dec
}

func setBit(dec *Decision, p Permission, v bool) {
	switch p {
	case Read:
		dec.Read = v
	case Create:
		dec.Create = v
	case Write:
		dec.Write = v
	case Admin:
		dec.Admin = v
	}
}

// ruleApplies reports whether rule governs a (user, targetPath) query: the
// rule's user must match, and targetPath (relative to the rule's DirPath)
// must match the rule's glob with {useremail} bound to user.
func ruleApplies(rule *Rule, user, targetPath string) bool {
	if rule.User != Everyone && rule.User != user {
		return false
	}

	rel := relativeTo(rule.DirPath, targetPath)
	if rel == "" {
		return false
	}

	pattern := strings.ReplaceAll(rule.Path, useremailToken, user)
	ok, err := doublestar.Match(pattern, rel)
	return err == nil && ok
}

// relativeTo returns targetPath relative to dir ("." if equal), or "" if
// targetPath does not live under dir.
func relativeTo(dir, targetPath string) string {
	dir = strings.Trim(filepath.ToSlash(dir), "/")
	targetPath = strings.TrimLeft(targetPath, "/")

	if dir == "" || dir == "." {
		return targetPath
	}
	if !strings.HasPrefix(targetPath, dir+"/") {
		return ""
	}
	return strings.TrimPrefix(targetPath, dir+"/")
}

// applyOverrides enforces the fixed precedence rules that always win over
// the raw rule-derived vector.
func applyOverrides(dec *Decision, user, targetPath string) {
	if isOwner(user, targetPath) {
		dec.Read, dec.Create, dec.Write, dec.Admin = true, true, true, true
		return
	}

	if dec.Admin {
		dec.Read, dec.Create, dec.Write = true, true, true
	}

	if IsPermissionFile(targetPath) {
		if !dec.Admin {
			dec.Create = false
			dec.Write = false
		}
	}

	dec.Create = dec.Create && dec.Read
	dec.Write = dec.Write && dec.Read
}

// isOwner reports whether targetPath's first path segment is user's email,
// i.e. the file lives directly in that user's own datasite.
func isOwner(user, targetPath string) bool {
	targetPath = strings.TrimLeft(filepath.ToSlash(targetPath), "/")
	first, _, _ := strings.Cut(targetPath, "/")
	return first != "" && first == user
}

// IsPermissionFile reports whether path names a syftperm.yaml document.
func IsPermissionFile(path string) bool {
	return filepath.Base(path) == FileName
}
