package permission

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// wireRule is the literal YAML shape of one entry in a syftperm.yaml
// document.
type wireRule struct {
	Path        string      `yaml:"path"`
	User        string      `yaml:"user"`
	Permissions yamlStrList `yaml:"permissions"`
	Type        string      `yaml:"type"`
}

// yamlStrList accepts either a scalar string or a sequence of strings for
// the `permissions` key, matching the corpus's tolerant YAML unmarshaling
// style (pkg/acl.Access.UnmarshalYAML).
type yamlStrList []string

func (l *yamlStrList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = []string{s}
	case yaml.SequenceNode:
		var s []string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = s
	default:
		return fmt.Errorf("permission: `permissions` must be a string or list")
	}
	return nil
}

// ParseFile parses the raw YAML bytes of a syftperm.yaml located at dirPath
// (relative to the datasites root) into a File of validated Rules.
func ParseFile(dirPath string, data []byte) (*File, error) {
	var wireRules []wireRule
	if err := yaml.Unmarshal(data, &wireRules); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParsing, err)
	}

	dirPath = filepath.ToSlash(filepath.Clean(dirPath))
	file := &File{DirPath: dirPath}

	for i, wr := range wireRules {
		rule, err := newRule(dirPath, i, wr)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d: %v", ErrParsing, i, err)
		}
		file.Rules = append(file.Rules, rule)
	}

	return file, nil
}

// LoadFile reads and parses the syftperm.yaml at the given absolute path,
// whose governing directory is dirPath.
func LoadFile(dirPath, absPath string) (*File, error) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	return ParseFile(dirPath, data)
}

func newRule(dirPath string, priority int, wr wireRule) (*Rule, error) {
	if wr.Path == "" {
		return nil, fmt.Errorf("missing path")
	}
	if err := validatePattern(wr.Path); err != nil {
		return nil, err
	}

	user := wr.User
	if user == "" {
		user = Everyone
	}
	if user != Everyone && !looksLikeEmail(user) {
		return nil, fmt.Errorf("user %q is neither %q nor a valid email", user, Everyone)
	}

	perms, err := parsePermissions(wr.Permissions)
	if err != nil {
		return nil, err
	}

	return &Rule{
		DirPath:     dirPath,
		Path:        wr.Path,
		User:        user,
		Allow:       wr.Type != "disallow",
		Permissions: perms,
		Priority:    priority,
	}, nil
}

func parsePermissions(raw []string) ([]Permission, error) {
	out := make([]Permission, 0, len(raw))
	for _, r := range raw {
		switch Permission(strings.ToLower(r)) {
		case Read:
			out = append(out, Read)
		case Create:
			out = append(out, Create)
		case Write:
			out = append(out, Write)
		case Admin:
			out = append(out, Admin)
		default:
			return nil, fmt.Errorf("unknown permission %q", r)
		}
	}
	return out, nil
}

// validatePattern rejects patterns that escape their own directory (no
// ".." segments) and forbids "**" anywhere after a {useremail} token.
func validatePattern(pattern string) error {
	for _, seg := range strings.Split(pattern, "/") {
		if seg == ".." {
			return fmt.Errorf("path %q escapes its directory", pattern)
		}
	}
	if idx := strings.Index(pattern, useremailToken); idx >= 0 {
		after := pattern[idx+len(useremailToken):]
		if strings.Contains(after, "**") {
			return fmt.Errorf("path %q: ** may not follow %s", pattern, useremailToken)
		}
	}
	return nil
}

func looksLikeEmail(s string) bool {
	at := strings.IndexByte(s, '@')
	return at > 0 && at < len(s)-1 && !strings.ContainsAny(s, " \t")
}

// Save writes the ruleset back out as syftperm.yaml at absPath.
func (f *File) Save(absPath string) error {
	var wireRules []wireRule
	for _, r := range f.Rules {
		perms := make([]string, len(r.Permissions))
		for i, p := range r.Permissions {
			perms[i] = string(p)
		}
		wr := wireRule{Path: r.Path, User: r.User, Permissions: perms}
		if !r.Allow {
			wr.Type = "disallow"
		}
		wireRules = append(wireRules, wr)
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(wireRules)
	if err != nil {
		return err
	}
	return os.WriteFile(absPath, data, 0o644)
}
