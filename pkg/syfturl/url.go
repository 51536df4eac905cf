// Package syfturl parses and formats syft:// URLs and maps them to and from
// local filesystem paths rooted in a datasite tree.
package syfturl

import (
	"fmt"
	"net/mail"
	"path/filepath"
	"strings"
)

const Scheme = "syft://"

// URL is a parsed syft://<email>/<path> reference.
type URL struct {
	Email string
	Path  string
}

// Parse decomposes a raw "syft://user@host.tld/some/path" string.
func Parse(raw string) (*URL, error) {
	if !strings.HasPrefix(raw, Scheme) {
		return nil, fmt.Errorf("%w: missing %q scheme", ErrInvalidURL, Scheme)
	}

	rest := strings.TrimPrefix(raw, Scheme)
	if rest == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidURL)
	}

	email, path, _ := strings.Cut(rest, "/")
	if email == "" {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidURL)
	}
	if !IsValidEmail(email) {
		return nil, fmt.Errorf("%w: %q is not a valid email", ErrInvalidURL, email)
	}

	return &URL{Email: email, Path: path}, nil
}

// MustParse is Parse but panics on error; only meant for tests and constants.
func MustParse(raw string) *URL {
	u, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// String renders the canonical syft:// form.
func (u *URL) String() string {
	if u.Path == "" {
		return Scheme + u.Email
	}
	return Scheme + u.Email + "/" + u.Path
}

// ToLocalPath joins the url onto a datasites root, e.g.
// "<root>/<email>/<path>".
func (u *URL) ToLocalPath(datasitesRoot string) string {
	parts := append([]string{datasitesRoot, u.Email}, strings.Split(u.Path, "/")...)
	return filepath.Clean(filepath.Join(parts...))
}

// FromPath computes the syft:// URL a local absolute path corresponds to,
// given the datasites root it lives under. It is the inverse of
// ToLocalPath: FromPath(u.ToLocalPath(root), root) == u.
func FromPath(absPath, datasitesRoot string) (*URL, error) {
	rel, err := filepath.Rel(datasitesRoot, absPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not under %s", ErrInvalidURL, absPath, datasitesRoot)
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || strings.HasPrefix(rel, "../") || rel == ".." {
		return nil, fmt.Errorf("%w: %s escapes datasites root", ErrInvalidURL, absPath)
	}

	email, path, _ := strings.Cut(rel, "/")
	if !IsValidEmail(email) {
		return nil, fmt.Errorf("%w: %q is not a valid email", ErrInvalidURL, email)
	}

	return &URL{Email: email, Path: path}, nil
}

// HTTPParams is the shape the gateway needs to forward a syft:// url onto an
// HTTP request against a datasite.
type HTTPParams struct {
	Method   string
	Datasite string
	Path     string
}

// AsHTTPParams reduces the URL to the fields the gateway's HTTP façade cares
// about.
func (u *URL) AsHTTPParams(method string) HTTPParams {
	return HTTPParams{
		Method:   method,
		Datasite: u.Email,
		Path:     u.Path,
	}
}

// IsValidEmail reports whether s parses as a bare "user@host" address, with
// no display name or comment syntax.
func IsValidEmail(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t<>()") {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	return addr.Address == s
}
