// Package pathmap normalizes request URL paths into root-relative POSIX
// paths and maps them back to absolute filesystem paths. All relative paths
// produced by this package use forward slashes regardless of host OS, and
// normalization never touches the filesystem: it only rewrites the string.
package pathmap

import (
	"errors"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidPath is returned when a request path resolves outside of the
// configured root, e.g. via "../" traversal.
var ErrInvalidPath = errors.New("invalid path: escapes root")

// Mapper converts between root-relative POSIX paths and absolute filesystem
// paths rooted at a fixed directory chosen at startup.
type Mapper struct {
	root string
}

// New returns a Mapper rooted at root. root is expected to already be an
// absolute directory; New does not stat or create it.
func New(root string) *Mapper {
	return &Mapper{root: filepath.Clean(root)}
}

// Root returns the absolute root directory the Mapper was constructed with.
func (m *Mapper) Root() string {
	return m.root
}

// ToRelative normalizes urlPath (as found on an incoming request) into a
// root-rooted relative path using "/" separators. Leading/trailing slashes
// are stripped, "." and ".." segments are collapsed, and an empty result
// becomes ".". A path that resolves outside of the root (too many ".."
// segments) fails with ErrInvalidPath.
func (m *Mapper) ToRelative(urlPath string) (string, error) {
	trimmed := strings.Trim(urlPath, "/")
	if trimmed == "" {
		return ".", nil
	}

	cleaned := path.Clean(trimmed)
	if cleaned == "." {
		return ".", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}

// ToAbsolute maps a root-relative POSIX path (as returned by ToRelative) to
// an absolute, OS-native filesystem path under the root.
func (m *Mapper) ToAbsolute(relative string) string {
	if relative == "." || relative == "" {
		return m.root
	}
	nativeParts := strings.Split(relative, "/")
	return filepath.Join(append([]string{m.root}, nativeParts...)...)
}

// ToRelativeFromAbsolute converts an absolute filesystem path (as delivered
// by the Watcher, in OS-native form) back into a root-relative POSIX path.
// It fails with ErrInvalidPath if abs does not live under the root.
func (m *Mapper) ToRelativeFromAbsolute(abs string) (string, error) {
	rel, err := filepath.Rel(m.root, abs)
	if err != nil {
		return "", ErrInvalidPath
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return ".", nil
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", ErrInvalidPath
	}
	return rel, nil
}

// Href renders a root-relative path as the URL-style href WebDAV responses
// use: a leading slash, POSIX separators, and the root itself rendered as
// "/" (see DESIGN.md for why this form was picked over "" or ".").
func Href(relative string) string {
	if relative == "." || relative == "" {
		return "/"
	}
	return "/" + relative
}
