package storage

import (
	"path"
	"strings"
)

// CleanPath normalizes a provider path: forward slashes, a single leading
// slash, no trailing slash, "." and ".." collapsed. The empty string is root.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return "/"
	}

	return path.Clean("/" + p)
}

// SplitPath returns the non-empty segments of a cleaned path.
// Root yields no segments.
func SplitPath(p string) []string {
	clean := CleanPath(p)
	if clean == "/" {
		return nil
	}

	return strings.Split(strings.TrimPrefix(clean, "/"), "/")
}

// SplitParent splits a path into its cleaned parent and final element.
// For "/a/b/c" it returns ("/a/b", "c"); for "/" it returns ("/", "").
func SplitParent(p string) (string, string) {
	clean := CleanPath(p)
	if clean == "/" {
		return "/", ""
	}

	dir, name := path.Split(clean)

	return CleanPath(dir), name
}

// JoinPath joins elements onto base and cleans the result.
func JoinPath(base string, elem ...string) string {
	return CleanPath(path.Join(append([]string{CleanPath(base)}, elem...)...))
}
