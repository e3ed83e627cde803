package pathutil

import (
	"path"
	"strings"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// ToSlash converts both Windows and POSIX separators to "/" regardless of
// the host OS, so keys computed on any platform are identical.
func ToSlash(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// ObjectKey turns a path relative to an upload root into an object key.
// It rejects absolute paths, dot segments and empty results.
func ObjectKey(rel string) (string, bool) {
	k := ToSlash(rel)
	if k == "" || strings.HasPrefix(k, "/") || strings.Contains(k, "\x00") {
		return "", false
	}
	if HasDotSegments(k) {
		return "", false
	}
	k = path.Clean(k)
	if k == "." {
		return "", false
	}
	return k, true
}

// EnsureLeadingSlash prefixes p with "/" when missing; used for CDN paths.
func EnsureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}
