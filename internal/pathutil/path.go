// Package pathutil provides virtual path normalization utilities.
//
// All storage-facing paths in CloudPaste are slash-separated absolute
// virtual paths ("/mount/dir/file"). These helpers keep them canonical so
// that mount resolution, cache keys and permission scopes agree on a single
// spelling for every path.
package pathutil

import (
	"path"
	"strings"
)

// Normalize converts p to a canonical absolute virtual path: forward
// slashes, leading "/", no ".." or "." elements, no trailing slash except
// for the root itself.
func Normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "/"
	}
	return cleaned
}

// NormalizeDir normalizes p and forces a trailing slash. Directory cache
// keys and mount prefixes always use this form.
func NormalizeDir(p string) string {
	n := Normalize(p)
	if n == "/" {
		return "/"
	}
	return n + "/"
}

// Parent returns the parent directory of p ("/" for top-level entries and
// for the root itself).
func Parent(p string) string {
	n := Normalize(p)
	if n == "/" {
		return "/"
	}
	dir := path.Dir(n)
	if dir == "." {
		return "/"
	}
	return dir
}

// Ancestors returns every ancestor directory of p from its parent up to
// and including "/". The path itself is not included.
func Ancestors(p string) []string {
	var out []string
	cur := Normalize(p)
	for cur != "/" {
		cur = Parent(cur)
		out = append(out, cur)
	}
	if len(out) == 0 {
		out = append(out, "/")
	}
	return out
}

// IsAncestorOrSelf reports whether ancestor is p itself or one of p's
// ancestor directories.
func IsAncestorOrSelf(ancestor, p string) bool {
	a := Normalize(ancestor)
	n := Normalize(p)
	if a == "/" {
		return true
	}
	return n == a || strings.HasPrefix(n, a+"/")
}

// IsDescendant reports whether p is a strict descendant of ancestor.
func IsDescendant(ancestor, p string) bool {
	a := Normalize(ancestor)
	n := Normalize(p)
	if a == "/" {
		return n != "/"
	}
	return strings.HasPrefix(n, a+"/")
}

// SubPath strips the mount prefix from p, returning the driver-relative
// path with a leading slash. SubPath("/mnt", "/mnt/a/b") == "/a/b";
// SubPath("/mnt", "/mnt") == "/".
func SubPath(mountPath, p string) string {
	m := Normalize(mountPath)
	n := Normalize(p)
	if m == "/" {
		return n
	}
	rest := strings.TrimPrefix(n, m)
	if rest == "" {
		return "/"
	}
	return rest
}

// Join joins virtual path elements and normalizes the result.
func Join(elem ...string) string {
	return Normalize(path.Join(elem...))
}

// Base returns the last element of p, or "/" for the root.
func Base(p string) string {
	n := Normalize(p)
	if n == "/" {
		return "/"
	}
	return path.Base(n)
}

// HasDirSuffix reports whether the caller spelled p with a trailing slash,
// marking it as a directory in batch operations.
func HasDirSuffix(p string) bool {
	return strings.HasSuffix(p, "/") && p != "/"
}
