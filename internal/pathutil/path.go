// Package pathutil provides path manipulation for slash-separated archive paths.
package pathutil

import (
	"path/filepath"
	"strings"

	"github.com/maruel/natural"
)

// Normalize converts an entry name reported by a decoder to the canonical
// slash-separated form used inside the engine.
//
// Backslashes become slashes, leading and trailing slashes are trimmed and
// consecutive slashes collapse. An empty result means the archive root.
func Normalize(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.Trim(name, "/")
	if name == "" {
		return ""
	}
	parts := strings.Split(name, "/")
	result := parts[:0]
	for _, part := range parts {
		if part != "" && part != "." {
			result = append(result, part)
		}
	}
	return strings.Join(result, "/")
}

// Base returns the last element of a slash-separated path.
// If path is empty or ".", it returns ".".
func Base(path string) string {
	if path == "" || path == "." {
		return "."
	}
	path = strings.TrimSuffix(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Dir returns all but the last element of a slash-separated path.
// Top-level names return "".
func Dir(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i]
	}
	return ""
}

// DirPrefix converts a path to its directory prefix form.
// For "" and ".", returns "" (empty prefix matches all).
// For other paths, appends "/" to match children.
func DirPrefix(name string) string {
	if name == "" || name == "." {
		return ""
	}
	return name + "/"
}

// Child extracts the immediate child name from a full path given a prefix.
// Returns the child name and whether it's a subdirectory (has more path components).
// If path doesn't have the prefix, behavior is undefined.
func Child(path, prefix string) (name string, isSubDir bool) {
	relPath := strings.TrimPrefix(path, prefix)
	if idx := strings.Index(relPath, "/"); idx >= 0 {
		return relPath[:idx], true
	}
	return relPath, false
}

// Parents returns every proper ancestor of name, shortest first.
// "a/b/c.txt" yields ["a", "a/b"].
func Parents(name string) []string {
	var out []string
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			out = append(out, name[:i])
		}
	}
	return out
}

// Depth returns the number of segments in name.
func Depth(name string) int {
	if name == "" {
		return 0
	}
	return strings.Count(name, "/") + 1
}

// IsUnder reports whether name is a strict descendant of dir.
// Every non-empty name is under the root "".
func IsUnder(name, dir string) bool {
	if dir == "" {
		return name != ""
	}
	return len(name) > len(dir) && name[len(dir)] == '/' && strings.HasPrefix(name, dir)
}

// Excluded reports whether any segment of name equals one of the excluded
// segment names. The comparison ignores case.
func Excluded(name string, excluded []string) bool {
	if len(excluded) == 0 {
		return false
	}
	for _, seg := range strings.Split(name, "/") {
		for _, ex := range excluded {
			if strings.EqualFold(seg, ex) {
				return true
			}
		}
	}
	return false
}

// HasExt reports whether name ends with "."+ext for any ext in exts,
// ignoring case. Multi-part extensions such as "tar.gz" are supported.
func HasExt(name string, exts []string) bool {
	lower := strings.ToLower(name)
	for _, ext := range exts {
		ext = strings.TrimPrefix(strings.ToLower(ext), ".")
		if ext != "" && strings.HasSuffix(lower, "."+ext) {
			return true
		}
	}
	return false
}

// Join joins a system path and a slash-separated name inside it.
func Join(system, name string) string {
	if name == "" {
		return system
	}
	return filepath.Join(system, filepath.FromSlash(name))
}

// NaturalLess orders names the way a file browser does: digit runs compare
// numerically and letters compare case-insensitively, with the raw string as
// a tie breaker.
func NaturalLess(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la != lb {
		return natural.Less(la, lb)
	}
	return a < b
}
