// Package utils holds small key/byte helpers shared across the storage
// engine: defensive copies and the path-segment arithmetic the tree-path
// key model depends on.
package utils

import "strings"

// CopyBytes returns a deep copy of b so callers never alias memtable or
// block-cache storage.
func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

// NormalizePrefix ensures a subtree prefix ends in exactly one "/".
func NormalizePrefix(prefix string) string {
	return strings.TrimRight(prefix, "/") + "/"
}

// Ancestors returns the strict ancestor subtree prefixes of key, each
// normalized with a trailing "/", ordered from the root-most segment to
// the immediate parent. "a/b/c" yields ["a/", "a/b/"].
func Ancestors(key string) []string {
	segments := strings.Split(key, "/")
	if len(segments) <= 1 {
		return nil
	}

	ancestors := make([]string, 0, len(segments)-1)
	var b strings.Builder
	for i := 0; i < len(segments)-1; i++ {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(segments[i])
		ancestors = append(ancestors, b.String()+"/")
	}
	return ancestors
}

// HasPrefix reports whether key falls strictly under the subtree rooted
// at prefix (prefix must already end in "/").
func HasPrefix(key, prefix string) bool {
	return strings.HasPrefix(key, prefix)
}

// NextPrefix returns the smallest byte string that is strictly greater
// than every string with prefix p as a prefix, i.e. p with its last byte
// incremented (carrying into shorter strings on 0xFF overflow). Used to
// derive an exclusive upper bound for range scans from a literal prefix.
// Returns ("", false) if p consists entirely of 0xFF bytes (no finite
// upper bound exists; callers should treat the range as unbounded above).
func NextPrefix(p string) (string, bool) {
	b := []byte(p)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xFF {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}
