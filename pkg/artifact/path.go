package artifact

import (
	"fmt"
	"path"
	"strings"
)

const maxPathBytes = 4096

// ErrInvalidPath is returned by validateRelPath for any rejected path.
type ErrInvalidPath struct{ Path, Reason string }

func (e *ErrInvalidPath) Error() string {
	return fmt.Sprintf("invalid artifact path %q: %s", e.Path, e.Reason)
}

// normalizeRelPath implements the path normalization rules in spec §4.A:
// backslashes become forward slashes, repeated slashes collapse, and leading
// slashes on a relative path are stripped.
func normalizeRelPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return strings.TrimLeft(p, "/")
}

// validateRelPath normalizes and validates a relative artifact path against
// the rules in spec §4.A, optionally requiring one of allowedPrefixes.
func validateRelPath(raw string, allowedPrefixes []string) (string, error) {
	if strings.TrimSpace(raw) == "" || raw == "." {
		return "", &ErrInvalidPath{Path: raw, Reason: "empty or whitespace-only path"}
	}

	norm := normalizeRelPath(raw)
	if norm == "" || norm == "." {
		return "", &ErrInvalidPath{Path: raw, Reason: "empty or dot-only path"}
	}
	for _, seg := range strings.Split(norm, "/") {
		if seg == ".." {
			return "", &ErrInvalidPath{Path: raw, Reason: "path traversal segment"}
		}
	}

	cleaned := path.Clean("/" + norm)[1:]

	if len([]byte(cleaned)) > maxPathBytes {
		return "", &ErrInvalidPath{Path: raw, Reason: "path exceeds 4096 bytes"}
	}

	if len(allowedPrefixes) > 0 {
		ok := false
		for _, prefix := range allowedPrefixes {
			if strings.HasPrefix(cleaned, strings.TrimLeft(normalizeRelPath(prefix), "/")) {
				ok = true
				break
			}
		}
		if !ok {
			return "", &ErrInvalidPath{Path: raw, Reason: "path outside allowed_prefixes"}
		}
	}

	return cleaned, nil
}
