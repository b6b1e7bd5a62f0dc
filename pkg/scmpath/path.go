// Package scmpath builds and parses the artifact store paths patch bytes
// are written under (spec §4.H), independent of both the materializer that
// writes them and the evidence resolver that reads them back — both import
// this package rather than each other.
package scmpath

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var hexRe = regexp.MustCompile(`^[0-9a-f]+$`)

// ErrInvalidRevision is returned when a rev_or_sha fails the per-source_type
// shape check in spec §4.H.
type ErrInvalidRevision struct {
	SourceType string
	Value      string
	Reason     string
}

func (e *ErrInvalidRevision) Error() string {
	return fmt.Sprintf("invalid revision %q for %s: %s", e.Value, e.SourceType, e.Reason)
}

// NormalizeRevision auto-prefixes a raw numeric SVN revision with "r", and
// passes Git SHAs through unchanged. Use this at helper entry points that
// accept user/caller input; BuildCanonicalPath itself rejects an unprefixed
// SVN revision outright.
func NormalizeRevision(sourceType, revOrSha string) string {
	if sourceType == "svn" {
		if _, err := strconv.ParseInt(revOrSha, 10, 64); err == nil {
			return "r" + revOrSha
		}
	}
	return revOrSha
}

func validateRevision(sourceType, revOrSha string) error {
	switch sourceType {
	case "svn":
		if !strings.HasPrefix(revOrSha, "r") {
			return &ErrInvalidRevision{SourceType: sourceType, Value: revOrSha, Reason: "svn revision must be prefixed with r<decimal>"}
		}
		if _, err := strconv.ParseInt(strings.TrimPrefix(revOrSha, "r"), 10, 64); err != nil {
			return &ErrInvalidRevision{SourceType: sourceType, Value: revOrSha, Reason: "svn revision suffix must be decimal"}
		}
		return nil
	default:
		if len(revOrSha) < 7 {
			return &ErrInvalidRevision{SourceType: sourceType, Value: revOrSha, Reason: "git sha must be at least 7 characters"}
		}
		if !hexRe.MatchString(strings.ToLower(revOrSha)) {
			return &ErrInvalidRevision{SourceType: sourceType, Value: revOrSha, Reason: "git sha must be hex"}
		}
		return nil
	}
}

var validExt = map[string]bool{"diff": true, "diffstat": true, "ministat": true}

// BuildCanonicalPath builds the v2 artifact path:
// scm/<project_key>/<repo_id>/<source_type>/<rev_or_sha>/<sha256>.<ext>
func BuildCanonicalPath(projectKey string, repoID int64, sourceType, revOrSha, sha256, ext string) (string, error) {
	if err := validateRevision(sourceType, revOrSha); err != nil {
		return "", err
	}
	if !validExt[ext] {
		return "", fmt.Errorf("invalid artifact extension %q", ext)
	}
	return fmt.Sprintf("scm/%s/%d/%s/%s/%s.%s", projectKey, repoID, sourceType, revOrSha, sha256, ext), nil
}

// LegacyPaths returns the pre-v2 fallback paths probed when the canonical
// path has no artifact, in the order spec §4.H specifies.
func LegacyPaths(repoID int64, sourceType, revOrSha, ext string) []string {
	switch sourceType {
	case "svn":
		return []string{fmt.Sprintf("scm/%d/svn/%s.%s", repoID, revOrSha, ext)}
	default:
		return []string{fmt.Sprintf("scm/%d/git/commits/%s.%s", repoID, revOrSha, ext)}
	}
}

// ParsedPath is the inverse of BuildCanonicalPath / LegacyPaths: every field
// BuildCanonicalPath takes as input, recovered from a path string, plus
// Legacy reporting which scheme matched.
type ParsedPath struct {
	ProjectKey string
	RepoID     int64
	SourceType string
	RevOrSha   string
	SHA256     string
	Ext        string
	Legacy     bool
}

// ErrPathNotCanonical is returned when a path matches neither the v2 scheme
// nor any LegacyPaths form.
type ErrPathNotCanonical struct{ Path string }

func (e *ErrPathNotCanonical) Error() string {
	return fmt.Sprintf("not a canonical or legacy scm artifact path: %q", e.Path)
}

// ParseCanonicalPath inverts BuildCanonicalPath (and recognizes the
// LegacyPaths forms), satisfying the round-trip law
// parse(build(pk, r, t, v, h, x)) == (pk, r, t, v, h, x, legacy=false).
// Legacy paths carry no embedded sha256, so SHA256 is returned empty for them.
func ParseCanonicalPath(path string) (ParsedPath, error) {
	parts := strings.Split(path, "/")

	// v2: scm/<project_key>/<repo_id>/<source_type>/<rev_or_sha>/<sha256>.<ext>
	if len(parts) == 6 && parts[0] == "scm" {
		repoID, err := strconv.ParseInt(parts[2], 10, 64)
		if err == nil {
			sha256, ext, ok := splitNameExt(parts[5])
			if ok && validExt[ext] {
				return ParsedPath{
					ProjectKey: parts[1],
					RepoID:     repoID,
					SourceType: parts[3],
					RevOrSha:   parts[4],
					SHA256:     sha256,
					Ext:        ext,
					Legacy:     false,
				}, nil
			}
		}
	}

	// legacy svn: scm/<repo_id>/svn/<rev>.<ext>
	if len(parts) == 4 && parts[0] == "scm" && parts[2] == "svn" {
		repoID, err := strconv.ParseInt(parts[1], 10, 64)
		if err == nil {
			rev, ext, ok := splitNameExt(parts[3])
			if ok && validExt[ext] {
				return ParsedPath{RepoID: repoID, SourceType: "svn", RevOrSha: rev, Ext: ext, Legacy: true}, nil
			}
		}
	}

	// legacy git: scm/<repo_id>/git/commits/<sha>.<ext>
	if len(parts) == 5 && parts[0] == "scm" && parts[2] == "git" && parts[3] == "commits" {
		repoID, err := strconv.ParseInt(parts[1], 10, 64)
		if err == nil {
			sha, ext, ok := splitNameExt(parts[4])
			if ok && validExt[ext] {
				return ParsedPath{RepoID: repoID, SourceType: "git", RevOrSha: sha, Ext: ext, Legacy: true}, nil
			}
		}
	}

	return ParsedPath{}, &ErrPathNotCanonical{Path: path}
}

// splitNameExt splits "name.ext" on the last dot.
func splitNameExt(s string) (name, ext string, ok bool) {
	i := strings.LastIndex(s, ".")
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
