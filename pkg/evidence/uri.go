// Package evidence implements the canonical memory:// evidence URI scheme
// and its resolver (spec §4.B).
package evidence

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies a URI per spec §4.B's classifier.
type Kind string

const (
	KindArtifact Kind = "artifact" // relative path, local
	KindFile     Kind = "file"     // file://, local
	KindMemory   Kind = "memory"   // memory://, local via resolver
	KindHTTP     Kind = "http"     // http(s)://, remote
	KindS3       Kind = "s3"       // s3://, remote
	KindUnknown  Kind = "unknown"
)

// Classify buckets an arbitrary URI/path string into one of the Kind values.
func Classify(uri string) Kind {
	switch {
	case strings.HasPrefix(uri, "memory://"):
		return KindMemory
	case strings.HasPrefix(uri, "file://"):
		return KindFile
	case strings.HasPrefix(uri, "s3://"):
		return KindS3
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return KindHTTP
	case uri == "":
		return KindUnknown
	default:
		return KindArtifact
	}
}

// IsLocal reports whether bytes for this kind can be read without a network
// round-trip to a remote service (memory:// still requires a DB lookup, but
// no outbound network call).
func IsLocal(k Kind) bool {
	return k == KindArtifact || k == KindFile || k == KindMemory
}

// Ref is the parsed form of a memory:// URI.
type Ref struct {
	Kind       RefKind
	SourceType string
	SourceID   string
	SHA256     string
	BlobID     int64
	Legacy     bool // true for the hash-less canonical form
}

// RefKind distinguishes the five recognized memory:// path shapes.
type RefKind string

const (
	RefCanonical  RefKind = "canonical"   // patch_blobs/<source_type>/<source_id>/<sha256>
	RefLegacy     RefKind = "legacy"      // patch_blobs/<source_type>/<source_id>
	RefSHA256     RefKind = "sha256"      // patch_blobs/sha256/<hex>
	RefBlobID     RefKind = "blob_id"     // patch_blobs/blob_id/<int>
	RefAttachment RefKind = "attachment"  // attachments/<id>
)

// ErrInvalid is returned for any memory:// URI that doesn't match a
// recognized shape.
type ErrInvalid struct {
	URI string
}

func (e *ErrInvalid) Error() string {
	return fmt.Sprintf("memory_uri_invalid: %q", e.URI)
}

// Parse parses a memory:// URI into a Ref, or returns *ErrInvalid.
func Parse(uri string) (*Ref, error) {
	const scheme = "memory://"
	if !strings.HasPrefix(uri, scheme) {
		return nil, &ErrInvalid{URI: uri}
	}
	path := strings.TrimPrefix(uri, scheme)
	segs := strings.Split(path, "/")
	if len(segs) < 2 {
		return nil, &ErrInvalid{URI: uri}
	}

	switch segs[0] {
	case "attachments":
		if len(segs) != 2 || segs[1] == "" {
			return nil, &ErrInvalid{URI: uri}
		}
		return &Ref{Kind: RefAttachment, SourceID: segs[1]}, nil

	case "patch_blobs":
		rest := segs[1:]
		switch {
		case len(rest) >= 1 && rest[0] == "sha256":
			if len(rest) != 2 || rest[1] == "" {
				return nil, &ErrInvalid{URI: uri}
			}
			return &Ref{Kind: RefSHA256, SHA256: rest[1]}, nil

		case len(rest) >= 1 && rest[0] == "blob_id":
			if len(rest) != 2 {
				return nil, &ErrInvalid{URI: uri}
			}
			id, err := strconv.ParseInt(rest[1], 10, 64)
			if err != nil {
				return nil, &ErrInvalid{URI: uri}
			}
			return &Ref{Kind: RefBlobID, BlobID: id}, nil

		case len(rest) == 3:
			return &Ref{Kind: RefCanonical, SourceType: rest[0], SourceID: rest[1], SHA256: rest[2]}, nil

		case len(rest) == 2:
			return &Ref{Kind: RefLegacy, SourceType: rest[0], SourceID: rest[1], Legacy: true}, nil

		default:
			return nil, &ErrInvalid{URI: uri}
		}

	default:
		return nil, &ErrInvalid{URI: uri}
	}
}

// Build constructs the canonical memory:// URI for (sourceType, sourceID, sha256).
func Build(sourceType, sourceID, sha256 string) string {
	return fmt.Sprintf("memory://patch_blobs/%s/%s/%s", sourceType, sourceID, sha256)
}

// BuildLegacy constructs the legacy hash-less form.
func BuildLegacy(sourceType, sourceID string) string {
	return fmt.Sprintf("memory://patch_blobs/%s/%s", sourceType, sourceID)
}
