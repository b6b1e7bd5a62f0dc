package evidence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/onlyfeng/engram-sub004/internal/dberrors"
	"github.com/onlyfeng/engram-sub004/pkg/artifact"
	"github.com/onlyfeng/engram-sub004/pkg/scmpath"
)

// Evidence is the resolved result of a memory:// lookup (spec §4.B).
type Evidence struct {
	Content      []byte
	SHA256       string
	Size         int64
	ResourceType string
	ResourceID   string
	URI          string
	ArtifactURI  string
}

// ErrMemoryURIInvalid wraps a *ErrInvalid for the resolver's public surface.
type ErrMemoryURIInvalid struct{ URI string }

func (e *ErrMemoryURIInvalid) Error() string { return fmt.Sprintf("memory_uri_invalid: %q", e.URI) }

// ErrSha256Mismatch is raised whenever the hash embedded in a URI, the hash
// recorded in patch_blobs, or the hash of the bytes actually read disagree.
type ErrSha256Mismatch struct {
	Details map[string]string
}

func (e *ErrSha256Mismatch) Error() string {
	return fmt.Sprintf("sha256_mismatch: %v", e.Details)
}

// blobRow is the narrow projection of patch_blobs needed by the resolver.
type blobRow struct {
	BlobID      int64          `db:"blob_id"`
	SourceType  string         `db:"source_type"`
	SourceID    string         `db:"source_id"`
	SHA256      string         `db:"sha256"`
	SizeBytes   int64          `db:"size_bytes"`
	Format      string         `db:"format"`
	URI         sql.NullString `db:"uri"`
	EvidenceURI sql.NullString `db:"evidence_uri"`
}

// decodeSourceID recovers the repo id and revision/sha from a patch_blobs
// source_id of the form "<type>:<repo_id>:<revOrSha>" (see pkg/handlers'
// upsertCommit/insertPendingBlob for the producing side of this convention).
// ok is false for any source_id that doesn't follow the convention, which
// legacy-path fallback simply skips rather than erroring on.
func decodeSourceID(sourceID string) (repoID int64, revOrSha string, ok bool) {
	parts := strings.SplitN(sourceID, ":", 3)
	if len(parts) != 3 {
		return 0, "", false
	}
	repoID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return repoID, parts[2], true
}

// Resolver implements resolve_memory_uri / get_evidence_info against the
// patch_blobs table and an Artifact Store backend.
type Resolver struct {
	db    *sqlx.DB
	store artifact.Store
}

func NewResolver(db *sqlx.DB, store artifact.Store) *Resolver {
	return &Resolver{db: db, store: store}
}

// resolveRow implements steps 1-2 of resolve_memory_uri: parse the URI and
// look the patch_blobs row up by whatever key it carries. No artifact bytes
// are read here — GetEvidenceInfo stops at this point, exactly as spec §4.B
// requires ("returns the metadata dictionary without reading bytes").
func (r *Resolver) resolveRow(ctx context.Context, uri string) (*blobRow, string, error) {
	ref, err := Parse(uri)
	if err != nil {
		var invalid *ErrInvalid
		if errors.As(err, &invalid) {
			return nil, "", &ErrMemoryURIInvalid{URI: uri}
		}
		return nil, "", err
	}

	var row *blobRow
	switch ref.Kind {
	case RefAttachment:
		return nil, "", fmt.Errorf("attachment resolution is not handled by the patch_blobs resolver: %s", uri)

	case RefBlobID:
		row, err = r.lookupByBlobID(ctx, ref.BlobID)
	case RefSHA256:
		row, err = r.lookupBySHA256(ctx, ref.SHA256)
	case RefCanonical:
		row, err = r.resolveCanonical(ctx, ref)
	case RefLegacy:
		row, err = r.lookupBySource(ctx, ref.SourceType, ref.SourceID)
	default:
		return nil, "", &ErrMemoryURIInvalid{URI: uri}
	}
	if err != nil {
		return nil, "", err
	}
	if row == nil {
		return nil, "", &artifact.ErrNotFound{URI: uri}
	}

	artifactURI := row.URI.String
	if artifactURI == "" {
		artifactURI = row.EvidenceURI.String
	}
	return row, artifactURI, nil
}

// Resolve implements resolve_memory_uri (spec §4.B, steps 1-5).
func (r *Resolver) Resolve(ctx context.Context, uri string, verifySHA256 bool) (*Evidence, error) {
	row, artifactURI, err := r.resolveRow(ctx, uri)
	if err != nil {
		return nil, err
	}

	content, err := r.store.Get(ctx, artifactURI)
	if err != nil {
		var notFound *artifact.ErrNotFound
		if errors.As(err, &notFound) {
			if altURI, altContent, ok := r.tryLegacyPaths(ctx, row); ok {
				artifactURI, content = altURI, altContent
			} else {
				return nil, err
			}
		} else {
			return nil, err
		}
	}

	if verifySHA256 {
		actual := artifact.HashBytes(content)
		if actual != row.SHA256 {
			return nil, &ErrSha256Mismatch{Details: map[string]string{
				"expected": row.SHA256,
				"actual":   actual,
			}}
		}
	}

	return &Evidence{
		Content:      content,
		SHA256:       row.SHA256,
		Size:         row.SizeBytes,
		ResourceType: row.SourceType,
		ResourceID:   row.SourceID,
		URI:          uri,
		ArtifactURI:  artifactURI,
	}, nil
}

// tryLegacyPaths implements spec §4.H's legacy-path fallback on read: when
// the artifact isn't at the path recorded on the row, probe the pre-v2
// storage layout in order and return the first hit. Returns ok=false when
// the row's source_id doesn't decode or nothing is found under any legacy
// path, in which case the caller should surface the original not-found error.
func (r *Resolver) tryLegacyPaths(ctx context.Context, row *blobRow) (uri string, content []byte, ok bool) {
	repoID, revOrSha, decoded := decodeSourceID(row.SourceID)
	if !decoded || row.Format == "" {
		return "", nil, false
	}
	for _, candidate := range scmpath.LegacyPaths(repoID, row.SourceType, revOrSha, row.Format) {
		exists, err := r.store.Exists(ctx, candidate)
		if err != nil || !exists {
			continue
		}
		data, err := r.store.Get(ctx, candidate)
		if err != nil {
			continue
		}
		return candidate, data, true
	}
	return "", nil, false
}

// resolveCanonical implements step 3: query by sha256 first, verify
// (source_type, source_id); on no hit fall back to (source_type, source_id)
// and verify sha256.
func (r *Resolver) resolveCanonical(ctx context.Context, ref *Ref) (*blobRow, error) {
	bySHA, err := r.lookupBySHA256(ctx, ref.SHA256)
	if err != nil {
		return nil, err
	}
	if bySHA != nil {
		if bySHA.SourceType != ref.SourceType || bySHA.SourceID != ref.SourceID {
			return nil, &ErrSha256Mismatch{Details: map[string]string{
				"uri_source": ref.SourceType + "/" + ref.SourceID,
				"db_source":  bySHA.SourceType + "/" + bySHA.SourceID,
			}}
		}
		return bySHA, nil
	}

	bySource, err := r.lookupBySource(ctx, ref.SourceType, ref.SourceID)
	if err != nil {
		return nil, err
	}
	if bySource == nil {
		return nil, nil
	}
	if bySource.SHA256 != ref.SHA256 {
		return nil, &ErrSha256Mismatch{Details: map[string]string{
			"expected": ref.SHA256,
			"actual":   bySource.SHA256,
		}}
	}
	return bySource, nil
}

func (r *Resolver) lookupBySHA256(ctx context.Context, sha256 string) (*blobRow, error) {
	var row blobRow
	err := r.db.GetContext(ctx, &row, `
		SELECT blob_id, source_type, source_id, sha256, size_bytes, format, uri, evidence_uri
		FROM patch_blobs WHERE sha256 = $1`, sha256)
	return nilOnNoRows(&row, err)
}

func (r *Resolver) lookupBySource(ctx context.Context, sourceType, sourceID string) (*blobRow, error) {
	var row blobRow
	err := r.db.GetContext(ctx, &row, `
		SELECT blob_id, source_type, source_id, sha256, size_bytes, format, uri, evidence_uri
		FROM patch_blobs WHERE source_type = $1 AND source_id = $2
		ORDER BY created_at DESC LIMIT 1`, sourceType, sourceID)
	return nilOnNoRows(&row, err)
}

func (r *Resolver) lookupByBlobID(ctx context.Context, blobID int64) (*blobRow, error) {
	var row blobRow
	err := r.db.GetContext(ctx, &row, `
		SELECT blob_id, source_type, source_id, sha256, size_bytes, format, uri, evidence_uri
		FROM patch_blobs WHERE blob_id = $1`, blobID)
	return nilOnNoRows(&row, err)
}

func nilOnNoRows(row *blobRow, err error) (*blobRow, error) {
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, dberrors.DatabaseError("lookup patch_blobs", err)
	}
	return row, nil
}

// Info is the metadata-only view returned by GetEvidenceInfo.
type Info struct {
	SHA256       string
	Size         int64
	ResourceType string
	ResourceID   string
	ArtifactURI  string
}

// GetEvidenceInfo implements get_evidence_info: returns nil, nil on any
// mismatch or not-found condition rather than propagating an error (spec
// §4.B, final paragraph — "returning None on any mismatch, never raising").
// Unlike Resolve, this never reads artifact bytes — it is a pure patch_blobs
// lookup (spec §4.B: "returns the metadata dictionary without reading bytes").
func (r *Resolver) GetEvidenceInfo(ctx context.Context, uri string) (*Info, error) {
	row, artifactURI, err := r.resolveRow(ctx, uri)
	if err != nil {
		var mismatch *ErrSha256Mismatch
		var notFound *artifact.ErrNotFound
		var invalid *ErrMemoryURIInvalid
		if errors.As(err, &mismatch) || errors.As(err, &notFound) || errors.As(err, &invalid) {
			return nil, nil
		}
		return nil, err
	}
	return &Info{
		SHA256:       row.SHA256,
		Size:         row.SizeBytes,
		ResourceType: row.SourceType,
		ResourceID:   row.SourceID,
		ArtifactURI:  artifactURI,
	}, nil
}
