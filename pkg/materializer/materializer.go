// Package materializer implements the patch materialization pipeline of
// spec §4.H: batch selection over pending/failed patch_blobs rows, fetching
// raw diff bytes from the upstream, transforming by format, and writing the
// result to the artifact store under the canonical path scheme.
package materializer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/onlyfeng/engram-sub004/internal/dberrors"
	"github.com/onlyfeng/engram-sub004/pkg/artifact"
	"github.com/onlyfeng/engram-sub004/pkg/evidence"
	"github.com/onlyfeng/engram-sub004/pkg/models"
	"github.com/onlyfeng/engram-sub004/pkg/scmpath"
	"github.com/onlyfeng/engram-sub004/pkg/sourcefetcher"
	"github.com/onlyfeng/engram-sub004/pkg/syncerr"
)

const defaultMaxAttempts = 5

// SHAMismatchPolicy controls what happens when a transformed blob's actual
// hash disagrees with the hash recorded on the patch_blobs row.
type SHAMismatchPolicy string

const (
	SHAMismatchStrict SHAMismatchPolicy = "strict"
	SHAMismatchMirror SHAMismatchPolicy = "mirror"
)

// Materializer drives patch_blobs through pending/failed → done.
type Materializer struct {
	db      *sqlx.DB
	store   artifact.Store
	fetcher sourcefetcher.SourceFetcher
	policy  SHAMismatchPolicy
	logger  *zap.Logger
}

func NewMaterializer(db *sqlx.DB, store artifact.Store, fetcher sourcefetcher.SourceFetcher, policy SHAMismatchPolicy, logger *zap.Logger) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == "" {
		policy = SHAMismatchStrict
	}
	return &Materializer{db: db, store: store, fetcher: fetcher, policy: policy, logger: logger}
}

// BatchParams narrows SelectBatch's candidate set.
type BatchParams struct {
	SourceType     string
	Limit          int
	IncludeFailed  bool
	MaxAttemptsCap int
}

// SelectBatch fetches candidate patch_blobs rows with FOR UPDATE SKIP LOCKED,
// matching the predicate in spec §4.H.
func (m *Materializer) SelectBatch(ctx context.Context, p BatchParams) ([]models.PatchBlob, error) {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	statuses := []string{"pending"}
	if p.IncludeFailed {
		statuses = append(statuses, "failed")
	}

	query := `
		SELECT blob_id, source_type, source_id, sha256, size_bytes, format,
		       uri, evidence_uri, meta_json, created_at, updated_at
		FROM patch_blobs
		WHERE ((uri IS NULL OR uri = '')
		       OR meta_json->>'materialize_status' = ANY($1))
		  AND ($2 = '' OR source_type = $2)
		  AND COALESCE((meta_json->>'attempts')::int, 0) < $3
		ORDER BY blob_id
		LIMIT $4
		FOR UPDATE SKIP LOCKED`

	maxAttempts := p.MaxAttemptsCap
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	var blobs []models.PatchBlob
	err := m.db.SelectContext(ctx, &blobs, query, statuses, p.SourceType, maxAttempts, p.Limit)
	if err != nil {
		return nil, dberrors.DatabaseError("select materializer batch", err)
	}
	return blobs, nil
}

// markInProgress bumps attempts and last_attempt_at, setting
// materialize_status=in_progress.
func (m *Materializer) markInProgress(ctx context.Context, blob *models.PatchBlob) error {
	meta, err := blob.Meta()
	if err != nil {
		meta = models.BlobMeta{}
	}
	meta.MaterializeStatus = models.MaterializeInProgress
	meta.Attempts++
	now := time.Now()
	meta.LastAttemptAt = &now

	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx, `UPDATE patch_blobs SET meta_json = $2, updated_at = now() WHERE blob_id = $1`,
		blob.BlobID, raw)
	if err != nil {
		return dberrors.DatabaseError("mark blob in_progress", err)
	}
	blob.MetaJSON = raw
	return nil
}

// markFailed records a classified failure on the blob's meta_json.
func (m *Materializer) markFailed(ctx context.Context, blob *models.PatchBlob, category, endpoint string, statusCode int, errMsg string, extra func(*models.BlobMeta)) error {
	meta, err := blob.Meta()
	if err != nil {
		meta = models.BlobMeta{}
	}
	meta.MaterializeStatus = models.MaterializeFailed
	meta.ErrorCategory = category
	meta.LastEndpoint = endpoint
	meta.LastStatusCode = statusCode
	meta.LastError = errMsg
	if extra != nil {
		extra(&meta)
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx, `UPDATE patch_blobs SET meta_json = $2, updated_at = now() WHERE blob_id = $1`,
		blob.BlobID, raw)
	if err != nil {
		return dberrors.DatabaseError("mark blob failed", err)
	}
	return nil
}

// markDone finalizes a successful materialization, guarded by an
// optimistic-lock clause on the expected sha256 so concurrent workers cannot
// cross-write a blob that was already retargeted.
func (m *Materializer) markDone(ctx context.Context, blob *models.PatchBlob, uri, sha256Hex string, size int64, evidenceURI string, expectedSHA256 string) error {
	meta, err := blob.Meta()
	if err != nil {
		meta = models.BlobMeta{}
	}
	meta.MaterializeStatus = models.MaterializeDone
	now := time.Now()
	meta.MaterializedAt = &now
	meta.EvidenceURI = evidenceURI

	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	res, err := m.db.ExecContext(ctx, `
		UPDATE patch_blobs SET uri = $2, sha256 = $3, size_bytes = $4, evidence_uri = $5,
		                       meta_json = $6, updated_at = now()
		WHERE blob_id = $1 AND sha256 = $7`,
		blob.BlobID, uri, sha256Hex, size, evidenceURI, raw, expectedSHA256)
	if err != nil {
		return dberrors.DatabaseError("mark blob done", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dberrors.DatabaseError("check mark_done rows affected", err)
	}
	if n == 0 {
		return dberrors.FailedToWithDetails("mark_done optimistic lock lost", "materializer",
			fmt.Sprintf("%d", blob.BlobID), fmt.Errorf("expected_sha256 no longer matches"))
	}
	return nil
}

// Materialize runs the per-blob pipeline of spec §4.H against one candidate
// row: mark in_progress, fetch raw bytes, transform by format, hash, apply
// the SHA-mismatch policy, write to the store, mark done.
func (m *Materializer) Materialize(ctx context.Context, blob models.PatchBlob, repo models.Repo, revOrSha string) error {
	revOrSha = scmpath.NormalizeRevision(blob.SourceType, revOrSha)

	if err := m.markInProgress(ctx, &blob); err != nil {
		return err
	}

	raw, endpoint, serr := m.fetch(ctx, repo, blob.SourceType, revOrSha)
	if serr != nil {
		return m.markFailed(ctx, &blob, string(serr.Category), endpoint, serr.StatusCode, serr.Message, nil)
	}

	meta, _ := blob.Meta()
	transformed, err := m.transform(blob.Format, raw, meta)
	if err != nil {
		return m.markFailed(ctx, &blob, string(syncerr.CategoryParseError), endpoint, 0, err.Error(), nil)
	}

	sum := sha256.Sum256(transformed)
	actualSHA256 := hex.EncodeToString(sum[:])
	expectedSHA256 := blob.SHA256

	ext := string(blob.Format)
	if expectedSHA256 != "" && expectedSHA256 != actualSHA256 {
		switch m.policy {
		case SHAMismatchMirror:
			mirrorPath, err := scmpath.BuildCanonicalPath(repo.ProjectKey, repo.RepoID, blob.SourceType, revOrSha, actualSHA256, ext)
			if err != nil {
				return m.markFailed(ctx, &blob, string(syncerr.CategoryValidation), endpoint, 0, err.Error(), nil)
			}
			info, err := m.store.Put(ctx, mirrorPath, bytes.NewReader(transformed))
			if err != nil {
				return m.markFailed(ctx, &blob, string(syncerr.CategoryException), endpoint, 0, err.Error(), nil)
			}
			now := time.Now()
			return m.markFailed(ctx, &blob, "validation_error", endpoint, 0,
				fmt.Sprintf("sha256 mismatch: expected=%s actual=%s", expectedSHA256, actualSHA256),
				func(bm *models.BlobMeta) {
					bm.MirrorURI = info.URI
					bm.ActualSHA256 = actualSHA256
					bm.MirroredAt = &now
				})
		default:
			return m.markFailed(ctx, &blob, "validation_error", endpoint, 0,
				fmt.Sprintf("sha256 mismatch: expected=%s actual=%s", expectedSHA256, actualSHA256),
				func(bm *models.BlobMeta) { bm.ActualSHA256 = actualSHA256 })
		}
	}

	path, err := scmpath.BuildCanonicalPath(repo.ProjectKey, repo.RepoID, blob.SourceType, revOrSha, actualSHA256, ext)
	if err != nil {
		return m.markFailed(ctx, &blob, string(syncerr.CategoryValidation), endpoint, 0, err.Error(), nil)
	}
	info, err := m.store.Put(ctx, path, bytes.NewReader(transformed))
	if err != nil {
		return m.markFailed(ctx, &blob, string(syncerr.CategoryException), endpoint, 0, err.Error(), nil)
	}

	evidenceURI := evidence.Build(blob.SourceType, blob.SourceID, actualSHA256)
	return m.markDone(ctx, &blob, info.URI, actualSHA256, info.Size, evidenceURI, expectedSHA256)
}

func (m *Materializer) fetch(ctx context.Context, repo models.Repo, sourceType, revOrSha string) ([]byte, string, *syncerr.SyncError) {
	switch sourceType {
	case "svn":
		b, serr := m.fetcher.FetchSVNDiff(ctx, repo, revOrSha)
		return b, "fetch_svn_diff", serr
	default:
		b, serr := m.fetcher.FetchCommitDiff(ctx, repo, revOrSha)
		return b, "fetch_commit_diff", serr
	}
}

func (m *Materializer) transform(format models.BlobFormat, raw []byte, meta models.BlobMeta) ([]byte, error) {
	switch format {
	case models.FormatDiff:
		return raw, nil
	case models.FormatDiffstat:
		return []byte(diffstatSummary(raw)), nil
	case models.FormatMinistat:
		if len(meta.Stats) > 0 {
			return ministatFromGitStats(meta.Stats)
		}
		return ministatFromChangedPaths(meta.ChangedPaths)
	default:
		return nil, dberrors.ValidationError("format", fmt.Sprintf("unknown blob format %q", format))
	}
}

// diffstatSummary derives "N file(s) changed, X insertion(s), Y deletion(s)"
// from unified diff text.
func diffstatSummary(raw []byte) string {
	files := 0
	insertions := 0
	deletions := 0
	for _, line := range strings.Split(string(raw), "\n") {
		switch {
		case strings.HasPrefix(line, "+++ "):
			files++
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			insertions++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			deletions++
		}
	}
	return fmt.Sprintf("%d file(s) changed, %d insertion(s), %d deletion(s)", files, insertions, deletions)
}

// gitStats is the decoded shape of patch_blobs.meta_json.stats for Git blobs.
type gitStats struct {
	Files      int `json:"files"`
	Insertions int `json:"insertions"`
	Deletions  int `json:"deletions"`
}

func ministatFromGitStats(raw json.RawMessage) ([]byte, error) {
	var s gitStats
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("%d file(s) changed, %d insertion(s), %d deletion(s)", s.Files, s.Insertions, s.Deletions)), nil
}

// svnChangedPaths is the decoded shape of meta_json.changed_paths for SVN
// blobs: a flat map of action → count.
type svnChangedPaths struct {
	Added    int `json:"added"`
	Modified int `json:"modified"`
	Deleted  int `json:"deleted"`
	Replaced int `json:"replaced"`
}

func ministatFromChangedPaths(raw json.RawMessage) ([]byte, error) {
	var c svnChangedPaths
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
	}
	return []byte(fmt.Sprintf("%d added, %d modified, %d deleted, %d replaced",
		c.Added, c.Modified, c.Deleted, c.Replaced)), nil
}
