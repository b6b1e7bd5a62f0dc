// Package handlers implements the executor dispatch of spec §4.I: one
// Handler per job_type, each resolving the repo, consulting the breaker and
// rate-limit bucket, invoking the SourceFetcher, and persisting the
// resulting commits/revisions/MRs/review_events and pending patch_blobs
// rows.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/onlyfeng/engram-sub004/internal/dberrors"
	"github.com/onlyfeng/engram-sub004/internal/logging"
	"github.com/onlyfeng/engram-sub004/pkg/breaker"
	"github.com/onlyfeng/engram-sub004/pkg/kv"
	"github.com/onlyfeng/engram-sub004/pkg/models"
	"github.com/onlyfeng/engram-sub004/pkg/ratelimit"
	"github.com/onlyfeng/engram-sub004/pkg/repos"
	"github.com/onlyfeng/engram-sub004/pkg/scmpath"
	"github.com/onlyfeng/engram-sub004/pkg/sourcefetcher"
	"github.com/onlyfeng/engram-sub004/pkg/syncerr"
	"github.com/onlyfeng/engram-sub004/pkg/worker"
)

const defaultPageSize = 100

// Handlers holds the collaborators every job_type handler needs.
type Handlers struct {
	db      *sqlx.DB
	repos   *repos.Store
	fetcher sourcefetcher.SourceFetcher
	breaker *breaker.Registry
	limiter *ratelimit.Limiter
	cursors *kv.Store
	logger  *zap.Logger
}

func NewHandlers(db *sqlx.DB, repoStore *repos.Store, fetcher sourcefetcher.SourceFetcher, breakerReg *breaker.Registry, limiter *ratelimit.Limiter, cursors *kv.Store, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{db: db, repos: repoStore, fetcher: fetcher, breaker: breakerReg, limiter: limiter, cursors: cursors, logger: logger}
}

// RegisterAll binds every job_type this package implements onto d.
func (h *Handlers) RegisterAll(d *worker.Dispatcher) {
	d.Register(models.JobTypeGitLabCommits, h.Commits)
	d.Register(models.JobTypeSVN, h.Commits)
	d.Register(models.JobTypeGitLabMRs, h.MergeRequests)
	d.Register(models.JobTypeGitLabReviews, h.ReviewEvents)
}

// instanceKeyFor builds the rate-limit/breaker instance key for a repo, per
// spec §3's "one row per upstream instance (e.g. gitlab:host)".
func instanceKeyFor(repo models.Repo, gitlabInstance string) string {
	if gitlabInstance != "" {
		return "gitlab:" + gitlabInstance
	}
	if repo.RepoType == models.RepoTypeSVN {
		return "svn:" + repo.URL
	}
	return "gitlab:" + repo.URL
}

// capacityCheck consults the breaker then the rate limiter before any
// upstream call. A non-nil Result means the handler must return it
// immediately without calling the fetcher.
func (h *Handlers) capacityCheck(ctx context.Context, repo models.Repo, instanceKey string) *syncerr.Result {
	breakerKey := breaker.ScopeKey(repo.ProjectKey, breaker.ScopeInstance, instanceKey)
	if !h.breaker.Allow(ctx, breakerKey) {
		return &syncerr.Result{
			Success:       false,
			ErrorCategory: syncerr.CategoryLockHeld,
			Error:         fmt.Sprintf("circuit breaker open for %s", instanceKey),
		}
	}

	acquired, err := h.limiter.Acquire(ctx, instanceKey, 1)
	if err != nil {
		return &syncerr.Result{Success: false, ErrorCategory: syncerr.CategoryException, Error: err.Error()}
	}
	if !acquired.Allowed {
		retryAfter := int(math.Ceil(acquired.WaitSeconds))
		return &syncerr.Result{
			Success:       false,
			ErrorCategory: syncerr.CategoryRateLimit,
			Error:         fmt.Sprintf("rate limit exhausted for %s", instanceKey),
			RetryAfter:    &retryAfter,
		}
	}
	return nil
}

// recordOutcome feeds a completed upstream call back into the breaker and
// rate limiter, per spec §4.D/§4.E's feedback loop.
func (h *Handlers) recordOutcome(ctx context.Context, repo models.Repo, instanceKey string, serr *syncerr.SyncError) {
	breakerKey := breaker.ScopeKey(repo.ProjectKey, breaker.ScopeInstance, instanceKey)
	if serr == nil {
		h.breaker.RecordResult(ctx, breakerKey, true)
		if err := h.limiter.NotifySuccess(ctx, instanceKey); err != nil {
			h.logger.Warn("ratelimit notify_success failed", logging.Fields{}.Component("handlers").Error(err).Zap()...)
		}
		return
	}
	h.breaker.RecordResult(ctx, breakerKey, false)
	if serr.Category == syncerr.CategoryRateLimit {
		retryAfter := 120
		if serr.RetryAfter != nil && *serr.RetryAfter > 0 {
			retryAfter = *serr.RetryAfter
		}
		if err := h.limiter.Notify429(ctx, instanceKey, retryAfter); err != nil {
			h.logger.Warn("ratelimit notify_429 failed", logging.Fields{}.Component("handlers").Error(err).Zap()...)
		}
	}
}

func syncErrorResult(serr *syncerr.SyncError) syncerr.Result {
	return syncerr.Result{
		Success:       false,
		ErrorCategory: serr.Category,
		Error:         serr.Message,
		RetryAfter:    serr.RetryAfter,
	}
}

// Commits handles both gitlab_commits (git repos) and svn (svn repos): both
// pull through the same ListCommitsSince contract, differing only in which
// table the resulting records land in.
func (h *Handlers) Commits(ctx context.Context, job *models.Job) syncerr.Result {
	repo, err := h.repos.Get(ctx, job.RepoID)
	if err != nil {
		return syncerr.Result{Success: false, ErrorCategory: syncerr.CategoryRepoNotFound, Error: err.Error()}
	}

	payload, err := job.Payload()
	if err != nil {
		return syncerr.Result{Success: false, ErrorCategory: syncerr.CategoryContract, Error: "decode payload_json: " + err.Error()}
	}

	instanceKey := instanceKeyFor(repo, payload.GitLabInstance)
	if blocked := h.capacityCheck(ctx, repo, instanceKey); blocked != nil {
		return *blocked
	}

	cursorKey := kv.CursorKey(string(job.JobType), fmt.Sprintf("%d", job.RepoID))
	cursor := cursorFor(job, payload, func() string {
		cur, _, _ := h.cursors.GetCursor(ctx, cursorKey)
		if repo.RepoType == models.RepoTypeSVN && cur.Rev != nil {
			return fmt.Sprintf("%d", *cur.Rev)
		}
		return cur.CommitSHA
	})

	records, serr := h.fetcher.ListCommitsSince(ctx, repo, cursor, sourcefetcher.PageOpts{PageSize: defaultPageSize})
	h.recordOutcome(ctx, repo, instanceKey, serr)
	if serr != nil {
		return syncErrorResult(serr)
	}

	counts := syncerr.Counts{"synced_count": 0, "skipped_count": 0, "degraded_count": 0}
	var lastRef string
	for _, rec := range records {
		if err := h.upsertCommit(ctx, repo, rec); err != nil {
			h.logger.Error("upsert commit failed", logging.Fields{}.Component("handlers").JobID(job.JobID).Error(err).Zap()...)
			counts["degraded_count"]++
			continue
		}
		if err := h.insertPendingBlob(ctx, repo, rec.SHA); err != nil {
			h.logger.Error("insert pending blob failed", logging.Fields{}.Component("handlers").JobID(job.JobID).Error(err).Zap()...)
			counts["degraded_count"]++
			continue
		}
		counts["synced_count"]++
		lastRef = rec.SHA
	}

	result := syncerr.Result{Success: true, Counts: counts}
	if lastRef != "" {
		result.CursorAfter = cursorAfterFor(repo, lastRef)
	}
	if len(records) == 0 {
		result.Mode = "no_data"
	}
	return result
}

// cursorFor resolves the opaque cursor string ListCommitsSince expects: a
// backfill job uses its payload's window bound, an incremental job reads
// the persisted cursor via the supplied fallback.
func cursorFor(job *models.Job, payload models.BackfillPayload, fallback func() string) string {
	if job.Mode != models.ModeBackfill {
		return fallback()
	}
	switch payload.WindowType {
	case "revision":
		if payload.StartRev != nil {
			return fmt.Sprintf("%d", *payload.StartRev-1)
		}
	case "time":
		if payload.Since != nil {
			return payload.Since.Format(time.RFC3339)
		}
	}
	return fallback()
}

func cursorAfterFor(repo models.Repo, ref string) map[string]interface{} {
	if repo.RepoType == models.RepoTypeSVN {
		var rev int64
		fmt.Sscanf(ref, "%d", &rev)
		return map[string]interface{}{"rev": float64(rev)}
	}
	return map[string]interface{}{"commit_sha": ref}
}

func (h *Handlers) upsertCommit(ctx context.Context, repo models.Repo, rec sourcefetcher.CommitRecord) error {
	meta, err := json.Marshal(rec.Stats)
	if err != nil {
		return err
	}
	ts := time.Unix(rec.Timestamp, 0).UTC()

	if repo.RepoType == models.RepoTypeSVN {
		var rev int64
		fmt.Sscanf(rec.SHA, "%d", &rev)
		sourceID := fmt.Sprintf("svn:%d:%s", repo.RepoID, scmpath.NormalizeRevision("svn", rec.SHA))
		_, err := h.db.ExecContext(ctx, `
			INSERT INTO svn_revisions (repo_id, rev_num, source_id, author_raw, message, timestamp, meta_json, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
			ON CONFLICT (repo_id, rev_num) DO UPDATE
			SET author_raw = EXCLUDED.author_raw, message = EXCLUDED.message, meta_json = EXCLUDED.meta_json, updated_at = now()`,
			repo.RepoID, rev, sourceID, rec.Author, rec.Message, ts, meta)
		if err != nil {
			return dberrors.DatabaseError("upsert svn_revision", err)
		}
		return nil
	}

	sourceID := fmt.Sprintf("git:%d:%s", repo.RepoID, rec.SHA)
	_, err = h.db.ExecContext(ctx, `
		INSERT INTO git_commits (repo_id, commit_sha, source_id, author_raw, message, timestamp, meta_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (repo_id, commit_sha) DO UPDATE
		SET author_raw = EXCLUDED.author_raw, message = EXCLUDED.message, meta_json = EXCLUDED.meta_json, updated_at = now()`,
		repo.RepoID, rec.SHA, sourceID, rec.Author, rec.Message, ts, meta)
	if err != nil {
		return dberrors.DatabaseError("upsert git_commit", err)
	}
	return nil
}

// insertPendingBlob creates the pending patch_blobs row a commit/revision
// materializes into. sha256 is left empty until the materializer hashes the
// fetched diff — source_id is already unique per revOrSha, so an empty
// sha256 shared by every pending row of that source_id never collides with
// the (source_type, source_id, sha256) unique index.
func (h *Handlers) insertPendingBlob(ctx context.Context, repo models.Repo, revOrSha string) error {
	sourceType := string(repo.RepoType)
	revOrSha = scmpath.NormalizeRevision(sourceType, revOrSha)
	sourceID := fmt.Sprintf("%s:%d:%s", sourceType, repo.RepoID, revOrSha)
	meta := models.BlobMeta{MaterializeStatus: models.MaterializePending}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = h.db.ExecContext(ctx, `
		INSERT INTO patch_blobs (source_type, source_id, sha256, format, meta_json, created_at, updated_at)
		VALUES ($1, $2, '', $3, $4, now(), now())
		ON CONFLICT (source_type, source_id, sha256) DO NOTHING`,
		sourceType, sourceID, models.FormatDiff, raw)
	if err != nil {
		return dberrors.DatabaseError("insert pending patch_blob", err)
	}
	return nil
}

// MergeRequests handles gitlab_mrs: fetches MRs updated since the last
// cursor and upserts the mrs table.
func (h *Handlers) MergeRequests(ctx context.Context, job *models.Job) syncerr.Result {
	repo, err := h.repos.Get(ctx, job.RepoID)
	if err != nil {
		return syncerr.Result{Success: false, ErrorCategory: syncerr.CategoryRepoNotFound, Error: err.Error()}
	}
	payload, err := job.Payload()
	if err != nil {
		return syncerr.Result{Success: false, ErrorCategory: syncerr.CategoryContract, Error: "decode payload_json: " + err.Error()}
	}

	instanceKey := instanceKeyFor(repo, payload.GitLabInstance)
	if blocked := h.capacityCheck(ctx, repo, instanceKey); blocked != nil {
		return *blocked
	}

	cursorKey := kv.CursorKey(string(job.JobType), fmt.Sprintf("%d", job.RepoID))
	var since int64
	if job.Mode == models.ModeBackfill && payload.Since != nil {
		since = payload.Since.Unix()
	} else {
		cur, _, _ := h.cursors.GetCursor(ctx, cursorKey)
		if cur.Rev != nil {
			since = *cur.Rev
		}
	}

	mrs, serr := h.fetcher.ListMergeRequests(ctx, repo, since)
	h.recordOutcome(ctx, repo, instanceKey, serr)
	if serr != nil {
		return syncErrorResult(serr)
	}

	counts := syncerr.Counts{"synced_count": 0, "degraded_count": 0}
	var maxUpdated int64
	for _, rec := range mrs {
		if err := h.upsertMR(ctx, repo, rec); err != nil {
			h.logger.Error("upsert mr failed", logging.Fields{}.Component("handlers").JobID(job.JobID).Error(err).Zap()...)
			counts["degraded_count"]++
			continue
		}
		counts["synced_count"]++
		if rec.UpdatedAt > maxUpdated {
			maxUpdated = rec.UpdatedAt
		}
	}

	result := syncerr.Result{Success: true, Counts: counts}
	if maxUpdated > 0 {
		result.CursorAfter = map[string]interface{}{"rev": float64(maxUpdated)}
	}
	if len(mrs) == 0 {
		result.Mode = "no_data"
	}
	return result
}

func (h *Handlers) upsertMR(ctx context.Context, repo models.Repo, rec sourcefetcher.MRRecord) error {
	mrID := fmt.Sprintf("gitlab:%s:%d", repo.ProjectKey, rec.IID)
	meta, err := json.Marshal(map[string]string{"title": rec.Title})
	if err != nil {
		return err
	}
	_, err = h.db.ExecContext(ctx, `
		INSERT INTO mrs (mr_id, repo_id, iid, status, meta_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (mr_id) DO UPDATE
		SET status = EXCLUDED.status, meta_json = EXCLUDED.meta_json, updated_at = now()`,
		mrID, repo.RepoID, rec.IID, rec.State, meta)
	if err != nil {
		return dberrors.DatabaseError("upsert mr", err)
	}
	return nil
}

// ReviewEvents handles gitlab_reviews: enumerates the MRs already known for
// the repo and pulls each one's review events.
func (h *Handlers) ReviewEvents(ctx context.Context, job *models.Job) syncerr.Result {
	repo, err := h.repos.Get(ctx, job.RepoID)
	if err != nil {
		return syncerr.Result{Success: false, ErrorCategory: syncerr.CategoryRepoNotFound, Error: err.Error()}
	}
	payload, err := job.Payload()
	if err != nil {
		return syncerr.Result{Success: false, ErrorCategory: syncerr.CategoryContract, Error: "decode payload_json: " + err.Error()}
	}

	instanceKey := instanceKeyFor(repo, payload.GitLabInstance)
	if blocked := h.capacityCheck(ctx, repo, instanceKey); blocked != nil {
		return *blocked
	}

	var mrIIDs []struct {
		MRID string `db:"mr_id"`
		IID  int64  `db:"iid"`
	}
	if err := h.db.SelectContext(ctx, &mrIIDs, `SELECT mr_id, iid FROM mrs WHERE repo_id = $1 ORDER BY iid ASC`, repo.RepoID); err != nil {
		return syncerr.Result{Success: false, ErrorCategory: syncerr.CategoryException, Error: dberrors.DatabaseError("list mrs for repo", err).Error()}
	}

	counts := syncerr.Counts{"synced_count": 0, "degraded_count": 0}
	var maxTimestamp int64
	var lastErr *syncerr.SyncError
	for _, mr := range mrIIDs {
		events, serr := h.fetcher.ListReviewEvents(ctx, repo, mr.IID)
		if serr != nil {
			lastErr = serr
			counts["degraded_count"]++
			continue
		}
		for _, ev := range events {
			if err := h.upsertReviewEvent(ctx, mr.MRID, ev); err != nil {
				h.logger.Error("upsert review_event failed", logging.Fields{}.Component("handlers").JobID(job.JobID).Error(err).Zap()...)
				counts["degraded_count"]++
				continue
			}
			counts["synced_count"]++
			if ev.Timestamp > maxTimestamp {
				maxTimestamp = ev.Timestamp
			}
		}
	}
	h.recordOutcome(ctx, repo, instanceKey, lastErr)

	if lastErr != nil && counts["synced_count"] == 0 {
		return syncErrorResult(lastErr)
	}

	result := syncerr.Result{Success: true, Counts: counts}
	if maxTimestamp > 0 {
		result.CursorAfter = map[string]interface{}{"rev": float64(maxTimestamp)}
	}
	if len(mrIIDs) == 0 {
		result.Mode = "no_data"
	}
	return result
}

func (h *Handlers) upsertReviewEvent(ctx context.Context, mrID string, ev sourcefetcher.ReviewEventRecord) error {
	ts := time.Unix(ev.Timestamp, 0).UTC()
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO review_events (mr_id, source_event_id, kind, actor, timestamp, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (mr_id, source_event_id) DO NOTHING`,
		mrID, ev.EventID, ev.Kind, ev.Actor, ts)
	if err != nil {
		return dberrors.DatabaseError("insert review_event", err)
	}
	return nil
}
