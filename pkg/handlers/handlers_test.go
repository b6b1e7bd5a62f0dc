package handlers

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/onlyfeng/engram-sub004/pkg/breaker"
	"github.com/onlyfeng/engram-sub004/pkg/kv"
	"github.com/onlyfeng/engram-sub004/pkg/models"
	"github.com/onlyfeng/engram-sub004/pkg/ratelimit"
	"github.com/onlyfeng/engram-sub004/pkg/repos"
	"github.com/onlyfeng/engram-sub004/pkg/sourcefetcher"
	"github.com/onlyfeng/engram-sub004/pkg/syncerr"
)

func TestHandlers(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Handlers Suite")
}

var sqlErrNoRows = sql.ErrNoRows

// fakeFetcher is a canned SourceFetcher for handler-level tests.
type fakeFetcher struct {
	commits      []sourcefetcher.CommitRecord
	commitsErr   *syncerr.SyncError
	mrs          []sourcefetcher.MRRecord
	reviewEvents map[int64][]sourcefetcher.ReviewEventRecord
}

func (f *fakeFetcher) FetchCommitDiff(ctx context.Context, repo models.Repo, sha string) ([]byte, *syncerr.SyncError) {
	return nil, nil
}
func (f *fakeFetcher) FetchSVNDiff(ctx context.Context, repo models.Repo, rev string) ([]byte, *syncerr.SyncError) {
	return nil, nil
}
func (f *fakeFetcher) ListCommitsSince(ctx context.Context, repo models.Repo, cursor string, page sourcefetcher.PageOpts) ([]sourcefetcher.CommitRecord, *syncerr.SyncError) {
	return f.commits, f.commitsErr
}
func (f *fakeFetcher) ListMergeRequests(ctx context.Context, repo models.Repo, since int64) ([]sourcefetcher.MRRecord, *syncerr.SyncError) {
	return f.mrs, nil
}
func (f *fakeFetcher) ListReviewEvents(ctx context.Context, repo models.Repo, mrIID int64) ([]sourcefetcher.ReviewEventRecord, *syncerr.SyncError) {
	return f.reviewEvents[mrIID], nil
}

var repoCols = []string{"repo_id", "repo_type", "url", "project_key", "default_branch", "created_at", "updated_at"}

func newTestHandlers(fetcher sourcefetcher.SourceFetcher) (*Handlers, sqlmock.Sqlmock, *sql.DB) {
	rawDB, mock, err := sqlmock.New()
	Expect(err).NotTo(HaveOccurred())
	db := sqlx.NewDb(rawDB, "sqlmock")

	repoStore := repos.NewStore(db)
	breakerReg := breaker.NewRegistry(kv.NewStore(db), breaker.DefaultThresholds())
	limiter := ratelimit.NewLimiter(nil, ratelimit.NewBucket(db), 10, 10)
	cursors := kv.NewStore(db)

	h := NewHandlers(db, repoStore, fetcher, breakerReg, limiter, cursors, nil)
	return h, mock, rawDB
}

func expectRepoLookup(mock sqlmock.Sqlmock, repoID int64, repoType string) {
	now := time.Now()
	mock.ExpectQuery(`SELECT repo_id, repo_type, url, project_key, default_branch, created_at, updated_at\s+FROM repos`).
		WithArgs(repoID).
		WillReturnRows(sqlmock.NewRows(repoCols).AddRow(repoID, repoType, "https://example.com/r.git", "proj", "main", now, now))
}

// expectFreshBucketConsume mocks the Consume() path for an instance_key with
// no existing sync_rate_limits row: SELECT ... FOR UPDATE misses, so Consume
// inserts the initial row and allows the call.
func expectFreshBucketConsume(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT instance_key, tokens, rate, burst, updated_at, paused_until`).
		WillReturnError(sqlErrNoRows)
	mock.ExpectExec(`INSERT INTO sync_rate_limits`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func expectClearPause(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`UPDATE sync_rate_limits[\s\S]*consecutive_429_count`).WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectCursorMiss(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT value_json FROM kv`).WillReturnError(sqlErrNoRows)
}

var _ = Describe("Handlers.Commits", func() {
	It("upserts git_commits and pending patch_blobs rows on success", func() {
		fetcher := &fakeFetcher{commits: []sourcefetcher.CommitRecord{
			{SHA: "abc1234", Author: "alice", Message: "fix", Timestamp: time.Now().Unix()},
		}}
		h, mock, rawDB := newTestHandlers(fetcher)
		defer rawDB.Close()

		expectRepoLookup(mock, 1, "git")
		expectFreshBucketConsume(mock)
		expectCursorMiss(mock)
		expectClearPause(mock)
		mock.ExpectExec(`INSERT INTO git_commits`).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`INSERT INTO patch_blobs`).WillReturnResult(sqlmock.NewResult(1, 1))

		job := &models.Job{JobID: "job-1", RepoID: 1, JobType: models.JobTypeGitLabCommits, Mode: models.ModeIncremental, PayloadJSON: []byte(`{}`)}
		result := h.Commits(context.Background(), job)

		Expect(result.Success).To(BeTrue())
		Expect(result.Counts["synced_count"]).To(Equal(int64(1)))
		Expect(result.CursorAfter).To(HaveKeyWithValue("commit_sha", "abc1234"))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("returns a lock_held result without calling the fetcher when the breaker is open", func() {
		h, mock, rawDB := newTestHandlers(&fakeFetcher{})
		defer rawDB.Close()

		// one recorded failure trips the breaker open (failedRate 1.0 > 0.5
		// default threshold), persisting the open state to kv.
		mock.ExpectExec(`INSERT INTO kv`).WillReturnResult(sqlmock.NewResult(0, 1))

		key := breaker.ScopeKey("proj", breaker.ScopeInstance, "gitlab:https://example.com/r.git")
		h.breaker.RecordResult(context.Background(), key, false)

		expectRepoLookup(mock, 1, "git")

		job := &models.Job{JobID: "job-2", RepoID: 1, JobType: models.JobTypeGitLabCommits, Mode: models.ModeIncremental, PayloadJSON: []byte(`{}`)}
		result := h.Commits(context.Background(), job)
		Expect(result.Success).To(BeFalse())
		Expect(result.ErrorCategory).To(Equal(syncerr.CategoryLockHeld))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})

var _ = Describe("Handlers.MergeRequests", func() {
	It("upserts mrs rows and advances the cursor to the latest updated_at", func() {
		fetcher := &fakeFetcher{mrs: []sourcefetcher.MRRecord{
			{IID: 7, Title: "add feature", State: "opened", UpdatedAt: 1700000000},
		}}
		h, mock, rawDB := newTestHandlers(fetcher)
		defer rawDB.Close()

		expectRepoLookup(mock, 2, "git")
		expectFreshBucketConsume(mock)
		expectCursorMiss(mock)
		expectClearPause(mock)
		mock.ExpectExec(`INSERT INTO mrs`).WillReturnResult(sqlmock.NewResult(1, 1))

		job := &models.Job{JobID: "job-3", RepoID: 2, JobType: models.JobTypeGitLabMRs, Mode: models.ModeIncremental, PayloadJSON: []byte(`{}`)}
		result := h.MergeRequests(context.Background(), job)

		Expect(result.Success).To(BeTrue())
		Expect(result.Counts["synced_count"]).To(Equal(int64(1)))
		Expect(result.CursorAfter).To(HaveKeyWithValue("rev", float64(1700000000)))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})

var _ = Describe("Handlers.ReviewEvents", func() {
	It("pulls review events for every known MR and dedups on (mr_id, source_event_id)", func() {
		fetcher := &fakeFetcher{reviewEvents: map[int64][]sourcefetcher.ReviewEventRecord{
			9: {{EventID: "ev-1", Kind: "approved", Actor: "bob", Timestamp: 1700000100}},
		}}
		h, mock, rawDB := newTestHandlers(fetcher)
		defer rawDB.Close()

		expectRepoLookup(mock, 3, "git")
		expectFreshBucketConsume(mock)
		mock.ExpectQuery(`SELECT mr_id, iid FROM mrs WHERE repo_id = \$1`).
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"mr_id", "iid"}).AddRow("gitlab:proj:9", int64(9)))
		mock.ExpectExec(`INSERT INTO review_events`).WillReturnResult(sqlmock.NewResult(1, 1))
		expectClearPause(mock)

		job := &models.Job{JobID: "job-4", RepoID: 3, JobType: models.JobTypeGitLabReviews, Mode: models.ModeIncremental, PayloadJSON: []byte(`{}`)}
		result := h.ReviewEvents(context.Background(), job)

		Expect(result.Success).To(BeTrue())
		Expect(result.Counts["synced_count"]).To(Equal(int64(1)))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})
