package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/onlyfeng/engram-sub004/pkg/models"
)

func TestQueue(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Queue Suite")
}

var jobCols = []string{
	"job_id", "repo_id", "job_type", "mode", "priority", "status", "attempts",
	"max_attempts", "not_before", "locked_by", "locked_at", "lease_seconds",
	"last_error", "last_run_id", "payload_json", "created_at", "updated_at",
}

var _ = Describe("Queue", func() {
	var (
		mockDB *sqlx.DB
		mock   sqlmock.Sqlmock
		q      *Queue
		ctx    context.Context
	)

	BeforeEach(func() {
		rawDB, m, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		mockDB = sqlx.NewDb(rawDB, "sqlmock")
		mock = m
		q = NewQueue(mockDB, nil)
		ctx = context.Background()
	})

	AfterEach(func() {
		mockDB.Close()
	})

	Describe("Enqueue", func() {
		It("returns the new job_id on success", func() {
			mock.ExpectQuery(`INSERT INTO sync_jobs`).
				WillReturnRows(sqlmock.NewRows([]string{"job_id"}).AddRow("job-123"))

			id, err := q.Enqueue(ctx, 1, models.JobTypeGitLabCommits, models.ModeIncremental, EnqueueParams{})
			Expect(err).ToNot(HaveOccurred())
			Expect(id).To(Equal("job-123"))
		})

		It("returns empty string when a pending/running row already exists", func() {
			mock.ExpectQuery(`INSERT INTO sync_jobs`).
				WillReturnError(sql.ErrNoRows)

			id, err := q.Enqueue(ctx, 1, models.JobTypeGitLabCommits, models.ModeIncremental, EnqueueParams{})
			Expect(err).ToNot(HaveOccurred())
			Expect(id).To(Equal(""))
		})
	})

	Describe("Claim", func() {
		It("returns nil when no claimable job exists", func() {
			mock.ExpectQuery(`WITH c AS`).WillReturnError(sql.ErrNoRows)

			job, err := q.Claim(ctx, "worker-1", ClaimParams{})
			Expect(err).ToNot(HaveOccurred())
			Expect(job).To(BeNil())
		})

		It("returns the claimed job", func() {
			now := time.Now()
			mock.ExpectQuery(`WITH c AS`).
				WillReturnRows(sqlmock.NewRows(jobCols).
					AddRow("job-1", int64(1), "gitlab_commits", "incremental", 100, "running", 1, 3,
						now, "worker-1", now, 300, nil, nil, json.RawMessage(`{}`), now, now))

			job, err := q.Claim(ctx, "worker-1", ClaimParams{JobTypes: []models.JobType{models.JobTypeGitLabCommits}})
			Expect(err).ToNot(HaveOccurred())
			Expect(job).ToNot(BeNil())
			Expect(job.JobID).To(Equal("job-1"))
			Expect(job.Status).To(Equal(models.JobRunning))
		})
	})

	Describe("Ack", func() {
		It("succeeds when the lease is still held", func() {
			mock.ExpectExec(`UPDATE sync_jobs SET status = 'completed'`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			runID := "run-1"
			Expect(q.Ack(ctx, "job-1", "worker-1", &runID)).To(Succeed())
		})

		It("errors when the lease is no longer held", func() {
			mock.ExpectExec(`UPDATE sync_jobs SET status = 'completed'`).
				WillReturnResult(sqlmock.NewResult(0, 0))

			err := q.Ack(ctx, "job-1", "worker-1", nil)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("FailRetry", func() {
		It("transitions to dead when attempts reach max_attempts", func() {
			mock.ExpectQuery(`SELECT attempts, max_attempts FROM sync_jobs`).
				WillReturnRows(sqlmock.NewRows([]string{"attempts", "max_attempts"}).AddRow(3, 3))
			mock.ExpectExec(`UPDATE sync_jobs SET status = 'dead'`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(q.FailRetry(ctx, "job-1", "worker-1", "boom", nil)).To(Succeed())
		})

		It("retries with exponential backoff when attempts remain", func() {
			mock.ExpectQuery(`SELECT attempts, max_attempts FROM sync_jobs`).
				WillReturnRows(sqlmock.NewRows([]string{"attempts", "max_attempts"}).AddRow(1, 3))
			mock.ExpectExec(`UPDATE sync_jobs SET status = 'failed'`).
				WithArgs("job-1", "worker-1", "boom", 60).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(q.FailRetry(ctx, "job-1", "worker-1", "boom", nil)).To(Succeed())
		})

		It("redacts the error message before persisting", func() {
			mock.ExpectQuery(`SELECT attempts, max_attempts FROM sync_jobs`).
				WillReturnRows(sqlmock.NewRows([]string{"attempts", "max_attempts"}).AddRow(1, 3))
			mock.ExpectExec(`UPDATE sync_jobs SET status = 'failed'`).
				WithArgs("job-1", "worker-1", sqlmock.AnyArg(), 60).
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := q.FailRetry(ctx, "job-1", "worker-1", "token=sk-live-abc123", nil)
			Expect(err).ToNot(HaveOccurred())
		})
	})

	Describe("MarkDead", func() {
		It("forces a transition from running to dead", func() {
			mock.ExpectExec(`UPDATE sync_jobs SET status = 'dead'`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(q.MarkDead(ctx, "job-1", "worker-1", "fatal error")).To(Succeed())
		})
	})

	Describe("RequeueWithoutPenalty", func() {
		It("decrements the attempts counter and returns to pending", func() {
			mock.ExpectExec(`UPDATE sync_jobs SET status = 'pending'`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(q.RequeueWithoutPenalty(ctx, "job-1", "worker-1", "advisory lock held elsewhere", 5)).To(Succeed())
		})
	})

	Describe("RenewLease", func() {
		It("bumps locked_at without changing lease_seconds when omitted", func() {
			mock.ExpectExec(`UPDATE sync_jobs SET locked_at = now\(\), updated_at = now\(\)`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(q.RenewLease(ctx, "job-1", "worker-1", nil)).To(Succeed())
		})

		It("updates lease_seconds when provided", func() {
			leaseSeconds := 600
			mock.ExpectExec(`UPDATE sync_jobs SET locked_at = now\(\), lease_seconds = \$3`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(q.RenewLease(ctx, "job-1", "worker-1", &leaseSeconds)).To(Succeed())
		})
	})

	Describe("defaultBackoffSeconds", func() {
		It("implements 60 * 2^(attempts-1)", func() {
			Expect(defaultBackoffSeconds(1)).To(Equal(60))
			Expect(defaultBackoffSeconds(2)).To(Equal(120))
			Expect(defaultBackoffSeconds(3)).To(Equal(240))
		})
	})
})
