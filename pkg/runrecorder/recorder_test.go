package runrecorder

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/onlyfeng/engram-sub004/pkg/models"
)

func TestRunRecorder(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "RunRecorder Suite")
}

var _ = Describe("Recorder", func() {
	var (
		mockDB *sqlx.DB
		mock   sqlmock.Sqlmock
		rec    *Recorder
		ctx    context.Context
	)

	BeforeEach(func() {
		rawDB, m, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		mockDB = sqlx.NewDb(rawDB, "sqlmock")
		mock = m
		rec = NewRecorder(mockDB)
		ctx = context.Background()
	})

	AfterEach(func() {
		mockDB.Close()
	})

	Describe("Start", func() {
		It("inserts a running row", func() {
			mock.ExpectExec(`INSERT INTO sync_runs`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := rec.Start(ctx, "run-1", 1, models.JobTypeGitLabCommits, models.ModeIncremental,
				json.RawMessage(`{"last_seen_sha":"abc"}`), map[string]string{"triggered_by": "scheduler"})
			Expect(err).ToNot(HaveOccurred())
		})
	})

	Describe("Finish", func() {
		It("accepts a valid completed payload", func() {
			mock.ExpectExec(`UPDATE sync_runs SET status`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := rec.Finish(ctx, "run-1", FinishPayload{
				Status: models.RunCompleted,
				Counts: Counts{"synced_count": 5, "skipped_count": 0},
			})
			Expect(err).ToNot(HaveOccurred())
		})

		It("accepts a no_data payload with no counts", func() {
			mock.ExpectExec(`UPDATE sync_runs SET status`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := rec.Finish(ctx, "run-1", FinishPayload{Status: models.RunNoData})
			Expect(err).ToNot(HaveOccurred())
		})

		It("accepts a failed payload with an error_category", func() {
			mock.ExpectExec(`UPDATE sync_runs SET status`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := rec.Finish(ctx, "run-1", FinishPayload{
				Status:       models.RunFailed,
				ErrorSummary: &ErrorSummary{ErrorCategory: "rate_limited"},
			})
			Expect(err).ToNot(HaveOccurred())
		})

		It("rewrites a failed payload missing error_summary as a contract_error", func() {
			mock.ExpectExec(`UPDATE sync_runs SET status`).
				WithArgs("run-1", models.RunFailed, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := rec.Finish(ctx, "run-1", FinishPayload{Status: models.RunFailed})
			Expect(err).ToNot(HaveOccurred())
		})

		It("rewrites an invalid status as a contract_error", func() {
			mock.ExpectExec(`UPDATE sync_runs SET status`).
				WithArgs("run-1", models.RunFailed, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := rec.Finish(ctx, "run-1", FinishPayload{Status: models.RunStatus("bogus")})
			Expect(err).ToNot(HaveOccurred())
		})

		It("rejects negative counts by rewriting as a contract_error", func() {
			mock.ExpectExec(`UPDATE sync_runs SET status`).
				WithArgs("run-1", models.RunFailed, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := rec.Finish(ctx, "run-1", FinishPayload{
				Status: models.RunCompleted,
				Counts: Counts{"synced_count": -1},
			})
			Expect(err).ToNot(HaveOccurred())
		})
	})

	Describe("contractErrorPayload", func() {
		It("always produces a failed status with error_category contract_error", func() {
			p := contractErrorPayload(errTest)
			Expect(p.Status).To(Equal(models.RunFailed))
			Expect(p.ErrorSummary.ErrorCategory).To(Equal(ContractErrorCategory))
		})
	})
})

var errTest = &testError{"invalid payload"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
