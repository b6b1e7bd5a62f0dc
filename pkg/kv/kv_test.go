package kv

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
)

func TestKV(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "KV Suite")
}

var _ = Describe("Store", func() {
	var (
		mockDB *sqlx.DB
		mock   sqlmock.Sqlmock
		store  *Store
		ctx    context.Context
	)

	BeforeEach(func() {
		rawDB, m, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		mockDB = sqlx.NewDb(rawDB, "sqlmock")
		mock = m
		store = NewStore(mockDB)
		ctx = context.Background()
	})

	AfterEach(func() {
		mockDB.Close()
	})

	Describe("Get", func() {
		It("returns ok=false when no row exists", func() {
			mock.ExpectQuery(`SELECT value_json FROM kv WHERE namespace = \$1 AND key = \$2`).
				WithArgs(NamespaceCursor, "gitlab_commits_cursor:1").
				WillReturnError(sql.ErrNoRows)

			_, ok, err := store.Get(ctx, NamespaceCursor, "gitlab_commits_cursor:1")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("returns the stored JSON value", func() {
			payload := json.RawMessage(`{"commit_sha":"abc123"}`)
			mock.ExpectQuery(`SELECT value_json FROM kv WHERE namespace = \$1 AND key = \$2`).
				WithArgs(NamespaceCursor, "gitlab_commits_cursor:1").
				WillReturnRows(sqlmock.NewRows([]string{"value_json"}).AddRow([]byte(payload)))

			value, ok, err := store.Get(ctx, NamespaceCursor, "gitlab_commits_cursor:1")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(string(value)).To(ContainSubstring("abc123"))
		})
	})

	Describe("Set", func() {
		It("upserts by (namespace, key)", func() {
			mock.ExpectExec(`INSERT INTO kv`).
				WithArgs(NamespaceHealth, "proj:global", sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := store.Set(ctx, NamespaceHealth, "proj:global", json.RawMessage(`{"state":"closed"}`))
			Expect(err).ToNot(HaveOccurred())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("Cursor codec", func() {
		It("round-trips through GetCursor/SetCursor", func() {
			now := time.Now()
			c := Cursor{CommitSHA: "deadbeef", UpdatedAt: now}
			encoded, err := json.Marshal(c)
			Expect(err).ToNot(HaveOccurred())

			mock.ExpectExec(`INSERT INTO kv`).
				WithArgs(NamespaceCursor, "gitlab_commits_cursor:1", sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))
			Expect(store.SetCursor(ctx, "gitlab_commits_cursor:1", c)).To(Succeed())

			mock.ExpectQuery(`SELECT value_json FROM kv`).
				WithArgs(NamespaceCursor, "gitlab_commits_cursor:1").
				WillReturnRows(sqlmock.NewRows([]string{"value_json"}).AddRow([]byte(encoded)))
			got, ok, err := store.GetCursor(ctx, "gitlab_commits_cursor:1")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(got.CommitSHA).To(Equal("deadbeef"))
		})
	})
})
