package repos

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/onlyfeng/engram-sub004/pkg/models"
)

func TestGet(t *testing.T) {
	rawDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer rawDB.Close()
	db := sqlx.NewDb(rawDB, "sqlmock")

	now := time.Now()
	mock.ExpectQuery(`SELECT repo_id, repo_type, url, project_key, default_branch, created_at, updated_at\s+FROM repos`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"repo_id", "repo_type", "url", "project_key", "default_branch", "created_at", "updated_at"}).
			AddRow(int64(1), "git", "https://example.com/repo.git", "proj", "main", now, now))

	s := NewStore(db)
	repo, err := s.Get(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if repo.RepoType != models.RepoTypeGit || repo.ProjectKey != "proj" {
		t.Fatalf("got %+v", repo)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestList(t *testing.T) {
	rawDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer rawDB.Close()
	db := sqlx.NewDb(rawDB, "sqlmock")

	now := time.Now()
	mock.ExpectQuery(`SELECT repo_id, repo_type, url, project_key, default_branch, created_at, updated_at\s+FROM repos`).
		WillReturnRows(sqlmock.NewRows([]string{"repo_id", "repo_type", "url", "project_key", "default_branch", "created_at", "updated_at"}).
			AddRow(int64(1), "git", "https://example.com/a.git", "a", "main", now, now).
			AddRow(int64(2), "svn", "svn://example.com/b", "b", "trunk", now, now))

	s := NewStore(db)
	out, err := s.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d repos", len(out))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
