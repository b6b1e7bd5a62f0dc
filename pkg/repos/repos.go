// Package repos is the minimal repository over the repos table — the
// (repo_type, url, project_key) lookup every job handler and the
// materializer need to resolve a sync_jobs.repo_id into the shape their
// upstream calls and artifact paths require.
package repos

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/onlyfeng/engram-sub004/internal/dberrors"
	"github.com/onlyfeng/engram-sub004/pkg/models"
)

// Store is the repository over repos.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Get fetches a single repo row by ID.
func (s *Store) Get(ctx context.Context, repoID int64) (models.Repo, error) {
	var repo models.Repo
	err := s.db.GetContext(ctx, &repo, `
		SELECT repo_id, repo_type, url, project_key, default_branch, created_at, updated_at
		FROM repos WHERE repo_id = $1`, repoID)
	if err != nil {
		return models.Repo{}, dberrors.DatabaseError("get repo", err)
	}
	return repo, nil
}

// List returns all repos, used by the scheduler/runner to discover what to
// enqueue incremental jobs for.
func (s *Store) List(ctx context.Context) ([]models.Repo, error) {
	var out []models.Repo
	err := s.db.SelectContext(ctx, &out, `
		SELECT repo_id, repo_type, url, project_key, default_branch, created_at, updated_at
		FROM repos ORDER BY repo_id ASC`)
	if err != nil {
		return nil, dberrors.DatabaseError("list repos", err)
	}
	return out, nil
}
