// Package sourcefetcher defines the external collaborators consumed (not
// implemented) by the core: the upstream SCM protocol adapter and the
// credential provider it authenticates against (spec §6).
package sourcefetcher

import (
	"context"

	"github.com/onlyfeng/engram-sub004/pkg/models"
	"github.com/onlyfeng/engram-sub004/pkg/syncerr"
)

// PageOpts bounds a single page of a list operation.
type PageOpts struct {
	PageSize int
	Cursor   string
}

// CommitRecord is one entry returned by ListCommitsSince.
type CommitRecord struct {
	SHA       string
	Author    string
	Message   string
	Timestamp int64
	Stats     map[string]int
}

// MRRecord is one entry returned by ListMergeRequests.
type MRRecord struct {
	IID       int64
	Title     string
	State     string
	UpdatedAt int64
}

// ReviewEventRecord is one entry returned by ListReviewEvents.
type ReviewEventRecord struct {
	EventID   string
	Kind      string
	Actor     string
	Timestamp int64
}

// SourceFetcher is the capability the worker dispatches job execution
// through. Implementations talk to the real upstream (GitLab REST, SVN CLI);
// this package only names the contract.
type SourceFetcher interface {
	FetchCommitDiff(ctx context.Context, repo models.Repo, sha string) ([]byte, *syncerr.SyncError)
	FetchSVNDiff(ctx context.Context, repo models.Repo, rev string) ([]byte, *syncerr.SyncError)
	ListCommitsSince(ctx context.Context, repo models.Repo, cursor string, page PageOpts) ([]CommitRecord, *syncerr.SyncError)
	ListMergeRequests(ctx context.Context, repo models.Repo, since int64) ([]MRRecord, *syncerr.SyncError)
	ListReviewEvents(ctx context.Context, repo models.Repo, mrIID int64) ([]ReviewEventRecord, *syncerr.SyncError)
}

// CredentialProvider resolves and rotates an upstream auth token. Instances
// are resolved per (repo_type, instance, tenant) with a documented fallback
// chain (config value → GITLAB_TOKEN → GITLAB_PRIVATE_TOKEN for GitLab;
// SVN_USERNAME/SVN_PASSWORD or a configured password_env for SVN).
type CredentialProvider interface {
	Get(ctx context.Context) (string, error)
	Invalidate(ctx context.Context)
}
