package worker

import (
	"context"

	"github.com/onlyfeng/engram-sub004/pkg/sourcefetcher"
	"github.com/onlyfeng/engram-sub004/pkg/syncerr"
)

// WithAuthRetry calls fn with a freshly resolved credential, and on an
// auth_error result invalidates the credential and retries exactly once
// before surfacing the failure, per spec §4.I's worker-authentication
// contract: "a stale-token rotation doesn't burn a retry attempt."
func WithAuthRetry[T any](ctx context.Context, cred sourcefetcher.CredentialProvider, fn func(ctx context.Context, token string) (T, *syncerr.SyncError)) (T, *syncerr.SyncError) {
	var zero T

	token, err := cred.Get(ctx)
	if err != nil {
		return zero, &syncerr.SyncError{Category: syncerr.CategoryAuthMissing, Message: err.Error()}
	}

	result, serr := fn(ctx, token)
	if serr == nil || serr.Category != syncerr.CategoryAuthError {
		return result, serr
	}

	cred.Invalidate(ctx)
	token, err = cred.Get(ctx)
	if err != nil {
		return zero, &syncerr.SyncError{Category: syncerr.CategoryAuthMissing, Message: err.Error()}
	}
	return fn(ctx, token)
}
