// Package syncerr implements the closed error taxonomy from spec §4.C: an
// enumerated ErrorCategory, classification rules against arbitrary errors or
// HTTP status codes, and the default transient backoff table.
package syncerr

import "time"

// ErrorCategory is a closed enumeration. Result.EffectiveCategory turns a
// value outside it into CategoryContract, which the worker retries as
// transient with the default backoff rather than rejecting the result outright.
type ErrorCategory string

const (
	// Permanent categories — terminate the job after a single attempt.
	CategoryAuthError       ErrorCategory = "auth_error"
	CategoryAuthMissing     ErrorCategory = "auth_missing"
	CategoryAuthInvalid     ErrorCategory = "auth_invalid"
	CategoryRepoNotFound    ErrorCategory = "repo_not_found"
	CategoryRepoTypeUnknown ErrorCategory = "repo_type_unknown"
	CategoryPermissionDenied ErrorCategory = "permission_denied"

	// Transient categories — retried with a category-default backoff.
	CategoryRateLimit  ErrorCategory = "rate_limit"
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryNetwork    ErrorCategory = "network"
	CategoryServerError ErrorCategory = "server_error"
	CategoryConnection ErrorCategory = "connection"
	CategoryLeaseLost  ErrorCategory = "lease_lost"

	// Other categories.
	CategoryException        ErrorCategory = "exception"
	CategoryUnknown          ErrorCategory = "unknown"
	CategoryUnknownJobType   ErrorCategory = "unknown_job_type"
	CategoryLockHeld         ErrorCategory = "lock_held"
	CategoryContract         ErrorCategory = "contract_error"
	CategoryValidation       ErrorCategory = "validation_error"
	CategoryContentTooLarge  ErrorCategory = "content_too_large"
	CategoryParseError       ErrorCategory = "parse_error"
)

var permanentCategories = map[ErrorCategory]bool{
	CategoryAuthError:        true,
	CategoryAuthMissing:      true,
	CategoryAuthInvalid:      true,
	CategoryRepoNotFound:     true,
	CategoryRepoTypeUnknown:  true,
	CategoryPermissionDenied: true,
}

var transientCategories = map[ErrorCategory]bool{
	CategoryRateLimit:   true,
	CategoryTimeout:     true,
	CategoryNetwork:     true,
	CategoryServerError: true,
	CategoryConnection:  true,
	CategoryLeaseLost:   true,
}

// IsPermanent reports whether a category terminates the job without retry.
func IsPermanent(c ErrorCategory) bool { return permanentCategories[c] }

// IsTransient reports whether a category is retried with a default backoff.
func IsTransient(c ErrorCategory) bool { return transientCategories[c] }

// IsKnown reports whether c is a member of the closed enumeration.
func IsKnown(c ErrorCategory) bool {
	switch c {
	case CategoryAuthError, CategoryAuthMissing, CategoryAuthInvalid, CategoryRepoNotFound,
		CategoryRepoTypeUnknown, CategoryPermissionDenied, CategoryRateLimit, CategoryTimeout,
		CategoryNetwork, CategoryServerError, CategoryConnection, CategoryLeaseLost,
		CategoryException, CategoryUnknown, CategoryUnknownJobType, CategoryLockHeld,
		CategoryContract, CategoryValidation, CategoryContentTooLarge, CategoryParseError:
		return true
	default:
		return false
	}
}

// defaultBackoffs are the category-default transient backoffs in seconds,
// per spec §4.C. Categories absent from this table use defaultBackoffSeconds.
var defaultBackoffs = map[ErrorCategory]int{
	CategoryRateLimit:   120,
	CategoryTimeout:     30,
	CategoryServerError: 90,
	CategoryNetwork:     60,
	CategoryConnection:  45,
	CategoryLeaseLost:   0,
}

const defaultBackoffSeconds = 60

// DefaultBackoff returns the category-default backoff duration, overridden by
// retryAfter when it is present and positive.
func DefaultBackoff(c ErrorCategory, retryAfter *int) time.Duration {
	if retryAfter != nil && *retryAfter > 0 {
		return time.Duration(*retryAfter) * time.Second
	}
	secs, ok := defaultBackoffs[c]
	if !ok {
		secs = defaultBackoffSeconds
	}
	return time.Duration(secs) * time.Second
}
