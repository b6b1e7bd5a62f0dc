package syncerr

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
)

var (
	timeoutRe    = regexp.MustCompile(`(?i)timeout|timed out`)
	connectionRe = regexp.MustCompile(`(?i)connection (refused|reset)`)
	unauthRe     = regexp.MustCompile(`(?i)unauthorized`)
	forbiddenRe  = regexp.MustCompile(`(?i)forbidden`)
	notFoundRe   = regexp.MustCompile(`(?i)not found`)
	rateLimitRe  = regexp.MustCompile(`(?i)rate.?limit|too many requests`)
)

// Classification is the result of classifying an arbitrary error/response
// against the rules in spec §4.C.
type Classification struct {
	Category   ErrorCategory
	StatusCode int
}

// Classify applies the ordered rule table from spec §4.C against an error
// and an optional HTTP status code (0 if not applicable).
func Classify(err error, statusCode int) Classification {
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{Category: CategoryTimeout, StatusCode: statusCode}
	}
	if errors.Is(err, context.DeadlineExceeded) || timeoutRe.MatchString(msg) {
		return Classification{Category: CategoryTimeout, StatusCode: statusCode}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) || connectionRe.MatchString(msg) {
		return Classification{Category: CategoryConnection, StatusCode: statusCode}
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return Classification{Category: CategoryAuthError, StatusCode: statusCode}
	case http.StatusForbidden:
		return Classification{Category: CategoryPermissionDenied, StatusCode: statusCode}
	case http.StatusNotFound:
		return Classification{Category: CategoryRepoNotFound, StatusCode: statusCode}
	case http.StatusTooManyRequests:
		return Classification{Category: CategoryRateLimit, StatusCode: statusCode}
	}

	if statusCode >= 500 && statusCode < 600 {
		return Classification{Category: CategoryServerError, StatusCode: statusCode}
	}

	switch {
	case unauthRe.MatchString(msg):
		return Classification{Category: CategoryAuthError, StatusCode: statusCode}
	case forbiddenRe.MatchString(msg):
		return Classification{Category: CategoryPermissionDenied, StatusCode: statusCode}
	case notFoundRe.MatchString(msg):
		return Classification{Category: CategoryRepoNotFound, StatusCode: statusCode}
	case rateLimitRe.MatchString(msg):
		return Classification{Category: CategoryRateLimit, StatusCode: statusCode}
	}

	if msg == "" {
		return Classification{Category: CategoryUnknown, StatusCode: statusCode}
	}
	return Classification{Category: CategoryException, StatusCode: statusCode}
}
