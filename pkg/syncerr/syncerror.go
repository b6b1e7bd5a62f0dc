package syncerr

import "fmt"

// SyncError is the closed, structured error record referenced throughout
// spec §4/§6/§9, replacing the dynamically-shaped error objects of the
// source system.
type SyncError struct {
	Category   ErrorCategory
	Message    string
	StatusCode int
	RetryAfter *int
	Endpoint   string
	Context    map[string]interface{}
}

func (e *SyncError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("[%s] %s", e.Category, e.Message)
	if e.Endpoint != "" {
		msg += " (endpoint: " + e.Endpoint + ")"
	}
	return msg
}

// Counts is the flat map of non-negative integer counters carried on a
// sync_result/run-finish payload (spec §4.G).
type Counts map[string]int64

// Result is the worker-visible outcome of a handler dispatch (spec §4.C/§4.I).
// Success is the only required field; on failure at least one of
// Error/ErrorCategory must be set.
type Result struct {
	Success       bool
	Error         string
	ErrorCategory ErrorCategory
	Counts        Counts
	RetryAfter    *int
	Mode          string
	CursorAfter   map[string]interface{}
}

// EffectiveCategory returns the category the worker should act on: the
// declared category if known, otherwise CategoryContract — "a buggy handler
// never prevents retries indefinitely" (spec §7).
func (r *Result) EffectiveCategory() ErrorCategory {
	if r.Success {
		return ""
	}
	if r.ErrorCategory == "" || !IsKnown(r.ErrorCategory) {
		return CategoryContract
	}
	return r.ErrorCategory
}
