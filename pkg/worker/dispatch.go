package worker

import (
	"context"
	"fmt"

	"github.com/onlyfeng/engram-sub004/pkg/models"
	"github.com/onlyfeng/engram-sub004/pkg/syncerr"
)

// Handler executes one job and returns its result. Handlers should prefer
// returning a failed Result over panicking; a panic is still caught and
// classified by Dispatcher.Dispatch, but loses any partial counts.
type Handler func(ctx context.Context, job *models.Job) syncerr.Result

var knownJobTypes = map[models.JobType]bool{
	models.JobTypeGitLabCommits: true,
	models.JobTypeGitLabMRs:     true,
	models.JobTypeGitLabReviews: true,
	models.JobTypeSVN:           true,
}

// Dispatcher maps job_type to a Handler.
type Dispatcher struct {
	handlers map[models.JobType]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[models.JobType]Handler{}}
}

// Register binds a handler to a job_type, overwriting any prior binding.
func (d *Dispatcher) Register(jobType models.JobType, h Handler) {
	d.handlers[jobType] = h
}

// Dispatch routes job to its registered handler per spec §4.I: an unknown
// job_type returns unknown_job_type; a known type with no registered handler
// returns contract_error; a handler panic is caught and classified.
func (d *Dispatcher) Dispatch(ctx context.Context, job *models.Job) (result syncerr.Result) {
	if !knownJobTypes[job.JobType] {
		return syncerr.Result{Success: false, ErrorCategory: syncerr.CategoryUnknownJobType,
			Error: fmt.Sprintf("unrecognized job_type %q", job.JobType)}
	}
	handler, ok := d.handlers[job.JobType]
	if !ok {
		return syncerr.Result{Success: false, ErrorCategory: syncerr.CategoryContract,
			Error: fmt.Sprintf("no handler registered for job_type %q", job.JobType)}
	}

	defer func() {
		if r := recover(); r != nil {
			class := syncerr.Classify(fmt.Errorf("%v", r), 0)
			result = syncerr.Result{Success: false, ErrorCategory: class.Category,
				Error: fmt.Sprintf("handler panic: %v", r)}
		}
	}()

	return handler(ctx, job)
}

// EffectiveBackoff resolves the retry delay for a failed result: the
// handler's retry_after when positive, otherwise the category default
// (spec §4.I "retry_after precedence").
func EffectiveBackoff(result syncerr.Result) int {
	category := result.EffectiveCategory()
	backoff := syncerr.DefaultBackoff(category, result.RetryAfter)
	return int(backoff.Seconds())
}
