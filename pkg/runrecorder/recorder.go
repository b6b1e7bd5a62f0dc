// Package runrecorder implements the sync_runs start/finish lifecycle of
// spec §4.G, including the run-finish payload contract validated before the
// row is written.
package runrecorder

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"

	"github.com/onlyfeng/engram-sub004/internal/dberrors"
	"github.com/onlyfeng/engram-sub004/pkg/models"
)

// ErrorSummary is the shape of sync_runs.error_summary_json.
type ErrorSummary struct {
	ErrorCategory string                 `json:"error_category" validate:"required"`
	Message       string                 `json:"message,omitempty"`
	Endpoint      string                 `json:"endpoint,omitempty"`
	StatusCode    int                    `json:"status_code,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
}

// Counts is the flat map of non-negative integer counters written to
// sync_runs.counts (synced_count, skipped_count, diff_count, bulk_count,
// degraded_count, total_requests, total_429_hits, timeout_count, ...).
type Counts map[string]int64

// FinishPayload is the run-finish contract of spec §4.G, validated before
// any database write.
type FinishPayload struct {
	Status        models.RunStatus `validate:"required,oneof=completed failed no_data"`
	CursorAfter   json.RawMessage
	Counts        Counts        `validate:"omitempty,dive,gte=0"`
	ErrorSummary  *ErrorSummary `validate:"required_if=Status failed"`
	Degradation   json.RawMessage
	LogbookItemID string
}

// ContractErrorCategory is written when a finish payload fails validation.
const ContractErrorCategory = "contract_error"

var validate = validator.New()

// Recorder is the repository over sync_runs.
type Recorder struct {
	db *sqlx.DB
}

func NewRecorder(db *sqlx.DB) *Recorder {
	return &Recorder{db: db}
}

// Start opens a sync_runs row for a job execution attempt.
func (r *Recorder) Start(ctx context.Context, runID string, repoID int64, jobType models.JobType, mode models.JobMode, cursorBefore json.RawMessage, meta interface{}) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return dberrors.FailedToWithDetails("encode run meta", "runrecorder", runID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sync_runs (run_id, repo_id, job_type, mode, started_at,
		                        cursor_before, meta_json, status)
		VALUES ($1, $2, $3, $4, now(), $5, $6, 'running')`,
		runID, repoID, jobType, mode, cursorBefore, metaJSON)
	if err != nil {
		return dberrors.DatabaseError("start run", err)
	}
	return nil
}

// Finish closes a sync_runs row. A payload that fails the run-finish
// contract is not rejected: the run is written with status='failed' and
// error_category='contract_error', per spec §4.G.
func (r *Recorder) Finish(ctx context.Context, runID string, payload FinishPayload) error {
	if err := validate.Struct(payload); err != nil {
		payload = contractErrorPayload(err)
	}
	if payload.Status == models.RunCompleted && payload.ErrorSummary == nil {
		if payload.Counts == nil {
			payload.Counts = Counts{}
		}
	}

	countsJSON, err := json.Marshal(payload.Counts)
	if err != nil {
		return dberrors.FailedToWithDetails("encode run counts", "runrecorder", runID, err)
	}
	var errorSummaryJSON []byte
	if payload.ErrorSummary != nil {
		errorSummaryJSON, err = json.Marshal(payload.ErrorSummary)
		if err != nil {
			return dberrors.FailedToWithDetails("encode error summary", "runrecorder", runID, err)
		}
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE sync_runs SET status = $2, finished_at = now(), cursor_after = $3,
		                     counts = $4, error_summary_json = $5,
		                     degradation_json = $6, logbook_item_id = $7
		WHERE run_id = $1`,
		runID, payload.Status, payload.CursorAfter, countsJSON, errorSummaryJSON,
		payload.Degradation, nullableString(payload.LogbookItemID))
	if err != nil {
		return dberrors.DatabaseError("finish run", err)
	}
	return nil
}

// contractErrorPayload builds the fallback payload written when a
// run-finish payload fails validation.
func contractErrorPayload(cause error) FinishPayload {
	return FinishPayload{
		Status: models.RunFailed,
		ErrorSummary: &ErrorSummary{
			ErrorCategory: ContractErrorCategory,
			Message:       cause.Error(),
		},
	}
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// StartedAt reads the started_at of a run.
func (r *Recorder) StartedAt(ctx context.Context, runID string) (time.Time, error) {
	var t time.Time
	err := r.db.GetContext(ctx, &t, `SELECT started_at FROM sync_runs WHERE run_id = $1`, runID)
	if err != nil {
		return time.Time{}, dberrors.DatabaseError("read run started_at", err)
	}
	return t, nil
}
