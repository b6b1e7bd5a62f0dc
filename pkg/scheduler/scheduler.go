// Package scheduler implements spec §4.K: the incremental and backfill
// runner modes, backfill chunk splitting, per-chunk result aggregation, and
// the watermark monotonicity check.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/onlyfeng/engram-sub004/pkg/models"
	"github.com/onlyfeng/engram-sub004/pkg/queue"
)

const (
	defaultChunkHours = 4
	defaultChunkSize  = 100
)

// Scheduler enqueues incremental and backfill sync_jobs.
type Scheduler struct {
	queue  *queue.Queue
	logger *zap.Logger
}

func NewScheduler(q *queue.Queue, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{queue: q, logger: logger}
}

// IncrementalParams carries the optional routing hints for an incremental
// job — the worker reads the actual cursor itself at claim time.
type IncrementalParams struct {
	GitLabInstance string
	TenantID       string
}

// EnqueueIncremental enqueues the single pending job for (repo, job_type).
// A pending or running job already present for the pair is left alone — the
// partial unique index on sync_jobs makes this a no-op, not an error.
func (s *Scheduler) EnqueueIncremental(ctx context.Context, repoID int64, jobType models.JobType, p IncrementalParams) (string, error) {
	payload := models.BackfillPayload{
		WindowType:     "",
		GitLabInstance: p.GitLabInstance,
		TenantID:       p.TenantID,
	}
	return s.queue.Enqueue(ctx, repoID, jobType, models.ModeIncremental, queue.EnqueueParams{
		Payload: payload,
	})
}

// Window describes a requested backfill range, in exactly one of the time or
// revision forms.
type Window struct {
	WindowType      string // "time" | "revision"
	Since, Until    *time.Time
	StartRev, EndRev *int64
	ChunkHours      int
	ChunkSize       int
	UpdateWatermark bool
	GitLabInstance  string
	TenantID        string
}

// SplitWindow splits a requested window into ordered chunk payloads per
// spec §4.K: chunk_hours (default 4) for a time window, chunk_size (default
// 100) for a revision window.
func SplitWindow(w Window) ([]models.BackfillPayload, error) {
	switch w.WindowType {
	case "time":
		return splitTimeWindow(w)
	case "revision":
		return splitRevisionWindow(w)
	default:
		return nil, fmt.Errorf("scheduler: unknown window_type %q", w.WindowType)
	}
}

func splitTimeWindow(w Window) ([]models.BackfillPayload, error) {
	if w.Since == nil || w.Until == nil {
		return nil, fmt.Errorf("scheduler: time window requires since and until")
	}
	if w.Until.Before(*w.Since) {
		return nil, fmt.Errorf("scheduler: time window until (%s) precedes since (%s)", w.Until, w.Since)
	}
	chunkHours := w.ChunkHours
	if chunkHours <= 0 {
		chunkHours = defaultChunkHours
	}
	step := time.Duration(chunkHours) * time.Hour

	var chunks []models.BackfillPayload
	cursor := *w.Since
	for cursor.Before(*w.Until) {
		end := cursor.Add(step)
		if end.After(*w.Until) {
			end = *w.Until
		}
		since, until := cursor, end
		chunks = append(chunks, models.BackfillPayload{
			WindowType:      "time",
			Since:           &since,
			Until:           &until,
			UpdateWatermark: w.UpdateWatermark,
			GitLabInstance:  w.GitLabInstance,
			TenantID:        w.TenantID,
		})
		cursor = end
	}
	return finalizeChunkTotals(chunks), nil
}

func splitRevisionWindow(w Window) ([]models.BackfillPayload, error) {
	if w.StartRev == nil || w.EndRev == nil {
		return nil, fmt.Errorf("scheduler: revision window requires start_rev and end_rev")
	}
	if *w.EndRev < *w.StartRev {
		return nil, fmt.Errorf("scheduler: revision window end_rev (%d) precedes start_rev (%d)", *w.EndRev, *w.StartRev)
	}
	chunkSize := w.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	var chunks []models.BackfillPayload
	for rev := *w.StartRev; rev <= *w.EndRev; rev += int64(chunkSize) {
		end := rev + int64(chunkSize) - 1
		if end > *w.EndRev {
			end = *w.EndRev
		}
		start, stop := rev, end
		chunks = append(chunks, models.BackfillPayload{
			WindowType:      "revision",
			StartRev:        &start,
			EndRev:          &stop,
			UpdateWatermark: w.UpdateWatermark,
			GitLabInstance:  w.GitLabInstance,
			TenantID:        w.TenantID,
		})
	}
	return finalizeChunkTotals(chunks), nil
}

func finalizeChunkTotals(chunks []models.BackfillPayload) []models.BackfillPayload {
	for i := range chunks {
		chunks[i].ChunkIndex = i
		chunks[i].ChunkTotal = len(chunks)
	}
	return chunks
}

// EnqueueBackfill splits window into chunks and enqueues one backfill job
// per chunk, returning the job_id of each (empty string where a pending or
// running job already occupied that repo/job_type slot — see EnqueueIncremental).
func (s *Scheduler) EnqueueBackfill(ctx context.Context, repoID int64, jobType models.JobType, w Window) ([]string, error) {
	chunks, err := SplitWindow(w)
	if err != nil {
		return nil, err
	}
	jobIDs := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		jobID, err := s.queue.Enqueue(ctx, repoID, jobType, models.ModeBackfill, queue.EnqueueParams{
			Payload: chunk,
		})
		if err != nil {
			return jobIDs, fmt.Errorf("scheduler: enqueue backfill chunk %d/%d: %w", chunk.ChunkIndex+1, chunk.ChunkTotal, err)
		}
		jobIDs = append(jobIDs, jobID)
	}
	return jobIDs, nil
}

// ChunkResult is one backfill chunk's terminal outcome, used by Aggregate.
type ChunkResult struct {
	ChunkIndex int
	Status     models.RunStatus
	Degraded   bool // true when the chunk completed under degradation_json
}

// Summary is the aggregation of a backfill's per-chunk results, per spec
// §4.K's "optional aggregation layer".
type Summary struct {
	SuccessChunks int
	PartialChunks int
	FailedChunks  int
	OverallStatus string // "success" | "partial" | "failed"
}

// Aggregate implements spec §4.K's overall status rule: any chunk failed →
// partial, unless every chunk failed → failed. A chunk that completed but
// under degradation counts toward PartialChunks without counting as failed.
func Aggregate(results []ChunkResult) Summary {
	var s Summary
	for _, r := range results {
		switch {
		case r.Status == models.RunFailed:
			s.FailedChunks++
		case r.Degraded:
			s.PartialChunks++
		default:
			s.SuccessChunks++
		}
	}

	total := len(results)
	switch {
	case total == 0:
		s.OverallStatus = "success"
	case s.FailedChunks == total:
		s.OverallStatus = "failed"
	case s.FailedChunks > 0 || s.PartialChunks > 0:
		s.OverallStatus = "partial"
	default:
		s.OverallStatus = "success"
	}
	return s
}

// WatermarkConstraintError is raised when a backfill's observed
// watermark_after regresses behind watermark_before; the caller must leave
// the cursor untouched when this is returned.
type WatermarkConstraintError struct {
	Before string
	After  string
}

func (e *WatermarkConstraintError) Error() string {
	return fmt.Sprintf("scheduler: watermark regression: after %q precedes before %q", e.After, e.Before)
}

// CheckWatermarkTime enforces watermark_after >= watermark_before for a
// time-keyed cursor.
func CheckWatermarkTime(before, after time.Time) error {
	if after.Before(before) {
		return &WatermarkConstraintError{Before: before.Format(time.RFC3339), After: after.Format(time.RFC3339)}
	}
	return nil
}

// CheckWatermarkRev enforces watermark_after >= watermark_before for a
// revision-keyed cursor.
func CheckWatermarkRev(before, after int64) error {
	if after < before {
		return &WatermarkConstraintError{Before: fmt.Sprintf("%d", before), After: fmt.Sprintf("%d", after)}
	}
	return nil
}
