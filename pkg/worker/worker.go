// Package worker implements the claim/heartbeat/dispatch/terminal-transition
// loop of spec §4.I.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onlyfeng/engram-sub004/internal/logging"
	"github.com/onlyfeng/engram-sub004/pkg/kv"
	"github.com/onlyfeng/engram-sub004/pkg/models"
	"github.com/onlyfeng/engram-sub004/pkg/queue"
	"github.com/onlyfeng/engram-sub004/pkg/redact"
	"github.com/onlyfeng/engram-sub004/pkg/runrecorder"
	"github.com/onlyfeng/engram-sub004/pkg/syncerr"
)

// Config carries the worker's tunables.
type Config struct {
	WorkerID          string
	JobTypes          []models.JobType
	InstanceAllowlist []string
	TenantAllowlist   []string
	PollInterval      time.Duration
	LeaseSeconds      int
	RenewInterval     time.Duration
	HeartbeatMaxFails int
	Once              bool // claim and process a single job, then return
}

const defaultPollInterval = 5 * time.Second

// Worker is a long-lived claim/dispatch loop over the job queue.
type Worker struct {
	cfg         Config
	queue       *queue.Queue
	runRecorder *runrecorder.Recorder
	cursors     *kv.Store
	dispatcher  *Dispatcher
	metrics     *Metrics
	logger      *zap.Logger
}

func NewWorker(cfg Config, q *queue.Queue, rr *runrecorder.Recorder, cursors *kv.Store, dispatcher *Dispatcher, metrics *Metrics, logger *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Worker{cfg: cfg, queue: q, runRecorder: rr, cursors: cursors, dispatcher: dispatcher, metrics: metrics, logger: logger}
}

// Run executes the claim loop until ctx is cancelled, or processes exactly
// one job when cfg.Once is set.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := w.queue.Claim(ctx, w.cfg.WorkerID, queue.ClaimParams{
			JobTypes:          w.cfg.JobTypes,
			LeaseSeconds:      w.cfg.LeaseSeconds,
			InstanceAllowlist: w.cfg.InstanceAllowlist,
			TenantAllowlist:   w.cfg.TenantAllowlist,
		})
		if err != nil {
			w.logger.Error("claim failed", logging.Fields{}.Component("worker").Operation("claim").Error(err).Zap()...)
			if w.cfg.Once {
				return err
			}
			time.Sleep(w.cfg.PollInterval)
			continue
		}
		if job == nil {
			if w.cfg.Once {
				return nil
			}
			time.Sleep(w.cfg.PollInterval)
			continue
		}

		w.metrics.JobsClaimed.Inc()
		w.handleJob(ctx, job)
		if w.cfg.Once {
			return nil
		}
	}
}

func (w *Worker) handleJob(ctx context.Context, job *models.Job) {
	runID := uuid.NewString()
	cursorKey := kv.CursorKey(string(job.JobType), fmt.Sprintf("%d", job.RepoID))
	cursorBefore, _, _ := w.cursors.GetCursor(ctx, cursorKey)
	cursorBeforeJSON, _ := json.Marshal(cursorBefore)

	if err := w.runRecorder.Start(ctx, runID, job.RepoID, job.JobType, job.Mode, cursorBeforeJSON, nil); err != nil {
		w.logger.Error("run_recorder.start failed", logging.Fields{}.Component("worker").JobID(job.JobID).Error(err).Zap()...)
	}

	leaseSeconds := job.LeaseSeconds
	hb := NewHeartbeat(w.queue, job.JobID, w.cfg.WorkerID, leaseSeconds, w.cfg.RenewInterval, w.cfg.HeartbeatMaxFails, w.logger)
	hb.Start(ctx)

	start := time.Now()
	result := w.dispatcher.Dispatch(ctx, job)
	w.metrics.DispatchLatency.Observe(time.Since(start).Seconds())

	hb.Stop()

	if hb.ShouldAbort() {
		w.metrics.HeartbeatAborts.Inc()
		zero := 0
		_ = w.runRecorder.Finish(ctx, runID, runrecorder.FinishPayload{
			Status: models.RunFailed,
			ErrorSummary: &runrecorder.ErrorSummary{
				ErrorCategory: string(syncerr.CategoryLeaseLost),
				Message:       "heartbeat exceeded max_failures, lease presumed lost",
			},
		})
		if err := w.queue.FailRetry(ctx, job.JobID, w.cfg.WorkerID, "lease_lost", &zero); err != nil {
			w.logger.Error("fail_retry after lease loss failed", logging.Fields{}.Component("worker").JobID(job.JobID).Error(err).Zap()...)
		}
		return
	}

	payload := w.buildFinishPayload(result)
	if err := w.runRecorder.Finish(ctx, runID, payload); err != nil {
		w.logger.Error("run_recorder.finish failed", logging.Fields{}.Component("worker").JobID(job.JobID).Error(err).Zap()...)
	}

	w.terminalTransition(ctx, job, runID, result, cursorKey)
}

func (w *Worker) buildFinishPayload(result syncerr.Result) runrecorder.FinishPayload {
	if result.Success {
		status := models.RunCompleted
		if result.Mode == "no_data" {
			status = models.RunNoData
		}
		counts := runrecorder.Counts{}
		for k, v := range result.Counts {
			counts[k] = v
		}
		var cursorAfter json.RawMessage
		if result.CursorAfter != nil {
			cursorAfter, _ = json.Marshal(result.CursorAfter)
		}
		return runrecorder.FinishPayload{Status: status, Counts: counts, CursorAfter: cursorAfter}
	}

	category := result.EffectiveCategory()
	return runrecorder.FinishPayload{
		Status: models.RunFailed,
		ErrorSummary: &runrecorder.ErrorSummary{
			ErrorCategory: string(category),
			Message:       redact.Redact(result.Error),
		},
	}
}

func (w *Worker) terminalTransition(ctx context.Context, job *models.Job, runID string, result syncerr.Result, cursorKey string) {
	if result.Success {
		if err := w.queue.Ack(ctx, job.JobID, w.cfg.WorkerID, &runID); err != nil {
			w.logger.Error("ack failed", logging.Fields{}.Component("worker").JobID(job.JobID).Error(err).Zap()...)
			return
		}
		w.metrics.JobsAcked.Inc()
		if result.CursorAfter != nil {
			w.persistCursor(ctx, cursorKey, result.CursorAfter)
		}
		return
	}

	category := result.EffectiveCategory()
	switch {
	case category == syncerr.CategoryLockHeld:
		if err := w.queue.RequeueWithoutPenalty(ctx, job.JobID, w.cfg.WorkerID, result.Error, 0); err != nil {
			w.logger.Error("requeue_without_penalty failed", logging.Fields{}.Component("worker").JobID(job.JobID).Error(err).Zap()...)
			return
		}
		w.metrics.JobsRequeued.Inc()

	case syncerr.IsPermanent(category):
		if err := w.queue.MarkDead(ctx, job.JobID, w.cfg.WorkerID, result.Error); err != nil {
			w.logger.Error("mark_dead failed", logging.Fields{}.Component("worker").JobID(job.JobID).Error(err).Zap()...)
			return
		}
		w.metrics.JobsDead.Inc()

	default:
		backoff := EffectiveBackoff(result)
		if err := w.queue.FailRetry(ctx, job.JobID, w.cfg.WorkerID, result.Error, &backoff); err != nil {
			w.logger.Error("fail_retry failed", logging.Fields{}.Component("worker").JobID(job.JobID).Error(err).Zap()...)
			return
		}
		w.metrics.JobsFailed.WithLabelValues(string(category)).Inc()
	}
}

func (w *Worker) persistCursor(ctx context.Context, key string, after map[string]interface{}) {
	c := kv.Cursor{}
	if sha, ok := after["commit_sha"].(string); ok {
		c.CommitSHA = sha
	}
	if rev, ok := after["rev"].(float64); ok {
		r := int64(rev)
		c.Rev = &r
	}
	if err := w.cursors.SetCursor(ctx, key, c); err != nil {
		w.logger.Error("persist cursor_after failed", logging.Fields{}.Component("worker").Resource("cursor", key).Error(err).Zap()...)
	}
}
