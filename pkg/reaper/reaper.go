// Package reaper implements spec §4.J: the periodic recovery of orphaned
// running jobs, timed-out runs, and expired advisory locks. It is
// independent of the worker and the scheduler, and every pass operates in
// bounded batches so a reaper invocation is idempotent — a second pass over
// the same orphans is a no-op because they no longer match the WHERE clause.
package reaper

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/onlyfeng/engram-sub004/internal/dberrors"
	"github.com/onlyfeng/engram-sub004/internal/logging"
	"github.com/onlyfeng/engram-sub004/pkg/kv"
	"github.com/onlyfeng/engram-sub004/pkg/redact"
	"github.com/onlyfeng/engram-sub004/pkg/runrecorder"
)

// Policy is the recovery action applied to an expired running job.
type Policy string

const (
	PolicyToPending Policy = "to_pending"
	PolicyFailRetry Policy = "fail_retry"
	PolicyMarkDead  Policy = "mark_dead"
)

const (
	defaultGraceSeconds       = 60
	defaultMaxDurationSeconds = 3600
	defaultBatchSize          = 100
	defaultBaseReaperBackoff  = 60
	defaultMaxReaperBackoff   = 3600
	defaultKVSweepMaxAge      = 7 * 24 * time.Hour
)

// Config carries the reaper's tunables, mirroring the `reaper` CLI flags.
type Config struct {
	GraceSeconds       int
	MaxDurationSeconds int
	Policy             Policy
	BatchSize          int
	BaseReaperBackoff  int
	MaxReaperBackoff   int
	DryRun             bool

	// KVSweepMaxAge bounds retention of scm.sync_health/scm.sync_pause kv
	// rows. Zero takes the default (defaultKVSweepMaxAge); negative disables
	// the sweep entirely.
	KVSweepMaxAge    time.Duration
	KVSweepBatchSize int
}

func (c *Config) setDefaults() {
	if c.GraceSeconds == 0 {
		c.GraceSeconds = defaultGraceSeconds
	}
	if c.MaxDurationSeconds == 0 {
		c.MaxDurationSeconds = defaultMaxDurationSeconds
	}
	if c.Policy == "" {
		c.Policy = PolicyToPending
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BaseReaperBackoff == 0 {
		c.BaseReaperBackoff = defaultBaseReaperBackoff
	}
	if c.MaxReaperBackoff == 0 {
		c.MaxReaperBackoff = defaultMaxReaperBackoff
	}
	if c.KVSweepMaxAge == 0 {
		c.KVSweepMaxAge = defaultKVSweepMaxAge
	}
	if c.KVSweepBatchSize == 0 {
		c.KVSweepBatchSize = c.BatchSize
	}
}

// Summary reports the counts recovered by one Run pass.
type Summary struct {
	JobsRecovered  int
	RunsTimedOut   int
	LocksCleared   int
	KVRowsSwept    int
}

// Reaper is the repository over sync_jobs/sync_runs/sync_locks implementing
// the three recovery classes of spec §4.J, plus the kv retention sweep.
type Reaper struct {
	db     *sqlx.DB
	cfg    Config
	kv     *kv.Store
	logger *zap.Logger
}

func NewReaper(db *sqlx.DB, cfg Config, logger *zap.Logger) *Reaper {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{db: db, cfg: cfg, kv: kv.NewStore(db), logger: logger}
}

// Run performs one bounded pass over all three orphan classes plus the kv
// retention sweep.
func (r *Reaper) Run(ctx context.Context) (Summary, error) {
	var s Summary
	var err error

	s.JobsRecovered, err = r.RecoverExpiredJobs(ctx)
	if err != nil {
		return s, err
	}
	s.RunsTimedOut, err = r.RecoverTimedOutRuns(ctx)
	if err != nil {
		return s, err
	}
	s.LocksCleared, err = r.ClearExpiredLocks(ctx)
	if err != nil {
		return s, err
	}
	s.KVRowsSwept, err = r.SweepKV(ctx)
	if err != nil {
		return s, err
	}
	return s, nil
}

// SweepKV drops scm.sync_health and scm.sync_pause kv rows last updated
// before cfg.KVSweepMaxAge ago, in bounded batches of cfg.KVSweepBatchSize.
// The cursor namespace (scm.sync) is never swept here — it holds the live sync watermark,
// not a transient health/pause record.
func (r *Reaper) SweepKV(ctx context.Context) (int, error) {
	if r.cfg.KVSweepMaxAge < 0 {
		return 0, nil
	}
	if r.cfg.DryRun {
		return 0, nil
	}
	cutoff := time.Now().Add(-r.cfg.KVSweepMaxAge)
	var total int64
	for _, ns := range []kv.Namespace{kv.NamespaceHealth, kv.NamespacePause} {
		n, err := r.kv.SweepOlderThan(ctx, ns, cutoff, r.cfg.KVSweepBatchSize)
		if err != nil {
			return int(total), err
		}
		total += n
	}
	return int(total), nil
}

// RecoverExpiredJobs finds running sync_jobs whose lease plus grace period
// has elapsed and applies cfg.Policy to each, in a bounded batch.
func (r *Reaper) RecoverExpiredJobs(ctx context.Context) (int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT job_id, attempts, max_attempts
		FROM sync_jobs
		WHERE status = 'running'
		  AND locked_at + ((lease_seconds + $1) * interval '1 second') < now()
		ORDER BY locked_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		r.cfg.GraceSeconds, r.cfg.BatchSize)
	if err != nil {
		return 0, dberrors.DatabaseError("select expired running jobs", err)
	}

	type expired struct {
		jobID       string
		attempts    int
		maxAttempts int
	}
	var batch []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.jobID, &e.attempts, &e.maxAttempts); err != nil {
			rows.Close()
			return 0, dberrors.DatabaseError("scan expired running job", err)
		}
		batch = append(batch, e)
	}
	rows.Close()

	if r.cfg.DryRun {
		return len(batch), nil
	}

	recovered := 0
	for _, e := range batch {
		if err := r.recoverOne(ctx, e.jobID, e.attempts, e.maxAttempts); err != nil {
			r.logger.Error("reaper failed to recover expired job",
				logging.Fields{}.Component("reaper").Operation("recover_expired_job").JobID(e.jobID).Error(err).Zap()...)
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (r *Reaper) recoverOne(ctx context.Context, jobID string, attempts, maxAttempts int) error {
	switch r.cfg.Policy {
	case PolicyToPending:
		_, err := r.db.ExecContext(ctx, `
			UPDATE sync_jobs SET status = 'pending', locked_by = NULL, locked_at = NULL, updated_at = now()
			WHERE job_id = $1 AND status = 'running'`, jobID)
		return dberrors.Wrapf(err, "reap job %s to_pending", jobID)

	case PolicyMarkDead:
		_, err := r.db.ExecContext(ctx, `
			UPDATE sync_jobs SET status = 'dead', locked_by = NULL, locked_at = NULL,
			                     last_error = $2, updated_at = now()
			WHERE job_id = $1 AND status = 'running'`,
			jobID, redact.Redact("reaper: lease expired past grace period"))
		return dberrors.Wrapf(err, "reap job %s mark_dead", jobID)

	case PolicyFailRetry:
		if attempts >= maxAttempts {
			_, err := r.db.ExecContext(ctx, `
				UPDATE sync_jobs SET status = 'dead', locked_by = NULL, locked_at = NULL,
				                     last_error = $2, updated_at = now()
				WHERE job_id = $1 AND status = 'running'`,
				jobID, redact.Redact("reaper: lease expired, max_attempts exhausted"))
			return dberrors.Wrapf(err, "reap job %s dead-letter", jobID)
		}
		backoff := reaperBackoff(attempts, r.cfg.BaseReaperBackoff, r.cfg.MaxReaperBackoff)
		_, err := r.db.ExecContext(ctx, `
			UPDATE sync_jobs SET status = 'failed', locked_by = NULL, locked_at = NULL,
			                     attempts = attempts + 1,
			                     last_error = $2, not_before = now() + ($3 * interval '1 second'),
			                     updated_at = now()
			WHERE job_id = $1 AND status = 'running'`,
			jobID, redact.Redact("reaper: lease expired past grace period"), backoff)
		return dberrors.Wrapf(err, "reap job %s fail_retry", jobID)

	default:
		return errors.New("reaper: unknown policy " + string(r.cfg.Policy))
	}
}

// reaperBackoff implements spec §4.J's reaper_backoff = min(base * 2^attempts, max).
func reaperBackoff(attempts, base, max int) int {
	backoff := base
	for i := 0; i < attempts; i++ {
		backoff *= 2
		if backoff >= max {
			return max
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}

// RecoverTimedOutRuns marks sync_runs rows still 'running' past max_duration
// as failed, with a synthesized error_summary_json.
func (r *Reaper) RecoverTimedOutRuns(ctx context.Context) (int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id FROM sync_runs
		WHERE status = 'running'
		  AND started_at + ($1 * interval '1 second') < now()
		ORDER BY started_at ASC
		LIMIT $2`,
		r.cfg.MaxDurationSeconds, r.cfg.BatchSize)
	if err != nil {
		return 0, dberrors.DatabaseError("select timed-out runs", err)
	}
	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, dberrors.DatabaseError("scan timed-out run", err)
		}
		runIDs = append(runIDs, id)
	}
	rows.Close()

	if r.cfg.DryRun {
		return len(runIDs), nil
	}

	summary := runrecorder.ErrorSummary{
		ErrorCategory: "timeout",
		Message:       "reaper: run exceeded max_duration_seconds without finishing",
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return 0, dberrors.FailedToWithDetails("encode reaper error summary", "reaper", "", err)
	}

	n := 0
	for _, runID := range runIDs {
		res, err := r.db.ExecContext(ctx, `
			UPDATE sync_runs SET status = 'failed', finished_at = now(), error_summary_json = $2
			WHERE run_id = $1 AND status = 'running'`,
			runID, summaryJSON)
		if err != nil {
			r.logger.Error("reaper failed to time out run",
				logging.Fields{}.Component("reaper").Operation("recover_timed_out_run").Resource("run", runID).Error(err).Zap()...)
			continue
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			n++
		}
	}
	return n, nil
}

// ClearExpiredLocks clears locked_by/locked_at on sync_locks rows whose
// lease has elapsed. sync_locks is a separate advisory-lock table from a
// sync_jobs row's own lease, used by the scheduler to serialize backfill
// chunk dispatch per (repo, job_type).
func (r *Reaper) ClearExpiredLocks(ctx context.Context) (int, error) {
	if r.cfg.DryRun {
		var count int
		err := r.db.GetContext(ctx, &count, `
			SELECT count(*) FROM sync_locks
			WHERE locked_by IS NOT NULL
			  AND locked_at + (lease_seconds * interval '1 second') < now()`)
		if err != nil {
			return 0, dberrors.DatabaseError("count expired locks", err)
		}
		return count, nil
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_locks SET locked_by = NULL, locked_at = NULL
		WHERE locked_by IS NOT NULL
		  AND locked_at + (lease_seconds * interval '1 second') < now()`)
	if err != nil {
		return 0, dberrors.DatabaseError("clear expired locks", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dberrors.DatabaseError("count cleared locks", err)
	}
	return int(n), nil
}
