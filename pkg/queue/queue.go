// Package queue implements the Postgres-backed job queue of spec §4.F:
// enqueue, claim (FOR UPDATE SKIP LOCKED), ack, fail_retry, mark_dead,
// requeue_without_penalty and renew_lease.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/onlyfeng/engram-sub004/internal/dberrors"
	"github.com/onlyfeng/engram-sub004/internal/logging"
	"github.com/onlyfeng/engram-sub004/pkg/models"
	"github.com/onlyfeng/engram-sub004/pkg/redact"
)

const (
	defaultPriority     = 100
	defaultMaxAttempts  = 3
	defaultLeaseSeconds = 300
	defaultJitterSecs   = 5
)

// Queue is the repository over sync_jobs.
type Queue struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewQueue(db *sqlx.DB, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{db: db, logger: logger}
}

// EnqueueParams carries the optional fields for Enqueue, defaulted per
// spec §4.F's signature.
type EnqueueParams struct {
	Priority     int
	Payload      interface{}
	MaxAttempts  int
	NotBefore    time.Time
	LeaseSeconds int
}

// Enqueue inserts a pending job, returning ("", nil) when a pending/running
// row already exists for (repo_id, job_type) — enforced by the partial
// unique index, not application logic.
func (q *Queue) Enqueue(ctx context.Context, repoID int64, jobType models.JobType, mode models.JobMode, p EnqueueParams) (string, error) {
	if p.Priority == 0 {
		p.Priority = defaultPriority
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.NotBefore.IsZero() {
		p.NotBefore = time.Now()
	}
	if p.LeaseSeconds == 0 {
		p.LeaseSeconds = defaultLeaseSeconds
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return "", dberrors.FailedToWithDetails("encode job payload", "queue", string(jobType), err)
	}

	jobID := uuid.NewString()
	var returnedID sql.NullString
	err = q.db.GetContext(ctx, &returnedID, `
		INSERT INTO sync_jobs (job_id, repo_id, job_type, mode, priority, status,
		                        attempts, max_attempts, not_before, lease_seconds,
		                        payload_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7, $8, $9, now(), now())
		ON CONFLICT (repo_id, job_type) WHERE status IN ('pending','running') DO NOTHING
		RETURNING job_id`,
		jobID, repoID, jobType, mode, p.Priority, p.MaxAttempts, p.NotBefore, p.LeaseSeconds, payloadJSON)

	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", dberrors.DatabaseError("enqueue job", err)
	}
	if !returnedID.Valid {
		return "", nil
	}
	return returnedID.String, nil
}

// ClaimParams narrows the set of claimable jobs.
type ClaimParams struct {
	JobTypes          []models.JobType
	LeaseSeconds      int
	InstanceAllowlist []string
	TenantAllowlist   []string
}

// Claim implements the CTE-based FOR UPDATE SKIP LOCKED claim of spec §4.F.
func (q *Queue) Claim(ctx context.Context, workerID string, p ClaimParams) (*models.Job, error) {
	leaseSeconds := p.LeaseSeconds
	if leaseSeconds == 0 {
		leaseSeconds = defaultLeaseSeconds
	}

	query := `
		WITH c AS (
			SELECT job_id FROM sync_jobs
			WHERE (
			    (status = 'pending' AND not_before <= now())
			 OR (status = 'running' AND locked_at + (lease_seconds * interval '1 second') < now())
			 OR (status = 'failed'  AND not_before <= now() AND attempts < max_attempts))
			  AND ($1::text[] IS NULL OR job_type = ANY($1))
			  AND ($2::text[] IS NULL OR payload_json->>'gitlab_instance' IS NULL OR payload_json->>'gitlab_instance' = ANY($2))
			  AND ($3::text[] IS NULL OR payload_json->>'tenant_id' IS NULL OR payload_json->>'tenant_id' = ANY($3))
			ORDER BY priority ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE sync_jobs SET status = 'running', locked_by = $4, locked_at = now(),
		                     lease_seconds = $5, attempts = attempts + 1, updated_at = now()
		FROM c WHERE sync_jobs.job_id = c.job_id
		RETURNING sync_jobs.job_id, sync_jobs.repo_id, sync_jobs.job_type, sync_jobs.mode,
		          sync_jobs.priority, sync_jobs.status, sync_jobs.attempts, sync_jobs.max_attempts,
		          sync_jobs.not_before, sync_jobs.locked_by, sync_jobs.locked_at, sync_jobs.lease_seconds,
		          sync_jobs.last_error, sync_jobs.last_run_id, sync_jobs.payload_json,
		          sync_jobs.created_at, sync_jobs.updated_at`

	var job models.Job
	err := q.db.GetContext(ctx, &job, query,
		nullableStringArray(jobTypeStrings(p.JobTypes)), nullableStringArray(p.InstanceAllowlist),
		nullableStringArray(p.TenantAllowlist), workerID, leaseSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dberrors.DatabaseError("claim job", err)
	}
	return &job, nil
}

// Ack marks a claimed job completed, conditional on still owning the lease.
func (q *Queue) Ack(ctx context.Context, jobID, workerID string, runID *string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = 'completed', locked_by = NULL, locked_at = NULL,
		                     last_run_id = $3, last_error = NULL, updated_at = now()
		WHERE job_id = $1 AND locked_by = $2 AND status = 'running'`,
		jobID, workerID, runID)
	if err != nil {
		return dberrors.DatabaseError("ack job", err)
	}
	return checkRowsAffected(res, jobID, workerID)
}

// FailRetry transitions a job back to failed with backoff, or to dead once
// max_attempts is exhausted.
func (q *Queue) FailRetry(ctx context.Context, jobID, workerID string, errMsg string, backoffSeconds *int) error {
	var attempts, maxAttempts int
	err := q.db.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM sync_jobs WHERE job_id = $1`, jobID).
		Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return dberrors.FailedToWithDetails("fail_retry job", "queue", jobID, errors.New("job not found"))
	}
	if err != nil {
		return dberrors.DatabaseError("read job attempts", err)
	}

	redacted := redact.Redact(errMsg)

	if attempts >= maxAttempts {
		return q.MarkDead(ctx, jobID, workerID, errMsg)
	}

	backoff := defaultBackoffSeconds(attempts)
	if backoffSeconds != nil {
		backoff = *backoffSeconds
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = 'failed', locked_by = NULL, locked_at = NULL,
		                     last_error = $3, not_before = now() + ($4 * interval '1 second'),
		                     updated_at = now()
		WHERE job_id = $1 AND locked_by = $2 AND status = 'running'`,
		jobID, workerID, redacted, backoff)
	if err != nil {
		return dberrors.DatabaseError("fail_retry job", err)
	}
	return checkRowsAffected(res, jobID, workerID)
}

// defaultBackoffSeconds implements the exponential default: 60 * 2^(attempts-1).
func defaultBackoffSeconds(attempts int) int {
	if attempts < 1 {
		attempts = 1
	}
	backoff := 60
	for i := 1; i < attempts; i++ {
		backoff *= 2
	}
	return backoff
}

// MarkDead forces an unconditional transition to dead from running.
func (q *Queue) MarkDead(ctx context.Context, jobID, workerID string, errMsg string) error {
	redacted := redact.Redact(errMsg)
	_, err := q.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = 'dead', locked_by = NULL, locked_at = NULL,
		                     last_error = $3, updated_at = now()
		WHERE job_id = $1 AND status = 'running'`,
		jobID, workerID, redacted)
	if err != nil {
		return dberrors.DatabaseError("mark_dead job", err)
	}
	return nil
}

// RequeueWithoutPenalty returns a job to pending without counting against
// attempts, applying a random jitter delay.
func (q *Queue) RequeueWithoutPenalty(ctx context.Context, jobID, workerID, reason string, jitterSeconds int) error {
	if jitterSeconds <= 0 {
		jitterSeconds = defaultJitterSecs
	}
	jitter := rand.Intn(jitterSeconds)

	q.logger.Info("requeuing job without penalty",
		logging.Fields{}.Component("queue").Operation("requeue_without_penalty").JobID(jobID).Zap()...)

	_, err := q.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = 'pending', locked_by = NULL, locked_at = NULL,
		                     attempts = GREATEST(0, attempts - 1),
		                     not_before = now() + ($3 * interval '1 second'),
		                     last_error = $4, updated_at = now()
		WHERE job_id = $1 AND locked_by = $2`,
		jobID, workerID, jitter, redact.Redact(reason))
	if err != nil {
		return dberrors.DatabaseError("requeue_without_penalty job", err)
	}
	return nil
}

// RenewLease bumps locked_at and optionally lease_seconds for a job still
// held by workerID.
func (q *Queue) RenewLease(ctx context.Context, jobID, workerID string, leaseSeconds *int) error {
	var err error
	if leaseSeconds != nil {
		_, err = q.db.ExecContext(ctx, `
			UPDATE sync_jobs SET locked_at = now(), lease_seconds = $3, updated_at = now()
			WHERE job_id = $1 AND locked_by = $2 AND status = 'running'`,
			jobID, workerID, *leaseSeconds)
	} else {
		_, err = q.db.ExecContext(ctx, `
			UPDATE sync_jobs SET locked_at = now(), updated_at = now()
			WHERE job_id = $1 AND locked_by = $2 AND status = 'running'`,
			jobID, workerID)
	}
	if err != nil {
		return dberrors.DatabaseError("renew_lease job", err)
	}
	return nil
}

func checkRowsAffected(res sql.Result, jobID, workerID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return dberrors.DatabaseError("check rows affected", err)
	}
	if n == 0 {
		return dberrors.FailedToWithDetails("job lease no longer held", "queue", jobID,
			errors.New("lease owned by another worker or job not running"))
	}
	return nil
}

func jobTypeStrings(types []models.JobType) []string {
	if len(types) == 0 {
		return nil
	}
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func nullableStringArray(s []string) interface{} {
	if len(s) == 0 {
		return nil
	}
	return s
}
