// Package ratelimit implements the token-bucket rate limiter described in
// spec §4.D: a Postgres-backed bucket per upstream instance, optionally
// fronted by a fast in-process/Redis path.
package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/onlyfeng/engram-sub004/internal/dberrors"
)

// Result is the outcome of a consume() call.
type Result struct {
	Allowed         bool
	TokensRemaining float64
	WaitSeconds     float64
	PausedUntil     *time.Time
}

// Bucket is the Postgres-backed token bucket over sync_rate_limits.
type Bucket struct {
	db *sqlx.DB
}

func NewBucket(db *sqlx.DB) *Bucket {
	return &Bucket{db: db}
}

type bucketRow struct {
	InstanceKey string     `db:"instance_key"`
	Tokens      float64    `db:"tokens"`
	Rate  float64    `db:"rate"`
	Burst       float64    `db:"burst"`
	UpdatedAt   time.Time  `db:"updated_at"`
	PausedUntil *time.Time `db:"paused_until"`
}

// Consume implements spec §4.D's six-step consume algorithm atomically
// within a single transaction guarded by SELECT ... FOR UPDATE.
func (b *Bucket) Consume(ctx context.Context, instanceKey string, tokensNeeded, defaultRate, defaultBurst float64) (Result, error) {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return Result{}, dberrors.DatabaseError("begin rate limit transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row bucketRow
	err = tx.GetContext(ctx, &row, `
		SELECT instance_key, tokens, rate, burst, updated_at, paused_until
		FROM sync_rate_limits WHERE instance_key = $1 FOR UPDATE`, instanceKey)

	if errors.Is(err, sql.ErrNoRows) {
		initialTokens := defaultBurst - tokensNeeded
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_rate_limits (instance_key, tokens, rate, burst, updated_at, paused_until)
			VALUES ($1, $2, $3, $4, now(), NULL)`,
			instanceKey, initialTokens, defaultRate, defaultBurst)
		if err != nil {
			return Result{}, dberrors.DatabaseError("insert rate limit bucket", err)
		}
		if err := tx.Commit(); err != nil {
			return Result{}, dberrors.DatabaseError("commit rate limit bucket insert", err)
		}
		return Result{Allowed: true, TokensRemaining: initialTokens}, nil
	}
	if err != nil {
		return Result{}, dberrors.DatabaseError("select rate limit bucket", err)
	}

	if row.PausedUntil != nil && row.PausedUntil.After(time.Now()) {
		if err := tx.Commit(); err != nil {
			return Result{}, dberrors.DatabaseError("commit rate limit pause read", err)
		}
		return Result{
			Allowed:     false,
			WaitSeconds: time.Until(*row.PausedUntil).Seconds(),
			PausedUntil: row.PausedUntil,
		}, nil
	}

	now := time.Now()
	elapsed := now.Sub(row.UpdatedAt).Seconds()
	refilled := row.Tokens + elapsed*row.Rate
	if refilled > row.Burst {
		refilled = row.Burst
	}

	if refilled >= tokensNeeded {
		remaining := refilled - tokensNeeded
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_rate_limits SET tokens = $1, paused_until = NULL, updated_at = now()
			WHERE instance_key = $2`, remaining, instanceKey)
		if err != nil {
			return Result{}, dberrors.DatabaseError("update rate limit bucket", err)
		}
		if err := tx.Commit(); err != nil {
			return Result{}, dberrors.DatabaseError("commit rate limit consume", err)
		}
		return Result{Allowed: true, TokensRemaining: remaining}, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_rate_limits SET tokens = $1, updated_at = now() WHERE instance_key = $2`,
		refilled, instanceKey)
	if err != nil {
		return Result{}, dberrors.DatabaseError("update rate limit bucket", err)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, dberrors.DatabaseError("commit rate limit refusal", err)
	}

	waitSeconds := 0.0
	if row.Rate > 0 {
		waitSeconds = (tokensNeeded - refilled) / row.Rate
	}
	return Result{Allowed: false, TokensRemaining: refilled, WaitSeconds: waitSeconds}, nil
}

// Pause sets paused_until and zeroes tokens, recording the 429 in meta_json
// (spec §4.D "Pause on 429").
func (b *Bucket) Pause(ctx context.Context, instanceKey string, retryAfterSeconds int) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE sync_rate_limits
		SET paused_until = now() + ($2 * interval '1 second'),
		    tokens = 0,
		    updated_at = now(),
		    meta_json = coalesce(meta_json, '{}'::jsonb)
		        || jsonb_build_object(
		               'consecutive_429_count', coalesce((meta_json->>'consecutive_429_count')::int, 0) + 1,
		               'last_429_at', now(),
		               'last_retry_after', $2)
		WHERE instance_key = $1`, instanceKey, retryAfterSeconds)
	if err != nil {
		return dberrors.DatabaseError("pause rate limit bucket", err)
	}
	return nil
}

// ClearPause resets consecutive_429_count to 0 after a successful consume.
func (b *Bucket) ClearPause(ctx context.Context, instanceKey string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE sync_rate_limits
		SET meta_json = coalesce(meta_json, '{}'::jsonb) || jsonb_build_object('consecutive_429_count', 0)
		WHERE instance_key = $1`, instanceKey)
	if err != nil {
		return dberrors.DatabaseError("clear rate limit pause", err)
	}
	return nil
}
