package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// FastPath is a cheap, best-effort pre-check enforced before the
// authoritative DB round-trip (spec §4.D "Composed limiters"). Both the
// in-process and Redis implementations below satisfy it.
type FastPath interface {
	// Allow reports whether the call is permitted under the fast path's
	// local view of the budget, decrementing it if so.
	Allow(ctx context.Context, instanceKey string) bool
	// Notify429 tells the fast path to start refusing calls until cooldown.
	Notify429(ctx context.Context, instanceKey string, cooldown time.Duration)
}

// localFastPath is an in-process token counter, one per instance key,
// reset every window.
type localFastPath struct {
	mu        sync.Mutex
	budget    int
	window    time.Duration
	counters  map[string]*localCounter
}

type localCounter struct {
	remaining  int
	windowEnds time.Time
	pausedTil  time.Time
}

// NewLocalFastPath builds an in-process FastPath allowing budget calls per
// window for each distinct instance key.
func NewLocalFastPath(budget int, window time.Duration) FastPath {
	return &localFastPath{budget: budget, window: window, counters: map[string]*localCounter{}}
}

func (f *localFastPath) Allow(ctx context.Context, instanceKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	c, ok := f.counters[instanceKey]
	if !ok || now.After(c.windowEnds) {
		c = &localCounter{remaining: f.budget, windowEnds: now.Add(f.window)}
		f.counters[instanceKey] = c
	}
	if now.Before(c.pausedTil) {
		return false
	}
	if c.remaining <= 0 {
		return false
	}
	c.remaining--
	return true
}

func (f *localFastPath) Notify429(ctx context.Context, instanceKey string, cooldown time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.counters[instanceKey]
	if !ok {
		c = &localCounter{remaining: f.budget, windowEnds: time.Now().Add(f.window)}
		f.counters[instanceKey] = c
	}
	c.pausedTil = time.Now().Add(cooldown)
}

// redisFastPath shares the fast path across process instances via a Redis
// counter plus a pause key, trading a network round-trip for cross-process
// visibility cheaper than the Postgres bucket's transaction.
type redisFastPath struct {
	client *redis.Client
	budget int64
	window time.Duration
}

// NewRedisFastPath builds a Redis-backed FastPath. The caller owns the
// *redis.Client's lifecycle.
func NewRedisFastPath(client *redis.Client, budget int64, window time.Duration) FastPath {
	return &redisFastPath{client: client, budget: budget, window: window}
}

func (f *redisFastPath) Allow(ctx context.Context, instanceKey string) bool {
	pauseKey := "ratelimit:pause:" + instanceKey
	if paused, err := f.client.Exists(ctx, pauseKey).Result(); err == nil && paused > 0 {
		return false
	}

	counterKey := "ratelimit:count:" + instanceKey
	n, err := f.client.Incr(ctx, counterKey).Result()
	if err != nil {
		// Redis unavailable: fail open on the fast path, the DB bucket
		// remains the authority.
		return true
	}
	if n == 1 {
		f.client.Expire(ctx, counterKey, f.window)
	}
	return n <= f.budget
}

func (f *redisFastPath) Notify429(ctx context.Context, instanceKey string, cooldown time.Duration) {
	pauseKey := "ratelimit:pause:" + instanceKey
	f.client.Set(ctx, pauseKey, "1", cooldown)
}

// Limiter composes a FastPath with the authoritative Postgres Bucket: local
// → distributed acquire order, both notified on 429 (spec §4.D).
type Limiter struct {
	fast         FastPath
	bucket       *Bucket
	defaultRate  float64
	defaultBurst float64
}

func NewLimiter(fast FastPath, bucket *Bucket, defaultRate, defaultBurst float64) *Limiter {
	return &Limiter{fast: fast, bucket: bucket, defaultRate: defaultRate, defaultBurst: defaultBurst}
}

// Acquire checks the fast path first (when configured) and falls through to
// the DB bucket for the authoritative decision.
func (l *Limiter) Acquire(ctx context.Context, instanceKey string, tokensNeeded float64) (Result, error) {
	if l.fast != nil && !l.fast.Allow(ctx, instanceKey) {
		return Result{Allowed: false}, nil
	}
	return l.bucket.Consume(ctx, instanceKey, tokensNeeded, l.defaultRate, l.defaultBurst)
}

// Notify429 propagates a 429 response to both layers: the fast path's local
// cooldown and the DB bucket's persisted pause.
func (l *Limiter) Notify429(ctx context.Context, instanceKey string, retryAfterSeconds int) error {
	if l.fast != nil {
		l.fast.Notify429(ctx, instanceKey, time.Duration(retryAfterSeconds)*time.Second)
	}
	return l.bucket.Pause(ctx, instanceKey, retryAfterSeconds)
}

// NotifySuccess clears the persisted pause counter after a clean response.
func (l *Limiter) NotifySuccess(ctx context.Context, instanceKey string) error {
	return l.bucket.ClearPause(ctx, instanceKey)
}
