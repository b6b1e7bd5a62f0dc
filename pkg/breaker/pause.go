package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onlyfeng/engram-sub004/pkg/kv"
)

// ReasonCode enumerates why a (repo, job_type) pair was paused.
type ReasonCode string

const (
	ReasonErrorBudget     ReasonCode = "error_budget"
	ReasonRateLimitBucket ReasonCode = "rate_limit_bucket"
	ReasonCircuitOpen     ReasonCode = "circuit_open"
	ReasonManual          ReasonCode = "manual"
)

// PauseRecord is the shape persisted at scm.sync_pause/repo:<repo_id>:<job_type>.
type PauseRecord struct {
	PausedUntil time.Time  `json:"paused_until"`
	Reason      string     `json:"reason"`
	ReasonCode  ReasonCode `json:"reason_code"`
	PausedAt    time.Time  `json:"paused_at"`
	FailureRate float64    `json:"failure_rate"`
}

// PauseKey builds the "repo:<repo_id>:<job_type>" pause key.
func PauseKey(repoID int64, jobType string) string {
	return fmt.Sprintf("repo:%d:%s", repoID, jobType)
}

// PauseRegistry manages sync_pause records in kv.
type PauseRegistry struct {
	store *kv.Store
}

func NewPauseRegistry(store *kv.Store) *PauseRegistry {
	return &PauseRegistry{store: store}
}

// Set writes a pause record.
func (p *PauseRegistry) Set(ctx context.Context, key string, rec PauseRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.store.Set(ctx, kv.NamespacePause, key, raw)
}

// Get returns the active pause record for key, treating an expired record
// as absent (spec §4.E "An expired record is treated as absent").
func (p *PauseRegistry) Get(ctx context.Context, key string) (PauseRecord, bool, error) {
	raw, ok, err := p.store.Get(ctx, kv.NamespacePause, key)
	if err != nil || !ok {
		return PauseRecord{}, false, err
	}
	var rec PauseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return PauseRecord{}, false, err
	}
	if !rec.PausedUntil.After(time.Now()) {
		return PauseRecord{}, false, nil
	}
	return rec, true, nil
}

// Clear removes a pause record outright.
func (p *PauseRegistry) Clear(ctx context.Context, key string) error {
	return p.store.Delete(ctx, kv.NamespacePause, key)
}

// ReconcileFunc returns the current failed_rate for the (repo, job_type)
// pair addressed by key, used by AutoUnpause to decide whether to clear a
// still-unexpired pause.
type ReconcileFunc func(ctx context.Context, key string) (failedRate float64, err error)

// AutoUnpause implements spec §4.E's scheduler pre-pass: drop expired
// records outright; for records still in effect, re-check recent health and
// clear the pause if the moving failed_rate has dropped below threshold.
func (p *PauseRegistry) AutoUnpause(ctx context.Context, key string, unpauseThreshold float64, reconcile ReconcileFunc) (cleared bool, err error) {
	raw, ok, err := p.store.Get(ctx, kv.NamespacePause, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	var rec PauseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false, err
	}

	if !rec.PausedUntil.After(time.Now()) {
		if err := p.Clear(ctx, key); err != nil {
			return false, err
		}
		return true, nil
	}

	failedRate, err := reconcile(ctx, key)
	if err != nil {
		return false, err
	}
	if failedRate < unpauseThreshold {
		if err := p.Clear(ctx, key); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}
