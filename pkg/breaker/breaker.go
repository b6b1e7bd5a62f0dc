// Package breaker implements the circuit breaker and pause registry of
// spec §4.E, backed by the generic kv table.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/onlyfeng/engram-sub004/pkg/kv"
)

// Scope identifies the breaker key's second component.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopePool     Scope = "pool"
	ScopeInstance Scope = "instance"
	ScopeTenant   Scope = "tenant"
)

// ScopeKey builds the "<project_key>:<scope>" breaker key.
func ScopeKey(projectKey string, scope Scope, name string) string {
	if name == "" {
		return fmt.Sprintf("%s:%s", projectKey, scope)
	}
	return fmt.Sprintf("%s:%s:%s", projectKey, scope, name)
}

// HealthStats are the windowed statistics the scheduler precomputes from
// sync_runs before evaluating breaker transitions (spec §4.E).
type HealthStats struct {
	TotalRuns       int
	CompletedRuns   int
	FailedRuns      int
	NoDataRuns      int
	RunningRuns     int
	FailedRate      float64
	RateLimitRate   float64
	Total429Hits    int
	AvgDurationSecs float64
}

// State is the serialized breaker record persisted at
// scm.sync_health/<key>.
type State struct {
	BreakerState  string    `json:"state"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
	LastProbeAt   time.Time `json:"last_probe_at,omitempty"`
	FailureRate   float64   `json:"failure_rate"`
	RateLimitRate float64   `json:"rate_limit_rate"`
}

// Thresholds configure when closed -> open and half_open transitions fire.
type Thresholds struct {
	FailedRateThreshold    float64
	RateLimitRateThreshold float64
	CoolDown               time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{FailedRateThreshold: 0.5, RateLimitRateThreshold: 0.3, CoolDown: 60 * time.Second}
}

// Registry manages one gobreaker.CircuitBreaker per scope key, persisting
// state snapshots into kv on every transition.
type Registry struct {
	store      *kv.Store
	thresholds Thresholds

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewRegistry(store *kv.Store, thresholds Thresholds) *Registry {
	return &Registry{store: store, thresholds: thresholds, breakers: map[string]*gobreaker.CircuitBreaker{}}
}

func (r *Registry) breakerFor(ctx context.Context, key string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}

	name := key
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: 0,
		Timeout:  r.thresholds.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}
			failedRate := float64(counts.TotalFailures) / float64(counts.Requests)
			return failedRate > r.thresholds.FailedRateThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.persist(ctx, name, to)
		},
	})
	r.breakers[key] = b
	return b
}

func (r *Registry) persist(ctx context.Context, key string, to gobreaker.State) {
	st := State{BreakerState: stateName(to), LastProbeAt: time.Now()}
	if to == gobreaker.StateOpen {
		st.OpenedAt = time.Now()
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	_ = r.store.Set(ctx, kv.NamespaceHealth, key, raw)
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Allow reports whether a call against key is currently permitted, per the
// scope's breaker state (closed/half_open allow, open refuses).
func (r *Registry) Allow(ctx context.Context, key string) bool {
	b := r.breakerFor(ctx, key)
	return b.State() != gobreaker.StateOpen
}

// RecordResult feeds a call outcome into the breaker's internal counters,
// driving the closed/open/half_open transitions.
func (r *Registry) RecordResult(ctx context.Context, key string, success bool) {
	b := r.breakerFor(ctx, key)
	_, _ = b.Execute(func() (interface{}, error) {
		if success {
			return nil, nil
		}
		return nil, errBreakerRecordedFailure
	})
}

var errBreakerRecordedFailure = fmt.Errorf("recorded failure")

// EvaluateHealth applies spec §4.E's closed->open rule directly from
// precomputed health stats, for schedulers that don't route every call
// through Allow/RecordResult (e.g. a scheduling pre-check before enqueue).
func (r *Registry) EvaluateHealth(ctx context.Context, key string, stats HealthStats) State {
	st := State{BreakerState: "closed", FailureRate: stats.FailedRate, RateLimitRate: stats.RateLimitRate, LastProbeAt: time.Now()}
	if stats.FailedRate > r.thresholds.FailedRateThreshold || stats.RateLimitRate > r.thresholds.RateLimitRateThreshold {
		st.BreakerState = "open"
		st.OpenedAt = time.Now()
	}
	raw, err := json.Marshal(st)
	if err == nil {
		_ = r.store.Set(ctx, kv.NamespaceHealth, key, raw)
	}
	return st
}

// Read fetches the persisted state for key, falling back to known legacy
// key encodings when the canonical key has no record (spec §4.E
// "Legacy-key fallback on read").
func (r *Registry) Read(ctx context.Context, key string) (State, bool, error) {
	raw, ok, err := r.store.Get(ctx, kv.NamespaceHealth, key)
	if err != nil {
		return State{}, false, err
	}
	if ok {
		var st State
		if err := json.Unmarshal(raw, &st); err != nil {
			return State{}, false, err
		}
		return st, true, nil
	}

	for _, legacyKey := range legacyKeyCandidates(key) {
		raw, ok, err := r.store.Get(ctx, kv.NamespaceHealth, legacyKey)
		if err != nil {
			return State{}, false, err
		}
		if ok {
			var st State
			if err := json.Unmarshal(raw, &st); err != nil {
				return State{}, false, err
			}
			return st, true, nil
		}
	}
	return State{}, false, nil
}

// legacyKeyCandidates generates the legacy encodings probed on a miss:
// a bare scope name, "pool:<pool>" without project prefix, and similar
// shapes used by earlier versions of the breaker key scheme.
func legacyKeyCandidates(key string) []string {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return nil
	}
	scope := parts[1]
	candidates := []string{scope}

	scopeParts := strings.SplitN(scope, ":", 2)
	if len(scopeParts) == 2 {
		candidates = append(candidates, scopeParts[1], scopeParts[0])
	}
	return candidates
}
