package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/onlyfeng/engram-sub004/internal/logging"
	"github.com/onlyfeng/engram-sub004/pkg/queue"
)

// Heartbeat renews a claimed job's lease in the background while a handler
// runs, per spec §4.I's heartbeat discipline.
type Heartbeat struct {
	q             *queue.Queue
	jobID         string
	workerID      string
	leaseSeconds  int
	renewInterval time.Duration
	maxFailures   int
	logger        *zap.Logger

	shouldAbort atomic.Bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	once        sync.Once
}

// NewHeartbeat builds a heartbeat with renewInterval defaulting to
// leaseSeconds/5 when zero.
func NewHeartbeat(q *queue.Queue, jobID, workerID string, leaseSeconds int, renewInterval time.Duration, maxFailures int, logger *zap.Logger) *Heartbeat {
	if renewInterval <= 0 {
		renewInterval = time.Duration(leaseSeconds) * time.Second / 5
	}
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heartbeat{
		q: q, jobID: jobID, workerID: workerID, leaseSeconds: leaseSeconds,
		renewInterval: renewInterval, maxFailures: maxFailures, logger: logger,
		stopCh: make(chan struct{}), doneCh: make(chan struct{}),
	}
}

// Start begins renewing the lease every renewInterval until Stop is called
// or maxFailures consecutive renewals fail.
func (h *Heartbeat) Start(ctx context.Context) {
	go h.run(ctx)
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.doneCh)
	ticker := time.NewTicker(h.renewInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.q.RenewLease(ctx, h.jobID, h.workerID, nil); err != nil {
				failures++
				h.logger.Warn("heartbeat renew_lease failed",
					logging.Fields{}.Component("worker").Operation("heartbeat").JobID(h.jobID).Error(err).Zap()...)
				if failures >= h.maxFailures {
					h.shouldAbort.Store(true)
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// Stop cooperatively stops the heartbeat and waits for its goroutine to exit.
func (h *Heartbeat) Stop() {
	h.once.Do(func() { close(h.stopCh) })
	<-h.doneCh
}

// ShouldAbort reports whether the lease was lost (maxFailures consecutive
// renewals failed).
func (h *Heartbeat) ShouldAbort() bool {
	return h.shouldAbort.Load()
}
