package worker

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the worker's Prometheus surface, registered against an
// injected registerer the way the teacher wires its CounterVec families
// (error_recovery_test.go's prometheus.NewRegistry()+MustRegister idiom).
type Metrics struct {
	JobsClaimed     prometheus.Counter
	JobsAcked       prometheus.Counter
	JobsFailed      *prometheus.CounterVec
	JobsDead        prometheus.Counter
	JobsRequeued    prometheus.Counter
	HeartbeatAborts prometheus.Counter
	DispatchLatency prometheus.Histogram
}

// NewMetrics constructs and registers the worker's metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scm_sync_jobs_claimed_total",
			Help: "Total jobs claimed by this worker.",
		}),
		JobsAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scm_sync_jobs_acked_total",
			Help: "Total jobs acknowledged as completed.",
		}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scm_sync_jobs_failed_total",
			Help: "Total jobs that transitioned to failed, by error_category.",
		}, []string{"error_category"}),
		JobsDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scm_sync_jobs_dead_total",
			Help: "Total jobs that transitioned to dead.",
		}),
		JobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scm_sync_jobs_requeued_total",
			Help: "Total jobs requeued without penalty (e.g. lock_held).",
		}),
		HeartbeatAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scm_sync_heartbeat_aborts_total",
			Help: "Total jobs aborted because the lease heartbeat exceeded max_failures.",
		}),
		DispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scm_sync_dispatch_duration_seconds",
			Help:    "Handler dispatch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.JobsClaimed, m.JobsAcked, m.JobsFailed, m.JobsDead,
			m.JobsRequeued, m.HeartbeatAborts, m.DispatchLatency)
	}
	return m
}
