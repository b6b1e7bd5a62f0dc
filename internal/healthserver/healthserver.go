// Package healthserver exposes the /healthz and /metrics HTTP endpoints
// shared by every long-running syncctl subcommand (worker, reaper), grounded
// on the teacher's pkg/infrastructure/metrics.Server (NewServer/StartAsync/
// Stop lifecycle), rebuilt here over zap and a db ping instead of logrus.
package healthserver

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is satisfied by *sqlx.DB; kept narrow so this package doesn't need
// to import sqlx just to check liveness.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server serves /healthz (DB connectivity probe) and /metrics (Prometheus
// exposition) on a dedicated listen address, independent of any traffic the
// process otherwise serves.
type Server struct {
	addr   string
	db     Pinger
	log    *zap.Logger
	server *http.Server
}

// New builds a Server bound to addr (e.g. ":9090"). db may be nil, in which
// case /healthz always reports ok without a connectivity check.
func New(addr string, db Pinger, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	s := &Server{addr: addr, db: db, log: logger}
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("db unreachable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// StartAsync starts the server in a background goroutine and logs (rather
// than returns) a bind failure, since callers run it alongside a worker or
// reaper loop they don't want to abort over a metrics-port conflict.
func (s *Server) StartAsync() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("health server stopped", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts the server down, honoring ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
