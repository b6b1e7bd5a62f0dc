package main

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/onlyfeng/engram-sub004/internal/healthserver"
	"github.com/onlyfeng/engram-sub004/internal/logging"
	"github.com/onlyfeng/engram-sub004/pkg/models"
	"github.com/onlyfeng/engram-sub004/pkg/worker"
)

func cmdWorker(args []string) (int, error) {
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	workerID := fs.String("worker-id", "", "unique worker identity (required)")
	jobTypesRaw := fs.String("job-types", "", "comma-separated job types to claim (default: all)")
	once := fs.Bool("once", false, "claim and process a single job, then exit")
	pollInterval := fs.Duration("poll-interval", 0, "poll interval between empty claims")
	leaseSeconds := fs.Int("lease-seconds", 0, "lease duration granted on claim")
	healthAddr := fs.String("health-addr", "", "listen address for /healthz and /metrics (e.g. :9090)")
	if err := fs.Parse(args); err != nil {
		return exitHardFailure, err
	}
	if *workerID == "" {
		return exitHardFailure, errRequiredFlag("--worker-id")
	}

	a, err := newApp(*configPath)
	if err != nil {
		return exitHardFailure, err
	}
	defer a.Close()

	var jobTypes []models.JobType
	if *jobTypesRaw != "" {
		for _, s := range strings.Split(*jobTypesRaw, ",") {
			jobTypes = append(jobTypes, models.JobType(strings.TrimSpace(s)))
		}
	}

	cfg := worker.Config{
		WorkerID:      *workerID,
		JobTypes:      jobTypes,
		PollInterval:  a.cfg.Worker.PollInterval,
		LeaseSeconds:  a.cfg.Worker.LeaseSeconds,
		RenewInterval: a.cfg.Worker.RenewInterval,
		Once:          *once,
	}
	if *pollInterval > 0 {
		cfg.PollInterval = *pollInterval
	}
	if *leaseSeconds > 0 {
		cfg.LeaseSeconds = *leaseSeconds
	}
	w := a.newWorker(cfg)

	healthAddrEffective := a.cfg.Worker.HealthAddr
	if *healthAddr != "" {
		healthAddrEffective = *healthAddr
	}
	if healthAddrEffective != "" {
		hs := healthserver.New(healthAddrEffective, a.db, a.logger)
		hs.StartAsync()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hs.Stop(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.logger.Info("worker starting", logging.NewFields().Component("syncctl").Operation("worker").Zap()...)
	err = w.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return exitHardFailure, err
	}
	return exitSuccess, nil
}
