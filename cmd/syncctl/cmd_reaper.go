package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/onlyfeng/engram-sub004/internal/healthserver"
	"github.com/onlyfeng/engram-sub004/pkg/reaper"
)

func cmdReaper(args []string) (int, error) {
	fs := pflag.NewFlagSet("reaper", pflag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	graceSeconds := fs.Int("grace-seconds", 0, "grace period past lease expiry before reaping")
	maxDurationSeconds := fs.Int("max-duration-seconds", 0, "max sync_runs duration before treated as timed out")
	policy := fs.String("policy", "", "recovery policy: to_pending | fail_retry | mark_dead")
	dryRun := fs.Bool("dry-run", false, "report what would be reaped without mutating state")
	healthAddr := fs.String("health-addr", "", "listen address for /healthz and /metrics (e.g. :9091)")
	if err := fs.Parse(args); err != nil {
		return exitHardFailure, err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return exitHardFailure, err
	}
	defer a.Close()

	cfg := reaper.Config{
		GraceSeconds:       a.cfg.Reaper.GraceSeconds,
		MaxDurationSeconds: a.cfg.Reaper.MaxDurationSeconds,
		Policy:             reaper.Policy(a.cfg.Reaper.Policy),
		BatchSize:          a.cfg.Reaper.BatchSize,
		DryRun:             *dryRun,
		KVSweepMaxAge:      a.cfg.Reaper.KVSweepMaxAge,
		KVSweepBatchSize:   a.cfg.Reaper.KVSweepBatchSize,
	}
	if *graceSeconds > 0 {
		cfg.GraceSeconds = *graceSeconds
	}
	if *maxDurationSeconds > 0 {
		cfg.MaxDurationSeconds = *maxDurationSeconds
	}
	if *policy != "" {
		cfg.Policy = reaper.Policy(*policy)
	}
	r := a.newReaper(cfg)

	healthAddrEffective := a.cfg.Reaper.HealthAddr
	if *healthAddr != "" {
		healthAddrEffective = *healthAddr
	}
	var hs *healthserver.Server
	if healthAddrEffective != "" {
		hs = healthserver.New(healthAddrEffective, a.db, a.logger)
		hs.StartAsync()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hs.Stop(ctx)
		}()
	}

	summary, err := r.Run(context.Background())
	if err != nil {
		return exitHardFailure, err
	}

	fmt.Printf("jobs_recovered=%d runs_timed_out=%d locks_cleared=%d kv_rows_swept=%d\n",
		summary.JobsRecovered, summary.RunsTimedOut, summary.LocksCleared, summary.KVRowsSwept)
	return exitSuccess, nil
}
