package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/onlyfeng/engram-sub004/pkg/scheduler"
)

func cmdRunner(args []string) (int, error) {
	if len(args) == 0 {
		return exitHardFailure, errRequiredFlag("incremental|backfill")
	}
	mode, rest := args[0], args[1:]
	switch mode {
	case "incremental":
		return cmdRunnerIncremental(rest)
	case "backfill":
		return cmdRunnerBackfill(rest)
	default:
		return exitHardFailure, fmt.Errorf("runner: unknown mode %q (want incremental or backfill)", mode)
	}
}

func cmdRunnerIncremental(args []string) (int, error) {
	fs := pflag.NewFlagSet("runner incremental", pflag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	repoRef := fs.String("repo", "", "repo reference <type>:<id> (required)")
	job := fs.String("job", "commits", "job to enqueue: commits | mrs | reviews")
	if err := fs.Parse(args); err != nil {
		return exitHardFailure, err
	}
	if *repoRef == "" {
		return exitHardFailure, errRequiredFlag("--repo")
	}

	repoType, repoID, err := parseRepoRef(*repoRef)
	if err != nil {
		return exitHardFailure, err
	}
	jobType, err := jobTypeForRepo(repoType, *job)
	if err != nil {
		return exitHardFailure, err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return exitHardFailure, err
	}
	defer a.Close()

	jobID, err := a.newScheduler().EnqueueIncremental(context.Background(), repoID, jobType, scheduler.IncrementalParams{})
	if err != nil {
		return exitHardFailure, err
	}
	if jobID == "" {
		fmt.Println("already queued: a pending or running job occupies this (repo, job_type) slot")
		return exitSuccess, nil
	}
	fmt.Printf("enqueued job_id=%s\n", jobID)
	return exitSuccess, nil
}

func cmdRunnerBackfill(args []string) (int, error) {
	fs := pflag.NewFlagSet("runner backfill", pflag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	repoRef := fs.String("repo", "", "repo reference <type>:<id> (required)")
	job := fs.String("job", "commits", "job to enqueue: commits | mrs")
	lastHours := fs.Int("last-hours", 0, "backfill the last N hours")
	lastDays := fs.Int("last-days", 0, "backfill the last N days")
	since := fs.String("since", "", "RFC3339 window start")
	until := fs.String("until", "", "RFC3339 window end")
	startRev := fs.Int64("start-rev", 0, "revision window start (svn)")
	endRev := fs.Int64("end-rev", 0, "revision window end (svn)")
	updateWatermark := fs.Bool("update-watermark", false, "advance the incremental watermark on completion")
	if err := fs.Parse(args); err != nil {
		return exitHardFailure, err
	}
	if *repoRef == "" {
		return exitHardFailure, errRequiredFlag("--repo")
	}

	repoType, repoID, err := parseRepoRef(*repoRef)
	if err != nil {
		return exitHardFailure, err
	}
	jobType, err := jobTypeForRepo(repoType, *job)
	if err != nil {
		return exitHardFailure, err
	}

	w, err := buildBackfillWindow(*lastHours, *lastDays, *since, *until, *startRev, *endRev, *updateWatermark)
	if err != nil {
		return exitHardFailure, err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return exitHardFailure, err
	}
	defer a.Close()

	jobIDs, err := a.newScheduler().EnqueueBackfill(context.Background(), repoID, jobType, w)
	if err != nil {
		return exitPartial, err
	}

	failedChunks := 0
	for _, id := range jobIDs {
		if id == "" {
			failedChunks++
		}
	}
	fmt.Printf("enqueued %d/%d chunks\n", len(jobIDs)-failedChunks, len(jobIDs))
	if failedChunks > 0 {
		return exitPartial, nil
	}
	return exitSuccess, nil
}

// buildBackfillWindow selects exactly one of the mutually exclusive window
// forms spec §6 lists for "runner backfill".
func buildBackfillWindow(lastHours, lastDays int, since, until string, startRev, endRev int64, updateWatermark bool) (scheduler.Window, error) {
	switch {
	case lastHours > 0 || lastDays > 0:
		until := time.Now().UTC()
		dur := time.Duration(lastHours)*time.Hour + time.Duration(lastDays)*24*time.Hour
		start := until.Add(-dur)
		return scheduler.Window{WindowType: "time", Since: &start, Until: &until, UpdateWatermark: updateWatermark}, nil
	case since != "" || until != "":
		s, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return scheduler.Window{}, fmt.Errorf("--since: %w", err)
		}
		u, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return scheduler.Window{}, fmt.Errorf("--until: %w", err)
		}
		return scheduler.Window{WindowType: "time", Since: &s, Until: &u, UpdateWatermark: updateWatermark}, nil
	case startRev > 0 || endRev > 0:
		start, end := startRev, endRev
		return scheduler.Window{WindowType: "revision", StartRev: &start, EndRev: &end, UpdateWatermark: updateWatermark}, nil
	default:
		return scheduler.Window{}, fmt.Errorf("backfill requires exactly one of --last-hours, --last-days, --since/--until, or --start-rev/--end-rev")
	}
}
