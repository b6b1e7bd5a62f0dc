// Command syncctl is the single binary for every spec §6 subcommand:
// worker, reaper, runner (incremental|backfill), materialize, and the
// supplemented dlq (list|requeue) operator tool.
package main

import (
	"fmt"
	"os"
)

const (
	exitSuccess      = 0
	exitPartial      = 1
	exitHardFailure  = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitHardFailure
	}

	sub, rest := args[0], args[1:]
	var (
		code int
		err  error
	)
	switch sub {
	case "worker":
		code, err = cmdWorker(rest)
	case "reaper":
		code, err = cmdReaper(rest)
	case "runner":
		code, err = cmdRunner(rest)
	case "materialize":
		code, err = cmdMaterialize(rest)
	case "dlq":
		code, err = cmdDLQ(rest)
	case "-h", "--help", "help":
		usage()
		return exitSuccess
	default:
		fmt.Fprintf(os.Stderr, "syncctl: unknown subcommand %q\n", sub)
		usage()
		return exitHardFailure
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "syncctl %s: %v\n", sub, err)
		if code == exitSuccess {
			code = exitHardFailure
		}
	}
	return code
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: syncctl <command> [flags]

commands:
  worker      claim and execute sync_jobs until interrupted (or once, with --once)
  reaper      recover orphaned jobs, timed-out runs, and expired locks
  runner      enqueue incremental or backfill sync_jobs
  materialize drain pending/failed patch_blobs through the materializer
  dlq         inspect and requeue dead-lettered sync_jobs

run "syncctl <command> -h" for command-specific flags.`)
}
