package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/podex-dev/agentcore/internal/heartbeat"
	"github.com/podex-dev/agentcore/internal/tasks"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show workers and queued task counts",
		Action: runStatus,
	}
}

func runStatus(ctx context.Context, cmd *cli.Command) error {
	svc, err := openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	workers, err := svc.Workers()
	if err != nil {
		return fmt.Errorf("read heartbeats: %w", err)
	}
	counts := make(map[tasks.Status]int)
	all, err := svc.Store.List(ctx, tasks.ListFilter{})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range all {
		counts[t.Status]++
	}

	printStatus(os.Stdout, workers, counts)
	return nil
}

func printStatus(w io.Writer, workers []heartbeat.Entry, counts map[tasks.Status]int) {
	if len(workers) == 0 {
		fmt.Fprintln(w, "No workers.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WORKER\tSTATUS\tPID\tHOST\tUPTIME\tRUNNING")
		for _, e := range workers {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
				e.WorkerID, e.Status, e.PID, e.Hostname, e.Uptime, strings.Join(e.Running, ","))
		}
		tw.Flush()
	}

	fmt.Fprintln(w)
	for _, st := range []tasks.Status{tasks.StatusQueued, tasks.StatusRunning, tasks.StatusPaused, tasks.StatusSucceeded, tasks.StatusFailed, tasks.StatusAborted} {
		fmt.Fprintf(w, "%-10s %d\n", st, counts[st])
	}
}
