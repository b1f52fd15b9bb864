package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/podex-dev/agentcore/internal/planner"
	"github.com/podex-dev/agentcore/internal/tasks"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect tasks",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "Only tasks in this status"},
					&cli.StringFlag{Name: "session", Usage: "Only tasks of this session"},
					&cli.IntFlag{Name: "limit", Value: 50, Usage: "Maximum number of tasks"},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			{
				Name:      "progress",
				Usage:     "Print a task's progress records",
				ArgsUsage: "<task_id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "follow", Aliases: []string{"f"}, Usage: "Keep printing until the task ends"},
				},
				Action: runTasksProgress,
			},
		},
		DefaultCommand: "list",
	}
}

func runTasksList(ctx context.Context, cmd *cli.Command) error {
	svc, err := openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	list, err := svc.Store.List(ctx, tasks.ListFilter{
		Status:    tasks.Status(cmd.String("status")),
		SessionID: cmd.String("session"),
		Limit:     cmd.Int("limit"),
	})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSESSION\tUPDATED\tGOAL")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			t.Status,
			t.SessionID,
			t.UpdatedAt.Format("2006-01-02 15:04:05"),
			truncate(t.Goal, 60),
		)
	}
	return w.Flush()
}

func runTasksShow(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: podex tasks show <task_id>")
	}

	svc, err := openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	t, err := svc.Store.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Status:      %s\n", t.Status)
	fmt.Printf("Session:     %s\n", t.SessionID)
	if t.WorkerID != "" {
		fmt.Printf("Worker:      %s (delivery %d)\n", t.WorkerID, t.DeliveryCount)
	}
	fmt.Printf("Created:     %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.StartedAt != nil {
		fmt.Printf("Started:     %s\n", t.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if t.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", t.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	if len(t.ToolAllowlist) > 0 {
		fmt.Printf("Tools:       %v\n", t.ToolAllowlist)
	}
	fmt.Printf("\nGoal:\n%s\n", t.Goal)

	plan, err := svc.Store.LoadPlan(ctx, taskID)
	switch {
	case err == nil:
		fmt.Printf("\nPlan (revision %d, %s):\n", plan.Revision, plan.Source)
		for i, step := range plan.Steps {
			fmt.Printf("  %d. [%s] %s\n", i+1, step.Status, step.Description)
		}
	case !errors.Is(err, planner.ErrPlanNotFound):
		return fmt.Errorf("load plan: %w", err)
	}

	if t.Status.Terminal() {
		printOutcome(t)
	}
	return nil
}

func runTasksProgress(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: podex tasks progress <task_id>")
	}

	svc, err := openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	if cmd.Bool("follow") {
		return follow(ctx, svc.Store, taskID)
	}
	recs, err := svc.Store.ListProgress(ctx, taskID)
	if err != nil {
		return fmt.Errorf("list progress: %w", err)
	}
	for _, r := range recs {
		printRecord(os.Stdout, r)
	}
	return nil
}

func printRecord(w io.Writer, r tasks.ProgressRecord) {
	line := fmt.Sprintf("%s #%d %-20s %s", r.Ts.Format("15:04:05"), r.Seq, r.State, r.Description)
	if r.ErrorKind != "" {
		line += " (" + r.ErrorKind + ")"
	}
	fmt.Fprintln(w, line)
}

func printOutcome(t *tasks.Task) {
	if t.Error != "" {
		fmt.Printf("\nError (%s): %s\n", t.ErrorKind, t.Error)
	}
	if t.Result != "" {
		fmt.Printf("\nResult:\n%s\n", t.Result)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
