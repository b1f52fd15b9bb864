package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/podex-dev/agentcore/internal/tasks"
)

// NewSubmitCommand returns the submit subcommand.
func NewSubmitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Queue a task for the workers",
		ArgsUsage: "<goal...>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "Task id (generated when empty)"},
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Session id (generated when empty)"},
			&cli.StringFlag{Name: "user", Usage: "User id"},
			&cli.StringFlag{Name: "workspace", Usage: "Workspace id"},
			&cli.StringSliceFlag{Name: "allow", Usage: "Allowed tool (repeatable, empty allows all)"},
			&cli.IntFlag{Name: "max-iterations", Usage: "Model turn budget"},
			&cli.IntFlag{Name: "max-tokens", Usage: "Token budget"},
			&cli.IntFlag{Name: "max-tool-calls", Usage: "Tool call budget"},
			&cli.BoolFlag{Name: "wait", Aliases: []string{"w"}, Usage: "Follow progress until the task ends"},
		},
		Action: runSubmit,
	}
}

func runSubmit(ctx context.Context, cmd *cli.Command) error {
	goal := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if goal == "" {
		return fmt.Errorf("usage: podex submit <goal>")
	}

	svc, err := openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	session := cmd.String("session")
	if session == "" {
		session = "sess_" + uuid.New().String()[:8]
	}
	t, err := svc.Submit(ctx, tasks.Payload{
		TaskID:        cmd.String("id"),
		SessionID:     session,
		Goal:          goal,
		ToolAllowlist: cmd.StringSlice("allow"),
		Budget: tasks.Budget{
			MaxIterations: cmd.Int("max-iterations"),
			MaxTokens:     cmd.Int("max-tokens"),
			MaxToolCalls:  cmd.Int("max-tool-calls"),
		},
		UserID:      cmd.String("user"),
		WorkspaceID: cmd.String("workspace"),
	})
	if err != nil {
		return err
	}
	fmt.Printf("Task %s queued (session %s).\n", t.ID, t.SessionID)

	if !cmd.Bool("wait") {
		return nil
	}
	return follow(ctx, svc.Store, t.ID)
}

// follow prints progress records as they are stored until the task ends.
func follow(ctx context.Context, store tasks.Store, taskID string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	printed := 0
	for {
		recs, err := store.ListProgress(ctx, taskID)
		if err != nil {
			return err
		}
		for _, r := range recs[printed:] {
			printRecord(os.Stdout, r)
		}
		printed = len(recs)

		t, err := store.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			printOutcome(t)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
