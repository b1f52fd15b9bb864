package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
)

// NewCheckpointsCommand returns the checkpoints subcommand.
func NewCheckpointsCommand() *cli.Command {
	return &cli.Command{
		Name:  "checkpoints",
		Usage: "List, restore and prune workspace checkpoints",
		Commands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "List a session's checkpoints, newest last",
				ArgsUsage: "<session_id>",
				Action:    runCheckpointsList,
			},
			{
				Name:      "restore",
				Usage:     "Roll the workspace back to a checkpoint",
				ArgsUsage: "<checkpoint_id>",
				Action:    runCheckpointsRestore,
			},
			{
				Name:      "prune",
				Usage:     "Delete all but the newest checkpoints of a session",
				ArgsUsage: "<session_id>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "keep", Value: 20, Usage: "Checkpoints to keep"},
				},
				Action: runCheckpointsPrune,
			},
		},
	}
}

func runCheckpointsList(ctx context.Context, cmd *cli.Command) error {
	sessionID := cmd.Args().First()
	if sessionID == "" {
		return fmt.Errorf("usage: podex checkpoints list <session_id>")
	}

	svc, err := openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	cps, err := svc.Checkpoints.List(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	if len(cps) == 0 {
		fmt.Println("No checkpoints found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tID\tTASK\tCREATED\tCHANGES\tSTATE")
	for _, cp := range cps {
		state := "active"
		if cp.Invalidated {
			state = "invalidated"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
			cp.Seq, cp.ID, cp.TaskID, cp.CreatedAt.Format("2006-01-02 15:04:05"), len(cp.Changes), state)
	}
	return w.Flush()
}

func runCheckpointsRestore(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: podex checkpoints restore <checkpoint_id>")
	}

	svc, err := openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	if svc.Workspace == nil {
		return errors.New("restore needs workspace.url in the config")
	}
	if err := svc.Checkpoints.Restore(ctx, id, svc.Workspace); err != nil {
		return fmt.Errorf("restore %s: %w", id, err)
	}
	fmt.Printf("Workspace restored to checkpoint %s.\n", id)
	return nil
}

func runCheckpointsPrune(ctx context.Context, cmd *cli.Command) error {
	sessionID := cmd.Args().First()
	if sessionID == "" {
		return fmt.Errorf("usage: podex checkpoints prune <session_id>")
	}

	svc, err := openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	n, err := svc.Checkpoints.Prune(ctx, sessionID, cmd.Int("keep"))
	if err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	fmt.Printf("Pruned %d checkpoint(s).\n", n)
	return nil
}
