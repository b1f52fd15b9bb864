package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/podex-dev/agentcore/internal/queue"
)

// NewControlCommand returns the control subcommand.
func NewControlCommand() *cli.Command {
	approvalFlags := []cli.Flag{
		&cli.StringFlag{Name: "token", Usage: "Approval request token (empty answers the pending request)"},
		&cli.StringFlag{Name: "reason", Usage: "Reason recorded with the decision"},
	}
	return &cli.Command{
		Name:  "control",
		Usage: "Steer a running task",
		Commands: []*cli.Command{
			signalCommand("abort", "Abort a task", queue.SignalAbort),
			signalCommand("pause", "Pause a task at its next step boundary", queue.SignalPause),
			signalCommand("resume", "Resume a paused task", queue.SignalResume),
			{
				Name:      "approve",
				Usage:     "Approve a pending action",
				ArgsUsage: "<task_id>",
				Flags:     approvalFlags,
				Action:    approvalAction(true),
			},
			{
				Name:      "reject",
				Usage:     "Reject a pending action",
				ArgsUsage: "<task_id>",
				Flags:     approvalFlags,
				Action:    approvalAction(false),
			},
		},
	}
}

func signalCommand(name, usage string, typ queue.SignalType) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<task_id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return sendSignal(ctx, cmd, func(taskID string) queue.Signal {
				return queue.Signal{Type: typ, TaskID: taskID}
			})
		},
	}
}

func approvalAction(approved bool) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		return sendSignal(ctx, cmd, func(taskID string) queue.Signal {
			return queue.NewApprovalSignal(taskID, queue.ApprovalResponse{
				Token:    cmd.String("token"),
				Approved: approved,
				Reason:   cmd.String("reason"),
			})
		})
	}
}

func sendSignal(ctx context.Context, cmd *cli.Command, build func(taskID string) queue.Signal) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: podex control %s <task_id>", cmd.Name)
	}

	svc, err := openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	sig := build(taskID)
	if err := svc.Control(ctx, sig); err != nil {
		return fmt.Errorf("send %s: %w", sig.Type, err)
	}
	fmt.Printf("Sent %s to task %s.\n", sig.Type, taskID)
	return nil
}
