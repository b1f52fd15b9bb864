package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/podex-dev/agentcore/internal/config"
	"github.com/podex-dev/agentcore/internal/platform"
	"github.com/podex-dev/agentcore/internal/secrets"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "podex",
		Usage: "Run and steer Podex agent tasks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
				Sources: cli.EnvVars("PODEX_CONFIG"),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewWorkerCommand(),
			NewStatusCommand(),
			NewSubmitCommand(),
			NewControlCommand(),
			NewTasksCommand(),
			NewCheckpointsCommand(),
			NewWorkspaceCommand(),
			NewMCPServeCommand(),
			NewSecretsCommand(),
		},
	}
}

// loadConfig reads the config named by the --config flag.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := secrets.Unseal(cfg, secrets.KeyPath()); err != nil {
		return nil, fmt.Errorf("decrypt secrets: %w", err)
	}
	return cfg, nil
}

// setupLogging applies the configured level, forced to debug by --debug.
func setupLogging(cmd *cli.Command, w io.Writer, level string) *slog.LevelVar {
	if cmd.Bool("debug") {
		level = "debug"
	}
	return platform.SetupLogging(w, level)
}

// openService loads the config and opens the shared services. Logs go to
// stderr so command output on stdout stays parseable.
func openService(ctx context.Context, cmd *cli.Command) (*platform.Service, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	setupLogging(cmd, os.Stderr, cfg.Log.Level)
	return platform.Open(ctx, cfg)
}
