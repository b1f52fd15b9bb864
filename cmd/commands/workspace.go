package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/oklog/run"
	"github.com/urfave/cli/v3"

	"github.com/podex-dev/agentcore/internal/workspace"
)

// NewWorkspaceCommand returns the workspace subcommand.
func NewWorkspaceCommand() *cli.Command {
	return &cli.Command{
		Name:  "workspace",
		Usage: "Workspace tool endpoint",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Serve remote tools over a directory",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "root", Usage: "Workspace directory"},
					&cli.StringFlag{Name: "listen", Usage: "host:port to listen on"},
					&cli.StringFlag{Name: "id", Usage: "Workspace id clients must present"},
				},
				Action: runWorkspaceServe,
			},
		},
	}
}

func runWorkspaceServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cmd, os.Stderr, cfg.Log.Level)

	wc := cfg.Workspace
	// CLI flags override config
	if cmd.IsSet("root") {
		wc.Root = cmd.String("root")
	}
	if cmd.IsSet("listen") {
		wc.Listen = cmd.String("listen")
	}
	if cmd.IsSet("id") {
		wc.ID = cmd.String("id")
	}
	if wc.Root == "" {
		return errors.New("workspace root is required (--root or workspace.root)")
	}

	host, portStr, err := net.SplitHostPort(wc.Listen)
	if err != nil {
		return fmt.Errorf("listen address %q: %w", wc.Listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("listen port %q: %w", portStr, err)
	}

	server := workspace.NewServer(workspace.ServerConfig{
		Workspace:   workspace.NewLocal(wc.Root),
		WorkspaceID: wc.ID,
		Host:        host,
		Port:        port,
	})

	var g run.Group

	// HTTP server.
	{
		g.Add(
			func() error {
				if err := server.Start(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			func(_ error) {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			},
		)
	}

	// Context cancellation (from parent signal handling).
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				<-ctx.Done()
				slog.Info("shutting down...")
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}
