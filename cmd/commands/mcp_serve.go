package commands

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	podexmcp "github.com/podex-dev/agentcore/internal/mcp"
	"github.com/podex-dev/agentcore/internal/platform"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewMCPServeCommand returns the mcp-serve subcommand.
func NewMCPServeCommand() *cli.Command {
	return &cli.Command{
		Name:      "mcp-serve",
		Usage:     "Expose Podex tools as an MCP server (stdio)",
		ArgsUsage: "[tool or class...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "allow-dangerous",
				Usage: "Also expose tools that need approval; the MCP client confirms them",
			},
		},
		Action: runMCPServe,
	}
}

func runMCPServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// Logs stay on stderr and quiet: stdout is the MCP stdio transport.
	level := "warn"
	if cmd.Bool("debug") {
		level = "debug"
	}
	platform.SetupLogging(os.Stderr, level)

	svc, err := platform.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	filter := cmd.Args().Slice()
	server, err := podexmcp.NewServer(podexmcp.ServerConfig{
		Executor:       svc.Tools,
		Filter:         filter,
		AllowDangerous: cmd.Bool("allow-dangerous"),
	})
	if err != nil {
		return err
	}

	slog.Debug("starting MCP server", "filter", filter)
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}
