package mcp

import (
	"context"
	"log/slog"
	"slices"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/podex-dev/agentcore/internal/tools"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// ServerConfig configures NewServer.
type ServerConfig struct {
	Executor *tools.Executor
	// Filter keeps tools whose name or class ("read", "write") is listed.
	// Empty exposes every tool.
	Filter []string
	// AllowDangerous exposes tools that need human approval. MCP clients
	// are expected to confirm them on their side.
	AllowDangerous bool
}

// NewServer creates an MCP server exposing the executor's tools. Calls go
// through the executor, so they are validated, retried and recorded like
// orchestrator calls.
func NewServer(cfg ServerConfig) (*mcpsdk.Server, error) {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "podex",
		Version: Version,
	}, nil)

	registry := cfg.Executor.Registry()
	for _, name := range registry.Names() {
		t, _ := registry.Get(name)
		spec := t.Spec()
		if !matchesFilter(spec, cfg.Filter) || (spec.Dangerous && !cfg.AllowDangerous) {
			continue
		}
		mcpTool, err := specToMCPTool(spec)
		if err != nil {
			return nil, err
		}
		server.AddTool(mcpTool, callHandler(cfg.Executor, name))
		slog.Debug("mcp tool registered", "tool", name)
	}
	return server, nil
}

func callHandler(exec *tools.Executor, name string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		res := exec.Invoke(ctx, tools.Call{
			Name:      name,
			Arguments: string(req.Params.Arguments),
			Allowlist: []string{name},
		})
		if !res.Success {
			slog.Debug("mcp tool error", "tool", name, "kind", res.ErrorKind, "error", res.Error)
		}
		return &mcpsdk.CallToolResult{
			IsError: !res.Success,
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: res.Content()}},
		}, nil
	}
}

// matchesFilter reports whether a tool passes the filter, by name or class.
func matchesFilter(spec *tools.Spec, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, spec.Name) || slices.Contains(filter, string(spec.Class))
}
