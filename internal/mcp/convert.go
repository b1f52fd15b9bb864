// Package mcp exposes the tool registry as an MCP server, so MCP clients can
// call the same tools the orchestrator uses through the executor.
package mcp

import (
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/podex-dev/agentcore/internal/tools"
)

// specToMCPTool converts a tool spec to an mcp.Tool whose input schema is
// the one the executor validates arguments against.
func specToMCPTool(spec *tools.Spec) (*mcpsdk.Tool, error) {
	schema, err := spec.Schema()
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", spec.Name, err)
	}
	destructive := spec.Dangerous
	return &mcpsdk.Tool{
		Name:        spec.Name,
		Description: spec.Description,
		InputSchema: schema,
		Annotations: &mcpsdk.ToolAnnotations{
			ReadOnlyHint:    spec.Class == tools.ClassRead,
			DestructiveHint: &destructive,
		},
	}, nil
}
