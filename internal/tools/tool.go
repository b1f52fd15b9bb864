package tools

import (
	"context"
	"encoding/json"

	"github.com/podex-dev/agentcore/internal/checkpoint"
)

// Tool is implemented by *LocalTool and *RemoteTool only.
type Tool interface {
	Spec() *Spec
	Target() Target
	sealed()
}

// LocalFunc runs a local tool. The returned value is marshalled to JSON.
type LocalFunc func(ctx context.Context, args json.RawMessage) (any, error)

// ChangeFunc reports the files a write-class call will touch, derived from
// its arguments.
type ChangeFunc func(args json.RawMessage) ([]checkpoint.FileChange, error)

// LocalTool runs in process.
type LocalTool struct {
	spec Spec
	fn   LocalFunc
}

// NewLocal creates a local tool.
func NewLocal(spec Spec, fn LocalFunc) *LocalTool {
	return &LocalTool{spec: spec, fn: fn}
}

func (t *LocalTool) Spec() *Spec    { return &t.spec }
func (t *LocalTool) Target() Target { return TargetLocal }
func (t *LocalTool) sealed()        {}

// RemoteTool runs on the workspace endpoint.
type RemoteTool struct {
	spec    Spec
	changes ChangeFunc
}

// NewRemote creates a remote tool. changes may be nil for tools whose file
// effects cannot be known up front.
func NewRemote(spec Spec, changes ChangeFunc) *RemoteTool {
	return &RemoteTool{spec: spec, changes: changes}
}

func (t *RemoteTool) Spec() *Spec    { return &t.spec }
func (t *RemoteTool) Target() Target { return TargetRemote }
func (t *RemoteTool) sealed()        {}

var (
	_ Tool = (*LocalTool)(nil)
	_ Tool = (*RemoteTool)(nil)
)
