package tools

import (
	"encoding/json"
	"fmt"

	"github.com/podex-dev/agentcore/internal/checkpoint"
	"github.com/podex-dev/agentcore/internal/workspace"
)

// Builtins returns the built-in remote and local tools.
func Builtins() []Tool {
	return []Tool{
		NewRemote(Spec{
			Name:        "read_file",
			Description: "Read a file from the workspace. Binary files are returned base64 encoded.",
			Class:       ClassRead,
			Parameters: map[string]ParamSpec{
				"path": {Type: "string", Description: "Path relative to the workspace root", Required: true},
			},
		}, nil),
		NewRemote(Spec{
			Name:        "list_files",
			Description: "List workspace files matching a glob pattern such as **/*.go.",
			Class:       ClassRead,
			Parameters: map[string]ParamSpec{
				"pattern": {Type: "string", Description: "Glob pattern, ** matches any number of directories"},
			},
		}, nil),
		NewRemote(Spec{
			Name:        "git_status",
			Description: "Show the git status of the workspace.",
			Class:       ClassRead,
			Parameters: map[string]ParamSpec{
				"path": {Type: "string", Description: "Restrict the status to a path"},
			},
		}, nil),
		NewRemote(Spec{
			Name:        "write_file",
			Description: "Create or overwrite a file in the workspace.",
			Class:       ClassWrite,
			Parameters: map[string]ParamSpec{
				"path":     {Type: "string", Description: "Path relative to the workspace root", Required: true},
				"content":  {Type: "string", Description: "New file content", Required: true},
				"encoding": {Type: "string", Description: "Content encoding", Enum: []string{"utf-8", "base64"}},
			},
		}, writeChanges),
		NewRemote(Spec{
			Name:        "delete_file",
			Description: "Delete a file from the workspace.",
			Class:       ClassWrite,
			Dangerous:   true,
			Parameters: map[string]ParamSpec{
				"path": {Type: "string", Description: "Path relative to the workspace root", Required: true},
			},
		}, deleteChanges),
		NewRemote(Spec{
			Name:        "rename_file",
			Description: "Rename or move a file inside the workspace.",
			Class:       ClassWrite,
			Parameters: map[string]ParamSpec{
				"from": {Type: "string", Description: "Current path", Required: true},
				"to":   {Type: "string", Description: "New path", Required: true},
			},
		}, renameChanges),
		NewRemote(Spec{
			Name:        "run_command",
			Description: "Run a shell command in the workspace root and return its output and exit code.",
			Class:       ClassWrite,
			Dangerous:   true,
			Parameters: map[string]ParamSpec{
				"command": {Type: "string", Description: "Shell command", Required: true},
				"timeout": {Type: "integer", Description: "Timeout in seconds"},
			},
		}, nil),
		NewLocal(Spec{
			Name:        "json_query",
			Description: "Extract a value from a JSON document with a path expression like items.0.name or items.#.id.",
			Class:       ClassRead,
			Parameters: map[string]ParamSpec{
				"json": {Type: "string", Description: "JSON document", Required: true},
				"path": {Type: "string", Description: "Path expression", Required: true},
			},
		}, jsonQuery),
		NewLocal(Spec{
			Name:        "calculate",
			Description: "Evaluate an arithmetic expression with + - * / and parentheses.",
			Class:       ClassRead,
			Parameters: map[string]ParamSpec{
				"expression": {Type: "string", Description: "Expression, e.g. (2 + 3) * 4", Required: true},
			},
		}, calculate),
	}
}

// NewDefaultRegistry returns a registry holding the built-in tools.
func NewDefaultRegistry() (*Registry, error) {
	return NewRegistry(Builtins()...)
}

func writeChanges(raw json.RawMessage) ([]checkpoint.FileChange, error) {
	var args workspace.WriteFileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode write_file arguments: %w", err)
	}
	return []checkpoint.FileChange{{Path: args.Path, Op: checkpoint.OpModify}}, nil
}

func deleteChanges(raw json.RawMessage) ([]checkpoint.FileChange, error) {
	var args workspace.DeleteFileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode delete_file arguments: %w", err)
	}
	return []checkpoint.FileChange{{Path: args.Path, Op: checkpoint.OpDelete}}, nil
}

func renameChanges(raw json.RawMessage) ([]checkpoint.FileChange, error) {
	var args workspace.RenameFileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode rename_file arguments: %w", err)
	}
	return []checkpoint.FileChange{{Path: args.From, NewPath: args.To, Op: checkpoint.OpRename}}, nil
}
