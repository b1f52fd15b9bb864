package workspace

import "encoding/json"

// Error kinds reported by the endpoint.
const (
	ErrKindValidation    = "validation"
	ErrKindNotFound      = "not_found"
	ErrKindToolExecution = "tool_execution"
	ErrKindTransient     = "transient"
)

// ExecuteRequest is one remote tool call.
type ExecuteRequest struct {
	Tool           string          `json:"tool"`
	Arguments      json.RawMessage `json:"arguments"`
	WorkspaceID    string          `json:"workspace_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// ExecuteResponse is the outcome of a remote tool call. Partial is set when a
// write-class tool failed after changing some state.
type ExecuteResponse struct {
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ErrorBody      `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Partial    bool            `json:"partial"`
	// Changes lists the files a command created, modified or deleted,
	// reported whether or not it succeeded.
	Changes []ChangedFile `json:"changes,omitempty"`
}

// Change ops reported in ChangedFile.
const (
	ChangeCreate = "create"
	ChangeModify = "modify"
	ChangeDelete = "delete"
)

// ChangedFile is one file changed by a command. Before carries the base64
// content the file had; it is empty for creates and BeforeOmitted is set
// when the file was too large to keep.
type ChangedFile struct {
	Path          string `json:"path"`
	Op            string `json:"op"`
	Before        string `json:"before,omitempty"`
	BeforeOmitted bool   `json:"before_omitted,omitempty"`
}

// ErrorBody describes a failed call.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Tool argument and result shapes shared by server and client.

type ReadFileArgs struct {
	Path string `json:"path"`
}

type ReadFileResult struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"` // "utf-8" or "base64"
	Size     int    `json:"size"`
}

type WriteFileArgs struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

type WriteFileResult struct {
	Path    string `json:"path"`
	Bytes   int    `json:"bytes"`
	Created bool   `json:"created"`
}

type DeleteFileArgs struct {
	Path string `json:"path"`
}

type DeleteFileResult struct {
	Path    string `json:"path"`
	Deleted bool   `json:"deleted"`
}

type RenameFileArgs struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type RenameFileResult struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type ListFilesArgs struct {
	Pattern string `json:"pattern"`
}

type ListFilesResult struct {
	Files []string `json:"files"`
}

type RunCommandArgs struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"` // seconds
}

type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

type GitStatusArgs struct {
	Path string `json:"path,omitempty"`
}
