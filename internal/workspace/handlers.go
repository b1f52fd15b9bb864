package workspace

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

const (
	defaultRunCmdTimeout = 30 * time.Second
	maxRunCmdTimeout     = 300 * time.Second
	defaultGitTimeout    = 15 * time.Second
	maxReadFileBytes     = 4 << 20
)

// toolError is a failed tool call as reported to the client.
type toolError struct {
	kind    string
	msg     string
	partial bool
}

func (e *toolError) Error() string { return e.kind + ": " + e.msg }

func invalid(format string, args ...any) *toolError {
	return &toolError{kind: ErrKindValidation, msg: fmt.Sprintf(format, args...)}
}

func failed(err error) *toolError {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &toolError{kind: ErrKindNotFound, msg: err.Error()}
	case errors.Is(err, ErrOutsideWorkspace):
		return &toolError{kind: ErrKindValidation, msg: err.Error()}
	}
	return &toolError{kind: ErrKindToolExecution, msg: err.Error()}
}

// toolFunc runs one tool against the workspace.
type toolFunc func(ctx context.Context, ws *Local, args json.RawMessage) (any, *toolError)

// builtinTools is the closed set of tools the endpoint serves.
var builtinTools = map[string]toolFunc{
	"read_file":   readFile,
	"list_files":  listFiles,
	"write_file":  writeFile,
	"delete_file": deleteFile,
	"rename_file": renameFile,
	"run_command": runCommand,
	"git_status":  gitStatus,
}

// ToolNames lists the tools the endpoint serves.
func ToolNames() []string {
	names := make([]string, 0, len(builtinTools))
	for name := range builtinTools {
		names = append(names, name)
	}
	return names
}

func decode(args json.RawMessage, v any) *toolError {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalid("parse arguments: %v", err)
	}
	return nil
}

func readFile(ctx context.Context, ws *Local, raw json.RawMessage) (any, *toolError) {
	var args ReadFileArgs
	if terr := decode(raw, &args); terr != nil {
		return nil, terr
	}
	if args.Path == "" {
		return nil, invalid("path is required")
	}
	data, err := ws.ReadFile(ctx, args.Path)
	if err != nil {
		return nil, failed(err)
	}
	if len(data) > maxReadFileBytes {
		return nil, invalid("file too large: %d bytes (max %d)", len(data), maxReadFileBytes)
	}
	res := ReadFileResult{Path: args.Path, Size: len(data), Encoding: "utf-8", Content: string(data)}
	if !utf8.Valid(data) {
		res.Encoding = "base64"
		res.Content = base64.StdEncoding.EncodeToString(data)
	}
	return res, nil
}

func listFiles(ctx context.Context, ws *Local, raw json.RawMessage) (any, *toolError) {
	var args ListFilesArgs
	if terr := decode(raw, &args); terr != nil {
		return nil, terr
	}
	files, err := ws.Glob(ctx, args.Pattern)
	if err != nil {
		return nil, invalid("%v", err)
	}
	if files == nil {
		files = []string{}
	}
	return ListFilesResult{Files: files}, nil
}

func writeFile(ctx context.Context, ws *Local, raw json.RawMessage) (any, *toolError) {
	var args WriteFileArgs
	if terr := decode(raw, &args); terr != nil {
		return nil, terr
	}
	if args.Path == "" {
		return nil, invalid("path is required")
	}
	data := []byte(args.Content)
	switch args.Encoding {
	case "", "utf-8":
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(args.Content)
		if err != nil {
			return nil, invalid("content is not valid base64: %v", err)
		}
		data = decoded
	default:
		return nil, invalid("unknown encoding %q", args.Encoding)
	}

	existed, err := ws.Exists(ctx, args.Path)
	if err != nil {
		return nil, failed(err)
	}
	// WriteFile is atomic: a failure leaves the old content in place.
	if err := ws.WriteFile(ctx, args.Path, data); err != nil {
		return nil, failed(err)
	}
	return WriteFileResult{Path: args.Path, Bytes: len(data), Created: !existed}, nil
}

func deleteFile(ctx context.Context, ws *Local, raw json.RawMessage) (any, *toolError) {
	var args DeleteFileArgs
	if terr := decode(raw, &args); terr != nil {
		return nil, terr
	}
	if args.Path == "" {
		return nil, invalid("path is required")
	}
	existed, err := ws.Exists(ctx, args.Path)
	if err != nil {
		return nil, failed(err)
	}
	if err := ws.Remove(ctx, args.Path); err != nil {
		return nil, failed(err)
	}
	return DeleteFileResult{Path: args.Path, Deleted: existed}, nil
}

func renameFile(ctx context.Context, ws *Local, raw json.RawMessage) (any, *toolError) {
	var args RenameFileArgs
	if terr := decode(raw, &args); terr != nil {
		return nil, terr
	}
	if args.From == "" || args.To == "" {
		return nil, invalid("from and to are required")
	}
	if err := ws.Rename(ctx, args.From, args.To); err != nil {
		return nil, failed(err)
	}
	return RenameFileResult{From: args.From, To: args.To}, nil
}

func runCommand(ctx context.Context, ws *Local, raw json.RawMessage) (any, *toolError) {
	var args RunCommandArgs
	if terr := decode(raw, &args); terr != nil {
		return nil, terr
	}
	if strings.TrimSpace(args.Command) == "" {
		return nil, invalid("command is required")
	}

	timeout := defaultRunCmdTimeout
	if args.Timeout > 0 {
		timeout = min(time.Duration(args.Timeout)*time.Second, maxRunCmdTimeout)
	}

	slog.Info("run_command: executing", "command", args.Command, "timeout", timeout)
	res, terr := runShell(ctx, ws, args.Command, timeout)
	if terr != nil {
		// A command may have changed files before failing.
		terr.partial = terr.kind != ErrKindValidation
		return nil, terr
	}
	return res, nil
}

func gitStatus(ctx context.Context, ws *Local, raw json.RawMessage) (any, *toolError) {
	var args GitStatusArgs
	if terr := decode(raw, &args); terr != nil {
		return nil, terr
	}
	cmd := "git status --porcelain=v1 --branch"
	if args.Path != "" {
		clean, err := Clean(args.Path)
		if err != nil {
			return nil, failed(err)
		}
		cmd += " -- " + syntaxQuote(clean)
	}
	return runShell(ctx, ws, cmd, defaultGitTimeout)
}

// runShell interprets command with a POSIX shell interpreter rooted at the
// workspace directory. A non-zero exit status is a result, not an error.
func runShell(ctx context.Context, ws *Local, command string, timeout time.Duration) (*CommandResult, *toolError) {
	if ws.Root() == "" {
		return nil, &toolError{kind: ErrKindToolExecution, msg: "commands need an on-disk workspace"}
	}

	file, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, invalid("parse command: %v", err)
	}

	var stdout, stderr bytes.Buffer
	runner, err := interp.New(
		interp.Dir(ws.Root()),
		interp.StdIO(nil, &stdout, &stderr),
	)
	if err != nil {
		return nil, &toolError{kind: ErrKindToolExecution, msg: fmt.Sprintf("create shell: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exitCode := 0
	if err := runner.Run(ctx, file); err != nil {
		var status interp.ExitStatus
		switch {
		case ctx.Err() != nil:
			return nil, &toolError{kind: ErrKindToolExecution, msg: fmt.Sprintf("command timed out after %s", timeout)}
		case errors.As(err, &status):
			exitCode = int(status)
		default:
			return nil, &toolError{kind: ErrKindToolExecution, msg: err.Error()}
		}
	}

	return &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

func syntaxQuote(s string) string {
	q, err := syntax.Quote(s, syntax.LangBash)
	if err != nil {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return q
}
