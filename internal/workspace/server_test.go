package workspace

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/podex-dev/agentcore/internal/fault"
)

func newTestEndpoint(t *testing.T, ws *Local) *Client {
	t.Helper()
	srv := NewServer(ServerConfig{Workspace: ws, WorkspaceID: "ws1"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return NewClient(ClientConfig{BaseURL: ts.URL, WorkspaceID: "ws1"})
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestWriteReadRenameDelete(t *testing.T) {
	ctx := context.Background()
	client := newTestEndpoint(t, NewMemory())

	resp, err := client.Execute(ctx, "write_file", mustJSON(t, WriteFileArgs{Path: "src/a.py", Content: "print(1)\n"}), "")
	if err != nil {
		t.Fatalf("write_file: %v", err)
	}
	var wr WriteFileResult
	if err := json.Unmarshal(resp.Result, &wr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !wr.Created || wr.Bytes != 9 {
		t.Errorf("write result: got %+v", wr)
	}

	if _, err := client.Execute(ctx, "rename_file", mustJSON(t, RenameFileArgs{From: "src/a.py", To: "src/b.py"}), ""); err != nil {
		t.Fatalf("rename_file: %v", err)
	}

	data, err := client.ReadFile(ctx, "src/b.py")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "print(1)\n" {
		t.Errorf("content: got %q", data)
	}

	if _, err := client.ReadFile(ctx, "src/a.py"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("old path: expected fs.ErrNotExist, got %v", err)
	}

	resp, err = client.Execute(ctx, "list_files", mustJSON(t, ListFilesArgs{Pattern: "**/*.py"}), "")
	if err != nil {
		t.Fatalf("list_files: %v", err)
	}
	var lr ListFilesResult
	_ = json.Unmarshal(resp.Result, &lr)
	if len(lr.Files) != 1 || lr.Files[0] != "src/b.py" {
		t.Errorf("list_files: got %v", lr.Files)
	}

	if err := client.Remove(ctx, "src/b.py"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := client.Remove(ctx, "src/b.py"); err != nil {
		t.Fatalf("Remove missing: %v", err)
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newTestEndpoint(t, NewMemory())

	blob := []byte{0xff, 0x00, 0xfe, 'x'}
	if err := client.WriteFile(ctx, "bin.dat", blob); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := client.ReadFile(ctx, "bin.dat")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(blob) {
		t.Errorf("content: got %v, want %v", got, blob)
	}
}

func TestValidationErrors(t *testing.T) {
	ctx := context.Background()
	client := newTestEndpoint(t, NewMemory())

	tests := []struct {
		name string
		tool string
		args string
	}{
		{"unknown tool", "format_disk", `{}`},
		{"missing path", "write_file", `{"content":"x"}`},
		{"unknown field", "read_file", `{"path":"a","mode":"r"}`},
		{"escape", "read_file", `{"path":"../etc/passwd"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.Execute(ctx, tt.tool, json.RawMessage(tt.args), "")
			if !errors.Is(err, fault.Validation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if resp == nil || resp.Success {
				t.Errorf("expected failed response, got %+v", resp)
			}
		})
	}
}

func TestWrongWorkspaceRejected(t *testing.T) {
	client := newTestEndpoint(t, NewMemory()).WithWorkspace("other")
	_, err := client.Execute(context.Background(), "list_files", json.RawMessage(`{}`), "")
	if !errors.Is(err, fault.Validation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	ctx := context.Background()
	ws := NewMemory()
	client := newTestEndpoint(t, ws)

	args := mustJSON(t, WriteFileArgs{Path: "a.txt", Content: "first"})
	if _, err := client.Execute(ctx, "write_file", args, "task_1:1:call_1"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ws.WriteFile(ctx, "a.txt", []byte("changed")); err != nil {
		t.Fatalf("local write: %v", err)
	}

	resp, err := client.Execute(ctx, "write_file", args, "task_1:1:call_1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !resp.Success {
		t.Fatal("replayed response should be successful")
	}
	data, _ := ws.ReadFile(ctx, "a.txt")
	if string(data) != "changed" {
		t.Errorf("replay must not re-apply the write, got %q", data)
	}
}

func TestRunCommand(t *testing.T) {
	ctx := context.Background()
	client := newTestEndpoint(t, NewLocal(t.TempDir()))

	resp, err := client.Execute(ctx, "run_command", mustJSON(t, RunCommandArgs{Command: "echo hello > out.txt; cat out.txt"}), "")
	if err != nil {
		t.Fatalf("run_command: %v", err)
	}
	var res CommandResult
	_ = json.Unmarshal(resp.Result, &res)
	if strings.TrimSpace(res.Stdout) != "hello" || res.ExitCode != 0 {
		t.Errorf("result: got %+v", res)
	}

	resp, err = client.Execute(ctx, "run_command", mustJSON(t, RunCommandArgs{Command: "exit 3"}), "")
	if err != nil {
		t.Fatalf("exit 3: %v", err)
	}
	_ = json.Unmarshal(resp.Result, &res)
	if res.ExitCode != 3 {
		t.Errorf("ExitCode: got %d, want 3", res.ExitCode)
	}

	_, err = client.Execute(ctx, "run_command", mustJSON(t, RunCommandArgs{Command: "echo 'unterminated"}), "")
	if !errors.Is(err, fault.Validation) {
		t.Errorf("parse error: expected validation, got %v", err)
	}
}

func TestRunCommandReportsChanges(t *testing.T) {
	ctx := context.Background()
	ws := NewLocal(t.TempDir())
	client := newTestEndpoint(t, ws)
	if _, err := client.Execute(ctx, "write_file", mustJSON(t, WriteFileArgs{Path: "keep.txt", Content: "old\n"}), ""); err != nil {
		t.Fatalf("write_file: %v", err)
	}
	if _, err := client.Execute(ctx, "write_file", mustJSON(t, WriteFileArgs{Path: "gone.txt", Content: "bye\n"}), ""); err != nil {
		t.Fatalf("write_file: %v", err)
	}

	resp, err := client.Execute(ctx, "run_command", mustJSON(t, RunCommandArgs{Command: "echo new > keep.txt; echo hi > made.txt; rm gone.txt"}), "")
	if err != nil {
		t.Fatalf("run_command: %v", err)
	}
	want := []struct{ path, op, before string }{
		{"gone.txt", ChangeDelete, "bye\n"},
		{"keep.txt", ChangeModify, "old\n"},
		{"made.txt", ChangeCreate, ""},
	}
	if len(resp.Changes) != len(want) {
		t.Fatalf("changes: got %+v", resp.Changes)
	}
	for i, w := range want {
		c := resp.Changes[i]
		if c.Path != w.path || c.Op != w.op {
			t.Errorf("change %d: got %s %s, want %s %s", i, c.Op, c.Path, w.op, w.path)
		}
		before, err := base64.StdEncoding.DecodeString(c.Before)
		if err != nil {
			t.Fatalf("decode before: %v", err)
		}
		if string(before) != w.before {
			t.Errorf("change %d before: got %q, want %q", i, before, w.before)
		}
	}

	resp, err = client.Execute(ctx, "run_command", mustJSON(t, RunCommandArgs{Command: "cat keep.txt"}), "")
	if err != nil {
		t.Fatalf("run_command: %v", err)
	}
	if len(resp.Changes) != 0 {
		t.Errorf("read-only command reported changes: %+v", resp.Changes)
	}
}

func TestRunCommandNeedsDisk(t *testing.T) {
	client := newTestEndpoint(t, NewMemory())
	_, err := client.Execute(context.Background(), "run_command", mustJSON(t, RunCommandArgs{Command: "true"}), "")
	if !errors.Is(err, fault.ToolExecution) {
		t.Errorf("expected tool execution error, got %v", err)
	}
}

func TestClientUnreachable(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()

	client := NewClient(ClientConfig{BaseURL: url, WorkspaceID: "ws1"})
	_, err := client.Execute(context.Background(), "write_file", json.RawMessage(`{"path":"a","content":"b"}`), "")
	if !errors.Is(err, fault.Transient) {
		t.Fatalf("expected transient, got %v", err)
	}
	if fault.IsPartial(err) {
		t.Error("a refused connection never reached the server")
	}
}

func TestClean(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"a.py", "a.py", false},
		{"/src/./b.py", "src/b.py", false},
		{"src/../c.py", "c.py", false},
		{"../x", "", true},
		{"a/../../x", "", true},
		{"/", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := Clean(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Clean(%q): err %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Clean(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStatusErrorKeepsRunesWhole(t *testing.T) {
	body := []byte(strings.Repeat("x", 199) + "€ and more")
	err := statusError("read_file", 502, body)
	if !utf8.ValidString(err.Error()) {
		t.Fatalf("error message is not valid UTF-8: %q", err.Error())
	}
	if !strings.HasSuffix(err.Error(), strings.Repeat("x", 199)) {
		t.Errorf("message: %q", err.Error())
	}
}
