package commands

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/podex-dev/agentcore/internal/config"
	"github.com/podex-dev/agentcore/internal/heartbeat"
	"github.com/podex-dev/agentcore/internal/tasks"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("PODEX_PATH", dir)
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
storage:
  driver: memory
queue:
  driver: memory
orchestrator:
  max_replans: 1
  approval_timeout: 5m
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(args ...string) error {
	return NewRootCommand().Run(context.Background(), append([]string{"podex"}, args...))
}

func TestSubmit(t *testing.T) {
	cfg := writeConfig(t)
	if err := runCLI("-c", cfg, "submit", "--session", "s1", "--allow", "read_file", "summarize", "README.md"); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestSubmitNeedsGoal(t *testing.T) {
	if err := runCLI("-c", writeConfig(t), "submit"); err == nil {
		t.Error("expected a usage error")
	}
}

func TestControlUnknownTask(t *testing.T) {
	err := runCLI("-c", writeConfig(t), "control", "abort", "missing")
	if !errors.Is(err, tasks.ErrTaskNotFound) {
		t.Errorf("got %v, want ErrTaskNotFound", err)
	}
}

func TestMissingConfig(t *testing.T) {
	if err := runCLI("-c", filepath.Join(t.TempDir(), "none.jsonc"), "tasks", "list"); err == nil {
		t.Error("expected a config error")
	}
}

func TestRestoreNeedsWorkspace(t *testing.T) {
	if err := runCLI("-c", writeConfig(t), "checkpoints", "restore", "cp1"); err == nil {
		t.Error("expected an error without a workspace url")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo world", 5); got != "héllo..." {
		t.Errorf("truncate: got %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate: got %q", got)
	}
}

func TestStatus(t *testing.T) {
	if err := runCLI("-c", writeConfig(t), "status"); err != nil {
		t.Fatalf("status: %v", err)
	}
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	workers := []heartbeat.Entry{{
		Heartbeat: heartbeat.Heartbeat{WorkerID: "w1", PID: 42, Uptime: "1m0s", Running: []string{"t1", "t2"}},
		Status:    heartbeat.StatusStale,
	}}
	printStatus(&buf, workers, map[tasks.Status]int{tasks.StatusQueued: 3})

	out := buf.String()
	for _, want := range []string{"w1", "stale", "t1,t2", "queued", "3"} {
		if !strings.Contains(out, want) {
			t.Errorf("output misses %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printStatus(&buf, nil, nil)
	if !strings.Contains(buf.String(), "No workers.") {
		t.Errorf("empty output: %q", buf.String())
	}
}

func TestSecretsSetThenUnseal(t *testing.T) {
	cfg := writeConfig(t)
	if err := runCLI("-c", cfg, "secrets", "set", "PODEX_TEST_KEY", "s3cret"); err != nil {
		t.Fatalf("secrets set: %v", err)
	}
	data, err := os.ReadFile(config.DotenvPath())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "s3cret") || !strings.Contains(string(data), "PODEX_TEST_KEY=ENC[age:") {
		t.Fatalf("dotenv content:\n%s", data)
	}

	if err := config.LoadDotenv(config.DotenvPath()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("PODEX_TEST_KEY") })
	if err := runCLI("-c", cfg, "status"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := os.Getenv("PODEX_TEST_KEY"); got != "s3cret" {
		t.Errorf("env after unseal: %q", got)
	}
}

func TestSecretsSetUsage(t *testing.T) {
	if err := runCLI("-c", writeConfig(t), "secrets", "set", "ONLY_KEY"); err == nil {
		t.Error("expected a usage error")
	}
}
