package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const minimal = `{
	// required
	"orchestrator": {"max_replans": 2, "approval_timeout": "10m"},
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSONC(t *testing.T) {
	content := `{
	// This is a JSONC comment
	"models": {
		"default": "claude",
		"providers": {
			"claude": {
				"driver": "anthropic",
				"model": "claude-sonnet-4-20250514",
				"auth": {"api_key": "${{ .Env.ANTHROPIC_API_KEY }}"},
				"max_tokens": 4096,
				"timeout": "90s",
			},
		},
	},
	"queue": {"driver": "redis", "redis": {"addr": "localhost:6379"}},
	"orchestrator": {"max_replans": 0, "approval_timeout": "5m"},
}`
	t.Setenv("ANTHROPIC_API_KEY", "test-key-123")

	cfg, err := Load(writeFile(t, "config.jsonc", content))
	if err != nil {
		t.Fatal(err)
	}

	p, ok := cfg.Models.Providers["claude"]
	if !ok {
		t.Fatal("expected claude provider")
	}
	if p.Auth.APIKey != "test-key-123" {
		t.Errorf("expected api_key test-key-123, got %s", p.Auth.APIKey)
	}
	if p.Timeout.Duration() != 90*time.Second {
		t.Errorf("expected 90s timeout, got %s", p.Timeout.Duration())
	}
	if cfg.Queue.Driver != "redis" || cfg.Queue.Redis.Addr != "localhost:6379" {
		t.Errorf("unexpected queue config: %+v", cfg.Queue)
	}
	if cfg.Orchestrator.MaxReplans == nil || *cfg.Orchestrator.MaxReplans != 0 {
		t.Errorf("expected explicit max_replans 0, got %v", cfg.Orchestrator.MaxReplans)
	}
	if cfg.Orchestrator.ApprovalTimeout.Duration() != 5*time.Minute {
		t.Errorf("expected approval timeout 5m, got %s", cfg.Orchestrator.ApprovalTimeout.Duration())
	}
}

func TestLoadYAML(t *testing.T) {
	content := `
log:
  level: debug
worker:
  concurrency: 8
  poll_interval: 250ms
orchestrator:
  max_replans: 3
  approval_timeout: 15m
  planning: true
retry:
  policy: fixed
  base_delay: 2s
`
	cfg, err := Load(writeFile(t, "config.yaml", content))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected debug level, got %q", cfg.Log.Level)
	}
	if cfg.Worker.Concurrency != 8 || cfg.Worker.PollInterval.Duration() != 250*time.Millisecond {
		t.Errorf("unexpected worker config: %+v", cfg.Worker)
	}
	if *cfg.Orchestrator.MaxReplans != 3 || !cfg.Orchestrator.Planning {
		t.Errorf("unexpected orchestrator config: %+v", cfg.Orchestrator)
	}
	if cfg.Retry.Policy != "fixed" || cfg.Retry.BaseDelay.Duration() != 2*time.Second {
		t.Errorf("unexpected retry config: %+v", cfg.Retry)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PODEX_PATH", "/tmp/podex-test")
	cfg, err := Load(writeFile(t, "config.jsonc", minimal))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Queue.Driver != "memory" || cfg.Queue.Lease.Duration() != 30*time.Second {
		t.Errorf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "/tmp/podex-test/podex.db" {
		t.Errorf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Worker.Concurrency != 4 || cfg.Worker.MaxDeliveries != 3 || cfg.Worker.ID == "" {
		t.Errorf("unexpected worker defaults: %+v", cfg.Worker)
	}
	if cfg.Orchestrator.MaxIterations != 25 || cfg.Orchestrator.MaxToolCalls != 50 {
		t.Errorf("unexpected orchestrator defaults: %+v", cfg.Orchestrator)
	}
	if cfg.Events.BufferSize != 1024 {
		t.Errorf("expected default buffer 1024, got %d", cfg.Events.BufferSize)
	}
}

func TestRequiredOrchestratorSettings(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"missing max_replans", `{"orchestrator": {"approval_timeout": "1m"}}`, "MaxReplans"},
		{"missing approval_timeout", `{"orchestrator": {"max_replans": 1}}`, "ApprovalTimeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.jsonc", tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("expected error to mention %s, got %v", tt.field, err)
			}
		})
	}
}

func TestInvalidValues(t *testing.T) {
	for _, content := range []string{
		`{"orchestrator": {"max_replans": 1, "approval_timeout": "1m"}, "queue": {"driver": "kafka"}}`,
		`{"orchestrator": {"max_replans": 1, "approval_timeout": "1m"}, "queue": {"driver": "redis"}}`,
		`{"orchestrator": {"max_replans": 1, "approval_timeout": "1m"}, "models": {"providers": {"x": {"driver": "nope"}}}}`,
		`{"orchestrator": {"max_replans": 1, "approval_timeout": "soon"}}`,
		`{"orchestrator": {"max_replans": 1, "approval_timeout": "1m"}, "retry": {"retryable": ["flaky"]}}`,
		`{"orchestrator": {"max_replans": 1, "approval_timeout": "1m"}, "retry": {"tools": {"run_command": {"policy": "random"}}}}`,
	} {
		if _, err := Load(writeFile(t, "config.jsonc", content)); err == nil {
			t.Errorf("expected error for %s", content)
		}
	}
}

func TestRetryForTool(t *testing.T) {
	content := `{
	"orchestrator": {"max_replans": 1, "approval_timeout": "1m"},
	"retry": {
		"max_attempts": 4,
		"base_delay": "1s",
		"retryable": ["transient_network"],
		"tools": {"run_command": {"max_attempts": 1, "retryable": []}},
	},
}`
	cfg, err := Load(writeFile(t, "config.jsonc", content))
	if err != nil {
		t.Fatal(err)
	}
	cmd := cfg.Retry.ForTool("run_command")
	if cmd.MaxAttempts != 1 || cmd.BaseDelay.Duration() != time.Second || len(cmd.Retryable) != 0 || cmd.Retryable == nil {
		t.Errorf("run_command: %+v", cmd)
	}
	other := cfg.Retry.ForTool("read_file")
	if other.MaxAttempts != 4 || len(other.Retryable) != 1 || other.Tools != nil {
		t.Errorf("read_file: %+v", other)
	}
}

func TestExpandEnvTemplates(t *testing.T) {
	t.Setenv("TEST_KEY", "my-secret")
	got, err := expandEnvTemplates(`{"key": "${{ .Env.TEST_KEY }}", "missing": "${{ .Env.PODEX_UNSET_VAR }}"}`)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"key": "my-secret", "missing": ""}`
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestExpandEnvTemplatesBadSyntax(t *testing.T) {
	if _, err := expandEnvTemplates(`"${{ .Env.( }}"`); err == nil {
		t.Error("expected template error")
	}
}

func TestPodexPath(t *testing.T) {
	t.Setenv("PODEX_PATH", "/tmp/test-podex")
	if got := ConfigPath(); got != "/tmp/test-podex/config.jsonc" {
		t.Errorf("ConfigPath() = %q", got)
	}
	if got := DotenvPath(); got != "/tmp/test-podex/.env" {
		t.Errorf("DotenvPath() = %q", got)
	}

	t.Setenv("PODEX_PATH", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := PodexPath(); got != filepath.Join(home, ".podex") {
		t.Errorf("PodexPath() = %q", got)
	}
}

func TestLoadDotenv(t *testing.T) {
	path := writeFile(t, ".env", "# comment\nPODEX_DB_HOST=localhost\nPODEX_SECRET=\"my-secret-value\"\nPODEX_EXISTING=new\n")
	os.Unsetenv("PODEX_DB_HOST")
	os.Unsetenv("PODEX_SECRET")
	t.Cleanup(func() {
		os.Unsetenv("PODEX_DB_HOST")
		os.Unsetenv("PODEX_SECRET")
	})
	t.Setenv("PODEX_EXISTING", "original")

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("PODEX_DB_HOST"); got != "localhost" {
		t.Errorf("PODEX_DB_HOST = %q", got)
	}
	if got := os.Getenv("PODEX_SECRET"); got != "my-secret-value" {
		t.Errorf("PODEX_SECRET = %q", got)
	}
	if got := os.Getenv("PODEX_EXISTING"); got != "original" {
		t.Errorf("existing var overridden: %q", got)
	}
}

func TestLoadDotenvMissingFile(t *testing.T) {
	if err := LoadDotenv("/nonexistent/.env"); err != nil {
		t.Errorf("missing file should be ignored, got: %v", err)
	}
}

func TestReloader(t *testing.T) {
	dir := t.TempDir()
	dotenvPath := filepath.Join(dir, ".env")
	configPath := filepath.Join(dir, "config.jsonc")

	if err := os.WriteFile(dotenvPath, []byte("PODEX_RELOAD_LEVEL=info\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	content := `{"log": {"level": "${{ .Env.PODEX_RELOAD_LEVEL }}"}, "orchestrator": {"max_replans": 1, "approval_timeout": "1m"}}`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PODEX_RELOAD_LEVEL", "")

	initial := &Config{}
	var prepared atomic.Int32
	r := NewReloader(ReloaderConfig{
		ConfigPath: configPath,
		DotenvPath: dotenvPath,
		Initial:    initial,
		Prepare: func(*Config) error {
			prepared.Add(1)
			return nil
		},
	})
	var calls atomic.Int32
	r.OnReload(func(old, _ *Config) {
		if old != initial {
			t.Error("listener should see the previous config")
		}
		calls.Add(1)
	})

	if err := os.WriteFile(dotenvPath, []byte("PODEX_RELOAD_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if calls.Load() != 1 || prepared.Load() != 1 {
		t.Errorf("listener called %d times, prepare %d, want 1", calls.Load(), prepared.Load())
	}
	if got := r.Current(); got == initial || got.Log.Level != "debug" {
		t.Errorf("unexpected current config: %+v", got.Log)
	}

	// A broken config keeps the previous one.
	if err := os.WriteFile(configPath, []byte(`{"orchestrator": {}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if r.Current().Log.Level != "debug" {
		t.Error("failed reload replaced the config")
	}
}

func TestReloaderPrepareFailureKeepsConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.jsonc")
	content := `{"orchestrator": {"max_replans": 1, "approval_timeout": "1m"}}`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	initial := &Config{}
	r := NewReloader(ReloaderConfig{
		ConfigPath: configPath,
		DotenvPath: filepath.Join(dir, ".env"),
		Initial:    initial,
		Prepare:    func(*Config) error { return errors.New("no key") },
	})
	if err := r.Reload(); err == nil || !strings.Contains(err.Error(), "no key") {
		t.Fatalf("Reload: %v", err)
	}
	if r.Current() != initial {
		t.Error("failed prepare replaced the config")
	}
}

func TestRestartRequired(t *testing.T) {
	a := &Config{}
	a.Log.Level = "info"
	a.Queue.Driver = "memory"
	b := *a
	b.Log.Level = "debug"
	if got := RestartRequired(a, &b); len(got) != 0 {
		t.Errorf("log change needs no restart, got %v", got)
	}
	b.Queue.Driver = "redis"
	b.Retry.MaxAttempts = 9
	got := RestartRequired(a, &b)
	if len(got) != 2 || got[0] != "queue" || got[1] != "retry" {
		t.Errorf("RestartRequired = %v", got)
	}
	if RestartRequired(nil, a) != nil {
		t.Error("nil old config")
	}
}
