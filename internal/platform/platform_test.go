package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/podex-dev/agentcore/internal/config"
	"github.com/podex-dev/agentcore/internal/queue"
	memq "github.com/podex-dev/agentcore/internal/queue/memory"
	"github.com/podex-dev/agentcore/internal/queue/redisq"
	"github.com/podex-dev/agentcore/internal/retry"
	"github.com/podex-dev/agentcore/internal/tasks"
	"github.com/podex-dev/agentcore/internal/workspace"
)

type echoModel struct{}

func (echoModel) Generate(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage("done", nil), nil
}

func (echoModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not supported")
}

func (m echoModel) WithTools([]*schema.ToolInfo) (model.ToolCallingChatModel, error) { return m, nil }

func testConfig(t *testing.T, queueJSON string) *config.Config {
	t.Helper()
	t.Setenv("PODEX_PATH", t.TempDir())
	data := fmt.Sprintf(`{
		// in-process backends
		"storage": {"driver": "memory"},
		"queue": %s,
		"orchestrator": {"max_replans": 1, "approval_timeout": "1m"},
	}`, queueJSON)
	cfg, err := config.Parse([]byte(data), ".jsonc")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func open(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	s, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSubmitPersistsAndEnqueues(t *testing.T) {
	ctx := context.Background()
	s := open(t, testConfig(t, `{"driver": "memory"}`))

	task, err := s.Submit(ctx, tasks.Payload{SessionID: "sess1", Goal: "list files"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.ID == "" {
		t.Fatal("task id not generated")
	}
	got, err := s.Store.Get(ctx, task.ID)
	if err != nil || got.Status != tasks.StatusQueued {
		t.Fatalf("stored task: %+v, %v", got, err)
	}
	if n := s.Queue.(*memq.Queue).Len(); n != 1 {
		t.Errorf("queue length: got %d", n)
	}
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	s := open(t, testConfig(t, `{"driver": "memory"}`))
	if _, err := s.Submit(context.Background(), tasks.Payload{SessionID: "sess1"}); err == nil {
		t.Error("expected a validation error for a missing goal")
	}
}

func TestControlUnknownTask(t *testing.T) {
	s := open(t, testConfig(t, `{"driver": "memory"}`))
	err := s.Control(context.Background(), queue.Signal{Type: queue.SignalAbort, TaskID: "nope"})
	if !errors.Is(err, tasks.ErrTaskNotFound) {
		t.Errorf("got %v, want ErrTaskNotFound", err)
	}
}

func TestControlReachesSubscriber(t *testing.T) {
	ctx := context.Background()
	s := open(t, testConfig(t, `{"driver": "memory"}`))
	task, err := s.Submit(ctx, tasks.Payload{SessionID: "sess1", Goal: "wait"})
	if err != nil {
		t.Fatal(err)
	}
	signals, cancel, err := s.Queue.SubscribeControl(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := s.Control(ctx, queue.Signal{Type: queue.SignalPause, TaskID: task.ID}); err != nil {
		t.Fatalf("Control: %v", err)
	}
	if sig := <-signals; sig.Type != queue.SignalPause {
		t.Errorf("signal: got %s", sig.Type)
	}
}

func TestRedisQueueDriver(t *testing.T) {
	mr := miniredis.RunT(t)
	s := open(t, testConfig(t, fmt.Sprintf(`{"driver": "redis", "redis": {"addr": %q}}`, mr.Addr())))
	if _, ok := s.Queue.(*redisq.Queue); !ok {
		t.Fatalf("queue: got %T", s.Queue)
	}
	if _, err := s.Submit(context.Background(), tasks.Payload{SessionID: "sess1", Goal: "ping"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestRedisUnreachable(t *testing.T) {
	cfg := testConfig(t, `{"driver": "redis", "redis": {"addr": "127.0.0.1:1"}}`)
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Error("expected a connection error")
	}
}

func TestWorkerNeedsModel(t *testing.T) {
	s := open(t, testConfig(t, `{"driver": "memory"}`))
	if _, err := s.Worker(context.Background()); err == nil {
		t.Error("expected an error without a default model")
	}
}

func TestWorkerWithRegisteredModel(t *testing.T) {
	s := open(t, testConfig(t, `{"driver": "memory"}`))
	s.Config.Orchestrator.Planning = true
	s.Models.Register("echo", echoModel{}, 8000)

	p, err := s.Worker(context.Background())
	if err != nil {
		t.Fatalf("Worker: %v", err)
	}
	if p.ID() != s.Config.Worker.ID {
		t.Errorf("worker id: got %q, want %q", p.ID(), s.Config.Worker.ID)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
	} {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestToolRetryOverrides(t *testing.T) {
	rc := config.RetryConfig{
		MaxAttempts: 4,
		Retryable:   []string{"rate_limit"},
		Tools: map[string]config.RetryConfig{
			"run_command": {MaxAttempts: 1, Retryable: []string{}},
		},
	}
	base := retryConfig(rc)
	if base.MaxAttempts != 4 || len(base.Retryable) != 1 || base.Retryable[0] != retry.KindRateLimit {
		t.Errorf("base: %+v", base)
	}
	if base.IsRetryable(retry.KindTransientNetwork) {
		t.Error("transient_network should not be retryable")
	}
	tools := toolRetry(rc)
	cmd, ok := tools["run_command"]
	if !ok || cmd.MaxAttempts != 1 || cmd.IsRetryable(retry.KindRateLimit) {
		t.Errorf("run_command: %+v", cmd)
	}
	if toolRetry(config.RetryConfig{}) != nil {
		t.Error("no overrides should give nil")
	}
}

func TestWorkspaceRouting(t *testing.T) {
	cfg := testConfig(t, `{"driver": "memory"}`)
	cfg.Workspace.URL = "http://workspace.local:7070"
	cfg.Workspace.ID = "default"
	cfg.Workspace.Endpoints = map[string]string{"ws-build": "http://build.local:7070"}
	s := open(t, cfg)

	ws, err := s.workspaceFor("ws-build")
	if err != nil {
		t.Fatalf("workspaceFor: %v", err)
	}
	if c := ws.(*workspace.Client); c.WorkspaceID() != "ws-build" {
		t.Errorf("ws-build id: %q", c.WorkspaceID())
	}
	ws, err = s.workspaceFor("ws-other")
	if err != nil {
		t.Fatalf("workspaceFor: %v", err)
	}
	if c := ws.(*workspace.Client); c.WorkspaceID() != "ws-other" {
		t.Errorf("ws-other id: %q", c.WorkspaceID())
	}

	bare := open(t, testConfig(t, `{"driver": "memory"}`))
	if _, err := bare.workspaceFor("ws-other"); err == nil {
		t.Error("expected an error without any endpoint")
	}
}
