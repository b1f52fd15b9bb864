package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/podex-dev/agentcore/internal/config"
	"github.com/podex-dev/agentcore/internal/contextwin"
	"github.com/podex-dev/agentcore/internal/orchestrator"
	"github.com/podex-dev/agentcore/internal/planner"
	"github.com/podex-dev/agentcore/internal/retry"
	"github.com/podex-dev/agentcore/internal/tasks"
	"github.com/podex-dev/agentcore/internal/worker"
	"github.com/podex-dev/agentcore/internal/workspace"
)

func retryConfig(rc config.RetryConfig) retry.Config {
	out := retry.Config{
		MaxAttempts: rc.MaxAttempts,
		Policy:      retry.Policy(rc.Policy),
		Base:        rc.BaseDelay.Duration(),
		Cap:         rc.MaxDelay.Duration(),
	}
	if rc.Retryable != nil {
		// An empty list disables retries.
		out.Retryable = make([]retry.Kind, 0, len(rc.Retryable))
		for _, k := range rc.Retryable {
			out.Retryable = append(out.Retryable, retry.Kind(k))
		}
	}
	return out
}

// toolRetry converts the per-tool overrides.
func toolRetry(rc config.RetryConfig) map[string]retry.Config {
	if len(rc.Tools) == 0 {
		return nil
	}
	out := make(map[string]retry.Config, len(rc.Tools))
	for name := range rc.Tools {
		out[name] = retryConfig(rc.ForTool(name))
	}
	return out
}

// Orchestrator builds the orchestrator on the default model.
func (s *Service) Orchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	cfg := s.Config
	chat, err := s.Models.Default(ctx)
	if err != nil {
		return nil, fmt.Errorf("init default model: %w", err)
	}
	name := s.Models.DefaultName()

	engine, err := s.Policy(ctx)
	if err != nil {
		return nil, err
	}

	window := contextwin.Config{
		Budget:       cfg.Context.Budget,
		Threshold:    cfg.Context.Threshold,
		KeepRecent:   cfg.Context.KeepRecent,
		SafetyMargin: cfg.Context.SafetyMargin,
	}
	if window.Budget == 0 {
		window.Budget = s.Models.ContextWindow(name)
	}

	oc := orchestrator.Config{
		Tasks:     s.Store,
		Queue:     s.Queue,
		Tools:     s.Tools,
		Model:     chat,
		ModelName: name,
		Policy:    engine,
		Plans:     s.Store,
		Progress:  s.Progress,
		Bus:       s.Bus,
		Retry:     retryConfig(cfg.Retry),
		Window:    window,
		Counter:   s.counter(name),

		ApprovalTimeout: cfg.Orchestrator.ApprovalTimeout.Duration(),
		Budget: tasks.Budget{
			MaxIterations: cfg.Orchestrator.MaxIterations,
			MaxTokens:     cfg.Orchestrator.MaxTokens,
			MaxToolCalls:  cfg.Orchestrator.MaxToolCalls,
		},
		MaxToolErrors:       cfg.Orchestrator.MaxToolErrors,
		ConfidenceThreshold: cfg.Orchestrator.ConfidenceThreshold,
		SystemPrompt:        cfg.Orchestrator.SystemPrompt,
	}
	if s.Workspace != nil {
		oc.Checkpoints = s.Checkpoints
		oc.Workspace = s.Workspace
	}
	oc.Workspaces = s.workspaceFor
	if cfg.Orchestrator.Planning {
		pc := planner.Config{Model: chat}
		if n := cfg.Orchestrator.MaxReplans; n != nil {
			pc.MaxReplans = *n
			if *n == 0 {
				pc.MaxReplans = -1
			}
		}
		oc.Planner = planner.New(pc)
	}

	slog.Info("orchestrator ready",
		"model", name,
		"context_budget", window.Budget,
		"planning", oc.Planner != nil,
		"checkpoints", oc.Checkpoints != nil,
		"policies", len(engine.Modules()))
	return orchestrator.New(oc)
}

// workspaceFor returns the endpoint of workspace id.
func (s *Service) workspaceFor(id string) (orchestrator.Workspace, error) {
	wc := s.Config.Workspace
	if url, ok := wc.Endpoints[id]; ok {
		return workspace.NewClient(workspace.ClientConfig{
			BaseURL:     url,
			WorkspaceID: id,
			Timeout:     wc.Timeout.Duration(),
		}), nil
	}
	if s.Workspace == nil {
		return nil, errors.New("no workspace endpoint configured")
	}
	return s.Workspace.WithWorkspace(id), nil
}

func (s *Service) counter(modelName string) contextwin.TokenCounter {
	if s.Config.Context.Tokenizer == "heuristic" {
		return contextwin.HeuristicCounter{CharsPerToken: 4}
	}
	if p, ok := s.Config.Models.Providers[modelName]; ok && p.Model != "" {
		modelName = p.Model
	}
	return contextwin.NewTiktokenCounter(modelName)
}

// Worker builds a worker pool running tasks through the orchestrator.
func (s *Service) Worker(ctx context.Context) (*worker.Pool, error) {
	orch, err := s.Orchestrator(ctx)
	if err != nil {
		return nil, err
	}
	wc := s.Config.Worker
	return worker.NewPool(worker.Config{
		ID:            wc.ID,
		Queue:         s.Queue,
		Store:         s.Store,
		Runner:        orch,
		Progress:      s.Progress,
		Concurrency:   wc.Concurrency,
		PollInterval:  wc.PollInterval.Duration(),
		MaxDeliveries: wc.MaxDeliveries,
		Lease:         s.Config.Queue.Lease.Duration(),
	})
}
