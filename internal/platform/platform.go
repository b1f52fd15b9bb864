// Package platform assembles a Podex process from its config: storage,
// queue, event bus, models, tools, policy, checkpoints, and the
// orchestrator and worker pool on top of them.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/podex-dev/agentcore/internal/checkpoint"
	"github.com/podex-dev/agentcore/internal/config"
	"github.com/podex-dev/agentcore/internal/events"
	"github.com/podex-dev/agentcore/internal/models"
	"github.com/podex-dev/agentcore/internal/planner"
	"github.com/podex-dev/agentcore/internal/policy"
	"github.com/podex-dev/agentcore/internal/progress"
	"github.com/podex-dev/agentcore/internal/queue"
	memq "github.com/podex-dev/agentcore/internal/queue/memory"
	"github.com/podex-dev/agentcore/internal/queue/redisq"
	"github.com/podex-dev/agentcore/internal/storage"
	"github.com/podex-dev/agentcore/internal/storage/blob"
	"github.com/podex-dev/agentcore/internal/storage/memory"
	"github.com/podex-dev/agentcore/internal/storage/sqlite"
	"github.com/podex-dev/agentcore/internal/tasks"
	"github.com/podex-dev/agentcore/internal/tools"
	"github.com/podex-dev/agentcore/internal/workspace"
)

// Store is the persistence a process needs. Both backends implement it.
type Store interface {
	tasks.Store
	planner.Store
	checkpoint.Store
	tools.InvocationStore
}

// Service holds the collaborators shared by every command. Fields that a
// command does not need may stay nil: the model-dependent parts are built
// by Orchestrator and Worker.
type Service struct {
	Config      *config.Config
	Bus         *events.Bus
	Models      *models.Registry
	Store       Store
	Queue       queue.Queue
	Blobs       *blob.Store
	Checkpoints *checkpoint.Manager
	Progress    *progress.Tracker
	Tools       *tools.Executor
	// Workspace is nil when no workspace URL is configured; remote tools
	// then fail and checkpoints are disabled.
	Workspace *workspace.Client

	closers []func() error
}

// Open builds the storage, queue and tool layers described by cfg.
func Open(ctx context.Context, cfg *config.Config) (*Service, error) {
	s := &Service{
		Config: cfg,
		Bus:    events.NewBus(cfg.Events.BufferSize),
		Models: models.NewRegistry(cfg.Models),
	}
	s.closers = append(s.closers, func() error { s.Bus.Close(); return nil })

	if err := s.openStore(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.openQueue(ctx); err != nil {
		s.Close()
		return nil, err
	}

	if dir := cfg.Storage.EventLogDir; dir != "" {
		el := storage.NewEventLogger(afero.NewOsFs(), dir, s.Bus, cfg.Storage.VerboseEvents)
		s.closers = append(s.closers, func() error { el.Close(); return nil })
	}

	s.Progress = progress.NewTracker(s.Store, s.Bus)
	s.Blobs = blob.NewOS(cfg.Storage.BlobDir)
	cps, err := checkpoint.NewManager(checkpoint.ManagerConfig{Store: s.Store, Blobs: s.Blobs, Bus: s.Bus})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("init checkpoints: %w", err)
	}
	s.Checkpoints = cps

	if err := s.openTools(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) openStore(ctx context.Context) error {
	switch d := s.Config.Storage.Driver; d {
	case "memory":
		s.Store = memory.New()
	case "sqlite":
		repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
			DBPath:       s.Config.Storage.Path,
			MaxOpenConns: s.Config.Storage.MaxOpenConns,
			BusyTimeout:  s.Config.Storage.BusyTimeout.Duration(),
		})
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		s.Store = repo
		s.closers = append(s.closers, repo.Close)
	default:
		return fmt.Errorf("unknown storage driver %q", d)
	}
	return nil
}

func (s *Service) openQueue(ctx context.Context) error {
	qc := s.Config.Queue
	switch qc.Driver {
	case "memory":
		q := memq.New(memq.Config{Lease: qc.Lease.Duration()})
		s.Queue = q
		s.closers = append(s.closers, q.Close)
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     qc.Redis.Addr,
			Password: qc.Redis.Password,
			DB:       qc.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return fmt.Errorf("connect redis %s: %w", qc.Redis.Addr, err)
		}
		q, err := redisq.New(redisq.Config{Client: rdb, Prefix: qc.Prefix, Lease: qc.Lease.Duration()})
		if err != nil {
			rdb.Close()
			return err
		}
		s.Queue = q
		s.closers = append(s.closers, q.Close, rdb.Close)
	default:
		return fmt.Errorf("unknown queue driver %q", qc.Driver)
	}
	return nil
}

func (s *Service) openTools() error {
	registry, err := tools.NewDefaultRegistry()
	if err != nil {
		return fmt.Errorf("init tools: %w", err)
	}

	ec := tools.ExecutorConfig{
		Registry:    registry,
		Invocations: s.Store,
		Bus:         s.Bus,
		Retry:       retryConfig(s.Config.Retry),
		ToolRetry:   toolRetry(s.Config.Retry),
	}
	if wc := s.Config.Workspace; wc.URL != "" {
		s.Workspace = workspace.NewClient(workspace.ClientConfig{
			BaseURL:     wc.URL,
			WorkspaceID: wc.ID,
			Timeout:     wc.Timeout.Duration(),
		})
		ec.Remote = s.Workspace
	} else {
		slog.Warn("no workspace url configured, remote tools are unavailable")
	}

	exec, err := tools.NewExecutor(ec)
	if err != nil {
		return fmt.Errorf("init tool executor: %w", err)
	}
	s.Tools = exec
	return nil
}

// Policy compiles the configured Rego policies.
func (s *Service) Policy(ctx context.Context) (*policy.Engine, error) {
	return policy.New(ctx, policy.Config{
		Dir:         s.Config.Policy.Dir,
		SkipBuiltin: s.Config.Policy.DisableBuiltin,
	})
}

// Submit validates p, persists the queued task and enqueues it.
func (s *Service) Submit(ctx context.Context, p tasks.Payload) (*tasks.Task, error) {
	if p.TaskID == "" {
		p.TaskID = tasks.GenerateTaskID()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	t := tasks.NewFromPayload(p)
	if err := s.Store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if _, err := s.Queue.Enqueue(ctx, p); err != nil {
		return t, fmt.Errorf("enqueue task: %w", err)
	}
	slog.Info("task submitted", "task_id", t.ID, "session_id", t.SessionID)
	return t, nil
}

// Control sends a control signal to a task.
func (s *Service) Control(ctx context.Context, sig queue.Signal) error {
	if _, err := s.Store.Get(ctx, sig.TaskID); err != nil {
		return err
	}
	return s.Queue.PublishControl(ctx, sig)
}

// Close releases everything Open acquired, newest first.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && !errors.Is(err, queue.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
