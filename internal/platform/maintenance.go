package platform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"github.com/podex-dev/agentcore/internal/heartbeat"
	"github.com/podex-dev/agentcore/internal/scheduler"
	"github.com/podex-dev/agentcore/internal/tasks"
)

// PruneCheckpoints trims every known session to the newest keep
// checkpoints and returns how many were deleted.
func (s *Service) PruneCheckpoints(ctx context.Context, keep int) (int, error) {
	all, err := s.Store.List(ctx, tasks.ListFilter{})
	if err != nil {
		return 0, fmt.Errorf("list tasks: %w", err)
	}
	seen := make(map[string]bool)
	total := 0
	for _, t := range all {
		if t.SessionID == "" || seen[t.SessionID] {
			continue
		}
		seen[t.SessionID] = true
		n, err := s.Checkpoints.Prune(ctx, t.SessionID, keep)
		total += n
		if err != nil {
			return total, fmt.Errorf("prune session %s: %w", t.SessionID, err)
		}
	}
	return total, nil
}

// Scheduler returns the maintenance scheduler for a worker process, or nil
// when no job is configured.
func (s *Service) Scheduler() (*scheduler.Scheduler, error) {
	wc := s.Config.Worker
	if wc.PruneSchedule == "" {
		return nil, nil
	}
	expr, err := scheduler.ParseCron(wc.PruneSchedule)
	if err != nil {
		return nil, fmt.Errorf("worker.prune_schedule: %w", err)
	}
	sched := scheduler.New(scheduler.Config{})
	err = sched.Add(scheduler.Job{
		Name: "prune-checkpoints",
		Cron: expr,
		Run: func(ctx context.Context) error {
			n, err := s.PruneCheckpoints(ctx, wc.KeepCheckpoints)
			if n > 0 {
				slog.Info("checkpoints pruned", "removed", n, "keep", wc.KeepCheckpoints)
			}
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// Heartbeat returns the liveness writer for a worker.
func (s *Service) Heartbeat(workerID string, running func() []string) *heartbeat.Writer {
	return heartbeat.NewWriter(heartbeat.WriterConfig{
		Dir:      s.Config.Worker.HeartbeatDir,
		WorkerID: workerID,
		Running:  running,
	})
}

// Workers reports the liveness of every worker that wrote a heartbeat.
func (s *Service) Workers() ([]heartbeat.Entry, error) {
	return heartbeat.Scan(afero.NewOsFs(), s.Config.Worker.HeartbeatDir, heartbeat.StaleAfter, time.Now())
}
