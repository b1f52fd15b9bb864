package platform

import (
	"context"
	"testing"

	"github.com/podex-dev/agentcore/internal/tasks"
)

func TestPruneCheckpointsPerSession(t *testing.T) {
	ctx := context.Background()
	s := open(t, testConfig(t, `{"driver": "memory"}`))

	for _, sess := range []string{"a", "b"} {
		task, err := s.Submit(ctx, tasks.Payload{SessionID: sess, Goal: "edit"})
		if err != nil {
			t.Fatal(err)
		}
		for range 3 {
			if _, err := s.Checkpoints.Begin(ctx, task.ID, sess); err != nil {
				t.Fatal(err)
			}
		}
	}
	// a second task in the same session must not prune twice
	if _, err := s.Submit(ctx, tasks.Payload{SessionID: "a", Goal: "again"}); err != nil {
		t.Fatal(err)
	}

	removed, err := s.PruneCheckpoints(ctx, 1)
	if err != nil {
		t.Fatalf("PruneCheckpoints: %v", err)
	}
	if removed != 4 {
		t.Errorf("removed: got %d, want 4", removed)
	}
	for _, sess := range []string{"a", "b"} {
		left, _ := s.Checkpoints.List(ctx, sess)
		if len(left) != 1 || left[0].Seq != 3 {
			t.Errorf("session %s kept %+v", sess, left)
		}
	}
}

func TestSchedulerFromConfig(t *testing.T) {
	cfg := testConfig(t, `{"driver": "memory"}`)
	s := open(t, cfg)

	sched, err := s.Scheduler()
	if err != nil || sched != nil {
		t.Fatalf("no schedule: got %v, %v", sched, err)
	}

	s.Config.Worker.PruneSchedule = "not a cron"
	if _, err := s.Scheduler(); err == nil {
		t.Error("expected an error for a bad schedule")
	}

	s.Config.Worker.PruneSchedule = "@daily"
	sched, err = s.Scheduler()
	if err != nil || sched == nil {
		t.Fatalf("Scheduler: %v, %v", sched, err)
	}
}

func TestHeartbeatUsesConfiguredDir(t *testing.T) {
	s := open(t, testConfig(t, `{"driver": "memory"}`))
	w := s.Heartbeat("w1", func() []string { return []string{"t1"} })
	w.Write()

	entries, err := s.Workers()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].WorkerID != "w1" || entries[0].Running[0] != "t1" {
		t.Errorf("workers: %+v", entries)
	}
}
