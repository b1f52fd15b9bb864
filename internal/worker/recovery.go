package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/podex-dev/agentcore/internal/queue"
	"github.com/podex-dev/agentcore/internal/tasks"
)

// Recover puts tasks left running or paused by workerID back in the queued
// state after a crash and makes them claimable again. Should be called
// before the worker starts claiming.
func Recover(ctx context.Context, store tasks.Store, q queue.Queue, workerID string) (int, error) {
	running, err := store.List(ctx, tasks.ListFilter{Status: tasks.StatusRunning, WorkerID: workerID})
	if err != nil {
		return 0, err
	}
	paused, err := store.List(ctx, tasks.ListFilter{Status: tasks.StatusPaused, WorkerID: workerID})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, t := range append(running, paused...) {
		err := q.Release(ctx, t.ID, workerID, true)
		if errors.Is(err, queue.ErrLeaseLost) {
			// Either the lease expired or the queue forgot the task.
			if _, err = q.Enqueue(ctx, t.Payload()); errors.Is(err, queue.ErrDuplicate) {
				err = nil
			}
		}
		if err != nil {
			slog.Warn("requeue recovered task", "task_id", t.ID, "error", err)
			continue
		}

		if err := t.Transition(tasks.StatusQueued); err != nil {
			slog.Warn("recovered task not requeued", "task_id", t.ID, "error", err)
			continue
		}
		t.WorkerID = ""
		if err := store.Update(ctx, t); err != nil {
			slog.Warn("update recovered task", "task_id", t.ID, "error", err)
			continue
		}
		_, _ = store.AppendProgress(ctx, tasks.ProgressRecord{
			TaskID:      t.ID,
			State:       "recovered",
			Description: "task recovered after worker restart",
			Status:      string(tasks.StatusQueued),
			Ts:          time.Now(),
		})
		recovered++
	}
	return recovered, nil
}
