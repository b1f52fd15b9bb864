// Package progress records task state transitions. Each transition is
// persisted through the task store before it is published on the event bus,
// so subscribers that miss a bus event can replay it from the store.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/podex-dev/agentcore/internal/events"
	"github.com/podex-dev/agentcore/internal/tasks"
)

// Store is the subset of tasks.Store the tracker writes to.
type Store interface {
	AppendProgress(ctx context.Context, rec tasks.ProgressRecord) (tasks.ProgressRecord, error)
}

// Update is one transition to record.
type Update struct {
	State       string
	Description string
	Status      string
	Step        int
	ErrorKind   string
}

// Tracker persists and publishes progress for tasks.
type Tracker struct {
	store Store
	bus   *events.Bus
	now   func() time.Time
}

// NewTracker returns a Tracker. bus may be nil.
func NewTracker(store Store, bus *events.Bus) *Tracker {
	return &Tracker{store: store, bus: bus, now: time.Now}
}

// Record persists u for the task and publishes it. A persistence failure is
// returned; the event is still published so live watchers are not starved.
func (t *Tracker) Record(ctx context.Context, taskID, sessionID string, u Update) (tasks.ProgressRecord, error) {
	rec, err := t.store.AppendProgress(ctx, tasks.ProgressRecord{
		TaskID:      taskID,
		State:       u.State,
		Description: u.Description,
		Status:      u.Status,
		ErrorKind:   u.ErrorKind,
		Ts:          t.now(),
	})
	if err != nil {
		slog.Warn("progress not persisted", "task_id", taskID, "state", u.State, "error", err)
		err = fmt.Errorf("append progress: %w", err)
	}

	if t.bus != nil {
		t.bus.Publish(events.NewTaskEvent(events.SourceOrchestrator, events.TaskProgressPayload{
			State:       u.State,
			Description: u.Description,
			Status:      u.Status,
			Step:        u.Step,
			ErrorKind:   u.ErrorKind,
		}, taskID, sessionID))
	}
	return rec, err
}

// Terminal publishes the single terminal event of a task.
func (t *Tracker) Terminal(taskID, sessionID string, task *tasks.Task) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(events.NewTaskEvent(events.SourceOrchestrator, events.TaskTerminalPayload{
		Status:    string(task.Status),
		Result:    task.Result,
		ErrorKind: task.ErrorKind,
		Error:     task.Error,
	}, taskID, sessionID))
}
