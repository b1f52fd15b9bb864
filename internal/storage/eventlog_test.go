package storage

import (
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/podex-dev/agentcore/internal/events"
)

func waitForEvents(t *testing.T, el *EventLogger, taskID string, n int) []events.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := el.ReadTaskLog(taskID)
		if err != nil {
			t.Fatalf("ReadTaskLog: %v", err)
		}
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEventLoggerRoutesByTask(t *testing.T) {
	fsys := afero.NewMemMapFs()
	bus := events.NewBus(64)
	defer bus.Close()

	el := NewEventLogger(fsys, "logs", bus, false)
	defer el.Close()

	bus.Publish(events.NewTaskEvent(events.SourceOrchestrator, events.TaskProgressPayload{State: "received"}, "task_a", "s1"))
	bus.Publish(events.NewTaskEvent(events.SourceOrchestrator, events.TaskProgressPayload{State: "received"}, "task_b", "s1"))
	bus.Publish(events.NewTaskEvent(events.SourceOrchestrator, events.LLMCallPayload{Phase: "request"}, "task_a", "s1"))
	bus.Publish(events.NewTaskEvent(events.SourceOrchestrator, events.TaskTerminalPayload{Status: "succeeded"}, "task_a", "s1"))

	got := waitForEvents(t, el, "task_a", 2)
	if len(got) != 2 {
		t.Fatalf("task_a: expected 2 events, got %d", len(got))
	}
	if got[0].Type != events.EventTaskProgress || got[1].Type != events.EventTaskTerminal {
		t.Errorf("order: %s, %s", got[0].Type, got[1].Type)
	}

	got = waitForEvents(t, el, "task_b", 1)
	if len(got) != 1 {
		t.Fatalf("task_b: expected 1 event, got %d", len(got))
	}

	ok, err := afero.Exists(fsys, "logs/task_a.jsonl")
	if err != nil || !ok {
		t.Errorf("expected logs/task_a.jsonl: %v", err)
	}
}

func TestEventLoggerVerboseKeepsLLMCalls(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()

	el := NewEventLogger(afero.NewMemMapFs(), "logs", bus, true)
	defer el.Close()

	bus.Publish(events.NewTaskEvent(events.SourceOrchestrator, events.LLMCallPayload{Phase: "request", Messages: 3}, "t1", ""))

	got := waitForEvents(t, el, "t1", 1)
	if len(got) != 1 || got[0].Type != events.EventLLMCall {
		t.Fatalf("expected the llm call event, got %+v", got)
	}
}

func TestReadTaskLogMissing(t *testing.T) {
	bus := events.NewBus(8)
	defer bus.Close()
	el := NewEventLogger(afero.NewMemMapFs(), "logs", bus, false)
	defer el.Close()

	got, err := el.ReadTaskLog("nope")
	if err != nil || got != nil {
		t.Errorf("got %v, %v", got, err)
	}
}
