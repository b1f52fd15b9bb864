package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event

	bus.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}, EventTaskProgress)

	bus.Publish(NewTaskEvent(SourceOrchestrator, TaskProgressPayload{State: "received"}, "t1", "s1"))
	bus.Publish(NewTaskEvent(SourceTools, ToolCallPayload{Status: ToolStatusStarted, Name: "read_file"}, "t1", "s1"))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventTaskProgress {
		t.Errorf("expected task.progress, got %s", received[0].Type)
	}
}

func TestBusSubscribeTask(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	var states []string

	bus.SubscribeTask("t1", func(e Event) {
		p, ok := ExtractPayload[TaskProgressPayload](e)
		if !ok {
			return
		}
		mu.Lock()
		states = append(states, p.State)
		mu.Unlock()
	})

	bus.Publish(NewTaskEvent(SourceOrchestrator, TaskProgressPayload{State: "received"}, "t1", ""))
	bus.Publish(NewTaskEvent(SourceOrchestrator, TaskProgressPayload{State: "received"}, "t2", ""))
	bus.Publish(NewTaskEvent(SourceOrchestrator, TaskProgressPayload{State: "context_loaded"}, "t1", ""))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(states) != 2 {
		t.Fatalf("expected 2 events for t1, got %d", len(states))
	}
	if states[0] != "received" || states[1] != "context_loaded" {
		t.Errorf("order: got %v", states)
	}
}

func TestSubscribeChan(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	ch, unsub := bus.SubscribeChan(4, EventTaskTerminal)
	defer unsub()

	bus.Publish(NewTaskEvent(SourceWorker, TaskTerminalPayload{Status: "succeeded"}, "t1", ""))

	select {
	case e := <-ch:
		p, ok := ExtractPayload[TaskTerminalPayload](e)
		if !ok {
			t.Fatal("expected terminal payload")
		}
		if p.Status != "succeeded" {
			t.Errorf("Status: got %q, want succeeded", p.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestExtractPayloadWrongType(t *testing.T) {
	e := NewTaskEvent(SourceWorker, TaskTerminalPayload{Status: "failed"}, "t1", "")
	if _, ok := ExtractPayload[TaskProgressPayload](e); ok {
		t.Error("expected type mismatch")
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	release := make(chan struct{})
	unsubSlow := bus.Subscribe(func(Event) { <-release })
	ch, unsub := bus.SubscribeChan(8)
	defer unsub()

	for i := 0; i < 5; i++ {
		bus.Publish(NewEvent(EventTaskProgress, SourceWorker, map[string]any{"i": i}))
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered past the slow subscriber", i)
		}
	}
	if bus.Dropped() == 0 {
		t.Error("slow subscriber's full queue should drop events")
	}
	close(release)
	unsubSlow()
}

func TestUnsubscribeDrainsQueue(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	var got atomic.Int32
	unsub := bus.Subscribe(func(Event) {
		time.Sleep(time.Millisecond)
		got.Add(1)
	})
	for i := 0; i < 5; i++ {
		bus.Publish(NewEvent(EventToolCall, SourceTools, nil))
	}
	unsub()
	if got.Load() != 5 {
		t.Errorf("handled %d events before unsubscribe returned, want 5", got.Load())
	}
	unsub()
}

func TestClosedBus(t *testing.T) {
	bus := NewBus(1)
	ch, unsub := bus.SubscribeChan(1)
	bus.Close()
	bus.Close()

	bus.Publish(NewEvent(EventTaskProgress, SourceWorker, nil))
	unsub()
	if _, ok := <-ch; ok {
		t.Error("expected a closed channel")
	}

	late := bus.Subscribe(func(Event) { t.Error("closed bus delivered an event") })
	bus.Publish(NewEvent(EventTaskProgress, SourceWorker, nil))
	late()
}

func TestEventIDsSortByTime(t *testing.T) {
	a := NewEvent(EventTaskProgress, SourceWorker, nil)
	b := NewEvent(EventTaskProgress, SourceWorker, nil)
	if a.ID >= b.ID {
		t.Errorf("ids not increasing: %s >= %s", a.ID, b.ID)
	}
}

func TestContextWithTask(t *testing.T) {
	ctx := ContextWithTask(context.Background(), "t1", "s1")
	if got := TaskIDFromContext(ctx); got != "t1" {
		t.Errorf("TaskIDFromContext: got %q", got)
	}
	if got := SessionIDFromContext(ctx); got != "s1" {
		t.Errorf("SessionIDFromContext: got %q", got)
	}
	if got := TaskIDFromContext(context.Background()); got != "" {
		t.Errorf("empty context: got %q", got)
	}
}

func TestNewTaskEventCarriesScope(t *testing.T) {
	first := NewEvent(EventTaskProgress, SourceWorker, nil)
	e := NewTaskEvent(SourceWorker, TaskProgressPayload{State: "received", Status: "running"}, "t1", "s1")
	if e.ID == "" || e.ID <= first.ID {
		t.Errorf("id: got %q after %q", e.ID, first.ID)
	}
	if e.TaskID != "t1" || e.SessionID != "s1" || e.Type != EventTaskProgress {
		t.Errorf("event: %+v", e)
	}
	p, ok := ExtractPayload[TaskProgressPayload](e)
	if !ok || p.State != "received" {
		t.Errorf("payload: %+v, %v", p, ok)
	}
}
