// Package events is the in-process event bus.
//
// Every subscriber owns a bounded queue drained by its own goroutine, so a
// slow subscriber delays only itself and sees events in publish order.
// Delivery is best effort: a full queue drops the event and counts it.
// Anything that must survive goes through the progress store.
package events

import (
	"crypto/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType represents the type of event.
type EventType string

const (
	// Task lifecycle
	EventTaskProgress EventType = "task.progress"
	EventTaskTerminal EventType = "task.terminal"

	// Tools
	EventToolCall EventType = "tool.call"

	// Human in the loop
	EventApprovalRequest EventType = "approval.request"

	// Checkpoints
	EventCheckpointCreated  EventType = "checkpoint.created"
	EventCheckpointRestored EventType = "checkpoint.restored"

	// Planning
	EventPlanCreated EventType = "plan.created"
	EventPlanRevised EventType = "plan.revised"

	// Internal (analytics/tracing)
	EventLLMCall EventType = "internal.llm.call"
)

// EventSource identifies the component that emitted an event.
type EventSource string

const (
	SourceOrchestrator EventSource = "orchestrator"
	SourceWorker       EventSource = "worker"
	SourcePlanner      EventSource = "planner"
	SourceTools        EventSource = "tools"
	SourceCheckpoint   EventSource = "checkpoint"
)

// Event represents an event in the system.
type Event struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    EventSource    `json:"source"`
	Payload   map[string]any `json:"payload"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// generateEventID returns a ULID so event ids sort by time.
func generateEventID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewEvent creates an event stamped now.
func NewEvent(eventType EventType, source EventSource, payload map[string]any) Event {
	return Event{
		ID:        generateEventID(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   payload,
	}
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

type subscription struct {
	eventTypes []EventType
	taskID     string
	handler    Subscriber
	queue      chan Event
	done       chan struct{}
}

func (s *subscription) matches(e Event) bool {
	if s.taskID != "" && s.taskID != e.TaskID {
		return false
	}
	if len(s.eventTypes) == 0 {
		return true
	}
	for _, t := range s.eventTypes {
		if t == e.Type {
			return true
		}
	}
	return false
}

func (s *subscription) run() {
	defer close(s.done)
	for e := range s.queue {
		s.handler(e)
	}
}

// Bus fans events out to subscribers.
type Bus struct {
	queueSize int
	dropped   atomic.Int64

	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	closed bool
}

// NewBus creates a bus whose subscribers each buffer up to queueSize
// events.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{queueSize: queueSize, subs: make(map[int]*subscription)}
}

// Publish hands e to every matching subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.matches(e) {
			continue
		}
		select {
		case sub.queue <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were lost to full queues.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribe registers a handler for the given event types, or all types
// when none are given. The returned func unsubscribes and waits for the
// handler to finish the events already queued.
func (b *Bus) Subscribe(handler Subscriber, eventTypes ...EventType) func() {
	return b.subscribe(&subscription{eventTypes: eventTypes, handler: handler})
}

// SubscribeTask is Subscribe restricted to the events of one task.
func (b *Bus) SubscribeTask(taskID string, handler Subscriber, eventTypes ...EventType) func() {
	return b.subscribe(&subscription{eventTypes: eventTypes, taskID: taskID, handler: handler})
}

func (b *Bus) subscribe(sub *subscription) func() {
	sub.queue = make(chan Event, b.queueSize)
	sub.done = make(chan struct{})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.queue)
		close(sub.done)
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			_, live := b.subs[id]
			delete(b.subs, id)
			b.mu.Unlock()
			if live {
				close(sub.queue)
			}
			<-sub.done
		})
	}
}

// SubscribeChan returns a channel receiving matching events. Events are
// dropped when ch is full. The cancel func closes ch.
func (b *Bus) SubscribeChan(bufSize int, eventTypes ...EventType) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	unsubscribe := b.Subscribe(func(e Event) {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}, eventTypes...)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			unsubscribe()
			close(ch)
		})
	}
}

// Close stops every subscriber after it drains its queue. Later publishes
// are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.queue)
	}
	for _, sub := range subs {
		<-sub.done
	}
}
