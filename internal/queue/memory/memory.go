// Package memory is an in-process queue.Queue for single-process runs and
// tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/podex-dev/agentcore/internal/queue"
	"github.com/podex-dev/agentcore/internal/tasks"
)

type entry struct {
	payload    tasks.Payload
	deliveries int
	worker     string
	leaseUntil time.Time
}

// Config configures a Queue.
type Config struct {
	Lease time.Duration
	Now   func() time.Time
	// SignalBuffer is the per-subscriber control channel buffer.
	SignalBuffer int
}

// Queue is a queue.Queue held in memory.
type Queue struct {
	mu       sync.Mutex
	lease    time.Duration
	now      func() time.Time
	sigBuf   int
	pending  []string
	entries  map[string]*entry
	inflight map[string]bool
	aborted  map[string]bool
	subs     map[string]map[int]chan queue.Signal
	nextSub  int
	ready    chan struct{}
	closed   bool
}

var (
	_ queue.Queue    = (*Queue)(nil)
	_ queue.Notifier = (*Queue)(nil)
)

// New creates an empty queue.
func New(cfg Config) *Queue {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SignalBuffer <= 0 {
		cfg.SignalBuffer = 16
	}
	return &Queue{
		lease:    queue.Lease(cfg.Lease),
		now:      cfg.Now,
		sigBuf:   cfg.SignalBuffer,
		entries:  make(map[string]*entry),
		inflight: make(map[string]bool),
		aborted:  make(map[string]bool),
		subs:     make(map[string]map[int]chan queue.Signal),
		ready:    make(chan struct{}, 1),
	}
}

// Ready fires after an enqueue or requeue.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

func (q *Queue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue) Enqueue(_ context.Context, p tasks.Payload) (string, error) {
	if p.TaskID == "" {
		p.TaskID = tasks.GenerateTaskID()
	}
	if err := p.Validate(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", queue.ErrClosed
	}
	if _, exists := q.entries[p.TaskID]; exists {
		return "", fmt.Errorf("%w: %s", queue.ErrDuplicate, p.TaskID)
	}
	q.entries[p.TaskID] = &entry{payload: p}
	q.pending = append(q.pending, p.TaskID)
	q.notify()
	return p.TaskID, nil
}

func (q *Queue) Claim(_ context.Context, workerID string) (*queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrClosed
	}
	now := q.now()

	id := q.expiredLocked(now)
	if id == "" {
		if len(q.pending) == 0 {
			return nil, nil
		}
		id = q.pending[0]
		q.pending = q.pending[1:]
	}

	e := q.entries[id]
	e.deliveries++
	e.worker = workerID
	e.leaseUntil = now.Add(q.lease)
	q.inflight[id] = true
	return &queue.Delivery{
		Payload:       e.payload,
		WorkerID:      workerID,
		DeliveryCount: e.deliveries,
		LeaseExpires:  e.leaseUntil,
	}, nil
}

// expiredLocked returns the in-flight task whose lease expired first.
func (q *Queue) expiredLocked(now time.Time) string {
	var (
		id     string
		oldest time.Time
	)
	for tid := range q.inflight {
		e := q.entries[tid]
		if now.Before(e.leaseUntil) {
			continue
		}
		if id == "" || e.leaseUntil.Before(oldest) {
			id, oldest = tid, e.leaseUntil
		}
	}
	return id
}

// holderLocked returns the entry when workerID holds a live lease on it.
func (q *Queue) holderLocked(taskID, workerID string) (*entry, error) {
	e, ok := q.entries[taskID]
	if !ok || !q.inflight[taskID] || e.worker != workerID || !q.now().Before(e.leaseUntil) {
		return nil, fmt.Errorf("%w: %s", queue.ErrLeaseLost, taskID)
	}
	return e, nil
}

func (q *Queue) ExtendLease(_ context.Context, taskID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.holderLocked(taskID, workerID)
	if err != nil {
		return err
	}
	e.leaseUntil = q.now().Add(q.lease)
	return nil
}

func (q *Queue) Ack(_ context.Context, taskID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.holderLocked(taskID, workerID); err != nil {
		return err
	}
	delete(q.inflight, taskID)
	delete(q.entries, taskID)
	return nil
}

func (q *Queue) Release(_ context.Context, taskID, workerID string, requeue bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.holderLocked(taskID, workerID)
	if err != nil {
		return err
	}
	delete(q.inflight, taskID)
	if !requeue {
		delete(q.entries, taskID)
		return nil
	}
	e.worker = ""
	e.leaseUntil = time.Time{}
	q.pending = append([]string{taskID}, q.pending...)
	q.notify()
	return nil
}

func (q *Queue) PublishControl(_ context.Context, sig queue.Signal) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if sig.Type == queue.SignalAbort {
		q.aborted[sig.TaskID] = true
	}
	for _, ch := range q.subs[sig.TaskID] {
		select {
		case ch <- sig:
		default:
		}
	}
	return nil
}

func (q *Queue) SubscribeControl(ctx context.Context, taskID string) (<-chan queue.Signal, func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, nil, queue.ErrClosed
	}
	ch := make(chan queue.Signal, q.sigBuf)
	id := q.nextSub
	q.nextSub++
	if q.subs[taskID] == nil {
		q.subs[taskID] = make(map[int]chan queue.Signal)
	}
	q.subs[taskID][id] = ch

	var once sync.Once
	stop := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(stop)
			q.mu.Lock()
			defer q.mu.Unlock()
			if subs, ok := q.subs[taskID]; ok {
				if _, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
				}
				if len(subs) == 0 {
					delete(q.subs, taskID)
				}
			}
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	return ch, cancel, nil
}

func (q *Queue) Aborted(_ context.Context, taskID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.aborted[taskID], nil
}

// Close closes every control subscription. Further calls fail with
// queue.ErrClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for taskID, subs := range q.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(q.subs, taskID)
	}
	return nil
}

// Len returns the number of queued and in-flight tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
