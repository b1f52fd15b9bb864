// Package worker claims tasks from the queue and runs them through the
// orchestrator, holding each task's lease while it runs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/podex-dev/agentcore/internal/fault"
	"github.com/podex-dev/agentcore/internal/progress"
	"github.com/podex-dev/agentcore/internal/queue"
	"github.com/podex-dev/agentcore/internal/tasks"
)

// Runner drives one task to a terminal state. *orchestrator.Orchestrator
// implements it.
type Runner interface {
	Run(ctx context.Context, t *tasks.Task) (*tasks.Task, error)
}

// Config configures a Pool.
type Config struct {
	ID       string
	Queue    queue.Queue
	Store    tasks.Store
	Runner   Runner
	Progress *progress.Tracker // optional

	Concurrency   int
	PollInterval  time.Duration
	MaxDeliveries int
	// Lease must match the queue's lease; heartbeats are sent every third
	// of it.
	Lease time.Duration
}

func (c *Config) defaults() error {
	if c.Queue == nil || c.Store == nil || c.Runner == nil {
		return errors.New("worker: queue, store and runner are required")
	}
	if c.ID == "" {
		host, _ := os.Hostname()
		c.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 3
	}
	c.Lease = queue.Lease(c.Lease)
	return nil
}

// runningTask tracks a task currently held by a slot.
type runningTask struct {
	taskID string
	cancel context.CancelCauseFunc
}

// Pool runs up to Concurrency tasks at once, each in its own slot.
type Pool struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	runners map[string]*runningTask
	slots   chan struct{}
	wg      sync.WaitGroup
}

// NewPool creates a Pool.
func NewPool(cfg Config) (*Pool, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	return &Pool{
		cfg:     cfg,
		log:     slog.With("worker_id", cfg.ID),
		runners: make(map[string]*runningTask),
		slots:   make(chan struct{}, cfg.Concurrency),
	}, nil
}

// ID returns the worker id used for leases.
func (p *Pool) ID() string { return p.cfg.ID }

// Running returns the ids of the tasks currently held.
func (p *Pool) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.runners))
	for id := range p.runners {
		ids = append(ids, id)
	}
	return ids
}

// Run claims and runs tasks until ctx ends, then waits for running tasks to
// stop. Tasks interrupted by shutdown are released back to the queue.
func (p *Pool) Run(ctx context.Context) error {
	if n, err := Recover(ctx, p.cfg.Store, p.cfg.Queue, p.cfg.ID); err != nil {
		p.log.Warn("task recovery failed", "error", err)
	} else if n > 0 {
		p.log.Info("recovered tasks left running by this worker", "count", n)
	}

	var ready <-chan struct{}
	if n, ok := p.cfg.Queue.(queue.Notifier); ok {
		ready = n.Ready()
	}
	poll := time.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()

	p.log.Info("worker pool started", "concurrency", p.cfg.Concurrency, "lease", p.cfg.Lease)
	defer func() {
		p.wg.Wait()
		p.log.Info("worker pool stopped")
	}()

	for {
		// Wait for a free slot.
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		claimed, err := p.claimOne(ctx)
		if !claimed {
			<-p.slots
		}
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return err
			}
			p.log.Warn("claim failed", "error", err)
		}
		if claimed {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ready:
		case <-poll.C:
		}
	}
}

// claimOne claims a task and starts it in the reserved slot.
func (p *Pool) claimOne(ctx context.Context) (bool, error) {
	d, err := p.cfg.Queue.Claim(ctx, p.cfg.ID)
	if err != nil || d == nil {
		return false, err
	}

	taskCtx, cancel := context.WithCancelCause(ctx)
	rt := &runningTask{taskID: d.Payload.TaskID, cancel: cancel}
	p.mu.Lock()
	p.runners[rt.taskID] = rt
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			cancel(nil)
			p.mu.Lock()
			delete(p.runners, rt.taskID)
			p.mu.Unlock()
			<-p.slots
		}()
		p.handle(taskCtx, ctx, d)
	}()
	return true, nil
}

// handle runs one delivery. poolCtx tells shutdown apart from lease loss.
func (p *Pool) handle(ctx, poolCtx context.Context, d *queue.Delivery) {
	id := d.Payload.TaskID
	log := p.log.With("task_id", id, "delivery", d.DeliveryCount)

	stopHeartbeat := p.heartbeat(ctx, id, log)
	defer stopHeartbeat()

	t, err := p.load(ctx, d)
	if err != nil {
		log.Error("load task failed", "error", err)
		p.release(id, true, log)
		return
	}

	if t.Status.Terminal() {
		log.Info("dropping redelivered terminal task", "status", t.Status)
		p.ack(id, log)
		return
	}
	if d.DeliveryCount > p.cfg.MaxDeliveries {
		msg := fmt.Sprintf("redelivery limit of %d exceeded", p.cfg.MaxDeliveries)
		log.Warn("task failed", "reason", msg)
		p.fail(t, fault.Newf(fault.KindUnknown, "worker", "%s", msg), log)
		p.ack(id, log)
		return
	}

	log.Info("running task", "goal", truncate(t.Goal, 80))
	out, err := p.runSafely(ctx, t, log)
	var panicked *panicError
	switch {
	case errors.As(err, &panicked):
		p.fail(t, fault.New(fault.KindUnknown, "worker", err), log)
		p.ack(id, log)
	case err == nil && out.Status.Terminal():
		p.ack(id, log)
	case errors.Is(context.Cause(ctx), queue.ErrLeaseLost):
		log.Warn("lease lost, abandoning task")
	case poolCtx.Err() != nil:
		log.Info("shutting down, releasing task")
		p.release(id, true, log)
	default:
		log.Error("task run failed, releasing for retry", "error", err)
		p.release(id, true, log)
	}
}

// load returns the stored task, creating it from the payload on first
// delivery.
func (p *Pool) load(ctx context.Context, d *queue.Delivery) (*tasks.Task, error) {
	t, err := p.cfg.Store.Get(ctx, d.Payload.TaskID)
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		t = tasks.NewFromPayload(d.Payload)
		t.WorkerID = p.cfg.ID
		t.DeliveryCount = d.DeliveryCount
		if err := p.cfg.Store.Create(ctx, t); err != nil {
			return nil, fmt.Errorf("create task: %w", err)
		}
		return t, nil
	case err != nil:
		return nil, err
	}
	if t.Status.Terminal() {
		return t, nil
	}
	t.WorkerID = p.cfg.ID
	t.DeliveryCount = d.DeliveryCount
	if err := p.cfg.Store.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return t, nil
}

// heartbeat extends the lease every third of its duration. Losing the
// lease cancels ctx with queue.ErrLeaseLost.
func (p *Pool) heartbeat(ctx context.Context, taskID string, log *slog.Logger) func() {
	p.mu.Lock()
	rt := p.runners[taskID]
	p.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(p.cfg.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := p.cfg.Queue.ExtendLease(ctx, taskID, p.cfg.ID)
				switch {
				case err == nil:
				case errors.Is(err, queue.ErrLeaseLost):
					log.Warn("lease lost", "error", err)
					if rt != nil {
						rt.cancel(queue.ErrLeaseLost)
					}
					return
				case ctx.Err() != nil:
					return
				default:
					log.Warn("lease heartbeat failed", "error", err)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// runSafely converts a panic in the runner into an error.
func (p *Pool) runSafely(ctx context.Context, t *tasks.Task, log *slog.Logger) (out *tasks.Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
			out, err = t, &panicError{value: r}
		}
	}()
	return p.cfg.Runner.Run(ctx, t)
}

// fail records a terminal failure decided by the worker itself.
func (p *Pool) fail(t *tasks.Task, cause error, log *slog.Logger) {
	ctx := context.Background()
	if t.Status.Terminal() {
		return
	}
	// Re-read so a panic does not persist half-updated fields.
	if stored, err := p.cfg.Store.Get(ctx, t.ID); err == nil {
		t = stored
	}
	if t.Status.Terminal() {
		return
	}
	t.ErrorKind = string(fault.KindOf(cause))
	t.Error = cause.Error()
	if err := t.Transition(tasks.StatusFailed); err != nil {
		log.Error("fail task", "error", err)
		return
	}
	if err := p.cfg.Store.Update(ctx, t); err != nil {
		log.Error("persist failed task", "error", err)
		return
	}
	if p.cfg.Progress != nil {
		p.cfg.Progress.Record(ctx, t.ID, t.SessionID, progress.Update{
			State:       string(tasks.StatusFailed),
			Description: t.Error,
			Status:      string(tasks.StatusFailed),
			ErrorKind:   t.ErrorKind,
		})
		p.cfg.Progress.Terminal(t.ID, t.SessionID, t)
	}
}

func (p *Pool) ack(taskID string, log *slog.Logger) {
	if err := p.cfg.Queue.Ack(context.Background(), taskID, p.cfg.ID); err != nil {
		log.Warn("ack failed", "error", err)
	}
}

func (p *Pool) release(taskID string, requeue bool, log *slog.Logger) {
	if err := p.cfg.Queue.Release(context.Background(), taskID, p.cfg.ID, requeue); err != nil {
		log.Warn("release failed", "error", err)
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
