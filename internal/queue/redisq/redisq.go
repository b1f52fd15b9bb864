// Package redisq is a queue.Queue on Redis. Pending tasks live in a list,
// leases in a sorted set scored by expiry, and control signals travel on a
// pub/sub channel per task.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/podex-dev/agentcore/internal/queue"
	"github.com/podex-dev/agentcore/internal/tasks"
)

// Config configures a Queue.
type Config struct {
	Client *redis.Client
	// Prefix namespaces every key. Defaults to "podex".
	Prefix string
	Lease  time.Duration
	Now    func() time.Time
	// SignalBuffer is the per-subscriber control channel buffer.
	SignalBuffer int
}

func (c *Config) defaults() error {
	if c.Client == nil {
		return errors.New("redis client is required")
	}
	if c.Prefix == "" {
		c.Prefix = "podex"
	}
	c.Lease = queue.Lease(c.Lease)
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.SignalBuffer <= 0 {
		c.SignalBuffer = 16
	}
	return nil
}

// Queue is a queue.Queue backed by Redis.
type Queue struct {
	cfg    Config
	rdb    *redis.Client
	mu     sync.Mutex
	closed bool
}

var _ queue.Queue = (*Queue)(nil)

// New creates a queue on an existing client. The client is shared and not
// closed by Close.
func New(cfg Config) (*Queue, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Queue{cfg: cfg, rdb: cfg.Client}, nil
}

func (q *Queue) pendingKey() string       { return q.cfg.Prefix + ":pending" }
func (q *Queue) inflightKey() string      { return q.cfg.Prefix + ":inflight" }
func (q *Queue) abortedKey() string       { return q.cfg.Prefix + ":aborted" }
func (q *Queue) taskPrefix() string       { return q.cfg.Prefix + ":task:" }
func (q *Queue) taskKey(id string) string { return q.taskPrefix() + id }
func (q *Queue) controlChannel(id string) string {
	return q.cfg.Prefix + ":control:" + id
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func ms(t time.Time) int64 { return t.UnixMilli() }

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
redis.call('HSET', KEYS[2], 'payload', ARGV[2], 'deliveries', 0, 'worker', '')
redis.call('LPUSH', KEYS[1], ARGV[1])
return 1
`)

func (q *Queue) Enqueue(ctx context.Context, p tasks.Payload) (string, error) {
	if q.isClosed() {
		return "", queue.ErrClosed
	}
	if p.TaskID == "" {
		p.TaskID = tasks.GenerateTaskID()
	}
	data, err := queue.EncodePayload(p)
	if err != nil {
		return "", err
	}
	n, err := enqueueScript.Run(ctx, q.rdb, []string{q.pendingKey(), q.taskKey(p.TaskID)}, p.TaskID, string(data)).Int()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", p.TaskID, err)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: %s", queue.ErrDuplicate, p.TaskID)
	}
	return p.TaskID, nil
}

// Expired leases are reclaimed before new work so a crashed worker's task
// is not starved.
var claimScript = redis.NewScript(`
local id = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 1)[1]
if not id then
  id = redis.call('RPOP', KEYS[1])
end
if not id then
  return false
end
local key = ARGV[4] .. id
if redis.call('EXISTS', key) == 0 then
  redis.call('ZREM', KEYS[2], id)
  return false
end
local expires = tonumber(ARGV[1]) + tonumber(ARGV[2])
redis.call('ZADD', KEYS[2], expires, id)
local n = redis.call('HINCRBY', key, 'deliveries', 1)
redis.call('HSET', key, 'worker', ARGV[3])
return {id, redis.call('HGET', key, 'payload'), n, expires}
`)

func (q *Queue) Claim(ctx context.Context, workerID string) (*queue.Delivery, error) {
	if q.isClosed() {
		return nil, queue.ErrClosed
	}
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{q.pendingKey(), q.inflightKey()},
		ms(q.cfg.Now()), q.cfg.Lease.Milliseconds(), workerID, q.taskPrefix(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("claim: unexpected reply %v", res)
	}

	id, _ := res[0].(string)
	raw, _ := res[1].(string)
	count, _ := res[2].(int64)
	expires, _ := res[3].(int64)

	p, err := tasks.DecodePayload([]byte(raw))
	if err != nil {
		slog.Error("dropping undecodable task", "task_id", id, "error", err)
		_ = q.Release(ctx, id, workerID, false)
		return nil, nil
	}
	return &queue.Delivery{
		Payload:       p,
		WorkerID:      workerID,
		DeliveryCount: int(count),
		LeaseExpires:  time.UnixMilli(expires).In(q.cfg.Now().Location()),
	}, nil
}

var extendScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[3]) then
  return 0
end
if redis.call('HGET', KEYS[2], 'worker') ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[3]) + tonumber(ARGV[4]), ARGV[1])
return 1
`)

func (q *Queue) ExtendLease(ctx context.Context, taskID, workerID string) error {
	n, err := extendScript.Run(ctx, q.rdb,
		[]string{q.inflightKey(), q.taskKey(taskID)},
		taskID, workerID, ms(q.cfg.Now()), q.cfg.Lease.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", taskID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", queue.ErrLeaseLost, taskID)
	}
	return nil
}

// finishScript acks (ARGV[4] = "drop") or requeues (ARGV[4] = "requeue") a
// task held by ARGV[2].
var finishScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[3]) then
  return 0
end
if redis.call('HGET', KEYS[2], 'worker') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
if ARGV[4] == 'requeue' then
  redis.call('HSET', KEYS[2], 'worker', '')
  redis.call('RPUSH', KEYS[3], ARGV[1])
else
  redis.call('DEL', KEYS[2])
end
return 1
`)

func (q *Queue) finish(ctx context.Context, taskID, workerID, mode string) error {
	n, err := finishScript.Run(ctx, q.rdb,
		[]string{q.inflightKey(), q.taskKey(taskID), q.pendingKey()},
		taskID, workerID, ms(q.cfg.Now()), mode,
	).Int()
	if err != nil {
		return fmt.Errorf("%s %s: %w", mode, taskID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", queue.ErrLeaseLost, taskID)
	}
	return nil
}

func (q *Queue) Ack(ctx context.Context, taskID, workerID string) error {
	return q.finish(ctx, taskID, workerID, "drop")
}

func (q *Queue) Release(ctx context.Context, taskID, workerID string, requeue bool) error {
	mode := "drop"
	if requeue {
		mode = "requeue"
	}
	return q.finish(ctx, taskID, workerID, mode)
}

func (q *Queue) PublishControl(ctx context.Context, sig queue.Signal) error {
	if q.isClosed() {
		return queue.ErrClosed
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	if sig.Type == queue.SignalAbort {
		if err := q.rdb.SAdd(ctx, q.abortedKey(), sig.TaskID).Err(); err != nil {
			return fmt.Errorf("persist abort %s: %w", sig.TaskID, err)
		}
	}
	if err := q.rdb.Publish(ctx, q.controlChannel(sig.TaskID), data).Err(); err != nil {
		return fmt.Errorf("publish signal %s: %w", sig.TaskID, err)
	}
	return nil
}

func (q *Queue) SubscribeControl(ctx context.Context, taskID string) (<-chan queue.Signal, func(), error) {
	if q.isClosed() {
		return nil, nil, queue.ErrClosed
	}
	ps := q.rdb.Subscribe(ctx, q.controlChannel(taskID))
	// Wait for the subscription so no signal published after return is lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe control %s: %w", taskID, err)
	}

	out := make(chan queue.Signal, q.cfg.SignalBuffer)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }

	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var sig queue.Signal
				if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
					slog.Warn("dropping malformed control signal", "task_id", taskID, "error", err)
					continue
				}
				select {
				case out <- sig:
				default:
					slog.Warn("control signal dropped, subscriber is slow", "task_id", taskID, "type", sig.Type)
				}
			}
		}
	}()
	return out, cancel, nil
}

func (q *Queue) Aborted(ctx context.Context, taskID string) (bool, error) {
	ok, err := q.rdb.SIsMember(ctx, q.abortedKey(), taskID).Result()
	if err != nil {
		return false, fmt.Errorf("read abort flag %s: %w", taskID, err)
	}
	return ok, nil
}

// Close marks the queue closed. The shared client stays open.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
