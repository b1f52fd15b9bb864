// Package queuetest runs the same behavioral checks against every queue
// implementation.
package queuetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podex-dev/agentcore/internal/queue"
	"github.com/podex-dev/agentcore/internal/tasks"
)

// Lease is the lease the factory must configure.
const Lease = 30 * time.Second

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory builds an empty queue using clock and Lease.
type Factory func(t *testing.T, clock *Clock) queue.Queue

func payload(id string) tasks.Payload {
	return tasks.Payload{TaskID: id, SessionID: "s1", Goal: "goal " + id}
}

// Run exercises a queue implementation.
func Run(t *testing.T, newQueue Factory) {
	t.Run("enqueue claim ack", func(t *testing.T) { testEnqueueClaimAck(t, newQueue) })
	t.Run("single holder", func(t *testing.T) { testSingleHolder(t, newQueue) })
	t.Run("lease expiry", func(t *testing.T) { testLeaseExpiry(t, newQueue) })
	t.Run("extend lease", func(t *testing.T) { testExtendLease(t, newQueue) })
	t.Run("release", func(t *testing.T) { testRelease(t, newQueue) })
	t.Run("validation", func(t *testing.T) { testValidation(t, newQueue) })
	t.Run("control", func(t *testing.T) { testControl(t, newQueue) })
}

func testEnqueueClaimAck(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	clock := NewClock()
	q := newQueue(t, clock)

	d, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, d, "empty queue")

	for _, id := range []string{"t1", "t2", "t3"} {
		got, err := q.Enqueue(ctx, payload(id))
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}

	var order []string
	for i := 0; i < 3; i++ {
		d, err := q.Claim(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, 1, d.DeliveryCount)
		assert.Equal(t, "w1", d.WorkerID)
		assert.True(t, d.LeaseExpires.Equal(clock.Now().Add(Lease)))
		order = append(order, d.Payload.TaskID)
		require.NoError(t, q.Ack(ctx, d.Payload.TaskID, "w1"))
	}
	assert.Equal(t, []string{"t1", "t2", "t3"}, order, "FIFO")

	d, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, d)

	id, err := q.Enqueue(ctx, tasks.Payload{SessionID: "s1", Goal: "generated id"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func testSingleHolder(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	q := newQueue(t, NewClock())

	_, err := q.Enqueue(ctx, payload("t1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, payload("t1"))
	assert.ErrorIs(t, err, queue.ErrDuplicate)

	d, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, d)

	d2, err := q.Claim(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, d2, "a leased task is not claimable")

	assert.ErrorIs(t, q.Ack(ctx, "t1", "w2"), queue.ErrLeaseLost)
	assert.ErrorIs(t, q.ExtendLease(ctx, "t1", "w2"), queue.ErrLeaseLost)
	require.NoError(t, q.Ack(ctx, "t1", "w1"))
	assert.ErrorIs(t, q.Ack(ctx, "t1", "w1"), queue.ErrLeaseLost)
}

func testLeaseExpiry(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	clock := NewClock()
	q := newQueue(t, clock)

	_, err := q.Enqueue(ctx, payload("t1"))
	require.NoError(t, err)
	d, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, d)

	clock.Advance(Lease + time.Second)

	d2, err := q.Claim(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, d2)
	assert.Equal(t, "t1", d2.Payload.TaskID)
	assert.Equal(t, 2, d2.DeliveryCount)
	assert.Equal(t, "goal t1", d2.Payload.Goal)

	assert.ErrorIs(t, q.ExtendLease(ctx, "t1", "w1"), queue.ErrLeaseLost)
	assert.ErrorIs(t, q.Ack(ctx, "t1", "w1"), queue.ErrLeaseLost)
	require.NoError(t, q.Ack(ctx, "t1", "w2"))
}

func testExtendLease(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	clock := NewClock()
	q := newQueue(t, clock)

	_, err := q.Enqueue(ctx, payload("t1"))
	require.NoError(t, err)
	_, err = q.Claim(ctx, "w1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		clock.Advance(Lease / 2)
		require.NoError(t, q.ExtendLease(ctx, "t1", "w1"))
	}
	clock.Advance(Lease / 2)

	d, err := q.Claim(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, d, "an extended lease is still held")
}

func testRelease(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	q := newQueue(t, NewClock())

	_, err := q.Enqueue(ctx, payload("t1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, payload("t2"))
	require.NoError(t, err)

	d, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "t1", d.Payload.TaskID)
	require.NoError(t, q.Release(ctx, "t1", "w1", true))

	d, err = q.Claim(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "t1", d.Payload.TaskID, "a requeued task is claimed first")
	assert.Equal(t, 2, d.DeliveryCount)

	require.NoError(t, q.Release(ctx, "t1", "w2", false))
	d, err = q.Claim(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "t2", d.Payload.TaskID)

	d, err = q.Claim(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, d, "a released task without requeue is gone")
}

func testValidation(t *testing.T, newQueue Factory) {
	q := newQueue(t, NewClock())
	_, err := q.Enqueue(context.Background(), tasks.Payload{TaskID: "t1", SessionID: "s1"})
	assert.Error(t, err)
}

func testControl(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	q := newQueue(t, NewClock())

	ch, cancel, err := q.SubscribeControl(ctx, "t1")
	require.NoError(t, err)

	aborted, err := q.Aborted(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, aborted)

	require.NoError(t, q.PublishControl(ctx, queue.Signal{Type: queue.SignalPause, TaskID: "t1"}))
	require.NoError(t, q.PublishControl(ctx, queue.Signal{Type: queue.SignalAbort, TaskID: "t2"}))
	require.NoError(t, q.PublishControl(ctx, queue.NewApprovalSignal("t1", queue.ApprovalResponse{Token: "tok", Approved: true})))
	require.NoError(t, q.PublishControl(ctx, queue.Signal{Type: queue.SignalAbort, TaskID: "t1"}))

	var got []queue.Signal
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case sig := <-ch:
			got = append(got, sig)
		case <-timeout:
			t.Fatalf("received %d of 3 signals", len(got))
		}
	}
	assert.Equal(t, queue.SignalPause, got[0].Type)
	assert.Equal(t, queue.SignalApprovalResponse, got[1].Type)
	assert.Equal(t, queue.SignalAbort, got[2].Type)
	for _, sig := range got {
		assert.Equal(t, "t1", sig.TaskID)
	}
	resp, err := got[1].Approval()
	require.NoError(t, err)
	assert.Equal(t, "tok", resp.Token)
	assert.True(t, resp.Approved)

	aborted, err = q.Aborted(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, aborted, "abort is persisted")
	aborted, err = q.Aborted(ctx, "t3")
	require.NoError(t, err)
	assert.False(t, aborted)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel closed after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
