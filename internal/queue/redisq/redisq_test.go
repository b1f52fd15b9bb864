package redisq

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podex-dev/agentcore/internal/queue"
	"github.com/podex-dev/agentcore/internal/queue/queuetest"
	"github.com/podex-dev/agentcore/internal/tasks"
)

func newTestQueue(t *testing.T, clock *queuetest.Clock) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q, err := New(Config{Client: rdb, Lease: queuetest.Lease, Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestQueue(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, clock *queuetest.Clock) queue.Queue {
		q, _ := newTestQueue(t, clock)
		return q
	})
}

func TestKeysArePrefixed(t *testing.T) {
	q, mr := newTestQueue(t, queuetest.NewClock())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, tasks.Payload{TaskID: "t1", SessionID: "s1", Goal: "g"})
	require.NoError(t, err)
	assert.True(t, mr.Exists("podex:task:t1"))

	list, err := mr.List("podex:pending")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, list)

	_, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "w1", mr.HGet("podex:task:t1", "worker"))
	assert.Equal(t, "1", mr.HGet("podex:task:t1", "deliveries"))

	require.NoError(t, q.Ack(ctx, "t1", "w1"))
	assert.False(t, mr.Exists("podex:task:t1"))
}

func TestClaimDropsUndecodablePayload(t *testing.T) {
	q, mr := newTestQueue(t, queuetest.NewClock())
	ctx := context.Background()

	mr.HSet("podex:task:bad", "payload", "{not json", "deliveries", "0", "worker", "")
	_, err := mr.Lpush("podex:pending", "bad")
	require.NoError(t, err)

	d, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.False(t, mr.Exists("podex:task:bad"))
}

func TestRequiresClient(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
