package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func testBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := Config{
		ResultExpiry: time.Hour,
		// go-redis rounds blocking timeouts below one second up to 1s.
		DequeueTimeout: time.Second,
	}
	return NewBroker(cfg, rdb, log.NewNopLogger()), mr
}

func TestEnqueueDequeue(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	id := NewJobID()
	spec := TaskSpec{Query: "SELECT 1", DataSourceID: 42}
	require.NoError(t, b.Enqueue(ctx, "queries", id, spec))

	task, err := b.Dequeue(ctx, "queries", "scheduled_queries")
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, id, task.ID)
	require.Equal(t, spec, task.Spec)

	// Queue drained: the next dequeue times out empty-handed.
	task, err = b.Dequeue(ctx, "queries", "scheduled_queries")
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestDequeueIsFIFO(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	first, second := NewJobID(), NewJobID()
	require.NoError(t, b.Enqueue(ctx, "queries", first, TaskSpec{Query: "SELECT 1", DataSourceID: 1}))
	require.NoError(t, b.Enqueue(ctx, "queries", second, TaskSpec{Query: "SELECT 2", DataSourceID: 1}))

	task, err := b.Dequeue(ctx, "queries")
	require.NoError(t, err)
	require.Equal(t, first, task.ID)

	task, err = b.Dequeue(ctx, "queries")
	require.NoError(t, err)
	require.Equal(t, second, task.ID)
}

func TestStatusTransitions(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	id := NewJobID()

	// Ids the queue has never seen report PENDING: the dispatcher locks a
	// fingerprint under a fresh id before the task is pushed.
	status, err := b.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatePending, status.State)
	require.Zero(t, status.StartedAt)

	require.NoError(t, b.Enqueue(ctx, "queries", id, TaskSpec{Query: "SELECT 1", DataSourceID: 1}))
	status, err = b.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatePending, status.State)

	startedAt := time.Now()
	require.NoError(t, b.MarkStarted(ctx, id, startedAt))
	status, err = b.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateStarted, status.State)
	require.Equal(t, startedAt.Unix(), status.StartedAt)

	require.NoError(t, b.MarkSuccess(ctx, id, "17"))
	status, err = b.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateSuccess, status.State)
	require.Equal(t, "17", status.ResultID)
	require.True(t, status.State.Terminal())
}

func TestMarkFailure(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	id := NewJobID()
	require.NoError(t, b.Enqueue(ctx, "queries", id, TaskSpec{Query: "SELECT 1", DataSourceID: 1}))
	require.NoError(t, b.MarkFailure(ctx, id, "relation does not exist"))

	status, err := b.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateFailure, status.State)
	require.Equal(t, "relation does not exist", status.Error)
}

func TestTerminalStateExpiry(t *testing.T) {
	b, mr := testBroker(t)
	ctx := context.Background()

	id := NewJobID()
	require.NoError(t, b.Enqueue(ctx, "queries", id, TaskSpec{Query: "SELECT 1", DataSourceID: 1}))
	require.NoError(t, b.MarkSuccess(ctx, id, "17"))

	mr.FastForward(2 * time.Hour)

	status, err := b.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatePending, status.State, "expired job state reads as unknown")
}

func TestRevokePending(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	id := NewJobID()
	require.NoError(t, b.Enqueue(ctx, "queries", id, TaskSpec{Query: "SELECT 1", DataSourceID: 1}))
	require.NoError(t, b.Revoke(ctx, id, false))

	revoked, err := b.Revoked(ctx, id)
	require.NoError(t, err)
	require.True(t, revoked)

	// A job that never started settles to REVOKED at revoke time.
	status, err := b.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateRevoked, status.State)
}

func TestRevokeTerminatePublishes(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	sub := b.SubscribeRevocations(ctx)
	defer sub.Close()
	// Make sure the subscription is live before publishing.
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	id := NewJobID()
	require.NoError(t, b.Enqueue(ctx, "queries", id, TaskSpec{Query: "SELECT 1", DataSourceID: 1}))
	require.NoError(t, b.MarkStarted(ctx, id, time.Now()))
	require.NoError(t, b.Revoke(ctx, id, true))

	select {
	case msg := <-sub.Channel():
		require.Equal(t, id, msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("no revocation message received")
	}
}

func TestNewJobIDUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 1000; i++ {
		id := NewJobID()
		_, dup := seen[id]
		require.False(t, dup, "duplicate job id %s", id)
		seen[id] = struct{}{}
	}
}
