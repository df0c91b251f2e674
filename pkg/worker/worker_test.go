package worker

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/querydproject/queryd/pkg/dispatcher"
	"github.com/querydproject/queryd/pkg/fingerprint"
	"github.com/querydproject/queryd/pkg/kv"
	"github.com/querydproject/queryd/pkg/models"
	"github.com/querydproject/queryd/pkg/queue"
	"github.com/querydproject/queryd/pkg/runner"
	"github.com/querydproject/queryd/pkg/store/memory"
)

// Test runner backends. Registered once: the registry treats duplicate
// types as programming errors.
var (
	capturedQueries   sync.Map // job-less capture of annotated query texts
	registerTestTypes sync.Once
)

type failingRunner struct{}

func (failingRunner) Run(context.Context, string) ([]byte, string) {
	return nil, "relation \"missing\" does not exist"
}

type blockingRunner struct{}

func (blockingRunner) Run(ctx context.Context, query string) ([]byte, string) {
	<-ctx.Done()
	return nil, ctx.Err().Error()
}

type capturingRunner struct{}

func (capturingRunner) AnnotateQuery() bool { return true }

func (capturingRunner) Run(_ context.Context, query string) ([]byte, string) {
	capturedQueries.Store(query, struct{}{})
	return []byte(`{"columns":[],"rows":[]}`), ""
}

func registerRunners() {
	registerTestTypes.Do(func() {
		runner.Register("failing", func(string) (runner.Runner, error) { return failingRunner{}, nil })
		runner.Register("blocking", func(string) (runner.Runner, error) { return blockingRunner{}, nil })
		runner.Register("capturing", func(string) (runner.Runner, error) { return capturingRunner{}, nil })
	})
}

type testEnv struct {
	pool   *Pool
	broker *queue.Broker
	locks  kv.Client
	store  *memory.Store
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	registerRunners()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	broker := queue.NewBroker(queue.Config{ResultExpiry: time.Hour, DequeueTimeout: time.Second}, rdb, log.NewNopLogger())
	locks := kv.NewClient(&kv.Config{Endpoint: mr.Addr(), Timeout: time.Second}, rdb)
	s := memory.New()

	cfg := Config{Parallelism: 1, Queues: "queries,scheduled_queries"}
	return &testEnv{
		pool:   NewPool(cfg, broker, s, locks, log.NewNopLogger()),
		broker: broker,
		locks:  locks,
		store:  s,
	}
}

// dispatchTask mimics the dispatcher: lock first, then enqueue.
func (e *testEnv) dispatchTask(t *testing.T, ds models.DataSource, queryText string) *queue.Task {
	t.Helper()
	ctx := context.Background()

	id := queue.NewJobID()
	fp := fingerprint.Sum(queryText)
	won, err := e.locks.SetIfAbsent(ctx, dispatcher.LockKey(ds.ID, fp), id, 0)
	require.NoError(t, err)
	require.True(t, won)

	spec := queue.TaskSpec{Query: queryText, DataSourceID: ds.ID}
	require.NoError(t, e.broker.Enqueue(ctx, ds.QueueName, id, spec))
	return &queue.Task{ID: id, Spec: spec}
}

func (e *testEnv) lockAbsent(t *testing.T, dsID int, queryText string) {
	t.Helper()
	_, err := e.locks.Get(context.Background(), dispatcher.LockKey(dsID, fingerprint.Sum(queryText)))
	require.Equal(t, kv.ErrNotFound, err, "lock entry must be released")
}

func TestExecuteSuccess(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	ds := models.DataSource{ID: 1, Type: "static", Options: `{"columns":[{"name":"n","type":"INT4"}],"rows":[[1]]}`, QueueName: "queries"}
	e.store.AddDataSource(ds)

	task := e.dispatchTask(t, ds, "SELECT 1")
	e.pool.Execute(task)

	status, err := e.broker.Status(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateSuccess, status.State)
	require.NotZero(t, status.StartedAt)

	resultID, err := strconv.Atoi(status.ResultID)
	require.NoError(t, err)

	stored, err := e.store.GetLatestResult(ctx, 1, "SELECT 1", -1)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, resultID, stored.ID)
	require.JSONEq(t, string(stored.Data), `{"columns":[{"name":"n","type":"INT4"}],"rows":[[1]]}`)
	require.Equal(t, fingerprint.Sum("SELECT 1"), stored.QueryHash)

	e.lockAbsent(t, 1, "SELECT 1")
}

func TestExecuteBackendFailure(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	ds := models.DataSource{ID: 2, Type: "failing", QueueName: "queries"}
	e.store.AddDataSource(ds)

	task := e.dispatchTask(t, ds, "SELECT missing")
	e.pool.Execute(task)

	status, err := e.broker.Status(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateFailure, status.State)
	require.Contains(t, status.Error, "does not exist")

	// The lock is released on failure too, so retries are possible
	// immediately.
	e.lockAbsent(t, 2, "SELECT missing")

	stored, err := e.store.GetLatestResult(ctx, 2, "SELECT missing", -1)
	require.NoError(t, err)
	require.Nil(t, stored, "failed executions must not store results")
}

func TestExecuteUnknownDataSource(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	ds := models.DataSource{ID: 3, Type: "static", QueueName: "queries"}
	// Deliberately not added to the store.

	task := e.dispatchTask(t, ds, "SELECT 1")
	e.pool.Execute(task)

	status, err := e.broker.Status(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateFailure, status.State)
	require.Contains(t, status.Error, "data source 3 is not available")
	e.lockAbsent(t, 3, "SELECT 1")
}

func TestExecuteUnknownBackendType(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	ds := models.DataSource{ID: 4, Type: "oracle", QueueName: "queries"}
	e.store.AddDataSource(ds)

	task := e.dispatchTask(t, ds, "SELECT 1")
	e.pool.Execute(task)

	status, err := e.broker.Status(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateFailure, status.State)
	require.Contains(t, status.Error, "unsupported backend type")
	e.lockAbsent(t, 4, "SELECT 1")
}

func TestExecuteAnnotatesOptedInRunners(t *testing.T) {
	e := setup(t)

	ds := models.DataSource{ID: 5, Type: "capturing", QueueName: "queries"}
	e.store.AddDataSource(ds)

	task := e.dispatchTask(t, ds, "SELECT 42")
	e.pool.Execute(task)

	found := false
	capturedQueries.Range(func(key, _ interface{}) bool {
		query := key.(string)
		if strings.Contains(query, "SELECT 42") {
			found = true
			require.Contains(t, query, "/* Job: "+task.ID)
			require.Contains(t, query, "Query hash: "+fingerprint.Sum("SELECT 42"))
			return false
		}
		return true
	})
	require.True(t, found, "runner did not receive the annotated query")
}

func TestExecuteRevokedBeforeStart(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	ds := models.DataSource{ID: 6, Type: "static", QueueName: "queries"}
	e.store.AddDataSource(ds)

	task := e.dispatchTask(t, ds, "SELECT 1")
	require.NoError(t, e.broker.Revoke(ctx, task.ID, false))

	e.pool.Execute(task)

	status, err := e.broker.Status(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateRevoked, status.State)
	e.lockAbsent(t, 6, "SELECT 1")
}

func TestCancellationMidFlight(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	ds := models.DataSource{ID: 7, Type: "blocking", QueueName: "queries"}
	e.store.AddDataSource(ds)

	task := e.dispatchTask(t, ds, "SELECT pg_sleep(3600)")

	go e.pool.Run()
	defer e.pool.Stop()

	// Wait until the worker has picked the job up.
	require.Eventually(t, func() bool {
		status, err := e.broker.Status(ctx, task.ID)
		return err == nil && status.State == queue.StateStarted
	}, 5*time.Second, 10*time.Millisecond)

	// Revoke with terminate: the worker's revocation listener cancels the
	// in-flight backend call.
	require.NoError(t, e.broker.Revoke(ctx, task.ID, true))

	require.Eventually(t, func() bool {
		status, err := e.broker.Status(ctx, task.ID)
		return err == nil && status.State == queue.StateRevoked
	}, 5*time.Second, 10*time.Millisecond)

	// The cancellation path still released the lock.
	e.lockAbsent(t, 7, "SELECT pg_sleep(3600)")
}

func TestPoolRunStop(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	ds := models.DataSource{ID: 8, Type: "static", QueueName: "queries"}
	e.store.AddDataSource(ds)

	task := e.dispatchTask(t, ds, "SELECT 1")

	go e.pool.Run()

	require.Eventually(t, func() bool {
		status, err := e.broker.Status(ctx, task.ID)
		return err == nil && status.State == queue.StateSuccess
	}, 5*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		e.pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pool did not stop")
	}
}
