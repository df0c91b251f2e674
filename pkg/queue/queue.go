// Package queue implements the distributed job queue the dispatcher
// enqueues query executions on and the worker pool consumes from.
//
// It runs on Redis: one list per routing queue holds pending task
// envelopes, one hash per job holds its state and metadata, and a pub/sub
// channel carries terminate signals for revoked jobs. Job ids are minted
// by callers (the dispatcher locks a fingerprint under the id before the
// task is pushed), so a job id can be visible before its task exists; such
// ids report PENDING, the same as ids the queue has never seen.
package queue

import (
	"context"
	"encoding/json"
	"flag"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/oklog/ulid"
	"github.com/pkg/errors"
)

// State is a job's native execution state.
type State string

const (
	StatePending State = "PENDING"
	StateStarted State = "STARTED"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
	StateRevoked State = "REVOKED"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure || s == StateRevoked
}

const (
	jobKeyPrefix   = "job:"
	queueKeyPrefix = "queries:"
	revocationChan = "job_revocations"
)

// TaskSpec is the payload carried through the queue.
type TaskSpec struct {
	Query        string `json:"query"`
	DataSourceID int    `json:"data_source_id"`
}

// Task is one dequeued work item.
type Task struct {
	ID         string   `json:"id"`
	Spec       TaskSpec `json:"spec"`
	EnqueuedAt int64    `json:"enqueued_at"`
}

// JobStatus is a point-in-time snapshot of one job.
type JobStatus struct {
	ID        string
	State     State
	StartedAt int64 // unix seconds, zero until the job starts
	Error     string
	ResultID  string
}

// Config configures the broker.
type Config struct {
	ResultExpiry   time.Duration `yaml:"result_expiry"`
	DequeueTimeout time.Duration `yaml:"dequeue_timeout"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.ResultExpiry, "queue.result-expiry", 24*time.Hour, "How long job state is kept after the job reaches a terminal state.")
	f.DurationVar(&cfg.DequeueTimeout, "queue.dequeue-timeout", 5*time.Second, "How long a worker blocks on an empty queue before re-checking for shutdown.")
}

var (
	entropyMtx sync.Mutex
	entropy    = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NewJobID mints a fresh job identifier.
func NewJobID() string {
	entropyMtx.Lock()
	defer entropyMtx.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Broker is the Redis-backed job queue.
type Broker struct {
	cfg    Config
	rdb    *redis.Client
	logger log.Logger
}

// NewBroker creates a Broker on the given Redis client.
func NewBroker(cfg Config, rdb *redis.Client, logger log.Logger) *Broker {
	return &Broker{
		cfg:    cfg,
		rdb:    rdb,
		logger: logger,
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func queueKey(name string) string {
	return queueKeyPrefix + name
}

// Enqueue records the job as PENDING and pushes its task envelope onto the
// named routing queue.
func (b *Broker) Enqueue(ctx context.Context, queueName, jobID string, spec TaskSpec) error {
	task := Task{
		ID:         jobID,
		Spec:       spec,
		EnqueuedAt: time.Now().Unix(),
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "marshal task")
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), map[string]interface{}{
		"state":          string(StatePending),
		"queue":          queueName,
		"data_source_id": spec.DataSourceID,
		"enqueued_at":    task.EnqueuedAt,
	})
	pipe.RPush(ctx, queueKey(queueName), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "enqueue job %s on %s", jobID, queueName)
	}

	level.Debug(b.logger).Log("msg", "job enqueued", "job_id", jobID, "queue", queueName)
	return nil
}

// Dequeue pops the next task from any of the given routing queues,
// blocking up to the configured dequeue timeout. Returns (nil, nil) when
// the timeout elapses with no work.
func (b *Broker) Dequeue(ctx context.Context, queueNames ...string) (*Task, error) {
	keys := make([]string, 0, len(queueNames))
	for _, name := range queueNames {
		keys = append(keys, queueKey(name))
	}

	res, err := b.rdb.BLPop(ctx, b.cfg.DequeueTimeout, keys...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "dequeue")
	}

	// BLPOP returns the popped key followed by the value.
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, errors.Wrap(err, "unmarshal task")
	}
	return &task, nil
}

// MarkStarted transitions the job to STARTED and records the start time.
func (b *Broker) MarkStarted(ctx context.Context, jobID string, startedAt time.Time) error {
	return b.rdb.HSet(ctx, jobKey(jobID), map[string]interface{}{
		"state":      string(StateStarted),
		"started_at": startedAt.Unix(),
	}).Err()
}

// MarkSuccess records the stored result id and transitions to SUCCESS.
func (b *Broker) MarkSuccess(ctx context.Context, jobID, resultID string) error {
	return b.markTerminal(ctx, jobID, map[string]interface{}{
		"state":     string(StateSuccess),
		"result_id": resultID,
	})
}

// MarkFailure records the error message and transitions to FAILURE.
func (b *Broker) MarkFailure(ctx context.Context, jobID, errMsg string) error {
	return b.markTerminal(ctx, jobID, map[string]interface{}{
		"state": string(StateFailure),
		"error": errMsg,
	})
}

// MarkRevoked transitions the job to REVOKED.
func (b *Broker) MarkRevoked(ctx context.Context, jobID string) error {
	return b.markTerminal(ctx, jobID, map[string]interface{}{
		"state": string(StateRevoked),
	})
}

func (b *Broker) markTerminal(ctx context.Context, jobID string, fields map[string]interface{}) error {
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), fields)
	if b.cfg.ResultExpiry > 0 {
		pipe.Expire(ctx, jobKey(jobID), b.cfg.ResultExpiry)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Status reports the job's current state. Unknown ids report PENDING.
func (b *Broker) Status(ctx context.Context, jobID string) (JobStatus, error) {
	fields, err := b.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return JobStatus{}, errors.Wrapf(err, "status of job %s", jobID)
	}

	status := JobStatus{
		ID:    jobID,
		State: StatePending,
	}
	if state, ok := fields["state"]; ok {
		status.State = State(state)
	}
	if startedAt, ok := fields["started_at"]; ok {
		status.StartedAt, _ = strconv.ParseInt(startedAt, 10, 64)
	}
	status.Error = fields["error"]
	status.ResultID = fields["result_id"]
	return status, nil
}

// Revoke marks the job revoked. Pending jobs flip to REVOKED immediately;
// with terminate set, the id is also published so the worker executing it
// cancels the in-flight backend call.
func (b *Broker) Revoke(ctx context.Context, jobID string, terminate bool) error {
	if err := b.rdb.HSet(ctx, jobKey(jobID), "revoked", "1").Err(); err != nil {
		return errors.Wrapf(err, "revoke job %s", jobID)
	}

	// Best effort: a job that has not started yet will never run its
	// cancellation path, so its state is settled here.
	state, err := b.rdb.HGet(ctx, jobKey(jobID), "state").Result()
	if err == nil && State(state) == StatePending {
		if err := b.MarkRevoked(ctx, jobID); err != nil {
			return err
		}
	}

	if terminate {
		if err := b.rdb.Publish(ctx, revocationChan, jobID).Err(); err != nil {
			return errors.Wrapf(err, "publish revocation of job %s", jobID)
		}
	}
	return nil
}

// Revoked reports whether the job has been revoked.
func (b *Broker) Revoked(ctx context.Context, jobID string) (bool, error) {
	revoked, err := b.rdb.HGet(ctx, jobKey(jobID), "revoked").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return revoked == "1", nil
}

// SubscribeRevocations returns the pub/sub subscription workers listen on
// for terminate signals. Each message payload is a job id.
func (b *Broker) SubscribeRevocations(ctx context.Context) *redis.PubSub {
	return b.rdb.Subscribe(ctx, revocationChan)
}
