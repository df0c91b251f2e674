// Package dispatcher accepts ad-hoc and refresh-triggered query
// executions and guarantees at most one in-flight execution per
// (data source, fingerprint) pair.
//
// Coordination happens entirely through the shared KV store: the
// dispatcher holds no in-process state, so any number of instances can
// run concurrently. The lock entry for a fingerprint holds the job id of
// the in-flight execution; it is created here and deleted by the worker
// when the execution finishes.
package dispatcher

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/querydproject/queryd/pkg/fingerprint"
	"github.com/querydproject/queryd/pkg/kv"
	"github.com/querydproject/queryd/pkg/models"
	"github.com/querydproject/queryd/pkg/queue"
	"github.com/querydproject/queryd/pkg/store"
	"github.com/querydproject/queryd/pkg/util/backoff"
)

// CancelledError is the error text reported for revoked jobs.
const CancelledError = "Query execution cancelled."

var (
	submits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queryd",
		Name:      "dispatcher_submits_total",
		Help:      "Query submissions by outcome.",
	}, []string{"outcome"})
	cancellations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "queryd",
		Name:      "dispatcher_cancellations_total",
		Help:      "How many job cancellations have been requested.",
	})
)

func init() {
	prometheus.MustRegister(submits)
	prometheus.MustRegister(cancellations)
}

// LockKey is the KV key marking an in-flight execution for a fingerprint
// on a data source. The worker deletes it through the same convention.
func LockKey(dataSourceID int, fp string) string {
	return fmt.Sprintf("job_lock:%d:%s", dataSourceID, fp)
}

// Config configures a Dispatcher.
type Config struct {
	LockTTL time.Duration  `yaml:"lock_ttl"`
	Retry   backoff.Config `yaml:"retry"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.LockTTL, "dispatcher.lock-ttl", 0, "Lease duration for job lock entries. Zero means locks never expire on their own; a positive value bounds how long a crashed worker can leave a fingerprint locked.")
	// The retry budget is deliberately small: past it we surface a
	// dispatch failure instead of blocking the caller.
	f.IntVar(&cfg.Retry.MaxRetries, "dispatcher.max-attempts", 5, "How many times to attempt the lock transaction before reporting a dispatch failure.")
	f.DurationVar(&cfg.Retry.MinBackoff, "dispatcher.retry-min-period", 50*time.Millisecond, "Minimum delay between lock transaction attempts.")
	f.DurationVar(&cfg.Retry.MaxBackoff, "dispatcher.retry-max-period", time.Second, "Maximum delay between lock transaction attempts.")
}

// JobBroker is the slice of the job queue the dispatcher needs.
type JobBroker interface {
	Enqueue(ctx context.Context, queueName, jobID string, spec queue.TaskSpec) error
	Status(ctx context.Context, jobID string) (queue.JobStatus, error)
	Revoke(ctx context.Context, jobID string, terminate bool) error
}

// Dispatcher builds fingerprints, acquires per-fingerprint locks and
// enqueues executions.
type Dispatcher struct {
	cfg    Config
	locks  kv.Client
	broker JobBroker
	store  store.Store
	logger log.Logger
}

// New creates a Dispatcher.
func New(cfg Config, locks kv.Client, broker JobBroker, s store.Store, logger log.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		locks:  locks,
		broker: broker,
		store:  s,
		logger: logger,
	}
}

// JobHandle wraps a job identifier and exposes status accessors.
type JobHandle struct {
	JobID string

	d *Dispatcher
}

// Status reports the job's simplified status view.
func (h *JobHandle) Status(ctx context.Context) (JobStatusView, error) {
	return h.d.Status(ctx, h.JobID)
}

// Cancel revokes the job.
func (h *JobHandle) Cancel(ctx context.Context) error {
	return h.d.Cancel(ctx, h.JobID)
}

// Submit dispatches one query execution, deduplicating against executions
// already in flight for the same fingerprint and data source.
//
// scheduled selects the routing queue: refresh-triggered work goes to the
// data source's scheduled queue, user-triggered work to its ad-hoc queue.
//
// A (nil, nil) return means the retry budget was exhausted without either
// attaching to an existing job or winning the lock; callers must check for
// it and answer with a dispatch failure.
func (d *Dispatcher) Submit(ctx context.Context, queryText string, ds models.DataSource, scheduled bool) (*JobHandle, error) {
	fp := fingerprint.Sum(queryText)
	key := LockKey(ds.ID, fp)

	queueName := ds.QueueName
	if scheduled {
		queueName = ds.ScheduledQueueName
	}

	boff := backoff.New(ctx, d.cfg.Retry)
	for boff.Ongoing() {
		// A job already in flight for this fingerprint? Attach to it.
		jobID, err := d.locks.Get(ctx, key)
		if err == nil {
			submits.WithLabelValues("attached").Inc()
			level.Debug(d.logger).Log("msg", "attached to in-flight job", "job_id", jobID, "query_hash", fp, "data_source_id", ds.ID)
			return &JobHandle{JobID: jobID, d: d}, nil
		}
		if err != kv.ErrNotFound {
			return nil, errors.Wrap(err, "read job lock")
		}

		// Mint the id before enqueueing so the lock can be won first;
		// losers attach to this id even before the task hits the queue.
		jobID = queue.NewJobID()
		won, err := d.locks.SetIfAbsent(ctx, key, jobID, d.cfg.LockTTL)
		if err != nil {
			return nil, errors.Wrap(err, "acquire job lock")
		}
		if !won {
			// Another dispatcher got there between our read and write.
			boff.Wait()
			continue
		}

		if err := d.broker.Enqueue(ctx, queueName, jobID, queue.TaskSpec{
			Query:        queryText,
			DataSourceID: ds.ID,
		}); err != nil {
			// Nothing will ever release this lock; clean it up before
			// surfacing the failure.
			if delErr := d.locks.Delete(ctx, key); delErr != nil {
				level.Warn(d.logger).Log("msg", "failed to release lock after enqueue error", "key", key, "err", delErr)
			}
			return nil, errors.Wrap(err, "enqueue query execution")
		}

		submits.WithLabelValues("new").Inc()
		level.Debug(d.logger).Log("msg", "new job enqueued", "job_id", jobID, "queue", queueName, "query_hash", fp, "data_source_id", ds.ID)
		return &JobHandle{JobID: jobID, d: d}, nil
	}

	submits.WithLabelValues("exhausted").Inc()
	level.Error(d.logger).Log("msg", "exhausted dispatch attempts without acquiring lock", "query_hash", fp, "data_source_id", ds.ID, "attempts", boff.NumRetries())
	return nil, nil
}

// SubmitIfStale reuses a cached result when the query's TTL allows it,
// and dispatches a fresh execution otherwise. Exactly one of the returned
// handle and result is non-nil on success (handle nil with nil error still
// signals dispatch exhaustion, as with Submit).
func (d *Dispatcher) SubmitIfStale(ctx context.Context, queryText string, ds models.DataSource, ttl int) (*JobHandle, *models.QueryResult, error) {
	if ttl != 0 {
		result, err := d.store.GetLatestResult(ctx, ds.ID, queryText, ttl)
		if err != nil {
			return nil, nil, errors.Wrap(err, "look up cached result")
		}
		if result != nil {
			return nil, result, nil
		}
	}

	handle, err := d.Submit(ctx, queryText, ds, false)
	return handle, nil, err
}

// Cancel revokes the job and terminates its execution if it is running.
// The lock entry is not touched here: the worker's own cancellation path
// releases it.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	cancellations.Inc()
	return d.broker.Revoke(ctx, jobID, true)
}
