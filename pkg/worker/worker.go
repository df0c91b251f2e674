// Package worker runs the execution units that consume the job queue.
//
// Each worker pulls a task, resolves its data source, runs the backend
// query through the registered runner and persists the result. The
// per-fingerprint lock entry is released the moment execution finishes,
// before any terminal state is reported, so a fresh dispatch for the same
// fingerprint is possible immediately afterwards — on every path,
// including failure and cancellation.
package worker

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/querydproject/queryd/pkg/dispatcher"
	"github.com/querydproject/queryd/pkg/fingerprint"
	"github.com/querydproject/queryd/pkg/kv"
	"github.com/querydproject/queryd/pkg/models"
	"github.com/querydproject/queryd/pkg/queue"
	"github.com/querydproject/queryd/pkg/runner"
	"github.com/querydproject/queryd/pkg/store"
)

var (
	busyWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "queryd",
		Name:      "worker_busy",
		Help:      "How many workers are executing a query.",
	})
	executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "queryd",
		Name:      "worker_executions_total",
		Help:      "Query executions by outcome.",
	}, []string{"outcome"})
	executionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "queryd",
		Name:      "worker_execution_duration_seconds",
		Help:      "How long backend query executions take.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
	})
)

func init() {
	prometheus.MustRegister(busyWorkers)
	prometheus.MustRegister(executions)
	prometheus.MustRegister(executionDuration)
}

// Config configures the worker pool.
type Config struct {
	Parallelism int    `yaml:"parallelism"`
	Queues      string `yaml:"queues"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.Parallelism, "worker.parallelism", 2, "Number of concurrent query executions per worker process.")
	f.StringVar(&cfg.Queues, "worker.queues", "queries,scheduled_queries", "Comma-separated routing queues this worker consumes, in priority order.")
}

func (cfg *Config) queueNames() []string {
	var names []string
	for _, name := range strings.Split(cfg.Queues, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Pool runs the worker goroutines and the revocation listener.
type Pool struct {
	cfg    Config
	broker *queue.Broker
	store  store.Store
	locks  kv.Client
	logger log.Logger

	mtx     sync.Mutex
	running map[string]context.CancelFunc

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPool creates a worker pool. Call Run to start it.
func NewPool(cfg Config, broker *queue.Broker, s store.Store, locks kv.Client, logger log.Logger) *Pool {
	return &Pool{
		cfg:     cfg,
		broker:  broker,
		store:   s,
		locks:   locks,
		logger:  logger,
		running: map[string]context.CancelFunc{},
		quit:    make(chan struct{}),
	}
}

// Run starts the workers and blocks until Stop is called.
func (p *Pool) Run() {
	p.wg.Add(1)
	go p.listenRevocations()

	for i := 0; i < p.cfg.Parallelism; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.wg.Wait()
}

// Stop terminates the pool. In-flight executions run to completion;
// queries for revoked jobs are interrupted through their context.
func (p *Pool) Stop() {
	close(p.quit)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	queues := p.cfg.queueNames()
	for {
		select {
		case <-p.quit:
			return
		default:
		}

		task, err := p.broker.Dequeue(context.Background(), queues...)
		if err != nil {
			level.Warn(p.logger).Log("msg", "dequeue failed", "err", err)
			continue
		}
		if task == nil {
			continue
		}
		p.Execute(task)
	}
}

// listenRevocations cancels the context of any running execution whose
// job id arrives on the revocation channel.
func (p *Pool) listenRevocations() {
	defer p.wg.Done()

	sub := p.broker.SubscribeRevocations(context.Background())
	defer sub.Close()

	for {
		select {
		case <-p.quit:
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			p.mtx.Lock()
			cancel, running := p.running[msg.Payload]
			p.mtx.Unlock()
			if running {
				level.Info(p.logger).Log("msg", "terminating revoked job", "job_id", msg.Payload)
				cancel()
			}
		}
	}
}

func (p *Pool) track(jobID string, cancel context.CancelFunc) {
	p.mtx.Lock()
	p.running[jobID] = cancel
	p.mtx.Unlock()
}

func (p *Pool) untrack(jobID string) {
	p.mtx.Lock()
	delete(p.running, jobID)
	p.mtx.Unlock()
}

// Execute runs one task to a terminal state.
func (p *Pool) Execute(task *queue.Task) {
	busyWorkers.Inc()
	defer busyWorkers.Dec()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.track(task.ID, cancel)
	defer p.untrack(task.ID)

	logger := log.With(p.logger, "job_id", task.ID, "data_source_id", task.Spec.DataSourceID)

	fp := fingerprint.Sum(task.Spec.Query)
	lockKey := dispatcher.LockKey(task.Spec.DataSourceID, fp)

	// Jobs revoked while still queued are settled without executing, but
	// their lock must go the same way it would after a real run.
	if revoked, err := p.broker.Revoked(ctx, task.ID); err == nil && revoked {
		p.releaseLock(lockKey, logger)
		p.markRevoked(task.ID, logger)
		return
	}

	startedAt := time.Now()
	if err := p.broker.MarkStarted(ctx, task.ID, startedAt); err != nil {
		level.Warn(logger).Log("msg", "failed to report job start", "err", err)
	}

	ds, err := p.store.GetDataSource(ctx, task.Spec.DataSourceID)
	if err != nil {
		p.releaseLock(lockKey, logger)
		p.markFailure(task.ID, fmt.Sprintf("data source %d is not available: %s", task.Spec.DataSourceID, err), logger)
		return
	}

	r, err := runner.New(ds.Type, ds.Options)
	if err != nil {
		p.releaseLock(lockKey, logger)
		p.markFailure(task.ID, err.Error(), logger)
		return
	}

	query := task.Spec.Query
	if a, ok := r.(runner.Annotator); ok && a.AnnotateQuery() {
		query = fmt.Sprintf("/* Job: %s, Query hash: %s */ %s", task.ID, fp, query)
	}

	level.Debug(logger).Log("msg", "executing query", "query_hash", fp, "backend", ds.Type)
	payload, errMsg := r.Run(ctx, query)
	runtime := time.Since(startedAt)
	executionDuration.Observe(runtime.Seconds())

	// The lock is released before any terminal state is reported so a
	// fresh dispatch is possible the moment the outcome is visible.
	p.releaseLock(lockKey, logger)

	if ctx.Err() != nil {
		p.markRevoked(task.ID, logger)
		return
	}
	if errMsg != "" {
		p.markFailure(task.ID, errMsg, logger)
		return
	}

	resultID, err := p.store.StoreResult(context.Background(), &models.QueryResult{
		DataSourceID: ds.ID,
		QueryHash:    fp,
		QueryText:    task.Spec.Query,
		Data:         payload,
		Runtime:      runtime.Seconds(),
		RetrievedAt:  time.Now().UTC(),
	})
	if err != nil {
		// The execution itself succeeded but its output is lost, and the
		// lock is already gone. Reported as a failure; see DESIGN.md.
		level.Error(logger).Log("msg", "result persistence failed after lock release", "err", err)
		p.markFailure(task.ID, fmt.Sprintf("failed to store result: %s", err), logger)
		return
	}

	if err := p.broker.MarkSuccess(context.Background(), task.ID, strconv.Itoa(resultID)); err != nil {
		level.Warn(logger).Log("msg", "failed to report job success", "err", err)
		return
	}
	executions.WithLabelValues("success").Inc()
	level.Info(logger).Log("msg", "query executed", "runtime", runtime, "result_id", resultID)
}

// releaseLock uses a fresh context: the task context may already be
// cancelled and the lock must be released regardless.
func (p *Pool) releaseLock(lockKey string, logger log.Logger) {
	if err := p.locks.Delete(context.Background(), lockKey); err != nil {
		level.Warn(logger).Log("msg", "failed to release job lock", "key", lockKey, "err", err)
	}
}

func (p *Pool) markFailure(jobID, errMsg string, logger log.Logger) {
	executions.WithLabelValues("failure").Inc()
	level.Warn(logger).Log("msg", "query execution failed", "err", errMsg)
	if err := p.broker.MarkFailure(context.Background(), jobID, errMsg); err != nil {
		level.Warn(logger).Log("msg", "failed to report job failure", "err", err)
	}
}

func (p *Pool) markRevoked(jobID string, logger log.Logger) {
	executions.WithLabelValues("revoked").Inc()
	level.Info(logger).Log("msg", "query execution cancelled")
	if err := p.broker.MarkRevoked(context.Background(), jobID); err != nil {
		level.Warn(logger).Log("msg", "failed to report job revocation", "err", err)
	}
}
