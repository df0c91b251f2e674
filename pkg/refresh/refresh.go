// Package refresh keeps cached query results warm: a periodic control
// loop that scans for stored queries whose results have outlived their
// TTL and resubmits them through the dispatcher at scheduled priority.
package refresh

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/querydproject/queryd/pkg/dispatcher"
	"github.com/querydproject/queryd/pkg/models"
	"github.com/querydproject/queryd/pkg/store"
)

var (
	outdatedQueries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "queryd",
		Name:      "refresh_outdated_queries",
		Help:      "How many outdated queries the last refresh cycle found.",
	})
	refreshCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "queryd",
		Name:      "refresh_cycles_total",
		Help:      "How many refresh cycles have run.",
	})
	refreshFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "queryd",
		Name:      "refresh_resubmit_failures_total",
		Help:      "How many outdated queries failed to resubmit.",
	})
)

func init() {
	prometheus.MustRegister(outdatedQueries)
	prometheus.MustRegister(refreshCycles)
	prometheus.MustRegister(refreshFailures)
}

// Config configures the refresh scheduler.
type Config struct {
	Interval time.Duration `yaml:"interval"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.Interval, "refresh.interval", 30*time.Second, "How often to scan for outdated queries.")
}

// Sink records process-wide status values for observability, typically
// onto the shared KV store's status board.
type Sink interface {
	RecordGauge(ctx context.Context, name string, value float64) error
}

// Submitter is the slice of the dispatcher the scheduler needs.
type Submitter interface {
	Submit(ctx context.Context, queryText string, ds models.DataSource, scheduled bool) (*dispatcher.JobHandle, error)
}

// Scheduler is the periodic refresh control loop.
type Scheduler struct {
	cfg        Config
	store      store.Store
	dispatcher Submitter
	sink       Sink
	logger     log.Logger

	stop chan struct{}
	done chan struct{}
}

// NewScheduler makes a new Scheduler. Call Run to start it.
func NewScheduler(cfg Config, s store.Store, d Submitter, sink Sink, logger log.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		store:      s,
		dispatcher: d,
		sink:       sink,
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run scans for outdated queries on the configured interval.
func (s *Scheduler) Run() {
	level.Debug(s.logger).Log("msg", "refresh scheduler started", "interval", s.cfg.Interval)
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refreshCycle(context.Background())
		case <-s.stop:
			return
		}
	}
}

// Stop terminates the scheduler and waits for the current cycle.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
	level.Debug(s.logger).Log("msg", "refresh scheduler stopped")
}

// refreshCycle resubmits every outdated query. Each resubmission is
// isolated: one bad definition cannot abort the cycle for the rest.
func (s *Scheduler) refreshCycle(ctx context.Context) {
	refreshCycles.Inc()

	outdated, err := s.store.ListOutdatedQueries(ctx)
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to list outdated queries", "err", err)
		return
	}
	outdatedQueries.Set(float64(len(outdated)))

	refreshed := 0
	for _, o := range outdated {
		handle, err := s.dispatcher.Submit(ctx, o.Query.Text, o.DataSource, true)
		if err != nil || handle == nil {
			refreshFailures.Inc()
			level.Warn(s.logger).Log("msg", "failed to resubmit outdated query", "query_id", o.Query.ID, "data_source_id", o.DataSource.ID, "err", err)
			continue
		}
		refreshed++
	}

	s.recordStatus(ctx, len(outdated), refreshed)
	level.Debug(s.logger).Log("msg", "refresh cycle finished", "outdated", len(outdated), "refreshed", refreshed)
}

func (s *Scheduler) recordStatus(ctx context.Context, outdated, refreshed int) {
	for name, value := range map[string]float64{
		"outdated_queries_count":  float64(outdated),
		"refreshed_queries_count": float64(refreshed),
		"last_refresh_at":         float64(time.Now().UTC().Unix()),
	} {
		if err := s.sink.RecordGauge(ctx, name, value); err != nil {
			level.Warn(s.logger).Log("msg", "failed to record status gauge", "gauge", name, "err", err)
		}
	}
}
