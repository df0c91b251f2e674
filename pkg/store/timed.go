package store

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/querydproject/queryd/pkg/models"
)

var storeRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "queryd",
	Name:      "store_request_duration_seconds",
	Help:      "Time spent (in seconds) doing store requests.",
	Buckets:   prometheus.DefBuckets,
}, []string{"method", "status_code"})

func init() {
	prometheus.MustRegister(storeRequestDuration)
}

// timed adds prometheus timings to another store implementation.
type timed struct {
	s Store
}

func errorCode(err error) string {
	switch err {
	case nil:
		return "200"
	default:
		return "500"
	}
}

func (t timed) timeRequest(method string, f func() error) error {
	start := time.Now()
	err := f()
	storeRequestDuration.WithLabelValues(method, errorCode(err)).Observe(time.Since(start).Seconds())
	return err
}

func (t timed) GetDataSource(ctx context.Context, id int) (ds models.DataSource, err error) {
	t.timeRequest("GetDataSource", func() error {
		ds, err = t.s.GetDataSource(ctx, id)
		return err
	})
	return
}

func (t timed) GetLatestResult(ctx context.Context, dataSourceID int, queryText string, ttl int) (result *models.QueryResult, err error) {
	t.timeRequest("GetLatestResult", func() error {
		result, err = t.s.GetLatestResult(ctx, dataSourceID, queryText, ttl)
		return err
	})
	return
}

func (t timed) StoreResult(ctx context.Context, result *models.QueryResult) (id int, err error) {
	t.timeRequest("StoreResult", func() error {
		id, err = t.s.StoreResult(ctx, result)
		return err
	})
	return
}

func (t timed) ListOutdatedQueries(ctx context.Context) (outdated []models.OutdatedQuery, err error) {
	t.timeRequest("ListOutdatedQueries", func() error {
		outdated, err = t.s.ListOutdatedQueries(ctx)
		return err
	})
	return
}

func (t timed) Close() error {
	return t.timeRequest("Close", func() error {
		return t.s.Close()
	})
}
