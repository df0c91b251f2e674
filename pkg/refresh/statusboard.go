package refresh

import (
	"context"
	"strconv"

	"github.com/querydproject/queryd/pkg/kv"
)

// StatusBoardKey is the hash the process publishes liveness gauges to.
const StatusBoardKey = "queryd:status"

// KVSink writes gauges onto a shared status board hash in the KV store,
// so operators can inspect scheduler health without scraping metrics.
type KVSink struct {
	client kv.Client
}

// NewKVSink makes a Sink backed by the given KV client.
func NewKVSink(client kv.Client) *KVSink {
	return &KVSink{client: client}
}

// RecordGauge implements Sink.
func (s *KVSink) RecordGauge(ctx context.Context, name string, value float64) error {
	return s.client.HSet(ctx, StatusBoardKey, map[string]interface{}{
		name: strconv.FormatFloat(value, 'f', -1, 64),
	})
}
