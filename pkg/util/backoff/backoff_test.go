package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffNextDelayRanges(t *testing.T) {
	cfg := Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 10 * time.Second,
	}
	expectedRanges := [][]time.Duration{
		{100 * time.Millisecond, 200 * time.Millisecond},
		{200 * time.Millisecond, 400 * time.Millisecond},
		{400 * time.Millisecond, 800 * time.Millisecond},
		{800 * time.Millisecond, 1600 * time.Millisecond},
		{1600 * time.Millisecond, 3200 * time.Millisecond},
	}

	b := New(context.Background(), cfg)
	for i, expected := range expectedRanges {
		delay := b.NextDelay()
		require.GreaterOrEqual(t, delay, expected[0], "delay %d", i)
		require.LessOrEqual(t, delay, expected[1], "delay %d", i)
	}
}

func TestBackoffMaxRetries(t *testing.T) {
	b := New(context.Background(), Config{
		MinBackoff: time.Millisecond,
		MaxBackoff: time.Millisecond,
		MaxRetries: 3,
	})

	for i := 0; i < 3; i++ {
		require.True(t, b.Ongoing())
		require.NoError(t, b.Err())
		b.Wait()
	}
	require.False(t, b.Ongoing())
	require.Error(t, b.Err())
	require.Equal(t, 3, b.NumRetries())
}

func TestBackoffCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := New(ctx, Config{
		MinBackoff: time.Minute,
		MaxBackoff: time.Minute,
	})

	cancel()
	start := time.Now()
	b.Wait()
	require.Less(t, time.Since(start), time.Second)
	require.False(t, b.Ongoing())
	require.Equal(t, context.Canceled, b.Err())
}
