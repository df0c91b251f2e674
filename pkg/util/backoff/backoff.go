package backoff

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"time"
)

// Config configures a Backoff.
type Config struct {
	MinBackoff time.Duration `yaml:"min_period"`
	MaxBackoff time.Duration `yaml:"max_period"`
	MaxRetries int           `yaml:"max_retries"`
}

// RegisterFlagsWithPrefix registers flags with prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.MinBackoff, prefix+".backoff-min-period", 100*time.Millisecond, "Minimum delay when backing off.")
	f.DurationVar(&cfg.MaxBackoff, prefix+".backoff-max-period", 10*time.Second, "Maximum delay when backing off.")
	f.IntVar(&cfg.MaxRetries, prefix+".backoff-retries", 10, "Number of times to backoff and retry before failing.")
}

// Backoff implements exponential backoff with randomized wait times.
type Backoff struct {
	cfg          Config
	ctx          context.Context
	numRetries   int
	nextDelayMin time.Duration
	nextDelayMax time.Duration
}

// New creates a Backoff object. Pass a context that can also terminate the
// operation.
func New(ctx context.Context, cfg Config) *Backoff {
	return &Backoff{
		cfg:          cfg,
		ctx:          ctx,
		nextDelayMin: cfg.MinBackoff,
		nextDelayMax: doubleDuration(cfg.MinBackoff, cfg.MaxBackoff),
	}
}

// Reset the Backoff back to its initial condition.
func (b *Backoff) Reset() {
	b.numRetries = 0
	b.nextDelayMin = b.cfg.MinBackoff
	b.nextDelayMax = doubleDuration(b.cfg.MinBackoff, b.cfg.MaxBackoff)
}

// Ongoing returns true if caller should keep going.
func (b *Backoff) Ongoing() bool {
	return b.ctx.Err() == nil && (b.cfg.MaxRetries == 0 || b.numRetries < b.cfg.MaxRetries)
}

// Err returns the reason for terminating the backoff, or nil if it is
// still in progress.
func (b *Backoff) Err() error {
	if b.ctx.Err() != nil {
		return b.ctx.Err()
	}
	if b.cfg.MaxRetries != 0 && b.numRetries >= b.cfg.MaxRetries {
		return fmt.Errorf("terminated after %d retries", b.numRetries)
	}
	return nil
}

// NumRetries returns the number of retries so far.
func (b *Backoff) NumRetries() int {
	return b.numRetries
}

// Wait sleeps for the backoff time then increases the retry count and
// backoff time. Returns immediately if the context is cancelled.
func (b *Backoff) Wait() {
	if b.Ongoing() {
		select {
		case <-b.ctx.Done():
		case <-time.After(b.NextDelay()):
		}
	}
	b.numRetries++
}

// NextDelay returns the delay for the next attempt, advancing the delay
// range.
func (b *Backoff) NextDelay() time.Duration {
	delayMin := b.nextDelayMin
	delayMax := b.nextDelayMax

	b.nextDelayMin = doubleDuration(b.nextDelayMin, b.cfg.MaxBackoff)
	b.nextDelayMax = doubleDuration(b.nextDelayMax, b.cfg.MaxBackoff)

	if delayMax <= delayMin {
		return delayMin
	}
	return delayMin + time.Duration(rand.Int63n(int64(delayMax-delayMin)))
}

func doubleDuration(value, max time.Duration) time.Duration {
	if value <= max/2 {
		return value * 2
	}
	return max
}
