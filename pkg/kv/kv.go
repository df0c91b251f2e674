// Package kv is the client for the shared key-value store: the lock table
// that guarantees at most one in-flight execution per query fingerprint,
// and the status board the refresh scheduler writes to.
package kv

import (
	"context"
	"crypto/tls"
	"flag"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/querydproject/queryd/pkg/util/flagext"
)

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New("key not found")

// Config defines how the Redis client should be constructed.
type Config struct {
	Endpoint    string         `yaml:"endpoint"`
	DB          int            `yaml:"db"`
	Timeout     time.Duration  `yaml:"timeout"`
	PoolSize    int            `yaml:"pool_size"`
	Password    flagext.Secret `yaml:"password"`
	EnableTLS   bool           `yaml:"enable_tls"`
	IdleTimeout time.Duration  `yaml:"idle_timeout"`
	MaxConnAge  time.Duration  `yaml:"max_conn_age"`
}

// RegisterFlagsWithPrefix adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlagsWithPrefix(prefix, description string, f *flag.FlagSet) {
	f.StringVar(&cfg.Endpoint, prefix+"redis.endpoint", "localhost:6379", description+"Redis service endpoint.")
	f.IntVar(&cfg.DB, prefix+"redis.db", 0, description+"Redis database index.")
	f.DurationVar(&cfg.Timeout, prefix+"redis.timeout", 500*time.Millisecond, description+"Maximum time to wait before giving up on redis requests.")
	f.IntVar(&cfg.PoolSize, prefix+"redis.pool-size", 0, description+"Maximum number of socket connections in pool.")
	f.Var(&cfg.Password, prefix+"redis.password", description+"Password to use when connecting to redis.")
	f.BoolVar(&cfg.EnableTLS, prefix+"redis.enable-tls", false, description+"Enables connecting to redis with TLS.")
	f.DurationVar(&cfg.IdleTimeout, prefix+"redis.idle-timeout", 0, description+"Close connections after remaining idle for this duration. If the value is zero, then idle connections are not closed.")
	f.DurationVar(&cfg.MaxConnAge, prefix+"redis.max-conn-age", 0, description+"Close connections older than this duration. If the value is zero, then the pool does not close connections based on age.")
}

// Client is the key-value store surface the dispatcher, workers and
// refresh scheduler rely on. SetIfAbsent is the compare-and-swap
// primitive the lock protocol is built on.
type Client interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	HSet(ctx context.Context, key string, fields map[string]interface{}) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Close() error
}

// NewRedisClient creates the underlying go-redis client.
func NewRedisClient(cfg *Config) *redis.Client {
	opt := &redis.Options{
		Addr:        cfg.Endpoint,
		DB:          cfg.DB,
		Password:    cfg.Password.Value,
		PoolSize:    cfg.PoolSize,
		IdleTimeout: cfg.IdleTimeout,
		MaxConnAge:  cfg.MaxConnAge,
	}
	if cfg.EnableTLS {
		opt.TLSConfig = &tls.Config{}
	}
	return redis.NewClient(opt)
}

type client struct {
	timeout time.Duration
	rdb     *redis.Client
}

// NewClient wraps a go-redis client with per-call timeouts. rdb may be
// nil, in which case one is built from the config.
func NewClient(cfg *Config, rdb *redis.Client) Client {
	if rdb == nil {
		rdb = NewRedisClient(cfg)
	}
	return &client{
		timeout: cfg.Timeout,
		rdb:     rdb,
	}
}

func (c *client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return ctx, func() {}
}

func (c *client) Ping(ctx context.Context) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	pong, err := c.rdb.Ping(ctx).Result()
	if err != nil {
		return err
	}
	if pong != "PONG" {
		return errors.Errorf("redis: unexpected PING response %q", pong)
	}
	return nil
}

func (c *client) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	value, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return value, err
}

func (c *client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *client) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c *client) Delete(ctx context.Context, key string) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	return c.rdb.Del(ctx, key).Err()
}

func (c *client) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	return c.rdb.HSet(ctx, key, fields).Err()
}

func (c *client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	return c.rdb.HGetAll(ctx, key).Result()
}

func (c *client) Close() error {
	return c.rdb.Close()
}
