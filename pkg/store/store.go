// Package store is the persistence collaborator: data-source records,
// stored query definitions and their cached results.
package store

import (
	"context"
	"flag"
	"fmt"

	"github.com/querydproject/queryd/pkg/models"
	"github.com/querydproject/queryd/pkg/store/memory"
	"github.com/querydproject/queryd/pkg/store/postgres"
)

// Config configures the store.
type Config struct {
	Type     string          `yaml:"type"`
	Postgres postgres.Config `yaml:"postgres,omitempty"`

	// Allow injection of mock stores for unit testing.
	Mock Store
}

// RegisterFlags adds the flags required to configure this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Type, "store.type", "postgres", "Storage backend to utilize (postgres, memory).")
	cfg.Postgres.RegisterFlags(f)
}

// Store is the interface the dispatcher, workers and refresh scheduler
// read and write query records through.
type Store interface {
	// GetDataSource resolves a data source by id.
	GetDataSource(ctx context.Context, id int) (models.DataSource, error)

	// GetLatestResult returns the most recent stored result for the
	// query's fingerprint, subject to the TTL: -1 returns the latest
	// regardless of age, 0 always returns nil, a positive value only
	// returns results retrieved within that many seconds.
	GetLatestResult(ctx context.Context, dataSourceID int, queryText string, ttl int) (*models.QueryResult, error)

	// StoreResult persists one execution output and returns its id. All
	// stored query definitions sharing the result's fingerprint and data
	// source are repointed at it.
	StoreResult(ctx context.Context, result *models.QueryResult) (int, error)

	// ListOutdatedQueries returns stored query definitions with TTL > 0
	// whose latest result has exceeded its TTL, one representative per
	// (fingerprint, data source) pair.
	ListOutdatedQueries(ctx context.Context) ([]models.OutdatedQuery, error)

	Close() error
}

// New creates a new store.
func New(cfg Config) (Store, error) {
	if cfg.Mock != nil {
		return cfg.Mock, nil
	}

	var (
		s   Store
		err error
	)
	switch cfg.Type {
	case "memory":
		s = memory.New()
	case "postgres":
		s, err = postgres.New(cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return timed{s}, nil
}
