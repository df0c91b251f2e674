// Package postgres is the production store implementation.
package postgres

import (
	"context"
	"database/sql"
	"flag"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/go-kit/log/level"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // Import the postgres migrations driver
	_ "github.com/golang-migrate/migrate/v4/source/file"       // Import the file migrations source
	_ "github.com/lib/pq"                                      // Import the postgres sql driver
	"github.com/pkg/errors"

	"github.com/querydproject/queryd/pkg/fingerprint"
	"github.com/querydproject/queryd/pkg/models"
	util_log "github.com/querydproject/queryd/pkg/util/log"
)

// timeout waiting for database connection to be established
const dbTimeout = 5 * time.Minute

// Config configures the postgres store.
type Config struct {
	URI           string `yaml:"uri"`
	MigrationsDir string `yaml:"migrations_dir"`
}

// RegisterFlags adds the flags required to configure this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.URI, "store.postgres.uri", "", "URI where the postgres store can be found.")
	f.StringVar(&cfg.MigrationsDir, "store.postgres.migrations-dir", "", "Path where the database migration files can be found, e.g. file:///migrations. If empty, migrations are not run.")
}

// Store is a postgres store, for dev and production.
type Store struct {
	dbProxy
	squirrel.StatementBuilderType
}

type dbProxy interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// dbWait waits for database connection to be established.
func dbWait(db *sql.DB) error {
	deadline := time.Now().Add(dbTimeout)
	var err error
	for tries := 0; time.Now().Before(deadline); tries++ {
		err = db.Ping()
		if err == nil {
			return nil
		}
		level.Warn(util_log.Logger).Log("msg", "db connection not established, retrying...", "err", err)
		time.Sleep(time.Second << uint(tries))
	}
	return errors.Wrapf(err, "db connection not established after %s", dbTimeout)
}

// New creates a new postgres store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.URI)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open postgres db")
	}

	if err := dbWait(db); err != nil {
		return nil, errors.Wrap(err, "cannot establish db connection")
	}

	if cfg.MigrationsDir != "" {
		level.Info(util_log.Logger).Log("msg", "running database migrations...")

		m, err := migrate.New(cfg.MigrationsDir, cfg.URI)
		if err != nil {
			return nil, errors.Wrap(err, "database migrations failed")
		}
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return nil, errors.Wrap(err, "database migrations failed")
		}
	}

	return &Store{
		dbProxy:              db,
		StatementBuilderType: statementBuilder(db),
	}, nil
}

var statementBuilder = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).RunWith

// GetDataSource resolves a data source by id.
func (s *Store) GetDataSource(ctx context.Context, id int) (models.DataSource, error) {
	var ds models.DataSource
	err := s.Select("id", "name", "type", "options", "queue_name", "scheduled_queue_name").
		From("data_sources").
		Where(squirrel.Eq{"id": id}).
		QueryRowContext(ctx).
		Scan(&ds.ID, &ds.Name, &ds.Type, &ds.Options, &ds.QueueName, &ds.ScheduledQueueName)
	return ds, err
}

// GetLatestResult returns the freshest stored result honoring the TTL.
func (s *Store) GetLatestResult(ctx context.Context, dataSourceID int, queryText string, ttl int) (*models.QueryResult, error) {
	if ttl == 0 {
		return nil, nil
	}

	query := s.Select("id", "data_source_id", "query_hash", "query", "data", "runtime", "retrieved_at").
		From("query_results").
		Where(squirrel.Eq{
			"data_source_id": dataSourceID,
			"query_hash":     fingerprint.Sum(queryText),
		}).
		OrderBy("retrieved_at DESC").
		Limit(1)
	if ttl > 0 {
		query = query.Where(squirrel.Expr("retrieved_at > now() - ? * interval '1 second'", ttl))
	}

	var r models.QueryResult
	err := query.QueryRowContext(ctx).
		Scan(&r.ID, &r.DataSourceID, &r.QueryHash, &r.QueryText, &r.Data, &r.Runtime, &r.RetrievedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// StoreResult persists one execution output and repoints every stored
// query definition sharing its fingerprint and data source at it.
func (s *Store) StoreResult(ctx context.Context, result *models.QueryResult) (int, error) {
	var id int
	err := s.Transaction(func(tx *Store) error {
		err := tx.Insert("query_results").
			Columns("data_source_id", "query_hash", "query", "data", "runtime", "retrieved_at").
			Values(result.DataSourceID, result.QueryHash, result.QueryText, result.Data, result.Runtime, result.RetrievedAt).
			Suffix("RETURNING id").
			QueryRowContext(ctx).
			Scan(&id)
		if err != nil {
			return err
		}

		_, err = tx.Update("queries").
			Set("latest_query_result_id", id).
			Where(squirrel.Eq{
				"data_source_id": result.DataSourceID,
				"query_hash":     result.QueryHash,
			}).
			ExecContext(ctx)
		return err
	})
	return id, err
}

// ListOutdatedQueries returns one representative stale query per
// (fingerprint, data source) pair: TTL > 0 and the latest result missing
// or older than the TTL.
func (s *Store) ListOutdatedQueries(ctx context.Context) ([]models.OutdatedQuery, error) {
	rows, err := s.Select(
		"q.id", "q.data_source_id", "q.query", "q.query_hash", "q.ttl",
		"ds.id", "ds.name", "ds.type", "ds.options", "ds.queue_name", "ds.scheduled_queue_name").
		Options("DISTINCT ON (q.query_hash, q.data_source_id)").
		From("queries q").
		Join("data_sources ds ON ds.id = q.data_source_id").
		LeftJoin("query_results r ON r.id = q.latest_query_result_id").
		Where(squirrel.Gt{"q.ttl": 0}).
		Where("(r.retrieved_at IS NULL OR r.retrieved_at + q.ttl * interval '1 second' < now())").
		OrderBy("q.query_hash, q.data_source_id, q.id").
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outdated []models.OutdatedQuery
	for rows.Next() {
		var o models.OutdatedQuery
		err := rows.Scan(
			&o.Query.ID, &o.Query.DataSourceID, &o.Query.Text, &o.Query.Hash, &o.Query.TTL,
			&o.DataSource.ID, &o.DataSource.Name, &o.DataSource.Type, &o.DataSource.Options,
			&o.DataSource.QueueName, &o.DataSource.ScheduledQueueName)
		if err != nil {
			return nil, err
		}
		outdated = append(outdated, o)
	}
	return outdated, rows.Err()
}

// Transaction runs the given function in a postgres transaction. If fn
// returns an error the txn will be rolled back.
func (s *Store) Transaction(f func(*Store) error) error {
	if _, ok := s.dbProxy.(*sql.Tx); ok {
		// Already in a nested transaction
		return f(s)
	}

	tx, err := s.dbProxy.(*sql.DB).Begin()
	if err != nil {
		return err
	}
	err = f(&Store{
		dbProxy:              tx,
		StatementBuilderType: statementBuilder(tx),
	})
	if err != nil {
		// Rollback error is ignored as we already have one in progress
		if err2 := tx.Rollback(); err2 != nil {
			level.Warn(util_log.Logger).Log("msg", "transaction rollback error (ignored)", "err", err2)
		}
		return err
	}
	return tx.Commit()
}

// Close finishes using the store.
func (s *Store) Close() error {
	if db, ok := s.dbProxy.(interface {
		Close() error
	}); ok {
		return db.Close()
	}
	return nil
}
