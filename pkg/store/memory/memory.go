// Package memory is an in-memory store for testing and local development.
package memory

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/querydproject/queryd/pkg/fingerprint"
	"github.com/querydproject/queryd/pkg/models"
)

// Store keeps everything in maps. Guarded by a mutex: workers and the
// refresh scheduler touch it concurrently in tests.
type Store struct {
	mtx         sync.Mutex
	dataSources map[int]models.DataSource
	queries     map[int]models.Query
	results     map[int]models.QueryResult
	nextQueryID int
	nextResult  int
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		dataSources: map[int]models.DataSource{},
		queries:     map[int]models.Query{},
		results:     map[int]models.QueryResult{},
		nextQueryID: 1,
		nextResult:  1,
	}
}

// AddDataSource registers a data source.
func (s *Store) AddDataSource(ds models.DataSource) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.dataSources[ds.ID] = ds
}

// AddQuery registers a stored query definition, computing its fingerprint,
// and returns its id.
func (s *Store) AddQuery(q models.Query) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	q.ID = s.nextQueryID
	s.nextQueryID++
	q.Hash = fingerprint.Sum(q.Text)
	s.queries[q.ID] = q
	return q.ID
}

// GetDataSource resolves a data source by id.
func (s *Store) GetDataSource(_ context.Context, id int) (models.DataSource, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	ds, ok := s.dataSources[id]
	if !ok {
		return models.DataSource{}, sql.ErrNoRows
	}
	return ds, nil
}

// GetLatestResult returns the freshest stored result honoring the TTL.
func (s *Store) GetLatestResult(_ context.Context, dataSourceID int, queryText string, ttl int) (*models.QueryResult, error) {
	if ttl == 0 {
		return nil, nil
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	hash := fingerprint.Sum(queryText)
	var latest *models.QueryResult
	for id := range s.results {
		r := s.results[id]
		if r.DataSourceID != dataSourceID || r.QueryHash != hash {
			continue
		}
		if ttl > 0 && time.Since(r.RetrievedAt) > time.Duration(ttl)*time.Second {
			continue
		}
		if latest == nil || r.RetrievedAt.After(latest.RetrievedAt) {
			copied := r
			latest = &copied
		}
	}
	return latest, nil
}

// StoreResult persists one execution output.
func (s *Store) StoreResult(_ context.Context, result *models.QueryResult) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	stored := *result
	stored.ID = s.nextResult
	s.nextResult++
	s.results[stored.ID] = stored
	return stored.ID, nil
}

// ListOutdatedQueries returns one representative stale query per
// (fingerprint, data source) pair.
func (s *Store) ListOutdatedQueries(_ context.Context) ([]models.OutdatedQuery, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	type pairKey struct {
		hash         string
		dataSourceID int
	}
	seen := map[pairKey]bool{}

	ids := make([]int, 0, len(s.queries))
	for id := range s.queries {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var outdated []models.OutdatedQuery
	for _, id := range ids {
		q := s.queries[id]
		if q.TTL <= 0 {
			continue
		}
		key := pairKey{q.Hash, q.DataSourceID}
		if seen[key] {
			continue
		}
		seen[key] = true

		if s.latestRetrievedAtLocked(q) > time.Now().Add(-time.Duration(q.TTL)*time.Second).Unix() {
			continue
		}
		ds, ok := s.dataSources[q.DataSourceID]
		if !ok {
			continue
		}
		outdated = append(outdated, models.OutdatedQuery{Query: q, DataSource: ds})
	}
	return outdated, nil
}

func (s *Store) latestRetrievedAtLocked(q models.Query) int64 {
	var latest int64
	for _, r := range s.results {
		if r.DataSourceID == q.DataSourceID && r.QueryHash == q.Hash && r.RetrievedAt.Unix() > latest {
			latest = r.RetrievedAt.Unix()
		}
	}
	return latest
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
