package runner

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq" // Import the postgres sql driver
	"github.com/pkg/errors"
)

func init() {
	Register("pg", newPGRunner)
}

// Column is result-set column metadata.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ResultSet is the serialized shape of a successful execution.
type ResultSet struct {
	Columns []Column        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

type pgRunner struct {
	db *sql.DB
}

// newPGRunner treats the data source options as a postgres connection
// string. The handle is pooled; construction does not dial.
func newPGRunner(options string) (Runner, error) {
	db, err := sql.Open("postgres", options)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres data source")
	}
	return &pgRunner{db: db}, nil
}

func (r *pgRunner) AnnotateQuery() bool {
	return true
}

func (r *pgRunner) Run(ctx context.Context, query string) ([]byte, string) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err.Error()
	}
	defer rows.Close()

	result, err := scanResultSet(rows)
	if err != nil {
		return nil, err.Error()
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, err.Error()
	}
	return payload, ""
}

func scanResultSet(rows *sql.Rows) (*ResultSet, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	result := &ResultSet{
		Columns: make([]Column, 0, len(types)),
		Rows:    [][]interface{}{},
	}
	for _, t := range types {
		result.Columns = append(result.Columns, Column{
			Name: t.Name(),
			Type: t.DatabaseTypeName(),
		})
	}

	for rows.Next() {
		values := make([]interface{}, len(types))
		scanArgs := make([]interface{}, len(types))
		for i := range values {
			scanArgs[i] = &values[i]
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			// Drivers hand back []byte for text-ish columns; keep results
			// JSON-friendly.
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	return result, rows.Err()
}
