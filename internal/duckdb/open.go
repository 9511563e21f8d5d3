package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net/url"

	duckdbDriver "github.com/marcboeker/go-duckdb"
)

// OpenOptions configures OpenDB.
type OpenOptions struct {
	// ReadOnly opens the file without taking the write lock, so several readers
	// can inspect a cache while no run is writing it.
	ReadOnly bool
}

// OpenDB opens a DuckDB database file. An empty path opens an in-memory database.
// Every pooled connection is initialised for non-interactive use.
func OpenDB(path string, opts OpenOptions) (*sql.DB, error) {
	connector, err := duckdbDriver.NewConnector(buildDSN(path, opts), func(execer driver.ExecerContext) error {
		bootQueries := []string{
			"SET enable_progress_bar = false",
		}
		for _, query := range bootQueries {
			if _, err := execer.ExecContext(context.Background(), query, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return sql.OpenDB(connector), nil
}

// buildDSN appends connection options to a database path.
func buildDSN(path string, opts OpenOptions) string {
	if path == ":memory:" {
		path = ""
	}

	params := url.Values{}
	if opts.ReadOnly && path != "" {
		params.Set("access_mode", "READ_ONLY")
	}

	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}
