package coverage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/tracecov/internal/duckdb"
	"github.com/coral-mesh/tracecov/internal/errors"
	"github.com/coral-mesh/tracecov/internal/safe"
)

const (
	linesTable = "coverage_lines"
	runsTable  = "runs"
)

type lineRow struct {
	File string `duckdb:"file,pk"`
	Line int64  `duckdb:"line,pk"`
	Hits int64  `duckdb:"hits"`
}

// Run is one recorded invocation in the cache's run history.
type Run struct {
	ID         string    `duckdb:"run_id,pk"`
	StartedAt  time.Time `duckdb:"started_at"`
	FinishedAt time.Time `duckdb:"finished_at"`
	Binaries   int64     `duckdb:"binaries"`
	ExitCode   int64     `duckdb:"exit_code"`
	Covered    int64     `duckdb:"covered"`
	Coverable  int64     `duckdb:"coverable"`
}

// Store persists an accumulating coverage result and the history of the runs
// that contributed to it.
type Store struct {
	logger zerolog.Logger
	path   string
	db     *sql.DB
	lines  *duckdb.Table[lineRow]
	runs   *duckdb.Table[Run]
}

// OpenStore opens (and unless readOnly, creates) the cache at path.
func OpenStore(ctx context.Context, logger zerolog.Logger, path string, readOnly bool) (*Store, error) {
	if !readOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := duckdb.OpenDB(path, duckdb.OpenOptions{ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("open coverage cache %s: %w", path, err)
	}

	s := &Store{
		logger: logger.With().Str("component", "coverage_store").Str("path", path).Logger(),
		path:   path,
		db:     db,
		lines:  duckdb.NewTable[lineRow](db, linesTable),
		runs:   duckdb.NewTable[Run](db, runsTable),
	}

	if !readOnly {
		for _, create := range []func(context.Context) error{s.lines.CreateTable, s.runs.CreateTable} {
			if err := create(ctx); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
	}

	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the persisted result.
func (s *Store) Load(ctx context.Context) (*Result, error) {
	rows, err := s.lines.List(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("load coverage: %w", err)
	}
	return resultFromRows(rows), nil
}

// LoadPath returns the persisted lines of a file or of every file below a directory.
func (s *Store) LoadPath(ctx context.Context, path string) (*Result, error) {
	path = filepath.Clean(path)
	query, args, err := duckdb.NewQueryBuilder(linesTable).
		Select(s.lines.Columns()...).
		Where("(file = ? OR starts_with(file, ?))", path, path+string(filepath.Separator)).
		OrderBy("file", "line").
		Build()
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Str("query", duckdb.InterpolateQuery(query, args)).Msg("Loading coverage")

	rows, err := s.lines.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load coverage of %s: %w", path, err)
	}
	return resultFromRows(rows), nil
}

func resultFromRows(rows []*lineRow) *Result {
	r := NewResult()
	for _, row := range rows {
		r.Add(row.File, int(row.Line), safe.Int64ToUint64(row.Hits))
	}
	return r
}

// Save replaces the persisted lines with result and appends run to the history,
// atomically. A nil run records no history.
func (s *Store) Save(ctx context.Context, result *Result, run *Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer errors.DeferRollback(s.logger, tx)

	rows := make([]*lineRow, 0, result.Coverable())
	for _, file := range result.Files() {
		for _, ls := range result.ChildTraces(file) {
			hits, clamped := safe.Uint64ToInt64(ls.Stat.Hits)
			if clamped {
				s.logger.Warn().Str("file", file).Int("line", ls.Line).Msg("Hit count clamped")
			}
			rows = append(rows, &lineRow{File: file, Line: int64(ls.Line), Hits: hits})
		}
	}

	// Keys deleted in an open DuckDB transaction still conflict with inserts of
	// the same key, so rows are upserted in place and only stale keys deleted.
	lines := duckdb.NewTable[lineRow](tx, linesTable)
	existing, err := lines.List(ctx, nil)
	if err != nil {
		return fmt.Errorf("read coverage: %w", err)
	}
	var stale []*lineRow
	for _, row := range existing {
		if _, ok := result.Stat(row.File, int(row.Line)); !ok {
			stale = append(stale, row)
		}
	}
	if err := lines.BatchDelete(ctx, stale); err != nil {
		return fmt.Errorf("drop stale coverage: %w", err)
	}
	if err := lines.BatchUpsert(ctx, rows); err != nil {
		return fmt.Errorf("save coverage: %w", err)
	}
	if run != nil {
		if err := duckdb.NewTable[Run](tx, runsTable).Insert(ctx, run); err != nil {
			return fmt.Errorf("record run %s: %w", run.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug().Int("lines", len(rows)).Int("dropped", len(stale)).Msg("Coverage cache saved")
	return nil
}

// Accumulate merges result into the persisted one with policy, saves the
// combination and returns it.
func (s *Store) Accumulate(ctx context.Context, result *Result, policy MergePolicy, run *Run) (*Result, error) {
	total, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	total.Merge(result, policy)

	if err := s.Save(ctx, total, run); err != nil {
		return nil, err
	}
	return total, nil
}

// RunFilter selects runs from the history. Zero fields do not filter.
type RunFilter struct {
	From  time.Time
	To    time.Time
	Limit int
}

// Runs returns the matching runs, most recent first.
func (s *Store) Runs(ctx context.Context, filter RunFilter) ([]*Run, error) {
	b := duckdb.NewQueryBuilder(runsTable).Select(s.runs.Columns()...)
	if !filter.From.IsZero() {
		b.Gte("started_at", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		b.Where("started_at <= ?", filter.To.UTC())
	}
	query, args, err := b.OrderBy("-started_at").Limit(filter.Limit).Build()
	if err != nil {
		return nil, err
	}
	return s.runs.Query(ctx, query, args...)
}

// Reset deletes every persisted line and run.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.lines.Truncate(ctx); err != nil {
		return fmt.Errorf("reset coverage: %w", err)
	}
	if err := s.runs.Truncate(ctx); err != nil {
		return fmt.Errorf("reset runs: %w", err)
	}
	return nil
}
