package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/coral-mesh/tracecov/internal/retry"
)

// Execer is an interface that matches both *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// writeRetry retries writes that lose a transaction conflict or find the
// database file locked by another process.
var writeRetry = retry.Config{
	MaxRetries:     10,
	InitialBackoff: 10 * time.Millisecond,
	MaxBackoff:     500 * time.Millisecond,
	Jitter:         0.1,
}

// Table maps the struct type T onto a database table.
type Table[T any] struct {
	db        Execer
	tableName string
	columns   []string
	sqlTypes  []string
	pkColumns []string
	fieldMap  map[string]int // column name -> field index
}

// NewTable creates a new Table[T] instance.
// T must be a struct with `duckdb:"column[,pk]"` tags.
func NewTable[T any](db Execer, tableName string) *Table[T] {
	var zero T
	t := reflect.TypeOf(zero)
	if t.Kind() != reflect.Struct {
		panic("Table generic type T must be a struct")
	}

	table := &Table[T]{
		db:        db,
		tableName: tableName,
		fieldMap:  make(map[string]int),
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("duckdb")
		if tag == "" || tag == "-" {
			continue
		}

		parts := strings.Split(tag, ",")
		col := strings.TrimSpace(parts[0])
		table.columns = append(table.columns, col)
		table.sqlTypes = append(table.sqlTypes, sqlType(field.Type))
		table.fieldMap[col] = i

		for _, opt := range parts[1:] {
			if strings.TrimSpace(opt) == "pk" {
				table.pkColumns = append(table.pkColumns, col)
			}
		}
	}

	return table
}

// sqlType maps a Go field type onto a DuckDB column type.
func sqlType(t reflect.Type) string {
	if t == reflect.TypeOf(time.Time{}) {
		return "TIMESTAMP"
	}
	switch t.Kind() {
	case reflect.Bool:
		return "BOOLEAN"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "BIGINT"
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "UBIGINT"
	case reflect.Float32, reflect.Float64:
		return "DOUBLE"
	default:
		return "VARCHAR"
	}
}

// Name returns the table name.
func (t *Table[T]) Name() string {
	return t.tableName
}

// Columns returns the mapped column names in field order.
func (t *Table[T]) Columns() []string {
	return t.columns
}

// CreateTable creates the table if it does not exist yet.
func (t *Table[T]) CreateTable(ctx context.Context) error {
	defs := make([]string, len(t.columns))
	for i, col := range t.columns {
		defs[i] = fmt.Sprintf("%s %s NOT NULL", col, t.sqlTypes[i])
	}
	if len(t.pkColumns) > 0 {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(t.pkColumns, ", ")))
	}

	// #nosec G201 - table and column names come from struct tags
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.tableName, strings.Join(defs, ", "))
	_, err := t.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("create table %s: %w", t.tableName, err)
	}
	return nil
}

func (t *Table[T]) isPK(col string) bool {
	for _, pk := range t.pkColumns {
		if pk == col {
			return true
		}
	}
	return false
}

func (t *Table[T]) values(item *T) []any {
	val := reflect.ValueOf(item).Elem()
	values := make([]any, len(t.columns))
	for i, col := range t.columns {
		values[i] = val.Field(t.fieldMap[col]).Interface()
	}
	return values
}

func (t *Table[T]) insertQuery(upsert bool) string {
	placeholders := make([]string, len(t.columns))
	var updates []string
	for i, col := range t.columns {
		placeholders[i] = "?"
		if !t.isPK(col) {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}

	// #nosec G201 - table and column names come from struct tags
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.tableName,
		strings.Join(t.columns, ", "),
		strings.Join(placeholders, ", "),
	)

	if upsert && len(t.pkColumns) > 0 {
		action := "DO NOTHING"
		if len(updates) > 0 {
			action = "DO UPDATE SET " + strings.Join(updates, ", ")
		}
		query += fmt.Sprintf(" ON CONFLICT (%s) %s", strings.Join(t.pkColumns, ", "), action)
	}

	return query
}

// Insert inserts a new item, failing on duplicate keys.
func (t *Table[T]) Insert(ctx context.Context, item *T) error {
	query := t.insertQuery(false)
	values := t.values(item)

	return retry.Do(ctx, writeRetry, func() error {
		_, err := t.db.ExecContext(ctx, query, values...)
		return err
	}, isRetryable)
}

// BatchUpsert inserts or replaces items in one transaction using a prepared
// statement. When the table is bound to a *sql.Tx the caller owns the commit.
func (t *Table[T]) BatchUpsert(ctx context.Context, items []*T) error {
	return t.batchExec(ctx, t.insertQuery(true), items, t.values)
}

// BatchDelete deletes the rows whose primary key matches one of items.
// Non-key fields of items are ignored.
func (t *Table[T]) BatchDelete(ctx context.Context, items []*T) error {
	if len(t.pkColumns) == 0 {
		return fmt.Errorf("table %s has no primary key", t.tableName)
	}

	conds := make([]string, len(t.pkColumns))
	for i, col := range t.pkColumns {
		conds[i] = col + " = ?"
	}
	// #nosec G201 - table and column names come from struct tags
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", t.tableName, strings.Join(conds, " AND "))

	return t.batchExec(ctx, query, items, t.keyValues)
}

func (t *Table[T]) keyValues(item *T) []any {
	v := reflect.ValueOf(item).Elem()
	values := make([]any, len(t.pkColumns))
	for i, col := range t.pkColumns {
		values[i] = v.Field(t.fieldMap[col]).Interface()
	}
	return values
}

// batchExec runs query once per item inside one transaction.
func (t *Table[T]) batchExec(ctx context.Context, query string, items []*T, args func(*T) []any) error {
	if len(items) == 0 {
		return nil
	}

	return retry.Do(ctx, writeRetry, func() (err error) {
		var tx *sql.Tx
		switch d := t.db.(type) {
		case *sql.Tx:
			tx = d
		case *sql.DB:
			tx, err = d.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin tx: %w", err)
			}
			defer func() {
				if err != nil {
					_ = tx.Rollback()
				}
			}()
		default:
			return fmt.Errorf("unsupported Execer type for batch exec: %T", t.db)
		}

		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare stmt: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, item := range items {
			if _, err = stmt.ExecContext(ctx, args(item)...); err != nil {
				return fmt.Errorf("batch exec: %w", err)
			}
		}

		if _, owned := t.db.(*sql.DB); owned {
			if err = tx.Commit(); err != nil {
				return fmt.Errorf("commit: %w", err)
			}
		}
		return nil
	}, isRetryable)
}

// List retrieves all rows matching simple "column = value" filters.
func (t *Table[T]) List(ctx context.Context, filters map[string]any) ([]*T, error) {
	b := NewQueryBuilder(t.tableName).Select(t.columns...)
	for col, val := range filters {
		b.Where(col+" = ?", val)
	}
	b.OrderBy(t.pkColumns...)

	query, args, err := b.Build()
	if err != nil {
		return nil, err
	}
	return t.Query(ctx, query, args...)
}

// Query runs a SELECT whose columns match the table's columns in order and
// scans every row into T.
func (t *Table[T]) Query(ctx context.Context, query string, args ...any) ([]*T, error) {
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", InterpolateQuery(query, args), err)
	}
	defer func() { _ = rows.Close() }()

	var items []*T
	for rows.Next() {
		item, err := t.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Count returns the number of rows in the table.
func (t *Table[T]) Count(ctx context.Context) (int64, error) {
	var n int64
	// #nosec G202 - table name comes from the caller, not user input
	err := t.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.tableName).Scan(&n)
	return n, err
}

// Truncate deletes every row.
func (t *Table[T]) Truncate(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, "DELETE FROM "+t.tableName)
	return err
}

func (t *Table[T]) scan(rows *sql.Rows) (*T, error) {
	var item T
	val := reflect.ValueOf(&item).Elem()
	dest := make([]any, len(t.columns))
	for i, col := range t.columns {
		dest[i] = val.Field(t.fieldMap[col]).Addr().Interface()
	}

	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	return &item, nil
}

// isRetryable detects transaction conflicts and lock contention on the
// database file.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Conflict on update") ||
		strings.Contains(msg, "TransactionContext Error") ||
		strings.Contains(msg, "Could not set lock on file") ||
		strings.Contains(msg, "serialization")
}
