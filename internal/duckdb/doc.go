// Package duckdb provides the DuckDB plumbing behind the coverage cache: opening
// database files, a small reflection based ORM and a SELECT query builder.
//
// # ORM
//
// Table maps a struct with `duckdb` tags onto a table and can create it:
//
//	type lineRow struct {
//	    File string `duckdb:"file,pk"`
//	    Line int64  `duckdb:"line,pk"`
//	    Hits int64  `duckdb:"hits"`
//	}
//
//	lines := duckdb.NewTable[lineRow](db, "coverage_lines")
//	err := lines.CreateTable(ctx)
//	err = lines.BatchUpsert(ctx, rows)
//
// # Query Builder
//
//	query, args, err := duckdb.NewQueryBuilder("coverage_lines").
//	    Select("file", "line", "hits").
//	    Like("file", "/src/project/pkg/%").
//	    OrderBy("file", "line").
//	    Build()
//
// The builder only generates SQL; callers execute it.
package duckdb
