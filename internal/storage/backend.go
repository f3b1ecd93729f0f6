package storage

import (
	"context"
	"database/sql"

	"dvsync/internal/core"
)

// Backend abstracts the SQL dialect differences between the embedded
// store (sqlite, single-writer, the run's primary target) and the
// PostgreSQL-style variant (schema-comparer / query-only path, spec.md
// §4.D). It is deliberately small: everything else in this package talks
// to *sql.DB through parameterized statements built with these
// primitives, never hand-rolled dialect-specific SQL outside this
// interface.
type Backend interface {
	// Name identifies the dialect, e.g. for logging and for the typemap
	// Target this backend corresponds to.
	Name() string

	// DriverName is the database/sql driver name registered for Open.
	DriverName() string

	// Placeholder returns the parameter placeholder for the i'th bound
	// value (1-indexed), e.g. "?" for sqlite, "$1" for postgres.
	Placeholder(i int) string

	// QuoteIdent quotes a table/column identifier for safe interpolation.
	// Identifiers here are always internally derived (config, metadata),
	// never taken from record payloads (spec.md §9).
	QuoteIdent(name string) string

	// ColumnDDL renders one column's DDL fragment (name + type +
	// nullability) for CREATE TABLE.
	ColumnDDL(col core.ColumnSpec) string

	// AutoIncrementPK renders the DDL fragment for the surrogate row_id
	// physical primary key column.
	AutoIncrementPK(columnName string) string

	// ObserveSchema introspects the backend's current tables into
	// projected-shape TableSchema values, keyed by observed table name,
	// for the schema comparer (spec.md §4.C/§4.K step 4).
	ObserveSchema(ctx context.Context, db *sql.DB) (map[string]core.TableSchema, error)
}
