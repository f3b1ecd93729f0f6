// Package sqlite is the embedded-store Backend of the Storage Manager
// (spec.md §4.D), playing the role the teacher's internal/introspect/sqlite
// package stubs out: here the dialect actually introspects and drives DDL,
// generalized from the teacher's read-only per-dialect registration idiom
// to a read-write backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"dvsync/internal/core"
	"dvsync/internal/storage"
	"dvsync/internal/typemap"
)

type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Name() string       { return "sqlite" }
func (b *Backend) DriverName() string { return "sqlite" }

// Placeholder returns sqlite's positional "?" marker; i is unused since
// sqlite placeholders don't carry an index.
func (b *Backend) Placeholder(i int) string { return "?" }

func (b *Backend) QuoteIdent(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, `"`, `""`)
	return `"` + name + `"`
}

// ColumnDDL renders a single column definition using the sqlite storage
// family computed by typemap (spec.md §4.B).
func (b *Backend) ColumnDDL(col core.ColumnSpec) string {
	storageType := col.StorageType
	if storageType == "" {
		storageType, _ = typemap.MapEDM(col.EdmType, typemap.TargetSQLite, col.MaxLength, false)
	}
	def := b.QuoteIdent(col.Name) + " " + storageType
	if !col.Nullable {
		def += " NOT NULL"
	}
	return def
}

func (b *Backend) AutoIncrementPK(columnName string) string {
	return b.QuoteIdent(columnName) + " INTEGER PRIMARY KEY AUTOINCREMENT"
}

// ObserveSchema introspects the live sqlite database via sqlite_master
// and PRAGMA table_info, mirroring the teacher's mysql introspecter's
// table/column walk (internal/introspect/mysql) against sqlite's system
// catalog instead of information_schema.
func (b *Backend) ObserveSchema(ctx context.Context, db *sql.DB) (map[string]core.TableSchema, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	schemas := make(map[string]core.TableSchema, len(names))
	for _, name := range names {
		schema, err := introspectTable(ctx, db, name)
		if err != nil {
			return nil, err
		}
		schemas[strings.ToLower(name)] = schema
	}
	return schemas, nil
}

func introspectTable(ctx context.Context, db *sql.DB, name string) (core.TableSchema, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, name))
	if err != nil {
		return core.TableSchema{}, fmt.Errorf("sqlite: table_info(%s): %w", name, err)
	}
	defer rows.Close()

	schema := core.TableSchema{EntityName: name}
	for rows.Next() {
		var cid int
		var colName, colType string
		var notNull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dfltValue, &pk); err != nil {
			return core.TableSchema{}, fmt.Errorf("sqlite: scan table_info(%s): %w", name, err)
		}
		schema.Columns = append(schema.Columns, core.ColumnSpec{
			Name:        colName,
			StorageType: typemap.NormalizeFamily(colType),
			Nullable:    notNull == 0,
		})
		if pk == 1 {
			schema.PrimaryKey = colName
		}
	}
	if err := rows.Err(); err != nil {
		return core.TableSchema{}, err
	}

	fks, err := introspectForeignKeys(ctx, db, name)
	if err != nil {
		return core.TableSchema{}, err
	}
	schema.ForeignKeys = fks
	return schema, nil
}

func introspectForeignKeys(ctx context.Context, db *sql.DB, name string) ([]core.ForeignKeySpec, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA foreign_key_list(%q)`, name))
	if err != nil {
		return nil, fmt.Errorf("sqlite: foreign_key_list(%s): %w", name, err)
	}
	defer rows.Close()

	var fks []core.ForeignKeySpec
	for rows.Next() {
		var id, seq int
		var table, from, to string
		var onUpdate, onDelete, match string
		if err := rows.Scan(&id, &seq, &table, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, fmt.Errorf("sqlite: scan foreign_key_list(%s): %w", name, err)
		}
		fks = append(fks, core.ForeignKeySpec{
			Column:           from,
			ReferencedTable:  table,
			ReferencedColumn: to,
		})
	}
	return fks, rows.Err()
}

var _ storage.Backend = (*Backend)(nil)
