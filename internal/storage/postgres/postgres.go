// Package postgres is the PostgreSQL-style Backend of the Storage
// Manager (spec.md §4.D), generalized from the teacher's
// internal/introspect/mysql information_schema walk to Postgres's own
// information_schema views and numbered placeholders.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"dvsync/internal/core"
	"dvsync/internal/storage"
	"dvsync/internal/typemap"
)

type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Name() string       { return "postgresql" }
func (b *Backend) DriverName() string { return "postgres" }

func (b *Backend) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

func (b *Backend) QuoteIdent(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, `"`, `""`)
	return `"` + name + `"`
}

func (b *Backend) ColumnDDL(col core.ColumnSpec) string {
	storageType := col.StorageType
	if storageType == "" {
		storageType, _ = typemap.MapEDM(col.EdmType, typemap.TargetPostgres, col.MaxLength, false)
	}
	def := b.QuoteIdent(col.Name) + " " + storageType
	if !col.Nullable {
		def += " NOT NULL"
	}
	return def
}

func (b *Backend) AutoIncrementPK(columnName string) string {
	return b.QuoteIdent(columnName) + " SERIAL PRIMARY KEY"
}

// ObserveSchema introspects the live Postgres database via
// information_schema.tables/columns and the constraint views, the same
// shape as the teacher's information_schema-driven mysql introspecter
// (internal/introspect/mysql/tables.go, columns.go) against Postgres's
// own catalog names.
func (b *Backend) ObserveSchema(ctx context.Context, db *sql.DB) (map[string]core.TableSchema, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan table name: %w", err)
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
	rows, err := db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable, character_maximum_length
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position
	`, name)
	if err != nil {
		return core.TableSchema{}, fmt.Errorf("postgres: columns(%s): %w", name, err)
	}
	defer rows.Close()

	schema := core.TableSchema{EntityName: name}
	for rows.Next() {
		var colName, dataType, nullable string
		var maxLen sql.NullInt64
		if err := rows.Scan(&colName, &dataType, &nullable, &maxLen); err != nil {
			return core.TableSchema{}, fmt.Errorf("postgres: scan columns(%s): %w", name, err)
		}
		var maxLenPtr *int
		if maxLen.Valid {
			v := int(maxLen.Int64)
			maxLenPtr = &v
		}
		schema.Columns = append(schema.Columns, core.ColumnSpec{
			Name:        colName,
			StorageType: typemap.NormalizeFamily(dataType),
			Nullable:    nullable == "YES",
			MaxLength:   maxLenPtr,
		})
	}
	if err := rows.Err(); err != nil {
		return core.TableSchema{}, err
	}

	pk, err := introspectPrimaryKey(ctx, db, name)
	if err != nil {
		return core.TableSchema{}, err
	}
	schema.PrimaryKey = pk

	fks, err := introspectForeignKeys(ctx, db, name)
	if err != nil {
		return core.TableSchema{}, err
	}
	schema.ForeignKeys = fks
	return schema, nil
}

func introspectPrimaryKey(ctx context.Context, db *sql.DB, name string) (string, error) {
	row := db.QueryRowContext(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = 'public' AND tc.table_name = $1 AND tc.constraint_type = 'PRIMARY KEY'
		LIMIT 1
	`, name)
	var pk string
	err := row.Scan(&pk)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: primary key(%s): %w", name, err)
	}
	return pk, nil
}

func introspectForeignKeys(ctx context.Context, db *sql.DB, name string) ([]core.ForeignKeySpec, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
		WHERE tc.table_schema = 'public' AND tc.table_name = $1 AND tc.constraint_type = 'FOREIGN KEY'
	`, name)
	if err != nil {
		return nil, fmt.Errorf("postgres: foreign keys(%s): %w", name, err)
	}
	defer rows.Close()

	var fks []core.ForeignKeySpec
	for rows.Next() {
		var col, refTable, refCol string
		if err := rows.Scan(&col, &refTable, &refCol); err != nil {
			return nil, fmt.Errorf("postgres: scan foreign keys(%s): %w", name, err)
		}
		fks = append(fks, core.ForeignKeySpec{Column: col, ReferencedTable: refTable, ReferencedColumn: refCol})
	}
	return fks, rows.Err()
}

var _ storage.Backend = (*Backend)(nil)
