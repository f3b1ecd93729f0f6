// Package storage is the Storage Manager of spec.md §4.D: an embedded
// SQL store with single-writer semantics (sqlite) plus a PostgreSQL-style
// query-only variant for the schema comparer, SCD2 and junction-table
// primitives, and the sync-metadata tables. It adapts the connection
// lifecycle and registry idiom of the teacher's internal/apply
// (Connect/Close, ping-on-open) and internal/introspect (per-dialect
// registration) packages.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"dvsync/internal/core"
)

// Manager owns the single open connection to the target store for the
// whole run; callers borrow it, never close it themselves (spec.md §5:
// "Open storage connection: owned by the Storage Manager for the whole
// run; consumers borrow").
type Manager struct {
	db      *sql.DB
	backend Backend
	log     *zap.Logger
}

// Open opens a connection to dsn using backend's driver, pings it, and
// returns a ready Manager. Call Close to release it deterministically on
// every exit path (spec.md §4.D, §5).
func Open(ctx context.Context, dsn string, backend Backend, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open(backend.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", backend.Name(), err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", backend.Name(), err)
	}
	return &Manager{db: db, backend: backend, log: log}, nil
}

// Close releases the underlying connection. Safe to call on a nil db.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// DB exposes the underlying *sql.DB for components (reference verifier,
// schema observation) that need direct read access.
func (m *Manager) DB() *sql.DB { return m.db }

// Backend exposes the active dialect backend.
func (m *Manager) Backend() Backend { return m.backend }

func (m *Manager) q(name string) string { return m.backend.QuoteIdent(name) }

// TableExists reports whether table is present; delegated to the
// backend's observed schema (cheap enough for the table counts this
// system deals with; hundreds, not millions).
func (m *Manager) TableExists(ctx context.Context, table string) (bool, error) {
	schemas, err := m.backend.ObserveSchema(ctx, m.db)
	if err != nil {
		return false, err
	}
	_, ok := schemas[strings.ToLower(table)]
	return ok, nil
}

// CreateIndex creates a (non-unique) index on table.column if it does
// not already exist.
func (m *Manager) CreateIndex(ctx context.Context, table, column string) error {
	indexName := fmt.Sprintf("idx_%s_%s", table, column)
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		m.q(indexName), m.q(table), m.q(column))
	_, err := m.db.ExecContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("storage: create index %s: %w", indexName, err)
	}
	return nil
}

// createCompositeIndex creates a multi-column index.
func (m *Manager) createCompositeIndex(ctx context.Context, name, table string, columns ...string) error {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = m.q(c)
	}
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		m.q(name), m.q(table), strings.Join(quoted, ", "))
	_, err := m.db.ExecContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("storage: create composite index %s: %w", name, err)
	}
	return nil
}

// Exec runs a parameterized statement against the managed connection.
func (m *Manager) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return m.db.ExecContext(ctx, query, args...)
}

// Query runs a parameterized query against the managed connection.
func (m *Manager) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return m.db.QueryContext(ctx, query, args...)
}

const (
	syncStateTable = "_sync_state"
	syncLogTable   = "_sync_log"
)

// EnsureSyncMetadataTables creates _sync_state and _sync_log if absent
// (spec.md §4.D: "always present").
func (m *Manager) EnsureSyncMetadataTables(ctx context.Context) error {
	stateDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		entity_name TEXT PRIMARY KEY,
		state TEXT,
		last_sync_time TEXT,
		last_timestamp TEXT,
		records_count INTEGER
	)`, m.q(syncStateTable))
	if _, err := m.db.ExecContext(ctx, stateDDL); err != nil {
		return fmt.Errorf("storage: create %s: %w", syncStateTable, err)
	}

	logDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id %s,
		entity_name TEXT,
		start_time TEXT,
		end_time TEXT,
		records_added INTEGER,
		records_updated INTEGER,
		status TEXT,
		error_message TEXT
	)`, m.q(syncLogTable), m.backend.AutoIncrementPK("id"))
	if _, err := m.db.ExecContext(ctx, logDDL); err != nil {
		return fmt.Errorf("storage: create %s: %w", syncLogTable, err)
	}
	return nil
}

// entityTableColumnDDL returns the DDL column fragments for an entity
// table: the surrogate row id, the projected business columns (excluding
// multi-select option-set fields, which live only in the junction table),
// then json_response, sync_time, valid_from, valid_to (spec.md §4.D).
func (m *Manager) entityTableColumnDDL(schema core.TableSchema, multiSelectFields map[string]bool) []string {
	cols := []string{m.backend.AutoIncrementPK("row_id")}
	for _, c := range schema.Columns {
		if multiSelectFields[strings.ToLower(c.Name)] {
			continue
		}
		cols = append(cols, m.backend.ColumnDDL(c))
	}
	cols = append(cols,
		m.q("json_response")+" TEXT NOT NULL",
		m.q("sync_time")+" TEXT",
		m.q("valid_from")+" TEXT",
		m.q("valid_to")+" TEXT",
	)
	return cols
}

// EnsureEntityTable creates table (if absent) for schema, with the
// surrogate PK, an indexed (non-unique) business-key column,
// json_response, sync_time, valid_from, valid_to, and the standard index
// set: modifiedon (if present), createdon (if present), composite
// (business_key, valid_to), and valid_to alone (spec.md §4.D).
func (m *Manager) EnsureEntityTable(ctx context.Context, table string, schema core.TableSchema, multiSelectFields map[string]bool) error {
	cols := m.entityTableColumnDDL(schema, multiSelectFields)
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", m.q(table), strings.Join(cols, ",\n\t"))
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("storage: create entity table %s: %w", table, err)
	}

	if schema.HasColumn("modifiedon") {
		if err := m.CreateIndex(ctx, table, "modifiedon"); err != nil {
			return err
		}
	}
	if schema.HasColumn("createdon") {
		if err := m.CreateIndex(ctx, table, "createdon"); err != nil {
			return err
		}
	}
	if schema.PrimaryKey != "" {
		if err := m.CreateIndex(ctx, table, schema.PrimaryKey); err != nil {
			return err
		}
		if err := m.createCompositeIndex(ctx, fmt.Sprintf("idx_%s_bk_validto", table), table, schema.PrimaryKey, "valid_to"); err != nil {
			return err
		}
	}
	if err := m.CreateIndex(ctx, table, "valid_to"); err != nil {
		return err
	}
	return nil
}

// EnsureOptionSetTable creates the lookup table for field on first
// encounter (spec.md §4.D).
func (m *Manager) EnsureOptionSetTable(ctx context.Context, field string) error {
	table := "_optionset_" + strings.ToLower(field)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		code INTEGER PRIMARY KEY,
		label TEXT,
		first_seen TEXT
	)`, m.q(table))
	_, err := m.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("storage: create option-set table %s: %w", table, err)
	}
	return nil
}

// EnsureJunctionTable creates the junction table for (entity, field) on
// first encounter, with indexes on entity_id, (entity_id, valid_to), and
// valid_to (spec.md §4.D).
func (m *Manager) EnsureJunctionTable(ctx context.Context, entity, field string) error {
	table := JunctionTableName(entity, field)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		junction_id %s,
		entity_id TEXT,
		option_code INTEGER,
		valid_from TEXT,
		valid_to TEXT
	)`, m.q(table), m.backend.AutoIncrementPK("junction_id"))
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("storage: create junction table %s: %w", table, err)
	}
	if err := m.CreateIndex(ctx, table, "entity_id"); err != nil {
		return err
	}
	if err := m.createCompositeIndex(ctx, fmt.Sprintf("idx_%s_entity_validto", table), table, "entity_id", "valid_to"); err != nil {
		return err
	}
	if err := m.CreateIndex(ctx, table, "valid_to"); err != nil {
		return err
	}
	return nil
}

// JunctionTableName renders the _junction_<entity>_<field> naming
// convention of spec.md §4.D/§6 (entity here is the plural api name).
func JunctionTableName(entity, field string) string {
	return fmt.Sprintf("_junction_%s_%s", strings.ToLower(entity), strings.ToLower(field))
}

// OptionSetTableName renders the _optionset_<field> naming convention.
func OptionSetTableName(field string) string {
	return "_optionset_" + strings.ToLower(field)
}

// UpsertSCD2 implements the SCD2 upsert algorithm of spec.md §4.D for one
// record of table, keyed by businessKeyColumn/businessKeyValue, with the
// given canonical jsonResponse and timestamps. columnValues supplies the
// non-system column values to insert for a new version (including the
// business key column itself).
func (m *Manager) UpsertSCD2(ctx context.Context, table, businessKeyColumn, businessKeyValue, jsonResponse string, columnValues map[string]any, syncTime, validFrom time.Time) (core.SCD2Result, error) {
	activeQuery := fmt.Sprintf("SELECT row_id, json_response FROM %s WHERE %s = %s AND valid_to IS NULL",
		m.q(table), m.q(businessKeyColumn), m.backend.Placeholder(1))

	var rowID int64
	var storedJSON string
	err := m.db.QueryRowContext(ctx, activeQuery, businessKeyValue).Scan(&rowID, &storedJSON)

	switch {
	case err == sql.ErrNoRows:
		if err := m.insertVersion(ctx, table, columnValues, jsonResponse, syncTime, validFrom); err != nil {
			return core.SCD2Result{}, err
		}
		return core.SCD2Result{IsNewEntity: true, VersionCreated: true, ValidFrom: validFrom.Format(time.RFC3339), BusinessKeyValue: businessKeyValue}, nil

	case err != nil:
		return core.SCD2Result{}, fmt.Errorf("storage: read active version of %s=%s: %w", businessKeyColumn, businessKeyValue, err)

	case storedJSON == jsonResponse:
		updateStmt := fmt.Sprintf("UPDATE %s SET sync_time = %s WHERE row_id = %s",
			m.q(table), m.backend.Placeholder(1), m.backend.Placeholder(2))
		if _, err := m.db.ExecContext(ctx, updateStmt, syncTime.Format(time.RFC3339), rowID); err != nil {
			return core.SCD2Result{}, fmt.Errorf("storage: refresh sync_time on %s row %d: %w", table, rowID, err)
		}
		return core.SCD2Result{IsNewEntity: false, VersionCreated: false, ValidFrom: validFrom.Format(time.RFC3339), BusinessKeyValue: businessKeyValue}, nil

	default:
		closeStmt := fmt.Sprintf("UPDATE %s SET valid_to = %s WHERE row_id = %s",
			m.q(table), m.backend.Placeholder(1), m.backend.Placeholder(2))
		if _, err := m.db.ExecContext(ctx, closeStmt, validFrom.Format(time.RFC3339), rowID); err != nil {
			return core.SCD2Result{}, fmt.Errorf("storage: close prior version of %s row %d: %w", table, rowID, err)
		}
		if err := m.insertVersion(ctx, table, columnValues, jsonResponse, syncTime, validFrom); err != nil {
			return core.SCD2Result{}, err
		}
		return core.SCD2Result{IsNewEntity: false, VersionCreated: true, ValidFrom: validFrom.Format(time.RFC3339), BusinessKeyValue: businessKeyValue}, nil
	}
}

func (m *Manager) insertVersion(ctx context.Context, table string, columnValues map[string]any, jsonResponse string, syncTime, validFrom time.Time) error {
	columns := make([]string, 0, len(columnValues)+4)
	values := make([]any, 0, len(columnValues)+4)
	for name, val := range columnValues {
		columns = append(columns, m.q(name))
		values = append(values, val)
	}
	columns = append(columns, m.q("json_response"), m.q("sync_time"), m.q("valid_from"), m.q("valid_to"))
	values = append(values, jsonResponse, syncTime.Format(time.RFC3339), validFrom.Format(time.RFC3339), nil)

	placeholders := make([]string, len(values))
	for i := range values {
		placeholders[i] = m.backend.Placeholder(i + 1)
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", m.q(table), strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	if _, err := m.db.ExecContext(ctx, stmt, values...); err != nil {
		return fmt.Errorf("storage: insert version into %s: %w", table, err)
	}
	return nil
}

// SnapshotJunction implements the junction snapshot algorithm of
// spec.md §4.D, invoked only when the parent's SCD2Result.VersionCreated
// is true: close all active junction rows for entityID, then insert one
// new row per code in optionCodes.
func (m *Manager) SnapshotJunction(ctx context.Context, entity, field, entityID string, optionCodes []int, validFrom time.Time) error {
	table := JunctionTableName(entity, field)

	closeStmt := fmt.Sprintf("UPDATE %s SET valid_to = %s WHERE entity_id = %s AND valid_to IS NULL",
		m.q(table), m.backend.Placeholder(1), m.backend.Placeholder(2))
	if _, err := m.db.ExecContext(ctx, closeStmt, validFrom.Format(time.RFC3339), entityID); err != nil {
		return fmt.Errorf("storage: close junction rows in %s for %s: %w", table, entityID, err)
	}

	for _, code := range optionCodes {
		insertStmt := fmt.Sprintf("INSERT INTO %s (entity_id, option_code, valid_from, valid_to) VALUES (%s, %s, %s, %s)",
			m.q(table), m.backend.Placeholder(1), m.backend.Placeholder(2), m.backend.Placeholder(3), m.backend.Placeholder(4))
		if _, err := m.db.ExecContext(ctx, insertStmt, entityID, code, validFrom.Format(time.RFC3339), nil); err != nil {
			return fmt.Errorf("storage: insert junction row in %s: %w", table, err)
		}
	}
	return nil
}

// UpsertOptionSetLookup records/updates the code->label mapping for
// field: codes are monotonic (never inserted twice), labels overwrite in
// place, and first_seen is preserved once set (spec.md §3 invariant 4).
func (m *Manager) UpsertOptionSetLookup(ctx context.Context, field string, codesAndLabels map[int]string, seenAt time.Time) error {
	table := OptionSetTableName(field)
	for code, label := range codesAndLabels {
		selectStmt := fmt.Sprintf("SELECT first_seen FROM %s WHERE code = %s", m.q(table), m.backend.Placeholder(1))
		var firstSeen string
		err := m.db.QueryRowContext(ctx, selectStmt, code).Scan(&firstSeen)
		switch {
		case err == sql.ErrNoRows:
			insertStmt := fmt.Sprintf("INSERT INTO %s (code, label, first_seen) VALUES (%s, %s, %s)",
				m.q(table), m.backend.Placeholder(1), m.backend.Placeholder(2), m.backend.Placeholder(3))
			if _, err := m.db.ExecContext(ctx, insertStmt, code, label, seenAt.Format(time.RFC3339)); err != nil {
				return fmt.Errorf("storage: insert option-set row %s.%d: %w", table, code, err)
			}
		case err != nil:
			return fmt.Errorf("storage: read option-set row %s.%d: %w", table, code, err)
		default:
			updateStmt := fmt.Sprintf("UPDATE %s SET label = %s WHERE code = %s",
				m.q(table), m.backend.Placeholder(1), m.backend.Placeholder(2))
			if _, err := m.db.ExecContext(ctx, updateStmt, label, code); err != nil {
				return fmt.Errorf("storage: update option-set row %s.%d: %w", table, code, err)
			}
		}
	}
	return nil
}
