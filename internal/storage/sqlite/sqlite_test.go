package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvsync/internal/core"
	"dvsync/internal/storage"
	"dvsync/internal/storage/sqlite"
)

func TestBackendIdentifiers(t *testing.T) {
	b := sqlite.New()
	assert.Equal(t, "sqlite", b.Name())
	assert.Equal(t, "sqlite", b.DriverName())
	assert.Equal(t, "?", b.Placeholder(1))
	assert.Equal(t, "?", b.Placeholder(2))
	assert.Equal(t, `"my table"`, b.QuoteIdent("my table"))
}

func TestBackendColumnDDL(t *testing.T) {
	b := sqlite.New()
	col := core.ColumnSpec{Name: "name", StorageType: "TEXT", Nullable: false}
	assert.Equal(t, `"name" TEXT NOT NULL`, b.ColumnDDL(col))
}

func TestObserveSchemaReflectsCreatedTable(t *testing.T) {
	ctx := context.Background()
	m, err := storage.Open(ctx, "file::memory:?cache=shared", sqlite.New(), nil)
	require.NoError(t, err)
	defer m.Close()

	schema := core.TableSchema{
		EntityName: "widgets",
		PrimaryKey: "widgetid",
		Columns: []core.ColumnSpec{
			{Name: "widgetid", StorageType: "TEXT", Nullable: false},
			{Name: "name", StorageType: "TEXT", Nullable: true},
		},
	}
	require.NoError(t, m.EnsureEntityTable(ctx, "widgets", schema, map[string]bool{}))

	observed, err := m.Backend().ObserveSchema(ctx, m.DB())
	require.NoError(t, err)
	got, ok := observed["widgets"]
	require.True(t, ok)
	assert.True(t, got.HasColumn("widgetid"))
	assert.True(t, got.HasColumn("name"))
	assert.True(t, got.HasColumn("row_id"))
}
