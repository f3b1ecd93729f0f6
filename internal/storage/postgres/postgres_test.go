package postgres_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"dvsync/internal/core"
	"dvsync/internal/storage/postgres"
)

func TestBackendIdentifiers(t *testing.T) {
	b := postgres.New()
	assert.Equal(t, "postgresql", b.Name())
	assert.Equal(t, "postgres", b.DriverName())
	assert.Equal(t, "$1", b.Placeholder(1))
	assert.Equal(t, "$3", b.Placeholder(3))
	assert.Equal(t, `"my table"`, b.QuoteIdent("my table"))
}

func TestBackendColumnDDL(t *testing.T) {
	b := postgres.New()
	maxLen := 50
	col := core.ColumnSpec{Name: "name", EdmType: "Edm.String", Nullable: true, MaxLength: &maxLen}
	assert.Equal(t, `"name" VARCHAR(50)`, b.ColumnDDL(col))
}

func TestAutoIncrementPK(t *testing.T) {
	b := postgres.New()
	assert.Equal(t, `"row_id" SERIAL PRIMARY KEY`, b.AutoIncrementPK("row_id"))
}
