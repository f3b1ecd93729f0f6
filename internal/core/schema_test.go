package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntityConfigResolvedAPIName(t *testing.T) {
	assert.Equal(t, "accounts", EntityConfig{Name: "account"}.ResolvedAPIName())
	assert.Equal(t, "people", EntityConfig{Name: "person", APIName: "people"}.ResolvedAPIName())
}

func TestColumnSpecEqualCaseInsensitive(t *testing.T) {
	a := ColumnSpec{Name: "AccountId", StorageType: "VARCHAR(100)"}
	b := ColumnSpec{Name: "accountid", StorageType: "varchar"}
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.HashKey(), b.HashKey())

	c := ColumnSpec{Name: "accountid", StorageType: "integer"}
	assert.False(t, a.Equal(c))
}

func TestForeignKeySpecEqualCaseInsensitive(t *testing.T) {
	a := ForeignKeySpec{Column: "_parentcustomerid_value", ReferencedTable: "Account", ReferencedColumn: "AccountId"}
	b := ForeignKeySpec{Column: "_PARENTCUSTOMERID_VALUE", ReferencedTable: "account", ReferencedColumn: "accountid"}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(ForeignKeySpec{Column: "other", ReferencedTable: "account", ReferencedColumn: "accountid"}))
}

func TestTableSchemaColumnLookup(t *testing.T) {
	schema := TableSchema{
		EntityName: "account",
		Columns: []ColumnSpec{
			{Name: "accountid", StorageType: "text"},
			{Name: "name", StorageType: "text"},
		},
	}
	col, ok := schema.Column("NAME")
	assert.True(t, ok)
	assert.Equal(t, "name", col.Name)
	assert.True(t, schema.HasColumn("AccountId"))
	assert.False(t, schema.HasColumn("missing"))
}
