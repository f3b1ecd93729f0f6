package schemadiff

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"dvsync/internal/core"
)

func TestCompareMissingAndExtraTables(t *testing.T) {
	projected := map[string]core.TableSchema{"account": {EntityName: "account"}}
	observed := map[string]core.TableSchema{"contact": {EntityName: "contact"}}

	diffs := Compare(projected, observed)

	var kinds []IssueType
	for _, d := range diffs {
		kinds = append(kinds, d.IssueType)
	}
	assert.Contains(t, kinds, MissingTable)
	assert.Contains(t, kinds, ExtraTable)
}

func TestCompareColumnMismatches(t *testing.T) {
	projected := map[string]core.TableSchema{
		"account": {
			EntityName: "account",
			Columns: []core.ColumnSpec{
				{Name: "name", StorageType: "TEXT", Nullable: true},
				{Name: "missingcol", StorageType: "TEXT"},
			},
		},
	}
	observed := map[string]core.TableSchema{
		"account": {
			EntityName: "account",
			Columns: []core.ColumnSpec{
				{Name: "name", StorageType: "INTEGER", Nullable: false},
				{Name: "extracol", StorageType: "TEXT"},
			},
		},
	}

	diffs := Compare(projected, observed)
	byType := map[IssueType]int{}
	for _, d := range diffs {
		byType[d.IssueType]++
	}
	assert.Equal(t, 1, byType[TypeMismatch])
	assert.Equal(t, 1, byType[NullableMismatch])
	assert.Equal(t, 1, byType[MissingColumn])
	assert.Equal(t, 1, byType[ExtraColumn])
}

func TestComparePrimaryKeySurrogateException(t *testing.T) {
	projected := core.TableSchema{
		EntityName: "account",
		PrimaryKey: "accountid",
		Columns:    []core.ColumnSpec{{Name: "accountid", StorageType: "TEXT"}},
	}
	observed := core.TableSchema{
		EntityName: "account",
		PrimaryKey: SurrogatePrimaryKey,
		Columns:    []core.ColumnSpec{{Name: "accountid", StorageType: "TEXT"}},
	}

	diffs := compareTable("account", projected, observed)
	for _, d := range diffs {
		assert.NotEqual(t, PKMismatch, d.IssueType)
	}
}

func TestComparePrimaryKeyRealMismatch(t *testing.T) {
	projected := core.TableSchema{EntityName: "account", PrimaryKey: "accountid"}
	observed := core.TableSchema{EntityName: "account", PrimaryKey: "otherid"}

	diffs := comparePrimaryKey("account", projected, observed)
	assert.Len(t, diffs, 1)
	assert.Equal(t, PKMismatch, diffs[0].IssueType)
	assert.Equal(t, SeverityError, diffs[0].Severity)
}

func TestHasErrors(t *testing.T) {
	assert.True(t, HasErrors([]SchemaDifference{{Severity: SeverityError}}))
	assert.False(t, HasErrors([]SchemaDifference{{Severity: SeverityWarning}}))
}

func TestStripSystemColumns(t *testing.T) {
	schema := core.TableSchema{
		Columns: []core.ColumnSpec{
			{Name: "accountid"},
			{Name: "row_id"},
			{Name: "json_response"},
			{Name: "valid_from"},
		},
	}
	stripped := StripSystemColumns(schema)
	assert.Len(t, stripped.Columns, 1)
	assert.Equal(t, "accountid", stripped.Columns[0].Name)
}
