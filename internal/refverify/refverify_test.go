package refverify_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvsync/internal/core"
	"dvsync/internal/refverify"
	"dvsync/internal/storage"
	"dvsync/internal/storage/sqlite"
)

func TestVerifyReportsDanglingForeignKeys(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, "file::memory:?cache=shared", sqlite.New(), nil)
	require.NoError(t, err)
	defer store.Close()

	accountSchema := core.TableSchema{
		EntityName: "account",
		PrimaryKey: "accountid",
		Columns:    []core.ColumnSpec{{Name: "accountid", StorageType: "text"}},
	}
	contactSchema := core.TableSchema{
		EntityName: "contact",
		PrimaryKey: "contactid",
		Columns: []core.ColumnSpec{
			{Name: "contactid", StorageType: "text"},
			{Name: "parentcustomerid", StorageType: "text", Nullable: true},
		},
		ForeignKeys: []core.ForeignKeySpec{
			{Column: "parentcustomerid", ReferencedTable: "account", ReferencedColumn: "accountid"},
		},
	}

	require.NoError(t, store.EnsureEntityTable(ctx, "accounts", accountSchema, map[string]bool{}))
	require.NoError(t, store.EnsureEntityTable(ctx, "contacts", contactSchema, map[string]bool{}))

	syncTime := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	_, err = store.UpsertEntityRecord(ctx, "accounts", accountSchema, "accountid", map[string]any{"accountid": "acc-1"}, syncTime)
	require.NoError(t, err)
	_, err = store.UpsertEntityRecord(ctx, "contacts", contactSchema, "contactid", map[string]any{
		"contactid": "c1", "parentcustomerid": "acc-1",
	}, syncTime)
	require.NoError(t, err)
	_, err = store.UpsertEntityRecord(ctx, "contacts", contactSchema, "contactid", map[string]any{
		"contactid": "c2", "parentcustomerid": "acc-missing",
	}, syncTime)
	require.NoError(t, err)

	schemas := map[string]core.TableSchema{"account": accountSchema, "contact": contactSchema}
	configured := map[string]core.EntityConfig{
		"account": {Name: "account", APIName: "accounts"},
		"contact": {Name: "contact", APIName: "contacts"},
	}

	v := refverify.New(store, nil)
	report, err := v.Verify(ctx, schemas, configured)
	require.NoError(t, err)

	require.True(t, report.HasIssues())
	require.Len(t, report.Issues, 1)
	issue := report.Issues[0]
	assert.Equal(t, "contacts", issue.Table)
	assert.Equal(t, "parentcustomerid", issue.FKColumn)
	assert.Equal(t, "accounts", issue.ReferencedTable)
	assert.Equal(t, 1, issue.DanglingCount)
	assert.Equal(t, 2, issue.TotalChecked)
	assert.Equal(t, []string{"acc-missing"}, issue.SampleIDs)
	assert.Contains(t, report.Render(), "dangling")
}

func TestVerifySkipsMissingReferencedTable(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, "file::memory:?cache=shared", sqlite.New(), nil)
	require.NoError(t, err)
	defer store.Close()

	contactSchema := core.TableSchema{
		EntityName: "contact",
		PrimaryKey: "contactid",
		Columns: []core.ColumnSpec{
			{Name: "contactid", StorageType: "text"},
			{Name: "parentcustomerid", StorageType: "text", Nullable: true},
		},
		ForeignKeys: []core.ForeignKeySpec{
			{Column: "parentcustomerid", ReferencedTable: "account", ReferencedColumn: "accountid"},
		},
	}
	require.NoError(t, store.EnsureEntityTable(ctx, "contacts", contactSchema, map[string]bool{}))

	schemas := map[string]core.TableSchema{"contact": contactSchema}
	configured := map[string]core.EntityConfig{"contact": {Name: "contact", APIName: "contacts"}}

	v := refverify.New(store, nil)
	report, err := v.Verify(ctx, schemas, configured)
	require.NoError(t, err)
	assert.False(t, report.HasIssues())
}
