package pkresolve_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvsync/internal/core"
	"dvsync/internal/pkresolve"
)

func TestResolveUsesDeclaredPKWhenPresent(t *testing.T) {
	schema := core.TableSchema{
		EntityName: "account",
		PrimaryKey: "accountid",
		Columns:    []core.ColumnSpec{{Name: "accountid"}, {Name: "name"}},
	}
	col, err := pkresolve.Resolve(schema)
	require.NoError(t, err)
	assert.Equal(t, "accountid", col)
}

func TestResolveFallsBackToEntityIDColumn(t *testing.T) {
	schema := core.TableSchema{
		EntityName: "owner",
		PrimaryKey: "ownerid", // declared PK, not actually a payload column
		Columns:    []core.ColumnSpec{{Name: "ownerid"}, {Name: "name"}},
	}
	// ownerid IS present here, so it resolves directly; simulate the
	// quirk by declaring a PK that isn't one of the observed columns.
	schema.PrimaryKey = "systemuserid"
	col, err := pkresolve.Resolve(schema)
	require.NoError(t, err)
	assert.Equal(t, "ownerid", col)
}

func TestResolveFallsBackToAnyIDColumn(t *testing.T) {
	schema := core.TableSchema{
		EntityName: "widget",
		PrimaryKey: "missingpk",
		Columns:    []core.ColumnSpec{{Name: "_parentid"}, {Name: "gadgetid"}, {Name: "name"}},
	}
	col, err := pkresolve.Resolve(schema)
	require.NoError(t, err)
	assert.Equal(t, "gadgetid", col)
}

func TestResolveErrorsWhenNothingUsable(t *testing.T) {
	schema := core.TableSchema{
		EntityName: "mystery",
		PrimaryKey: "missingpk",
		Columns:    []core.ColumnSpec{{Name: "name"}},
	}
	_, err := pkresolve.Resolve(schema)
	require.Error(t, err)
}
