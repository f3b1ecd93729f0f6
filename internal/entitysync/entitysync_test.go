package entitysync_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvsync/internal/apiclient"
	"dvsync/internal/core"
	"dvsync/internal/entitysync"
	"dvsync/internal/storage"
	"dvsync/internal/storage/sqlite"
)

func widgetSchema() core.TableSchema {
	return core.TableSchema{
		EntityName: "widget",
		PrimaryKey: "widgetid",
		Columns: []core.ColumnSpec{
			{Name: "widgetid", StorageType: "text"},
			{Name: "name", StorageType: "text", Nullable: true},
			{Name: "modifiedon", StorageType: "text", Nullable: true},
		},
	}
}

func TestSyncFetchesAndCommitsRecords(t *testing.T) {
	ctx := context.Background()
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{
				{"widgetid": "w1", "name": "Widget One", "modifiedon": "2026-07-30T00:00:00Z"},
				{"widgetid": "w2", "name": "Widget Two", "modifiedon": "2026-07-31T00:00:00Z"},
			},
		})
	}))
	defer srv.Close()

	client := apiclient.New(apiclient.Config{BaseURL: srv.URL})
	store, err := storage.Open(ctx, "file::memory:?cache=shared", sqlite.New(), nil)
	require.NoError(t, err)
	defer store.Close()

	schema := widgetSchema()
	require.NoError(t, store.EnsureSyncMetadataTables(ctx))
	require.NoError(t, store.EnsureEntityTable(ctx, "widgets", schema, map[string]bool{}))

	syncer := entitysync.New(client, store, nil)
	cfg := core.EntityConfig{Name: "widget", APIName: "widgets"}

	result, err := syncer.Sync(ctx, cfg, schema, time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, 0, result.Updated)
	assert.Contains(t, gotQuery, "$orderby=widgetid")

	state, ok, err := store.ReadSyncState(ctx, "widgets")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "completed", state.State)
	assert.Equal(t, "2026-07-31T00:00:00Z", state.LastTimestamp)
}
