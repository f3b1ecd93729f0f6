package orchestrator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvsync/internal/core"
	"dvsync/internal/orchestrator"
	"dvsync/internal/storage"
	"dvsync/internal/storage/sqlite"
)

const testCSDL = `<?xml version="1.0" encoding="utf-8"?>
<edmx:Edmx Version="4.0" xmlns:edmx="http://docs.oasis-open.org/odata/ns/edmx">
  <edmx:DataServices>
    <Schema Namespace="Test" xmlns="http://docs.oasis-open.org/odata/ns/edm">
      <EntityType Name="account">
        <Key><PropertyRef Name="accountid"/></Key>
        <Property Name="accountid" Type="Edm.String" Nullable="false"/>
        <Property Name="name" Type="Edm.String" Nullable="true"/>
        <Property Name="modifiedon" Type="Edm.DateTimeOffset" Nullable="true"/>
      </EntityType>
      <EntityType Name="contact">
        <Key><PropertyRef Name="contactid"/></Key>
        <Property Name="contactid" Type="Edm.String" Nullable="false"/>
        <Property Name="fullname" Type="Edm.String" Nullable="true"/>
        <Property Name="_account_value" Type="Edm.Guid" Nullable="true"/>
      </EntityType>
    </Schema>
  </edmx:DataServices>
</edmx:Edmx>`

type stubAuth struct{}

func (stubAuth) Token(ctx context.Context) (string, error) { return "test-token", nil }

func newTestServer(t *testing.T, accounts, contacts []map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/$metadata", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(testCSDL))
	})
	mux.HandleFunc("/accounts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"value": accounts})
	})
	mux.HandleFunc("/contacts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"value": contacts})
	})
	return httptest.NewServer(mux)
}

func TestRunSucceedsEndToEnd(t *testing.T) {
	ctx := context.Background()

	accounts := []map[string]any{
		{"accountid": "acc-1", "name": "Acme", "modifiedon": "2026-07-30T00:00:00Z"},
	}
	contacts := []map[string]any{
		{"contactid": "c-1", "fullname": "Jane Doe", "_account_value": "acc-1"},
	}
	srv := newTestServer(t, accounts, contacts)
	defer srv.Close()

	cfg := orchestrator.Config{
		APIURL:  srv.URL,
		Auth:    stubAuth{},
		DSN:     "file::memory:?cache=shared",
		Backend: sqlite.New(),
		Entities: []core.EntityConfig{
			{Name: "account", APIName: "accounts"},
			{Name: "contact", APIName: "contacts"},
		},
	}

	result, err := orchestrator.Run(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.FailedEntities)
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, 0, result.Updated)
	assert.Empty(t, result.ValidationErrors)
}

func TestRunAbortsOnSchemaValidationError(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t, nil, nil)
	defer srv.Close()

	const dsn = "file:abortcheck?mode=memory&cache=shared"

	store, err := storage.Open(ctx, dsn, sqlite.New(), nil)
	require.NoError(t, err)

	// Pre-create the accounts table with accountid as the wrong storage
	// type family, so the Schema Comparer reports a type_mismatch error
	// and the run aborts before any entity sync runs.
	_, err = store.DB().ExecContext(ctx, `CREATE TABLE "accounts" (
		row_id INTEGER PRIMARY KEY AUTOINCREMENT,
		accountid INTEGER NOT NULL,
		name TEXT,
		modifiedon TEXT,
		json_response TEXT,
		sync_time TEXT,
		valid_from TEXT,
		valid_to TEXT
	)`)
	require.NoError(t, err)

	cfg := orchestrator.Config{
		APIURL:  srv.URL,
		Auth:    stubAuth{},
		DSN:     dsn,
		Backend: sqlite.New(),
		Entities: []core.EntityConfig{
			{Name: "account", APIName: "accounts"},
		},
	}

	result, err := orchestrator.Run(ctx, cfg)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.ValidationErrors)
	assert.Zero(t, result.Added)
	// Closed only after Run: the shared in-memory database, and the
	// pre-created table with it, lives only while a connection is open.
	require.NoError(t, store.Close())
}

func TestRunValidateOnlySkipsEntitySync(t *testing.T) {
	ctx := context.Background()

	accountsHit := false
	mux := http.NewServeMux()
	mux.HandleFunc("/$metadata", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(testCSDL))
	})
	mux.HandleFunc("/accounts", func(w http.ResponseWriter, r *http.Request) {
		accountsHit = true
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"value": []map[string]any{
			{"accountid": "acc-1", "name": "Acme"},
		}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	const dsn = "file:validateonlycheck?mode=memory&cache=shared"

	cfg := orchestrator.Config{
		APIURL:  srv.URL,
		Auth:    stubAuth{},
		DSN:     dsn,
		Backend: sqlite.New(),
		Entities: []core.EntityConfig{
			{Name: "account", APIName: "accounts"},
		},
		ValidateOnly: true,
	}

	result, err := orchestrator.Run(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Zero(t, result.Added)
	assert.False(t, accountsHit, "validate-only run must not pull entity data")

	store, err := storage.Open(ctx, dsn, sqlite.New(), nil)
	require.NoError(t, err)
	defer store.Close()
	exists, err := store.TableExists(ctx, "accounts")
	require.NoError(t, err)
	assert.False(t, exists, "validate-only run must not create entity tables")
}

func TestRunIsolatesPerEntityFailure(t *testing.T) {
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/$metadata", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(testCSDL))
	})
	mux.HandleFunc("/accounts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("boom"))
	})
	mux.HandleFunc("/contacts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"value": []map[string]any{
			{"contactid": "c-1", "fullname": "Jane Doe"},
		}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := orchestrator.Config{
		APIURL:  srv.URL,
		Auth:    stubAuth{},
		DSN:     "file:isolationcheck?mode=memory&cache=shared",
		Backend: sqlite.New(),
		Entities: []core.EntityConfig{
			{Name: "account", APIName: "accounts"},
			{Name: "contact", APIName: "contacts"},
		},
	}

	result, err := orchestrator.Run(ctx, cfg)
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.Len(t, result.FailedEntities, 1)
	assert.Equal(t, "accounts", result.FailedEntities[0].Name)
	assert.Equal(t, 1, result.Added)
}
