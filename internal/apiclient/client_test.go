package apiclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvsync/internal/apiclient"
	"dvsync/internal/syncerr"
)

type staticToken struct{ token string }

func (s staticToken) Token(ctx context.Context) (string, error) { return s.token, nil }

func TestGetJSONAuthorizesAndDecodes(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"value": []map[string]any{{"accountid": "a1"}}})
	}))
	defer srv.Close()

	c := apiclient.New(apiclient.Config{BaseURL: srv.URL, Auth: staticToken{token: "tok-123"}})
	payload, err := c.GetJSON(context.Background(), "accounts")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.NotNil(t, payload["value"])
}

func TestGetJSONFailsImmediatelyOn401(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := apiclient.New(apiclient.Config{BaseURL: srv.URL})
	_, err := c.GetJSON(context.Background(), "accounts")
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindAuth))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetJSONRetriesOn500ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"value": []any{}})
	}))
	defer srv.Close()

	c := apiclient.New(apiclient.Config{BaseURL: srv.URL})
	_, err := c.GetJSON(context.Background(), "accounts")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFetchAllPagesFollowsNextLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]any{{"accountid": "a2"}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value":           []map[string]any{{"accountid": "a1"}},
			"@odata.nextLink": "http://" + r.Host + "/accounts?page=2",
		})
	}))
	defer srv.Close()

	c := apiclient.New(apiclient.Config{BaseURL: srv.URL})
	result, err := c.FetchAllPages(context.Background(), "accounts")
	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	assert.False(t, result.Truncated)
}
