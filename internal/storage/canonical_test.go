package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeStripsODataKeys(t *testing.T) {
	a, err := Canonicalize(map[string]any{
		"name":                "Acme",
		"@odata.etag":         "W/\"12345\"",
		"statuscode":          float64(1),
		"@odata.nextLink":     "https://example",
	})
	require.NoError(t, err)

	b, err := Canonicalize(map[string]any{
		"name":            "Acme",
		"@odata.etag":     "W/\"different\"",
		"statuscode":      float64(1),
		"@odata.nextLink": "https://elsewhere",
	})
	require.NoError(t, err)

	assert.Equal(t, a, b, "two records differing only in @odata. keys must canonicalize identically")
}

func TestCanonicalizeDiffersOnRealChange(t *testing.T) {
	a, _ := Canonicalize(map[string]any{"name": "Acme"})
	b, _ := Canonicalize(map[string]any{"name": "Acme Corp"})
	assert.NotEqual(t, a, b)
}
