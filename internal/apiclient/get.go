package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"dvsync/internal/syncerr"
)

// GetJSON issues an authenticated GET against a full or relative URL and
// decodes a single OData JSON response (spec.md §4.E: "JSON elsewhere").
func (c *Client) GetJSON(ctx context.Context, url string) (map[string]any, error) {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(url), nil)
		if err != nil {
			return nil, err
		}
		if err := c.authorize(ctx, req, "application/json"); err != nil {
			return nil, err
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, syncerr.New(syncerr.KindTransport, fmt.Errorf("apiclient: decode JSON from %s: %w", url, err))
	}
	return payload, nil
}

// GetMetadataXML fetches the $metadata CSDL document, requesting XML
// instead of JSON (spec.md §4.E: "XML for $metadata").
func (c *Client) GetMetadataXML(ctx context.Context) (io.ReadCloser, error) {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve("$metadata"), nil)
		if err != nil {
			return nil, err
		}
		if err := c.authorize(ctx, req, "application/xml"); err != nil {
			return nil, err
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	base := strings.TrimRight(c.baseURL, "/")
	return base + "/" + strings.TrimLeft(path, "/")
}
