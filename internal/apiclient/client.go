// Package apiclient is the Dataverse Web API Client of spec.md §4.E: an
// authenticated OData v4 HTTP client with bounded concurrency, fixed-step
// retry, and pagination, generalized from the teacher's connection-owning
// idiom (internal/storage.Manager: one long-lived resource, borrowed by
// callers, closed on exit) to an HTTP transport instead of a *sql.DB.
package apiclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"dvsync/internal/syncerr"
)

// TokenSource supplies a bearer token for each request. internal/auth's
// Provider satisfies this structurally; apiclient never imports
// internal/auth directly, keeping the credential-acquisition strategy
// swappable (spec.md §4.E/§8).
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

const (
	defaultMaxConcurrency = 50
	defaultTotalTimeout   = 600 * time.Second
	defaultConnectTimeout = 60 * time.Second
	defaultReadTimeout    = 300 * time.Second
)

// RetrySchedule is the fixed-step backoff of spec.md §4.E: up to five
// retries after the first attempt, waiting 1, 2, 4, 8, 16 seconds before
// each.
var RetrySchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// Client is the bounded-concurrency OData client used by every other
// component that needs to reach Dataverse.
type Client struct {
	httpClient *http.Client
	baseURL    string
	auth       TokenSource
	permits    chan struct{}
	log        *zap.Logger
}

// Config configures a new Client. MaxConcurrency defaults to 50 when
// zero or negative (spec.md §4.E).
type Config struct {
	BaseURL        string
	Auth           TokenSource
	MaxConcurrency int
	Log            *zap.Logger
}

// New builds a Client against baseURL, bounding concurrent in-flight
// requests to cfg.MaxConcurrency permits (spec.md §4.E: "bounded HTTP
// concurrency via a permit pool").
func New(cfg Config) *Client {
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = defaultMaxConcurrency
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: defaultTotalTimeout,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: defaultConnectTimeout}).DialContext,
				ResponseHeaderTimeout: defaultReadTimeout,
			},
		},
		baseURL: cfg.BaseURL,
		auth:    cfg.Auth,
		permits: make(chan struct{}, concurrency),
		log:     log,
	}
}

// acquire blocks until a concurrency permit is available or ctx is
// cancelled.
func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.permits <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() { <-c.permits }

// authorize attaches the bearer token and the OData headers Dataverse
// expects on every request (spec.md §4.E).
func (c *Client) authorize(ctx context.Context, req *http.Request, accept string) error {
	if c.auth != nil {
		token, err := c.auth.Token(ctx)
		if err != nil {
			return syncerr.New(syncerr.KindAuth, fmt.Errorf("apiclient: acquire token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	req.Header.Set("Prefer", `odata.maxpagesize=5000,odata.include-annotations="OData.Community.Display.V1.FormattedValue"`)
	return nil
}
