// Package auth implements the credential-acquisition interface of
// spec.md §6/§8: an unauthenticated probe discovers the Entra ID tenant
// from the API's WWW-Authenticate challenge, then a standard OAuth2
// client-credentials grant exchanges it for a bearer token.
//
// golang.org/x/oauth2's clientcredentials.Config is deliberately not
// used here: it assumes a known token endpoint at construction time,
// but this flow's endpoint is discovered from the API server itself on
// first use (see DESIGN.md). The POST itself still follows the same
// wire shape oauth2 would produce.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"dvsync/internal/syncerr"
)

// tenantPattern matches a case-insensitive 8-4-4-4-12 hex GUID, per
// spec.md §6's tenant-discovery rule.
var tenantPattern = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

// Credentials are the client-credentials grant parameters (spec.md §6).
type Credentials struct {
	ClientID     string
	ClientSecret string
	Scope        string
}

const defaultTokenEndpointFormat = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"

// Provider acquires and caches a bearer token for apiclient.Client,
// refreshing it once it is within refreshSkew of expiry.
type Provider struct {
	apiURL      string
	creds       Credentials
	httpClient  *http.Client
	log         *zap.Logger

	tokenEndpointFormat string

	tokenURLOnce sync.Once
	tokenURL     string
	tokenURLErr  error

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

const refreshSkew = 60 * time.Second

// Option configures a Provider at construction time.
type Option func(*Provider)

// WithTokenEndpointFormat overrides the %s-tenant token endpoint
// template, used by tests to point the exchange at a local server
// instead of login.microsoftonline.com.
func WithTokenEndpointFormat(format string) Option {
	return func(p *Provider) { p.tokenEndpointFormat = format }
}

// New builds a Provider that discovers its tenant against apiURL on
// first token request.
func New(apiURL string, creds Credentials, log *zap.Logger, opts ...Option) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Provider{
		apiURL:              apiURL,
		creds:               creds,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
		log:                 log,
		tokenEndpointFormat: defaultTokenEndpointFormat,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Token returns a valid bearer token, discovering the tenant and
// exchanging credentials on first call, and again whenever the cached
// token is near expiry.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.token != "" && time.Now().Before(p.expiresAt.Add(-refreshSkew)) {
		tok := p.token
		p.mu.Unlock()
		return tok, nil
	}
	p.mu.Unlock()

	tokenURL, err := p.discoverTokenURL(ctx)
	if err != nil {
		return "", err
	}

	tok, expiresIn, err := p.exchangeToken(ctx, tokenURL)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.token = tok
	p.expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	p.mu.Unlock()

	return tok, nil
}

// discoverTokenURL probes apiURL unauthenticated, reads the
// WWW-Authenticate challenge, extracts the tenant GUID, and memoizes the
// v2.0 token endpoint. Done once per Provider (spec.md §6).
func (p *Provider) discoverTokenURL(ctx context.Context) (string, error) {
	p.tokenURLOnce.Do(func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL, nil)
		if err != nil {
			p.tokenURLErr = syncerr.New(syncerr.KindAuth, fmt.Errorf("auth: build discovery request: %w", err))
			return
		}
		resp, err := p.httpClient.Do(req)
		if err != nil {
			p.tokenURLErr = syncerr.New(syncerr.KindAuth, fmt.Errorf("auth: tenant discovery probe: %w", err))
			return
		}
		defer resp.Body.Close()

		challenge := resp.Header.Get("WWW-Authenticate")
		tenant := tenantPattern.FindString(challenge)
		if tenant == "" {
			p.tokenURLErr = syncerr.New(syncerr.KindAuth, fmt.Errorf("auth: no tenant GUID found in WWW-Authenticate challenge %q", challenge))
			return
		}
		p.log.Debug("discovered tenant", zap.String("tenant", tenant))
		p.tokenURL = fmt.Sprintf(p.tokenEndpointFormat, tenant)
	})
	return p.tokenURL, p.tokenURLErr
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Error       string `json:"error"`
	ErrorDesc   string `json:"error_description"`
}

// exchangeToken performs the OAuth2 client-credentials POST (spec.md
// §6).
func (p *Provider) exchangeToken(ctx context.Context, tokenURL string) (string, int, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {p.creds.ClientID},
		"client_secret": {p.creds.ClientSecret},
		"scope":         {p.creds.Scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, syncerr.New(syncerr.KindAuth, fmt.Errorf("auth: build token request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, syncerr.New(syncerr.KindAuth, fmt.Errorf("auth: token exchange request: %w", err))
	}
	defer resp.Body.Close()

	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", 0, syncerr.New(syncerr.KindAuth, fmt.Errorf("auth: decode token response: %w", err))
	}

	if resp.StatusCode != http.StatusOK || payload.AccessToken == "" {
		return "", 0, syncerr.New(syncerr.KindAuth, fmt.Errorf("auth: token exchange failed (%d): %s %s", resp.StatusCode, payload.Error, payload.ErrorDesc))
	}

	return payload.AccessToken, payload.ExpiresIn, nil
}
