// Package graphclient is the Graph Client (C2): authenticated HTTPS calls
// against Microsoft Graph, OAuth2 Device Code acquisition and refresh, and
// the send/list/fetch/mark-read/delete mailbox operations. It consults the
// Token Store (C1) for credentials and classifies every outcome into the
// ok/retryable/auth/permanent scheme the Queue (C4) and protocol engines
// (C5/C6) branch on.
package graphclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/localmail/m365gateway/internal/config"
	"github.com/localmail/m365gateway/internal/metrics"
	"github.com/localmail/m365gateway/internal/mlog"
	"github.com/localmail/m365gateway/internal/tokenstore"
)

// graphBaseURL is a var, not a const, so tests can point it at an httptest
// server.
var graphBaseURL = "https://graph.microsoft.com/v1.0"

const (
	// refreshSkew is the proactive-refresh window from §4.2: refresh once
	// the access token has 5 minutes or less of remaining life.
	refreshSkew = 5 * time.Minute

	httpTimeout = 60 * time.Second
)

// requiredScopes is the fixed scope set requested for every device-code
// acquisition, carried verbatim from the data model.
var requiredScopes = []string{
	"Mail.Send",
	"Mail.Send.Shared",
	"Mail.ReadWrite",
	"Mail.ReadWrite.Shared",
	"offline_access",
}

// DeviceCodeCallback surfaces a pending device-code login to whatever
// invoked EnsureToken, mirroring the original's auth.py callback shape
// instead of writing directly to a terminal.
type DeviceCodeCallback func(verificationURI, userCode string, expiresIn time.Duration)

// Client is the Graph adapter for one upstream mailbox principal.
type Client struct {
	httpClient *http.Client
	oauthCfg   oauth2.Config
	store      *tokenstore.Store
	account    string
	log        *mlog.Logger

	mu         sync.Mutex
	refreshing chan struct{} // non-nil while a refresh/login is in flight
}

// New builds a Client for the configured tenant/client id/proxy. store must
// already be Open()'d for account (the upstream user principal).
func New(cfg *config.Snapshot, store *tokenstore.Store, log *mlog.Logger) (*Client, error) {
	// HTTPS_PROXY from the environment, when set, overrides the configured
	// proxy.
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	envProxy := os.Getenv("HTTPS_PROXY") != "" || os.Getenv("https_proxy") != ""
	if cfg.Proxy != nil && cfg.Proxy.URL != "" && !envProxy {
		proxyURL, err := url.Parse(cfg.Proxy.URL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		if cfg.Proxy.User != "" {
			proxyURL.User = url.UserPassword(cfg.Proxy.User, cfg.Proxy.Password)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	oauthCfg := oauth2.Config{
		ClientID: cfg.OAuthClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:       fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/authorize", cfg.TenantID),
			TokenURL:      fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
			DeviceAuthURL: fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/devicecode", cfg.TenantID),
		},
		Scopes: requiredScopes,
	}

	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: httpTimeout},
		oauthCfg:   oauthCfg,
		store:      store,
		account:    cfg.UpstreamUserPrincipal,
		log:        log,
	}, nil
}

// doJSON issues an authenticated Graph request and, on a 401, performs
// exactly one transparent refresh-and-retry before giving up, matching the
// "reactively on a 401 response" clause of §4.2.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, headers map[string]string) (*http.Response, error) {
	resp, err := c.doJSONOnce(ctx, method, path, body, headers)
	metrics.GraphRequests.WithLabelValues(OutcomeOf(err).String()).Inc()
	return resp, err
}

func (c *Client) doJSONOnce(ctx context.Context, method, path string, body []byte, headers map[string]string) (*http.Response, error) {
	token, err := c.getValidAccessToken(ctx, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.rawRequest(ctx, method, path, body, headers, token)
	if err != nil {
		return nil, classify(0, "", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.log.Warnf("graph returned 401 for %s %s, forcing refresh and retrying once", method, path)
		token, err = c.forceRefresh(ctx)
		if err != nil {
			return nil, err
		}
		resp, err = c.rawRequest(ctx, method, path, body, headers, token)
		if err != nil {
			return nil, classify(0, "", err)
		}
	}
	if resp.StatusCode >= 300 {
		ge := errorFromResponse(resp)
		resp.Body.Close()
		return nil, ge
	}
	return resp, nil
}

func (c *Client) rawRequest(ctx context.Context, method, path string, body []byte, headers map[string]string, token string) (*http.Response, error) {
	u := path
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = graphBaseURL + path
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.httpClient.Do(req)
}

// errorFromResponse reads and classifies a non-2xx Graph response body.
// Callers must still close resp.Body afterward.
func errorFromResponse(resp *http.Response) *graphError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body graphErrorBody
	_ = json.Unmarshal(data, &body)
	ge := classify(resp.StatusCode, body.Error.Code, nil)
	ge.msg = body.Error.Message
	if ge.msg == "" {
		ge.msg = string(data)
	}
	return ge
}
