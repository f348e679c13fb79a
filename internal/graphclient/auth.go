package graphclient

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/localmail/m365gateway/internal/tokenstore"
)

// deviceCodePollTimeout bounds the overall device-code poll per §5's
// timeouts: 15 minutes.
const deviceCodePollTimeout = 15 * time.Minute

// EnsureToken returns a valid access token, performing whatever of
// "use cached", "proactive refresh", or "device-code login" is necessary.
// cb is invoked only if a fresh device-code login is required; it may be
// nil if the caller already knows no interactive login will be needed
// (e.g. a background refresh path).
func (c *Client) EnsureToken(ctx context.Context, cb DeviceCodeCallback) (string, error) {
	return c.getValidAccessToken(ctx, cb)
}

func (c *Client) getValidAccessToken(ctx context.Context, cb DeviceCodeCallback) (string, error) {
	bundle, ok, err := c.store.Load()
	if err != nil {
		return "", fmt.Errorf("load token bundle: %w", err)
	}
	if ok && !bundle.Expired(refreshSkew) {
		return bundle.AccessToken, nil
	}
	if ok && bundle.RefreshToken != "" {
		tok, err := c.refreshWithCoalescing(ctx, bundle.RefreshToken)
		if err == nil {
			return tok, nil
		}
		c.log.Warnf("refresh failed, falling back to device-code login: %v", err)
	}
	return c.deviceLogin(ctx, cb)
}

// forceRefresh is called after a reactive 401: it always attempts a refresh
// (even if the access token looked unexpired by our own clock skew), and
// falls back to a fresh device-code login only if there is no refresh
// token at all — a 401 with a refresh token present should never require
// interactive intervention.
func (c *Client) forceRefresh(ctx context.Context) (string, error) {
	bundle, ok, err := c.store.Load()
	if err != nil {
		return "", fmt.Errorf("load token bundle: %w", err)
	}
	if !ok || bundle.RefreshToken == "" {
		return c.deviceLogin(ctx, nil)
	}
	return c.refreshWithCoalescing(ctx, bundle.RefreshToken)
}

// refreshWithCoalescing ensures that when multiple Graph calls race into an
// expired/invalid access token at once, only one outgoing refresh request
// is made; the rest park on the in-flight channel and reload the result
// from the Token Store once it closes, per §5's single-writer discipline.
func (c *Client) refreshWithCoalescing(ctx context.Context, refreshToken string) (string, error) {
	c.mu.Lock()
	if c.refreshing != nil {
		wait := c.refreshing
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		bundle, ok, err := c.store.Load()
		if err != nil || !ok {
			return "", fmt.Errorf("reload bundle after coalesced refresh: %w", err)
		}
		return bundle.AccessToken, nil
	}
	done := make(chan struct{})
	c.refreshing = done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.refreshing = nil
		c.mu.Unlock()
		close(done)
	}()

	tokenSource := c.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := tokenSource.Token()
	if err != nil {
		return "", classify(401, "", fmt.Errorf("refresh token request: %w", err))
	}

	bundle := tokenstore.Bundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scopes:       requiredScopes,
		Account:      c.account,
	}
	if bundle.RefreshToken == "" {
		// Azure AD does not always rotate the refresh token; keep the old
		// one rather than losing it.
		bundle.RefreshToken = refreshToken
	}
	if err := c.store.Save(bundle); err != nil {
		return "", fmt.Errorf("persist refreshed bundle: %w", err)
	}
	c.log.Infof("access token refreshed for %s, expires %s", c.account, bundle.ExpiresAt.Format(time.RFC3339))
	return bundle.AccessToken, nil
}

// deviceLogin runs the OAuth2 Device Authorization Grant end to end: obtain
// a device/user code pair, surface it to cb, then poll the token endpoint
// until the user completes authentication, deviceCodePollTimeout elapses,
// or ctx is canceled.
func (c *Client) deviceLogin(ctx context.Context, cb DeviceCodeCallback) (string, error) {
	c.mu.Lock()
	if c.refreshing != nil {
		wait := c.refreshing
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		// Someone else's refresh or login finished while we waited; retry
		// from the top rather than assume it was a login and that it
		// succeeded.
		return c.getValidAccessToken(ctx, cb)
	}
	done := make(chan struct{})
	c.refreshing = done
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.refreshing = nil
		c.mu.Unlock()
		close(done)
	}()

	pollCtx, cancel := context.WithTimeout(ctx, deviceCodePollTimeout)
	defer cancel()

	da, err := c.oauthCfg.DeviceAuth(pollCtx)
	if err != nil {
		return "", classify(0, "", fmt.Errorf("start device authorization: %w", err))
	}
	if cb != nil {
		expiresIn := time.Until(da.Expiry)
		cb(da.VerificationURI, da.UserCode, expiresIn)
	}
	c.log.Infof("device login: visit %s and enter code %s", da.VerificationURI, da.UserCode)

	tok, err := c.oauthCfg.DeviceAccessToken(pollCtx, da)
	if err != nil {
		return "", classify(0, "", fmt.Errorf("poll device token endpoint: %w", err))
	}

	bundle := tokenstore.Bundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scopes:       requiredScopes,
		Account:      c.account,
	}
	if err := c.store.Save(bundle); err != nil {
		return "", fmt.Errorf("persist bundle after device login: %w", err)
	}
	c.log.Infof("device login complete for %s, expires %s", c.account, bundle.ExpiresAt.Format(time.RFC3339))
	return bundle.AccessToken, nil
}
