package reddit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/haasonsaas/scout/internal/faults"
)

// tokenSafetyWindow is subtracted from the provider's expiry so a token
// is never presented moments before it dies mid-request.
const tokenSafetyWindow = 60 * time.Second

// fallbackTokenTTL applies when the token endpoint omits expires_in.
const fallbackTokenTTL = time.Hour

// accessToken returns the cached bearer token, refreshing it when the
// cache is empty or inside the safety window. The mutex makes refreshes
// single-flight: callers racing a refresh block on the lock and then
// find the fresh token on the re-check.
func (c *Client) accessToken(ctx context.Context) (string, *faults.Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expiry) {
		return c.token, nil
	}

	// The oauth2 transport is injected via context so the token exchange
	// uses the same timeout and the User-Agent Reddit requires.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.tokenHTTP)

	var tok *oauth2.Token
	op := func() error {
		t, err := c.creds.Token(ctx)
		if err != nil {
			var retrieveErr *oauth2.RetrieveError
			if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
				switch retrieveErr.Response.StatusCode {
				case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
					// Bad credentials never get better on retry.
					return backoff.Permanent(err)
				}
			}
			return err
		}
		tok = t
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(c.tokenBackoff(), ctx)); err != nil {
		fault := tokenFault(err)
		c.logger.Warn("token refresh failed", "kind", fault.Kind, "status", fault.Status)
		return "", fault
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(fallbackTokenTTL)
	}
	c.token = tok.AccessToken
	c.expiry = expiry.Add(-tokenSafetyWindow)

	c.logger.Debug("token refreshed", "expires", c.expiry)
	return c.token, nil
}

// invalidateToken drops the cached token so the next call refreshes.
// Called when the API rejects a token the cache still considered live.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.expiry = time.Time{}
	c.mu.Unlock()
}

// tokenFault classifies a token-endpoint failure, preferring the HTTP
// status when the oauth2 library surfaced one.
func tokenFault(err error) *faults.Fault {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		status := retrieveErr.Response.StatusCode
		return faults.FromStatus(status,
			fmt.Sprintf("reddit token endpoint returned %d: %s", status, trimBody(retrieveErr.Body))).WithCause(err)
	}
	return faults.Classify(err)
}

// defaultTokenBackoff is the production retry profile for the token
// endpoint. Token fetches gate every other call, so give them a little
// more patience than a regular request.
func defaultTokenBackoff() backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	expo.MaxElapsedTime = 15 * time.Second
	return expo
}

// userAgentTransport stamps Reddit's required User-Agent onto every
// request, including the oauth2 token exchange.
type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.agent)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

// newTokenConfig builds the client-credentials exchange for Reddit's
// token endpoint. Reddit wants the id/secret as HTTP basic auth.
func newTokenConfig(clientID, clientSecret, tokenURL string) *clientcredentials.Config {
	return &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
}
