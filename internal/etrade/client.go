// Package etrade is the HTTP client for the broker's OAuth handshake and
// keep-alive probe. It covers exactly four calls: request token, access
// token, the authorization-page URL, and one cheap authenticated GET.
package etrade

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/Checker-Finance/etrade-adapter/internal/httpclient"
	"github.com/Checker-Finance/etrade-adapter/internal/oauth"
	"github.com/Checker-Finance/etrade-adapter/internal/rate"
	"github.com/Checker-Finance/etrade-adapter/pkg/model"
)

// Client signs and executes broker calls for one environment's base URL.
type Client struct {
	logger       *zap.Logger
	baseURL      string
	authorizeURL string
	signer       *oauth.Signer
	exec         *httpclient.Executor
}

// NewClient creates a broker client. baseURL is the environment-specific
// API host; authorizeURL is the user-facing authorization page. limiter
// may be nil.
func NewClient(logger *zap.Logger, baseURL, authorizeURL string, signer *oauth.Signer, httpClient *http.Client, retryMax int, limiter *rate.Limiter) *Client {
	return &Client{
		logger:       logger,
		baseURL:      baseURL,
		authorizeURL: authorizeURL,
		signer:       signer,
		exec:         httpclient.New(logger, httpClient, retryMax, "etrade", limiter),
	}
}

// RequestToken performs the first handshake leg and returns the temporary
// credential pair. Signed with consumer credentials only.
func (c *Client) RequestToken(ctx context.Context, consumerKey, consumerSecret string) (string, string, error) {
	u := c.baseURL + requestTokenPath
	extra := url.Values{"oauth_callback": {oobCallback}}

	body, err := c.exec.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization",
			c.signer.Header(http.MethodGet, u, extra, consumerKey, consumerSecret, "", ""))
		return req, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("request token: %w", err)
	}

	tok, sec, err := parseTokenResponse(body)
	if err != nil {
		return "", "", fmt.Errorf("request token: %w", err)
	}

	c.logger.Info("etrade.request_token_issued")
	return tok, sec, nil
}

// AuthorizeURL builds the page the user must visit to approve the request
// token and receive the verifier PIN.
func (c *Client) AuthorizeURL(consumerKey, requestToken string) string {
	q := url.Values{}
	q.Set("key", consumerKey)
	q.Set("token", requestToken)
	return c.authorizeURL + "?" + q.Encode()
}

// AccessToken exchanges an authorized request token plus the user-supplied
// verifier for the daily access token pair. Signed with the request-token
// secret.
func (c *Client) AccessToken(ctx context.Context, consumerKey, consumerSecret, requestToken, requestTokenSecret, verifier string) (string, string, error) {
	u := c.baseURL + accessTokenPath
	extra := url.Values{"oauth_verifier": {verifier}}

	body, err := c.exec.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization",
			c.signer.Header(http.MethodGet, u, extra, consumerKey, consumerSecret, requestToken, requestTokenSecret))
		return req, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("access token: %w", err)
	}

	tok, sec, err := parseTokenResponse(body)
	if err != nil {
		return "", "", fmt.Errorf("access token: %w", err)
	}

	c.logger.Info("etrade.access_token_issued")
	return tok, sec, nil
}

// Probe issues the cheap authenticated GET used by the keep-alive loop to
// refresh the token's last-used time on the broker side. The response body
// is discarded; only the authenticated round trip matters.
func (c *Client) Probe(ctx context.Context, rec *model.TokenRecord) error {
	u := c.baseURL + probePath

	_, err := c.exec.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization",
			c.signer.Header(http.MethodGet, u, nil,
				rec.ConsumerKey, rec.ConsumerSecret, rec.AccessToken, rec.AccessTokenSecret))
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	return nil
}

// parseTokenResponse decodes the form-encoded oauth_token response body.
func parseTokenResponse(body []byte) (string, string, error) {
	vals, err := url.ParseQuery(string(body))
	if err != nil {
		return "", "", fmt.Errorf("malformed token response: %w", err)
	}
	tok := vals.Get("oauth_token")
	sec := vals.Get("oauth_token_secret")
	if tok == "" || sec == "" {
		return "", "", fmt.Errorf("token response missing oauth_token fields")
	}
	return tok, sec, nil
}
