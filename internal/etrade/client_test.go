package etrade

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/etrade-adapter/internal/httpclient"
	"github.com/Checker-Finance/etrade-adapter/internal/oauth"
	"github.com/Checker-Finance/etrade-adapter/pkg/model"
)

// mockTransport is an http.RoundTripper that delegates to a handler function.
type mockTransport struct {
	fn func(*http.Request) (*http.Response, error)
}

func (m *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.fn(req)
}

// brokerResponse builds a fake *http.Response with a form-encoded body.
func brokerResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode: statusCode,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}},
	}
}

func newClientWithTransport(fn func(*http.Request) (*http.Response, error)) *Client {
	httpClient := &http.Client{Transport: &mockTransport{fn: fn}}
	return NewClient(zap.NewNop(), "https://api.test.broker",
		"https://auth.test.broker/authorize", oauth.NewSigner(), httpClient, 1, nil)
}

// ─── Request token leg ────────────────────────────────────

func TestRequestToken_ParsesFormResponse(t *testing.T) {
	c := newClientWithTransport(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodGet, req.Method)
		assert.Equal(t, "/oauth/request_token", req.URL.Path)

		authz := req.Header.Get("Authorization")
		assert.True(t, strings.HasPrefix(authz, "OAuth "))
		assert.Contains(t, authz, `oauth_callback="oob"`)
		assert.Contains(t, authz, `oauth_consumer_key="ck"`)
		assert.Contains(t, authz, "oauth_signature=")
		assert.NotContains(t, authz, "oauth_token=", "request leg must not carry a token")

		return brokerResponse(http.StatusOK, "oauth_token=rt1&oauth_token_secret=rs1"), nil
	})

	tok, sec, err := c.RequestToken(context.Background(), "ck", "cs")
	require.NoError(t, err)
	assert.Equal(t, "rt1", tok)
	assert.Equal(t, "rs1", sec)
}

func TestRequestToken_MissingFieldsRejected(t *testing.T) {
	c := newClientWithTransport(func(*http.Request) (*http.Response, error) {
		return brokerResponse(http.StatusOK, "oauth_token=rt1"), nil
	})

	_, _, err := c.RequestToken(context.Background(), "ck", "cs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oauth_token fields")
}

// ─── Access token leg ─────────────────────────────────────

func TestAccessToken_CarriesVerifierAndRequestToken(t *testing.T) {
	c := newClientWithTransport(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "/oauth/access_token", req.URL.Path)

		authz := req.Header.Get("Authorization")
		assert.Contains(t, authz, `oauth_verifier="12345"`)
		assert.Contains(t, authz, `oauth_token="rt1"`)

		return brokerResponse(http.StatusOK, "oauth_token=at1&oauth_token_secret=as1"), nil
	})

	tok, sec, err := c.AccessToken(context.Background(), "ck", "cs", "rt1", "rs1", "12345")
	require.NoError(t, err)
	assert.Equal(t, "at1", tok)
	assert.Equal(t, "as1", sec)
}

func TestAccessToken_BrokerRejectionIsAuthError(t *testing.T) {
	c := newClientWithTransport(func(*http.Request) (*http.Response, error) {
		return brokerResponse(http.StatusUnauthorized, "oauth_problem=permission_denied"), nil
	})

	_, _, err := c.AccessToken(context.Background(), "ck", "cs", "rt1", "rs1", "bad-pin")
	var authErr *httpclient.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.Status)
}

// ─── Probe ────────────────────────────────────────────────

func TestProbe_SignsWithAccessToken(t *testing.T) {
	c := newClientWithTransport(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "/v1/accounts/list", req.URL.Path)
		assert.Contains(t, req.Header.Get("Authorization"), `oauth_token="at1"`)
		return brokerResponse(http.StatusOK, "{}"), nil
	})

	rec := &model.TokenRecord{
		Environment:       model.Production,
		ConsumerKey:       "ck",
		ConsumerSecret:    "cs",
		AccessToken:       "at1",
		AccessTokenSecret: "as1",
	}
	require.NoError(t, c.Probe(context.Background(), rec))
}

func TestProbe_AuthRejectionSurfaces(t *testing.T) {
	c := newClientWithTransport(func(*http.Request) (*http.Response, error) {
		return brokerResponse(http.StatusForbidden, ""), nil
	})

	rec := &model.TokenRecord{ConsumerKey: "ck", AccessToken: "at1"}
	err := c.Probe(context.Background(), rec)
	var authErr *httpclient.AuthError
	require.ErrorAs(t, err, &authErr)
}

// ─── Retry behavior ───────────────────────────────────────

func TestRequestToken_RetriesServerErrorWithFreshNonce(t *testing.T) {
	var nonces []string
	calls := 0
	c := newClientWithTransport(func(req *http.Request) (*http.Response, error) {
		calls++
		authz := req.Header.Get("Authorization")
		for _, part := range strings.Split(authz, ", ") {
			if strings.HasPrefix(part, "oauth_nonce=") {
				nonces = append(nonces, part)
			}
		}
		if calls == 1 {
			return brokerResponse(http.StatusBadGateway, ""), nil
		}
		return brokerResponse(http.StatusOK, "oauth_token=rt1&oauth_token_secret=rs1"), nil
	})

	_, _, err := c.RequestToken(context.Background(), "ck", "cs")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, nonces, 2)
	assert.NotEqual(t, nonces[0], nonces[1], "each attempt must be signed with a fresh nonce")
}

// ─── Authorization URL ────────────────────────────────────

func TestAuthorizeURL_CarriesKeyAndToken(t *testing.T) {
	c := newClientWithTransport(nil)
	u := c.AuthorizeURL("ck", "rt1")
	assert.Equal(t, "https://auth.test.broker/authorize?key=ck&token=rt1", u)
}
