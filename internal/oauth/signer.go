// Package oauth implements OAuth 1.0a HMAC-SHA1 request signing as
// required by the E*TRADE API. Every authenticated broker call goes
// through Signer; it signs whatever credentials it is given and never
// validates them — a bad signature surfaces as a 401 upstream.
package oauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Signer produces OAuth 1.0a Authorization headers. nonce and now are
// injectable so signatures are deterministic under test.
type Signer struct {
	nonce func() string
	now   func() time.Time
}

// NewSigner creates a Signer with a crypto/rand nonce source and the
// system clock.
func NewSigner() *Signer {
	return &Signer{
		nonce: randomNonce,
		now:   time.Now,
	}
}

// randomNonce returns a fresh 128-bit hex nonce per call.
func randomNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Header builds the Authorization header for one request.
//
// baseURL must carry no query string; all query and body parameters go in
// extra. Protocol parameters such as oauth_callback or oauth_verifier may
// also be passed through extra and are hoisted into the header. token and
// tokenSecret are empty for the request-token leg of the handshake.
func (s *Signer) Header(method, baseURL string, extra url.Values, consumerKey, consumerSecret, token, tokenSecret string) string {
	oauthParams := map[string]string{
		"oauth_consumer_key":     consumerKey,
		"oauth_nonce":            s.nonce(),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(s.now().Unix(), 10),
		"oauth_version":          "1.0",
	}
	if token != "" {
		oauthParams["oauth_token"] = token
	}
	for k, vs := range extra {
		if strings.HasPrefix(k, "oauth_") && len(vs) > 0 {
			oauthParams[k] = vs[0]
		}
	}

	params := make([]pair, 0, len(oauthParams)+len(extra))
	for k, v := range oauthParams {
		params = append(params, pair{k, v})
	}
	for k, vs := range extra {
		if _, hoisted := oauthParams[k]; hoisted {
			continue
		}
		for _, v := range vs {
			params = append(params, pair{k, v})
		}
	}

	base := signatureBaseString(method, baseURL, params)
	oauthParams["oauth_signature"] = signBase(base, consumerSecret, tokenSecret)

	keys := make([]string, 0, len(oauthParams))
	for k := range oauthParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("OAuth ")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(percentEncode(k))
		sb.WriteString(`="`)
		sb.WriteString(percentEncode(oauthParams[k]))
		sb.WriteString(`"`)
	}
	return sb.String()
}

type pair struct{ k, v string }

// signatureBaseString assembles METHOD&URL&PARAMS with parameters
// percent-encoded then sorted by key and value in raw byte order.
func signatureBaseString(method, baseURL string, params []pair) string {
	enc := make([]pair, len(params))
	for i, p := range params {
		enc[i] = pair{percentEncode(p.k), percentEncode(p.v)}
	}
	sort.Slice(enc, func(i, j int) bool {
		if enc[i].k != enc[j].k {
			return enc[i].k < enc[j].k
		}
		return enc[i].v < enc[j].v
	})

	var sb strings.Builder
	for i, p := range enc {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(p.k)
		sb.WriteByte('=')
		sb.WriteString(p.v)
	}

	return strings.ToUpper(method) + "&" + percentEncode(baseURL) + "&" + percentEncode(sb.String())
}

// signBase computes base64(HMAC-SHA1(base)) keyed with
// consumerSecret&tokenSecret per RFC 5849 §3.4.2.
func signBase(base, consumerSecret, tokenSecret string) string {
	key := percentEncode(consumerSecret) + "&" + percentEncode(tokenSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// percentEncode applies the RFC 3986 unreserved-character rules OAuth
// requires. url.QueryEscape is not equivalent (spaces, tildes).
func percentEncode(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			sb.WriteByte(c)
		default:
			sb.WriteString(fmt.Sprintf("%%%02X", c))
		}
	}
	return sb.String()
}
