package upstream

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// KeyTransport injects a static API key header on every outbound request.
// Header is the header to set (defaults to "Authorization"); Prefix is
// prepended to Key (e.g. "Bearer ").
type KeyTransport struct {
	Key    string
	Header string
	Prefix string
	Base   http.RoundTripper
}

// RoundTrip clones the request and sets the credential header.
func (t *KeyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	header := t.Header
	if header == "" {
		header = "Authorization"
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set(header, t.Prefix+t.Key)
	return t.base().RoundTrip(r2)
}

func (t *KeyTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// OAuthTransport injects a bearer token obtained via the OAuth2 client
// credentials grant. Tokens are cached and refreshed by the source.
type OAuthTransport struct {
	source oauth2.TokenSource
	base   http.RoundTripper
}

// NewOAuthTransport builds a client-credentials token source against
// tokenURL and wraps base with bearer injection. ctx scopes the token
// refresh HTTP calls.
func NewOAuthTransport(ctx context.Context, base http.RoundTripper, tokenURL, clientID, clientSecret string, scopes []string) *OAuthTransport {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return &OAuthTransport{
		source: oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx)),
		base:   base,
	}
}

// newOAuthTransportFromSource wires an explicit token source, for tests.
func newOAuthTransportFromSource(base http.RoundTripper, ts oauth2.TokenSource) *OAuthTransport {
	return &OAuthTransport{source: oauth2.ReuseTokenSource(nil, ts), base: base}
}

// RoundTrip obtains a token and injects it as a Bearer header.
func (t *OAuthTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, err
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return t.getBase().RoundTrip(r2)
}

func (t *OAuthTransport) getBase() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}
