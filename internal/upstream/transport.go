// Package upstream implements the HTTP client for the OpenAI-compatible
// LLM backend the proxy forwards anonymized traffic to.
//
// This file provides the tuned transport: connection pooling sized for a
// single upstream host, cached DNS, and credential injection via
// RoundTripper decorators.
package upstream

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// Pool bounds for the shared upstream transport. The proxy talks to one
// host, so per-host limits are the effective process-wide limits.
const (
	maxConnsPerHost     = 100
	maxIdleConnsPerHost = 20
	idleConnTimeout     = 90 * time.Second
	tlsHandshakeTimeout = 5 * time.Second
)

// DefaultTimeout caps one upstream exchange end to end, including a full
// streaming response.
const DefaultTimeout = 120 * time.Second

// NewTransport returns a pooled *http.Transport for upstream calls. When
// resolver is non-nil, dials go through its DNS cache, skipping a lookup
// per connection.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxConnsPerHost:     maxConnsPerHost,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		ForceAttemptHTTP2:   true,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}
