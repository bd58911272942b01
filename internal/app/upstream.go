package app

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/dnscache"

	"github.com/eugener/airlock/internal/config"
	"github.com/eugener/airlock/internal/upstream"
)

// dnsRefreshInterval is how often cached DNS entries for the upstream
// host are re-resolved.
const dnsRefreshInterval = 5 * time.Minute

// buildUpstream assembles the upstream HTTP client: pooled transport
// over cached DNS, wrapped in a credential RoundTripper. OAuth client
// credentials win over a static API key when both are configured.
func buildUpstream(ctx context.Context, cfg *config.Config) *upstream.Client {
	resolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(dnsRefreshInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				resolver.Refresh(true)
			}
		}
	}()

	var rt http.RoundTripper = upstream.NewTransport(resolver)
	switch {
	case cfg.Upstream.OAuth != nil:
		o := cfg.Upstream.OAuth
		rt = upstream.NewOAuthTransport(ctx, rt, o.TokenURL, o.ClientID, o.ClientSecret, o.Scopes)
	case cfg.Upstream.APIKey != "":
		prefix := cfg.Upstream.AuthPrefix
		if cfg.Upstream.AuthHeader == "" && prefix == "" {
			prefix = "Bearer "
		}
		rt = &upstream.KeyTransport{
			Key:    cfg.Upstream.APIKey,
			Header: cfg.Upstream.AuthHeader,
			Prefix: prefix,
			Base:   rt,
		}
	}

	timeout := cfg.Upstream.Timeout
	if timeout <= 0 {
		timeout = upstream.DefaultTimeout
	}
	client := &http.Client{Transport: rt, Timeout: timeout}
	return upstream.New(cfg.Upstream.Name, cfg.Upstream.BaseURL, client)
}
