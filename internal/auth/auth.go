package auth

import (
	"context"
	"fmt"
	"log/slog"

	airlock "github.com/eugener/airlock/internal"
)

// Config controls how callers are resolved to tenants.
type Config struct {
	// MultiTenant enables tenant routing. When false every caller lands
	// in the default tenant namespace regardless of credentials.
	MultiTenant bool
	// AllowHeaderTenant accepts X-Tenant-ID without an API key. Off by
	// default because a bare header is spoofable.
	AllowHeaderTenant bool
	// DefaultTenant is the namespace for unkeyed requests.
	DefaultTenant string
}

// Authenticator resolves request credentials to an Identity. Resolution
// order: bearer key, then tenant header, then the default tenant.
type Authenticator struct {
	keys    *KeyManager
	tenants *Registry
	cfg     Config
	log     *slog.Logger
}

var _ airlock.Authenticator = (*Authenticator)(nil)

// New returns an Authenticator. The default tenant is registered in the
// registry so unkeyed requests always resolve to a real tenant record.
func New(keys *KeyManager, tenants *Registry, cfg Config, log *slog.Logger) *Authenticator {
	if cfg.DefaultTenant == "" {
		cfg.DefaultTenant = airlock.DefaultTenantID
	}
	if log == nil {
		log = slog.Default()
	}
	tenants.EnsureDefault(cfg.DefaultTenant)
	return &Authenticator{
		keys:    keys,
		tenants: tenants,
		cfg:     cfg,
		log:     log.With("component", "auth"),
	}
}

// Authenticate validates the caller's credentials and returns the
// resolved identity. bearer is the Authorization token with the scheme
// already stripped; headerTenant is the X-Tenant-ID value if any.
func (a *Authenticator) Authenticate(ctx context.Context, bearer, headerTenant, sourceIP string) (*airlock.Identity, error) {
	switch {
	case bearer != "":
		return a.fromKey(ctx, bearer, sourceIP)
	case a.cfg.MultiTenant && headerTenant != "":
		return a.fromHeader(ctx, headerTenant, sourceIP)
	default:
		return a.defaultIdentity()
	}
}

func (a *Authenticator) fromKey(ctx context.Context, bearer, sourceIP string) (*airlock.Identity, error) {
	key, err := a.keys.Validate(ctx, bearer)
	if err != nil {
		a.log.LogAttrs(ctx, slog.LevelWarn, "api key rejected",
			slog.String("key", airlock.MaskKey(bearer)),
			slog.String("source_ip", sourceIP),
			slog.String("reason", err.Error()))
		return nil, err
	}

	tenantID := key.TenantID
	if !a.cfg.MultiTenant {
		tenantID = a.cfg.DefaultTenant
	}
	tenant, ok := a.tenants.Get(tenantID)
	if !ok {
		a.log.LogAttrs(ctx, slog.LevelWarn, "tenant not found for api key",
			slog.String("key_id", key.ID),
			slog.String("tenant_id", tenantID))
		return nil, fmt.Errorf("%w: unknown tenant %q", airlock.ErrUnauthorized, tenantID)
	}
	if err := tenantUsable(tenant); err != nil {
		return nil, err
	}

	return &airlock.Identity{
		Tenant: tenantID,
		KeyID:  key.ID,
		Scopes: key.Scopes,
		Source: "key",
	}, nil
}

func (a *Authenticator) fromHeader(ctx context.Context, headerTenant, sourceIP string) (*airlock.Identity, error) {
	if !a.cfg.AllowHeaderTenant {
		a.log.LogAttrs(ctx, slog.LevelWarn, "tenant header rejected without api key",
			slog.String("tenant_id", headerTenant),
			slog.String("source_ip", sourceIP))
		return nil, fmt.Errorf("%w: api key required for tenant identification", airlock.ErrUnauthorized)
	}

	tenant, ok := a.tenants.Get(headerTenant)
	if !ok {
		a.log.LogAttrs(ctx, slog.LevelWarn, "unknown tenant in header",
			slog.String("tenant_id", headerTenant),
			slog.String("source_ip", sourceIP))
		return nil, fmt.Errorf("%w: unknown tenant %q", airlock.ErrUnauthorized, headerTenant)
	}
	if err := tenantUsable(tenant); err != nil {
		return nil, err
	}

	return &airlock.Identity{Tenant: headerTenant, Source: "header"}, nil
}

func (a *Authenticator) defaultIdentity() (*airlock.Identity, error) {
	if tenant, ok := a.tenants.Get(a.cfg.DefaultTenant); ok {
		if err := tenantUsable(tenant); err != nil {
			return nil, err
		}
	}
	return &airlock.Identity{Tenant: a.cfg.DefaultTenant, Source: "default"}, nil
}

func tenantUsable(t *airlock.Tenant) error {
	switch t.Status {
	case airlock.TenantActive:
		return nil
	case airlock.TenantSuspended:
		return fmt.Errorf("%w: tenant %s is suspended", airlock.ErrTenantDisabled, t.ID)
	default:
		return fmt.Errorf("%w: tenant %s", airlock.ErrTenantDisabled, t.ID)
	}
}
