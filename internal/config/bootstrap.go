package config

import (
	"errors"
	"log/slog"
	"os"

	airlock "github.com/eugener/airlock/internal"
	"github.com/eugener/airlock/internal/auth"
)

// DefaultPath is the config file loaded from the working directory when
// neither the -config flag nor PII_AIRLOCK_CONFIG names one.
const DefaultPath = "airlock.yaml"

// Locate resolves the config file path: the explicit flag value, then
// PII_AIRLOCK_CONFIG, then ./airlock.yaml when it exists. An empty result
// means run on defaults and environment overrides alone.
func Locate(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

// Seed registers pre-provisioned API keys from the config file so a fresh
// install can authenticate before any management API call is made. Every
// seeded key also gets an active tenant record, otherwise the key would
// validate and then fail tenant resolution. Keys already present are
// skipped, making Seed safe to run on every boot.
func Seed(cfg *Config, keys *auth.KeyManager, tenants *auth.Registry, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	for _, k := range cfg.Auth.Keys {
		if k.Key == "" {
			continue
		}
		tenant := k.Tenant
		if tenant == "" {
			if seg, ok := airlock.TenantFromKey(k.Key); ok {
				tenant = seg
			} else {
				tenant = cfg.Auth.DefaultTenant
			}
		}
		if tenants != nil {
			tenants.Ensure(tenant)
		}
		key, err := keys.Register(k.Key, auth.CreateKeyOpts{
			TenantID: tenant,
			Name:     k.Name,
			Scopes:   k.Scopes,
		})
		if errors.Is(err, airlock.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		log.Info("seeded api key", "name", k.Name, "tenant", tenant, "prefix", key.KeyPrefix)
	}
	return nil
}
