package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig names the variable that points at the config file when the
// -config flag is absent.
const EnvConfig = "PII_AIRLOCK_CONFIG"

// strategyTypes are the entity types with a dedicated strategy override
// variable, e.g. PII_AIRLOCK_STRATEGY_EMAIL=hash.
var strategyTypes = []string{"PERSON", "PHONE", "EMAIL", "CREDIT_CARD", "ID_CARD", "IP"}

// applyEnv layers PII_AIRLOCK_* variables over c. Environment wins over
// file values so a container can be tuned without editing YAML.
func applyEnv(c *Config) error {
	err := errors.Join(
		envBool("PII_AIRLOCK_SECURE_ENDPOINTS", &c.Server.SecureEndpoints),
		envBool("PII_AIRLOCK_MULTI_TENANT_ENABLED", &c.Auth.MultiTenant),
		envBool("PII_AIRLOCK_ALLOW_HEADER_TENANT", &c.Auth.AllowHeaderTenant),
		envString("PII_AIRLOCK_DEFAULT_TENANT", &c.Auth.DefaultTenant),
		envString("PII_AIRLOCK_TENANT_CONFIG_PATH", &c.Auth.TenantsPath),
		envBool("PII_AIRLOCK_CACHE_ENABLED", &c.Cache.Enabled),
		envSeconds("PII_AIRLOCK_CACHE_TTL", &c.Cache.TTL),
		envInt("PII_AIRLOCK_CACHE_MAX_SIZE", &c.Cache.MaxEntries),
		envString("PII_AIRLOCK_QUOTA_CONFIG_PATH", &c.Quota.Path),
		envString("PII_AIRLOCK_ALLOWLISTS_DIR", &c.Anonymize.AllowlistsDir),
		envList("PII_AIRLOCK_QUESTION_FAVORING_TYPES", &c.Anonymize.FavoringTypes),
		envBool("PII_AIRLOCK_AUDIT_ENABLED", &c.Audit.Enabled),
		envString("PII_AIRLOCK_AUDIT_STORE", &c.Audit.Store),
		envString("PII_AIRLOCK_AUDIT_PATH", &c.Audit.Path),
		envString("PII_AIRLOCK_AUDIT_DB_PATH", &c.Audit.DBPath),
		envInt("PII_AIRLOCK_AUDIT_BATCH_SIZE", &c.Audit.BatchSize),
		envMillis("PII_AIRLOCK_AUDIT_FLUSH_INTERVAL_MS", &c.Audit.FlushInterval),
		envInt("PII_AIRLOCK_AUDIT_RETENTION_DAYS", &c.Audit.RetentionDays),
		envString("PII_AIRLOCK_COMPLIANCE_PRESET", &c.Compliance.Preset),
		envString("PII_AIRLOCK_COMPLIANCE_DIR", &c.Compliance.Dir),
	)
	if err != nil {
		return err
	}

	for _, typ := range strategyTypes {
		v, ok := os.LookupEnv("PII_AIRLOCK_STRATEGY_" + typ)
		if !ok || v == "" {
			continue
		}
		if c.Anonymize.Strategies == nil {
			c.Anonymize.Strategies = make(map[string]string, len(strategyTypes))
		}
		c.Anonymize.Strategies[typ] = v
	}
	return nil
}

func envString(name string, dst *string) error {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
	return nil
}

func envBool(name string, dst *bool) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = b
	return nil
}

func envInt(name string, dst *int) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

func envSeconds(name string, dst *time.Duration) error {
	var n int
	if err := envInt(name, &n); err != nil {
		return err
	}
	if n != 0 {
		*dst = time.Duration(n) * time.Second
	}
	return nil
}

func envMillis(name string, dst *time.Duration) error {
	var n int
	if err := envInt(name, &n); err != nil {
		return err
	}
	if n != 0 {
		*dst = time.Duration(n) * time.Millisecond
	}
	return nil
}

func envList(name string, dst *[]string) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
	return nil
}
