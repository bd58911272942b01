// Package config handles YAML configuration loading with environment
// variable expansion, PII_AIRLOCK_* overrides and boot-time validation.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	airlock "github.com/eugener/airlock/internal"
	"github.com/eugener/airlock/internal/anonymize"
	"github.com/eugener/airlock/internal/quota"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Anonymize  AnonymizeConfig  `yaml:"anonymize"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Mapping    MappingConfig    `yaml:"mapping"`
	Cache      CacheConfig      `yaml:"cache"`
	Quota      QuotaConfig      `yaml:"quota"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Audit      AuditConfig      `yaml:"audit"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// SecureEndpoints gates /metrics, the management API and the test API
	// behind key auth. On by default; only disable in a trusted network.
	SecureEndpoints bool `yaml:"secure_endpoints"`
}

// AuthConfig holds tenant resolution settings and pre-provisioned keys.
type AuthConfig struct {
	MultiTenant       bool       `yaml:"multi_tenant"`
	AllowHeaderTenant bool       `yaml:"allow_header_tenant"`
	DefaultTenant     string     `yaml:"default_tenant"`
	TenantsPath       string     `yaml:"tenants_path"` // tenants.yaml, optional
	Keys              []KeyEntry `yaml:"keys"`
}

// KeyEntry is an API key seed in the config file. The plaintext is hashed
// at boot and never persisted.
type KeyEntry struct {
	Name   string   `yaml:"name"`
	Key    string   `yaml:"key"`
	Tenant string   `yaml:"tenant"` // defaults to the key's tenant segment
	Scopes []string `yaml:"scopes"`
}

// AnonymizeConfig controls detection and placeholder behavior.
type AnonymizeConfig struct {
	// Strategies maps entity type names to strategy names, overriding the
	// built-in table (PERSON/PHONE/EMAIL placeholder, the rest mask).
	Strategies    map[string]string `yaml:"strategies"`
	AllowlistsDir string            `yaml:"allowlists_dir"`
	// FavoringTypes are preserved, not anonymized, when the message is a
	// question about the entity itself.
	FavoringTypes  []string `yaml:"favoring_types"`
	InjectNotice   bool     `yaml:"inject_notice"`
	NoticeTemplate string   `yaml:"notice_template"`
}

// SecretsConfig controls the credential scanner.
type SecretsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MappingConfig holds placeholder mapping store settings.
type MappingConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// CacheConfig holds response cache settings. Disabled by default: cached
// bodies hold anonymized text and correctness depends on deterministic
// placeholder ordering, so operators opt in deliberately.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxEntries    int           `yaml:"max_entries"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// QuotaConfig holds per-tenant budget limits, inline or from a separate
// quotas.yaml. A file at Path replaces the inline tables.
type QuotaConfig struct {
	Path    string                   `yaml:"path"`
	Default []quota.Limit            `yaml:"default"`
	Tenants map[string][]quota.Limit `yaml:"tenants"`
}

// UpstreamConfig identifies the LLM API behind the proxy.
type UpstreamConfig struct {
	Name       string        `yaml:"name"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	AuthHeader string        `yaml:"auth_header"` // default Authorization
	AuthPrefix string        `yaml:"auth_prefix"` // default "Bearer "
	Timeout    time.Duration `yaml:"timeout"`
	Models     []string      `yaml:"models"` // aliases merged into /v1/models
	OAuth      *OAuthEntry   `yaml:"oauth"`  // client-credentials grant instead of a static key
}

// OAuthEntry configures the OAuth2 client-credentials transport.
type OAuthEntry struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// BreakerConfig holds circuit breaker thresholds for the upstream.
type BreakerConfig struct {
	ErrorThreshold float64       `yaml:"error_threshold"`
	MinSamples     int           `yaml:"min_samples"`
	WindowSeconds  int           `yaml:"window_seconds"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Store         string        `yaml:"store"`    // memory, file or database
	Path          string        `yaml:"path"`     // file store directory
	Rotation      string        `yaml:"rotation"` // daily, weekly or monthly
	DBPath        string        `yaml:"db_path"`  // database store sqlite file
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetentionDays int           `yaml:"retention_days"`
}

// ComplianceConfig holds preset settings.
type ComplianceConfig struct {
	Dir    string `yaml:"dir"`    // preset directory overriding the embedded set
	Preset string `yaml:"preset"` // activated at boot when set
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// Default returns a Config with every default applied. YAML and
// environment overrides are layered on top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			SecureEndpoints: true,
		},
		Auth: AuthConfig{
			DefaultTenant: airlock.DefaultTenantID,
		},
		Anonymize: AnonymizeConfig{
			FavoringTypes: []string{"PERSON", "ORGANIZATION", "LOCATION"},
			InjectNotice:  true,
		},
		Secrets: SecretsConfig{
			Enabled: true,
		},
		Mapping: MappingConfig{
			TTL:          5 * time.Minute,
			ReapInterval: time.Minute,
		},
		Cache: CacheConfig{
			Enabled:       false,
			MaxEntries:    1000,
			TTL:           5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Upstream: UpstreamConfig{
			Name:    "openai",
			BaseURL: "https://api.openai.com/v1",
			Timeout: 120 * time.Second,
		},
		Breaker: BreakerConfig{
			ErrorThreshold: 0.30,
			MinSamples:     10,
			WindowSeconds:  60,
			OpenTimeout:    30 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:       true,
			Store:         "file",
			Path:          "./logs/audit",
			Rotation:      "daily",
			DBPath:        "./audit.db",
			BatchSize:     100,
			FlushInterval: time.Second,
			RetentionDays: 365,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}

// Load reads a YAML config file, expands ${VAR} references, layers
// PII_AIRLOCK_* environment overrides on top and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config from defaults and environment overrides alone,
// for deployments that run without a config file.
func FromEnv() (*Config, error) {
	cfg := Default()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} and ${VAR:-default} patterns with environment
// values. Unset variables without a default are left intact so the
// validation error points at the real problem.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		fallback := ""
		hasFallback := false
		if i := strings.Index(name, ":-"); i >= 0 {
			name, fallback, hasFallback = name[:i], name[i+2:], true
		}
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		if hasFallback {
			return []byte(fallback)
		}
		return match
	})
}

// Validate rejects configurations that would misbehave at runtime. A typo
// in a strategy or entity type name fails here instead of silently leaking
// PII later.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", airlock.ErrValidation)
	}
	if c.Auth.DefaultTenant == "" {
		return fmt.Errorf("%w: auth.default_tenant is required", airlock.ErrValidation)
	}
	for typ, name := range c.Anonymize.Strategies {
		if !knownEntityType(typ) {
			return fmt.Errorf("%w: unknown entity type %q in anonymize.strategies", airlock.ErrValidation, typ)
		}
		if _, err := anonymize.ParseKind(name); err != nil {
			return fmt.Errorf("anonymize.strategies[%s]: %w", typ, err)
		}
	}
	for _, typ := range c.Anonymize.FavoringTypes {
		if !knownEntityType(typ) {
			return fmt.Errorf("%w: unknown entity type %q in anonymize.favoring_types", airlock.ErrValidation, typ)
		}
	}
	if c.Cache.MaxEntries < 0 || c.Cache.TTL < 0 {
		return fmt.Errorf("%w: cache bounds must be non-negative", airlock.ErrValidation)
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("%w: upstream.base_url is required", airlock.ErrValidation)
	}
	if o := c.Upstream.OAuth; o != nil && (o.TokenURL == "" || o.ClientID == "") {
		return fmt.Errorf("%w: upstream.oauth needs token_url and client_id", airlock.ErrValidation)
	}
	if c.Breaker.ErrorThreshold < 0 || c.Breaker.ErrorThreshold > 1 {
		return fmt.Errorf("%w: breaker.error_threshold must be within [0,1]", airlock.ErrValidation)
	}
	switch c.Audit.Store {
	case "memory", "file", "database":
	default:
		return fmt.Errorf("%w: audit.store must be memory, file or database, got %q", airlock.ErrValidation, c.Audit.Store)
	}
	switch c.Audit.Rotation {
	case "", "daily", "weekly", "monthly":
	default:
		return fmt.Errorf("%w: audit.rotation must be daily, weekly or monthly, got %q", airlock.ErrValidation, c.Audit.Rotation)
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("%w: audit.retention_days must be non-negative", airlock.ErrValidation)
	}
	if r := c.Telemetry.Tracing.SampleRate; r < 0 || r > 1 {
		return fmt.Errorf("%w: telemetry.tracing.sample_rate must be within [0,1]", airlock.ErrValidation)
	}
	return nil
}

func knownEntityType(name string) bool {
	for _, t := range airlock.AllEntityTypes {
		if string(t) == name {
			return true
		}
	}
	return false
}
