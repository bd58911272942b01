// Package app assembles a running airlock instance from configuration:
// the detection engine, the mapping and cache stores, the upstream
// transport, the audit trail, the compliance registry, the request
// pipeline and finally the HTTP handler on top of them all.
//
// Construction is all-or-nothing. A config that names a missing quota
// file or an unloadable preset fails New instead of booting a proxy
// that silently skips the feature.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eugener/airlock/internal/audit"
	"github.com/eugener/airlock/internal/auth"
	"github.com/eugener/airlock/internal/cache"
	"github.com/eugener/airlock/internal/circuitbreaker"
	"github.com/eugener/airlock/internal/compliance"
	"github.com/eugener/airlock/internal/config"
	"github.com/eugener/airlock/internal/deanonymize"
	"github.com/eugener/airlock/internal/mapping"
	"github.com/eugener/airlock/internal/pipeline"
	"github.com/eugener/airlock/internal/quota"
	"github.com/eugener/airlock/internal/secrets"
	"github.com/eugener/airlock/internal/server"
	"github.com/eugener/airlock/internal/telemetry"
	"github.com/eugener/airlock/internal/tokencount"
	"github.com/eugener/airlock/internal/upstream"
	"github.com/eugener/airlock/internal/worker"
)

// lookasideEntries bounds the small in-process cache the admin API uses
// for expensive audit summaries.
const lookasideEntries = 128

// App owns every collaborator of one proxy instance and the order they
// shut down in.
type App struct {
	handler http.Handler
	runner  *worker.Runner

	upstream   *upstream.Client
	auditStore audit.Store
	traceStop  func(context.Context) error
	log        *slog.Logger
}

// New builds the full proxy from cfg. ctx must outlive the app: OAuth
// token refresh and DNS re-resolution inherit it, so cancelling it
// stops them.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	// Detection and restoration.
	engine, err := buildEngine(cfg, log)
	if err != nil {
		return nil, err
	}
	deanon := deanonymize.New(log)
	mappings := mapping.NewStore(cfg.Mapping.TTL, log)

	var scanner *secrets.Scanner
	if cfg.Secrets.Enabled {
		scanner = secrets.NewScanner(log)
	}

	var respCache *cache.ResponseCache
	if cfg.Cache.Enabled {
		respCache = cache.NewResponseCache(cfg.Cache.MaxEntries, cfg.Cache.TTL, log)
	}

	tracker := quota.NewTracker(log)
	if err := tracker.SetLimits(cfg.Quota.Default, cfg.Quota.Tenants); err != nil {
		return nil, err
	}
	if cfg.Quota.Path != "" {
		if err := tracker.LoadFile(cfg.Quota.Path); err != nil {
			return nil, err
		}
	}

	up := buildUpstream(ctx, cfg)
	breaker := circuitbreaker.NewBreaker(circuitbreaker.Config{
		ErrorThreshold: cfg.Breaker.ErrorThreshold,
		MinSamples:     cfg.Breaker.MinSamples,
		WindowSeconds:  cfg.Breaker.WindowSeconds,
		OpenTimeout:    cfg.Breaker.OpenTimeout,
	})

	// Audit trail. The logger decouples request latency from store
	// writes; nil auditor means nothing is recorded anywhere.
	var (
		store   audit.Store
		auditor *audit.Logger
	)
	if cfg.Audit.Enabled {
		store, err = buildAuditStore(cfg, log)
		if err != nil {
			return nil, err
		}
		auditor = audit.NewLogger(store, log)
		auditor.SetFlush(cfg.Audit.BatchSize, cfg.Audit.FlushInterval)
	}

	// Identity: keys from config, tenants from tenants.yaml when present.
	keys, err := auth.NewKeyManager()
	if err != nil {
		closeStore(store, log)
		return nil, err
	}
	tenants, err := auth.LoadTenants(cfg.Auth.TenantsPath)
	if err != nil {
		closeStore(store, log)
		return nil, err
	}
	// Per-minute buckets come from the tenant records; parse them now so a
	// typo'd rate fails the boot instead of silently unlimiting the tenant.
	rateLimits := quota.NewRegistry()
	for _, t := range tenants.List("") {
		if _, err := quota.LimitsFromTenant(t); err != nil {
			closeStore(store, log)
			return nil, err
		}
	}
	if err := config.Seed(cfg, keys, tenants, log); err != nil {
		closeStore(store, log)
		return nil, err
	}
	authn := auth.New(keys, tenants, auth.Config{
		MultiTenant:       cfg.Auth.MultiTenant,
		AllowHeaderTenant: cfg.Auth.AllowHeaderTenant,
		DefaultTenant:     cfg.Auth.DefaultTenant,
	}, log)

	registry, err := compliance.NewRegistry(engine, mappings, auditor, cfg.Compliance.Dir, log)
	if err != nil {
		closeStore(store, log)
		return nil, err
	}
	if cfg.Compliance.Preset != "" {
		if _, err := registry.Activate(ctx, cfg.Compliance.Preset, compliance.SourceEnv); err != nil {
			closeStore(store, log)
			return nil, err
		}
	}

	// Observability.
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	var traceStop func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		traceStop, err = telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			closeStore(store, log)
			return nil, err
		}
	}

	counter := tokencount.NewCounter()
	pipe, err := pipeline.New(pipeline.Deps{
		Engine:       engine,
		Deanonymizer: deanon,
		Mappings:     mappings,
		Secrets:      scanner,
		Cache:        respCache,
		Quota:        tracker,
		Upstream:     up,
		Breaker:      breaker,
		Counter:      counter,
		Audit:        auditor,
		Metrics:      metrics,
		Notices:      registry,
		Logger:       log,
	}, pipeline.Config{
		InjectNotice:   cfg.Anonymize.InjectNotice,
		NoticeTemplate: cfg.Anonymize.NoticeTemplate,
	})
	if err != nil {
		closeStore(store, log)
		return nil, err
	}

	// Background maintenance.
	var workers []worker.Worker
	if auditor != nil {
		workers = append(workers, auditor)
	}
	workers = append(workers, worker.NewMappingReaper(mappings, metrics, cfg.Mapping.ReapInterval, log))
	if respCache != nil {
		workers = append(workers, worker.NewCacheJanitor(respCache, cfg.Cache.SweepInterval, log))
	}
	if store != nil {
		policy := retentionPolicy{presets: registry, fallback: retentionDays(cfg.Audit.RetentionDays)}
		workers = append(workers, worker.NewAuditRetention(store, policy, 0, log))
	}
	workers = append(workers, worker.NewQuotaSnapshot(tracker, rateLimits, 0, log))

	var lookaside cache.Cache
	if store != nil {
		mem, err := cache.NewMemory(lookasideEntries, 30*time.Second)
		if err != nil {
			closeStore(store, log)
			return nil, err
		}
		lookaside = mem
	}

	handler := server.New(server.Deps{
		Auth:         authn,
		Chat:         pipe,
		Engine:       engine,
		Deanonymizer: deanon,
		Tenants:      tenants,
		Keys:         keys,
		Quota:        tracker,
		RateLimits:   rateLimits,
		Counter:      counter,
		Mappings:     mappings,
		Cache:        respCache,
		Lookaside:    lookaside,
		AuditStore:   store,
		Audit:        auditor,
		Compliance:   registry,
		Breaker:      breaker,

		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		ReadyCheck:     readyCheck(store),
		Models:         cfg.Upstream.Models,
		UpstreamName:   cfg.Upstream.Name,

		SecureEndpoints: cfg.Server.SecureEndpoints,
		Logger:          log,
	})

	return &App{
		handler:    handler,
		runner:     worker.NewRunner(workers...),
		upstream:   up,
		auditStore: store,
		traceStop:  traceStop,
		log:        log,
	}, nil
}

// Handler returns the fully wired HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// RunWorkers starts the background workers and blocks until ctx is
// cancelled and every worker has drained.
func (a *App) RunWorkers(ctx context.Context) error {
	return a.runner.Run(ctx)
}

// Close releases everything New acquired: pooled upstream connections,
// the audit store and the trace exporter. Call it after the HTTP server
// and the workers have stopped so nothing writes to a closed store.
func (a *App) Close(ctx context.Context) error {
	a.upstream.Close()

	var errs []error
	if a.auditStore != nil {
		if err := a.auditStore.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.traceStop != nil {
		if err := a.traceStop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// readyCheck exposes audit store health to the readiness probe. Stores
// without a ping (memory, file) report ready as long as they exist.
func readyCheck(store audit.Store) server.ReadyChecker {
	p, ok := store.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	return p.Ping
}

// closeStore releases the audit store on a failed boot. Errors are logged
// and swallowed: the boot error that got us here is the one to surface.
func closeStore(store audit.Store, log *slog.Logger) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		log.Warn("closing audit store after failed boot", "error", err)
	}
}
