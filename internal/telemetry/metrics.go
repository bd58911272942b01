// Package telemetry provides observability primitives for the airlock proxy.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	PIIDetected      *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	MappingStoreSize prometheus.Gauge
	MappingExpired   prometheus.Counter
	QuotaExceeded    *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	SecretsBlocked   *prometheus.CounterVec
	AuditDropped     prometheus.Counter
	StreamChunks     prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
// Histograms carry explicit buckets for older scrapers and native
// histograms for newer ones.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pii_airlock",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "endpoint", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "pii_airlock",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			Buckets:                         []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "endpoint", "status"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pii_airlock",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		PIIDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pii_airlock",
			Name:      "pii_detected_total",
			Help:      "Total PII entities detected and anonymized.",
		}, []string{"entity_type"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "pii_airlock",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream LLM call duration in seconds.",
			Buckets:                         []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pii_airlock",
			Name:      "upstream_errors_total",
			Help:      "Total upstream LLM errors.",
		}, []string{"error_type"}),

		MappingStoreSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pii_airlock",
			Name:      "mapping_store_size",
			Help:      "Number of live placeholder mappings in the store.",
		}),

		MappingExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pii_airlock",
			Name:      "mapping_store_expired_total",
			Help:      "Total expired mappings reaped from the store.",
		}),

		QuotaExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pii_airlock",
			Name:      "quota_exceeded_total",
			Help:      "Total quota and rate limit denials.",
		}, []string{"tenant_id", "quota_type"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pii_airlock",
			Name:      "cache_hits_total",
			Help:      "Total response cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pii_airlock",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses.",
		}),

		SecretsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pii_airlock",
			Name:      "secrets_blocked_total",
			Help:      "Total requests blocked by the secret scanner.",
		}, []string{"severity"}),

		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pii_airlock",
			Name:      "audit_dropped_total",
			Help:      "Total audit events dropped due to a full queue.",
		}),

		StreamChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pii_airlock",
			Name:      "stream_chunks_total",
			Help:      "Total SSE chunks relayed to clients.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.PIIDetected,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.MappingStoreSize,
		m.MappingExpired,
		m.QuotaExceeded,
		m.CacheHits,
		m.CacheMisses,
		m.SecretsBlocked,
		m.AuditDropped,
		m.StreamChunks,
	)

	return m
}
