// Package metrics exposes Prometheus metrics for the gateway: request outcomes, upstream
// attempts, circuit breaker state, limiter decisions, affinity reuse, tokens and spend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "relaymux"
)

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.005, 0.0125, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.0, 3.0, 5.0, 7.5, 10.0, 15.0, 20.0,
	30.0, 60.0, 120.0, 180.0, 300.0, 600.0,
}

// =============================================================================
// Request Metrics
// =============================================================================

var (
	// ProxyRequests counts finished client requests.
	ProxyRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Total number of proxied client requests",
		},
		[]string{"format", "provider", "status_code"},
	)

	// ProxyLatency tracks end-to-end request latency.
	ProxyLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_request_latency_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"format", "provider"},
	)

	// HTTPRequestLatency tracks latency of every HTTP route, including health and metrics.
	HTTPRequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_latency_seconds",
			Help:      "HTTP handler latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"route", "status_code"},
	)
)

// =============================================================================
// Upstream Metrics
// =============================================================================

var (
	// UpstreamAttempts counts forwarding attempts by outcome.
	UpstreamAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Upstream forwarding attempts by provider and outcome",
		},
		[]string{"provider", "outcome"}, // outcome: success, http_error, transport_error
	)

	// UpstreamLatency tracks time to upstream response headers.
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Time until upstream response headers in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider"},
	)

	// Retries counts failover retries.
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries triggered after an upstream failure",
		},
		[]string{"from_provider"},
	)

	// ExhaustedRetries counts requests that ran out of providers or attempts.
	ExhaustedRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exhausted_retries_total",
			Help:      "Requests that failed after exhausting all upstream attempts",
		},
	)

	// CircuitBreakerState tracks circuit breaker status.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider_id"},
	)
)

// =============================================================================
// Selection Metrics
// =============================================================================

var (
	// Selections counts provider picks by method.
	Selections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_selections_total",
			Help:      "Provider selections by provider and selection method",
		},
		[]string{"provider", "method"},
	)

	// AffinityLookups counts conversation affinity reuse attempts.
	AffinityLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "affinity_lookups_total",
			Help:      "Conversation affinity lookups by result",
		},
		[]string{"result"}, // reused, rejected, unbound
	)
)

// =============================================================================
// Limiter Metrics
// =============================================================================

var (
	// RateLimitBlocks counts requests refused by a limiter.
	RateLimitBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_blocks_total",
			Help:      "Requests refused by a cost, concurrency or request-rate ceiling",
		},
		[]string{"entity", "limit"},
	)

	// RateLimiterBackendErrors counts limiter store failures that were failed open.
	RateLimiterBackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_backend_errors_total",
			Help:      "Limiter store errors; the request was allowed",
		},
		[]string{"operation"},
	)
)

// =============================================================================
// Usage Metrics
// =============================================================================

var (
	// Tokens counts tokens by type.
	Tokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by upstream usage blocks",
		},
		[]string{"provider", "model", "type"}, // input, output, cache_creation, cache_read
	)

	// Spend tracks billed cost.
	Spend = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_usd_total",
			Help:      "Total billed spend in USD",
		},
		[]string{"provider", "model"},
	)

	// PriceLookupMisses counts cost computations without a price table entry.
	PriceLookupMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_lookup_misses_total",
			Help:      "Price lookups that found no entry",
		},
		[]string{"stage"}, // original, redirected
	)

	// AccountingErrors counts swallowed audit or telemetry failures.
	AccountingErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accounting_errors_total",
			Help:      "Accounting failures that were logged and swallowed",
		},
		[]string{"stage"},
	)
)

// Database pool metrics
var (
	// DBConnectionPoolSize tracks the audit and price database pool.
	DBConnectionPoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connection_pool_size",
			Help:      "Database connection pool size by state",
		},
		[]string{"state"}, // active, idle, max
	)
)
