// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, sensitive-field redaction, and OpenTelemetry
// tracing for chatgate.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus counters and atomic counters for fast-path
// access in the middleware hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	allowed           int64
	limited           int64
	storeErrors       int64
	failOpen          int64
	unknownIdentity   int64
	keyRotations      int64
	upstreamAttempts  int64
	upstreamFailures  int64
	upstreamRateLimit int64

	// Prometheus counters for scraping.
	promAllowed           prometheus.Counter
	promLimited           prometheus.Counter
	promStoreErrors       prometheus.Counter
	promFailOpen          prometheus.Counter
	promUnknownIdentity   prometheus.Counter
	promKeyRotations      prometheus.Counter
	promUpstreamAttempts  prometheus.Counter
	promUpstreamFailures  prometheus.Counter
	promUpstreamRateLimit prometheus.Counter

	// Per-class counters. Classes come from a small compiled-in table, so
	// the label is safe from cardinality explosions (unlike IPs).
	promClassAllowed *prometheus.CounterVec
	promClassLimited *prometheus.CounterVec

	// Prometheus histograms.
	PromRequestDuration *prometheus.HistogramVec

	// Remaining-quota distribution (histogram, not per-identity gauge —
	// avoids unbounded cardinality from IP-derived identities).
	PromRemaining prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promAllowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatgate",
			Name:      "requests_allowed_total",
			Help:      "Total number of requests admitted by the rate limiter.",
		}),
		promLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatgate",
			Name:      "requests_limited_total",
			Help:      "Total number of requests rejected by the rate limiter.",
		}),
		promStoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatgate",
			Name:      "counter_store_errors_total",
			Help:      "Total number of counter store errors encountered.",
		}),
		promFailOpen: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatgate",
			Name:      "fail_open_total",
			Help:      "Total number of requests admitted because the counter store was unavailable.",
		}),
		promUnknownIdentity: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatgate",
			Name:      "unknown_identity_total",
			Help:      "Total number of requests whose client address could not be determined.",
		}),
		promKeyRotations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatgate",
			Name:      "key_rotations_total",
			Help:      "Total number of upstream key rotations triggered by failures.",
		}),
		promUpstreamAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatgate",
			Name:      "upstream_attempts_total",
			Help:      "Total number of upstream request attempts.",
		}),
		promUpstreamFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatgate",
			Name:      "upstream_failures_total",
			Help:      "Total number of failed upstream requests after all retries.",
		}),
		promUpstreamRateLimit: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatgate",
			Name:      "upstream_rate_limited_total",
			Help:      "Total number of upstream 429 responses.",
		}),
		promClassAllowed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatgate",
			Name:      "class_requests_allowed_total",
			Help:      "Total requests admitted per endpoint class.",
		}, []string{"class"}),
		promClassLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatgate",
			Name:      "class_requests_limited_total",
			Help:      "Total requests rejected per endpoint class.",
		}, []string{"class"}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatgate",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromRemaining: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatgate",
			Name:      "ratelimit_remaining_requests",
			Help:      "Distribution of remaining quota across admission checks.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),
	}

	return m
}

// IncAllowed increments the admitted requests counter.
func (m *Metrics) IncAllowed(class string) {
	atomic.AddInt64(&m.allowed, 1)
	m.promAllowed.Inc()
	m.promClassAllowed.WithLabelValues(class).Inc()
}

// IncLimited increments the rejected requests counter.
func (m *Metrics) IncLimited(class string) {
	atomic.AddInt64(&m.limited, 1)
	m.promLimited.Inc()
	m.promClassLimited.WithLabelValues(class).Inc()
}

// IncStoreErrors increments the counter store error counter.
func (m *Metrics) IncStoreErrors() {
	atomic.AddInt64(&m.storeErrors, 1)
	m.promStoreErrors.Inc()
}

// IncFailOpen increments the fail-open admission counter.
func (m *Metrics) IncFailOpen() {
	atomic.AddInt64(&m.failOpen, 1)
	m.promFailOpen.Inc()
}

// IncUnknownIdentity increments the unattributed-request counter.
func (m *Metrics) IncUnknownIdentity() {
	atomic.AddInt64(&m.unknownIdentity, 1)
	m.promUnknownIdentity.Inc()
}

// IncKeyRotations increments the key rotation counter.
func (m *Metrics) IncKeyRotations() {
	atomic.AddInt64(&m.keyRotations, 1)
	m.promKeyRotations.Inc()
}

// IncUpstreamAttempts increments the upstream attempt counter.
func (m *Metrics) IncUpstreamAttempts() {
	atomic.AddInt64(&m.upstreamAttempts, 1)
	m.promUpstreamAttempts.Inc()
}

// IncUpstreamFailures increments the upstream failure counter.
func (m *Metrics) IncUpstreamFailures() {
	atomic.AddInt64(&m.upstreamFailures, 1)
	m.promUpstreamFailures.Inc()
}

// IncUpstreamRateLimited increments the upstream 429 counter.
func (m *Metrics) IncUpstreamRateLimited() {
	atomic.AddInt64(&m.upstreamRateLimit, 1)
	m.promUpstreamRateLimit.Inc()
}

// ObserveRemaining records remaining quota as a histogram observation.
func (m *Metrics) ObserveRemaining(remaining int64) {
	m.PromRemaining.Observe(float64(remaining))
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Allowed           int64
	Limited           int64
	StoreErrors       int64
	FailOpen          int64
	UnknownIdentity   int64
	KeyRotations      int64
	UpstreamAttempts  int64
	UpstreamFailures  int64
	UpstreamRateLimit int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Allowed:           atomic.LoadInt64(&m.allowed),
		Limited:           atomic.LoadInt64(&m.limited),
		StoreErrors:       atomic.LoadInt64(&m.storeErrors),
		FailOpen:          atomic.LoadInt64(&m.failOpen),
		UnknownIdentity:   atomic.LoadInt64(&m.unknownIdentity),
		KeyRotations:      atomic.LoadInt64(&m.keyRotations),
		UpstreamAttempts:  atomic.LoadInt64(&m.upstreamAttempts),
		UpstreamFailures:  atomic.LoadInt64(&m.upstreamFailures),
		UpstreamRateLimit: atomic.LoadInt64(&m.upstreamRateLimit),
	}
}
