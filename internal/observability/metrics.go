package observability

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics exposed by a Porter instance.
type Metrics struct {
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	transpileTotal    *prometheus.CounterVec
	transpileDuration *prometheus.HistogramVec
	transpileCacheHit *prometheus.CounterVec

	bundleTotal    *prometheus.CounterVec
	bundleDuration *prometheus.HistogramVec
	bundleBytes    *prometheus.HistogramVec

	resolveFailuresTotal *prometheus.CounterVec

	reloadsTotal    *prometheus.CounterVec
	reloadsInFlight prometheus.Gauge
	watchedFiles    prometheus.Gauge

	rateLimitHitsTotal *prometheus.CounterVec

	systemUptime prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics for a Porter
// instance.
func NewMetrics() *Metrics {
	m := &Metrics{
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "porter_http_requests_total",
				Help: "Total number of HTTP requests served by the asset server",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "porter_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path", "status"},
		),
		httpRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "porter_http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		transpileTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "porter_transpile_total",
				Help: "Total number of module transpilations performed",
			},
			[]string{"family", "status"},
		),
		transpileDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "porter_transpile_duration_seconds",
				Help:    "Module transpilation latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"family"},
		),
		transpileCacheHit: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "porter_transpile_cache_total",
				Help: "Total number of transpile cache lookups by outcome",
			},
			[]string{"outcome"}, // hit, miss, coalesced
		),

		bundleTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "porter_bundle_total",
				Help: "Total number of bundles built",
			},
			[]string{"format", "status"},
		),
		bundleDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "porter_bundle_duration_seconds",
				Help:    "Bundle traversal and emission latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"format"},
		),
		bundleBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "porter_bundle_size_bytes",
				Help:    "Size of emitted bundle artifacts in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
			},
			[]string{"format"},
		),

		resolveFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "porter_resolve_failures_total",
				Help: "Total number of specifiers that failed to resolve",
			},
			[]string{"reason"},
		),

		reloadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "porter_reload_total",
				Help: "Total number of module graph reloads triggered by the watcher",
			},
			[]string{"trigger"}, // fsnotify, pubsub
		),
		reloadsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "porter_reload_in_flight",
				Help: "Current number of bundles being rebuilt",
			},
		),
		watchedFiles: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "porter_watched_files",
				Help: "Current number of files under fsnotify watch",
			},
		),

		rateLimitHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "porter_rate_limit_hits_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
			[]string{"identifier"},
		),

		systemUptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "porter_uptime_seconds",
				Help: "Porter process uptime in seconds",
			},
		),
	}

	return m
}

// MetricsMiddleware returns a Fiber middleware that collects HTTP metrics.
func (m *Metrics) MetricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		m.httpRequestsInFlight.Inc()
		defer m.httpRequestsInFlight.Dec()

		path := normalizePath(c.Path())
		method := c.Method()

		err := c.Next()

		duration := time.Since(start).Seconds()
		status := statusClass(c.Response().StatusCode())

		m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)

		return err
	}
}

// RecordTranspile records the outcome of a single module transpilation.
func (m *Metrics) RecordTranspile(family string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.transpileTotal.WithLabelValues(family, status).Inc()
	m.transpileDuration.WithLabelValues(family).Observe(duration.Seconds())
}

// RecordTranspileCache records a transpile cache lookup outcome: "hit",
// "miss" or "coalesced" (a concurrent request for the same sourceHash
// piggybacked on an in-flight transpile via singleflight).
func (m *Metrics) RecordTranspileCache(outcome string) {
	m.transpileCacheHit.WithLabelValues(outcome).Inc()
}

// RecordBundle records the outcome of a bundle build.
func (m *Metrics) RecordBundle(format string, duration time.Duration, bytes int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.bundleTotal.WithLabelValues(format, status).Inc()
	m.bundleDuration.WithLabelValues(format).Observe(duration.Seconds())
	if err == nil {
		m.bundleBytes.WithLabelValues(format).Observe(float64(bytes))
	}
}

// RecordResolveFailure records a specifier that could not be resolved to
// a file, keyed by a short reason code (e.g. "not_found", "ambiguous").
func (m *Metrics) RecordResolveFailure(reason string) {
	m.resolveFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordReload records a watcher-triggered reload and whether it was
// observed directly via fsnotify or relayed from another instance over
// pub/sub.
func (m *Metrics) RecordReload(trigger string) {
	m.reloadsTotal.WithLabelValues(trigger).Inc()
}

// SetReloadsInFlight updates the gauge of bundles currently rebuilding.
func (m *Metrics) SetReloadsInFlight(n int) {
	m.reloadsInFlight.Set(float64(n))
}

// SetWatchedFiles updates the gauge of files under fsnotify watch.
func (m *Metrics) SetWatchedFiles(n int) {
	m.watchedFiles.Set(float64(n))
}

// RecordRateLimitHit records a rejected request.
func (m *Metrics) RecordRateLimitHit(identifier string) {
	m.rateLimitHitsTotal.WithLabelValues(identifier).Inc()
}

// UpdateUptime updates the process uptime metric.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.systemUptime.Set(time.Since(startTime).Seconds())
}

// Handler returns a Fiber handler that exposes Prometheus metrics.
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

// normalizePath collapses asset ids into a bounded label to avoid
// cardinality explosion, since every dependency version/path forms a
// distinct request path.
func normalizePath(path string) string {
	if len(path) > 50 {
		return "long_path"
	}
	return path
}

// statusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
