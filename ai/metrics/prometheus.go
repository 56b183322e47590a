// Package metrics provides Prometheus metrics for the orchestration core.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter exposes counters for the gateway, orchestrator, memory engine, and
// provider layer on a private registry.
type Exporter struct {
	registry *prometheus.Registry

	// Gateway metrics
	requestLatency *prometheus.HistogramVec
	requestsTotal  *prometheus.CounterVec
	requestsActive prometheus.Gauge
	rateLimited    *prometheus.CounterVec

	// Orchestrator metrics
	queueDrops     *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	participations *prometheus.CounterVec
	observations   *prometheus.CounterVec

	// Provider metrics
	providerLatency *prometheus.HistogramVec
	providerErrors  *prometheus.CounterVec
	providerTokens  *prometheus.CounterVec

	// Memory metrics
	memoryVectors   *prometheus.GaugeVec
	memoryConflicts *prometheus.CounterVec
	memorySaves     *prometheus.CounterVec

	// Cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	mu sync.RWMutex
}

// Config configures the exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default exporter configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

// NewExporter creates a new metrics exporter.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.requestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aviary",
			Subsystem: "gateway",
			Name:      "request_latency_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"path", "method"},
	)

	e.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aviary",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	e.requestsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "aviary",
			Subsystem: "gateway",
			Name:      "requests_active",
			Help:      "Number of in-flight HTTP requests",
		},
	)

	e.rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aviary",
			Subsystem: "gateway",
			Name:      "rate_limited_total",
			Help:      "Total number of rate-limited requests",
		},
		[]string{"path"},
	)

	e.queueDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aviary",
			Subsystem: "orchestrator",
			Name:      "queue_drops_total",
			Help:      "Messages dropped because a channel queue was full",
		},
		[]string{"bot", "channel"},
	)

	e.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "aviary",
			Subsystem: "orchestrator",
			Name:      "queue_depth",
			Help:      "Pending messages per (bot, channel) queue",
		},
		[]string{"bot", "channel"},
	)

	e.participations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aviary",
			Subsystem: "orchestrator",
			Name:      "participations_total",
			Help:      "Bot participation decisions by outcome",
		},
		[]string{"bot", "outcome"},
	)

	e.observations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aviary",
			Subsystem: "orchestrator",
			Name:      "observations_total",
			Help:      "Observation tasks by terminal state",
		},
		[]string{"bot", "state"},
	)

	e.providerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aviary",
			Subsystem: "provider",
			Name:      "latency_seconds",
			Help:      "LLM request latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"provider", "model"},
	)

	e.providerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aviary",
			Subsystem: "provider",
			Name:      "errors_total",
			Help:      "LLM request failures by error code",
		},
		[]string{"provider", "code"},
	)

	e.providerTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aviary",
			Subsystem: "provider",
			Name:      "tokens_total",
			Help:      "Total LLM tokens consumed",
		},
		[]string{"provider", "model", "token_type"},
	)

	e.memoryVectors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "aviary",
			Subsystem: "memory",
			Name:      "vectors",
			Help:      "Stored memory vectors by lifecycle type",
		},
		[]string{"type"},
	)

	e.memoryConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aviary",
			Subsystem: "memory",
			Name:      "conflicts_total",
			Help:      "Memory conflicts by resolution",
		},
		[]string{"resolution"},
	)

	e.memorySaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aviary",
			Subsystem: "memory",
			Name:      "saves_total",
			Help:      "Snapshot save attempts by result",
		},
		[]string{"result"},
	)

	e.cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aviary",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	e.cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aviary",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	registry.MustRegister(
		e.requestLatency,
		e.requestsTotal,
		e.requestsActive,
		e.rateLimited,
		e.queueDrops,
		e.queueDepth,
		e.participations,
		e.observations,
		e.providerLatency,
		e.providerErrors,
		e.providerTokens,
		e.memoryVectors,
		e.memoryConflicts,
		e.memorySaves,
		e.cacheHits,
		e.cacheMisses,
	)

	return e
}

// RecordRequest records one finished HTTP request.
func (e *Exporter) RecordRequest(path, method string, status int, latency time.Duration) {
	e.requestsTotal.WithLabelValues(path, method, statusClass(status)).Inc()
	e.requestLatency.WithLabelValues(path, method).Observe(latency.Seconds())
}

// RequestStarted marks a request in flight; the returned func marks it done.
func (e *Exporter) RequestStarted() func() {
	e.requestsActive.Inc()
	return e.requestsActive.Dec
}

// RecordRateLimited records a 429 rejection.
func (e *Exporter) RecordRateLimited(path string) {
	e.rateLimited.WithLabelValues(path).Inc()
}

// RecordQueueDrop records a message dropped by back-pressure.
func (e *Exporter) RecordQueueDrop(bot, channel string) {
	e.queueDrops.WithLabelValues(bot, channel).Inc()
}

// SetQueueDepth records the pending queue depth for a (bot, channel).
func (e *Exporter) SetQueueDepth(bot, channel string, depth int) {
	e.queueDepth.WithLabelValues(bot, channel).Set(float64(depth))
}

// RecordParticipation records a participation outcome
// (participated, declined, topic_unchanged, aborted).
func (e *Exporter) RecordParticipation(bot, outcome string) {
	e.participations.WithLabelValues(bot, outcome).Inc()
}

// RecordObservation records an observation task terminal state
// (fired, cancelled, suppressed).
func (e *Exporter) RecordObservation(bot, state string) {
	e.observations.WithLabelValues(bot, state).Inc()
}

// RecordProviderCall records one LLM call.
func (e *Exporter) RecordProviderCall(provider, model string, latency time.Duration) {
	e.providerLatency.WithLabelValues(provider, model).Observe(latency.Seconds())
}

// RecordProviderError records a failed LLM call by error code.
func (e *Exporter) RecordProviderError(provider, code string) {
	e.providerErrors.WithLabelValues(provider, code).Inc()
}

// RecordProviderTokens records token usage for an LLM call.
func (e *Exporter) RecordProviderTokens(provider, model, tokenType string, count int) {
	e.providerTokens.WithLabelValues(provider, model, tokenType).Add(float64(count))
}

// SetMemoryVectors records the stored vector count for a lifecycle type.
func (e *Exporter) SetMemoryVectors(memoryType string, count int) {
	e.memoryVectors.WithLabelValues(memoryType).Set(float64(count))
}

// RecordMemoryConflict records a conflict resolution
// (coexist, deprecated, replaced, explicit_wins).
func (e *Exporter) RecordMemoryConflict(resolution string) {
	e.memoryConflicts.WithLabelValues(resolution).Inc()
}

// RecordMemorySave records a snapshot save attempt (ok, error, collapsed).
func (e *Exporter) RecordMemorySave(res string) {
	e.memorySaves.WithLabelValues(res).Inc()
}

// RecordCacheHit records a cache hit.
func (e *Exporter) RecordCacheHit(cacheType string) {
	e.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (e *Exporter) RecordCacheMiss(cacheType string) {
	e.cacheMisses.WithLabelValues(cacheType).Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry returns the private registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Summary gathers a compact map of metric family name to sample count,
// embedded in the /health payload.
func (e *Exporter) Summary() map[string]int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	summary := make(map[string]int)
	families, err := e.registry.Gather()
	if err != nil {
		return summary
	}
	for _, mf := range families {
		summary[mf.GetName()] = len(mf.GetMetric())
	}
	return summary
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
