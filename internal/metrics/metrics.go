// ABOUTME: Metrics interfaces for the relay gateway with Noop and Prometheus backends
// ABOUTME: Covers dispatch, correlation, rate limiting and the HTTP surface

package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the dispatcher and message flow.
type Metrics interface {
	IncDispatched(eventType string)
	IncResolved()
	IncDropped(reason string)
	IncRateLimitRejected(tenant string)
	IncFeedGapDetected()
}

// HTTPMetrics captures request metrics for the gateway surface.
type HTTPMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncDispatched(string)        {}
func (Noop) IncResolved()                {}
func (Noop) IncDropped(string)           {}
func (Noop) IncRateLimitRejected(string) {}
func (Noop) IncFeedGapDetected()         {}

// NoopHTTP implements HTTPMetrics without emitting anything.
type NoopHTTP struct{}

func (NoopHTTP) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus counters.
type Prom struct {
	dispatched        *prometheus.CounterVec
	resolved          prometheus.Counter
	dropped           *prometheus.CounterVec
	rateLimitRejected *prometheus.CounterVec
	feedGaps          prometheus.Counter
	once              sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Feed events dispatched to subscribers by event type",
		}, []string{"event_type"}),
		resolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_resolved_total",
			Help:      "Synchronous requests resolved by a correlated reply",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped by reason (slow_subscriber, malformed)",
		}, []string{"reason"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejected_total",
			Help:      "Messages rejected by the usage limiter per tenant",
		}, []string{"tenant"}),
		feedGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_gaps_detected_total",
			Help:      "Times a committed feed position was found trimmed away",
		}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.dispatched, p.resolved, p.dropped, p.rateLimitRejected, p.feedGaps)
	})
}

func (p *Prom) IncDispatched(eventType string) {
	p.dispatched.WithLabelValues(eventType).Inc()
}

func (p *Prom) IncResolved() {
	p.resolved.Inc()
}

func (p *Prom) IncDropped(reason string) {
	p.dropped.WithLabelValues(reason).Inc()
}

func (p *Prom) IncRateLimitRejected(tenant string) {
	p.rateLimitRejected.WithLabelValues(tenant).Inc()
}

func (p *Prom) IncFeedGapDetected() {
	p.feedGaps.Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- HTTP metrics ---

type httpProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewHTTPProm constructs an HTTPMetrics with counters and histograms.
func NewHTTPProm(namespace string) HTTPMetrics {
	h := &httpProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	h.once.Do(func() {
		prometheus.MustRegister(h.requests, h.latency)
	})
	return h
}

func (h *httpProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	h.requests.WithLabelValues(method, route, status).Inc()
	h.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
