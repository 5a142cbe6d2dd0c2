// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures request latency in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// ActiveConnections tracks current active connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Number of active connections",
		},
	)

	// DecisionsTotal counts admission decisions by deciding scope.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchgate_decisions_total",
			Help: "Total number of admission decisions",
		},
		[]string{"limit_type", "allowed"},
	)

	// DecisionDuration measures end-to-end decision latency.
	DecisionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "searchgate_decision_duration_seconds",
			Help:    "Admission decision duration in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
	)

	// FailOpenTotal counts scope checks that failed and were treated as allowed.
	FailOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchgate_fail_open_total",
			Help: "Total number of scope checks that failed open",
		},
		[]string{"scope"},
	)

	// StoreDuration measures store round trips by operation.
	StoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "searchgate_store_duration_seconds",
			Help:    "Store operation duration in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		},
		[]string{"operation"},
	)

	// BlockedTotal counts requests rejected by the block list.
	BlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchgate_blocked_total",
			Help: "Total number of requests rejected by a temporary block",
		},
		[]string{"type"},
	)

	// UsageDroppedTotal counts usage events dropped because the queue was full.
	UsageDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "searchgate_usage_dropped_total",
			Help: "Total number of usage events dropped",
		},
	)

	// LoadAdjustedTotal counts decisions made with scaled-down limits.
	LoadAdjustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "searchgate_load_adjusted_total",
			Help: "Total number of decisions evaluated under load-adjusted limits",
		},
	)

	// IdentityLookupsTotal counts identity resolutions by outcome.
	IdentityLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "searchgate_identity_lookups_total",
			Help: "Total number of credential resolutions by outcome",
		},
		[]string{"source", "outcome"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records an HTTP request metric.
func RecordRequest(method, path string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDecision records an admission decision.
func RecordDecision(limitType string, allowed bool, duration time.Duration) {
	DecisionsTotal.WithLabelValues(limitType, strconv.FormatBool(allowed)).Inc()
	DecisionDuration.Observe(duration.Seconds())
}

// RecordFailOpen records a scope that failed open.
func RecordFailOpen(scope string) {
	FailOpenTotal.WithLabelValues(scope).Inc()
}

// RecordStoreOp records a store round trip.
func RecordStoreOp(operation string, duration time.Duration) {
	StoreDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBlocked records a request rejected by a block.
func RecordBlocked(blockType string) {
	BlockedTotal.WithLabelValues(blockType).Inc()
}

// RecordUsageDropped records a dropped usage event.
func RecordUsageDropped() {
	UsageDroppedTotal.Inc()
}

// RecordLoadAdjusted records a load-adjusted decision.
func RecordLoadAdjusted() {
	LoadAdjustedTotal.Inc()
}

// RecordIdentityLookup records a credential resolution.
func RecordIdentityLookup(source, outcome string) {
	IdentityLookupsTotal.WithLabelValues(source, outcome).Inc()
}
