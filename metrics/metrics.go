// Package metrics provides Prometheus instrumentation for the callguard
// reliability core. All metric collectors are registered via the Init
// function and exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BreakerState reports the current circuit breaker state by name
	// (0 = closed, 1 = open, 2 = half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "callguard_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"breaker"},
	)

	// BreakerStateChanges counts state transitions by breaker name.
	BreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callguard_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)

	// BreakerRejections counts fail-fast rejections while a breaker is open.
	BreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callguard_breaker_rejections_total",
			Help: "Total calls rejected by an open circuit breaker",
		},
		[]string{"breaker"},
	)

	// LimiterRate reports the adaptive rate limiter's effective rate in
	// calls per second.
	LimiterRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "callguard_limiter_calls_per_second",
			Help: "Effective rate limiter throughput in calls per second",
		},
	)

	// LimiterAdjustments counts adaptive rate changes by direction.
	LimiterAdjustments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callguard_limiter_adjustments_total",
			Help: "Total adaptive rate limiter adjustments",
		},
		[]string{"direction"},
	)

	// LimiterTimeouts counts Acquire calls that gave up before a token
	// became available.
	LimiterTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callguard_limiter_timeouts_total",
			Help: "Total rate limiter acquisitions that timed out",
		},
	)

	// RetryAttempts counts retry attempts (not first attempts).
	RetryAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callguard_retry_attempts_total",
			Help: "Total retry attempts after a failed first call",
		},
	)

	// BatchItems counts processed batch items by outcome.
	BatchItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callguard_batch_items_total",
			Help: "Total batch items processed",
		},
		[]string{"outcome"},
	)

	// ProbeHealthy reports the last observed status per health probe
	// (1 = healthy, 0 = unhealthy).
	ProbeHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "callguard_probe_healthy",
			Help: "Last health probe result (1=healthy, 0=unhealthy)",
		},
		[]string{"probe"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before serving traffic.
func Init() {
	prometheus.MustRegister(
		BreakerState,
		BreakerStateChanges,
		BreakerRejections,
		LimiterRate,
		LimiterAdjustments,
		LimiterTimeouts,
		RetryAttempts,
		BatchItems,
		ProbeHealthy,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
