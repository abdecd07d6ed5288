// Package telemetry exposes the service's Prometheus collectors.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opportunity_metrics"

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	storeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "Datastore failures surfaced to callers, by operation",
		},
		[]string{"op"},
	)

	degradedSectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dashboard_degraded_sections_total",
			Help:      "Dashboard sections served zeroed after a failed fetch",
		},
		[]string{"section"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Aggregate cache lookups by key family and result",
		},
		[]string{"family", "result"},
	)

	portfolioDriftTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "portfolio_drift_detected_total",
			Help:      "Portfolio reads where the stored balance disagreed with the trade ledger",
		},
	)

	portfolioDriftLast = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_drift_last_amount",
			Help:      "Absolute amount of the most recently detected balance drift",
		},
	)

	eventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Kafka events handled, by type and result",
		},
		[]string{"type", "result"},
	)

	jobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs, by job and result",
		},
		[]string{"job", "result"},
	)
)

// ObserveHTTP records one served request
func ObserveHTTP(method, route string, status int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// StoreFailure counts a datastore failure for op
func StoreFailure(op string) {
	storeFailuresTotal.WithLabelValues(op).Inc()
}

// DegradedSection counts a dashboard section served zeroed
func DegradedSection(section string) {
	degradedSectionsTotal.WithLabelValues(section).Inc()
}

// CacheLookup counts a cache hit or miss for a key family
func CacheLookup(family string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(family, result).Inc()
}

// PortfolioDrift records a detected balance drift
func PortfolioDrift(amount float64) {
	if amount < 0 {
		amount = -amount
	}
	portfolioDriftTotal.Inc()
	portfolioDriftLast.Set(amount)
}

// EventProcessed counts a consumed event
func EventProcessed(eventType, result string) {
	eventsProcessedTotal.WithLabelValues(eventType, result).Inc()
}

// JobRun counts a scheduled job run
func JobRun(job string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	jobRunsTotal.WithLabelValues(job, result).Inc()
}

// Handler serves the default registry in the Prometheus exposition format
func Handler() http.Handler {
	return promhttp.Handler()
}
