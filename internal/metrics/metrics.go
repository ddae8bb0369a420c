// Package metrics registers the Prometheus collectors exposed by an
// obs-treed instance. Grounded on ap.watchd/metrics.go's
// package-level-vars-plus-MustRegister-plus-promhttp.Handler idiom.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts every request resolved through a Provider,
	// labeled by the Provider's name and outcome ("ok", "address_error",
	// "value_error", "other_error").
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obstree_requests_total",
			Help: "Number of requests resolved, by component and outcome.",
		},
		[]string{"component", "outcome"})

	// CacheLookups counts cache hits, misses that became a refresh, and
	// misses that coalesced onto an in-flight refresh.
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obstree_cache_lookups_total",
			Help: "Number of cache lookups, by result.",
		},
		[]string{"cache", "result"})

	// GateDecisions counts admit/deny outcomes at the access gate.
	GateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obstree_gate_decisions_total",
			Help: "Number of gate admission decisions, by result.",
		},
		[]string{"gate", "result"})

	// AdapterLatency tracks upstream HTTP call duration by adapter and device kind.
	AdapterLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "obstree_adapter_http_seconds",
			Help: "Upstream HTTP call duration in seconds, by adapter and device kind.",
		},
		[]string{"adapter", "kind"})

	// ReservationsActive is set to 1 when a blocker grants a reservation
	// and to 0 when one is returned or broken, by blocker name. A
	// reservation that lapses by expiry does not reset it.
	ReservationsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "obstree_reservation_active",
			Help: "Whether a blocker's reservation slot is currently held.",
		},
		[]string{"blocker"})
)

// Init registers every collector and starts the metrics HTTP server on addr.
func Init(addr string) {
	prometheus.MustRegister(RequestsTotal, CacheLookups, GateDecisions, AdapterLatency, ReservationsActive)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(addr, mux)
}
