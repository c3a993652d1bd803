// Package telemetry exposes Prometheus counters for ledger, lease and reservation operations and a
// zap-backed ledger operation logger.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "tripledger"

// Metrics owns the collectors of one process. Each instance registers on its own registry so
// tests can build as many as they like.
type Metrics struct {
	registry            *prometheus.Registry
	ledgerOperations    *prometheus.CounterVec
	leaseOperations     *prometheus.CounterVec
	reservationOutcomes *prometheus.CounterVec
	sweepRuns           *prometheus.CounterVec
	sweepItems          *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpLatency         *prometheus.HistogramVec
}

// NewMetrics builds and registers every collector.
func NewMetrics() *Metrics {
	metrics := &Metrics{
		registry: prometheus.NewRegistry(),
		ledgerOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "ledger_operations_total",
				Help:      "Wallet ledger operations by outcome.",
			},
			[]string{"operation", "status"},
		),
		leaseOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "lease_operations_total",
				Help:      "Trip lease operations by outcome.",
			},
			[]string{"operation", "status"},
		),
		reservationOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reservation_operations_total",
				Help:      "Reservation coordinator operations by outcome.",
			},
			[]string{"operation", "status"},
		),
		sweepRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sweep_runs_total",
				Help:      "Background sweep passes by kind and outcome.",
			},
			[]string{"sweep", "status"},
		),
		sweepItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sweep_items_total",
				Help:      "Records handled by background sweeps.",
			},
			[]string{"sweep", "result"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests.",
			},
			[]string{"route", "method", "status"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "Latency of HTTP requests.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}
	metrics.registry.MustRegister(
		metrics.ledgerOperations,
		metrics.leaseOperations,
		metrics.reservationOutcomes,
		metrics.sweepRuns,
		metrics.sweepItems,
		metrics.httpRequests,
		metrics.httpLatency,
	)
	return metrics
}

// Registry exposes the underlying registry.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// Handler serves the registry in the Prometheus text format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}

// ObserveLedgerOperation counts one wallet ledger operation.
func (metrics *Metrics) ObserveLedgerOperation(operation string, status string) {
	metrics.ledgerOperations.WithLabelValues(operation, status).Inc()
}

// ObserveLeaseOperation counts one lease manager operation.
func (metrics *Metrics) ObserveLeaseOperation(operation string, status string) {
	metrics.leaseOperations.WithLabelValues(operation, status).Inc()
}

// ObserveReservationOperation counts one coordinator operation.
func (metrics *Metrics) ObserveReservationOperation(operation string, status string) {
	metrics.reservationOutcomes.WithLabelValues(operation, status).Inc()
}

// ObserveSweep counts one sweep pass and the records it handled.
func (metrics *Metrics) ObserveSweep(sweep string, processed int, failed int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.sweepRuns.WithLabelValues(sweep, status).Inc()
	metrics.sweepItems.WithLabelValues(sweep, "processed").Add(float64(processed))
	metrics.sweepItems.WithLabelValues(sweep, "failed").Add(float64(failed))
}

// ObserveHTTPRequest records one served request.
func (metrics *Metrics) ObserveHTTPRequest(route string, method string, status string, seconds float64) {
	metrics.httpRequests.WithLabelValues(route, method, status).Inc()
	metrics.httpLatency.WithLabelValues(route, method).Observe(seconds)
}
