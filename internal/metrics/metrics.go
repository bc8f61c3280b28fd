package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SweepQueueLength tracks the number of items in the sweep queue
	SweepQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tronsweep_sweep_queue_length",
		Help: "The number of sweep items currently queued",
	})

	// WorkersActive tracks the number of active sweep workers
	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tronsweep_workers_active",
		Help: "The number of workers currently active",
	})

	// SweepAttempts tracks sweep execution attempts by outcome
	SweepAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tronsweep_sweep_attempts_total",
			Help: "The total number of sweep execution attempts",
		},
		[]string{"status"}, // broadcast, confirmed, failed, held, deferred
	)

	// SweepDuration tracks time taken to execute a sweep batch
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tronsweep_batch_execution_seconds",
		Help:    "Time taken to execute a sweep batch in seconds",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	// EnergyReservations tracks allocator decisions by source and outcome
	EnergyReservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tronsweep_energy_reservations_total",
			Help: "The total number of energy reservation attempts",
		},
		[]string{"source", "status"}, // granted, denied, quota_exceeded
	)

	// EnergyAvailable tracks remaining capacity per source
	EnergyAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tronsweep_energy_available",
			Help: "Available energy units per source",
		},
		[]string{"source"},
	)

	// SourceHealth tracks energy source health (1 = healthy, 0 = unhealthy)
	SourceHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tronsweep_energy_source_health",
			Help: "Health status of energy sources (1 = healthy, 0 = unhealthy)",
		},
		[]string{"source"},
	)

	// RPCRequestsTotal tracks TRON node RPC requests by status
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tronsweep_rpc_requests_total",
			Help: "The total number of TRON node RPC requests",
		},
		[]string{"status"},
	)

	// NodeHealth tracks TRON node endpoint health
	NodeHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tronsweep_node_endpoint_health",
			Help: "Health status of TRON node endpoints (1 = healthy, 0 = unhealthy)",
		},
		[]string{"endpoint"},
	)

	// AddressesDerived tracks derived deposit addresses
	AddressesDerived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tronsweep_addresses_derived_total",
		Help: "The total number of deposit addresses derived",
	})
)

// RecordRPCRequest records a TRON node RPC request with the given status
func RecordRPCRequest(status string) {
	RPCRequestsTotal.WithLabelValues(status).Inc()
}

// RecordSweepAttempt records a sweep execution attempt outcome
func RecordSweepAttempt(status string) {
	SweepAttempts.WithLabelValues(status).Inc()
}

// RecordEnergyReservation records an allocator decision
func RecordEnergyReservation(source, status string) {
	EnergyReservations.WithLabelValues(source, status).Inc()
}

// SetEnergyAvailable sets the remaining capacity gauge for a source
func SetEnergyAvailable(source string, available float64) {
	EnergyAvailable.WithLabelValues(source).Set(available)
}

// SetSourceHealth sets the health gauge for an energy source
func SetSourceHealth(source string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	SourceHealth.WithLabelValues(source).Set(value)
}

// SetNodeHealth sets the health gauge for a TRON node endpoint
func SetNodeHealth(endpoint string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	NodeHealth.WithLabelValues(endpoint).Set(value)
}
