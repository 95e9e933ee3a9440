package prometheus

import (
	"time"

	"github.com/hivebot/botfleet/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	HttpRequestsTotal   prometheus.CounterVec
	HttpRequestDuration prometheus.HistogramVec

	// Authentication metrics
	AuthAttemptsCounter prometheus.Counter
	AuthSuccessCounter  prometheus.Counter
	AuthErrorsCounter   prometheus.Counter

	// Bot lifecycle metrics
	BotOperationsCounter prometheus.CounterVec
	BotsByStateGauge     prometheus.GaugeVec
	BotStartFailures     prometheus.Counter
	CircuitBreakerTrips  prometheus.Counter

	// Reconciliation metrics
	ReconcileOutcomeCounter prometheus.CounterVec

	// Command dispatch metrics
	CommandDispatchCounter prometheus.CounterVec
	CommandFailureCounter  prometheus.Counter

	// Health sweep metrics
	HealthSweepDuration prometheus.Histogram
	HealthProbeFailures prometheus.Counter

	// Database operation metrics
	DbOperationDuration prometheus.HistogramVec

	initialized bool
)

// InitMetrics initializes Prometheus metrics with configuration
func InitMetrics(config *config.Config) {
	if initialized {
		return
	}
	initialized = true

	// Use metric prefix from configuration
	prefix := config.Metrics.Prefix

	// HTTP request metrics
	HttpRequestsTotal = *promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HttpRequestDuration = *promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// Authentication metrics
	AuthAttemptsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
	)

	AuthSuccessCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_auth_success_total",
			Help: "Total number of successful authentications",
		},
	)

	AuthErrorsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_auth_errors_total",
			Help: "Total number of authentication errors",
		},
	)

	// Bot lifecycle metrics
	BotOperationsCounter = *promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_bot_operations_total",
			Help: "Total number of bot lifecycle operations by type and result",
		},
		[]string{"operation", "result"},
	)

	BotsByStateGauge = *promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "_bots_by_state",
			Help: "Current number of bots per lifecycle state on this server",
		},
		[]string{"state"},
	)

	BotStartFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_bot_start_failures_total",
			Help: "Total number of failed bot start attempts",
		},
	)

	CircuitBreakerTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_bot_circuit_breaker_trips_total",
			Help: "Total number of bots excluded from automatic restart",
		},
	)

	// Reconciliation metrics
	ReconcileOutcomeCounter = *promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_reconcile_outcomes_total",
			Help: "Total number of reconciliation requests by terminal outcome",
		},
		[]string{"outcome"},
	)

	// Command dispatch metrics
	CommandDispatchCounter = *promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_command_dispatches_total",
			Help: "Total number of command dispatches by command name",
		},
		[]string{"command"},
	)

	CommandFailureCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_command_failures_total",
			Help: "Total number of command handler failures",
		},
	)

	// Health sweep metrics
	HealthSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    prefix + "_health_sweep_duration_seconds",
			Help:    "Duration of the periodic bot health-check sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	HealthProbeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_health_probe_failures_total",
			Help: "Total number of failed bot liveness probes",
		},
	)

	// Database operation metrics
	DbOperationDuration = *promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_db_operation_duration_seconds",
			Help:    "Duration of database operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
}

// RecordBotOperation increments the bot operation counter
func RecordBotOperation(operation, result string) {
	if !initialized {
		return
	}
	BotOperationsCounter.WithLabelValues(operation, result).Inc()
}

// RecordReconcileOutcome increments the reconciliation outcome counter
func RecordReconcileOutcome(outcome string) {
	if !initialized {
		return
	}
	ReconcileOutcomeCounter.WithLabelValues(outcome).Inc()
}

// RecordCommandDispatch increments the per-command dispatch counter
func RecordCommandDispatch(command string) {
	if !initialized {
		return
	}
	CommandDispatchCounter.WithLabelValues(command).Inc()
}

// RecordCommandFailure increments the command failure counter
func RecordCommandFailure() {
	if !initialized {
		return
	}
	CommandFailureCounter.Inc()
}

// RecordStartFailure increments the failed start counter
func RecordStartFailure() {
	if !initialized {
		return
	}
	BotStartFailures.Inc()
}

// RecordBreakerTrip increments the circuit breaker trip counter
func RecordBreakerTrip() {
	if !initialized {
		return
	}
	CircuitBreakerTrips.Inc()
}

// ObserveHealthSweep records the duration of one health-check sweep
func ObserveHealthSweep(d time.Duration) {
	if !initialized {
		return
	}
	HealthSweepDuration.Observe(d.Seconds())
}

// RecordHealthProbeFailure increments the failed liveness probe counter
func RecordHealthProbeFailure() {
	if !initialized {
		return
	}
	HealthProbeFailures.Inc()
}

// SetBotsByState sets the per-state bot gauge
func SetBotsByState(state string, count float64) {
	if !initialized {
		return
	}
	BotsByStateGauge.WithLabelValues(state).Set(count)
}

// TrackDBOperation returns a function that records the duration of a
// database operation when called, suitable for deferring.
func TrackDBOperation(operation string) func(time.Time) {
	return func(start time.Time) {
		if !initialized {
			return
		}
		DbOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
