// Package metrics exposes the worker's Prometheus collectors and the
// Record* helpers the rest of the code calls.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "meeting_worker"

// External command metrics (FFmpeg decode through local or remote executors).
var (
	// commandExecutionTotal labels: command, mode (local/remote), status (success/failed/timeout)
	commandExecutionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dependency_command_executions_total",
			Help:      "Total number of external command executions",
		},
		[]string{"command", "mode", "status"},
	)

	commandExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dependency_command_duration_seconds",
			Help:      "Duration of external command executions in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"command", "mode"},
	)

	// degradationEventsTotal counts executor mode switches, e.g. remote -> local.
	degradationEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dependency_degradation_events_total",
			Help:      "Total number of execution mode degradation events",
		},
		[]string{"from_mode", "to_mode"},
	)
)

func init() {
	prometheus.MustRegister(commandExecutionTotal)
	prometheus.MustRegister(commandExecutionDuration)
	prometheus.MustRegister(degradationEventsTotal)
}

// RecordCommandExecution counts one command execution.
func RecordCommandExecution(command, mode, status string) {
	commandExecutionTotal.WithLabelValues(command, mode, status).Inc()
}

// RecordCommandDuration observes the wall time of one command execution.
func RecordCommandDuration(command, mode string, durationSeconds float64) {
	commandExecutionDuration.WithLabelValues(command, mode).Observe(durationSeconds)
}

// RecordDegradationEvent counts a switch between execution modes.
func RecordDegradationEvent(fromMode, toMode string) {
	degradationEventsTotal.WithLabelValues(fromMode, toMode).Inc()
}
