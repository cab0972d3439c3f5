package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_commands_total",
			Help: "Admin commands by name and outcome.",
		},
		[]string{"command", "status"},
	)

	commandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_command_duration_seconds",
			Help:    "Admin command handling latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)
)

// RecordCommand reports one handled admin command.
func RecordCommand(command, status string, elapsed time.Duration) {
	commandsTotal.WithLabelValues(command, status).Inc()
	commandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}
