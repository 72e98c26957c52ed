package shutdown

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for shutdown monitoring.
var (
	// shutdownDuration tracks the total shutdown duration.
	shutdownDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mptpass_shutdown_duration_seconds",
		Help: "Total duration of the shutdown process in seconds",
	})

	// shutdownPhase tracks the current shutdown phase.
	shutdownPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mptpass_shutdown_phase",
		Help: "Current shutdown phase (1 = active, 0 = inactive)",
	}, []string{"phase"})

	// shutdownErrors tracks errors during shutdown.
	shutdownErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mptpass_shutdown_errors_total",
		Help: "Total number of errors during shutdown",
	})
)

var allPhases = []Phase{
	PhaseNone,
	PhaseHTTP,
	PhaseAdapters,
	PhaseStorage,
	PhaseComplete,
}

// SetShutdownDuration sets the shutdown duration metric.
func SetShutdownDuration(d time.Duration) {
	shutdownDuration.Set(d.Seconds())
}

// SetShutdownPhase marks phase as the active one.
func SetShutdownPhase(phase Phase) {
	for _, p := range allPhases {
		v := 0.0
		if p == phase {
			v = 1
		}

		shutdownPhase.WithLabelValues(string(p)).Set(v)
	}
}

// IncrementShutdownErrors counts a shutdown error.
func IncrementShutdownErrors() {
	shutdownErrors.Inc()
}
