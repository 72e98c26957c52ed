// Package metrics provides Prometheus metrics collection for mptpass.
//
// The package exposes metrics at /metrics on the admin listener:
//
// Passthrough Metrics:
//   - mptpass_commands_total: Passthrough commands by adapter, function and result
//   - mptpass_command_duration_seconds: Submit-to-drain latency histogram
//   - mptpass_command_timeouts_total: Commands that hit their deadline
//   - mptpass_slot_contention_total: Failed slot acquisitions by class and reason
//   - mptpass_drain_faults_total: Result buffers that could not be copied back
//
// Adapter Metrics:
//   - mptpass_recoveries_total: Recovery requests by cause
//   - mptpass_driver_commands_total: Driver commands by name and result
//   - mptpass_logdata_entries_total: Log data entries cached
//   - mptpass_adapter_available: 1 while an adapter accepts commands
//   - mptpass_pel_enabled: 1 while persistent event log monitoring is on
//
// DMA Metrics:
//   - mptpass_dma_regions: Live device regions per pool
//   - mptpass_dma_bytes_in_use: Mapped bytes per pool
//
// API Metrics:
//   - mptpass_api_requests_total: Admin API requests
//   - mptpass_api_request_duration_seconds: Admin API latency histogram
package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const resultSuccess = "success"

var (
	// CommandsTotal counts passthrough commands
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mptpass_commands_total",
			Help: "Total number of passthrough commands",
		},
		[]string{"adapter", "function", "result"},
	)

	// CommandDuration tracks passthrough command duration in seconds
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mptpass_command_duration_seconds",
			Help:    "Passthrough command duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"adapter", "function"},
	)

	// CommandTimeouts counts commands that timed out
	CommandTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mptpass_command_timeouts_total",
			Help: "Total number of timed out commands",
		},
		[]string{"adapter", "class"},
	)

	// SlotContention counts failed command slot acquisitions
	SlotContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mptpass_slot_contention_total",
			Help: "Total number of failed command slot acquisitions",
		},
		[]string{"adapter", "class", "reason"},
	)

	// DrainFaults counts result buffers that failed to copy back
	DrainFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mptpass_drain_faults_total",
			Help: "Total number of result buffers that could not be copied to the caller",
		},
		[]string{"adapter"},
	)

	// RecoveriesTotal counts recovery requests
	RecoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mptpass_recoveries_total",
			Help: "Total number of adapter recovery requests",
		},
		[]string{"adapter", "cause"},
	)

	// DriverCommandsTotal counts driver commands
	DriverCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mptpass_driver_commands_total",
			Help: "Total number of driver commands",
		},
		[]string{"adapter", "command", "result"},
	)

	// LogDataEntries counts cached log data entries
	LogDataEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mptpass_logdata_entries_total",
			Help: "Total number of log data entries cached",
		},
		[]string{"adapter"},
	)

	// AdapterAvailable tracks whether adapters accept commands
	AdapterAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mptpass_adapter_available",
			Help: "Whether the adapter accepts commands (1) or is blocked or resetting (0)",
		},
		[]string{"adapter"},
	)

	// PELEnabled tracks persistent event log monitoring
	PELEnabled = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mptpass_pel_enabled",
			Help: "Whether persistent event log monitoring is enabled",
		},
		[]string{"adapter"},
	)

	// DMARegions tracks live device regions
	DMARegions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mptpass_dma_regions",
			Help: "Number of live device-addressable regions",
		},
		[]string{"pool"},
	)

	// DMABytesInUse tracks mapped bytes
	DMABytesInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mptpass_dma_bytes_in_use",
			Help: "Bytes currently mapped for device access",
		},
		[]string{"pool"},
	)

	// APIRequestsTotal counts admin API requests
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mptpass_api_requests_total",
			Help: "Total number of admin API requests",
		},
		[]string{"method", "route", "status"},
	)

	// APIRequestDuration tracks admin API latency
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mptpass_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// FunctionLabel formats an MPI function code for use as a label.
func FunctionLabel(fn uint8) string {
	return fmt.Sprintf("0x%02x", fn)
}

// Result returns "success" for a nil error, otherwise the supplied code.
func Result(code string, err error) string {
	if err == nil {
		return resultSuccess
	}

	if code == "" {
		return "error"
	}

	return code
}

// RecordCommand records a completed passthrough invocation.
func RecordCommand(adapter string, fn uint8, result string, duration time.Duration) {
	label := FunctionLabel(fn)
	CommandsTotal.WithLabelValues(adapter, label, result).Inc()
	CommandDuration.WithLabelValues(adapter, label).Observe(duration.Seconds())
}

// RecordTimeout records a command deadline expiry.
func RecordTimeout(adapter, class string) {
	CommandTimeouts.WithLabelValues(adapter, class).Inc()
}

// RecordSlotContention records a failed slot acquisition.
func RecordSlotContention(adapter, class, reason string) {
	SlotContention.WithLabelValues(adapter, class, reason).Inc()
}

// RecordDrainFault records a result buffer that could not be copied back.
func RecordDrainFault(adapter string) {
	DrainFaults.WithLabelValues(adapter).Inc()
}

// RecordRecovery records a recovery request.
func RecordRecovery(adapter, cause string) {
	RecoveriesTotal.WithLabelValues(adapter, cause).Inc()
}

// RecordDriverCommand records a driver command.
func RecordDriverCommand(adapter, command, result string) {
	DriverCommandsTotal.WithLabelValues(adapter, command, result).Inc()
}

// RecordLogDataEntry records a cached log data entry.
func RecordLogDataEntry(adapter string) {
	LogDataEntries.WithLabelValues(adapter).Inc()
}

// SetAdapterState publishes adapter availability and PEL state.
func SetAdapterState(adapter string, available, pelEnabled bool) {
	AdapterAvailable.WithLabelValues(adapter).Set(boolGauge(available))
	PELEnabled.WithLabelValues(adapter).Set(boolGauge(pelEnabled))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}

	return 0
}

// SetDMAUsage publishes pool usage.
func SetDMAUsage(pool string, regions int, bytes int64) {
	DMARegions.WithLabelValues(pool).Set(float64(regions))
	DMABytesInUse.WithLabelValues(pool).Set(float64(bytes))
}

// RecordRequest records an admin API request.
func RecordRequest(method, route string, status int, duration time.Duration) {
	statusClass := strconv.Itoa(status/100) + "xx"
	APIRequestsTotal.WithLabelValues(method, route, statusClass).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
