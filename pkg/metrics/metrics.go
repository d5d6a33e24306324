// Package metrics exposes the Prometheus counters and gauges the Scanner
// and Session layers update. The core never starts an HTTP server
// itself — the embedding application registers this package's default
// registry with whatever /metrics exporter it wants.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScanTotal counts completed scans by outcome ("ok", "busy", "error").
	ScanTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blegw_scan_total",
		Help: "Total number of completed scans by result",
	}, []string{"result"})

	// DevicesDiscoveredTotal counts devices admitted past the cooldown
	// filter and dispatched to a worker.
	DevicesDiscoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blegw_devices_discovered_total",
		Help: "Total number of devices admitted for processing",
	})

	// SessionsTotal counts session outcomes.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blegw_sessions_total",
		Help: "Total number of device sessions by result",
	}, []string{"result"})

	// ActiveTokens mirrors the token pool's live count.
	ActiveTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blegw_active_tokens",
		Help: "Current number of held BT session tokens",
	})

	// MeasurementsTotal counts decoded measurements by kind and origin.
	MeasurementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blegw_measurements_total",
		Help: "Total number of decoded measurements by kind and origin",
	}, []string{"kind", "origin"})
)

// Result labels: ok/busy/error for scans, ok/failed/timeout for sessions.
const (
	ResultOK      = "ok"
	ResultBusy    = "busy"
	ResultError   = "error"
	ResultFailed  = "failed"
	ResultTimeout = "timeout"
)

// IncScan increments the scan counter for the given result.
func IncScan(result string) {
	ScanTotal.WithLabelValues(result).Inc()
}

// IncDevicesDiscovered increments the discovery counter.
func IncDevicesDiscovered() {
	DevicesDiscoveredTotal.Inc()
}

// IncSession increments the session counter for the given result.
func IncSession(result string) {
	SessionsTotal.WithLabelValues(result).Inc()
}

// SetActiveTokens sets the active-tokens gauge to the pool's live count.
func SetActiveTokens(n int) {
	ActiveTokens.Set(float64(n))
}

// IncMeasurement increments the measurements counter for kind/origin.
func IncMeasurement(kind, origin string) {
	MeasurementsTotal.WithLabelValues(kind, origin).Inc()
}
