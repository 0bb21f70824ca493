// Package zonedmetrics exposes Prometheus metrics for the geofencing
// daemon. The endpoint is pull-only and binds to localhost by default;
// nothing leaves the host.
package zonedmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "zoned"
	subsystem = "geofence"
)

// Label names for zoned metrics.
const (
	labelReason  = "reason"
	labelFrom    = "from"
	labelTo      = "to"
	labelTag     = "tag"
	labelOutcome = "outcome"
	labelKind    = "kind"
)

// Collector holds all zoned Prometheus metrics.
//
// The collector satisfies the geofence.MetricsReporter interface so the
// scheduler and controller stay decoupled from Prometheus.
type Collector struct {
	// Scans counts scan attempts by failure reason; successes are counted
	// under reason="none".
	Scans *prometheus.CounterVec

	// VisibleNetworks gauges the WiFi network count of the last scan.
	VisibleNetworks prometheus.Gauge

	// VisibleBluetooth gauges the Bluetooth device count of the last scan.
	VisibleBluetooth prometheus.Gauge

	// MatchScore gauges the winning score of the last match (0 when
	// Unknown).
	MatchScore prometheus.Gauge

	// Transitions counts zone transitions labeled from/to.
	Transitions *prometheus.CounterVec

	// CurrentZone carries the occupied zone name as a label with value 1.
	CurrentZone *prometheus.GaugeVec

	// ScanInterval gauges the adaptive scan interval in seconds.
	ScanInterval prometheus.Gauge

	// ActionSteps counts executed action steps labeled tag/outcome.
	ActionSteps *prometheus.CounterVec

	// IPCRequests counts IPC requests by kind.
	IPCRequests *prometheus.CounterVec

	// currentZoneName remembers the last zone label so the gauge can be
	// cleared on transition.
	currentZoneName string
}

// NewCollector creates a Collector with all metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Scans,
		c.VisibleNetworks,
		c.VisibleBluetooth,
		c.MatchScore,
		c.Transitions,
		c.CurrentZone,
		c.ScanInterval,
		c.ActionSteps,
		c.IPCRequests,
	)

	return c
}

// newMetrics creates all metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "scans_total",
			Help:      "Total signal scans attempted, by failure reason.",
		}, []string{labelReason}),

		VisibleNetworks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "visible_wifi_networks",
			Help:      "WiFi networks observed in the most recent scan.",
		}),

		VisibleBluetooth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "visible_bluetooth_devices",
			Help:      "Bluetooth devices observed in the most recent scan.",
		}),

		MatchScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "match_score",
			Help:      "Winning zone score of the most recent match (0 when unknown).",
		}),

		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transitions_total",
			Help:      "Zone transitions, labeled with origin and destination.",
		}, []string{labelFrom, labelTo}),

		CurrentZone: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "current_zone",
			Help:      "Set to 1 for the currently occupied zone name.",
		}, []string{"zone"}),

		ScanInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "scan_interval_seconds",
			Help:      "Current adaptive scan interval.",
		}),

		ActionSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "action_steps_total",
			Help:      "Executed action steps, labeled tag and outcome.",
		}, []string{labelTag, labelOutcome}),

		IPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ipc_requests_total",
			Help:      "IPC requests served, by request kind.",
		}, []string{labelKind}),
	}
}

// -------------------------------------------------------------------------
// geofence.MetricsReporter implementation
// -------------------------------------------------------------------------

// RecordScan counts one scan attempt and updates the visibility gauges.
func (c *Collector) RecordScan(errReason string, wifiCount, btCount int) {
	if errReason == "" {
		errReason = "none"
	}
	c.Scans.WithLabelValues(errReason).Inc()
	if errReason == "none" {
		c.VisibleNetworks.Set(float64(wifiCount))
		c.VisibleBluetooth.Set(float64(btCount))
	}
}

// RecordMatch publishes the winning score.
func (c *Collector) RecordMatch(score float64, unknown bool) {
	if unknown {
		score = 0
	}
	c.MatchScore.Set(score)
}

// RecordTransition counts a transition.
func (c *Collector) RecordTransition(from, to string) {
	c.Transitions.WithLabelValues(from, to).Inc()
}

// SetCurrentZone publishes the occupied zone name. An empty name (the
// Unknown zone) clears the gauge.
func (c *Collector) SetCurrentZone(name string) {
	if c.currentZoneName != "" {
		c.CurrentZone.DeleteLabelValues(c.currentZoneName)
	}
	c.currentZoneName = name
	if name != "" {
		c.CurrentZone.WithLabelValues(name).Set(1)
	}
}

// SetScanInterval publishes the adaptive interval.
func (c *Collector) SetScanInterval(d time.Duration) {
	c.ScanInterval.Set(d.Seconds())
}

// RecordActionStep counts one executed step.
func (c *Collector) RecordActionStep(tag, outcome string) {
	c.ActionSteps.WithLabelValues(tag, outcome).Inc()
}

// RecordIPCRequest counts one served request.
func (c *Collector) RecordIPCRequest(kind string) {
	c.IPCRequests.WithLabelValues(kind).Inc()
}
