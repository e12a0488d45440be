// Package metrics provides Prometheus metrics definitions and collection utilities.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PowerUseWatts is the current draw of each outlet.
	PowerUseWatts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tapo_p304m_power_use_watts",
			Help: "Current power use of the outlet in watts",
		},
		[]string{"power_strip_id", "device_id", "nickname", "position"},
	)

	// DeviceInfo provides static information about the strip (value=1 always present).
	DeviceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tapo_p304m_device_info",
			Help: "Static info about the power strip (value=1 always present)",
		},
		[]string{"power_strip_id", "model", "firmware_version"},
	)

	// OutletOn indicates the relay state (1=on, 0=off). Only exported when the device reports it.
	OutletOn = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tapo_p304m_outlet_on",
			Help: "Outlet relay state (1=on, 0=off)",
		},
		[]string{"power_strip_id", "device_id", "position"},
	)

	// ScrapeDuration tracks the time spent collecting from the device.
	ScrapeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "p304m_exporter_scrape_duration_seconds",
			Help:    "Time spent collecting a snapshot from the device",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	// ScrapeErrors tracks failed collections by error kind.
	ScrapeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p304m_exporter_scrape_errors_total",
			Help: "Failed collections by error kind",
		},
		[]string{"error_type"},
	)

	// DeviceRequestDuration tracks encrypted command round trips by method and outcome.
	DeviceRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "p304m_exporter_device_request_duration_seconds",
			Help:    "Device command duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)

	Handshakes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p304m_exporter_handshakes_total",
			Help: "Session handshakes by result",
		},
		[]string{"result"},
	)

	SessionDiscards = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p304m_exporter_session_discards_total",
			Help: "Sessions discarded by reason",
		},
		[]string{"reason"},
	)

	RetryAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "p304m_exporter_retry_attempts_total",
			Help: "Collections reissued on a new session after the device expired the old one",
		},
	)

	SessionAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "p304m_exporter_session_age_seconds",
			Help: "Age of the current device session (0 when there is none)",
		},
	)

	SnapshotStale = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "p304m_exporter_snapshot_stale",
			Help: "Whether the exported readings come from an earlier collection (1=stale)",
		},
	)

	LastScrapeTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "p304m_exporter_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful collection",
		},
	)

	OutletCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "p304m_exporter_outlets",
			Help: "Number of outlets in the exported snapshot",
		},
	)
)

// CleanupOutletMetrics removes all series of one outlet.
func CleanupOutletMetrics(stripID, position string) {
	labels := prometheus.Labels{"power_strip_id": stripID, "position": position}
	PowerUseWatts.DeletePartialMatch(labels)
	OutletOn.DeletePartialMatch(labels)
}

// CleanupStripMetrics removes all series of a strip.
func CleanupStripMetrics(stripID string) {
	labels := prometheus.Labels{"power_strip_id": stripID}
	PowerUseWatts.DeletePartialMatch(labels)
	OutletOn.DeletePartialMatch(labels)
	DeviceInfo.DeletePartialMatch(labels)
}
