// Package metrics provides the core metrics collection functionality: the
// scheduler that talks to the power strip and the rendering of its readings
// as Prometheus metrics.
package metrics

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wjam/p304m-prometheus-exporter/pkg/device"
)

// Scraper produces snapshots. *Scheduler implements it.
type Scraper interface {
	Scrape(ctx context.Context) (Result, error)
}

// Collector renders scrape results into the exported gauges.
type Collector struct {
	scraper Scraper
	tracker *OutletMetricsTracker

	mu        sync.Mutex
	lastStrip string
	lastInfo  [2]string
	rendered  *device.Snapshot
}

// NewCollector creates a new metrics collector backed by scraper.
func NewCollector(scraper Scraper) *Collector {
	return &Collector{
		scraper: scraper,
		tracker: NewOutletMetricsTracker(),
	}
}

// UpdateMetrics scrapes the device and renders the result. When the scrape
// fails the last known good snapshot stays exported and is marked stale; the
// scrape error is returned.
func (c *Collector) UpdateMetrics(ctx context.Context) error {
	result, err := c.scraper.Scrape(ctx)
	c.Render(result)
	return err
}

// Render exports result's snapshot. A nil snapshot leaves the outlet gauges
// untouched, and a result older than the one already exported is dropped.
func (c *Collector) Render(result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := result.Snapshot
	if s != nil && c.rendered != nil && s.CollectedAt.Before(c.rendered.CollectedAt) {
		slog.Debug("dropping out of order scrape result",
			"collected_at", s.CollectedAt, "rendered", c.rendered.CollectedAt)
		return
	}

	SnapshotStale.Set(boolToFloat64(result.Stale))

	if s == nil || s == c.rendered {
		return
	}

	stripID := s.Identity.DeviceID.String()
	if c.lastStrip != "" && c.lastStrip != stripID {
		slog.Info("device identity changed, removing old series", "old", c.lastStrip, "new", stripID)
		CleanupStripMetrics(c.lastStrip)
	}
	c.lastStrip = stripID

	info := [2]string{s.Identity.Model, s.Identity.Firmware}
	if info != c.lastInfo {
		DeviceInfo.DeletePartialMatch(prometheus.Labels{"power_strip_id": stripID})
		c.lastInfo = info
	}
	DeviceInfo.WithLabelValues(stripID, s.Identity.Model, s.Identity.Firmware).Set(1)

	seen := make(map[outletKey]struct{}, len(s.Outlets))
	for _, o := range s.Outlets {
		key := outletKey{stripID: stripID, position: o.Index.String()}
		labels := outletLabels{
			deviceID: o.DeviceID.String(),
			nickname: o.Nickname.String(),
			hasOn:    o.On != nil,
		}
		c.tracker.MarkOutletActive(key, labels)

		PowerUseWatts.WithLabelValues(stripID, labels.deviceID, labels.nickname, key.position).Set(o.Watts)
		if o.On != nil {
			OutletOn.WithLabelValues(stripID, labels.deviceID, key.position).Set(boolToFloat64(*o.On))
		}
		seen[key] = struct{}{}
	}

	if removed := c.tracker.CleanupRemovedOutlets(seen); removed > 0 {
		slog.Debug("removed series of missing outlets", "count", removed)
	}

	OutletCount.Set(float64(len(s.Outlets)))
	c.rendered = s
}

// boolToFloat64 converts a boolean to float64 for Prometheus metrics.
func boolToFloat64(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}
