package metrics

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// outletKey identifies an outlet series across collections.
type outletKey struct {
	stripID  string
	position string
}

type outletLabels struct {
	deviceID string
	nickname string
	hasOn    bool
}

// OutletMetricsTracker remembers which outlet series are exported so that
// series for removed or relabelled outlets can be deleted.
type OutletMetricsTracker struct {
	mu    sync.RWMutex
	known map[outletKey]outletLabels
}

// NewOutletMetricsTracker creates a new instance of OutletMetricsTracker.
func NewOutletMetricsTracker() *OutletMetricsTracker {
	return &OutletMetricsTracker{
		known: make(map[outletKey]outletLabels),
	}
}

// MarkOutletActive records the labels an outlet is exported with. Series
// exported under previous labels for the same position are deleted.
func (t *OutletMetricsTracker) MarkOutletActive(key outletKey, labels outletLabels) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.known[key]; ok && prev != labels {
		slog.Debug("outlet relabelled, removing old series", "power_strip_id", key.stripID, "position", key.position)
		PowerUseWatts.DeletePartialMatch(prometheus.Labels{
			"power_strip_id": key.stripID,
			"position":       key.position,
			"device_id":      prev.deviceID,
			"nickname":       prev.nickname,
		})
		if prev.hasOn && (!labels.hasOn || prev.deviceID != labels.deviceID) {
			OutletOn.DeletePartialMatch(prometheus.Labels{
				"power_strip_id": key.stripID,
				"position":       key.position,
				"device_id":      prev.deviceID,
			})
		}
	}

	t.known[key] = labels
}

// CleanupRemovedOutlets deletes series of outlets missing from seen and
// returns how many were removed.
func (t *OutletMetricsTracker) CleanupRemovedOutlets(seen map[outletKey]struct{}) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key := range t.known {
		if _, ok := seen[key]; ok {
			continue
		}
		slog.Info("outlet no longer reported, cleaning up metrics", "power_strip_id", key.stripID, "position", key.position)
		CleanupOutletMetrics(key.stripID, key.position)
		delete(t.known, key)
		removed++
	}
	return removed
}

// Known returns the number of tracked outlets.
func (t *OutletMetricsTracker) Known() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.known)
}
