// Package cache holds the last known good device snapshot.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wjam/p304m-prometheus-exporter/pkg/device"
)

var (
	cacheHitRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "p304m_exporter_cache_hit_ratio",
		Help: "Ratio of snapshot reads that found a cached snapshot",
	})

	cacheStores = promauto.NewCounter(prometheus.CounterOpts{
		Name: "p304m_exporter_cache_stores_total",
		Help: "Number of snapshots stored after a successful collection",
	})

	cacheSnapshotOutlets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "p304m_exporter_cache_snapshot_outlets",
		Help: "Number of outlets in the cached snapshot",
	})
)

// SnapshotCache holds at most one snapshot and replaces it atomically. Readers
// never observe a partially built snapshot.
type SnapshotCache struct {
	current   atomic.Pointer[device.Snapshot]
	storedAt  atomic.Int64
	hitCount  atomic.Uint64
	missCount atomic.Uint64
	now       func() time.Time
}

// CacheStats provides statistics about cache usage.
type CacheStats struct {
	HitCount    uint64        `json:"hit_count"`
	MissCount   uint64        `json:"miss_count"`
	HitRatio    float64       `json:"hit_ratio"`
	HasSnapshot bool          `json:"has_snapshot"`
	StoredAt    time.Time     `json:"stored_at,omitempty"`
	Age         time.Duration `json:"age"` // since the snapshot was collected
	OutletCount int           `json:"outlet_count"`
}

// NewSnapshotCache creates an empty cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{now: time.Now}
}

// Store replaces the cached snapshot. Nil is ignored: the cache only ever
// moves from one complete snapshot to the next.
func (c *SnapshotCache) Store(s *device.Snapshot) {
	if s == nil {
		return
	}
	c.current.Store(s)
	c.storedAt.Store(c.now().UnixNano())
	cacheStores.Inc()
	cacheSnapshotOutlets.Set(float64(len(s.Outlets)))
}

// Get returns the cached snapshot, or nil if nothing has been stored.
func (c *SnapshotCache) Get() (*device.Snapshot, bool) {
	s := c.current.Load()
	if s == nil {
		c.missCount.Add(1)
	} else {
		c.hitCount.Add(1)
	}
	c.updateMetrics()
	return s, s != nil
}

// Peek returns the cached snapshot without touching the statistics.
func (c *SnapshotCache) Peek() *device.Snapshot {
	return c.current.Load()
}

// GetCacheStats returns current cache statistics.
func (c *SnapshotCache) GetCacheStats() CacheStats {
	hits := c.hitCount.Load()
	misses := c.missCount.Load()

	stats := CacheStats{
		HitCount:  hits,
		MissCount: misses,
	}
	if total := hits + misses; total > 0 {
		stats.HitRatio = float64(hits) / float64(total)
	}

	if s := c.current.Load(); s != nil {
		stats.HasSnapshot = true
		stats.OutletCount = len(s.Outlets)
		stats.StoredAt = time.Unix(0, c.storedAt.Load())
		stats.Age = s.Age(c.now())
	}
	return stats
}

func (c *SnapshotCache) updateMetrics() {
	hits := c.hitCount.Load()
	total := hits + c.missCount.Load()
	if total > 0 {
		cacheHitRatio.Set(float64(hits) / float64(total))
	}
}
