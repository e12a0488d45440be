// Package health provides health checking functionality for the exporter's components.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/wjam/p304m-prometheus-exporter/internal/cache"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

const (
	startupGracePeriod = 30 * time.Second
	readinessTimeout   = 10 * time.Second
	degradedAfter      = 5 * time.Second
)

// CheckResult represents the result of a health check for a specific component.
type CheckResult struct {
	Component   string        `json:"component"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
	LastSuccess *time.Time    `json:"last_success"`
}

// HealthStatus represents the overall health status and individual component checks.
type HealthStatus struct {
	Overall Status                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health checking functionality.
type Checker interface {
	LivenessCheck(ctx context.Context) error
	ReadinessCheck(ctx context.Context) error
	StartupCheck(ctx context.Context) error
	GetHealthStatus(ctx context.Context) HealthStatus
}

// ComponentChecker defines the interface for individual component health checks.
type ComponentChecker interface {
	CheckHealth(ctx context.Context) error
	ComponentName() string
}

// HealthChecker manages health checks for multiple components.
type HealthChecker struct {
	components  map[string]ComponentChecker
	mu          sync.RWMutex
	lastChecks  map[string]CheckResult
	startupTime time.Time
}

// NewHealthChecker creates a new health checker instance.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		components:  make(map[string]ComponentChecker),
		lastChecks:  make(map[string]CheckResult),
		startupTime: time.Now(),
	}
}

// RegisterComponent adds checker, replacing any component with the same name.
func (hc *HealthChecker) RegisterComponent(checker ComponentChecker) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.components[checker.ComponentName()] = checker
}

// LivenessCheck only verifies the process is responsive; it has no external dependencies.
func (hc *HealthChecker) LivenessCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// ReadinessCheck requires every registered component to be healthy.
func (hc *HealthChecker) ReadinessCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	for _, component := range hc.sortedComponents() {
		if err := component.CheckHealth(ctx); err != nil {
			return fmt.Errorf("component %s not ready: %w", component.ComponentName(), err)
		}
	}
	return nil
}

// StartupCheck behaves like LivenessCheck during the startup grace period
// and like ReadinessCheck afterwards.
func (hc *HealthChecker) StartupCheck(ctx context.Context) error {
	if time.Since(hc.startupTime) < startupGracePeriod {
		return hc.LivenessCheck(ctx)
	}
	return hc.ReadinessCheck(ctx)
}

// GetHealthStatus runs every component check and aggregates the results.
func (hc *HealthChecker) GetHealthStatus(ctx context.Context) HealthStatus {
	results := make(map[string]CheckResult)
	overallHealthy := true
	degraded := false

	for _, component := range hc.sortedComponents() {
		name := component.ComponentName()
		start := time.Now()
		err := component.CheckHealth(ctx)
		duration := time.Since(start)

		result := CheckResult{
			Component: name,
			Status:    StatusHealthy,
			Duration:  duration,
			Timestamp: time.Now(),
		}

		if err != nil {
			result.Status = StatusUnhealthy
			result.Message = err.Error()
			overallHealthy = false

			hc.mu.RLock()
			if prev, exists := hc.lastChecks[name]; exists && prev.LastSuccess != nil {
				ts := *prev.LastSuccess
				result.LastSuccess = &ts
			}
			hc.mu.RUnlock()
		} else {
			ts := result.Timestamp
			result.LastSuccess = &ts
		}

		if duration > degradedAfter {
			degraded = true
			if result.Status == StatusHealthy {
				result.Status = StatusDegraded
			}
		}

		results[name] = result
	}

	hc.mu.Lock()
	hc.lastChecks = results
	hc.mu.Unlock()

	overall := StatusHealthy
	if !overallHealthy {
		overall = StatusUnhealthy
	} else if degraded {
		overall = StatusDegraded
	}

	return HealthStatus{
		Overall: overall,
		Checks:  results,
	}
}

func (hc *HealthChecker) sortedComponents() []ComponentChecker {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	out := make([]ComponentChecker, 0, len(hc.components))
	for _, comp := range hc.components {
		out = append(out, comp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComponentName() < out[j].ComponentName() })
	return out
}

// SessionHealth is implemented by the metrics scheduler.
type SessionHealth interface {
	HealthCheck(ctx context.Context) error
}

// DeviceSessionChecker reports whether the device is being collected from successfully.
type DeviceSessionChecker struct {
	scheduler SessionHealth
}

// NewDeviceSessionChecker creates a device session health checker.
func NewDeviceSessionChecker(scheduler SessionHealth) *DeviceSessionChecker {
	return &DeviceSessionChecker{scheduler: scheduler}
}

func (dc *DeviceSessionChecker) ComponentName() string {
	return "device_session"
}

func (dc *DeviceSessionChecker) CheckHealth(ctx context.Context) error {
	if dc.scheduler == nil {
		return fmt.Errorf("scheduler not initialized")
	}
	return dc.scheduler.HealthCheck(ctx)
}

// CacheHealthChecker checks that a snapshot is available to serve.
type CacheHealthChecker struct {
	cache *cache.SnapshotCache
}

// NewCacheHealthChecker creates a new cache health checker.
func NewCacheHealthChecker(cache *cache.SnapshotCache) *CacheHealthChecker {
	return &CacheHealthChecker{cache: cache}
}

func (cc *CacheHealthChecker) ComponentName() string {
	return "snapshot_cache"
}

// CheckHealth fails once a snapshot was requested but none has ever been
// collected. Before the first request the cache is considered healthy.
func (cc *CacheHealthChecker) CheckHealth(ctx context.Context) error {
	if cc.cache == nil {
		return fmt.Errorf("cache not initialized")
	}

	stats := cc.cache.GetCacheStats()
	if !stats.HasSnapshot && stats.MissCount > 0 {
		return fmt.Errorf("no snapshot collected yet")
	}
	return nil
}

// WriteHealthResponse writes status as JSON.
func WriteHealthResponse(w http.ResponseWriter, status HealthStatus, httpStatus int) {
	body := struct {
		Status    Status                 `json:"status"`
		Timestamp string                 `json:"timestamp"`
		Checks    map[string]CheckResult `json:"checks"`
	}{
		Status:    status.Overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    status.Checks,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to write health response", "error", err)
	}
}

// DetermineHTTPStatus maps an overall status to an HTTP status code.
func DetermineHTTPStatus(status Status) int {
	switch status {
	case StatusHealthy:
		return http.StatusOK
	case StatusDegraded:
		return http.StatusOK // Still considered healthy for K8s
	case StatusUnhealthy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
