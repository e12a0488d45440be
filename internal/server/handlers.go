// Package server exposes the exporter over HTTP: the Prometheus endpoint,
// health probes and debug information.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	tsversion "tailscale.com/version"

	"github.com/wjam/p304m-prometheus-exporter/internal/api"
	"github.com/wjam/p304m-prometheus-exporter/internal/cache"
	"github.com/wjam/p304m-prometheus-exporter/internal/config"
	"github.com/wjam/p304m-prometheus-exporter/internal/health"
	"github.com/wjam/p304m-prometheus-exporter/internal/metrics"
	"github.com/wjam/p304m-prometheus-exporter/internal/security"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// SetVersion sets the version and build time reported by the handlers.
func SetVersion(v string, bt string) {
	version = v
	buildTime = bt
}

// DeviceStatus is the scheduler's health surface. *metrics.Scheduler implements it.
type DeviceStatus interface {
	Status() metrics.Status
	HealthCheck(ctx context.Context) error
	Capabilities() api.Capabilities
	Cache() *cache.SnapshotCache
}

// Updater refreshes the exported metrics. *metrics.Collector implements it.
type Updater interface {
	UpdateMetrics(ctx context.Context) error
}

// Handlers serves the exporter's endpoints.
type Handlers struct {
	updater   Updater
	device    DeviceStatus
	checker   *health.HealthChecker
	onDemand  bool
	audit     security.AuditOptions
	dynamic   *config.DynamicConfig
	metrics   http.Handler
	startTime time.Time
}

// HandlerOption customizes Handlers.
type HandlerOption func(*Handlers)

// WithOnDemandScrape makes /metrics collect from the device on every request.
// Without it /metrics only serves what the background scraper collected.
func WithOnDemandScrape(enabled bool) HandlerOption {
	return func(h *Handlers) { h.onDemand = enabled }
}

// WithAuditOptions sets what the debug endpoint reports about the exposure.
func WithAuditOptions(opts security.AuditOptions) HandlerOption {
	return func(h *Handlers) { h.audit = opts }
}

// WithDynamicConfig adds the config reload status to the debug endpoint.
func WithDynamicConfig(dc *config.DynamicConfig) HandlerOption {
	return func(h *Handlers) { h.dynamic = dc }
}

// NewHandlers creates the HTTP handlers.
func NewHandlers(updater Updater, device DeviceStatus, checker *health.HealthChecker, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		updater:   updater,
		device:    device,
		checker:   checker,
		onDemand:  true,
		metrics:   promhttp.Handler(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Metrics refreshes the readings and serves the registry. A failed scrape
// still serves the last known readings, marked stale.
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.onDemand {
		if err := h.updater.UpdateMetrics(r.Context()); err != nil {
			slog.Warn("scrape failed, serving last known readings", "error", err)
		}
	}
	h.metrics.ServeHTTP(w, r)
}

type deviceHealthResponse struct {
	Status             string         `json:"status"`
	Error              string         `json:"error,omitempty"`
	Version            string         `json:"version"`
	UptimeSeconds      int64          `json:"uptime_seconds"`
	SnapshotAgeSeconds *float64       `json:"snapshot_age_seconds,omitempty"`
	TotalWatts         *float64       `json:"total_watts,omitempty"`
	Device             metrics.Status `json:"device"`
}

// Health reports the scheduler's view of the device.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := deviceHealthResponse{
		Status:        "healthy",
		Version:       version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Device:        h.device.Status(),
	}
	if snapshot := h.device.Cache().Peek(); snapshot != nil {
		age := snapshot.Age(time.Now()).Seconds()
		total := snapshot.TotalWatts()
		resp.SnapshotAgeSeconds = &age
		resp.TotalWatts = &total
	}

	code := http.StatusOK
	if err := h.device.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, resp)
}

// Debug reports build and runtime information.
func (h *Handlers) Debug(w http.ResponseWriter, _ *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	info := map[string]interface{}{
		"version":           version,
		"build_time":        buildTime,
		"go_version":        runtime.Version(),
		"tailscale_version": tsversion.Long(),
		"uptime_seconds":    int64(time.Since(h.startTime).Seconds()),
		"goroutines":        runtime.NumGoroutine(),
		"memory_mb":         bToMb(m.Alloc),
		"scrape_on_request": h.onDemand,
		"capabilities":      h.device.Capabilities(),
		"cache":             h.device.Cache().GetCacheStats(),
		"security":          security.GenerateSecurityAuditReport(h.audit),
	}
	if h.dynamic != nil {
		info["config_reload"] = h.dynamic.GetStatus()
	}

	writeJSON(w, http.StatusOK, info)
}

type probeResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// LivenessHandler provides the liveness probe endpoint for Kubernetes.
func (h *Handlers) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.probe(w, h.checker.LivenessCheck(ctx), "ok", "unhealthy")
}

func (h *Handlers) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	h.probe(w, h.checker.ReadinessCheck(ctx), "ready", "not ready")
}

func (h *Handlers) StartupHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	h.probe(w, h.checker.StartupCheck(ctx), "started", "not started")
}

func (h *Handlers) probe(w http.ResponseWriter, err error, okStatus, failStatus string) {
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, probeResponse{Status: failStatus, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, probeResponse{Status: okStatus})
}

// DetailedHealthHandler reports every registered health component.
func (h *Handlers) DetailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	status := h.checker.GetHealthStatus(ctx)
	health.WriteHealthResponse(w, status, health.DetermineHTTPStatus(status.Overall))
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}
