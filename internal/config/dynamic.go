package config

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	configReloadCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p304m_exporter_config_reload_total",
		Help: "Number of configuration reloads",
	}, []string{"status"})

	configReloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "p304m_exporter_config_reload_duration_seconds",
		Help:    "Time taken to reload configuration",
		Buckets: prometheus.DefBuckets,
	})

	activeConfigVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "p304m_exporter_config_version",
		Help: "Current configuration version",
	})
)

// ConfigSource loads a complete configuration.
type ConfigSource interface {
	LoadConfig() (Config, error)
	Name() string
}

// ChangeHandler reacts to an accepted configuration change. Handlers run
// lowest Priority first; the first error aborts the reload.
type ChangeHandler struct {
	Name     string
	Priority int
	Apply    func(oldConfig, newConfig Config) error
}

// DynamicConfig re-reads the configuration on an interval and hands valid
// changes to its handlers.
type DynamicConfig struct {
	interval time.Duration
	reloadMu sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu         sync.RWMutex
	current    Config
	version    int64
	lastReload time.Time
	handlers   []ChangeHandler
}

func NewDynamicConfig(initial Config, interval time.Duration) *DynamicConfig {
	activeConfigVersion.Set(1)
	return &DynamicConfig{
		interval:   interval,
		stop:       make(chan struct{}),
		current:    initial,
		version:    1,
		lastReload: time.Now(),
	}
}

func (dc *DynamicConfig) GetConfig() Config {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.current
}

func (dc *DynamicConfig) GetVersion() int64 {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.version
}

func (dc *DynamicConfig) AddChangeHandler(h ChangeHandler) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.handlers = append(dc.handlers, h)
	sort.SliceStable(dc.handlers, func(i, j int) bool { return dc.handlers[i].Priority < dc.handlers[j].Priority })
}

// StartWatching reloads from source every interval until Stop is called.
func (dc *DynamicConfig) StartWatching(source ConfigSource) {
	dc.wg.Add(1)
	go func() {
		defer dc.wg.Done()
		slog.Info("starting config watcher", "source", source.Name(), "interval", dc.interval)

		ticker := time.NewTicker(dc.interval)
		defer ticker.Stop()

		for {
			select {
			case <-dc.stop:
				return
			case <-ticker.C:
				if err := dc.Reload(source); err != nil {
					slog.Error("config reload failed", "source", source.Name(), "error", err)
				}
			}
		}
	}()
}

func (dc *DynamicConfig) Stop() {
	dc.stopOnce.Do(func() { close(dc.stop) })
	dc.wg.Wait()
}

// Reload loads source and, when the result is valid and differs from the
// current configuration, applies it and bumps the version.
func (dc *DynamicConfig) Reload(source ConfigSource) error {
	dc.reloadMu.Lock()
	defer dc.reloadMu.Unlock()

	start := time.Now()
	defer func() { configReloadDuration.Observe(time.Since(start).Seconds()) }()

	next, err := source.LoadConfig()
	if err != nil {
		configReloadCounter.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := next.Validate(); err != nil {
		configReloadCounter.WithLabelValues("validation_error").Inc()
		return err
	}

	dc.mu.RLock()
	prev := dc.current
	handlers := append([]ChangeHandler(nil), dc.handlers...)
	dc.mu.RUnlock()

	if prev == next {
		return nil
	}

	for _, h := range handlers {
		if err := h.Apply(prev, next); err != nil {
			configReloadCounter.WithLabelValues("apply_error").Inc()
			return fmt.Errorf("handler %s failed: %w", h.Name, err)
		}
	}

	dc.mu.Lock()
	dc.current = next
	dc.version++
	dc.lastReload = time.Now()
	version := dc.version
	dc.mu.Unlock()

	activeConfigVersion.Set(float64(version))
	configReloadCounter.WithLabelValues("success").Inc()
	slog.Info("config reloaded", "source", source.Name(), "version", version)
	return nil
}

func (dc *DynamicConfig) GetStatus() map[string]interface{} {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	names := make([]string, 0, len(dc.handlers))
	for _, h := range dc.handlers {
		names = append(names, h.Name)
	}
	return map[string]interface{}{
		"version":         dc.version,
		"last_reload":     dc.lastReload,
		"reload_interval": dc.interval.String(),
		"change_handlers": names,
	}
}

// FileConfigSource reads the YAML file at path; the environment still
// takes precedence over it.
type FileConfigSource string

func (p FileConfigSource) Name() string { return "file:" + string(p) }

func (p FileConfigSource) LoadConfig() (Config, error) { return LoadFile(string(p)) }

// LogLevelHandler applies LOG_LEVEL changes to level.
func LogLevelHandler(level *slog.LevelVar) ChangeHandler {
	return ChangeHandler{
		Name:     "log_level",
		Priority: 1,
		Apply: func(prev, next Config) error {
			if prev.LogLevel != next.LogLevel {
				slog.Info("log level changed", "old_level", prev.LogLevel, "new_level", next.LogLevel)
				level.Set(ParseLogLevel(next.LogLevel))
			}
			return nil
		},
	}
}

// RestartRequiredHandler warns about changed settings that are only read at startup.
func RestartRequiredHandler() ChangeHandler {
	return ChangeHandler{
		Name:     "restart_required",
		Priority: 10,
		Apply: func(prev, next Config) error {
			for _, f := range RestartRequiredFields(prev, next) {
				slog.Warn("config setting changed but only takes effect after a restart", "setting", f)
			}
			return nil
		},
	}
}

// RestartRequiredFields lists the settings that differ between a and b and
// that are only read at startup.
func RestartRequiredFields(a, b Config) []string {
	var changed []string
	check := func(name string, differs bool) {
		if differs {
			changed = append(changed, name)
		}
	}

	check("username", a.Username != b.Username)
	check("password", a.Password != b.Password)
	check("ip_address", a.DeviceAddress != b.DeviceAddress)
	check("port", a.Port != b.Port)
	check("device_timeout", a.DeviceTimeout != b.DeviceTimeout)
	check("session_ttl", a.SessionTTL != b.SessionTTL)
	check("scrape_interval", a.ScrapeInterval != b.ScrapeInterval)
	check("health_max_age", a.HealthMaxAge != b.HealthMaxAge)
	check("health_failure_threshold", a.HealthFailureThreshold != b.HealthFailureThreshold)
	check("log_format", a.LogFormat != b.LogFormat)
	check("use_tsnet", a.UseTsnet != b.UseTsnet)
	check("tsnet_hostname", a.TsnetHostname != b.TsnetHostname)
	check("rate_limit", a.RateLimitRPS != b.RateLimitRPS || a.RateLimitBurst != b.RateLimitBurst)
	check("metrics_bearer_token", a.MetricsBearerToken != b.MetricsBearerToken)

	return changed
}
