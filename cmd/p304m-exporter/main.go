// Package main provides the exporter's entry point. It collects power
// readings from a Tapo P304M smart power strip and exposes them as
// Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	tsversion "tailscale.com/version"

	"github.com/wjam/p304m-prometheus-exporter/internal/config"
	"github.com/wjam/p304m-prometheus-exporter/internal/errors"
	"github.com/wjam/p304m-prometheus-exporter/internal/health"
	"github.com/wjam/p304m-prometheus-exporter/internal/klap"
	"github.com/wjam/p304m-prometheus-exporter/internal/metrics"
	"github.com/wjam/p304m-prometheus-exporter/internal/security"
	"github.com/wjam/p304m-prometheus-exporter/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func setupLogger(cfg config.Config, w io.Writer) *slog.LevelVar {
	level := new(slog.LevelVar)
	level.Set(config.ParseLogLevel(cfg.LogLevel))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
	return level
}

// performHealthCheck probes the liveness endpoint of a running exporter.
func performHealthCheck() error {
	port := os.Getenv("PORT")
	if port == "" {
		port = config.Defaults().Port
	}

	client := &http.Client{
	}

	host := os.Getenv("HEALTH_CHECK_HOST")
	if host == "" {
		host = "127.0.0.1" // DevSkim: ignore DS162092 - Localhost is appropriate for health checks
	}
	url := "http://" + net.JoinHostPort(host, port) + "/livez"
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	return nil
}

func printHelp() {
	fmt.Printf("p304m-exporter - Prometheus exporter for Tapo P304M power strips\n\n")
	fmt.Printf("Usage: p304m-exporter [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nEnvironment variables:\n")
	fmt.Printf("  TAPO_USERNAME             Tapo account email (required)\n")
	fmt.Printf("  TAPO_PASSWORD             Tapo account password (required)\n")
	fmt.Printf("  IP_ADDRESS                Power strip address, host or host:port (required)\n")
	fmt.Printf("  PORT                      Server port (default: 8080)\n")
	fmt.Printf("  DEVICE_TIMEOUT            Timeout per device request (default: 10s)\n")
	fmt.Printf("  SESSION_TTL               How long a device session is reused (default: 10m)\n")
	fmt.Printf("  SCRAPE_INTERVAL           Background collection interval, 0 = on request (default: 0)\n")
	fmt.Printf("  HEALTH_MAX_AGE            Max age of the last success before unhealthy (default: 5m)\n")
	fmt.Printf("  HEALTH_FAILURE_THRESHOLD  Consecutive failures before unhealthy (default: 3)\n")
	fmt.Printf("  LOG_LEVEL                 Log level: debug, info, warn, error (default: info)\n")
	fmt.Printf("  LOG_FORMAT                Log format: text, json (default: text)\n")
	fmt.Printf("  USE_TSNET                 Serve on a tailnet via tsnet (default: false)\n")
	fmt.Printf("  TSNET_HOSTNAME            Hostname on the tailnet (default: p304m-exporter)\n")
	fmt.Printf("  TSNET_STATE_DIR           tsnet state directory\n")
	fmt.Printf("  TS_AUTHKEY                Tailscale auth key\n")
	fmt.Printf("  RATE_LIMIT_RPS            /metrics requests per second per client (default: 5)\n")
	fmt.Printf("  RATE_LIMIT_BURST          /metrics burst per client (default: 10)\n")
	fmt.Printf("  METRICS_BEARER_TOKEN      Require this bearer token for /metrics and /debug\n")
	fmt.Printf("  CONFIG_FILE               YAML file read before the environment\n")
	fmt.Printf("  CONFIG_RELOAD_INTERVAL    Reload CONFIG_FILE at this interval (default: off)\n")
}

func printVersion() {
	fmt.Printf("p304m-exporter %s (built: %s)\n", version, buildTime)
	fmt.Printf("tailscale library: %s\n", tsversion.Long())

	if info, ok := debug.ReadBuildInfo(); ok {
		fmt.Printf("go version: %s\n", info.GoVersion)
	}
}

func schedulerConfig(cfg config.Config) metrics.SchedulerConfig {
	return metrics.SchedulerConfig{
		SessionTTL: cfg.SessionTTL,
		// Handshake plus collection, once more after a re-handshake.
		ScrapeTimeout:    4 * cfg.DeviceTimeout,
		HealthMaxAge:     cfg.HealthMaxAge,
		FailureThreshold: cfg.HealthFailureThreshold,
		Retry:            errors.DefaultRetryConfig(),
	}
}

func main() {
	var showVersion bool
	var showHelp bool
	var healthCheck bool

	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.BoolVar(&showHelp, "help", false, "show help information")
	flag.BoolVar(&healthCheck, "health-check", false, "perform health check and exit")
	flag.Parse()

	if healthCheck {
		if err := performHealthCheck(); err != nil {
			slog.Error("Health check failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Health check passed")
		os.Exit(0)
	}

	if showVersion {
		printVersion()
		os.Exit(0)
	}

	if showHelp {
		printHelp()
		os.Exit(0)
	}

	if v := os.Getenv("VERSION"); v != "" {
		version = v
	}
	if bt := os.Getenv("BUILD_TIME"); bt != "" {
		buildTime = bt
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Configuration load failed", "error", err)
		os.Exit(1)
	}

	level := setupLogger(cfg, os.Stdout)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, level); err != nil {
		slog.Error("Shutdown with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

func run(cfg config.Config, level *slog.LevelVar) error {
	server.SetVersion(version, buildTime)

	slog.Info("Starting p304m-exporter",
		"version", version,
		"build_time", buildTime,
		"config", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport := klap.NewHTTPTransport(cfg.DeviceAddress, cfg.DeviceTimeout)
	handshaker := klap.NewHandshaker(transport, klap.Credentials{
		Username: cfg.Username,
		Password: cfg.Password,
	})
	scheduler := metrics.NewScheduler(transport, handshaker, schedulerConfig(cfg))
	collector := metrics.NewCollector(scheduler)

	hc := health.NewHealthChecker()
	hc.RegisterComponent(health.NewDeviceSessionChecker(scheduler))
	hc.RegisterComponent(health.NewCacheHealthChecker(scheduler.Cache()))

	shutdown := server.NewShutdownManager(15 * time.Second)

	opts := []server.HandlerOption{
		server.WithOnDemandScrape(cfg.ScrapeInterval == 0),
		server.WithAuditOptions(security.AuditOptions{
			BearerAuth: cfg.MetricsBearerToken != "",
			Tsnet:      cfg.UseTsnet,
			RateLimit:  true,
		}),
	}

	if cfg.ConfigFile != "" && cfg.ConfigReloadInterval > 0 {
		dc := config.NewDynamicConfig(cfg, cfg.ConfigReloadInterval)
		dc.AddChangeHandler(config.LogLevelHandler(level))
		dc.AddChangeHandler(config.RestartRequiredHandler())
		dc.StartWatching(config.FileConfigSource(cfg.ConfigFile))

		shutdown.RegisterHook(server.ShutdownHook{
			Name:     "stop-config-watcher",
			Priority: 1,
			Handler: func(context.Context) error {
				dc.Stop()
				return nil
			},
		})
		opts = append(opts, server.WithDynamicConfig(dc))
	}

	shutdown.RegisterHook(server.ShutdownHook{
		Name:     "log-final-status",
		Priority: 10,
		Handler: func(context.Context) error {
			st := scheduler.Status()
			slog.Info("final device status",
				"last_success", st.LastSuccess,
				"consecutive_failures", st.ConsecutiveFailures,
				"handshakes", st.Handshakes)
			return nil
		},
	})

	handlers := server.NewHandlers(collector, scheduler, hc, opts...)
	app := server.NewApp(cfg, handlers, collector, shutdown)

	if cfg.UseTsnet {
		slog.Info("Tailscale mode", "hostname", cfg.TsnetHostname, "port", cfg.Port)
		return app.RunWithTsnet(ctx)
	}
	slog.Info("Standalone mode", "port", cfg.Port)
	return app.RunStandalone(ctx)
}
