package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wjam/p304m-prometheus-exporter/internal/config"
	"github.com/wjam/p304m-prometheus-exporter/internal/security"
)

const (
	maxRequestBytes    = 1 << 20
	limiterCleanupTick = time.Minute
)

// App runs the exporter's HTTP surface and background work.
type App struct {
	cfg      config.Config
	handlers *Handlers
	updater  Updater
	limiter  *security.RateLimiter
	shutdown *ShutdownManager
}

// NewApp creates an App serving handlers. updater is used by the background
// scraper when a scrape interval is configured.
func NewApp(cfg config.Config, handlers *Handlers, updater Updater, shutdown *ShutdownManager) *App {
	return &App{
		cfg:      cfg,
		handlers: handlers,
		updater:  updater,
		limiter:  security.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		shutdown: shutdown,
	}
}

// createHTTPServer creates a configured HTTP server with standard timeouts.
func createHTTPServer(addr string, handler http.Handler, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}
}

// metricsTimeout bounds a /metrics request: a full collection may include a
// re-handshake, so allow a few device round trips.
func (a *App) metricsTimeout() time.Duration {
	return 4 * a.cfg.DeviceTimeout
}

// Routes returns the HTTP handler with all endpoints and middleware.
func (a *App) Routes() http.Handler {
	h := a.handlers
	mux := http.NewServeMux()

	var metricsHandler http.Handler = http.HandlerFunc(h.Metrics)
	metricsHandler = security.TimeoutMiddleware(a.metricsTimeout())(metricsHandler)
	metricsHandler = security.RateLimitMiddleware(a.limiter)(metricsHandler)
	mux.Handle("/metrics", metricsHandler)

	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/debug", h.Debug)

	// Kubernetes health endpoints
	mux.HandleFunc("/livez", h.LivenessHandler)
	mux.HandleFunc("/readyz", h.ReadinessHandler)
	mux.HandleFunc("/startupz", h.StartupHandler)
	mux.HandleFunc("/healthz", h.DetailedHealthHandler)

	var handler http.Handler = mux
	if a.cfg.MetricsBearerToken != "" {
		validator := security.NewAuthValidator()
		validator.AddValidToken(a.cfg.MetricsBearerToken)
		handler = security.AuthenticationMiddleware(validator)(handler)
	}
	handler = security.RequestSizeLimitMiddleware(maxRequestBytes)(handler)
	return security.SecurityHeadersMiddleware(handler)
}

func getLocalBindHost() string {
	env := strings.ToLower(os.Getenv("ENV"))
	if env == "production" || env == "prod" {
		return "0.0.0.0"
	}
	return "127.0.0.1" // DevSkim: ignore DS162092 - Localhost binding is intentional for development
}

// RunStandalone serves on the local network until ctx is done.
func (a *App) RunStandalone(ctx context.Context) error {
	addr := net.JoinHostPort(getLocalBindHost(), a.cfg.Port)
	srv := createHTTPServer(addr, a.Routes(), a.metricsTimeout()+5*time.Second)

	return a.run(ctx, []servedHTTP{{
		name:  "local",
		addr:  addr,
		srv:   srv,
		serve: srv.ListenAndServe,
	}})
}

type servedHTTP struct {
	name  string
	addr  string
	srv   *http.Server
	serve func() error
}

// run serves every server and the background work in one errgroup. The
// first failure, or ctx ending, shuts everything down.
func (a *App) run(ctx context.Context, servers []servedHTTP) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, s := range servers {
		a.shutdown.AddHTTPServer(s.srv)
		g.Go(func() error {
			slog.Info("server ready", "name", s.name, "bind", s.addr)
			if err := s.serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s http serve failed: %w", s.name, err)
			}
			return nil
		})
	}

	if a.cfg.ScrapeInterval > 0 {
		g.Go(func() error {
			RunBackgroundScraper(gctx, a.updater, a.cfg.ScrapeInterval)
			return nil
		})
	}

	g.Go(func() error {
		a.limiter.RunCleanup(gctx, limiterCleanupTick)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.shutdown.Shutdown()
		return nil
	})

	return g.Wait()
}

// RunBackgroundScraper collects immediately and then every interval until ctx is done.
func RunBackgroundScraper(ctx context.Context, updater Updater, interval time.Duration) {
	slog.Info("background scraping enabled", "interval", interval)

	update := func() {
		if err := updater.UpdateMetrics(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("background scrape failed", "error", err)
		}
	}

	update()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
