package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wjam/p304m-prometheus-exporter/internal/config"
)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Username = "user@example.com"
	cfg.Password = "secret"
	cfg.DeviceAddress = "192.168.1.50"
	cfg.Port = "0"
	return cfg
}

func newTestApp(cfg config.Config, updater *fakeUpdater) *App {
	h := newTestHandlers(newFakeDevice(), updater)
	return NewApp(cfg, h, updater, NewShutdownManager(5*time.Second))
}

func TestRoutes(t *testing.T) {
	app := newTestApp(testConfig(), &fakeUpdater{})
	routes := app.Routes()

	for _, path := range []string{"/metrics", "/health", "/debug", "/livez", "/readyz", "/startupz", "/healthz"} {
		t.Run(path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			routes.ServeHTTP(rr, httptest.NewRequest("GET", path, nil))

			if rr.Code != http.StatusOK {
				t.Errorf("Expected status code %d, got %d", http.StatusOK, rr.Code)
			}
			if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
				t.Error("Expected security headers on every route")
			}
		})
	}
}

func TestRoutesBearerAuth(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsBearerToken = "scrape-token-0123456789"
	routes := newTestApp(cfg, &fakeUpdater{}).Routes()

	tests := []struct {
		name     string
		path     string
		auth     string
		expected int
	}{
		{"metrics without token", "/metrics", "", http.StatusUnauthorized},
		{"metrics with wrong token", "/metrics", "Bearer wrong", http.StatusUnauthorized},
		{"metrics with token", "/metrics", "Bearer scrape-token-0123456789", http.StatusOK},
		{"debug without token", "/debug", "", http.StatusUnauthorized},
		{"health probe without token", "/livez", "", http.StatusOK},
		{"device health without token", "/health", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rr := httptest.NewRecorder()
			routes.ServeHTTP(rr, req)

			if rr.Code != tt.expected {
				t.Errorf("Expected status code %d, got %d", tt.expected, rr.Code)
			}
		})
	}
}

func TestRoutesRateLimitMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 0.001
	cfg.RateLimitBurst = 2
	updater := &fakeUpdater{}
	routes := newTestApp(cfg, updater).Routes()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/metrics", nil)
		req.RemoteAddr = "192.168.1.10:4000"
		rr := httptest.NewRecorder()
		routes.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected 200, 200, 429, got %v", codes)
	}
	if updater.Calls() != 2 {
		t.Errorf("Expected rate limited request not to reach the device, got %d scrapes", updater.Calls())
	}

	// Probes are not rate limited.
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/livez", nil)
		req.RemoteAddr = "192.168.1.10:4000"
		rr := httptest.NewRecorder()
		routes.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected probe to bypass rate limit, got %d", rr.Code)
		}
	}
}

func TestRunBackgroundScraper(t *testing.T) {
	updater := &fakeUpdater{err: errors.New("device unreachable")}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunBackgroundScraper(ctx, updater, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for updater.Calls() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected repeated scrapes, got %d", updater.Calls())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Background scraper did not stop")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig()
	cfg.ScrapeInterval = 10 * time.Millisecond
	updater := &fakeUpdater{}
	app := newTestApp(cfg, updater)

	var hookRan atomic.Bool
	app.shutdown.RegisterHook(ShutdownHook{
		Name:    "test",
		Handler: func(context.Context) error { hookRan.Store(true); return nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- app.RunStandalone(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for updater.Calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected background scraper to run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunStandalone did not return after cancellation")
	}

	if !hookRan.Load() {
		t.Error("Expected shutdown hooks to run")
	}
}

func TestRunReturnsServeError(t *testing.T) {
	app := newTestApp(testConfig(), &fakeUpdater{})
	serveErr := errors.New("listen failed")

	err := app.run(context.Background(), []servedHTTP{{
		name:  "broken",
		srv:   &http.Server{},
		serve: func() error { return serveErr },
	}})

	if !errors.Is(err, serveErr) {
		t.Errorf("Expected serve error, got %v", err)
	}
}

func TestShutdownManagerHookOrder(t *testing.T) {
	sm := NewShutdownManager(time.Second)

	var order []string
	for _, hook := range []struct {
		name     string
		priority int
	}{{"third", 3}, {"first", 1}, {"second", 2}} {
		sm.RegisterHook(ShutdownHook{
			Name:     hook.name,
			Priority: hook.priority,
			Handler: func(context.Context) error {
				order = append(order, hook.name)
				return nil
			},
		})
	}

	sm.Shutdown()
	sm.Shutdown()

	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Errorf("Expected hooks once in priority order, got %v", order)
	}
}

func TestShutdownManagerDeadline(t *testing.T) {
	sm := NewShutdownManager(20 * time.Millisecond)

	var after atomic.Bool
	sm.RegisterHook(ShutdownHook{
		Name:     "stuck",
		Priority: 1,
		Handler: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(time.Second)
			return ctx.Err()
		},
	})
	sm.RegisterHook(ShutdownHook{
		Name:     "after",
		Priority: 2,
		Handler:  func(context.Context) error { after.Store(true); return nil },
	})

	start := time.Now()
	sm.Shutdown()

	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Errorf("Expected a stuck hook to be abandoned at the deadline, took %v", elapsed)
	}
	if after.Load() {
		t.Error("Expected hooks after the deadline to be skipped")
	}
}
