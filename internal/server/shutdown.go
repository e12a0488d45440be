package server

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	shutdownDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "p304m_exporter_shutdown_duration_seconds",
		Help:    "Time taken to gracefully shutdown the application",
		Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	shutdownErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p304m_exporter_shutdown_errors_total",
		Help: "Number of errors during shutdown",
	}, []string{"component"})
)

// ShutdownHook is a cleanup step run after the HTTP servers have stopped.
type ShutdownHook struct {
	Name     string
	Priority int
	Handler  func(ctx context.Context) error
}

// ShutdownManager drains the HTTP servers and then runs hooks, lowest
// priority first, all within one deadline.
type ShutdownManager struct {
	timeout time.Duration
	once    sync.Once

	mu      sync.Mutex
	servers []*http.Server
	hooks   []ShutdownHook
}

func NewShutdownManager(timeout time.Duration) *ShutdownManager {
	return &ShutdownManager{timeout: timeout}
}

func (sm *ShutdownManager) AddHTTPServer(srv *http.Server) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.servers = append(sm.servers, srv)
}

func (sm *ShutdownManager) RegisterHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks = append(sm.hooks, hook)
	sort.SliceStable(sm.hooks, func(i, j int) bool { return sm.hooks[i].Priority < sm.hooks[j].Priority })
}

// Shutdown runs once; later calls return immediately.
func (sm *ShutdownManager) Shutdown() {
	sm.once.Do(func() {
		start := time.Now()
		slog.Info("starting graceful shutdown", "timeout", sm.timeout)

		ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
		defer cancel()

		sm.mu.Lock()
		servers := append([]*http.Server(nil), sm.servers...)
		hooks := append([]ShutdownHook(nil), sm.hooks...)
		sm.mu.Unlock()

		stopServers(ctx, servers)
		runHooks(ctx, hooks)

		shutdownDuration.Observe(time.Since(start).Seconds())
		slog.Info("graceful shutdown completed", "duration", time.Since(start))
	})
}

func stopServers(ctx context.Context, servers []*http.Server) {
	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				slog.Error("HTTP server shutdown error", "addr", srv.Addr, "error", err)
				shutdownErrors.WithLabelValues("http_server").Inc()
				_ = srv.Close()
			}
		}()
	}
	wg.Wait()
}

// runHooks stops at the deadline; a hook still running then is abandoned.
func runHooks(ctx context.Context, hooks []ShutdownHook) {
	for _, hook := range hooks {
		done := make(chan error, 1)
		go func() { done <- hook.Handler(ctx) }()

		select {
		case err := <-done:
			if err != nil {
				slog.Error("shutdown hook failed", "name", hook.Name, "error", err)
				shutdownErrors.WithLabelValues(hook.Name).Inc()
			}
		case <-ctx.Done():
			slog.Warn("shutdown deadline reached", "hook", hook.Name)
			shutdownErrors.WithLabelValues(hook.Name).Inc()
			return
		}
	}
}
