package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/wjam/p304m-prometheus-exporter/internal/config"
)

func TestSetupLogger(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	tests := []struct {
		name   string
		level  string
		format string
		check  func(t *testing.T, out string)
	}{
		{
			name:   "json at debug",
			level:  "debug",
			format: "json",
			check: func(t *testing.T, out string) {
				var entry map[string]any
				if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
					t.Fatalf("Expected JSON log line, got %q", out)
				}
				if entry["msg"] != "probe" {
					t.Errorf("Expected msg 'probe', got %v", entry["msg"])
				}
			},
		},
		{
			name:   "text at warn drops debug",
			level:  "warn",
			format: "text",
			check: func(t *testing.T, out string) {
				if out != "" {
					t.Errorf("Expected debug line to be filtered, got %q", out)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := config.Config{LogLevel: tt.level, LogFormat: tt.format}
			setupLogger(cfg, &buf)

			slog.Debug("probe")
			tt.check(t, buf.String())
		})
	}
}

func TestSetupLoggerLevelIsAdjustable(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	level := setupLogger(config.Config{LogLevel: "error", LogFormat: "text"}, &buf)

	slog.Info("before")
	level.Set(slog.LevelInfo)
	slog.Info("after")

	out := buf.String()
	if strings.Contains(out, "before") {
		t.Error("Expected info line to be filtered at error level")
	}
	if !strings.Contains(out, "after") {
		t.Error("Expected info line after lowering the level")
	}
}

func TestSchedulerConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.SessionTTL = 3 * time.Minute
	cfg.DeviceTimeout = 5 * time.Second
	cfg.HealthFailureThreshold = 7

	sc := schedulerConfig(cfg)

	if sc.SessionTTL != 3*time.Minute {
		t.Errorf("Expected SessionTTL 3m, got %v", sc.SessionTTL)
	}
	if sc.ScrapeTimeout != 20*time.Second {
		t.Errorf("Expected ScrapeTimeout 20s, got %v", sc.ScrapeTimeout)
	}
	if sc.HealthMaxAge != cfg.HealthMaxAge {
		t.Errorf("Expected HealthMaxAge %v, got %v", cfg.HealthMaxAge, sc.HealthMaxAge)
	}
	if sc.FailureThreshold != 7 {
		t.Errorf("Expected FailureThreshold 7, got %d", sc.FailureThreshold)
	}
	if sc.Retry.MaxAttempts == 0 {
		t.Error("Expected default retry configuration")
	}
}

func TestPerformHealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"live", http.StatusOK, false},
		{"not live", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/livez" {
					http.NotFound(w, r)
					return
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			os.Clearenv()
			os.Setenv("HEALTH_CHECK_HOST", host)
			os.Setenv("PORT", port)

			err = performHealthCheck()
			if (err != nil) != tt.wantErr {
				t.Errorf("performHealthCheck() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPerformHealthCheckUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, port, _ := net.SplitHostPort(listener.Addr().String())
	listener.Close()

	os.Clearenv()
	os.Setenv("PORT", port)

	if err := performHealthCheck(); err == nil {
		t.Error("Expected error when nothing is listening")
	}
}
