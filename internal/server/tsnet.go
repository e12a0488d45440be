package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"tailscale.com/tsnet"

	"github.com/wjam/p304m-prometheus-exporter/internal/config"
)

// RunWithTsnet serves on the tailnet as cfg.TsnetHostname and on the local
// network until ctx is done. The device itself is still reached over the
// local network.
func (a *App) RunWithTsnet(ctx context.Context) error {
	stateDir := config.SetupTsnetStateDir(a.cfg.TsnetStateDir)

	ts := &tsnet.Server{
		Hostname: a.cfg.TsnetHostname,
		Dir:      stateDir,
		Logf: func(format string, args ...any) {
			slog.Debug(fmt.Sprintf(format, args...), "component", "tsnet")
		},
	}

	if a.cfg.TsnetAuthKey != "" {
		ts.AuthKey = a.cfg.TsnetAuthKey
		slog.Info("Tailscale authentication configured", "mode", "auth_key")
	} else {
		slog.Info("Tailscale authentication configured", "mode", "interactive", "note", "login URL is logged by tsnet")
	}

	a.shutdown.RegisterHook(ShutdownHook{
		Name:     "close-tsnet",
		Priority: 5,
		Handler: func(context.Context) error {
			return ts.Close()
		},
	})

	listener, err := ts.Listen("tcp", ":"+a.cfg.Port)
	if err != nil {
		_ = ts.Close()
		return fmt.Errorf("tsnet listen failed: %w", err)
	}

	routes := a.Routes()
	writeTimeout := a.metricsTimeout() + 5*time.Second

	tsHTTPServer := createHTTPServer("", routes, writeTimeout)

	localAddr := net.JoinHostPort(getLocalBindHost(), a.cfg.Port)
	localHTTPServer := createHTTPServer(localAddr, routes, writeTimeout)

	return a.run(ctx, []servedHTTP{
		{
			name:  "tailscale",
			addr:  a.cfg.TsnetHostname + ":" + a.cfg.Port,
			srv:   tsHTTPServer,
			serve: func() error { return tsHTTPServer.Serve(listener) },
		},
		{
			name:  "local",
			addr:  localAddr,
			srv:   localHTTPServer,
			serve: localHTTPServer.ListenAndServe,
		},
	})
}
