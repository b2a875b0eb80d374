// Command duplex runs the voice+text assistant from a YAML configuration and
// drives it from a console shell.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/MrWong99/duplex/internal/app"
	"github.com/MrWong99/duplex/internal/config"
	"github.com/MrWong99/duplex/internal/health"
	"github.com/MrWong99/duplex/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	noConsole := flag.Bool("no-console", false, "do not read commands from stdin")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level is hot-reloadable, so the handler reads it through a LevelVar.
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Configuration + watcher ───────────────────────────────────────────────
	var running atomic.Pointer[app.App]
	watcher, err := config.NewWatcher(*configPath, func(cur *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if a := running.Load(); a != nil {
			a.ApplyConfig(d, cur)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "duplex: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "duplex: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	// SIGHUP forces a reload without waiting for the next poll.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			watcher.Reload()
		}
	}()

	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("duplex starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"start_mode", cfg.Voice.StartMode,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.Setup(ctx, observe.TelemetryConfig{ServiceName: "duplex", Global: true})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := tel.Metrics

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers, app.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	running.Store(application)

	// ── Diagnostics server ────────────────────────────────────────────────────
	var srv *http.Server
	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.Handler())
		health.New(application.HealthCheckers()...).Register(mux)
		srv = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           observe.Middleware(metrics)(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("diagnostics server error", "err", err)
			}
		}()
		slog.Info("diagnostics listening", "addr", cfg.Server.ListenAddr)
	}

	// ── Console ───────────────────────────────────────────────────────────────
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if !*noConsole {
		c := newConsole(application, os.Stdout)
		go func() {
			c.Run(runCtx, os.Stdin)
			cancelRun()
		}()
	}

	if err := application.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		shutdown(application, srv)
		return 1
	}

	slog.Info("stopping…")
	if err := shutdown(application, srv); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// shutdown stops the diagnostics server and the application within a fixed
// deadline.
func shutdown(application *app.App, srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("diagnostics server shutdown error", "err", err)
		}
	}
	return application.Shutdown(ctx)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
