// Package main implements the entry point for the edgecache gateway.
// Edgecache is an offline-first caching gateway: it fronts a single
// origin, serves tiered caches when the origin is unreachable, queues
// writes for replay and exposes a WebSocket control channel to the host
// application.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/edgecache/config"
	"github.com/c360/edgecache/engine"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "edgecache"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.LogLevel != "" {
		cfg.Logging.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Logging.Format = cliCfg.LogFormat
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	slog.Info("starting edgecache",
		"version", Version,
		"origin", cfg.Server.Origin,
		"listen", cfg.Server.Listen,
		"control_listen", cfg.Server.ControlListen,
		"cache_version", cfg.Cache.Version)

	ctx := context.Background()
	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := eng.Start(signalCtx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	proxySrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           eng,
		ReadHeaderTimeout: 10 * time.Second,
	}
	controlSrv := &http.Server{
		Addr:              cfg.Server.ControlListen,
		Handler:           eng.ControlMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 2)
	go func() {
		slog.Info("gateway listening", "addr", cfg.Server.Listen)
		if err := proxySrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("gateway listener: %w", err)
		}
	}()
	go func() {
		slog.Info("control listening", "addr", cfg.Server.ControlListen)
		if err := controlSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("control listener: %w", err)
		}
	}()

	select {
	case <-signalCtx.Done():
		slog.Info("received shutdown signal")
	case err := <-serveErr:
		slog.Error("listener failed", "error", err)
	}

	return shutdown(proxySrv, controlSrv, eng, cliCfg.ShutdownTimeout)
}

// shutdown stops the listeners first so no new requests arrive, then
// drains the engine.
func shutdown(proxySrv, controlSrv *http.Server, eng *engine.Engine, timeout time.Duration) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := proxySrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("gateway listener shutdown", "error", err)
	}
	if err := controlSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("control listener shutdown", "error", err)
	}

	if err := eng.Stop(timeout); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}

	slog.Info("edgecache shutdown complete")
	return nil
}
