// Package main is the entry point for the relaymux gateway server.
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
	"syscall"
	"time"

	"github.com/blueberrycongee/relaymux/internal/config"
	"github.com/blueberrycongee/relaymux/internal/observability"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Load configuration before the logger so its level and format apply from the
	// first line; load errors go to the default logger.
	cfgManager, err := config.NewManager(configPath, slog.Default())
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer cfgManager.Close()
	cfg := cfgManager.Get()

	logger := observability.NewLogger(
		observability.ParseLoggerConfig(cfg.Logging.Level, cfg.Logging.Format),
		observability.NewRedactor(),
	)
	slog.SetDefault(logger)
	logger.Info("starting relaymux gateway", "version", version, "config", cfgManager.Status().Checksum[:12])

	for _, w := range cfg.Warnings() {
		logger.Warn("config warning", "code", w.Code, "message", w.Message)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Protocol:    cfg.Tracing.Protocol,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	gw, err := newApp(ctx, cfg, tp.Tracer(), logger)
	if err != nil {
		return err
	}
	defer gw.close()

	cfgManager.OnChange(func(next *config.Config) {
		if err := gw.apply(next); err != nil {
			logger.Error("failed to apply reloaded configuration", "error", err)
			return
		}
		logger.Info("reloaded providers, keys and guard words",
			"providers", len(next.Providers), "keys", len(next.Keys))
	})
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	routes, err := buildMuxes(cfg, gw.proxy, gw.monitor)
	if err != nil {
		return err
	}
	wrap := buildMiddlewareStack(tp.Tracer())

	servers := []*http.Server{newServer(cfg.Server, cfg.Server.Port, wrap(routes.Data))}
	if routes.Admin != nil {
		servers = append(servers, newServer(cfg.Server, cfg.Server.AdminPort, wrap(routes.Admin)))
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			logger.Info("server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down server...")
	case runErr = <-errCh:
		logger.Error("server error", "error", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "addr", srv.Addr, "error", err)
		}
	}
	if err := gw.drain(shutdownCtx); err != nil {
		logger.Warn("stream accounting did not finish before shutdown", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return runErr
}

func newServer(cfg config.ServerConfig, port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}
