// Command collector is the jmprof collector daemon. It loads a YAML
// configuration file, opens a PostgreSQL connection pool, starts the
// LeakCollector gRPC ingest service (mTLS), exposes a REST query API and a
// WebSocket live-feed endpoint over HTTP, and shuts down gracefully on
// SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jdeokkim/jmprof/internal/config"
	fleetgrpc "github.com/jdeokkim/jmprof/internal/fleet/grpc"
	"github.com/jdeokkim/jmprof/internal/fleet/rest"
	"github.com/jdeokkim/jmprof/internal/fleet/storage"
	"github.com/jdeokkim/jmprof/internal/fleet/websocket"
)

func main() {
	configPath := flag.String("config", "/etc/jmprof/collector.yaml", "path to the jmprof collector YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadCollectorConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jmprof-collector: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("jmprof collector starting",
		slog.String("grpc_addr", cfg.GRPCAddr),
		slog.String("rest_addr", cfg.RESTAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── PostgreSQL storage ──────────────────────────────────────────────
	store, err := storage.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("failed to open storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("PostgreSQL storage connected")

	// ── WebSocket live feed ──────────────────────────────────────────────
	broadcaster := websocket.NewBroadcaster(logger, 0)
	defer broadcaster.Close()
	wsHandler := websocket.NewHandler(broadcaster, logger, 0)

	// ── gRPC ingest service (mTLS) ───────────────────────────────────────
	collectorSvc := fleetgrpc.NewCollectorService(store, broadcaster, logger)

	grpcSrv, err := fleetgrpc.New(fleetgrpc.Config{
		Addr:     cfg.GRPCAddr,
		CertPath: cfg.TLS.CertPath,
		KeyPath:  cfg.TLS.KeyPath,
		CAPath:   cfg.TLS.CAPath,
		Insecure: cfg.Insecure,
	}, logger, collectorSvc)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	// ── REST query API ───────────────────────────────────────────────────
	restSrv := rest.NewServer(store)
	restHandler := rest.NewRouter(restSrv, cfg.JWTSigningKey)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.Handle("/", restHandler)

	httpServer := &http.Server{
		Addr:         cfg.RESTAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── Start servers ─────────────────────────────────────────────────────

	grpcErrCh := make(chan error, 1)
	go func() {
		if err := grpcSrv.Serve(ctx); err != nil {
			grpcErrCh <- fmt.Errorf("gRPC server: %w", err)
		}
		close(grpcErrCh)
	}()

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP REST/WebSocket server listening", slog.String("addr", cfg.RESTAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ──────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-grpcErrCh:
		if err != nil {
			logger.Error("gRPC server error", slog.Any("error", err))
		}
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────
	logger.Info("shutting down servers")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	select {
	case err := <-grpcErrCh:
		if err != nil {
			logger.Warn("gRPC server drain error", slog.Any("error", err))
		}
	case <-shutdownCtx.Done():
		logger.Warn("gRPC graceful stop timed out; forcing stop")
		grpcSrv.Stop()
	}

	logger.Info("jmprof collector exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
