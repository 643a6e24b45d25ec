// Command forwarder is the jmprof forwarder daemon. It watches a directory
// for trace files written by cmd/tracer, resolves each one into a leak
// summary, persists the summary in a local at-least-once queue, and
// delivers queued summaries to the collector over mTLS. It exposes a
// /healthz liveness endpoint and shuts down gracefully on SIGTERM or
// SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/jdeokkim/jmprof/internal/config"
	"github.com/jdeokkim/jmprof/internal/queue"
	"github.com/jdeokkim/jmprof/internal/resolve"
	"github.com/jdeokkim/jmprof/internal/symbolize"
	"github.com/jdeokkim/jmprof/internal/transport"
	"github.com/jdeokkim/jmprof/proto/leakpb"
)

// traceFileSuffix identifies files written by cmd/tracer's atexit hook as
// complete and ready to resolve.
const traceFileSuffix = ".jmproftrace"

// scanInterval is how frequently the watch directory is polled for new
// trace files.
const scanInterval = 2 * time.Second

// deliverInterval is how frequently the queue is drained toward the
// collector.
const deliverInterval = 1 * time.Second

// deliverBatchSize is the maximum number of queued summaries dequeued per
// delivery attempt.
const deliverBatchSize = 16

func main() {
	configPath := flag.String("config", "/etc/jmprof/forwarder.yaml", "path to the jmprof forwarder YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadForwarderConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jmprof-forwarder: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("collector_addr", cfg.CollectorAddr),
		slog.String("watch_dir", cfg.WatchDir),
		slog.String("queue_path", cfg.QueuePath),
	)

	q, err := queue.New(cfg.QueuePath)
	if err != nil {
		logger.Error("failed to open summary queue", slog.String("path", cfg.QueuePath), slog.Any("error", err))
		os.Exit(1)
	}
	defer q.Close()
	logger.Info("summary queue opened", slog.String("path", cfg.QueuePath), slog.Int("pending", q.Depth()))

	meter := otel.GetMeterProvider().Meter("jmprof-forwarder")
	metrics, err := transport.NewMetrics(meter)
	if err != nil {
		logger.Error("failed to register transport metrics", slog.Any("error", err))
		os.Exit(1)
	}

	grpcTransport := transport.New(
		transport.Config{
			CollectorAddr: cfg.CollectorAddr,
			CertPath:      cfg.TLS.CertPath,
			KeyPath:       cfg.TLS.KeyPath,
			CAPath:        cfg.TLS.CAPath,
			Insecure:      cfg.Insecure,
			AgentVersion:  cfg.AgentVersion,
		},
		logger,
		metrics,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := grpcTransport.Start(ctx); err != nil {
		logger.Error("failed to start transport", slog.Any("error", err))
		os.Exit(1)
	}

	w := &watcher{
		dir:    cfg.WatchDir,
		sym:    symbolize.New(),
		q:      q,
		logger: logger,
		seen:   make(map[string]struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); w.run(ctx) }()
	go func() { defer wg.Done(); deliverLoop(ctx, q, grpcTransport, logger) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(rw, `{"status":"ok","queue_depth":%d}`, q.Depth())
	})

	healthServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("healthz server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	cancel()
	grpcTransport.Stop()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	logger.Info("jmprof forwarder exited cleanly")
}

// watcher polls dir for completed trace files and resolves each one exactly
// once into a leak summary enqueued for delivery.
type watcher struct {
	dir    string
	sym    symbolize.Symbolizer
	q      *queue.SQLiteQueue
	logger *slog.Logger

	seen map[string]struct{}
}

func (w *watcher) run(ctx context.Context) {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		w.scan(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("watch directory unreadable", slog.String("dir", w.dir), slog.Any("error", err))
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != traceFileSuffix {
			continue
		}
		if _, ok := w.seen[entry.Name()]; ok {
			continue
		}
		w.seen[entry.Name()] = struct{}{}

		path := filepath.Join(w.dir, entry.Name())
		if err := w.resolveAndEnqueue(ctx, path); err != nil {
			w.logger.Error("failed to resolve trace file", slog.String("path", path), slog.Any("error", err))
			continue
		}
	}
}

func (w *watcher) resolveAndEnqueue(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	rs := resolve.New(w.sym)
	summary, err := rs.Resolve(f)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", path, err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	pb := &leakpb.LeakSummary{
		ExecPath:    summary.ExecPath,
		Hostname:    hostname,
		TotalAllocs: int32(summary.TotalAllocs),
		TotalFrees:  int32(summary.TotalFrees),
		LiveBytes:   summary.LiveBytes,
		Leaks:       make([]*leakpb.Leak, len(summary.Leaks)),
	}
	for i, leak := range summary.Leaks {
		backtrace := make([]*leakpb.Frame, len(leak.Backtrace))
		for j, fr := range leak.Backtrace {
			backtrace[j] = &leakpb.Frame{
				ModuleName: fr.ModuleName,
				ModuleBase: fr.ModuleBase,
				SymbolName: fr.SymbolName,
				SourceFile: fr.SourceFile,
				Line:       int32(fr.Line),
				Column:     int32(fr.Column),
			}
		}
		pb.Leaks[i] = &leakpb.Leak{
			Index:       int32(leak.Index),
			TimestampNS: leak.TimestampNS,
			Addr:        leak.Addr,
			Size:        leak.Size,
			Backtrace:   backtrace,
		}
	}

	if err := w.q.Enqueue(ctx, pb); err != nil {
		return fmt.Errorf("enqueue summary: %w", err)
	}

	w.logger.Info("trace resolved and queued",
		slog.String("path", path),
		slog.String("exec_path", summary.ExecPath),
		slog.Int("leaks", len(summary.Leaks)),
		slog.Uint64("live_bytes", summary.LiveBytes),
	)
	return nil
}

// deliverLoop periodically drains the queue and pushes pending summaries to
// the collector, acknowledging each summary once Send succeeds. Summaries
// that fail to send remain in the queue and are retried on the next tick.
func deliverLoop(ctx context.Context, q *queue.SQLiteQueue, t *transport.GRPCTransport, logger *slog.Logger) {
	ticker := time.NewTicker(deliverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := q.Dequeue(ctx, deliverBatchSize)
		if err != nil {
			logger.Warn("failed to dequeue pending summaries", slog.Any("error", err))
			continue
		}

		var delivered []int64
		for _, p := range pending {
			if err := t.Send(p.Summary); err != nil {
				logger.Warn("failed to send summary; will retry", slog.Int64("id", p.ID), slog.Any("error", err))
				break
			}
			delivered = append(delivered, p.ID)
		}

		if len(delivered) == 0 {
			continue
		}
		if err := q.Ack(ctx, delivered); err != nil {
			logger.Error("failed to acknowledge delivered summaries", slog.Any("error", err))
		}
	}
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
