// Package transport implements the gRPC client the forwarder uses to push
// resolved leak summaries to the collector.
//
// # Overview
//
// GRPCTransport connects to the collector using mutual TLS (mTLS): the
// forwarder presents a client certificate to prove its identity, and it
// verifies the collector's server certificate against a trusted CA.
//
// Once connected, the transport:
//  1. Calls RegisterRun to exchange identity metadata and receive a
//     server-assigned run_id that is embedded in every subsequent summary.
//  2. Opens the StreamLeaks bidirectional stream to push LeakSummary
//     messages.
//  3. Drains Ack messages from the server side of the stream in a background
//     goroutine, logging any rejection.
//
// # Reconnection
//
// If the connection drops for any reason, GRPCTransport reconnects
// automatically using exponential backoff with the backoff library's default
// growth factor (1.5) and randomization (±50%): the interval grows from
// InitialBackoff until it is capped at MaxBackoff, and each wait is drawn
// at random around the current interval. On a successful reconnection the backoff interval resets to
// InitialBackoff so that a transient fault is not penalised on the next
// failure.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jdeokkim/jmprof/proto/leakpb"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultDialTimeout    = 30 * time.Second
)

// Config holds the configuration for the gRPC transport.
type Config struct {
	// CollectorAddr is the "host:port" of the collector's gRPC endpoint.
	CollectorAddr string

	// CertPath, KeyPath, CAPath locate the forwarder's mTLS material.
	CertPath string
	KeyPath  string
	CAPath   string

	// InitialBackoff is the starting interval for exponential-backoff
	// reconnection. Defaults to 1 second when zero.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential-backoff interval. Defaults to 2
	// minutes when zero.
	MaxBackoff time.Duration

	// DialTimeout limits how long the transport waits for the initial dial
	// and RegisterRun RPC to complete on each connection attempt. Defaults
	// to 30 seconds when zero.
	DialTimeout time.Duration

	// Hostname overrides the OS hostname sent in RegisterRun. Defaults to
	// os.Hostname() when empty.
	Hostname string

	// AgentVersion is sent to the collector during registration.
	AgentVersion string

	// Insecure, when set, skips mTLS entirely and dials in plaintext. It
	// exists only for local development against a collector started without
	// certificates; production deployments always set CertPath/KeyPath/CAPath.
	Insecure bool
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
}

// GRPCTransport streams LeakSummary messages to the collector over a
// mTLS-protected bidirectional gRPC stream, maintaining the connection with
// exponential-backoff reconnection.
type GRPCTransport struct {
	cfg    Config
	logger *slog.Logger

	metrics *Metrics

	creds credentials.TransportCredentials

	mu     sync.RWMutex
	stream leakpb.LeakCollector_StreamLeaksClient
	runID  string

	sendMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new GRPCTransport with the given configuration and logger.
// Call [GRPCTransport.Start] to begin connecting.
func New(cfg Config, logger *slog.Logger, metrics *Metrics) *GRPCTransport {
	cfg.applyDefaults()
	return &GRPCTransport{cfg: cfg, logger: logger, metrics: metrics}
}

// Start validates the mTLS credentials from disk (unless Insecure is set),
// then launches a background goroutine that connects to the collector and
// keeps the connection alive.
func (t *GRPCTransport) Start(ctx context.Context) error {
	if !t.cfg.Insecure {
		creds, err := t.loadTLSCredentials()
		if err != nil {
			return fmt.Errorf("transport: %w", err)
		}
		t.creds = creds
	}

	if t.cfg.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			h = "unknown"
		}
		t.cfg.Hostname = h
	}

	connectCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go t.connectLoop(connectCtx)

	return nil
}

// Send pushes summary to the active StreamLeaks stream. It returns an error
// if the transport is currently reconnecting; the caller's local queue
// provides durability across that window.
func (t *GRPCTransport) Send(summary *leakpb.LeakSummary) error {
	t.mu.RLock()
	stream := t.stream
	runID := t.runID
	t.mu.RUnlock()

	if stream == nil {
		return fmt.Errorf("transport: not connected to collector")
	}
	summary.RunID = runID

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.RLock()
	stream = t.stream
	t.mu.RUnlock()
	if stream == nil {
		return fmt.Errorf("transport: not connected to collector")
	}

	if err := stream.Send(summary); err != nil {
		return fmt.Errorf("transport: send summary: %w", err)
	}
	if t.metrics != nil {
		t.metrics.RecordSummarySent(len(summary.Leaks))
	}
	return nil
}

// Stop cancels the connection loop and waits for all background goroutines
// to exit. Safe to call multiple times.
func (t *GRPCTransport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *GRPCTransport) connectLoop(ctx context.Context) {
	defer t.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.InitialBackoff
	b.MaxInterval = t.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		t.logger.Info("transport: connecting to collector", slog.String("addr", t.cfg.CollectorAddr))

		wasConnected, err := t.connect(ctx)

		if ctx.Err() != nil {
			return
		}

		if wasConnected {
			b.Reset()
			if t.metrics != nil {
				t.metrics.RecordReconnect()
			}
		}

		if err != nil {
			t.logger.Warn("transport: connection ended", slog.Any("error", err), slog.String("addr", t.cfg.CollectorAddr))
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			t.logger.Error("transport: backoff exhausted; giving up")
			return
		}

		t.logger.Info("transport: will reconnect", slog.String("addr", t.cfg.CollectorAddr), slog.Duration("after", wait))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (t *GRPCTransport) connect(ctx context.Context) (wasConnected bool, err error) {
	opts := []grpc.DialOption{}
	if t.cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(t.creds))
	}

	conn, err := grpc.NewClient(t.cfg.CollectorAddr, opts...)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", t.cfg.CollectorAddr, err)
	}
	defer conn.Close()

	client := leakpb.NewLeakCollectorClient(conn)

	regCtx, regCancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	resp, err := client.RegisterRun(regCtx, &leakpb.RegisterRunRequest{
		Hostname:     t.cfg.Hostname,
		AgentVersion: t.cfg.AgentVersion,
	})
	regCancel()
	if err != nil {
		return false, fmt.Errorf("RegisterRun: %w", err)
	}

	runID := resp.RunID
	t.logger.Info("transport: run registered with collector", slog.String("run_id", runID), slog.String("addr", t.cfg.CollectorAddr))

	stream, err := client.StreamLeaks(ctx)
	if err != nil {
		return false, fmt.Errorf("StreamLeaks: %w", err)
	}

	t.mu.Lock()
	t.stream = stream
	t.runID = runID
	t.mu.Unlock()

	t.logger.Info("transport: stream established", slog.String("addr", t.cfg.CollectorAddr), slog.String("run_id", runID))

	streamErr := t.drainAcks(stream)

	t.mu.Lock()
	t.stream = nil
	t.mu.Unlock()

	if streamErr == io.EOF {
		return true, nil
	}
	return true, streamErr
}

// drainAcks reads Ack messages from stream until it closes. Rejections are
// logged; the queue layer above is responsible for deciding whether to
// retry a rejected summary.
func (t *GRPCTransport) drainAcks(stream leakpb.LeakCollector_StreamLeaksClient) error {
	for {
		ack, err := stream.Recv()
		if err != nil {
			return err
		}
		if !ack.Accepted {
			t.logger.Warn("transport: summary rejected by collector", slog.String("message", ack.Message))
		}
	}
}

func (t *GRPCTransport) loadTLSCredentials() (credentials.TransportCredentials, error) {
	agentCert, err := tls.LoadX509KeyPair(t.cfg.CertPath, t.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load forwarder cert/key (%s, %s): %w", t.cfg.CertPath, t.cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(t.cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", t.cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", t.cfg.CAPath)
	}

	serverName, _, splitErr := net.SplitHostPort(t.cfg.CollectorAddr)
	if splitErr != nil {
		serverName = t.cfg.CollectorAddr
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{agentCert},
		RootCAs:      caPool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}

	return credentials.NewTLS(tlsCfg), nil
}
