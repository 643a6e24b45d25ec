package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jdeokkim/jmprof/proto/leakpb"
)

// Config holds the listener and mTLS settings for the collector's gRPC
// server.
type Config struct {
	// Addr is the listen address, e.g. ":4443".
	Addr string

	// CertPath and KeyPath are the collector's own server certificate and
	// private key. CAPath verifies forwarder client certificates.
	CertPath string
	KeyPath  string
	CAPath   string

	// Insecure serves plaintext gRPC, skipping TLS entirely. Only meant for
	// local development.
	Insecure bool
}

// Server wraps a grpc.Server bound to an mTLS (or, in Insecure mode,
// plaintext) listener serving leakpb.LeakCollectorServer.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	grpcSrv *grpc.Server
}

// New builds a Server registered with collector. It loads and validates TLS
// material eagerly so that misconfiguration is reported before the caller
// attempts to bind a listener.
func New(cfg Config, logger *slog.Logger, collector leakpb.LeakCollectorServer) (*Server, error) {
	var opts []grpc.ServerOption

	if cfg.Insecure {
		opts = append(opts, grpc.Creds(insecure.NewCredentials()))
	} else {
		creds, err := loadServerCredentials(cfg)
		if err != nil {
			return nil, fmt.Errorf("grpc: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	grpcSrv := grpc.NewServer(opts...)
	leakpb.RegisterLeakCollectorServer(grpcSrv, collector)

	return &Server{cfg: cfg, logger: logger, grpcSrv: grpcSrv}, nil
}

// Serve listens on cfg.Addr and serves until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("grpc: listen %s: %w", s.cfg.Addr, err)
	}
	return s.ServeOnListener(ctx, lis)
}

// ServeOnListener serves on an already-bound listener until ctx is
// cancelled, at which point it attempts a graceful stop.
func (s *Server) ServeOnListener(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gRPC server listening", slog.String("addr", lis.Addr().String()))
		errCh <- s.grpcSrv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.grpcSrv.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop immediately terminates the server, dropping any in-flight RPCs.
func (s *Server) Stop() {
	s.grpcSrv.Stop()
}

// loadServerCredentials builds mTLS credentials requiring and verifying
// forwarder client certificates against cfg.CAPath.
func loadServerCredentials(cfg Config) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA certificate %s", cfg.CAPath)
	}

	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}), nil
}
