// Package grpc implements the jmprof collector's gRPC ingest service.
//
// CollectorService handles two RPCs:
//
//   - RegisterRun — allocates a stable run_id for a newly started forwarder
//     session and records it in storage.
//   - StreamLeaks — receives a bidirectional stream of LeakSummary messages,
//     persists each one's leaks and backtrace frames, fans the summary to the
//     WebSocket broadcaster, and acknowledges receipt.
//
// Broadcaster fan-out is performed with a non-blocking send so a slow or
// disconnected WebSocket consumer never applies back-pressure to the gRPC
// stream goroutine.
package grpc

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jdeokkim/jmprof/internal/fleet/storage"
	"github.com/jdeokkim/jmprof/proto/leakpb"
)

// maxConcurrentLeakInserts bounds the fan-out of per-leak storage writes for
// a single StreamLeaks message, so a summary with thousands of leaks cannot
// exhaust the database connection pool.
const maxConcurrentLeakInserts = 8

// Store is the subset of internal/fleet/storage used by CollectorService.
type Store interface {
	RegisterRun(ctx context.Context, r storage.Run) error
	InsertLeak(ctx context.Context, runID string, leak storage.Leak, frames []storage.Frame) (int64, error)
	CompleteRun(ctx context.Context, runID string, totalAllocs, totalFrees int32, liveBytes uint64, receivedAt time.Time) error
}

// Broadcaster is the subset of the websocket broadcaster used by
// CollectorService. Declaring a local interface (rather than importing the
// concrete type) keeps the service trivially testable with a stub.
type Broadcaster interface {
	Publish(summary *leakpb.LeakSummary)
}

// CollectorService implements leakpb.LeakCollectorServer.
type CollectorService struct {
	leakpb.UnimplementedLeakCollectorServer

	store       Store
	broadcaster Broadcaster
	logger      *slog.Logger
}

// NewCollectorService creates a CollectorService wired to store and
// broadcaster.
func NewCollectorService(store Store, broadcaster Broadcaster, logger *slog.Logger) *CollectorService {
	return &CollectorService{store: store, broadcaster: broadcaster, logger: logger}
}

// RegisterRun implements leakpb.LeakCollectorServer.RegisterRun. It
// allocates a new run_id and records the run's registration time; the
// summary totals are filled in later by StreamLeaks.
func (s *CollectorService) RegisterRun(ctx context.Context, req *leakpb.RegisterRunRequest) (*leakpb.RegisterRunResponse, error) {
	if req.Hostname == "" {
		return nil, status.Error(codes.InvalidArgument, "register_run: hostname must not be empty")
	}

	runID := uuid.NewString()
	r := storage.Run{
		RunID:        runID,
		Hostname:     req.Hostname,
		AgentVersion: req.AgentVersion,
		RegisteredAt: time.Now().UTC(),
	}

	if err := s.store.RegisterRun(ctx, r); err != nil {
		s.logger.Error("register_run: store failed",
			slog.String("hostname", req.Hostname),
			slog.Any("error", err),
		)
		return nil, status.Errorf(codes.Internal, "register_run: store: %v", err)
	}

	s.logger.Info("run registered",
		slog.String("run_id", runID),
		slog.String("hostname", req.Hostname),
	)

	return &leakpb.RegisterRunResponse{RunID: runID}, nil
}

// StreamLeaks implements leakpb.LeakCollectorServer.StreamLeaks. It reads
// LeakSummary messages from the client stream until EOF or context
// cancellation, persisting each one and acknowledging receipt.
func (s *CollectorService) StreamLeaks(stream leakpb.LeakCollector_StreamLeaksServer) error {
	ctx := stream.Context()

	for {
		summary, err := stream.Recv()
		if err != nil {
			if err == io.EOF ||
				err == context.Canceled ||
				err == context.DeadlineExceeded ||
				status.Code(err) == codes.Canceled ||
				status.Code(err) == codes.DeadlineExceeded {
				s.logger.Debug("stream_leaks: stream closed", slog.Any("reason", err))
				return nil
			}
			s.logger.Error("stream_leaks: transport error", slog.Any("error", err))
			return err
		}

		if err := s.handleSummary(ctx, summary); err != nil {
			if sendErr := stream.Send(&leakpb.Ack{Accepted: false, Message: err.Error()}); sendErr != nil {
				return sendErr
			}
			continue
		}

		if err := stream.Send(&leakpb.Ack{Accepted: true}); err != nil {
			return err
		}
	}
}

// handleSummary validates and persists one LeakSummary: every leak (with its
// backtrace frames) is inserted concurrently, bounded by
// maxConcurrentLeakInserts, before the run's aggregate totals are recorded.
func (s *CollectorService) handleSummary(ctx context.Context, summary *leakpb.LeakSummary) error {
	if summary.RunID == "" {
		return status.Error(codes.InvalidArgument, "stream_leaks: run_id is required")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLeakInserts)

	for _, leak := range summary.Leaks {
		leak := leak
		g.Go(func() error {
			return s.insertLeak(gctx, summary.RunID, leak)
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("stream_leaks: persist leaks failed",
			slog.String("run_id", summary.RunID),
			slog.Any("error", err),
		)
		return status.Errorf(codes.Internal, "stream_leaks: %v", err)
	}

	if err := s.store.CompleteRun(ctx, summary.RunID,
		summary.TotalAllocs, summary.TotalFrees, summary.LiveBytes,
		time.Now().UTC()); err != nil {
		s.logger.Error("stream_leaks: complete run failed",
			slog.String("run_id", summary.RunID),
			slog.Any("error", err),
		)
		return status.Errorf(codes.Internal, "stream_leaks: complete run: %v", err)
	}

	s.broadcaster.Publish(summary)

	s.logger.Info("leak summary ingested",
		slog.String("run_id", summary.RunID),
		slog.String("exec_path", summary.ExecPath),
		slog.Int("leaks", len(summary.Leaks)),
		slog.Uint64("live_bytes", summary.LiveBytes),
	)
	return nil
}

// insertLeak converts one wire Leak (with its Frame backtrace) into storage
// types and persists it.
func (s *CollectorService) insertLeak(ctx context.Context, runID string, leak *leakpb.Leak) error {
	frames := make([]storage.Frame, len(leak.Backtrace))
	for i, f := range leak.Backtrace {
		frames[i] = storage.Frame{
			FrameIndex: int32(i),
			ModuleName: f.ModuleName,
			ModuleBase: f.ModuleBase,
			SymbolName: f.SymbolName,
			SourceFile: f.SourceFile,
			Line:       f.Line,
			Column:     f.Column,
		}
	}

	_, err := s.store.InsertLeak(ctx, runID, storage.Leak{
		LeakIndex:   leak.Index,
		Addr:        leak.Addr,
		Size:        leak.Size,
		TimestampNS: leak.TimestampNS,
	}, frames)
	return err
}
