package grpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	grpcmeta "google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jdeokkim/jmprof/internal/fleet/storage"
	"github.com/jdeokkim/jmprof/proto/leakpb"
)

// ---- test doubles -------------------------------------------------------

// mockStore records RegisterRun, InsertLeak and CompleteRun calls.
type mockStore struct {
	mu sync.Mutex

	registeredRuns []storage.Run
	registerErr    error

	insertedLeaks []storage.Leak
	insertedFrames [][]storage.Frame
	insertErr      error

	completedRunID string
	completeErr    error
}

func (m *mockStore) RegisterRun(_ context.Context, r storage.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registerErr != nil {
		return m.registerErr
	}
	m.registeredRuns = append(m.registeredRuns, r)
	return nil
}

func (m *mockStore) InsertLeak(_ context.Context, _ string, leak storage.Leak, frames []storage.Frame) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return 0, m.insertErr
	}
	m.insertedLeaks = append(m.insertedLeaks, leak)
	m.insertedFrames = append(m.insertedFrames, frames)
	return int64(len(m.insertedLeaks)), nil
}

func (m *mockStore) CompleteRun(_ context.Context, runID string, _, _ int32, _ uint64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return m.completeErr
	}
	m.completedRunID = runID
	return nil
}

// stubBroadcaster records Publish calls.
type stubBroadcaster struct {
	mu        sync.Mutex
	summaries []*leakpb.LeakSummary
}

func (b *stubBroadcaster) Publish(summary *leakpb.LeakSummary) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summaries = append(b.summaries, summary)
}

func (b *stubBroadcaster) published() []*leakpb.LeakSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*leakpb.LeakSummary, len(b.summaries))
	copy(out, b.summaries)
	return out
}

// mockStream is a hand-rolled leakpb.LeakCollector_StreamLeaksServer for
// unit testing StreamLeaks without a real gRPC network connection.
type mockStream struct {
	ctx context.Context

	mu      sync.Mutex
	inbound []*leakpb.LeakSummary
	recvAt  int
	sent    []*leakpb.Ack
}

func newMockStream(ctx context.Context, inbound ...*leakpb.LeakSummary) *mockStream {
	return &mockStream{ctx: ctx, inbound: inbound}
}

// Context implements grpc.ServerStream.
func (m *mockStream) Context() context.Context { return m.ctx }

// Recv returns queued summaries one by one, then io.EOF.
func (m *mockStream) Recv() (*leakpb.LeakSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recvAt >= len(m.inbound) {
		return nil, io.EOF
	}
	s := m.inbound[m.recvAt]
	m.recvAt++
	return s, nil
}

// Send records the outbound Ack.
func (m *mockStream) Send(a *leakpb.Ack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, a)
	return nil
}

func (m *mockStream) acks() []*leakpb.Ack {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*leakpb.Ack, len(m.sent))
	copy(out, m.sent)
	return out
}

// grpc.ServerStream boilerplate — unused in these tests.
func (m *mockStream) SendMsg(any) error             { return nil }
func (m *mockStream) RecvMsg(any) error             { return nil }
func (m *mockStream) SendHeader(grpcmeta.MD) error  { return nil }
func (m *mockStream) SetHeader(grpcmeta.MD) error   { return nil }
func (m *mockStream) SetTrailer(grpcmeta.MD)        {}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleSummary(runID string) *leakpb.LeakSummary {
	return &leakpb.LeakSummary{
		RunID:       runID,
		ExecPath:    "/bin/target",
		Hostname:    "host-a",
		TotalAllocs: 10,
		TotalFrees:  8,
		LiveBytes:   96,
		Leaks: []*leakpb.Leak{
			{Index: 0, Addr: 0x10, Size: 48, TimestampNS: 1, Backtrace: []*leakpb.Frame{
				{SymbolName: "main"},
			}},
			{Index: 1, Addr: 0x20, Size: 48, TimestampNS: 2},
		},
	}
}

// ---- RegisterRun tests ----------------------------------------------------

func TestRegisterRun_EmptyHostname_ReturnsInvalidArgument(t *testing.T) {
	store := &mockStore{}
	svc := NewCollectorService(store, &stubBroadcaster{}, newLogger())

	_, err := svc.RegisterRun(context.Background(), &leakpb.RegisterRunRequest{Hostname: ""})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	if len(store.registeredRuns) != 0 {
		t.Errorf("store should not have recorded a run, got %+v", store.registeredRuns)
	}
}

func TestRegisterRun_HappyPath_ReturnsRunID(t *testing.T) {
	store := &mockStore{}
	svc := NewCollectorService(store, &stubBroadcaster{}, newLogger())

	resp, err := svc.RegisterRun(context.Background(), &leakpb.RegisterRunRequest{
		Hostname:     "host-a",
		AgentVersion: "1.2.3",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.RunID == "" {
		t.Fatal("expected a non-empty run_id")
	}
	if len(store.registeredRuns) != 1 {
		t.Fatalf("expected 1 recorded run, got %d", len(store.registeredRuns))
	}
	if store.registeredRuns[0].RunID != resp.RunID {
		t.Errorf("store recorded run_id %q, response has %q", store.registeredRuns[0].RunID, resp.RunID)
	}
	if store.registeredRuns[0].Hostname != "host-a" {
		t.Errorf("unexpected hostname recorded: %q", store.registeredRuns[0].Hostname)
	}
}

func TestRegisterRun_StoreError_ReturnsInternal(t *testing.T) {
	store := &mockStore{registerErr: errors.New("db down")}
	svc := NewCollectorService(store, &stubBroadcaster{}, newLogger())

	_, err := svc.RegisterRun(context.Background(), &leakpb.RegisterRunRequest{Hostname: "host-a"})
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
}

// ---- StreamLeaks tests -----------------------------------------------------

func TestStreamLeaks_HappyPath_PersistsAndAcksAndBroadcasts(t *testing.T) {
	store := &mockStore{}
	bcast := &stubBroadcaster{}
	svc := NewCollectorService(store, bcast, newLogger())

	summary := sampleSummary("run-1")
	stream := newMockStream(context.Background(), summary)

	if err := svc.StreamLeaks(stream); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.insertedLeaks) != 2 {
		t.Fatalf("expected 2 inserted leaks, got %d", len(store.insertedLeaks))
	}
	if store.completedRunID != "run-1" {
		t.Errorf("expected CompleteRun called with run-1, got %q", store.completedRunID)
	}
	if len(bcast.published()) != 1 {
		t.Fatalf("expected 1 broadcast summary, got %d", len(bcast.published()))
	}

	acks := stream.acks()
	if len(acks) != 1 || !acks[0].Accepted {
		t.Fatalf("expected a single accepted ack, got %+v", acks)
	}
}

func TestStreamLeaks_EmptyRunID_SendsRejectedAck(t *testing.T) {
	store := &mockStore{}
	bcast := &stubBroadcaster{}
	svc := NewCollectorService(store, bcast, newLogger())

	summary := sampleSummary("")
	stream := newMockStream(context.Background(), summary)

	if err := svc.StreamLeaks(stream); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.insertedLeaks) != 0 {
		t.Errorf("expected no leaks persisted, got %d", len(store.insertedLeaks))
	}
	if len(bcast.published()) != 0 {
		t.Errorf("expected no broadcast, got %d", len(bcast.published()))
	}

	acks := stream.acks()
	if len(acks) != 1 || acks[0].Accepted {
		t.Fatalf("expected a single rejected ack, got %+v", acks)
	}
	if acks[0].Message == "" {
		t.Error("expected a non-empty rejection message")
	}
}

func TestStreamLeaks_InsertLeakError_SendsRejectedAckNoBroadcast(t *testing.T) {
	store := &mockStore{insertErr: errors.New("insert failed")}
	bcast := &stubBroadcaster{}
	svc := NewCollectorService(store, bcast, newLogger())

	summary := sampleSummary("run-1")
	stream := newMockStream(context.Background(), summary)

	if err := svc.StreamLeaks(stream); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.completedRunID != "" {
		t.Errorf("CompleteRun should not have been called, got %q", store.completedRunID)
	}
	if len(bcast.published()) != 0 {
		t.Errorf("expected no broadcast after insert failure, got %d", len(bcast.published()))
	}

	acks := stream.acks()
	if len(acks) != 1 || acks[0].Accepted {
		t.Fatalf("expected a single rejected ack, got %+v", acks)
	}
}

func TestStreamLeaks_CompleteRunError_SendsRejectedAckNoBroadcast(t *testing.T) {
	store := &mockStore{completeErr: errors.New("complete failed")}
	bcast := &stubBroadcaster{}
	svc := NewCollectorService(store, bcast, newLogger())

	summary := sampleSummary("run-1")
	stream := newMockStream(context.Background(), summary)

	if err := svc.StreamLeaks(stream); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(bcast.published()) != 0 {
		t.Errorf("expected no broadcast after complete-run failure, got %d", len(bcast.published()))
	}

	acks := stream.acks()
	if len(acks) != 1 || acks[0].Accepted {
		t.Fatalf("expected a single rejected ack, got %+v", acks)
	}
}

func TestStreamLeaks_MultipleSummaries_AcksEach(t *testing.T) {
	store := &mockStore{}
	bcast := &stubBroadcaster{}
	svc := NewCollectorService(store, bcast, newLogger())

	stream := newMockStream(context.Background(), sampleSummary("run-1"), sampleSummary("run-2"))

	if err := svc.StreamLeaks(stream); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acks := stream.acks()
	if len(acks) != 2 {
		t.Fatalf("expected 2 acks, got %d", len(acks))
	}
	for i, a := range acks {
		if !a.Accepted {
			t.Errorf("ack %d: expected accepted, got %+v", i, a)
		}
	}
	if len(bcast.published()) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", len(bcast.published()))
	}
}

func TestStreamLeaks_EOF_ReturnsNilWithNoAcks(t *testing.T) {
	store := &mockStore{}
	svc := NewCollectorService(store, &stubBroadcaster{}, newLogger())

	stream := newMockStream(context.Background())

	if err := svc.StreamLeaks(stream); err != nil {
		t.Fatalf("expected nil error on immediate EOF, got %v", err)
	}
	if len(stream.acks()) != 0 {
		t.Errorf("expected no acks, got %d", len(stream.acks()))
	}
}
