package websocket_test

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	ws "github.com/jdeokkim/jmprof/internal/fleet/websocket"
	"github.com/jdeokkim/jmprof/proto/leakpb"
)

func newTestBroadcaster() *ws.Broadcaster {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return ws.NewBroadcaster(logger, 16)
}

func sampleLeakSummary() *leakpb.LeakSummary {
	return &leakpb.LeakSummary{
		RunID:       "run-1",
		ExecPath:    "/bin/target",
		Hostname:    "host-a",
		TotalAllocs: 10,
		TotalFrees:  8,
		LiveBytes:   48,
		Leaks: []*leakpb.Leak{
			{Index: 0, Addr: 0x10, Size: 48},
		},
	}
}

// TestBroadcasterRegisterUnregister verifies that Register/Unregister work
// and that ClientCount tracks the number of connected clients.
func TestBroadcasterRegisterUnregister(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()

	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients after init, got %d", got)
	}

	c1 := bc.Register("c1")
	c2 := bc.Register("c2")

	if got := bc.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	if c1.ID() != "c1" {
		t.Errorf("client ID mismatch: got %q, want %q", c1.ID(), "c1")
	}

	bc.Unregister("c1")
	if got := bc.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	select {
	case _, ok := <-c1.Send():
		if ok {
			t.Error("expected send channel to be closed after Unregister")
		}
	default:
		t.Error("expected send channel to be closed (readable), not blocked")
	}

	bc.Unregister("c2")
	_ = c2
	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

// TestBroadcasterPublish verifies that Publish delivers the summary to all
// registered clients with correct JSON structure.
func TestBroadcasterPublish(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()

	c1 := bc.Register("c1")
	c2 := bc.Register("c2")
	defer bc.Unregister("c1")
	defer bc.Unregister("c2")

	bc.Publish(sampleLeakSummary())

	deadline := time.After(100 * time.Millisecond)
	for _, ch := range []<-chan []byte{c1.Send(), c2.Send()} {
		select {
		case raw, ok := <-ch:
			if !ok {
				t.Fatal("send channel closed unexpectedly")
			}
			var got ws.SummaryMessage
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != "leak_summary" {
				t.Errorf("got type %q, want %q", got.Type, "leak_summary")
			}
			if got.Data.RunID != "run-1" {
				t.Errorf("got run_id %q, want %q", got.Data.RunID, "run-1")
			}
			if got.Data.LeakCount != 1 {
				t.Errorf("got leak_count %d, want 1", got.Data.LeakCount)
			}
		case <-deadline:
			t.Fatal("timeout waiting for published message")
		}
	}
}

// TestBroadcasterDropsWhenBufferFull verifies that a slow client's send
// buffer fills up and subsequent publishes are dropped (Dropped counter is
// incremented) rather than blocking the publisher.
func TestBroadcasterDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bc := ws.NewBroadcaster(logger, 2) // tiny buffer, never drained

	c := bc.Register("slow-client")
	defer bc.Unregister("slow-client")

	summary := sampleLeakSummary()

	bc.Publish(summary)
	bc.Publish(summary)
	bc.Publish(summary) // should be dropped

	if got := c.Dropped.Load(); got < 1 {
		t.Errorf("expected at least 1 drop, got %d", got)
	}
}

// TestBroadcasterUnregisterNonexistent verifies that unregistering an
// unknown client ID is a no-op and does not panic.
func TestBroadcasterUnregisterNonexistent(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	bc.Unregister("does-not-exist")
}

// TestBroadcasterPublishEmptyRoom verifies that publishing with no clients
// registered does not panic or block.
func TestBroadcasterPublishEmptyRoom(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	bc.Publish(sampleLeakSummary())
}

// TestBroadcasterCloseClosesAllClients verifies that Close unregisters and
// closes every connected client's channel and that Publish becomes a no-op.
func TestBroadcasterCloseClosesAllClients(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	c1 := bc.Register("c1")
	c2 := bc.Register("c2")

	bc.Close()

	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients after Close, got %d", got)
	}

	for _, c := range []*ws.Client{c1, c2} {
		select {
		case _, ok := <-c.Send():
			if ok {
				t.Errorf("expected %s's send channel to be closed after Close", c.ID())
			}
		default:
			t.Errorf("expected %s's send channel to be closed (readable), not blocked", c.ID())
		}
	}

	// Publish after Close must not panic and must not deliver anything.
	bc.Publish(sampleLeakSummary())
}

// TestBroadcasterRegisterAfterClose verifies that a client registered after
// Close immediately sees a closed channel.
func TestBroadcasterRegisterAfterClose(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	bc.Close()

	c := bc.Register("late")
	select {
	case _, ok := <-c.Send():
		if ok {
			t.Error("expected send channel to already be closed")
		}
	default:
		t.Error("expected send channel to be closed (readable), not blocked")
	}
	if got := bc.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients, got %d", got)
	}
}
