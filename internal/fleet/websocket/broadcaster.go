// Package websocket provides the in-process WebSocket broadcaster for the
// jmprof collector. The Broadcaster fans newly ingested leak summaries out to
// all currently-connected dashboard clients without blocking the gRPC
// StreamLeaks ingestion goroutine.
//
// Design notes
//
//   - Each WebSocket client has a dedicated buffered channel of JSON-encoded
//     summary messages. A non-blocking send is used so that a slow or
//     disconnected client never applies back-pressure to the gRPC StreamLeaks
//     goroutine.
//   - Named clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot broadcast path.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jdeokkim/jmprof/proto/leakpb"
)

// SummaryData holds the structured leak-summary payload sent to dashboard
// clients as part of a SummaryMessage envelope.
type SummaryData struct {
	RunID       string `json:"run_id"`
	ExecPath    string `json:"exec_path"`
	Hostname    string `json:"hostname"`
	TotalAllocs int32  `json:"total_allocs"`
	TotalFrees  int32  `json:"total_frees"`
	LiveBytes   uint64 `json:"live_bytes"`
	LeakCount   int    `json:"leak_count"`
}

// SummaryMessage is the top-level JSON envelope pushed to dashboard WebSocket
// clients. Type is always "leak_summary".
type SummaryMessage struct {
	Type string      `json:"type"`
	Data SummaryData `json:"data"`
}

// Client represents a single connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded summary frames
// are delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans leak summaries out to all currently-connected WebSocket
// clients. It is safe for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster.
//
// bufSize is the per-client channel buffer depth. Pass 0 to use the default
// of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register creates a new Client with the given id, stores it in the
// broadcaster, and returns a pointer to it. The caller must call
// Unregister(id) to release resources when the client disconnects.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id from the broadcaster and closes its
// Send channel so the associated write goroutine exits cleanly. Calling
// Unregister with an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*Client)
		close(c.send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered WebSocket clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Publish converts summary to a SummaryMessage and delivers it to every
// registered WebSocket client using a non-blocking send. When a client's
// buffer is full the message is dropped and the client's Dropped counter is
// incremented.
func (b *Broadcaster) Publish(summary *leakpb.LeakSummary) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(SummaryMessage{
		Type: "leak_summary",
		Data: SummaryData{
			RunID:       summary.RunID,
			ExecPath:    summary.ExecPath,
			Hostname:    summary.Hostname,
			TotalAllocs: summary.TotalAllocs,
			TotalFrees:  summary.TotalFrees,
			LiveBytes:   summary.LiveBytes,
			LeakCount:   len(summary.Leaks),
		},
	})
	if err != nil {
		b.logger.Error("websocket broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("websocket broadcaster: client buffer full, dropping summary",
				slog.String("client_id", c.id),
			)
		}
		return true
	})
}

// Close unregisters every connected client and closes its channel. After
// Close returns, Publish is a no-op.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*Client)
			close(c.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
