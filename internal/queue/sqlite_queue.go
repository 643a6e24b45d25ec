// Package queue provides a WAL-mode SQLite-backed queue of resolved leak
// summaries awaiting delivery to the collector. It gives the forwarder
// at-least-once delivery semantics: a summary is persisted on Enqueue and is
// not removed until the caller calls Ack.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL. The forwarder's
// resolve goroutine calls Enqueue while a separate delivery goroutine calls
// Dequeue and Ack; the pool is limited to one connection, so these calls
// take turns on that connection rather than running in parallel.
//
// # At-least-once delivery
//
// The delivered column is set to 1 only when Ack is called. If the process
// crashes between Enqueue and Ack, the summary is returned again by the next
// Dequeue call after restart, ensuring every resolved trace reaches the
// collector even when the transport is temporarily unavailable.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/jdeokkim/jmprof/proto/leakpb"
)

// SQLiteQueue is a WAL-mode SQLite-backed queue of serialized LeakSummary
// messages. It is safe for concurrent use.
type SQLiteQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
//
// New seeds the internal depth counter from the number of rows currently
// marked as pending (delivered = 0), so Depth() is accurate immediately
// after a crash-recovery restart.
func New(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a single
	// connection avoids "database is locked" errors when multiple goroutines
	// call Enqueue concurrently; each call serialises through this connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}

	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM summary_queue WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS summary_queue (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT    NOT NULL,
    exec_path   TEXT    NOT NULL,
    payload     BLOB    NOT NULL,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_summary_queue_pending
    ON summary_queue (delivered, id);
`

// Enqueue serializes summary and persists it with delivered = 0. The summary
// remains in subsequent Dequeue results until Ack is called for its ID.
func (q *SQLiteQueue) Enqueue(ctx context.Context, summary *leakpb.LeakSummary) error {
	payload, err := summary.Marshal()
	if err != nil {
		return fmt.Errorf("queue: marshal summary: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO summary_queue (run_id, exec_path, payload) VALUES (?, ?, ?)`,
		summary.RunID, summary.ExecPath, payload,
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	q.depth.Add(1)
	return nil
}

// PendingSummary is an unacknowledged leak summary returned by Dequeue. ID is
// the database primary key used to acknowledge it via Ack.
type PendingSummary struct {
	ID      int64
	Summary *leakpb.LeakSummary
}

// Dequeue returns up to n unacknowledged summaries in insertion order (oldest
// first). It does not mark them as delivered; call Ack with the returned IDs
// to do that. If n <= 0, Dequeue returns nil without querying the database.
func (q *SQLiteQueue) Dequeue(ctx context.Context, n int) ([]PendingSummary, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, payload
		 FROM   summary_queue
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []PendingSummary
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}

		summary := &leakpb.LeakSummary{}
		if err := summary.Unmarshal(payload); err != nil {
			// A malformed row must not block the rest of the queue; skip it
			// (it stays pending and will be retried, which is harmless since
			// Unmarshal failures here would indicate on-disk corruption, not
			// a transient condition, but consistency with the at-least-once
			// contract matters more than a special case here).
			continue
		}

		out = append(out, PendingSummary{ID: id, Summary: summary})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return out, nil
}

// Ack marks the summaries identified by ids as delivered. Acknowledged rows
// are excluded from subsequent Dequeue results. Ack is idempotent.
func (q *SQLiteQueue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE summary_queue SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) summaries. It reads
// from an atomic counter updated by Enqueue and Ack, so it never blocks.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection. Subsequent calls to any
// method are undefined; callers must not use the queue after Close returns.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
