package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the PostgreSQL-backed storage layer for the jmprof collector.
//
// Unlike the teacher's alert store, run and leak writes are not batched in
// memory: StreamLeaks messages arrive one LeakSummary per run, so there is
// no high-frequency stream of individual rows to coalesce. Each RegisterRun
// and InsertLeak call executes immediately against the pool.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pgxpool connection to connStr and pings the database.
func New(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// RegisterRun inserts a new run row. RunID must already be populated by the
// caller (typically a freshly generated uuid.New().String()).
func (s *Store) RegisterRun(ctx context.Context, r Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (run_id, hostname, exec_path, agent_version, registered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO NOTHING`,
		r.RunID, r.Hostname, r.ExecPath, r.AgentVersion, r.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("register run: %w", err)
	}
	return nil
}

// CompleteRun records the aggregate totals carried by a run's LeakSummary
// and stamps received_at. It is called once per run, after every leak in
// the summary has been persisted via InsertLeak.
func (s *Store) CompleteRun(ctx context.Context, runID string, totalAllocs, totalFrees int32, liveBytes uint64, receivedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET    total_allocs = $2,
		       total_frees  = $3,
		       live_bytes   = $4,
		       received_at  = $5
		WHERE  run_id = $1`,
		runID, totalAllocs, totalFrees, liveBytes, receivedAt,
	)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", runID, err)
	}
	return nil
}

// InsertLeak persists one leak row and its backtrace frames in a single
// transaction. It is safe to call concurrently for distinct leaks belonging
// to the same run: callers fanning a batch of leaks out across goroutines
// (e.g. via errgroup) do not need external synchronization.
func (s *Store) InsertLeak(ctx context.Context, runID string, leak Leak, frames []Frame) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("insert leak: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after Commit

	var leakID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO leaks (run_id, leak_index, addr, size, timestamp_ns)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING leak_id`,
		runID, leak.LeakIndex, leak.Addr, leak.Size, leak.TimestampNS,
	).Scan(&leakID)
	if err != nil {
		return 0, fmt.Errorf("insert leak row: %w", err)
	}

	b := &pgx.Batch{}
	for i := range frames {
		f := &frames[i]
		b.Queue(`
			INSERT INTO leak_frames
				(leak_id, frame_index, module_name, module_base, symbol_name, source_file, line, column)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			leakID, f.FrameIndex, f.ModuleName, f.ModuleBase, f.SymbolName, f.SourceFile, f.Line, f.Column,
		)
	}
	if len(frames) > 0 {
		br := tx.SendBatch(ctx, b)
		for range frames {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return 0, fmt.Errorf("insert leak frame: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return 0, fmt.Errorf("close leak frame batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("insert leak: commit: %w", err)
	}
	return leakID, nil
}

// GetRun returns the run with the given ID, or an error wrapping
// pgx.ErrNoRows when not found.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, hostname, exec_path, agent_version,
		       total_allocs, total_frees, live_bytes, registered_at, received_at
		FROM   runs
		WHERE  run_id = $1`, runID)

	r, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// ListRuns returns runs ordered by registered_at descending, optionally
// filtered by hostname. q.Limit defaults to 100.
func (s *Store) ListRuns(ctx context.Context, q RunQuery) ([]Run, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	where := ""
	args := []any{q.Limit, q.Offset}
	if q.Hostname != "" {
		where = "WHERE hostname = $3"
		args = append(args, q.Hostname)
	}

	sql := fmt.Sprintf(`
		SELECT run_id, hostname, exec_path, agent_version,
		       total_allocs, total_frees, live_bytes, registered_at, received_at
		FROM   runs
		%s
		ORDER  BY registered_at DESC
		LIMIT  $1 OFFSET $2`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// ListLeaks returns every leak for runID ordered by leak_index, each with
// its backtrace frames ordered by frame_index.
func (s *Store) ListLeaks(ctx context.Context, runID string) ([]Leak, map[int64][]Frame, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT leak_id, run_id, leak_index, addr, size, timestamp_ns
		FROM   leaks
		WHERE  run_id = $1
		ORDER  BY leak_index`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("list leaks: %w", err)
	}

	var leaks []Leak
	for rows.Next() {
		var l Leak
		if err := rows.Scan(&l.LeakID, &l.RunID, &l.LeakIndex, &l.Addr, &l.Size, &l.TimestampNS); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan leak: %w", err)
		}
		leaks = append(leaks, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("list leaks rows: %w", err)
	}

	frameRows, err := s.pool.Query(ctx, `
		SELECT f.leak_id, f.frame_index, f.module_name, f.module_base,
		       f.symbol_name, f.source_file, f.line, f.column
		FROM   leak_frames f
		JOIN   leaks l ON l.leak_id = f.leak_id
		WHERE  l.run_id = $1
		ORDER  BY f.leak_id, f.frame_index`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("list leak frames: %w", err)
	}
	defer frameRows.Close()

	frames := make(map[int64][]Frame)
	for frameRows.Next() {
		var f Frame
		if err := frameRows.Scan(&f.LeakID, &f.FrameIndex, &f.ModuleName, &f.ModuleBase,
			&f.SymbolName, &f.SourceFile, &f.Line, &f.Column); err != nil {
			return nil, nil, fmt.Errorf("scan leak frame: %w", err)
		}
		frames[f.LeakID] = append(frames[f.LeakID], f)
	}
	return leaks, frames, frameRows.Err()
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	err := s.Scan(
		&r.RunID, &r.Hostname, &r.ExecPath, &r.AgentVersion,
		&r.TotalAllocs, &r.TotalFrees, &r.LiveBytes,
		&r.RegisteredAt, &r.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
