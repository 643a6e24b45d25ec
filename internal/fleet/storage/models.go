// Package storage is the PostgreSQL-backed persistence layer for the jmprof
// collector. It stores one row per traced run plus the individual leak
// records (and their symbolized backtraces) reported in that run's
// LeakSummary.
package storage

import "time"

// Run is a single traced process execution registered by a forwarder via
// RegisterRun and finalized once its LeakSummary arrives.
type Run struct {
	RunID        string     `json:"run_id"`
	Hostname     string     `json:"hostname"`
	ExecPath     string     `json:"exec_path"`
	AgentVersion string     `json:"agent_version,omitempty"`
	TotalAllocs  int32      `json:"total_allocs"`
	TotalFrees   int32      `json:"total_frees"`
	LiveBytes    uint64     `json:"live_bytes"`
	RegisteredAt time.Time  `json:"registered_at"`
	ReceivedAt   *time.Time `json:"received_at,omitempty"`
}

// Leak is one unreclaimed allocation reported in a run's LeakSummary.
type Leak struct {
	LeakID      int64  `json:"leak_id"`
	RunID       string `json:"run_id"`
	LeakIndex   int32  `json:"leak_index"`
	Addr        uint64 `json:"addr"`
	Size        uint64 `json:"size"`
	TimestampNS uint64 `json:"timestamp_ns"`
}

// Frame is one symbolized backtrace entry belonging to a Leak, in
// innermost-to-outermost order (FrameIndex 0 is the allocation site).
type Frame struct {
	LeakID     int64  `json:"-"`
	FrameIndex int32  `json:"frame_index"`
	ModuleName string `json:"module_name,omitempty"`
	ModuleBase uint64 `json:"module_base"`
	SymbolName string `json:"symbol_name,omitempty"`
	SourceFile string `json:"source_file,omitempty"`
	Line       int32  `json:"line,omitempty"`
	Column     int32  `json:"column,omitempty"`
}

// RunQuery filters ListRuns results.
type RunQuery struct {
	Hostname string
	Limit    int
	Offset   int
}
