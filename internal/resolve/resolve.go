// Package resolve implements the offline resolver described in spec.md §4.4:
// replaying a trace file to reconstruct a point-in-time module map, matching
// 'a'/'f' records into a live-allocation table, and producing a leak summary
// for every allocation never freed.
package resolve

import (
	"fmt"
	"io"
	"strings"

	"github.com/jdeokkim/jmprof/internal/symbolize"
	"github.com/jdeokkim/jmprof/internal/traceio"
)

// Frame is one symbolized backtrace entry attached to a Leak.
type Frame = symbolize.Frame

// Leak is a single allocation that was never matched by a later free.
type Leak struct {
	Index       int
	TimestampNS uint64
	Addr        uint64
	Size        uint64
	Backtrace   []Frame
}

// Summary is the result of resolving one trace file.
type Summary struct {
	ExecPath    string
	TotalAllocs int
	TotalFrees  int
	LiveBytes   uint64
	Leaks       []Leak
}

// liveEntry tracks one allocation between its 'a' record and either a
// matching 'f' or the end of the trace.
type liveEntry struct {
	timestampNS uint64
	size        uint64
	backtrace   []uint64 // raw instruction addresses, symbolized lazily
}

// Resolver replays a trace and accumulates the live-allocation table. It is
// not safe for concurrent use; one Resolver processes one trace file.
type Resolver struct {
	sym symbolize.Symbolizer

	execPath string

	// order preserves allocation sequence for deterministic leak numbering;
	// live maps an address to its index into order; freed addresses are
	// deleted from it.
	order []uint64
	live  map[uint64]int
	table map[uint64]*liveEntry

	totalAllocs int
	totalFrees  int

	inModuleSet bool
	pendingBT   []uint64 // backtrace frames accumulated since the last 'a'/'f'
	lastOp      traceio.Opcode
	lastAddr    uint64
}

// New constructs a Resolver that symbolizes addresses with sym.
func New(sym symbolize.Symbolizer) *Resolver {
	return &Resolver{
		sym:   sym,
		live:  make(map[uint64]int),
		table: make(map[uint64]*liveEntry),
	}
}

// Resolve reads every record from r and returns the resulting Summary.
func (rs *Resolver) Resolve(r io.Reader) (Summary, error) {
	err := traceio.Scan(r, rs.apply)
	if err != nil {
		return Summary{}, fmt.Errorf("resolve: scan trace: %w", err)
	}
	// Frames that trail the final 'a'/'f' record have no later record to
	// trigger their flush.
	rs.flushBacktrace()
	return rs.summarize(), nil
}

func (rs *Resolver) apply(rec traceio.Record) {
	switch rec.Op {
	case traceio.OpExecPath:
		rs.execPath = rec.ExecPath

	case traceio.OpModule:
		path := rec.ModulePath
		if path != "" && strings.HasPrefix(path, traceio.VirtualDSO) {
			return
		}
		rs.sym.AddModule(path, rec.ModuleBase)

	case traceio.OpMapUpdate:
		switch rec.Boundary {
		case traceio.MapBegin:
			rs.sym.BeginModuleSet()
			rs.inModuleSet = true
		case traceio.MapEnd:
			rs.sym.EndModuleSet()
			rs.inModuleSet = false
		}

	case traceio.OpAlloc:
		rs.flushBacktrace()
		rs.totalAllocs++
		rs.recordAlloc(rec.Addr, rec.Size, rec.TimestampNS)
		rs.lastOp, rs.lastAddr = traceio.OpAlloc, rec.Addr

	case traceio.OpFree:
		rs.flushBacktrace()
		rs.totalFrees++
		rs.recordFree(rec.Addr)
		rs.lastOp, rs.lastAddr = traceio.OpFree, rec.Addr

	case traceio.OpBacktrace:
		rs.pendingBT = append(rs.pendingBT, rec.InstrAddr)
	}
}

// flushBacktrace attaches any backtrace frames collected since the previous
// 'a' or 'f' record to that record's live-table entry, per spec.md §3's
// invariant that a 'b' record is always attributed to the record preceding
// it.
func (rs *Resolver) flushBacktrace() {
	if len(rs.pendingBT) == 0 || rs.lastOp != traceio.OpAlloc {
		rs.pendingBT = rs.pendingBT[:0]
		return
	}
	if e, ok := rs.table[rs.lastAddr]; ok {
		e.backtrace = append(e.backtrace[:0:0], rs.pendingBT...)
	}
	rs.pendingBT = rs.pendingBT[:0]
}

// recordAlloc matches spec.md §4.4's collision policy: an 'a' on an address
// already marked live overwrites the table entry, and the earlier allocation
// is simply lost (it can never be reported as a leak, and its size is
// dropped rather than added to the entry that replaces it).
func (rs *Resolver) recordAlloc(addr, size, ts uint64) {
	rs.order = append(rs.order, addr)
	rs.live[addr] = len(rs.order) - 1
	rs.table[addr] = &liveEntry{timestampNS: ts, size: size}
}

// recordFree matches a free against the live table. A free with no matching
// allocation (addr never seen, or already freed) is ignored per spec.md
// §4.4's matching policy.
func (rs *Resolver) recordFree(addr uint64) {
	if _, ok := rs.live[addr]; !ok {
		return
	}
	delete(rs.live, addr)
	delete(rs.table, addr)
}

func (rs *Resolver) summarize() Summary {
	s := Summary{
		ExecPath:    rs.execPath,
		TotalAllocs: rs.totalAllocs,
		TotalFrees:  rs.totalFrees,
	}

	// Leaks are reported in allocation order, skipping addresses overwritten
	// or freed before the trace ended.
	index := 0
	for i, addr := range rs.order {
		e, ok := rs.table[addr]
		if !ok {
			continue
		}
		liveIdx, stillLive := rs.live[addr]
		if !stillLive || liveIdx != i {
			continue
		}

		index++
		leak := Leak{
			Index:       index,
			TimestampNS: e.timestampNS,
			Addr:        addr,
			Size:        e.size,
		}
		for _, ip := range e.backtrace {
			leak.Backtrace = append(leak.Backtrace, rs.sym.Resolve(ip))
		}
		s.Leaks = append(s.Leaks, leak)
		s.LiveBytes += e.size
	}

	return s
}
