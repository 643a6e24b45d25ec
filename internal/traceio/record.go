// Package traceio defines the on-disk trace record schema shared by the
// tracker (writer, running inside the traced process) and the resolver
// (reader, running offline). It must not depend on cgo: the tracker links it
// into a c-shared library and the resolver links it into a plain CLI.
package traceio

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Opcode is the one-character tag that begins every record after its
// timestamp field. See spec.md §3 for the full semantics of each tag.
type Opcode byte

const (
	OpExecPath  Opcode = 'x'
	OpModule    Opcode = 'm'
	OpMapUpdate Opcode = 'u'
	OpAlloc     Opcode = 'a'
	OpFree      Opcode = 'f'
	OpBacktrace Opcode = 'b'
)

// MapBoundary is the payload of a 'u' record.
type MapBoundary byte

const (
	MapBegin MapBoundary = '<'
	MapEnd   MapBoundary = '>'
)

// VirtualDSO is the module name that must never be reported as an 'm'
// record (spec.md §3 invariants).
const VirtualDSO = "linux-vdso.so"

// Record is one parsed line of the trace file. TimestampNS is nanoseconds
// since tracer start. Only the fields relevant to Op are populated; the rest
// are zero values.
type Record struct {
	TimestampNS uint64
	Op          Opcode

	// 'x'
	ExecPath string

	// 'm'
	ModuleBase uint64
	ModulePath string

	// 'u'
	Boundary MapBoundary

	// 'a', 'f'
	Addr uint64
	Size uint64

	// 'b'
	InstrAddr uint64
}

// Encode formats r as a single newline-terminated trace line, matching the
// §3 schema exactly: "<timestamp> <opcode> <payload>\n".
func Encode(r Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %c ", r.TimestampNS, byte(r.Op))

	switch r.Op {
	case OpExecPath:
		b.WriteString(r.ExecPath)
	case OpModule:
		fmt.Fprintf(&b, "0x%x %s", r.ModuleBase, r.ModulePath)
	case OpMapUpdate:
		b.WriteByte(byte(r.Boundary))
	case OpAlloc, OpFree:
		fmt.Fprintf(&b, "0x%x %d", r.Addr, r.Size)
	case OpBacktrace:
		fmt.Fprintf(&b, "0x%x", r.InstrAddr)
	}

	b.WriteByte('\n')
	return b.String()
}

// Decode parses one trace line (without its trailing newline). Unknown
// opcodes and malformed lines are reported via ok=false so callers can skip
// them silently, per spec.md §7 ("unknown opcode lines are ignored").
func Decode(line string) (r Record, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Record{}, false
	}

	ts, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Record{}, false
	}
	r.TimestampNS = ts

	if len(fields[1]) != 1 {
		return Record{}, false
	}
	r.Op = Opcode(fields[1][0])

	rest := fields[2:]

	switch r.Op {
	case OpExecPath:
		if len(rest) < 1 {
			return Record{}, false
		}
		r.ExecPath = rest[0]
	case OpModule:
		if len(rest) < 2 {
			return Record{}, false
		}
		base, err := strconv.ParseUint(strings.TrimPrefix(rest[0], "0x"), 16, 64)
		if err != nil {
			return Record{}, false
		}
		r.ModuleBase = base
		r.ModulePath = rest[1]
	case OpMapUpdate:
		if len(rest) < 1 || len(rest[0]) != 1 {
			return Record{}, false
		}
		r.Boundary = MapBoundary(rest[0][0])
		if r.Boundary != MapBegin && r.Boundary != MapEnd {
			return Record{}, false
		}
	case OpAlloc, OpFree:
		if len(rest) < 1 {
			return Record{}, false
		}
		addr, err := strconv.ParseUint(strings.TrimPrefix(rest[0], "0x"), 16, 64)
		if err != nil {
			return Record{}, false
		}
		r.Addr = addr
		if len(rest) >= 2 {
			sz, err := strconv.ParseUint(rest[1], 10, 64)
			if err == nil {
				r.Size = sz
			}
		}
	case OpBacktrace:
		if len(rest) < 1 {
			return Record{}, false
		}
		ip, err := strconv.ParseUint(strings.TrimPrefix(rest[0], "0x"), 16, 64)
		if err != nil {
			return Record{}, false
		}
		r.InstrAddr = ip
	default:
		return Record{}, false
	}

	return r, true
}

// Scan reads newline-terminated trace records from r, calling fn for each
// successfully decoded Record in file order. Malformed or unknown lines are
// silently skipped, matching spec.md §7's resolver data-error policy.
func Scan(r io.Reader, fn func(Record)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 8192), 1<<20)
	for sc.Scan() {
		rec, ok := Decode(sc.Text())
		if !ok {
			continue
		}
		fn(rec)
	}
	return sc.Err()
}
