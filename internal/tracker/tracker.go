// Package tracker implements the Tracker subsystem from spec.md §4.2: the
// single owner of the trace file descriptor, the reentrancy-safe append
// primitive, and the module-map dirty-flag refresh protocol. It depends on
// no cgo so its concurrency and formatting logic can be unit-tested in
// isolation; the platform-specific module enumeration primitive
// (dl_iterate_phdr) is injected as a ModuleEnumerator by cmd/tracer.
package tracker

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jdeokkim/jmprof/internal/traceio"
)

// ModuleEntry is one loaded shared object as reported by the platform's
// iteration primitive. Path is empty for the main executable.
type ModuleEntry struct {
	Base uint64
	Path string
}

// ModuleEnumerator lists the shared objects currently mapped into the
// process, mirroring dl_iterate_phdr's callback semantics. Implementations
// must not allocate through the interposed allocator (they run from inside
// the dirty-flag refresh, itself called from an interposed entry point).
type ModuleEnumerator func() []ModuleEntry

// Tracker is the single owner of the trace file and the module-map dirty
// flag. The zero value is not usable; construct with New.
type Tracker struct {
	// w is the append target. In production this is the trace file;
	// tests substitute an in-memory buffer.
	wMu sync.Mutex // write-serialization lock, spec.md §5 lock 3
	w   io.Writer

	start time.Time // tracer-start reference for the monotonic timestamp

	execPath string

	enumerate ModuleEnumerator

	dirtyMu sync.Mutex // try-lock only, spec.md §5 lock 4
	dirty   bool

	disabledMu sync.RWMutex
	disabled   bool
}

// New constructs a Tracker that appends formatted records to w, using
// execPath as the recorded executable path (substituted for the main
// executable's empty-named module entry) and enumerate to list loaded
// shared objects during a refresh.
func New(w io.Writer, execPath string, enumerate ModuleEnumerator) *Tracker {
	return &Tracker{
		w:         w,
		start:     time.Now(),
		execPath:  execPath,
		enumerate: enumerate,
	}
}

// nowNS returns nanoseconds since the Tracker was constructed, used as the
// monotonic timestamp prefix on every record (spec.md §3).
func (t *Tracker) nowNS() uint64 {
	return uint64(time.Since(t.start).Nanoseconds())
}

// append formats rec with the current timestamp and writes it as a single
// I/O operation under the write-serialization lock. A short write (e.g. an
// interrupted write(2)) is retried until the whole record lands, per
// spec.md §4.2 ("Records never span two write calls... partial writes on
// interruption must retry").
func (t *Tracker) append(rec traceio.Record) {
	t.disabledMu.RLock()
	disabled := t.disabled
	t.disabledMu.RUnlock()
	if disabled {
		return
	}

	rec.TimestampNS = t.nowNS()
	line := []byte(traceio.Encode(rec))

	t.wMu.Lock()
	defer t.wMu.Unlock()

	for len(line) > 0 {
		n, err := t.w.Write(line)
		if err != nil {
			// Silent degradation per spec.md §7: observability failures
			// must never abort or delay the target.
			return
		}
		line = line[n:]
	}
}

// EmitExecPath writes the 'x' header record. Called exactly once, from
// cmd/tracer's init.
func (t *Tracker) EmitExecPath() {
	t.append(traceio.Record{Op: traceio.OpExecPath, ExecPath: t.execPath})
}

// EmitAlloc writes an 'a' record.
func (t *Tracker) EmitAlloc(addr, size uint64) {
	t.append(traceio.Record{Op: traceio.OpAlloc, Addr: addr, Size: size})
}

// EmitFree writes an 'f' record. size may be 0 when the caller does not
// know the true size; the offline side recovers it from the matching 'a'.
func (t *Tracker) EmitFree(addr, size uint64) {
	t.append(traceio.Record{Op: traceio.OpFree, Addr: addr, Size: size})
}

// EmitBacktrace writes a 'b' record, attributed by the reader to the most
// recently written 'a' or 'f' record (spec.md §3 invariants). Called by the
// Unwinder adapter once per frame.
func (t *Tracker) EmitBacktrace(ip uint64) {
	t.append(traceio.Record{Op: traceio.OpBacktrace, InstrAddr: ip})
}

// SetDirty marks the module map as stale. Called by the interposer on
// successful dlopen/dlclose and once at initialization (spec.md §4.2).
func (t *Tracker) SetDirty() {
	t.dirtyMu.Lock()
	t.dirty = true
	t.dirtyMu.Unlock()
}

// Refresh implements the module-map refresh protocol of spec.md §4.2:
// non-blocking acquire of the dirty-flag lock (another thread already
// refreshing yields silently), then — only if dirty — a `u <` ... `u >`
// bracketed emission of every non-virtual loaded module.
func (t *Tracker) Refresh() {
	if !t.dirtyMu.TryLock() {
		return
	}
	defer t.dirtyMu.Unlock()

	if !t.dirty {
		return
	}
	t.dirty = false

	t.append(traceio.Record{Op: traceio.OpMapUpdate, Boundary: traceio.MapBegin})

	for _, m := range t.enumerate() {
		if m.Path != "" && strings.HasPrefix(m.Path, traceio.VirtualDSO) {
			continue
		}
		path := m.Path
		if path == "" {
			// Main executable: dl_iterate_phdr reports it with an empty
			// name; substitute the recorded executable path.
			path = t.execPath
		}
		t.append(traceio.Record{Op: traceio.OpModule, ModuleBase: m.Base, ModulePath: path})
	}

	t.append(traceio.Record{Op: traceio.OpMapUpdate, Boundary: traceio.MapEnd})
}

// DisableAfterFork implements the fork policy of spec.md §4.2 and §9: the
// conservative default is to disable tracing entirely in a forked child so
// it never shares buffered state or the trace-file descriptor with the
// parent. Called from the tracer's pthread_atfork child hook.
func (t *Tracker) DisableAfterFork() {
	t.disabledMu.Lock()
	t.disabled = true
	t.disabledMu.Unlock()

	if closer, ok := t.w.(io.Closer); ok {
		_ = closer.Close()
	}
}
