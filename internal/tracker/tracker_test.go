package tracker

import (
	"bytes"
	"strings"
	"testing"

	"github.com/jdeokkim/jmprof/internal/traceio"
)

func recordsOf(t *testing.T, buf *bytes.Buffer) []traceio.Record {
	t.Helper()
	var recs []traceio.Record
	if err := traceio.Scan(strings.NewReader(buf.String()), func(r traceio.Record) {
		recs = append(recs, r)
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return recs
}

func TestEmitExecPathOnce(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf, "/usr/bin/target", func() []ModuleEntry { return nil })
	tr.EmitExecPath()

	recs := recordsOf(t, &buf)
	if len(recs) != 1 || recs[0].Op != traceio.OpExecPath || recs[0].ExecPath != "/usr/bin/target" {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestRefreshNoopWhenClean(t *testing.T) {
	var buf bytes.Buffer
	calls := 0
	tr := New(&buf, "/bin/t", func() []ModuleEntry {
		calls++
		return nil
	})

	tr.Refresh() // not dirty: must be a no-op
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
	if calls != 0 {
		t.Fatalf("enumerate should not be called when clean")
	}
}

func TestRefreshEmitsBracketedModules(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf, "/bin/target", func() []ModuleEntry {
		return []ModuleEntry{
			{Base: 0x1000, Path: ""}, // main executable
			{Base: 0x2000, Path: "/lib/libc.so.6"},
			{Base: 0x3000, Path: "linux-vdso.so.1"},
		}
	})

	tr.SetDirty()
	tr.Refresh()

	recs := recordsOf(t, &buf)
	if len(recs) != 4 {
		t.Fatalf("expected 4 records (u< m m u>), got %d: %+v", len(recs), recs)
	}
	if recs[0].Op != traceio.OpMapUpdate || recs[0].Boundary != traceio.MapBegin {
		t.Fatalf("expected leading u<, got %+v", recs[0])
	}
	if recs[len(recs)-1].Op != traceio.OpMapUpdate || recs[len(recs)-1].Boundary != traceio.MapEnd {
		t.Fatalf("expected trailing u>, got %+v", recs[len(recs)-1])
	}

	mid := recs[1 : len(recs)-1]
	if len(mid) != 2 {
		t.Fatalf("expected 2 module records (vdso filtered), got %d: %+v", len(mid), mid)
	}
	if mid[0].ModulePath != "/bin/target" {
		t.Fatalf("expected main executable path substituted, got %q", mid[0].ModulePath)
	}
	if mid[1].ModulePath != "/lib/libc.so.6" {
		t.Fatalf("expected libc module, got %q", mid[1].ModulePath)
	}
}

func TestRefreshSkippedWhenAlreadyRefreshing(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf, "/bin/t", func() []ModuleEntry { return nil })
	tr.SetDirty()

	tr.dirtyMu.Lock() // simulate another goroutine mid-refresh
	tr.Refresh()      // must return immediately without blocking
	tr.dirtyMu.Unlock()

	if buf.Len() != 0 {
		t.Fatalf("expected Refresh to skip silently while lock is held, got %q", buf.String())
	}
}

func TestEmitAllocFreeBacktraceOrdering(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf, "/bin/t", func() []ModuleEntry { return nil })

	tr.EmitAlloc(0x10, 64)
	tr.EmitBacktrace(0x401000)
	tr.EmitBacktrace(0x402000)
	tr.EmitFree(0x10, 64)

	recs := recordsOf(t, &buf)
	if len(recs) != 4 {
		t.Fatalf("expected 4 records, got %d", len(recs))
	}
	if recs[0].Op != traceio.OpAlloc || recs[1].Op != traceio.OpBacktrace || recs[2].Op != traceio.OpBacktrace || recs[3].Op != traceio.OpFree {
		t.Fatalf("unexpected record sequence: %+v", recs)
	}
}

func TestDisableAfterForkStopsEmission(t *testing.T) {
	var buf bytes.Buffer
	tr := New(&buf, "/bin/t", func() []ModuleEntry { return nil })

	tr.DisableAfterFork()
	tr.EmitAlloc(0x10, 8)

	if buf.Len() != 0 {
		t.Fatalf("expected no output after DisableAfterFork, got %q", buf.String())
	}
}

func TestTracePathDeterministic(t *testing.T) {
	p1 := TracePath("/usr/bin/target", 1234)
	p2 := TracePath("/usr/bin/target", 1234)
	if p1 != p2 {
		t.Fatalf("TracePath must be deterministic: %q != %q", p1, p2)
	}
	if !strings.Contains(p1, "jmprof.target.1234") {
		t.Fatalf("unexpected trace path: %q", p1)
	}
}
