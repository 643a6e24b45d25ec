//go:build linux

// Command tracer builds the jmprof interposer shared library
// (-buildmode=c-shared). Injected into a target process via LD_PRELOAD, it
// exports replacements for calloc, malloc, realloc, free, dlopen, and
// dlclose that forward to the real libc routines and record allocation
// activity to a trace file for later offline resolution.
//
// This file contains only the cgo trampolines and the one-shot resolution
// of the underlying libc entry points; the reentrancy and allocator-
// semantics decision logic lives in internal/interpose so it can be unit
// tested without cgo.
package main

/*
#define _GNU_SOURCE

#include <dlfcn.h>
#include <link.h>
#include <pthread.h>
#include <stddef.h>
#include <sys/syscall.h>
#include <unistd.h>

// __libc_calloc is glibc's internal zero-init allocator entry point. Calling
// it directly (rather than dlsym(RTLD_NEXT, "calloc")) avoids a bootstrap
// cycle: the dynamic loader's own symbol-resolution path for calloc itself
// allocates, so resolving calloc via dlsym would recurse before the result
// is ever stored.
extern void *__libc_calloc(size_t num, size_t size);

typedef void *(*calloc_fn)(size_t, size_t);
typedef void *(*malloc_fn)(size_t);
typedef void *(*realloc_fn)(void *, size_t);
typedef void  (*free_fn)(void *);
typedef void *(*dlopen_fn)(const char *, int);
typedef int   (*dlclose_fn)(void *);

static calloc_fn  real_calloc_ptr;
static malloc_fn   real_malloc_ptr;
static realloc_fn  real_realloc_ptr;
static free_fn     real_free_ptr;
static dlopen_fn   real_dlopen_ptr;
static dlclose_fn  real_dlclose_ptr;

static void resolve_calloc(void)  { real_calloc_ptr  = (calloc_fn) __libc_calloc; }
static void resolve_malloc(void)  { real_malloc_ptr   = (malloc_fn) dlsym(RTLD_NEXT, "malloc"); }
static void resolve_realloc(void) { real_realloc_ptr  = (realloc_fn) dlsym(RTLD_NEXT, "realloc"); }
static void resolve_free(void)    { real_free_ptr     = (free_fn) dlsym(RTLD_NEXT, "free"); }
static void resolve_dlopen(void)  { real_dlopen_ptr   = (dlopen_fn) dlsym(RTLD_NEXT, "dlopen"); }
static void resolve_dlclose(void) { real_dlclose_ptr  = (dlclose_fn) dlsym(RTLD_NEXT, "dlclose"); }

static void *real_calloc(size_t num, size_t size)    { return real_calloc_ptr(num, size); }
static void *real_malloc(size_t size)                { return real_malloc_ptr(size); }
static void *real_realloc(void *ptr, size_t newsize) { return real_realloc_ptr(ptr, newsize); }
static void  real_free(void *ptr)                    { real_free_ptr(ptr); }
static void *real_dlopen(const char *file, int mode) { return real_dlopen_ptr(file, mode); }
static int   real_dlclose(void *handle)              { return real_dlclose_ptr(handle); }

static long current_tid(void) { return syscall(SYS_gettid); }

extern void goAtforkChild(void);
static void atfork_child_trampoline(void) { goAtforkChild(); }
static int install_atfork_handler(void) { return pthread_atfork(NULL, NULL, atfork_child_trampoline); }

extern void goFinalize(void);
static void atexit_trampoline(void) { goFinalize(); }
static int install_atexit_handler(void) { return atexit(atexit_trampoline); }

extern int goPhdrCallback(struct dl_phdr_info *info, size_t size, void *data);
static int enumerate_modules(void) { return dl_iterate_phdr(goPhdrCallback, NULL); }
*/
import "C"

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/jdeokkim/jmprof/internal/interpose"
	"github.com/jdeokkim/jmprof/internal/resolve"
	"github.com/jdeokkim/jmprof/internal/symbolize"
	"github.com/jdeokkim/jmprof/internal/tracker"
	"github.com/jdeokkim/jmprof/internal/transport"
	"github.com/jdeokkim/jmprof/internal/unwinder"
	"github.com/jdeokkim/jmprof/proto/leakpb"
)

var (
	resolveCallocOnce  sync.Once
	resolveMallocOnce  sync.Once
	resolveReallocOnce sync.Once
	resolveFreeOnce    sync.Once
	resolveDlopenOnce  sync.Once
	resolveDlcloseOnce sync.Once
)

var (
	guard = interpose.NewGuard()
	unw   = unwinder.New()

	tr        *tracker.Tracker
	traceFile *os.File
	tracePath string
	execPath  string
)

func main() {
	// Required by -buildmode=c-shared; the tracer has no standalone
	// entry point of its own.
}

func init() {
	var err error
	execPath, err = os.Readlink("/proc/self/exe")
	if err != nil {
		execPath = "unknown"
	}

	tracePath = tracker.TracePath(execPath, os.Getpid())
	traceFile, err = tracker.OpenTraceFile(tracePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jmprof: cannot open trace file %q: %v\n", tracePath, err)
		return
	}

	tr = tracker.New(traceFile, execPath, enumerateModules)
	tr.EmitExecPath()
	tr.SetDirty()

	if C.install_atfork_handler() != 0 {
		fmt.Fprintf(os.Stderr, "jmprof: pthread_atfork registration failed\n")
	}
	if C.install_atexit_handler() != 0 {
		fmt.Fprintf(os.Stderr, "jmprof: atexit registration failed\n")
	}

	// Loader-variable scrubbing (spec.md §4.1): clear LD_PRELOAD so
	// children exec'd by the traced process are not also injected, unless
	// the host process re-sets it explicitly.
	os.Unsetenv("LD_PRELOAD")
}

// recordEvent applies the reentrancy guard around a normalized allocator
// event: refreshes the module map, emits the a/f record, then walks the
// backtrace, emitting one b record per frame.
func recordEvent(entry interpose.Entry, ev interpose.Event) {
	if ev.Kind == interpose.EventNone || tr == nil {
		return
	}

	tid := int64(C.current_tid())
	if !guard.Enter(tid, entry) {
		return
	}
	defer guard.Exit(tid, entry)

	tr.Refresh()

	switch ev.Kind {
	case interpose.EventAlloc:
		tr.EmitAlloc(uint64(ev.Addr), uint64(ev.Size))
	case interpose.EventFree:
		tr.EmitFree(uint64(ev.Addr), uint64(ev.Size))
	}

	// Skip frame 0: the return address inside unw.Backtrace itself.
	for _, ip := range unw.Backtrace(1) {
		tr.EmitBacktrace(uint64(ip))
	}
}

//export calloc
func calloc(num, size C.size_t) unsafe.Pointer {
	resolveCallocOnce.Do(func() { C.resolve_calloc() })
	result := C.real_calloc(num, size)
	recordEvent(interpose.EntryCalloc, interpose.CallocEvent(uintptr(result), uintptr(num), uintptr(size)))
	return result
}

//export malloc
func malloc(size C.size_t) unsafe.Pointer {
	resolveMallocOnce.Do(func() { C.resolve_malloc() })
	result := C.real_malloc(size)
	recordEvent(interpose.EntryMalloc, interpose.MallocEvent(uintptr(result), uintptr(size)))
	return result
}

//export realloc
func realloc(ptr unsafe.Pointer, newSize C.size_t) unsafe.Pointer {
	resolveReallocOnce.Do(func() { C.resolve_realloc() })
	result := C.real_realloc(ptr, newSize)
	recordEvent(interpose.EntryRealloc, interpose.ReallocEvent(uintptr(ptr), uintptr(result), uintptr(newSize)))
	return result
}

//export free
func free(ptr unsafe.Pointer) {
	resolveFreeOnce.Do(func() { C.resolve_free() })
	recordEvent(interpose.EntryFree, interpose.FreeEvent(uintptr(ptr)))
	C.real_free(ptr)
}

//export dlopen
func dlopen(file *C.char, mode C.int) unsafe.Pointer {
	resolveDlopenOnce.Do(func() { C.resolve_dlopen() })
	result := C.real_dlopen(file, mode)
	if result != nil && tr != nil {
		tid := int64(C.current_tid())
		if guard.Enter(tid, interpose.EntryDlopen) {
			tr.SetDirty()
			guard.Exit(tid, interpose.EntryDlopen)
		}
	}
	return result
}

//export dlclose
func dlclose(handle unsafe.Pointer) C.int {
	resolveDlcloseOnce.Do(func() { C.resolve_dlclose() })
	result := C.real_dlclose(handle)
	if result == 0 && tr != nil {
		tid := int64(C.current_tid())
		if guard.Enter(tid, interpose.EntryDlclose) {
			tr.SetDirty()
			guard.Exit(tid, interpose.EntryDlclose)
		}
	}
	return result
}

// goAtforkChild runs in the child process immediately after fork(2), before
// any user code resumes. Per spec.md §4.2 / §4.1 ("Fork policy"), the
// conservative choice is to stop tracing entirely in the child rather than
// share the trace-file descriptor or any in-flight recursion state with the
// parent.
//
//export goAtforkChild
func goAtforkChild() {
	guard.Forget(int64(C.current_tid()))
	if tr != nil {
		tr.DisableAfterFork()
	}
}

// enumerateModules implements tracker.ModuleEnumerator over dl_iterate_phdr.
func enumerateModules() []tracker.ModuleEntry {
	moduleEnumMu.Lock()
	defer moduleEnumMu.Unlock()

	moduleEnumBuf = moduleEnumBuf[:0]
	C.enumerate_modules()

	out := make([]tracker.ModuleEntry, len(moduleEnumBuf))
	copy(out, moduleEnumBuf)
	return out
}

var (
	moduleEnumMu  sync.Mutex
	moduleEnumBuf []tracker.ModuleEntry
)

//export goPhdrCallback
func goPhdrCallback(info *C.struct_dl_phdr_info, size C.size_t, data unsafe.Pointer) C.int {
	path := C.GoString(info.dlpi_name)
	moduleEnumBuf = append(moduleEnumBuf, tracker.ModuleEntry{
		Base: uint64(info.dlpi_addr),
		Path: path,
	})
	return 0
}

// goFinalize is the atexit-registered finalizer: it closes the trace file
// and, in a development build, resolves the just-closed trace in-process
// and optionally forwards the resulting summary to a collector.
//
//export goFinalize
func goFinalize() {
	if tr == nil {
		return
	}
	tr.DisableAfterFork() // closes the underlying writer; safe to reuse at exit
	if traceFile != nil {
		_ = traceFile.Close()
	}

	if !devBuild {
		return
	}
	resolveAndForward()
}

// resolveAndForward implements the development-build behavior described in
// spec.md §4.2 ("in a development build, invokes the offline resolver") and
// its fleet-mode extension: if JMPROF_FORWARD_ADDR is set, the resolved
// summary is sent once, in-process, over a short-lived mTLS connection
// rather than spawning any child process.
func resolveAndForward() {
	f, err := os.Open(tracePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jmprof: dev-mode resolve: cannot reopen trace: %v\n", err)
		return
	}
	defer f.Close()

	rs := resolve.New(symbolize.New())
	summary, err := rs.Resolve(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jmprof: dev-mode resolve failed: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "jmprof: %d leaks, %d bytes live in %s\n",
		len(summary.Leaks), summary.LiveBytes, summary.ExecPath)

	addr := os.Getenv("JMPROF_FORWARD_ADDR")
	if addr == "" {
		return
	}

	pb := summaryToProto(summary)

	t := transport.New(transport.Config{
		CollectorAddr: addr,
		Insecure:      os.Getenv("JMPROF_FORWARD_INSECURE") == "1",
		CertPath:      os.Getenv("JMPROF_FORWARD_CERT"),
		KeyPath:       os.Getenv("JMPROF_FORWARD_KEY"),
		CAPath:        os.Getenv("JMPROF_FORWARD_CA"),
	}, devLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "jmprof: dev-mode forward: %v\n", err)
		return
	}
	defer t.Stop()

	// The background connect loop needs a moment to register the run and
	// open the stream, so Send is retried every 100ms for up to 5 seconds.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := t.Send(pb); err == nil {
			return
		}
		if time.Now().After(deadline) {
			fmt.Fprintf(os.Stderr, "jmprof: dev-mode forward: timed out connecting to %s\n", addr)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// summaryToProto converts a resolve.Summary into the wire LeakSummary sent
// to a collector.
func summaryToProto(summary resolve.Summary) *leakpb.LeakSummary {
	pb := &leakpb.LeakSummary{
		ExecPath:    summary.ExecPath,
		TotalAllocs: int32(summary.TotalAllocs),
		TotalFrees:  int32(summary.TotalFrees),
		LiveBytes:   summary.LiveBytes,
		Leaks:       make([]*leakpb.Leak, len(summary.Leaks)),
	}
	for i, leak := range summary.Leaks {
		backtrace := make([]*leakpb.Frame, len(leak.Backtrace))
		for j, fr := range leak.Backtrace {
			backtrace[j] = &leakpb.Frame{
				ModuleName: fr.ModuleName,
				ModuleBase: fr.ModuleBase,
				SymbolName: fr.SymbolName,
				SourceFile: fr.SourceFile,
				Line:       int32(fr.Line),
				Column:     int32(fr.Column),
			}
		}
		pb.Leaks[i] = &leakpb.Leak{
			Index:       int32(leak.Index),
			TimestampNS: leak.TimestampNS,
			Addr:        leak.Addr,
			Size:        leak.Size,
			Backtrace:   backtrace,
		}
	}
	return pb
}

// devLogger returns a minimal slog.Logger for the dev-mode forward path.
// The tracer otherwise never uses slog (see SPEC_FULL.md's ambient-stack
// notes): this is the one code path that runs after the traced process has
// already begun exiting, off the hot allocator path, where a JSON logger is
// safe to construct.
func devLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}
