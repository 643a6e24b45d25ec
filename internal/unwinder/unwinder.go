// Package unwinder defines the Unwinder adapter contract from spec.md §4.3.
// The real stack-unwinding mechanism is treated as an external collaborator
// (spec.md §1): this package only pins down the interface the rest of the
// tracer depends on and a concrete binding against the platform's own
// backtrace(3) (glibc's execinfo.h), which is the closest ABI-level
// equivalent to the original's libunwind usage.
package unwinder

// MaxFrames is the hard cap on backtrace depth from spec.md §3 and §8
// ("Backtrace length is clamped to 32").
const MaxFrames = 32

// Unwinder produces a return-address backtrace from the call site of
// Backtrace itself. Implementations must be safe to call from any thread;
// spec.md §4.3 requires the call itself be serialized by a dedicated mutex
// distinct from the tracker's write lock, which the concrete binding does
// internally.
type Unwinder interface {
	// Backtrace returns up to MaxFrames return addresses, innermost frame
	// first, after dropping the first skip frames. Frame 0 is the return
	// address inside Backtrace itself, so callers pass 1 to leave it out.
	Backtrace(skip int) []uintptr
}
