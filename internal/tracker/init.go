package tracker

import (
	"fmt"
	"os"
	"path/filepath"
)

// TracePath derives the deterministic trace-file path from spec.md §6:
// "<scratch-dir>/jmprof.<program-basename>.<pid>". The scratch directory is
// os.TempDir() (typically /tmp).
func TracePath(execPath string, pid int) string {
	base := filepath.Base(execPath)
	if base == "" || base == "." {
		base = "unknown"
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("jmprof.%s.%d", base, pid))
}

// OpenTraceFile opens (creating if necessary) the trace file at path with
// mode 0644, per spec.md §6. Go's os.OpenFile always sets the close-on-exec
// flag on the returned descriptor on Unix, satisfying the O_CLOEXEC
// requirement so the descriptor is never inherited across an exec in the
// traced process.
func OpenTraceFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
}
