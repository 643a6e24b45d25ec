package resolve

import (
	"fmt"
	"io"
)

// WriteReport renders s as the human-readable leak report from spec.md §4.4:
// a header with aggregate counts, followed by one block per leak with its
// index, timestamp, size, and symbolized backtrace.
func WriteReport(w io.Writer, s Summary) error {
	if _, err := fmt.Fprintf(w, "jmprof: %s\n", s.ExecPath); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "allocations: %d, frees: %d, leaked: %d (%d bytes)\n\n",
		s.TotalAllocs, s.TotalFrees, len(s.Leaks), s.LiveBytes); err != nil {
		return err
	}

	for _, leak := range s.Leaks {
		if _, err := fmt.Fprintf(w, "leak #%d: %d bytes at %#x (t=%dns)\n",
			leak.Index, leak.Size, leak.Addr, leak.TimestampNS); err != nil {
			return err
		}
		for _, f := range leak.Backtrace {
			if _, err := fmt.Fprintf(w, "    %s!%s (%s:%d:%d)\n",
				f.ModuleName, f.SymbolName, f.SourceFile, f.Line, f.Column); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}

	return nil
}
