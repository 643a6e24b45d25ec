// Command resolver reads a trace file produced by cmd/tracer and prints a
// human-readable leak report to standard output. Exit code 0 on success; 1
// on a missing argument, an unopenable file, or a resolve failure, with a
// one-line diagnostic on standard error (spec.md §6, §7).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jdeokkim/jmprof/internal/resolve"
	"github.com/jdeokkim/jmprof/internal/symbolize"
	"github.com/jdeokkim/jmprof/internal/transport"
	"github.com/jdeokkim/jmprof/proto/leakpb"
)

func main() {
	forwardAddr := flag.String("forward", "", "collector gRPC address to additionally stream the resolved summary to")
	insecure := flag.Bool("forward-insecure", false, "dial -forward in plaintext without TLS (testing only)")
	certPath := flag.String("forward-cert", "", "client certificate path for -forward")
	keyPath := flag.String("forward-key", "", "client key path for -forward")
	caPath := flag.String("forward-ca", "", "CA bundle path for -forward")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: resolver [-forward addr] <trace-file>")
		os.Exit(1)
	}
	path := flag.Arg(0)

	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolver: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	rs := resolve.New(symbolize.New())
	summary, err := rs.Resolve(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolver: %v\n", err)
		os.Exit(1)
	}

	if err := resolve.WriteReport(os.Stdout, summary); err != nil {
		fmt.Fprintf(os.Stderr, "resolver: %v\n", err)
		os.Exit(1)
	}

	if *forwardAddr == "" {
		return
	}
	if err := forward(*forwardAddr, *insecure, *certPath, *keyPath, *caPath, summary); err != nil {
		fmt.Fprintf(os.Stderr, "resolver: forward: %v\n", err)
		os.Exit(1)
	}
}

// forward dials addr and sends summary once over a short-lived mTLS
// connection, reusing the same transport the forwarder daemon uses for
// continuous delivery.
func forward(addr string, insecure bool, certPath, keyPath, caPath string, summary resolve.Summary) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	t := transport.New(transport.Config{
		CollectorAddr: addr,
		Insecure:      insecure,
		CertPath:      certPath,
		KeyPath:       keyPath,
		CAPath:        caPath,
	}, logger, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.Start(ctx); err != nil {
		return err
	}
	defer t.Stop()

	pb := summaryToProto(summary)

	deadline := time.Now().Add(5 * time.Second)
	for {
		err := t.Send(pb)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
}

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
