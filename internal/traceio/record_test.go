package traceio

import (
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Record{
		{TimestampNS: 42, Op: OpExecPath, ExecPath: "/usr/bin/target"},
		{TimestampNS: 43, Op: OpModule, ModuleBase: 0x7f0000000000, ModulePath: "/lib/libc.so.6"},
		{TimestampNS: 44, Op: OpMapUpdate, Boundary: MapBegin},
		{TimestampNS: 45, Op: OpMapUpdate, Boundary: MapEnd},
		{TimestampNS: 46, Op: OpAlloc, Addr: 0xdeadbeef, Size: 64},
		{TimestampNS: 47, Op: OpFree, Addr: 0xdeadbeef, Size: 0},
		{TimestampNS: 48, Op: OpBacktrace, InstrAddr: 0x401234},
	}

	for _, want := range cases {
		line := strings.TrimSuffix(Encode(want), "\n")
		got, ok := Decode(line)
		if !ok {
			t.Fatalf("Decode(%q) failed", line)
		}
		if got != want {
			t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestDecodeUnknownOpcodeIgnored(t *testing.T) {
	if _, ok := Decode("1 z garbage"); ok {
		t.Fatal("expected unknown opcode to be rejected")
	}
}

func TestDecodeMalformedIgnored(t *testing.T) {
	cases := []string{
		"",
		"notanumber a",
		"1",
		"1 a",
	}
	for _, c := range cases {
		if _, ok := Decode(c); ok {
			t.Fatalf("expected %q to fail to decode", c)
		}
	}
}

func TestScanSkipsBadLines(t *testing.T) {
	input := `1 x /bin/target
2 z unknown opcode line
not a trace line at all
3 a 0x10 8
4 b 0x2000
`
	var got []Record
	if err := Scan(strings.NewReader(input), func(r Record) {
		got = append(got, r)
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 valid records, got %d: %+v", len(got), got)
	}
	if got[0].Op != OpExecPath || got[1].Op != OpAlloc || got[2].Op != OpBacktrace {
		t.Fatalf("unexpected decoded records: %+v", got)
	}
}

func TestFreeSizeMayBeZero(t *testing.T) {
	r, ok := Decode("1 f 0x10 0")
	if !ok || r.Size != 0 {
		t.Fatalf("expected free with size 0 to decode cleanly, got %+v ok=%v", r, ok)
	}
}
