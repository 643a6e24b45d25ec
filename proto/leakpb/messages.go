// Package leakpb contains the wire messages for the LeakCollector gRPC
// service described in leak.proto. The descriptor-based protoc-gen-go output
// was never checked in for this schema (see internal/proto/gen/gen.go for
// why), so these messages are hand-maintained: each implements Marshal and
// Unmarshal directly against google.golang.org/protobuf/encoding/protowire,
// the same low-level field encoding protoc-gen-go itself would produce, just
// without the reflection machinery around it.
package leakpb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type Frame struct {
	ModuleName string
	ModuleBase uint64
	SymbolName string
	SourceFile string
	Line       int32
	Column     int32
}

type Leak struct {
	Index       int32
	TimestampNS uint64
	Addr        uint64
	Size        uint64
	Backtrace   []*Frame
}

type LeakSummary struct {
	RunID       string
	ExecPath    string
	Hostname    string
	TotalAllocs int32
	TotalFrees  int32
	LiveBytes   uint64
	Leaks       []*Leak
}

type RegisterRunRequest struct {
	Hostname     string
	AgentVersion string
}

type RegisterRunResponse struct {
	RunID string
}

type Ack struct {
	Accepted bool
	Message  string
}

func (f *Frame) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, f.ModuleName)
	b = appendVarint(b, 2, f.ModuleBase)
	b = appendString(b, 3, f.SymbolName)
	b = appendString(b, 4, f.SourceFile)
	b = appendVarint(b, 5, uint64(f.Line))
	b = appendVarint(b, 6, uint64(f.Column))
	return b, nil
}

func (f *Frame) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			return readString(typ, v, &f.ModuleName)
		case 2:
			return readVarint(typ, v, &f.ModuleBase)
		case 3:
			return readString(typ, v, &f.SymbolName)
		case 4:
			return readString(typ, v, &f.SourceFile)
		case 5:
			var u uint64
			if err := readVarint(typ, v, &u); err != nil {
				return err
			}
			f.Line = int32(u)
		case 6:
			var u uint64
			if err := readVarint(typ, v, &u); err != nil {
				return err
			}
			f.Column = int32(u)
		}
		return nil
	})
}

func (l *Leak) Marshal() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, uint64(l.Index))
	b = appendVarint(b, 2, l.TimestampNS)
	b = appendVarint(b, 3, l.Addr)
	b = appendVarint(b, 4, l.Size)
	for _, f := range l.Backtrace {
		sub, err := f.Marshal()
		if err != nil {
			return nil, err
		}
		b = appendBytes(b, 5, sub)
	}
	return b, nil
}

func (l *Leak) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			var u uint64
			if err := readVarint(typ, v, &u); err != nil {
				return err
			}
			l.Index = int32(u)
		case 2:
			return readVarint(typ, v, &l.TimestampNS)
		case 3:
			return readVarint(typ, v, &l.Addr)
		case 4:
			return readVarint(typ, v, &l.Size)
		case 5:
			if typ != protowire.BytesType {
				return fmt.Errorf("leakpb: Leak.backtrace: unexpected wire type %v", typ)
			}
			f := &Frame{}
			if err := f.Unmarshal(v); err != nil {
				return err
			}
			l.Backtrace = append(l.Backtrace, f)
		}
		return nil
	})
}

func (s *LeakSummary) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, s.RunID)
	b = appendString(b, 2, s.ExecPath)
	b = appendString(b, 3, s.Hostname)
	b = appendVarint(b, 4, uint64(s.TotalAllocs))
	b = appendVarint(b, 5, uint64(s.TotalFrees))
	b = appendVarint(b, 6, s.LiveBytes)
	for _, l := range s.Leaks {
		sub, err := l.Marshal()
		if err != nil {
			return nil, err
		}
		b = appendBytes(b, 7, sub)
	}
	return b, nil
}

func (s *LeakSummary) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			return readString(typ, v, &s.RunID)
		case 2:
			return readString(typ, v, &s.ExecPath)
		case 3:
			return readString(typ, v, &s.Hostname)
		case 4:
			var u uint64
			if err := readVarint(typ, v, &u); err != nil {
				return err
			}
			s.TotalAllocs = int32(u)
		case 5:
			var u uint64
			if err := readVarint(typ, v, &u); err != nil {
				return err
			}
			s.TotalFrees = int32(u)
		case 6:
			return readVarint(typ, v, &s.LiveBytes)
		case 7:
			if typ != protowire.BytesType {
				return fmt.Errorf("leakpb: LeakSummary.leaks: unexpected wire type %v", typ)
			}
			l := &Leak{}
			if err := l.Unmarshal(v); err != nil {
				return err
			}
			s.Leaks = append(s.Leaks, l)
		}
		return nil
	})
}

func (r *RegisterRunRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, r.Hostname)
	b = appendString(b, 2, r.AgentVersion)
	return b, nil
}

func (r *RegisterRunRequest) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			return readString(typ, v, &r.Hostname)
		case 2:
			return readString(typ, v, &r.AgentVersion)
		}
		return nil
	})
}

func (r *RegisterRunResponse) Marshal() ([]byte, error) {
	return appendString(nil, 1, r.RunID), nil
}

func (r *RegisterRunResponse) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == 1 {
			return readString(typ, v, &r.RunID)
		}
		return nil
	})
}

func (a *Ack) Marshal() ([]byte, error) {
	var b []byte
	if a.Accepted {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = appendString(b, 2, a.Message)
	return b, nil
}

func (a *Ack) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			var u uint64
			if err := readVarint(typ, v, &u); err != nil {
				return err
			}
			a.Accepted = u != 0
		case 2:
			return readString(typ, v, &a.Message)
		}
		return nil
	})
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// consumeFields walks every top-level field in b, invoking fn with the
// field's raw payload bytes. Unknown field numbers are skipped, matching
// proto3's forward-compatibility rule.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var payload []byte
		switch typ {
		case protowire.VarintType:
			val, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			payload = protowire.AppendVarint(nil, val)
			b = b[n:]
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			payload = val
			b = b[n:]
		case protowire.Fixed64Type:
			val, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			payload = protowire.AppendFixed64(nil, val)
			b = b[n:]
		case protowire.Fixed32Type:
			val, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			payload = protowire.AppendFixed32(nil, val)
			b = b[n:]
		default:
			return fmt.Errorf("leakpb: unsupported wire type %v", typ)
		}

		if err := fn(num, typ, payload); err != nil {
			return err
		}
	}
	return nil
}

func readVarint(typ protowire.Type, v []byte, out *uint64) error {
	if typ != protowire.VarintType {
		return fmt.Errorf("leakpb: expected varint, got wire type %v", typ)
	}
	val, _ := protowire.ConsumeVarint(v)
	*out = val
	return nil
}

func readString(typ protowire.Type, v []byte, out *string) error {
	if typ != protowire.BytesType {
		return fmt.Errorf("leakpb: expected length-delimited, got wire type %v", typ)
	}
	*out = string(v)
	return nil
}
