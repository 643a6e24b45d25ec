//go:build ignore

// gen.go generates the raw FileDescriptorProto bytes that a reflection-based
// proto/leakpb/leak.pb.go would embed. Run with:
//
//	go run ./internal/proto/gen/gen.go
//
// proto/leakpb currently ships hand-maintained messages instead (see
// proto/leakpb/messages.go); this script is kept so the switch to generated
// bindings, if it ever happens, starts from a descriptor that matches
// leak.proto field-for-field.
package main

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"os"

	"google.golang.org/protobuf/proto"
	descriptorpb "google.golang.org/protobuf/types/descriptorpb"
)

func main() {
	s := ptr[string]
	p := ptr[int32]
	bl := ptr[bool]

	fd := &descriptorpb.FileDescriptorProto{
		Name:    s("leakpb/leak.proto"),
		Package: s("leakpb"),
		Options: &descriptorpb.FileOptions{
			GoPackage: s("github.com/jdeokkim/jmprof/proto/leakpb"),
		},
		Syntax: s("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: s("Frame"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("module_name"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("moduleName")},
					{Name: s("module_base"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_UINT64.Enum(), JsonName: s("moduleBase")},
					{Name: s("symbol_name"), Number: p(3), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("symbolName")},
					{Name: s("source_file"), Number: p(4), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("sourceFile")},
					{Name: s("line"), Number: p(5), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_INT32.Enum(), JsonName: s("line")},
					{Name: s("column"), Number: p(6), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_INT32.Enum(), JsonName: s("column")},
				},
			},
			{
				Name: s("Leak"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("index"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_INT32.Enum(), JsonName: s("index")},
					{Name: s("timestamp_ns"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_UINT64.Enum(), JsonName: s("timestampNs")},
					{Name: s("addr"), Number: p(3), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_UINT64.Enum(), JsonName: s("addr")},
					{Name: s("size"), Number: p(4), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_UINT64.Enum(), JsonName: s("size")},
					{Name: s("backtrace"), Number: p(5), Label: descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(), TypeName: s(".leakpb.Frame"), JsonName: s("backtrace")},
				},
			},
			{
				Name: s("LeakSummary"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("run_id"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("runId")},
					{Name: s("exec_path"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("execPath")},
					{Name: s("hostname"), Number: p(3), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("hostname")},
					{Name: s("total_allocs"), Number: p(4), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_INT32.Enum(), JsonName: s("totalAllocs")},
					{Name: s("total_frees"), Number: p(5), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_INT32.Enum(), JsonName: s("totalFrees")},
					{Name: s("live_bytes"), Number: p(6), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_UINT64.Enum(), JsonName: s("liveBytes")},
					{Name: s("leaks"), Number: p(7), Label: descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(), TypeName: s(".leakpb.Leak"), JsonName: s("leaks")},
				},
			},
			{
				Name: s("RegisterRunRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("hostname"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("hostname")},
					{Name: s("agent_version"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("agentVersion")},
				},
			},
			{
				Name: s("RegisterRunResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("run_id"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("runId")},
				},
			},
			{
				Name: s("Ack"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("accepted"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_BOOL.Enum(), JsonName: s("accepted")},
					{Name: s("message"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("message")},
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{
			{
				Name: s("LeakCollector"),
				Method: []*descriptorpb.MethodDescriptorProto{
					{
						Name:       s("RegisterRun"),
						InputType:  s(".leakpb.RegisterRunRequest"),
						OutputType: s(".leakpb.RegisterRunResponse"),
					},
					{
						Name:            s("StreamLeaks"),
						InputType:       s(".leakpb.LeakSummary"),
						OutputType:      s(".leakpb.Ack"),
						ClientStreaming: bl(true),
						ServerStreaming: bl(true),
					},
				},
			},
		},
	}

	raw, err := proto.Marshal(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal error: %v\n", err)
		os.Exit(1)
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		fmt.Fprintf(os.Stderr, "gzip write error: %v\n", err)
		os.Exit(1)
	}
	if err := w.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "gzip close error: %v\n", err)
		os.Exit(1)
	}

	gzBytes := buf.Bytes()
	fmt.Printf("// Raw: %d bytes, GZip: %d bytes\n", len(raw), len(gzBytes))
	fmt.Printf("var file_leakpb_leak_proto_rawDesc = []byte{\n\t")
	for i, b := range gzBytes {
		if i > 0 && i%16 == 0 {
			fmt.Printf("\n\t")
		}
		fmt.Printf("0x%02x,", b)
	}
	fmt.Printf("\n}\n")
}

func ptr[T any](v T) *T { return &v }
