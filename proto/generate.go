// Package proto documents how to regenerate the Go bindings for the fleet
// gRPC interface from proto/leakpb/leak.proto, via go generate:
//
//	go generate ./proto/...
//
// Requires protoc, protoc-gen-go, and protoc-gen-go-grpc on PATH:
//
//	go install google.golang.org/protobuf/cmd/protoc-gen-go@latest
//	go install google.golang.org/grpc/cmd/protoc-gen-go-grpc@latest
//
// leakpb's checked-in bindings in this tree predate the move to the
// reflection-based protoc-gen-go runtime and are still maintained by hand
// (see proto/leakpb/messages.go); this directive is kept for the day that
// changes.
//
//go:generate protoc --go_out=leakpb --go_opt=paths=source_relative --go-grpc_out=leakpb --go-grpc_opt=paths=source_relative leakpb/leak.proto
package proto
