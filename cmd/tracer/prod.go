//go:build linux && !jmprof_dev

package main

// devBuild gates the at-exit in-process resolver invocation described in
// spec.md §4.2. Production builds never invoke the resolver from inside the
// traced process; use cmd/resolver or cmd/forwarder on the written trace
// file instead.
const devBuild = false
