package openmon

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// CallSite describes the instrumented call an observation belongs to.
type CallSite struct {
	// Kind is the kind of join point, e.g. "call" or "handler".
	Kind string

	// Signature identifies the call, e.g. "(*Store).Load".
	Signature string

	// Source is the "file:line" of the call, when known.
	Source string
}

// String returns the signature, or "unknown" for an empty call site.
func (s CallSite) String() string {
	if s.Signature == "" {
		return "unknown"
	}
	return s.Signature
}

// Caller describes the function skip frames above the caller of Caller.
// Caller(0) describes the function that called Caller.
func Caller(skip int) CallSite {
	var pcs [1]uintptr
	if runtime.Callers(skip+2, pcs[:]) == 0 {
		return CallSite{Kind: "call"}
	}
	frame, _ := runtime.CallersFrames(pcs[:]).Next()

	return CallSite{
		Kind:      "call",
		Signature: shortFuncName(frame.Function),
		Source:    fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line),
	}
}

// shortFuncName strips the import path from a runtime function name, leaving
// "pkg.Func" or "pkg.(*Type).Method".
func shortFuncName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
