package reqstats

import (
	"fmt"
	"runtime"
	"strings"
)

// maxStackDepth bounds how many frames a call-site signature renders.
const maxStackDepth = 32

// skippedFramePrefixes are dropped from call-site signatures: they are the
// same for every statement and would only hide the caller.
var skippedFramePrefixes = []string{
	"runtime.",
	"database/sql.",
	"github.com/keyxmakerx/stacks/internal/dbconn.",
}

// callSite renders the stack above QueryRecorder.Intercept as a signature.
// Program counters are left out so the same source line always yields the
// same text.
func callSite() string {
	pcs := make([]uintptr, maxStackDepth+16)
	// Skip runtime.Callers, callSite and Intercept.
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	depth := 0
	for {
		frame, more := frames.Next()
		if !skipFrame(frame.Function) {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
			depth++
		}
		if !more || depth == maxStackDepth {
			break
		}
	}
	return b.String()
}

func skipFrame(fn string) bool {
	for _, p := range skippedFramePrefixes {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}
