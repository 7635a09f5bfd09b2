// Package diag provides LTX's diagnostics: leveled human-readable
// messages to stderr, and the fatal-assertion path taken on a failed
// assertion or unrecoverable syscall.
//
// Design: fatal means fatal. A protocol violation or a failed syscall
// on controller-initiated work means the environment is corrupt, and
// nothing downstream can be trusted, so we print where it happened and
// exit.
package diag

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
)

// Pos captures the call site of a diagnostic: source file, function,
// and line, printed as a bracketed prefix on every diagnostic line.
type Pos struct {
	File string
	Func string
	Line int
}

// Here captures the caller's position. skip is the number of extra
// stack frames to skip beyond Here itself (0 for a direct caller).
func Here(skip int) Pos {
	pc, file, line, ok := runtime.Caller(1 + skip)
	if !ok {
		return Pos{File: "?", Func: "?", Line: 0}
	}
	fn := runtime.FuncForPC(pc)
	name := "?"
	if fn != nil {
		name = fn.Name()
	}
	return Pos{File: file, Func: name, Line: line}
}

func (p Pos) String() string {
	return fmt.Sprintf("[%s:%s:%d]", p.File, p.Func, p.Line)
}

// FrameSink appends a Log protocol frame for a diagnostic emitted by
// Logf (and so by Fatal). The
// event loop supplies this; diag itself knows nothing about the wire
// format. It returns false if no frame could be emitted (e.g. the
// output stream is already gone), in which case the stderr line is the
// only record.
type FrameSink func(text string) bool

var (
	mu      sync.Mutex
	out     io.Writer = os.Stderr
	sink    FrameSink
	mainPID = os.Getpid()
)

// SetOutput redirects where plain diagnostics are written (tests use
// this to capture output instead of the real stderr).
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	mu.Unlock()
}

// SetFrameSink installs the callback used to also echo Logf and Fatal
// diagnostics as Log protocol frames, so the message reaches the
// controller over the wire and not just stderr.
func SetFrameSink(f FrameSink) {
	mu.Lock()
	sink = f
	mu.Unlock()
}

// Logf writes a positioned diagnostic line to stderr and, if a frame
// sink is installed and this is the main process (not a forked,
// pre-exec child), also emits it as a Log frame. It never exits.
func Logf(pos Pos, format string, args ...any) {
	msg := fmt.Sprintf("%s %s", pos, fmt.Sprintf(format, args...))

	mu.Lock()
	fmt.Fprintln(out, msg)
	s := sink
	mu.Unlock()

	if s != nil && os.Getpid() == mainPID {
		s(msg)
	}
}

// Warnf is a non-fatal diagnostic; unlike Logf it never touches the
// protocol frame sink, so a warning only ever reaches stderr.
func Warnf(format string, args ...any) {
	mu.Lock()
	fmt.Fprintf(out, "warning: "+format+"\n", args...)
	mu.Unlock()
}

// exitFunc is overridden in tests so Fatal doesn't kill the test binary.
var exitFunc = os.Exit

// Fatal prints "[file:func:line] message" to stderr (and, in the main
// executor process, appends a Log frame if a sink is installed), then
// exits with status 1. It never returns.
func Fatal(pos Pos, format string, args ...any) {
	Logf(pos, format, args...)
	exitFunc(1)
}

// Assert calls Fatal with the given message when cond is false.
func Assert(cond bool, pos Pos, format string, args ...any) {
	if cond {
		return
	}
	Fatal(pos, "Fatal assertion: "+format, args...)
}
