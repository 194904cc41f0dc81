// Package diagnostics formats fatal collector errors and prints them in a
// consistent way before the process is aborted.
package diagnostics

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/tinygo-org/gcbind/abi"
	"github.com/tinygo-org/gcbind/engine"
	"github.com/tinygo-org/gcbind/internal/memory"
	"github.com/tinygo-org/gcbind/objmodel"
	"github.com/tinygo-org/gcbind/scan"
)

// ExitCode is the status passed to Abort, the same as SIGABRT.
const ExitCode = 134

// A single diagnostic.
type Diagnostic struct {
	Kind string
	Msg  string

	// Details are extra lines, for example the previous type of a corrupt
	// object.
	Details []string
}

// Report is everything printed for one fatal error.
type Report struct {
	// Thread names the goroutine that failed, if it was a collector thread.
	Thread      string
	Diagnostics []Diagnostic
	Stack       stack.CallStack
}

// CreateReport reads the underlying errors in err and creates a report that
// can be readily printed.
func CreateReport(err error) Report {
	if err == nil {
		return Report{}
	}
	var r Report
	for _, e := range unwrapAll(err) {
		r.Diagnostics = append(r.Diagnostics, createDiagnostic(e))
	}
	return r
}

// unwrapAll splits joined errors.
func unwrapAll(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var errs []error
		for _, e := range j.Unwrap() {
			errs = append(errs, unwrapAll(e)...)
		}
		return errs
	}
	return []error{err}
}

func createDiagnostic(err error) Diagnostic {
	var (
		corrupt  *objmodel.CorruptionError
		mismatch *abi.MismatchError
		root     *scan.InvalidRootError
		slot     *engine.InvalidRefError
		fault    *memory.Fault
	)
	switch {
	case errors.As(err, &corrupt):
		return Diagnostic{
			Kind: "corruption",
			Msg:  err.Error(),
			Details: []string{
				fmt.Sprintf("object: %v", corrupt.Ref),
				fmt.Sprintf("tag:    %#x", corrupt.Tag),
				fmt.Sprintf("was:    %s", corrupt.Previous),
			},
		}
	case errors.As(err, &mismatch):
		d := Diagnostic{Kind: "abi", Msg: err.Error()}
		for _, s := range mismatch.Structs {
			d.Details = append(d.Details, fmt.Sprintf("%-24s %d", s.Name, s.Size))
		}
		return d
	case errors.As(err, &root):
		return Diagnostic{Kind: "root", Msg: err.Error()}
	case errors.As(err, &slot):
		return Diagnostic{
			Kind: "corruption",
			Msg:  err.Error(),
			Details: []string{
				fmt.Sprintf("slot:   %v", slot.Slot),
				fmt.Sprintf("space:  %v", slot.Space),
			},
		}
	case errors.As(err, &fault):
		return Diagnostic{Kind: "fault", Msg: err.Error()}
	default:
		return Diagnostic{Kind: "fatal", Msg: err.Error()}
	}
}

// WriteTo writes the report to w, using terminal colors when color is set.
func (r Report) WriteTo(w io.Writer, color bool) {
	red, reset := "", ""
	if color {
		red, reset = "\x1b[31m", "\x1b[0m"
	}
	if r.Thread != "" {
		fmt.Fprintf(w, "%sfatal error in GC thread %s%s\n", red, r.Thread, reset)
	}
	for _, d := range r.Diagnostics {
		d.WriteTo(w, red, reset)
	}
	if len(r.Stack) != 0 {
		fmt.Fprintln(w, "\ngoroutine stack:")
		for _, c := range r.Stack {
			fmt.Fprintf(w, "\t%+v %n\n", c, c)
		}
	}
}

// WriteTo writes this diagnostic to w.
func (d Diagnostic) WriteTo(w io.Writer, red, reset string) {
	fmt.Fprintf(w, "%s%s:%s %s\n", red, d.Kind, reset, d.Msg)
	for _, line := range d.Details {
		fmt.Fprintln(w, "\t"+line)
	}
}

func (r Report) String() string {
	var sb strings.Builder
	r.WriteTo(&sb, false)
	return sb.String()
}

var (
	outMu sync.Mutex
	out   io.Writer = colorable.NewColorableStderr()
	color           = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
)

// SetOutput redirects fatal reports. Color is disabled for anything but the
// terminal.
func SetOutput(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	out = w
	color = false
}

// Abort ends the process. It must not return outside of tests.
var Abort = func(code int) {
	os.Exit(code)
}

// Fatal prints a report for err and aborts.
func Fatal(err error) {
	r := CreateReport(err)
	r.Stack = stack.Trace().TrimRuntime()
	emit(r)
}

// Recover is deferred by collector goroutines. A panic in such a goroutine
// leaves the heap half collected, so it always aborts the process.
func Recover(thread string) {
	v := recover()
	if v == nil {
		return
	}
	var err error
	switch v := v.(type) {
	case error:
		err = v
	default:
		err = fmt.Errorf("panic: %v", v)
	}
	r := CreateReport(err)
	r.Thread = thread
	r.Stack = stack.Trace().TrimRuntime()
	emit(r)
}

func emit(r Report) {
	outMu.Lock()
	r.WriteTo(out, color)
	outMu.Unlock()
	Abort(ExitCode)
}
