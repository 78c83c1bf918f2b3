package exc

import (
	"runtime"
	"strconv"
)

// Frame is one stack frame of a captured trace.
type Frame struct {
	Function string
	File     string
	Line     int
}

func (f Frame) String() string {
	return f.Function + "(" + f.File + ":" + strconv.Itoa(f.Line) + ")"
}

// StackTracer is implemented by errors that captured their creation stack.
type StackTracer interface {
	StackTrace() []Frame
}

// Callers captures the calling goroutine's stack, skipping skip frames above
// the caller of Callers.
func Callers(skip int) []Frame {
	var pcs [48]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]Frame, 0, n)
	for {
		fr, more := frames.Next()
		if fr.Function != "" {
			out = append(out, Frame{Function: fr.Function, File: fr.File, Line: fr.Line})
		}
		if !more {
			break
		}
	}
	return out
}

// Suppressor is implemented by errors that carry suppressed errors.
type Suppressor interface {
	Suppressed() []error
}

type withSuppressed struct {
	err        error
	suppressed []error
}

func (w *withSuppressed) Error() string       { return w.err.Error() }
func (w *withSuppressed) Unwrap() error       { return w.err }
func (w *withSuppressed) Suppressed() []error { return w.suppressed }
func (w *withSuppressed) StackTrace() []Frame {
	if st, ok := w.err.(StackTracer); ok {
		return st.StackTrace()
	}
	return nil
}

// Suppress attaches suppressed errors to err. errors.Is and errors.As see
// through the result to err. A nil err yields nil; nil suppressed entries
// are dropped.
func Suppress(err error, suppressed ...error) error {
	if err == nil {
		return nil
	}
	var keep []error
	for _, s := range suppressed {
		if s != nil {
			keep = append(keep, s)
		}
	}
	if len(keep) == 0 {
		return err
	}
	if w, ok := err.(*withSuppressed); ok {
		return &withSuppressed{err: w.err, suppressed: append(append([]error(nil), w.suppressed...), keep...)}
	}
	return &withSuppressed{err: err, suppressed: keep}
}

// SuppressedOf returns the suppressed errors directly attached to err.
func SuppressedOf(err error) []error {
	switch e := err.(type) {
	case *withSuppressed:
		return e.suppressed
	case Suppressor:
		return e.Suppressed()
	case interface{ Unwrap() []error }:
		return e.Unwrap()
	}
	return nil
}
