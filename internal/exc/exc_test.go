package exc

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/danmuck/buildrmi/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type cyclicErr struct {
	msg   string
	cause error
	sup   []error
}

func (e *cyclicErr) Error() string       { return e.msg }
func (e *cyclicErr) Unwrap() error       { return e.cause }
func (e *cyclicErr) Suppressed() []error { return e.sup }

type tracedErr struct {
	msg   string
	trace []Frame
	cause error
}

func (e *tracedErr) Error() string       { return e.msg }
func (e *tracedErr) Unwrap() error       { return e.cause }
func (e *tracedErr) StackTrace() []Frame { return e.trace }

func TestCreateNil(t *testing.T) {
	testlog.Start(t)
	require.Nil(t, Create(nil))
}

func TestCreateDiamondSharesView(t *testing.T) {
	testlog.Start(t)
	shared := errors.New("disk full")
	left := &cyclicErr{msg: "write output", cause: shared}
	right := &cyclicErr{msg: "write cache", cause: shared}
	root := &cyclicErr{msg: "task failed", sup: []error{left, right}}

	v := Create(root)
	require.Len(t, v.Suppressed, 2)
	require.NotNil(t, v.Suppressed[0].Cause)
	require.Same(t, v.Suppressed[0].Cause, v.Suppressed[1].Cause)
	require.Equal(t, "*errors.errorString", v.Suppressed[0].Cause.ClassName)
	require.Equal(t, "disk full", v.Suppressed[0].Cause.Message)
}

func TestCreateCycleTerminatesAndPrintsOneMarker(t *testing.T) {
	testlog.Start(t)
	e := &cyclicErr{msg: "loop"}
	e.sup = []error{e}

	v := Create(e)
	require.Len(t, v.Suppressed, 1)
	require.Same(t, v, v.Suppressed[0])

	out := v.StackTraceString()
	require.Equal(t, 1, strings.Count(out, "[CIRCULAR REFERENCE:"))
	require.True(t, strings.HasPrefix(out, v.Error()+"\n"))
}

func TestCauseCyclePrintsOneMarker(t *testing.T) {
	testlog.Start(t)
	a := &cyclicErr{msg: "a"}
	b := &cyclicErr{msg: "b", cause: a}
	a.cause = b

	out := Create(a).StackTraceString()
	require.Equal(t, 1, strings.Count(out, "[CIRCULAR REFERENCE:"))
	require.Contains(t, out, "Caused by: ")
}

func TestPrintElidesCommonFrames(t *testing.T) {
	testlog.Start(t)
	common := []Frame{{Function: "main.run", File: "main.go", Line: 10}, {Function: "main.main", File: "main.go", Line: 3}}
	inner := &tracedErr{msg: "inner", trace: append([]Frame{{Function: "pkg.read", File: "read.go", Line: 7}}, common...)}
	outer := &tracedErr{msg: "outer", cause: inner, trace: append([]Frame{{Function: "pkg.load", File: "load.go", Line: 22}}, common...)}

	out := Create(outer).StackTraceString()
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Equal(t, []string{
		"*github.com/danmuck/buildrmi/internal/exc.tracedErr: outer",
		"\tat pkg.load(load.go:22)",
		"\tat main.run(main.go:10)",
		"\tat main.main(main.go:3)",
		"Caused by: *github.com/danmuck/buildrmi/internal/exc.tracedErr: inner",
		"\tat pkg.read(read.go:7)",
		"\t... 2 more",
	}, lines)
}

func TestSuppressKeepsIdentityForErrorsIs(t *testing.T) {
	testlog.Start(t)
	base := errors.New("remote call failed")
	fallback := fmt.Errorf("fallback failed")
	err := Suppress(base, fallback, nil)

	require.ErrorIs(t, err, base)
	require.Equal(t, base.Error(), err.Error())
	require.Equal(t, []error{fallback}, SuppressedOf(err))

	v := Create(err)
	require.Equal(t, "*errors.errorString", v.ClassName)
	require.Len(t, v.Suppressed, 1)
	require.Equal(t, "fallback failed", v.Suppressed[0].Message)

	require.Nil(t, Suppress(nil, fallback))
	require.Same(t, base, Suppress(base))
}

func TestJoinedErrorsBecomeSuppressed(t *testing.T) {
	testlog.Start(t)
	a := errors.New("a")
	b := errors.New("b")
	v := Create(errors.Join(a, b))
	require.Nil(t, v.Cause)
	require.Len(t, v.Suppressed, 2)
}

func TestCallersCapturesCaller(t *testing.T) {
	testlog.Start(t)
	frames := Callers(0)
	require.NotEmpty(t, frames)
	require.Contains(t, frames[0].Function, "TestCallersCapturesCaller")
}

func TestWireRoundTripPreservesShape(t *testing.T) {
	testlog.Start(t)
	shared := &tracedErr{msg: "shared", trace: []Frame{{Function: "f", File: "f.go", Line: 1}}}
	loop := &cyclicErr{msg: "loop", cause: shared}
	loop.sup = []error{loop, shared}

	in := Create(loop)
	b, err := in.MarshalMsg(nil)
	require.NoError(t, err)

	out := &View{}
	rest, err := out.UnmarshalMsg(b)
	require.NoError(t, err)
	require.Empty(t, rest)

	require.Equal(t, in.Error(), out.Error())
	require.Len(t, out.Suppressed, 2)
	require.Same(t, out, out.Suppressed[0])
	require.Same(t, out.Cause, out.Suppressed[1])
	require.Equal(t, []Frame{{Function: "f", File: "f.go", Line: 1}}, out.Cause.Trace)
	require.Equal(t, in.StackTraceString(), out.StackTraceString())
}

func TestUnmarshalRejectsBadIndex(t *testing.T) {
	testlog.Start(t)
	v := &View{ClassName: "x", Cause: &View{ClassName: "y"}}
	b, err := v.MarshalMsg(nil)
	require.NoError(t, err)
	// Drop the trailing node so the cause index dangles.
	trimmed := append([]byte{0x91}, b[1:]...)
	_, err = (&View{}).UnmarshalMsg(trimmed)
	require.Error(t, err)
}
