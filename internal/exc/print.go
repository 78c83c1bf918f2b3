package exc

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

const (
	suppressedCaption = "Suppressed: "
	causeCaption      = "Caused by: "
)

// PrintStackTrace writes the view graph in the conventional layout. Frames
// shared with the enclosing trace are elided as "... N more". A view reached
// again during one print is replaced by a circular reference marker.
func (v *View) PrintStackTrace(w io.Writer) error {
	bw := bufio.NewWriter(w)
	p := printer{w: bw, seen: map[*View]struct{}{v: {}}}
	p.line(v.Error())
	for _, fr := range v.Trace {
		p.line("\tat " + fr.String())
	}
	for _, s := range v.Suppressed {
		p.enclosed(s, v.Trace, suppressedCaption, "\t")
	}
	if v.Cause != nil {
		p.enclosed(v.Cause, v.Trace, causeCaption, "")
	}
	return bw.Flush()
}

// StackTraceString is PrintStackTrace into a string.
func (v *View) StackTraceString() string {
	var sb strings.Builder
	_ = v.PrintStackTrace(&sb)
	return sb.String()
}

type printer struct {
	w    *bufio.Writer
	seen map[*View]struct{}
}

func (p *printer) line(s string) {
	p.w.WriteString(s)
	p.w.WriteByte('\n')
}

func (p *printer) enclosed(v *View, enclosing []Frame, caption, prefix string) {
	if _, ok := p.seen[v]; ok {
		p.line(prefix + "\t[CIRCULAR REFERENCE: " + v.Error() + "]")
		return
	}
	p.seen[v] = struct{}{}

	trace := v.Trace
	m := len(trace) - 1
	n := len(enclosing) - 1
	for m >= 0 && n >= 0 && trace[m] == enclosing[n] {
		m--
		n--
	}
	inCommon := len(trace) - 1 - m

	p.line(prefix + caption + v.Error())
	for i := 0; i <= m; i++ {
		p.line(prefix + "\tat " + trace[i].String())
	}
	if inCommon != 0 {
		p.line(prefix + "\t... " + strconv.Itoa(inCommon) + " more")
	}
	for _, s := range v.Suppressed {
		p.enclosed(s, trace, suppressedCaption, prefix+"\t")
	}
	if v.Cause != nil {
		p.enclosed(v.Cause, trace, causeCaption, prefix)
	}
}
