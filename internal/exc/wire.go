package exc

import (
	"errors"

	"github.com/tinylib/msgp/msgp"
)

var ErrMalformedView = errors.New("exc: malformed view encoding")

// The wire form is the flattened arena: an array of nodes, each
// [class, message, repr, [[fn, file, line]...], cause index or -1, [suppressed indexes]].
// Node 0 is the root.

var (
	_ msgp.Marshaler   = (*View)(nil)
	_ msgp.Unmarshaler = (*View)(nil)
)

// MarshalMsg appends the msgpack encoding of the view graph rooted at v.
func (v *View) MarshalMsg(b []byte) ([]byte, error) {
	index := map[*View]int{}
	var order []*View
	var walk func(*View)
	walk = func(n *View) {
		if n == nil {
			return
		}
		if _, ok := index[n]; ok {
			return
		}
		index[n] = len(order)
		order = append(order, n)
		for _, s := range n.Suppressed {
			walk(s)
		}
		walk(n.Cause)
	}
	walk(v)

	b = msgp.AppendArrayHeader(b, uint32(len(order)))
	for _, n := range order {
		b = msgp.AppendArrayHeader(b, 6)
		b = msgp.AppendString(b, n.ClassName)
		b = msgp.AppendString(b, n.Message)
		b = msgp.AppendString(b, n.Repr)
		b = msgp.AppendArrayHeader(b, uint32(len(n.Trace)))
		for _, fr := range n.Trace {
			b = msgp.AppendArrayHeader(b, 3)
			b = msgp.AppendString(b, fr.Function)
			b = msgp.AppendString(b, fr.File)
			b = msgp.AppendInt(b, fr.Line)
		}
		if n.Cause == nil {
			b = msgp.AppendInt(b, -1)
		} else {
			b = msgp.AppendInt(b, index[n.Cause])
		}
		b = msgp.AppendArrayHeader(b, uint32(len(n.Suppressed)))
		for _, s := range n.Suppressed {
			b = msgp.AppendInt(b, index[s])
		}
	}
	return b, nil
}

type wireNode struct {
	cause      int
	suppressed []int
}

// UnmarshalMsg decodes a view graph into v, returning the remaining bytes.
func (v *View) UnmarshalMsg(bts []byte) ([]byte, error) {
	count, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return nil, msgp.WrapError(err, "views")
	}
	if count == 0 {
		return nil, ErrMalformedView
	}
	views := make([]*View, count)
	links := make([]wireNode, count)
	for i := range views {
		views[i] = &View{}
	}
	views[0] = v
	*v = View{}
	for i := range views {
		n := views[i]
		var fields uint32
		if fields, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
			return nil, msgp.WrapError(err, "view", i)
		}
		if fields != 6 {
			return nil, ErrMalformedView
		}
		if n.ClassName, bts, err = msgp.ReadStringBytes(bts); err != nil {
			return nil, msgp.WrapError(err, "ClassName")
		}
		if n.Message, bts, err = msgp.ReadStringBytes(bts); err != nil {
			return nil, msgp.WrapError(err, "Message")
		}
		if n.Repr, bts, err = msgp.ReadStringBytes(bts); err != nil {
			return nil, msgp.WrapError(err, "Repr")
		}
		var frames uint32
		if frames, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
			return nil, msgp.WrapError(err, "Trace")
		}
		if frames > 0 {
			n.Trace = make([]Frame, frames)
		}
		for j := range n.Trace {
			var sz uint32
			if sz, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
				return nil, msgp.WrapError(err, "Trace", j)
			}
			if sz != 3 {
				return nil, ErrMalformedView
			}
			fr := &n.Trace[j]
			if fr.Function, bts, err = msgp.ReadStringBytes(bts); err != nil {
				return nil, msgp.WrapError(err, "Function")
			}
			if fr.File, bts, err = msgp.ReadStringBytes(bts); err != nil {
				return nil, msgp.WrapError(err, "File")
			}
			if fr.Line, bts, err = msgp.ReadIntBytes(bts); err != nil {
				return nil, msgp.WrapError(err, "Line")
			}
		}
		if links[i].cause, bts, err = msgp.ReadIntBytes(bts); err != nil {
			return nil, msgp.WrapError(err, "Cause")
		}
		var supCount uint32
		if supCount, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
			return nil, msgp.WrapError(err, "Suppressed")
		}
		links[i].suppressed = make([]int, supCount)
		for j := range links[i].suppressed {
			if links[i].suppressed[j], bts, err = msgp.ReadIntBytes(bts); err != nil {
				return nil, msgp.WrapError(err, "Suppressed", j)
			}
		}
	}
	valid := func(idx int) bool { return idx >= 0 && idx < len(views) }
	for i, l := range links {
		if l.cause >= 0 {
			if !valid(l.cause) {
				return nil, ErrMalformedView
			}
			views[i].Cause = views[l.cause]
		}
		for _, s := range l.suppressed {
			if !valid(s) {
				return nil, ErrMalformedView
			}
			views[i].Suppressed = append(views[i].Suppressed, views[s])
		}
	}
	return bts, nil
}
