package exc

import (
	"errors"
	"reflect"
)

// View is a detached mirror of one error in an error graph.
// Shared sub-errors in the source graph map to shared views, so the view
// graph may contain diamonds and cycles.
type View struct {
	ClassName  string
	Message    string
	Repr       string
	Trace      []Frame
	Cause      *View
	Suppressed []*View
}

func (v *View) Error() string {
	if v.Repr != "" {
		return v.Repr
	}
	if v.Message == "" {
		return v.ClassName
	}
	return v.ClassName + ": " + v.Message
}

func (v *View) String() string { return v.Error() }

// StackTrace returns the mirrored trace so views can nest inside other errors.
func (v *View) StackTrace() []Frame { return v.Trace }

// Create builds the view graph of err. Every distinct source error is visited
// once; a nil err yields nil and a *View is returned unchanged.
func Create(err error) *View {
	if err == nil {
		return nil
	}
	if v := asView(err); v != nil {
		return v
	}
	a := &arena{ids: make(map[any]int)}
	id := a.visit(err)
	return a.views[id]
}

// Viewer is implemented by errors that already carry their view, such as
// errors rebuilt from a received view.
type Viewer interface {
	ExceptionView() *View
}

func asView(err error) *View {
	switch e := err.(type) {
	case *View:
		return e
	case Viewer:
		return e.ExceptionView()
	}
	return nil
}

// arena assigns each source error an index on first sight; the index is the
// opaque id used for deduplication.
type arena struct {
	ids   map[any]int
	views []*View
}

func (a *arena) visit(err error) int {
	key, keyed := sourceKey(err)
	if keyed {
		if id, ok := a.ids[key]; ok {
			return id
		}
	}
	if v := asView(err); v != nil {
		id := len(a.views)
		a.views = append(a.views, v)
		if keyed {
			a.ids[key] = id
		}
		return id
	}

	subject := err
	var extra []error
	if w, ok := err.(*withSuppressed); ok {
		subject = w.err
		extra = w.suppressed
	}

	var v *View
	if sv, ok := subject.(*View); ok {
		cp := *sv
		cp.Suppressed = append([]*View(nil), sv.Suppressed...)
		v = &cp
	} else {
		name := TypeName(subject)
		v = &View{
			ClassName: name,
			Message:   subject.Error(),
		}
		v.Repr = name + ": " + v.Message
		if st, ok := subject.(StackTracer); ok {
			v.Trace = st.StackTrace()
		}
	}

	id := len(a.views)
	a.views = append(a.views, v)
	if keyed {
		a.ids[key] = id
	}

	if _, ok := subject.(*View); !ok {
		for _, s := range SuppressedOf(subject) {
			if s != nil {
				sid := a.visit(s)
				v.Suppressed = append(v.Suppressed, a.views[sid])
			}
		}
		if _, multi := subject.(interface{ Unwrap() []error }); !multi {
			if cause := errors.Unwrap(subject); cause != nil {
				cid := a.visit(cause)
				v.Cause = a.views[cid]
			}
		}
	}
	for _, s := range extra {
		sid := a.visit(s)
		v.Suppressed = append(v.Suppressed, a.views[sid])
	}
	return id
}

// sourceKey reports the dedup key of err. Only pointer shaped errors have an
// identity; value errors are leaves and are copied per occurrence.
func sourceKey(err error) (any, bool) {
	if reflect.TypeOf(err).Kind() != reflect.Pointer {
		return nil, false
	}
	return err, true
}

// TypeName returns the package qualified type name of err's dynamic type.
func TypeName(err error) string {
	t := reflect.TypeOf(err)
	ptr := ""
	for t.Kind() == reflect.Pointer {
		ptr += "*"
		t = t.Elem()
	}
	if t.Name() == "" {
		return ptr + t.String()
	}
	if t.PkgPath() == "" {
		return ptr + t.Name()
	}
	return ptr + t.PkgPath() + "." + t.Name()
}
