package rmi

import (
	"reflect"
	"runtime"
	"sync"
	"weak"
)

// Wrapper controls the wire representation of a value. On the writing side
// it is built by WrapperSpec.Wrap; on the reading side by WrapperSpec.New,
// then ReadWrapped and ResolveWrapped run in that order.
type Wrapper interface {
	WriteWrapped(out *ObjectOutput) error
	ReadWrapped(in *ObjectInput) error
	ResolveWrapped() Resolution
	// WrappedObject returns what to write when an exportable resolution is
	// written again. Wrappers that never resolve as exportable may return an error.
	WrappedObject() (any, error)
}

// WrapperSpec registers a wrapper under Name.
type WrapperSpec struct {
	Name string
	// For makes the wrapper the default representation of values of this
	// type, or of any type implementing it when it is an interface type.
	For  reflect.Type
	New  func() Wrapper
	Wrap func(v any) (Wrapper, error)
}

// Resolution is what ResolveWrapped hands to the reader: either a plain
// value or a value that, when written back, is replaced by the wrapper's
// WrappedObject under a re-export handler.
type Resolution struct {
	value    any
	reexport *WriteHandler
	track    func(*reexportTable, Wrapper)
}

func Resolved(v any) Resolution {
	return Resolution{value: v}
}

// ResolvedAsExportable resolves to v and records that writing v again over
// the same connection writes the wrapper's WrappedObject with handler instead.
// WrappedObject is taken when the value is resolved; it must not retain v.
func ResolvedAsExportable[T any](v *T, handler WriteHandler) Resolution {
	return Resolution{
		value:    v,
		reexport: &handler,
		track: func(t *reexportTable, w Wrapper) {
			obj, err := w.WrappedObject()
			wp := weak.Make(v)
			t.add(v, reexportEntry{
				object:  obj,
				err:     err,
				handler: handler,
				matches: func(x any) bool {
					p, ok := x.(*T)
					return ok && wp.Value() == p
				},
				collected: func() bool { return wp.Value() == nil },
			})
			runtime.AddCleanup(v, t.prune, reflect.ValueOf(v).Pointer())
		},
	}
}

func (r Resolution) Value() any { return r.value }

func (r Resolution) Exportable() bool { return r.reexport != nil }

type reexportEntry struct {
	object    any
	err       error
	handler   WriteHandler
	matches   func(any) bool
	collected func() bool
}

// reexportTable maps resolved values back to their wrappers. Entries hold the
// value only weakly and are pruned by cleanups once the value is collected.
type reexportTable struct {
	mu      sync.Mutex
	entries map[uintptr][]reexportEntry
}

func newReexportTable() *reexportTable {
	return &reexportTable{entries: make(map[uintptr][]reexportEntry)}
}

func (t *reexportTable) add(v any, e reexportEntry) {
	addr := reflect.ValueOf(v).Pointer()
	t.mu.Lock()
	t.entries[addr] = append(t.entries[addr], e)
	t.mu.Unlock()
}

func (t *reexportTable) lookup(v any) (reexportEntry, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return reexportEntry{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries[rv.Pointer()] {
		if e.matches(v) {
			return e, true
		}
	}
	return reexportEntry{}, false
}

func (t *reexportTable) prune(addr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.entries[addr][:0]
	for _, e := range t.entries[addr] {
		if !e.collected() {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(t.entries, addr)
		return
	}
	t.entries[addr] = kept
}

func (t *reexportTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *reexportTable) clear() {
	t.mu.Lock()
	clear(t.entries)
	t.mu.Unlock()
}
