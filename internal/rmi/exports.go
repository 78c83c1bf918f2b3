package rmi

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/danmuck/buildrmi/internal/observability"
)

const rootObjectID uint64 = 0

type exportEntry struct {
	obj    any
	id     uint64
	pinned bool

	// epoch is the newest epoch carried by a sent message. next hands out
	// epochs to messages still being written; inflight counts them.
	epoch    uint64
	next     uint64
	inflight int
	released uint64
}

// exportTable maps local objects written by reference to their ids. Every
// export reserves a fresh epoch that only becomes current once the message
// carrying it is sent. A release removes the entry when it names the current
// epoch and no message holding the object is still being written.
type exportTable struct {
	mu     sync.Mutex
	byObj  map[any]*exportEntry
	byID   map[uint64]*exportEntry
	nextID uint64
}

func newExportTable() *exportTable {
	return &exportTable{
		byObj:  make(map[any]*exportEntry),
		byID:   make(map[uint64]*exportEntry),
		nextID: rootObjectID + 1,
	}
}

func (t *exportTable) pin(id uint64, obj any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &exportEntry{obj: obj, id: id, pinned: true}
	t.byID[id] = e
	if identityComparable(obj) {
		t.byObj[obj] = e
	}
}

// export reserves the id and a new epoch for obj. The caller settles the
// reservation once it knows whether the message was sent.
func (t *exportTable) export(obj any) (id, epoch uint64, err error) {
	if !identityComparable(obj) {
		return 0, 0, newTransferFailure(fmt.Sprintf("%T", obj), "object has no comparable identity")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byObj[obj]
	if ok && e.pinned {
		return e.id, 0, nil
	}
	if !ok {
		e = &exportEntry{obj: obj, id: t.nextID}
		t.nextID++
		t.byObj[obj] = e
		t.byID[e.id] = e
		observability.AddExports(1)
	}
	e.next++
	e.inflight++
	return e.id, e.next, nil
}

// settle completes a reservation from export. A sent epoch becomes current;
// an unsent one is forgotten, dropping an entry no peer ever saw.
func (t *exportTable) settle(id, epoch uint64, sent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok || e.pinned || e.inflight == 0 {
		return
	}
	e.inflight--
	if sent {
		e.epoch = max(e.epoch, epoch)
	}
	t.collect(e)
}

// collect drops e once the peer released its current epoch and nothing is
// in flight. Requires t.mu.
func (t *exportTable) collect(e *exportEntry) bool {
	if e.inflight > 0 || e.released < e.epoch {
		return false
	}
	delete(t.byID, e.id)
	delete(t.byObj, e.obj)
	observability.AddExports(-1)
	return true
}

func (t *exportTable) lookup(id uint64) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return e.obj, true
}

// release records that the peer dropped its reference at epoch. Stale
// notices are ignored; a notice that overtakes its own send is held until
// that send settles.
func (t *exportTable) release(id, epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok || e.pinned || epoch < e.epoch || epoch > e.next {
		return false
	}
	e.released = max(e.released, epoch)
	return t.collect(e)
}

func (t *exportTable) contains(obj any) bool {
	if !identityComparable(obj) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byObj[obj]
	return ok
}

// len counts exports that a release can remove.
func (t *exportTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.byID {
		if !e.pinned {
			n++
		}
	}
	return n
}

func (t *exportTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.byID {
		if !e.pinned {
			n++
		}
	}
	if n > 0 {
		observability.AddExports(-n)
	}
	clear(t.byObj)
	clear(t.byID)
}

// identityComparable reports whether obj can key the export table without
// panicking: pointers, channels, and structs made only of such fields.
func identityComparable(obj any) bool {
	if obj == nil {
		return false
	}
	return hashableType(reflect.TypeOf(obj))
}

func hashableType(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Chan, reflect.UnsafePointer:
		return true
	case reflect.Struct:
		if t.NumField() == 0 {
			return false
		}
		for i := 0; i < t.NumField(); i++ {
			if !hashableType(t.Field(i).Type) {
				return false
			}
		}
		return true
	}
	return false
}
