package ref

import (
	"sync"
	"weak"
)

// WeakReferencedToken keeps a registration alive while the token itself is
// reachable. The registry holding the registration keeps only the weak half,
// so dropping the token makes the registration eligible for cleanup.
type WeakReferencedToken[T any] struct {
	mu     sync.Mutex
	strong *T
	weak   weak.Pointer[T]
}

func NewWeakReferencedToken[T any](v *T) *WeakReferencedToken[T] {
	return &WeakReferencedToken[T]{strong: v, weak: weak.Make(v)}
}

func (t *WeakReferencedToken[T]) WeakRef() weak.Pointer[T] {
	return t.weak
}

// Release drops the strong reference. Calling it more than once is harmless.
func (t *WeakReferencedToken[T]) Release() {
	t.mu.Lock()
	t.strong = nil
	t.mu.Unlock()
}

func (t *WeakReferencedToken[T]) Released() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.strong == nil
}

// WeakSet holds registrations through weak pointers only.
type WeakSet[T any] struct {
	mu    sync.Mutex
	items map[weak.Pointer[T]]struct{}
}

func NewWeakSet[T any]() *WeakSet[T] {
	return &WeakSet[T]{items: make(map[weak.Pointer[T]]struct{})}
}

// Add registers v and returns the token that keeps it alive.
func (s *WeakSet[T]) Add(v *T) *WeakReferencedToken[T] {
	tok := NewWeakReferencedToken(v)
	s.mu.Lock()
	s.items[tok.weak] = struct{}{}
	s.mu.Unlock()
	return tok
}

// Remove unregisters the value behind tok and releases the token.
func (s *WeakSet[T]) Remove(tok *WeakReferencedToken[T]) {
	s.mu.Lock()
	delete(s.items, tok.weak)
	s.mu.Unlock()
	tok.Release()
}

// Live returns the registrations still reachable, pruning collected ones.
func (s *WeakSet[T]) Live() []*T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*T, 0, len(s.items))
	for wp := range s.items {
		v := wp.Value()
		if v == nil {
			delete(s.items, wp)
			continue
		}
		out = append(out, v)
	}
	return out
}

// Drop unregisters v directly, for registrations that failed while in use.
func (s *WeakSet[T]) Drop(v *T) {
	s.mu.Lock()
	delete(s.items, weak.Make(v))
	s.mu.Unlock()
}

func (s *WeakSet[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
