package delta

import (
	"reflect"
	"sort"
)

// Set is a deduplicating collection of deltas. The first delta added for a
// key wins; later ones with the same key are dropped, as are deltas whose
// property object is not comparable.
type Set struct {
	items map[Key]Delta
	order []Key
}

func NewSet(ds ...Delta) *Set {
	s := &Set{items: make(map[Key]Delta, len(ds))}
	for _, d := range ds {
		s.Add(d)
	}
	return s
}

// Add reports whether d was new.
func (s *Set) Add(d Delta) bool {
	if d == nil {
		return false
	}
	if s.items == nil {
		s.items = make(map[Key]Delta)
	}
	k := d.Key()
	if !comparableKey(k) {
		return false
	}
	if _, ok := s.items[k]; ok {
		return false
	}
	s.items[k] = d
	s.order = append(s.order, k)
	return true
}

func (s *Set) Contains(k Key) bool {
	_, ok := s.Get(k)
	return ok
}

func (s *Set) Get(k Key) (Delta, bool) {
	if !comparableKey(k) {
		return nil, false
	}
	d, ok := s.items[k]
	return d, ok
}

func comparableKey(k Key) bool {
	return k.Property == nil || reflect.ValueOf(k.Property).Comparable()
}

func (s *Set) Len() int { return len(s.order) }

func (s *Set) IsEmpty() bool { return len(s.order) == 0 }

// All returns the deltas in insertion order.
func (s *Set) All() []Delta {
	out := make([]Delta, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.items[k])
	}
	return out
}

func (s *Set) OfType(t Type) []Delta {
	var out []Delta
	for _, k := range s.order {
		if k.Type == t {
			out = append(out, s.items[k])
		}
	}
	return out
}

// Files buckets the file deltas of type t, or of every file type when t is zero.
func (s *Set) Files(t Type) *FileDeltas {
	fd := NewFileDeltas()
	for _, k := range s.order {
		fc, ok := s.items[k].(FileChange)
		if !ok || (t != 0 && fc.Type != t) {
			continue
		}
		fd.Add(fc)
	}
	return fd
}

// ChangedPaths returns the sorted paths of every file delta.
func (s *Set) ChangedPaths() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, k := range s.order {
		if !k.Type.IsFile() {
			continue
		}
		if _, ok := seen[k.Path]; ok {
			continue
		}
		seen[k.Path] = struct{}{}
		out = append(out, k.Path)
	}
	sort.Strings(out)
	return out
}

// FileDeltas indexes file deltas by tag.
type FileDeltas struct {
	all    *Set
	tagged map[string][]FileChange
}

func NewFileDeltas() *FileDeltas {
	return &FileDeltas{all: NewSet(), tagged: make(map[string][]FileChange)}
}

func (f *FileDeltas) Add(d FileChange) bool {
	if !f.all.Add(d) {
		return false
	}
	f.tagged[d.Tag] = append(f.tagged[d.Tag], d)
	return true
}

func (f *FileDeltas) All() []FileChange {
	out := make([]FileChange, 0, f.all.Len())
	for _, d := range f.all.All() {
		out = append(out, d.(FileChange))
	}
	return out
}

func (f *FileDeltas) WithTag(tag string) []FileChange {
	return append([]FileChange(nil), f.tagged[tag]...)
}

// AnyWithTag returns the first delta added with tag.
func (f *FileDeltas) AnyWithTag(tag string) (FileChange, bool) {
	ds := f.tagged[tag]
	if len(ds) == 0 {
		return FileChange{}, false
	}
	return ds[0], true
}

func (f *FileDeltas) HasTag(tag string) bool { return len(f.tagged[tag]) > 0 }

func (f *FileDeltas) IsEmpty() bool { return f.all.IsEmpty() }

func (f *FileDeltas) Len() int { return f.all.Len() }

// Tags returns the tags in use, sorted.
func (f *FileDeltas) Tags() []string {
	out := make([]string, 0, len(f.tagged))
	for tag := range f.tagged {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
