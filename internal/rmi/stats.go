package rmi

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// DumpLock serializes statistics dumps across all connections. Lock order:
// DumpLock before any Statistics lock.
var DumpLock sync.Mutex

// MethodStat is the aggregate of one remote method's outbound calls.
type MethodStat struct {
	Interface string
	Method    string
	Count     int64
	Total     time.Duration
}

func (s MethodStat) Average() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

type methodKey struct {
	iface  string
	method string
}

// Statistics aggregates call timings of one connection.
type Statistics struct {
	mu           sync.Mutex
	methods      map[methodKey]*MethodStat
	inaccessible map[string]struct{}
}

func NewStatistics() *Statistics {
	return &Statistics{
		methods:      make(map[methodKey]*MethodStat),
		inaccessible: make(map[string]struct{}),
	}
}

func (s *Statistics) RecordCall(iface, method string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := methodKey{iface: iface, method: method}
	ms, ok := s.methods[k]
	if !ok {
		ms = &MethodStat{Interface: iface, Method: method}
		s.methods[k] = ms
	}
	ms.Count++
	ms.Total += d
}

// RecordInaccessible notes a type name received from the peer that has no
// local registration.
func (s *Statistics) RecordInaccessible(name string) {
	s.mu.Lock()
	s.inaccessible[name] = struct{}{}
	s.mu.Unlock()
}

// Methods returns the aggregates ordered by interface then method.
func (s *Statistics) Methods() []MethodStat {
	s.mu.Lock()
	out := make([]MethodStat, 0, len(s.methods))
	for _, ms := range s.methods {
		out = append(out, *ms)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Interface != out[j].Interface {
			return out[i].Interface < out[j].Interface
		}
		return out[i].Method < out[j].Method
	})
	return out
}

func (s *Statistics) InaccessibleTypes() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.inaccessible))
	for name := range s.inaccessible {
		out = append(out, name)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// DumpSummary writes average call durations in unit, or in a unit picked
// from the fastest method when unit is zero.
func (s *Statistics) DumpSummary(w io.Writer, unit time.Duration) error {
	DumpLock.Lock()
	defer DumpLock.Unlock()

	methods := s.Methods()
	inaccessible := s.InaccessibleTypes()
	bw := bufio.NewWriter(w)
	if len(methods) > 0 {
		if unit <= 0 {
			unit = pickUnit(methods)
		}
		fmt.Fprintln(bw, "Method call statistics:")
		for _, ms := range methods {
			fmt.Fprintf(bw, "%s\t%s\t%d %s / %d\n",
				ms.Interface, ms.Method, int64(ms.Average()/unit), unitSuffix(unit), ms.Count)
		}
	}
	if len(inaccessible) > 0 {
		fmt.Fprintln(bw, "Inaccessible interfaces:")
		for _, name := range inaccessible {
			fmt.Fprintln(bw, name)
		}
	}
	return bw.Flush()
}

func pickUnit(methods []MethodStat) time.Duration {
	fastest := methods[0].Average()
	for _, ms := range methods[1:] {
		fastest = min(fastest, ms.Average())
	}
	switch {
	case fastest > 5*time.Second:
		return time.Second
	case fastest > 5*time.Millisecond:
		return time.Millisecond
	case fastest > 5*time.Microsecond:
		return time.Microsecond
	default:
		return time.Nanosecond
	}
}

func unitSuffix(unit time.Duration) string {
	switch unit {
	case time.Nanosecond:
		return "ns"
	case time.Microsecond:
		return "us"
	case time.Millisecond:
		return "ms"
	case time.Second:
		return "s"
	case time.Minute:
		return "m"
	case time.Hour:
		return "h"
	}
	return unit.String()
}
