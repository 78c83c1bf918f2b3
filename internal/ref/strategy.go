// Package ref holds the reference strategy used to build caches whose values
// may be reclaimed by the garbage collector, plus weak-referenced tokens.
package ref

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"weak"
)

var ErrUnknownPolicy = errors.New("ref: unknown reference policy")

type Policy string

const (
	PolicyWeak Policy = "weak"
	PolicySoft Policy = "soft"
)

// Strategy is the process-wide cache construction choice, resolved once at
// startup and passed to every component that builds a cache.
type Strategy struct {
	policy Policy
	retain int
}

func Weak() Strategy {
	return Strategy{policy: PolicyWeak}
}

// Soft keeps the retain most recently stored values strongly reachable.
func Soft(retain int) Strategy {
	if retain < 1 {
		retain = 1
	}
	return Strategy{policy: PolicySoft, retain: retain}
}

func Parse(policy string, retain int) (Strategy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(policy))) {
	case "", PolicyWeak:
		return Weak(), nil
	case PolicySoft:
		return Soft(retain), nil
	default:
		return Strategy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
}

func (s Strategy) Policy() Policy {
	if s.policy == "" {
		return PolicyWeak
	}
	return s.policy
}

func (s Strategy) String() string {
	if s.Policy() == PolicySoft {
		return fmt.Sprintf("soft(%d)", s.retain)
	}
	return string(PolicyWeak)
}

// Cache maps keys to values that are only weakly held by the cache itself.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]weak.Pointer[V]
	ring    []*V
	next    int
}

func NewCache[K comparable, V any](s Strategy) *Cache[K, V] {
	c := &Cache[K, V]{entries: make(map[K]weak.Pointer[V])}
	if s.Policy() == PolicySoft {
		c.ring = make([]*V, s.retain)
	}
	return c
}

// Get returns the live value for k.
func (c *Cache[K, V]) Get(k K) (*V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wp, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	v := wp.Value()
	if v == nil {
		delete(c.entries, k)
		return nil, false
	}
	return v, true
}

// GetOrPut returns the live value for k, storing the result of mk when there is none.
func (c *Cache[K, V]) GetOrPut(k K, mk func() *V) (v *V, created bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wp, ok := c.entries[k]; ok {
		if v := wp.Value(); v != nil {
			return v, false
		}
	}
	v = mk()
	c.storeLocked(k, v)
	return v, true
}

func (c *Cache[K, V]) Put(k K, v *V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(k, v)
}

func (c *Cache[K, V]) storeLocked(k K, v *V) {
	c.entries[k] = weak.Make(v)
	if len(c.ring) > 0 {
		c.ring[c.next] = v
		c.next = (c.next + 1) % len(c.ring)
	}
}

// DeleteCollected removes k only if its value has been reclaimed, so a newer
// value stored under the same key survives a late cleanup.
func (c *Cache[K, V]) DeleteCollected(k K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	wp, ok := c.entries[k]
	if !ok || wp.Value() != nil {
		return false
	}
	delete(c.entries, k)
	return true
}

func (c *Cache[K, V]) Delete(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, k)
}

// Clear drops every entry and the soft retention ring.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	clear(c.ring)
	c.next = 0
}

// Len counts entries, including ones whose values were reclaimed but not yet pruned.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
