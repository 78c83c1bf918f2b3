package ref

import (
	"runtime"
	"testing"
	"time"

	"github.com/danmuck/buildrmi/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type payload struct {
	name string
	buf  [64]byte
}

func collectUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached after repeated GC")
		}
		runtime.GC()
		time.Sleep(5 * time.Millisecond)
	}
}

func TestParseStrategy(t *testing.T) {
	testlog.Start(t)
	s, err := Parse("SOFT", 0)
	require.NoError(t, err)
	require.Equal(t, PolicySoft, s.Policy())
	require.Equal(t, "soft(1)", s.String())

	s, err = Parse("", 10)
	require.NoError(t, err)
	require.Equal(t, PolicyWeak, s.Policy())

	_, err = Parse("phantom", 1)
	require.ErrorIs(t, err, ErrUnknownPolicy)
	require.Equal(t, PolicyWeak, Strategy{}.Policy())
}

func TestWeakCacheDropsUnreachableValues(t *testing.T) {
	testlog.Start(t)
	c := NewCache[int, payload](Weak())
	func() {
		v, created := c.GetOrPut(1, func() *payload { return &payload{name: "one"} })
		require.True(t, created)
		again, created := c.GetOrPut(1, func() *payload { return &payload{name: "other"} })
		require.False(t, created)
		require.Same(t, v, again)
	}()
	collectUntil(t, func() bool {
		_, ok := c.Get(1)
		return !ok
	})
	require.Equal(t, 0, c.Len())
}

func TestSoftCacheRetainsRecentValues(t *testing.T) {
	testlog.Start(t)
	c := NewCache[int, payload](Soft(2))
	c.Put(1, &payload{name: "one"})
	c.Put(2, &payload{name: "two"})
	runtime.GC()
	runtime.GC()
	v, ok := c.Get(2)
	require.True(t, ok)
	require.Equal(t, "two", v.name)
	_, ok = c.Get(1)
	require.True(t, ok)

	c.Put(3, &payload{name: "three"})
	c.Put(4, &payload{name: "four"})
	collectUntil(t, func() bool {
		_, ok := c.Get(1)
		return !ok
	})
	_, ok = c.Get(4)
	require.True(t, ok)
}

func TestDeleteCollectedKeepsLiveReplacement(t *testing.T) {
	testlog.Start(t)
	c := NewCache[string, payload](Weak())
	live := &payload{name: "live"}
	c.Put("k", live)
	require.False(t, c.DeleteCollected("k"))
	v, ok := c.Get("k")
	require.True(t, ok)
	require.Same(t, live, v)
	runtime.KeepAlive(live)

	c.Clear()
	require.Equal(t, 0, c.Len())
}

func TestWeakSetTokenLifecycle(t *testing.T) {
	testlog.Start(t)
	s := NewWeakSet[payload]()
	tok := s.Add(&payload{name: "sink"})
	runtime.GC()
	require.Len(t, s.Live(), 1)
	require.False(t, tok.Released())

	tok.Release()
	require.True(t, tok.Released())
	collectUntil(t, func() bool { return len(s.Live()) == 0 })
	require.Equal(t, 0, s.Len())
}

func TestWeakSetRemoveAndDrop(t *testing.T) {
	testlog.Start(t)
	s := NewWeakSet[payload]()
	a := &payload{name: "a"}
	b := &payload{name: "b"}
	tokA := s.Add(a)
	s.Add(b)
	require.Equal(t, 2, s.Len())

	s.Remove(tokA)
	require.True(t, tokA.Released())
	s.Drop(b)
	require.Equal(t, 0, s.Len())
	runtime.KeepAlive(a)
	runtime.KeepAlive(b)
}
