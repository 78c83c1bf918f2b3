package session

import (
	"sort"
	"sync"
	"time"
)

// PendingRelease is one release notice waiting to be written to the exporter.
type PendingRelease struct {
	ObjectID uint64
	Epoch    uint64
	QueuedAt time.Time
}

// ReleaseOutbox collects release notices produced by proxy cleanups and
// hands them to the connection's release writer in batches.
type ReleaseOutbox struct {
	mu    sync.RWMutex
	items map[uint64]PendingRelease
	ready chan struct{}
}

func NewReleaseOutbox() *ReleaseOutbox {
	return &ReleaseOutbox{
		items: make(map[uint64]PendingRelease),
		ready: make(chan struct{}, 1),
	}
}

// Upsert queues a release; an existing entry for the same object keeps the higher epoch.
func (o *ReleaseOutbox) Upsert(item PendingRelease) {
	o.mu.Lock()
	if cur, ok := o.items[item.ObjectID]; !ok || item.Epoch > cur.Epoch {
		o.items[item.ObjectID] = item
	}
	o.mu.Unlock()
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled after an Upsert; one signal may cover many items.
func (o *ReleaseOutbox) Ready() <-chan struct{} {
	return o.ready
}

// Drain removes and returns every pending release ordered by object id.
func (o *ReleaseOutbox) Drain() []PendingRelease {
	o.mu.Lock()
	out := make([]PendingRelease, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	clear(o.items)
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ObjectID < out[j].ObjectID
	})
	return out
}

func (o *ReleaseOutbox) Get(objectID uint64) (PendingRelease, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[objectID]
	return item, ok
}

func (o *ReleaseOutbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}
