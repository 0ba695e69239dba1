// Package watch tracks named endpoint watches for the Scry daemon. A watch
// binds a DNS name to its most recently resolved endpoint set and to the
// time the set must be refreshed. The store keeps watches addressable by id
// and by name, and orders refreshes with a min-heap over due times.
package watch

import (
	"container/heap"
	"net/netip"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/lc/scry/internal/resolver"
)

// Kind distinguishes plain host watches from service (SRV) watches.
type Kind string

const (
	// KindHost re-resolves a hostname to addresses.
	KindHost Kind = "host"
	// KindSrv re-resolves a service name through SRV fan-out.
	KindSrv Kind = "srv"
)

// Watch is one tracked name with its latest resolution outcome.
type Watch struct {
	ID         string                // Unique identifier for the watch
	Name       string                // DNS name being tracked
	Kind       Kind                  // host or srv
	Family     resolver.LookupFamily // Address family policy for refreshes
	Endpoints  []netip.AddrPort      // Most recently resolved endpoint set
	TTL        time.Duration         // Smallest TTL seen in the last resolution
	ResolvedAt time.Time             // When the name was last resolved
}

var _ Store = (*MemoryStore)(nil)

type Store interface {
	// Upsert inserts a watch or replaces the one with the same name.
	// Returns the id under which the watch is tracked.
	Upsert(w *Watch) string
	// MarkResolved records a refresh outcome. Returns whether the endpoint
	// set changed, and false ok when the watch no longer exists.
	MarkResolved(id string, endpoints []netip.AddrPort, ttl time.Duration, ts time.Time) (changed, ok bool)
	// Remove deletes by id; returns the watch for logging.
	Remove(id string) (*Watch, bool)
	// RemoveByName deletes by name.
	RemoveByName(name string) (*Watch, bool)
	// NextDue returns the earliest refresh deadline, or ok=false when no
	// watch is waiting.
	NextDue() (time.Time, bool)
	// DueNow pops every watch whose refresh deadline has passed. Popped
	// watches stay tracked; MarkResolved re-queues them.
	DueNow(now time.Time) []*Watch
	// Snapshot returns a copy of the current watch set.
	Snapshot() []Watch
	// Count returns the number of tracked watches.
	Count() int64
}

// NewStore creates an in-memory watch store. Refresh intervals derive from
// each watch's TTL, clamped to [minRefresh, maxRefresh].
func NewStore(minRefresh, maxRefresh time.Duration) *MemoryStore {
	return &MemoryStore{
		minRefresh: minRefresh,
		maxRefresh: maxRefresh,
		byID:       make(map[string]*entry),
		byName:     make(map[string]*entry),
		dueH:       make([]*entry, 0),
	}
}

// MemoryStore is a thread-safe in-memory implementation of Store.
type MemoryStore struct {
	minRefresh time.Duration
	maxRefresh time.Duration

	mu     sync.RWMutex      // protects fields below
	byID   map[string]*entry // id -> entry
	byName map[string]*entry // lower-cased name -> entry
	dueH   dueHeap           // min-heap keyed by .due
	count  atomic.Int64      // metrics: total watches
}

// Upsert inserts a watch or replaces the one with the same name. A brand new
// watch is due immediately; a replacement keeps its slot but resets the
// refresh clock.
func (s *MemoryStore) Upsert(w *Watch) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := strings.ToLower(w.Name)

	if cur, ok := s.byName[name]; ok {
		cur.Kind = w.Kind
		cur.Family = w.Family
		cur.due = time.Time{} // due immediately under the new policy
		if cur.heapIdx >= 0 {
			heap.Fix(&s.dueH, cur.heapIdx)
		} else {
			heap.Push(&s.dueH, cur)
		}
		return cur.ID
	}

	e := &entry{Watch: w, heapIdx: -1}
	s.byID[w.ID] = e
	s.byName[name] = e
	heap.Push(&s.dueH, e)
	s.count.Inc()
	return w.ID
}

// MarkResolved records a refresh outcome and re-queues the watch for its
// next refresh.
func (s *MemoryStore) MarkResolved(id string, endpoints []netip.AddrPort, ttl time.Duration, ts time.Time) (changed, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[id]
	if !ok {
		return false, false
	}

	changed = !equalEndpoints(cur.Endpoints, endpoints)
	cur.Endpoints = endpoints
	cur.TTL = ttl
	cur.ResolvedAt = ts
	cur.due = ts.Add(s.clampRefresh(ttl))

	if cur.heapIdx >= 0 {
		heap.Fix(&s.dueH, cur.heapIdx)
	} else {
		heap.Push(&s.dueH, cur)
	}
	return changed, true
}

// Remove deletes by id; returns the watch for logging.
func (s *MemoryStore) Remove(id string) (*Watch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return s.remove(cur), true
}

// RemoveByName deletes by name.
func (s *MemoryStore) RemoveByName(name string) (*Watch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byName[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return s.remove(cur), true
}

func (s *MemoryStore) remove(cur *entry) *Watch {
	delete(s.byID, cur.ID)
	delete(s.byName, strings.ToLower(cur.Name))
	// A watch popped by DueNow and not yet re-queued is absent from the heap.
	if cur.heapIdx >= 0 {
		heap.Remove(&s.dueH, cur.heapIdx)
	}
	s.count.Dec()
	return cur.Watch
}

// NextDue returns the earliest refresh deadline, or ok=false if none.
func (s *MemoryStore) NextDue() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.dueH) == 0 {
		return time.Time{}, false
	}
	return s.dueH[0].due, true
}

// DueNow pops all watches due at or before now. Popped watches remain in
// the maps; they re-enter the heap when MarkResolved records the refresh.
func (s *MemoryStore) DueNow(now time.Time) []*Watch {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Watch
	for s.dueH.Len() > 0 {
		if s.dueH[0].due.After(now) {
			break
		}
		popped := heap.Pop(&s.dueH)
		e, ok := popped.(*entry)
		if !ok {
			continue
		}
		due = append(due, e.Watch)
	}
	return due
}

// Snapshot returns a copy of the current watch set.
func (s *MemoryStore) Snapshot() []Watch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	watches := make([]Watch, 0, len(s.byID))
	for _, e := range s.byID {
		watches = append(watches, *e.Watch) // value copy
	}
	return watches
}

// Count returns the number of tracked watches.
func (s *MemoryStore) Count() int64 {
	return s.count.Load()
}

func (s *MemoryStore) clampRefresh(ttl time.Duration) time.Duration {
	if ttl < s.minRefresh {
		return s.minRefresh
	}
	if ttl > s.maxRefresh {
		return s.maxRefresh
	}
	return ttl
}

func equalEndpoints(a, b []netip.AddrPort) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// entry is what we keep internally (pointer for in-place updates).
type entry struct {
	*Watch
	// next refresh deadline; zero means due immediately.
	due time.Time
	// index inside dueHeap, -1 while popped for refresh.
	heapIdx int
}

// dueHeap is a min-heap ordered by entry.due.
// Implementation notes
//   - Satisfies container/heap.Interface so callers must use heap.Push/Pop.
//   - Len/Less/Swap have value receivers because they don’t mutate the slice
//     header; Push/Pop mutate it and therefore use pointer receivers.
//
// Concurrency: the heap is *not* thread-safe. All access is protected by
// MemoryStore.mu. Do NOT touch it without holding the lock.
type dueHeap []*entry

var _ heap.Interface = (*dueHeap)(nil)

// Len returns the number of elements in the heap.
func (h dueHeap) Len() int { return len(h) }

// Less reports whether element i should sort before j (min-heap). The zero
// time sorts first, which is exactly what a never-resolved watch needs.
func (h dueHeap) Less(i, j int) bool {
	return h[i].due.Before(h[j].due)
}

// Swap exchanges elements i and j.
func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx, h[j].heapIdx = i, j
}

// Push inserts x into the heap (container/heap calls this).
func (h *dueHeap) Push(x any) {
	e, ok := x.(*entry)
	if !ok {
		return
	}
	e.heapIdx = len(*h)
	*h = append(*h, e)
}

// Pop removes and returns the minimum element (container/heap calls this).
func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	e.heapIdx = -1 // Mark as no longer in heap
	*h = old[:n-1]
	return e
}
