package reactor

import (
	"container/heap"
	"time"
)

// Timer is a one-shot timer owned by a Loop. A timer may be re-enabled from
// its own callback or at any later point; Enable on an armed timer moves the
// deadline. All methods are loop-goroutine-only.
type Timer struct {
	loop     *Loop
	cb       func()
	deadline time.Time
	// index inside timerHeap for O(log n) removal/update.
	heapIdx int
	armed   bool
}

// NewTimer creates a disarmed timer whose callback runs on the loop
// goroutine when the timer fires.
func (l *Loop) NewTimer(cb func()) *Timer {
	return &Timer{loop: l, cb: cb, heapIdx: -1}
}

// Enable arms the timer to fire after d, replacing any previous deadline.
func (t *Timer) Enable(d time.Duration) {
	t.deadline = time.Now().Add(d)
	if t.armed {
		heap.Fix(&t.loop.timers, t.heapIdx)
		return
	}
	t.armed = true
	heap.Push(&t.loop.timers, t)
}

// Disable disarms the timer. Disabling an already-disarmed timer is a no-op.
func (t *Timer) Disable() {
	if !t.armed {
		return
	}
	heap.Remove(&t.loop.timers, t.heapIdx)
	t.armed = false
}

// Armed reports whether the timer has a pending deadline.
func (t *Timer) Armed() bool { return t.armed }

// fireDueTimers pops and runs every timer whose deadline has passed.
// Callbacks may arm further timers; those are picked up on the next
// iteration of the loop. The due set is collected before any callback
// runs, so a timer re-armed from its own callback never fires twice in
// the same pass even when its new deadline is already due.
func (l *Loop) fireDueTimers(now time.Time) {
	var due []*Timer
	for l.timers.Len() > 0 {
		if l.timers[0].deadline.After(now) {
			break
		}
		popped := heap.Pop(&l.timers)
		t, ok := popped.(*Timer)
		if !ok {
			continue
		}
		t.armed = false
		due = append(due, t)
	}
	for _, t := range due {
		t.cb()
	}
}

// timerHeap is a min-heap ordered by Timer.deadline.
// Implementation notes
//   - Satisfies container/heap.Interface so callers must use heap.Push/Pop.
//   - Len/Less/Swap have value receivers because they don’t mutate the slice
//     header; Push/Pop mutate it and therefore use pointer receivers.
//
// Concurrency: the heap is only ever touched from the loop goroutine.
type timerHeap []*Timer

var _ heap.Interface = (*timerHeap)(nil)

// next returns the earliest pending deadline, or ok=false if none is armed.
func (h timerHeap) next() (time.Time, bool) {
	if len(h) == 0 {
		return time.Time{}, false
	}
	return h[0].deadline, true
}

// Len returns the number of armed timers.
func (h timerHeap) Len() int { return len(h) }

// Less reports whether timer i should fire before timer j (min-heap).
func (h timerHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}

// Swap exchanges elements i and j.
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx, h[j].heapIdx = i, j
}

// Push inserts x into the heap (container/heap calls this).
func (h *timerHeap) Push(x any) {
	t, ok := x.(*Timer)
	if !ok {
		return
	}
	t.heapIdx = len(*h)
	*h = append(*h, t)
}

// Pop removes and returns the earliest timer (container/heap calls this).
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	t.heapIdx = -1 // Mark as no longer in heap
	*h = old[:n-1]
	return t
}
