package fiber

import (
	"container/heap"
	"math/rand/v2"
	"sort"
	"time"
)

// ReadySetKind selects the ready-set implementation.
type ReadySetKind string

const (
	// ReadySetLinear scans one ordered slice per dispatch.
	ReadySetLinear ReadySetKind = "linear"
	// ReadySetHeap keeps sleepers in a min-heap keyed by wake time.
	ReadySetHeap ReadySetKind = "heap"
)

// readySet holds every fiber that is waiting to run, sleeping or not.
// Both implementations pick identically when shuffle is off: the first
// runnable entry in enqueue order, else the earliest sleeper with ties going
// to the earlier enqueue.
type readySet interface {
	push(f *Fiber)
	len() int
	// shuffle randomizes the order used by the next pickRunnable.
	shuffle(r *rand.Rand)
	// pickRunnable removes and returns the first entry that is not sleeping
	// or whose wake time is not after now. It returns nil if there is none.
	pickRunnable(now time.Time) *Fiber
	// earliest returns, without removing, the sleeper with the minimum wake time.
	earliest() *Fiber
	remove(f *Fiber)
	// reposition is called after a queued fiber's sleep state changed.
	reposition(f *Fiber)
	entries() []*Fiber
	clear()
}

func newReadySet(kind ReadySetKind) readySet {
	if kind == ReadySetHeap {
		return &heapSet{}
	}
	return &linearSet{}
}

// runnable reports whether f may be picked at now.
func runnable(f *Fiber, now time.Time) bool {
	return !f.sleeping || !now.Before(f.wakeAt)
}

// --- linear ---

type linearSet struct {
	items []*Fiber
}

func (s *linearSet) push(f *Fiber) { s.items = append(s.items, f) }
func (s *linearSet) len() int      { return len(s.items) }

func (s *linearSet) shuffle(r *rand.Rand) {
	r.Shuffle(len(s.items), func(i, j int) {
		s.items[i], s.items[j] = s.items[j], s.items[i]
	})
}

func (s *linearSet) pickRunnable(now time.Time) *Fiber {
	for i, f := range s.items {
		if runnable(f, now) {
			s.removeAt(i)
			return f
		}
	}
	return nil
}

func (s *linearSet) earliest() *Fiber {
	var first *Fiber
	for _, f := range s.items {
		if !f.sleeping {
			continue
		}
		if first == nil || f.wakeAt.Before(first.wakeAt) {
			first = f
		}
	}
	return first
}

func (s *linearSet) remove(f *Fiber) {
	for i, g := range s.items {
		if g == f {
			s.removeAt(i)
			return
		}
	}
}

func (s *linearSet) removeAt(i int) {
	copy(s.items[i:], s.items[i+1:])
	s.items[len(s.items)-1] = nil
	s.items = s.items[:len(s.items)-1]
}

func (s *linearSet) reposition(*Fiber) {}

func (s *linearSet) entries() []*Fiber { return append([]*Fiber(nil), s.items...) }
func (s *linearSet) clear()            { s.items = nil }

// --- heap ---

// heapSet keeps runnable fibers in enqueue (seq) order and sleepers in a
// min-heap keyed by (wakeAt, seq). Due sleepers are merged back into the
// ready list by seq before each pick, which reproduces the linear scan order.
type heapSet struct {
	ready    []*Fiber
	sleepers sleepHeap
	random   *rand.Rand
}

func (s *heapSet) push(f *Fiber) {
	if f.sleeping {
		heap.Push(&s.sleepers, f)
		return
	}
	s.insertReady(f)
}

func (s *heapSet) insertReady(f *Fiber) {
	i := sort.Search(len(s.ready), func(i int) bool { return s.ready[i].seq > f.seq })
	s.ready = append(s.ready, nil)
	copy(s.ready[i+1:], s.ready[i:])
	s.ready[i] = f
	f.slot = -1
}

func (s *heapSet) len() int { return len(s.ready) + len(s.sleepers) }

// shuffle makes the next pick uniform over the runnable entries.
func (s *heapSet) shuffle(r *rand.Rand) { s.random = r }

func (s *heapSet) pickRunnable(now time.Time) *Fiber {
	for len(s.sleepers) > 0 && runnable(s.sleepers[0], now) {
		s.insertReady(heap.Pop(&s.sleepers).(*Fiber))
	}
	r := s.random
	s.random = nil
	if len(s.ready) == 0 {
		return nil
	}
	i := 0
	if r != nil {
		i = r.IntN(len(s.ready))
	}
	f := s.ready[i]
	s.ready = append(s.ready[:i], s.ready[i+1:]...)
	return f
}

func (s *heapSet) earliest() *Fiber {
	if len(s.sleepers) == 0 {
		return nil
	}
	return s.sleepers[0]
}

func (s *heapSet) remove(f *Fiber) {
	if f.slot >= 0 && f.slot < len(s.sleepers) && s.sleepers[f.slot] == f {
		heap.Remove(&s.sleepers, f.slot)
		return
	}
	for i, g := range s.ready {
		if g == f {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

func (s *heapSet) reposition(f *Fiber) {
	s.remove(f)
	s.push(f)
}

func (s *heapSet) entries() []*Fiber {
	out := make([]*Fiber, 0, s.len())
	out = append(out, s.ready...)
	return append(out, s.sleepers...)
}

func (s *heapSet) clear() {
	s.ready = nil
	s.sleepers = nil
}

type sleepHeap []*Fiber

func (h sleepHeap) Len() int { return len(h) }

func (h sleepHeap) Less(i, j int) bool {
	if h[i].wakeAt.Equal(h[j].wakeAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].wakeAt.Before(h[j].wakeAt)
}

func (h sleepHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].slot = i
	h[j].slot = j
}

func (h *sleepHeap) Push(x any) {
	f := x.(*Fiber)
	f.slot = len(*h)
	*h = append(*h, f)
}

func (h *sleepHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	old[n-1] = nil
	f.slot = -1
	*h = old[:n-1]
	return f
}
