// Package timeout keeps the pending per-connection deadlines of one reactor.
//
// The scheduler is a binary min-heap with lazy deletion. Every Schedule call
// pushes a new record stamped with a monotonically increasing sequence number
// and remembers that number as the key's current generation. Cancel and
// reschedule only forget or replace the generation; superseded records stay in
// the heap until they surface at the top, where they are discarded without
// firing.
//
// Records with equal deadlines fire in Schedule order.
//
// A Scheduler is owned by a single goroutine and is not safe for concurrent
// use.
package timeout

import (
	"container/heap"
	"time"
)

// compactMinStale is the stale record count below which the heap is never
// rebuilt.
const compactMinStale = 64

type record[K comparable] struct {
	key K
	at  time.Time
	seq uint64
}

type recordHeap[K comparable] []record[K]

func (h recordHeap[K]) Len() int { return len(h) }

func (h recordHeap[K]) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h recordHeap[K]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *recordHeap[K]) Push(x any) {
	*h = append(*h, x.(record[K]))
}

func (h *recordHeap[K]) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	var zero record[K]
	old[n-1] = zero
	*h = old[:n-1]
	return x
}

type pending struct {
	seq uint64
	at  time.Time
}

// Scheduler holds at most one authoritative deadline per key.
type Scheduler[K comparable] struct {
	heap    recordHeap[K]
	pending map[K]pending
	seq     uint64
	stale   int
}

// New creates an empty scheduler.
func New[K comparable]() *Scheduler[K] {
	return &Scheduler[K]{
		pending: make(map[K]pending),
	}
}

// Schedule sets the deadline of key to at, superseding any deadline already
// pending for it.
func (s *Scheduler[K]) Schedule(key K, at time.Time) {
	if _, ok := s.pending[key]; ok {
		s.stale++
	}
	s.seq++
	s.pending[key] = pending{seq: s.seq, at: at}
	heap.Push(&s.heap, record[K]{key: key, at: at, seq: s.seq})
	s.maybeCompact()
}

// Cancel forgets the pending deadline of key. Cancelling a key with no
// pending deadline is a no-op.
func (s *Scheduler[K]) Cancel(key K) {
	if _, ok := s.pending[key]; !ok {
		return
	}
	delete(s.pending, key)
	s.stale++
	s.maybeCompact()
}

// Deadline returns the pending deadline of key.
func (s *Scheduler[K]) Deadline(key K) (time.Time, bool) {
	p, ok := s.pending[key]
	return p.at, ok
}

// Next returns the earliest pending deadline. The returned time may lie in
// the past, which means the deadline has already expired.
func (s *Scheduler[K]) Next() (time.Time, bool) {
	s.skipStale()
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].at, true
}

// PopExpired removes and returns every key whose deadline is at or before
// now, in increasing deadline order.
func (s *Scheduler[K]) PopExpired(now time.Time) []K {
	return s.AppendExpired(nil, now)
}

// AppendExpired is PopExpired appending to dst.
func (s *Scheduler[K]) AppendExpired(dst []K, now time.Time) []K {
	for {
		s.skipStale()
		if len(s.heap) == 0 || s.heap[0].at.After(now) {
			return dst
		}
		r := heap.Pop(&s.heap).(record[K])
		delete(s.pending, r.key)
		dst = append(dst, r.key)
	}
}

// Len returns the number of pending deadlines.
func (s *Scheduler[K]) Len() int {
	return len(s.pending)
}

func (s *Scheduler[K]) live(r record[K]) bool {
	p, ok := s.pending[r.key]
	return ok && p.seq == r.seq
}

func (s *Scheduler[K]) skipStale() {
	for len(s.heap) > 0 && !s.live(s.heap[0]) {
		heap.Pop(&s.heap)
		s.stale--
	}
}

// maybeCompact rebuilds the heap from live records once stale records
// outnumber them, bounding memory under reschedule churn.
func (s *Scheduler[K]) maybeCompact() {
	if s.stale < compactMinStale || s.stale <= len(s.pending) {
		return
	}
	live := s.heap[:0]
	for _, r := range s.heap {
		if s.live(r) {
			live = append(live, r)
		}
	}
	var zero record[K]
	for i := len(live); i < len(s.heap); i++ {
		s.heap[i] = zero
	}
	s.heap = live
	s.stale = 0
	heap.Init(&s.heap)
}
