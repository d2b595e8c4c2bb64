package session

import (
	"container/heap"
	"time"

	"github.com/geph-official/sosistab-go/stats"
)

// dejitterItem is one pending entry in the reorder heap.
type dejitterItem[T any] struct {
	packet T
	seqno  uint64
}

// seqnoHeap is a min-heap over seqno, backing Dejitter's reorder buffer.
// Grounded on original_source/src/session/dejitter.rs's BinaryHeap<
// (Reverse<u64>, usize)> — expressed here with container/heap (stdlib,
// justified: no pack dependency offers a generic priority queue, and this
// is the idiomatic Go shape for one) instead of reaching for a slab
// allocator, since Go's GC makes the original's Slab<T> index indirection
// unnecessary.
type seqnoHeap[T any] []dejitterItem[T]

func (h seqnoHeap[T]) Len() int            { return len(h) }
func (h seqnoHeap[T]) Less(i, j int) bool  { return h[i].seqno < h[j].seqno }
func (h seqnoHeap[T]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *seqnoHeap[T]) Push(x interface{}) { *h = append(*h, x.(dejitterItem[T])) }
func (h *seqnoHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Dejitter reorders a stream of (packet, seqno) arrivals into
// non-decreasing seqno order, waiting up to offset for a missing
// in-between seqno before giving up and delivering out of order anyway.
// Grounded on original_source/src/session/dejitter.rs's DejitterRecv,
// reworked from its single-future race into a push/pop pair the caller
// drives with an explicit timer, since Go's select doesn't let a generic
// struct own an async method the way Rust's does.
type Dejitter[T any] struct {
	order    seqnoHeap[T]
	arrivals []time.Time

	offset time.Duration

	lastInject     time.Time
	lastInjectSet  bool
	lastInjectSeq  uint64
	maxInversion   *stats.EmaCalculator
	lastPopped     uint64
	havePoppedOnce bool
}

// NewDejitter constructs an empty reorder buffer waiting up to offset for
// missing lower seqnos.
func NewDejitter[T any](offset time.Duration) *Dejitter[T] {
	return &Dejitter[T]{
		offset:       offset,
		maxInversion: stats.NewEmaCalculator(0.001),
	}
}

// Push inserts a newly-arrived packet tagged with its seqno.
func (d *Dejitter[T]) Push(packet T, seqno uint64) {
	now := time.Now()
	if d.lastInjectSet && d.lastInjectSeq > seqno {
		d.maxInversion.Update(now.Sub(d.lastInject).Seconds())
	}
	d.lastInject, d.lastInjectSet, d.lastInjectSeq = now, true, seqno

	d.arrivals = append(d.arrivals, now)
	heap.Push(&d.order, dejitterItem[T]{packet: packet, seqno: seqno})
}

// Ready reports whether Pop would return immediately: either the next
// item continues the sequence exactly, or the oldest pending arrival has
// waited past offset.
func (d *Dejitter[T]) Ready() bool {
	if d.order.Len() == 0 {
		return false
	}
	if d.havePoppedOnce && d.order[0].seqno == d.lastPopped+1 {
		return true
	}
	return time.Since(d.arrivals[0]) >= d.offset
}

// NextDeadline returns when Ready will next become true purely from the
// passage of time (i.e. ignoring a future Push that completes the
// sequence sooner), and false if nothing is pending.
func (d *Dejitter[T]) NextDeadline() (time.Time, bool) {
	if len(d.arrivals) == 0 {
		return time.Time{}, false
	}
	return d.arrivals[0].Add(d.offset), true
}

// Pop removes and returns the front of the reorder buffer. Callers should
// only call this when Ready reports true (or after NextDeadline elapses).
func (d *Dejitter[T]) Pop() (T, uint64, bool) {
	var zero T
	if d.order.Len() == 0 {
		return zero, 0, false
	}
	item := heap.Pop(&d.order).(dejitterItem[T])
	d.arrivals = d.arrivals[1:]
	d.lastPopped = item.seqno
	d.havePoppedOnce = true
	return item.packet, item.seqno, true
}

// Len reports how many packets are currently buffered.
func (d *Dejitter[T]) Len() int { return d.order.Len() }
