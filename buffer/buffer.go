// Package buffer implements the pooled packet buffer used on the hot path
// of every send/receive operation, grounded on original_source's
// src/buffer.rs (BuffMut/Buff).
package buffer

import "sync"

// initialCap matches the Rust source's Vec::with_capacity(2048) — packet
// sizes are bounded well under the 1472-byte MTU cap, so 2048 avoids
// reallocation for any single datagram.
const initialCap = 2048

// maxPoolableCap — a mutable buffer grown past this on return to the pool
// is freed instead of recycled, bounding worst-case pool memory.
const maxPoolableCap = 4096

var pool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, initialCap)
		return &b
	},
}

// BuffMut is a freshly-allocated or pool-recycled mutable byte buffer.
type BuffMut struct {
	data []byte
}

// NewMut pops a buffer from the free list (or allocates one) and returns
// it with length 0, ready to be appended to.
func NewMut() *BuffMut {
	p := pool.Get().(*[]byte)
	return &BuffMut{data: (*p)[:0]}
}

// Bytes exposes the underlying slice for in-place writes.
func (b *BuffMut) Bytes() []byte { return b.data }

// SetBytes replaces the buffer's content, reusing the backing array when
// it has capacity.
func (b *BuffMut) SetBytes(p []byte) {
	b.data = append(b.data[:0], p...)
}

// Append grows the buffer.
func (b *BuffMut) Append(p []byte) {
	b.data = append(b.data, p...)
}

// Len reports the current length.
func (b *BuffMut) Len() int { return len(b.data) }

// Freeze converts the mutable buffer into an immutable Buff viewing the
// whole of its current contents. The BuffMut must not be used afterwards.
func (b *BuffMut) Freeze() Buff {
	return Buff{data: b.data, lo: 0, hi: len(b.data)}
}

// Release returns the buffer to the free list if it's small enough,
// otherwise lets the GC reclaim it — the direct analog of the Rust
// source's Drop impl.
func (b *BuffMut) Release() {
	if cap(b.data) > maxPoolableCap {
		return
	}
	d := b.data[:0]
	pool.Put(&d)
}

// Buff is an immutable, shareable view over a byte slice. Slicing a Buff
// is O(1): it shares the same backing array.
type Buff struct {
	data   []byte
	lo, hi int
}

// FromBytes wraps an existing slice as a Buff, copying it so the caller's
// buffer can be reused/pooled independently.
func FromBytes(p []byte) Buff {
	cp := make([]byte, len(p))
	copy(cp, p)
	return Buff{data: cp, lo: 0, hi: len(cp)}
}

// Bytes returns the viewed sub-slice.
func (b Buff) Bytes() []byte { return b.data[b.lo:b.hi] }

// Len reports the length of the view.
func (b Buff) Len() int { return b.hi - b.lo }

// Slice returns another Buff sharing the same allocation, covering
// [lo,hi) of this view's range.
func (b Buff) Slice(lo, hi int) Buff {
	if lo < 0 || hi > b.Len() || lo > hi {
		panic("buffer: slice out of range")
	}
	return Buff{data: b.data, lo: b.lo + lo, hi: b.lo + hi}
}

// CopyFromSlice copies the contents of src into a fresh BuffMut.
func CopyFromSlice(src []byte) *BuffMut {
	m := NewMut()
	m.SetBytes(src)
	return m
}
