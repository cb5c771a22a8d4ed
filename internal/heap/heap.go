// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package heap implements the address-ordered, best-fit spanning heap
// used by the batched-page sub-allocator. The staging page keeps its
// own ring bookkeeping and does not use it.
//
// It is structured after gogpu-wgpu's hal/vulkan/memory buddy
// allocator (same Stats shape, same sentinel-error list, same
// Alloc/Free contract) but tracks an explicit sorted free list instead
// of power-of-two buddies: picking the tightest
// free span that still fits a request is something a buddy allocator cannot
// express without internal fragmentation.
//
// A Heap is not safe for concurrent use; its caller (BatchedPages)
// applies its own locking discipline on top.
package heap

import (
	"errors"
	"hash/fnv"
	"sort"
)

var (
	// ErrInvalidSize is returned when a zero or over-large size is requested.
	ErrInvalidSize = errors.New("heap: invalid size")

	// ErrOutOfSpace is returned when no free span is large enough.
	ErrOutOfSpace = errors.New("heap: out of space")

	// ErrInvalidSpan is returned when Free is called with a range that
	// does not correspond to a live allocation tracked by the heap.
	ErrInvalidSpan = errors.New("heap: invalid span")
)

// Span is a contiguous byte range [Offset, Offset+Size).
type Span struct {
	Offset uint64
	Size   uint64
}

// End returns the exclusive end of the span.
func (s Span) End() uint64 { return s.Offset + s.Size }

// Stats summarizes a Heap's current state.
type Stats struct {
	TotalSize       uint64
	FreeSize        uint64
	LargestFree     uint64
	AllocationCount int
}

// Heap is a fixed-size, address-ordered free-list allocator.
type Heap struct {
	total uint64
	// free holds disjoint, address-sorted, non-adjacent spans.
	free []Span
	// live tracks outstanding allocations for validation and for
	// computing the complement set needed by defrag compression plans.
	live map[uint64]uint64 // offset -> size
}

// New creates a heap managing size bytes, starting entirely free.
func New(size uint64) *Heap {
	h := &Heap{
		total: size,
		live:  make(map[uint64]uint64),
	}
	if size > 0 {
		h.free = []Span{{Offset: 0, Size: size}}
	}
	return h
}

// Size returns the total managed size.
func (h *Heap) Size() uint64 { return h.total }

// Alloc reserves the tightest-fitting free span of at least size
// bytes, aligned to alignment (which must be a power of 2, or 0/1 for
// no alignment beyond 1 byte). It returns the offset of the reserved
// range.
func (h *Heap) Alloc(size, alignment uint64) (uint64, error) {
	if size == 0 || size > h.total {
		return 0, ErrInvalidSize
	}
	if alignment == 0 {
		alignment = 1
	}

	bestIdx := -1
	var bestWaste uint64
	var bestAlignedOff uint64
	for i, s := range h.free {
		alignedOff := alignUp(s.Offset, alignment)
		pad := alignedOff - s.Offset
		if pad >= s.Size {
			continue
		}
		avail := s.Size - pad
		if avail < size {
			continue
		}
		waste := avail - size
		if bestIdx == -1 || waste < bestWaste {
			bestIdx = i
			bestWaste = waste
			bestAlignedOff = alignedOff
		}
	}
	if bestIdx == -1 {
		return 0, ErrOutOfSpace
	}

	s := h.free[bestIdx]
	h.free = append(h.free[:bestIdx], h.free[bestIdx+1:]...)

	if pad := bestAlignedOff - s.Offset; pad > 0 {
		h.free = insertSorted(h.free, Span{Offset: s.Offset, Size: pad})
	}
	tailOff := bestAlignedOff + size
	if tailEnd := s.End(); tailOff < tailEnd {
		h.free = insertSorted(h.free, Span{Offset: tailOff, Size: tailEnd - tailOff})
	}

	h.live[bestAlignedOff] = size
	return bestAlignedOff, nil
}

// Free releases a previously allocated span, coalescing it with
// address-adjacent free neighbors.
func (h *Heap) Free(offset, size uint64) error {
	live, ok := h.live[offset]
	if !ok || live != size {
		return ErrInvalidSpan
	}
	delete(h.live, offset)
	h.free = insertSorted(h.free, Span{Offset: offset, Size: size})
	return nil
}

// FreeUnchecked releases a span without requiring a matching live
// entry. Used by BatchedPages when deallocating sub-spans discovered
// during a partial release of a span the heap never saw as a single
// Alloc call.
func (h *Heap) FreeUnchecked(offset, size uint64) {
	delete(h.live, offset)
	h.free = insertSorted(h.free, Span{Offset: offset, Size: size})
}

// MarkLive registers a span as allocated without consulting the free
// list, used when BatchedPages allocates a destination "uberblock" and
// wants the heap's live-set bookkeeping to include it.
func (h *Heap) MarkLive(offset, size uint64) {
	h.live[offset] = size
}

// LargestFree returns the size of the largest free span.
func (h *Heap) LargestFree() uint64 {
	var max uint64
	for _, s := range h.free {
		if s.Size > max {
			max = s.Size
		}
	}
	return max
}

// FreeBytes returns the sum of all free span sizes.
func (h *Heap) FreeBytes() uint64 {
	var total uint64
	for _, s := range h.free {
		total += s.Size
	}
	return total
}

// IsEmpty reports whether the heap has no live allocations.
func (h *Heap) IsEmpty() bool {
	return len(h.live) == 0
}

// LiveSpans returns the currently allocated spans in address order.
// Used to build a compression plan during defragmentation.
func (h *Heap) LiveSpans() []Span {
	out := make([]Span, 0, len(h.live))
	for off, size := range h.live {
		out = append(out, Span{Offset: off, Size: size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// Stats returns a snapshot of the heap's current state.
func (h *Heap) Stats() Stats {
	return Stats{
		TotalSize:       h.total,
		FreeSize:        h.FreeBytes(),
		LargestFree:     h.LargestFree(),
		AllocationCount: len(h.live),
	}
}

// LayoutHash returns a hash of the heap's current free-list layout.
// BatchedPages uses this to skip re-selecting a page for defrag whose
// layout has not changed since the last attempt.
func (h *Heap) LayoutHash() uint64 {
	f := fnv.New64a()
	var buf [16]byte
	for _, s := range h.free {
		putU64(buf[0:8], s.Offset)
		putU64(buf[8:16], s.Size)
		_, _ = f.Write(buf[:])
	}
	return f.Sum64()
}

// Validate checks that free spans plus live spans exactly cover
// [0, total) and are pairwise disjoint.
func (h *Heap) Validate() error {
	all := append(append([]Span{}, h.free...), h.LiveSpans()...)
	sort.Slice(all, func(i, j int) bool { return all[i].Offset < all[j].Offset })
	var cursor uint64
	for _, s := range all {
		if s.Offset != cursor {
			return errors.New("heap: gap or overlap detected")
		}
		cursor = s.End()
	}
	if cursor != h.total {
		return errors.New("heap: spans do not cover entire heap")
	}
	return nil
}

func alignUp(v, alignment uint64) uint64 {
	if alignment <= 1 {
		return v
	}
	return (v + alignment - 1) &^ (alignment - 1)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func insertSorted(free []Span, s Span) []Span {
	i := sort.Search(len(free), func(i int) bool { return free[i].Offset >= s.Offset })
	free = append(free, Span{})
	copy(free[i+1:], free[i:])
	free[i] = s

	// Coalesce with the following neighbor.
	if i+1 < len(free) && free[i].End() == free[i+1].Offset {
		free[i].Size += free[i+1].Size
		free = append(free[:i+1], free[i+2:]...)
	}
	// Coalesce with the preceding neighbor.
	if i > 0 && free[i-1].End() == free[i].Offset {
		free[i-1].Size += free[i].Size
		free = append(free[:i], free[i+1:]...)
	}
	return free
}
