// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package staging implements the per-context circular host-visible
// allocator upload command lists write into before a copy moves their
// bytes to a final device resource.
//
// Unlike internal/heap's address-ordered free list, a Page only ever
// grows its allocation cursor forward and wraps at capacity: space can
// only be reclaimed from the oldest outstanding allocation onward,
// because the ring must stay contiguous. This mirrors the staging
// ring buffers in gviegas-neo3's engine/staging.go (a fixed pool of
// host-visible buffers drained by a single committer), generalized
// from that package's bitmap-backed fixed-size blocks to a single
// byte-addressed ring with out-of-order-safe FIFO release tracking.
package staging

import (
	"errors"
	"sort"

	"github.com/gogpu/bufferuploads/driver"
	"github.com/gogpu/bufferuploads/internal/logging"
)

var (
	// ErrTooLarge is returned when a single allocation can never fit
	// in the page even when empty.
	ErrTooLarge = errors.New("staging: allocation larger than page capacity")

	// ErrWrongOwner is returned when a Page bound to one thread
	// context is touched from another.
	ErrWrongOwner = errors.New("staging: page accessed by non-owning thread context")
)

// Allocation is a reserved byte range within a Page's ring buffer. The
// caller writes host data into [Offset, Offset+Size) and then either
// Releases it (bound to the CommandListID that will copy it to its
// final destination) or Abandons it (the data was never submitted,
// e.g. the owning transaction was cancelled after PrepareStaging but
// before its transfer was recorded).
type Allocation struct {
	Offset int64
	Size   int64
	end    uint64
}

// pendingRelease is one entry in the FIFO of allocations waiting for
// their submission to retire on the transfer queue before the ring
// can reclaim their bytes.
type pendingRelease struct {
	end       uint64
	marker    driver.CommandListID
	abandoned bool
}

// Metrics accumulates lifetime counters for a Page: abandoned bytes
// (wasted, never consumed by the device) must be distinguishable from
// bytes that made a real round trip.
type Metrics struct {
	BytesAllocated int64
	BytesReleased  int64
	BytesAbandoned int64
	AllocCount     int64
	ReleaseCount   int64
	AbandonCount   int64
}

// Page is a single circular host-visible staging allocator. It is not
// safe for concurrent use; each UploadsThreadContext owns exactly one.
type Page struct {
	buf      driver.Buffer
	capacity uint64

	cursor    uint64 // total bytes ever allocated, monotonically increasing
	reclaimed uint64 // total bytes known free at the tail

	pending []pendingRelease

	owner   any
	metrics Metrics
}

// NewPage wraps a host-visible buffer as a staging ring of its full
// capacity.
func NewPage(buf driver.Buffer, capacity int64) *Page {
	return &Page{buf: buf, capacity: uint64(capacity)}
}

// Buffer returns the underlying host-visible resource.
func (p *Page) Buffer() driver.Buffer { return p.buf }

// Capacity returns the page's total byte capacity.
func (p *Page) Capacity() int64 { return int64(p.capacity) }

// BindOwner associates the page with token, the identity of the
// UploadsThreadContext that will exclusively touch it from here on.
// Passing nil clears the binding. It panics if already bound to a
// different non-nil token, since that indicates a thread-affinity bug
// rather than a recoverable error.
func (p *Page) BindOwner(token any) {
	if p.owner != nil && token != nil && p.owner != token {
		panic("staging: page rebound to a different owner while still bound")
	}
	p.owner = token
}

// AssertOwner panics if token does not match the page's bound owner.
// Call sites that must only ever run on the owning thread use this as
// a cheap, always-on sanity check.
func (p *Page) AssertOwner(token any) {
	if p.owner != nil && p.owner != token {
		panic(ErrWrongOwner)
	}
}

// Allocate reserves size bytes, padding to skip a too-small tail
// segment before wrapping to the start of the ring. It reports
// whether space was available.
func (p *Page) Allocate(size int64) (Allocation, bool) {
	if size <= 0 || uint64(size) > p.capacity {
		return Allocation{}, false
	}
	sz := uint64(size)

	off := p.cursor % p.capacity
	cursor := p.cursor
	if off+sz > p.capacity {
		pad := p.capacity - off
		cursor += pad
		off = 0
	}
	if cursor+sz-p.reclaimed > p.capacity {
		return Allocation{}, false
	}

	end := cursor + sz
	p.cursor = end
	p.metrics.BytesAllocated += size
	p.metrics.AllocCount++

	return Allocation{Offset: int64(off), Size: size, end: end}, true
}

// Release enqueues alloc for reclamation once marker retires on the
// transfer queue. Bytes become available to Allocate again only after
// every earlier still-pending allocation has also been satisfied,
// since the ring can only shrink from its tail.
func (p *Page) Release(alloc Allocation, marker driver.CommandListID) {
	p.pending = append(p.pending, pendingRelease{end: alloc.end, marker: marker})
	p.metrics.BytesReleased += alloc.Size
	p.metrics.ReleaseCount++
}

// Abandon enqueues alloc for reclamation as soon as it reaches the
// front of the FIFO, without waiting on any device submission — used
// when the data was never copied anywhere.
func (p *Page) Abandon(alloc Allocation) {
	p.pending = append(p.pending, pendingRelease{end: alloc.end, abandoned: true})
	p.metrics.BytesAbandoned += alloc.Size
	p.metrics.AbandonCount++
}

// UpdateConsumerMarker advances the page's notion of the most recently
// retired transfer-queue CommandListID, reclaiming every pending
// release this unblocks. It must be called with a value that only
// ever increases across a page's lifetime.
func (p *Page) UpdateConsumerMarker(retired driver.CommandListID) {
	// Release and Abandon may be called out of allocation order; walk
	// the pending entries in ring order so a later allocation is never
	// reclaimed ahead of an earlier one that is still waiting.
	sort.SliceStable(p.pending, func(i, j int) bool { return p.pending[i].end < p.pending[j].end })
	n := 0
	for n < len(p.pending) {
		e := p.pending[n]
		if !e.abandoned && e.marker > retired {
			break
		}
		p.reclaimed = e.end
		n++
	}
	if n > 0 {
		logging.Logger().Debug("staging: reclaimed pending releases",
			"count", n, "reclaimed", p.reclaimed)
		p.pending = p.pending[n:]
	}
}

// Outstanding returns the number of bytes currently allocated and not
// yet reclaimed.
func (p *Page) Outstanding() int64 { return int64(p.cursor - p.reclaimed) }

// PendingCount returns the number of allocations still waiting on a
// device marker or awaiting abandonment processing.
func (p *Page) PendingCount() int { return len(p.pending) }

// Metrics returns a snapshot of the page's lifetime counters.
func (p *Page) Metrics() Metrics { return p.metrics }
