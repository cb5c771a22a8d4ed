// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package locator implements ResourceLocator, the handle the upload
// subsystem hands back to clients: a (resource, offset, size,
// completion marker, optional pool) tuple that owns pool-refcount
// release on destruction.
//
// Modeled on gogpu-wgpu's hal/vulkan/memory.MemoryBlock (dedicated vs.
// pooled allocation, a back-pointer to the owning allocator for
// pooled blocks) combined with an ownership discipline where the
// locator never keeps its pool alive. The pool reference is a
// weak.Pointer, the standard library's analogue of a C++ weak_ptr, to
// a small PoolHandle the pool keeps alive for its own
// lifetime — upgrading it costs a single atomic load and never
// resurrects a destroyed pool.
package locator

import (
	"weak"

	"github.com/gogpu/bufferuploads/driver"
)

// SentinelWhole marks a Locator's offset/size as "describes the whole
// resource" rather than an interior range.
const SentinelWhole = -1

// Pool is the subset of IResourcePool a Locator needs to
// release or add a reference to one of its sub-ranges.
type Pool interface {
	// AddRef increments the reference count for the sub-range
	// [offset, offset+size) of resource, identified by marker.
	AddRef(marker uint64, resource driver.Buffer, offset, size int64)

	// Release decrements the reference count for the sub-range. The
	// pool deallocates the span once both the primary and the
	// defrag-umbrella ("other") counts reach zero.
	Release(marker uint64, resource driver.Buffer, offset, size int64)
}

// PoolHandle is a stable heap object a Pool keeps alive for exactly as
// long as the pool itself exists. Locators hold a weak.Pointer to the
// handle rather than to the pool directly, so that no number of
// outstanding locators can keep a destroyed pool's memory reachable.
type PoolHandle struct {
	Pool Pool
}

// NewPoolHandle wraps p in a handle suitable for weak referencing.
// The returned handle must be kept strongly reachable by p for as
// long as p is alive (e.g. as a field of p's own struct).
func NewPoolHandle(p Pool) *PoolHandle {
	return &PoolHandle{Pool: p}
}

// Locator describes either a whole device resource or an interior
// byte range within one, optionally owned by a sub-allocation pool.
//
// The zero Locator is the empty, default-constructed state.
type Locator struct {
	resource driver.Buffer
	offset   int64
	size     int64

	weakPool      weak.Pointer[PoolHandle]
	poolMarker    uint64
	managedByPool bool

	completionID driver.CommandListID
}

// Whole constructs a Locator that owns resource outright. Destruction
// just releases the resource; there is no pool involved.
func Whole(resource driver.Buffer, completionID driver.CommandListID) Locator {
	return Locator{
		resource:     resource,
		offset:       SentinelWhole,
		size:         SentinelWhole,
		completionID: completionID,
	}
}

// Pooled constructs a Locator describing an interior range owned by a
// sub-allocation pool. The caller must already hold a reference on
// [offset, size) for marker; Pooled does not call AddRef.
func Pooled(resource driver.Buffer, offset, size int64, pool *PoolHandle, marker uint64, completionID driver.CommandListID) Locator {
	return Locator{
		resource:      resource,
		offset:        offset,
		size:          size,
		weakPool:      weak.Make(pool),
		poolMarker:    marker,
		managedByPool: true,
		completionID:  completionID,
	}
}

// IsEmpty reports whether l is the default-constructed, resource-less
// Locator.
func (l Locator) IsEmpty() bool {
	return l.resource == nil
}

// IsWholeResource reports whether l describes an entire resource
// rather than an interior range, implying both the offset and size
// sentinels are set.
func (l Locator) IsWholeResource() bool {
	return l.offset == SentinelWhole && l.size == SentinelWhole
}

// IsManagedByPool reports whether a pool is responsible for releasing
// l's underlying range.
func (l Locator) IsManagedByPool() bool {
	return l.managedByPool
}

// Resource returns the device resource l refers to.
func (l Locator) Resource() driver.Buffer { return l.resource }

// GetContainingResource is an alias for Resource, kept because callers
// checking for a reposition rewrite read the resource back under this
// name after a defrag moves a sub-allocation to a new page.
func (l Locator) GetContainingResource() driver.Buffer { return l.resource }

// Offset returns the interior byte offset, or SentinelWhole if l is a
// whole-resource locator.
func (l Locator) Offset() int64 { return l.offset }

// Size returns the interior byte size, or SentinelWhole if l is a
// whole-resource locator.
func (l Locator) Size() int64 { return l.size }

// CompletionCommandListID returns the CommandListID whose retirement
// on the graphics queue marks this locator's contents as visible.
func (l Locator) CompletionCommandListID() driver.CommandListID {
	return l.completionID
}

// WithCompletionCommandListID returns a copy of l with its completion
// marker replaced. TransferStagingToFinal uses this to embed the
// context's current command-list ID once the final copy is emitted.
func (l Locator) WithCompletionCommandListID(id driver.CommandListID) Locator {
	l.completionID = id
	return l
}

// MakeSubLocator produces a new Locator with an additive interior
// offset, carrying the same pool-management flag and completion ID,
// but without taking a new pool reference — the caller is responsible
// for any necessary AddRef.
func (l Locator) MakeSubLocator(offset, size int64) Locator {
	base := l.offset
	if base == SentinelWhole {
		base = 0
	}
	out := l
	out.offset = base + offset
	out.size = size
	return out
}

// AddRef increments the owning pool's reference count for this
// locator's range, upgrading the weak pool reference first. It is a
// no-op for whole-resource locators or if the pool no longer exists.
func (l Locator) AddRef() {
	if !l.managedByPool {
		return
	}
	if h := l.weakPool.Value(); h != nil {
		h.Pool.AddRef(l.poolMarker, l.resource, l.offset, l.size)
	}
}

// Release releases this locator's range. For whole-resource locators
// it destroys the resource directly; for pool-managed locators it
// upgrades the weak pool reference and, if the pool is still alive,
// asks it to release the range — never resurrecting a destroyed pool.
func (l Locator) Release() {
	if l.IsEmpty() {
		return
	}
	if !l.managedByPool {
		l.resource.Destroy()
		return
	}
	if h := l.weakPool.Value(); h != nil {
		h.Pool.Release(l.poolMarker, l.resource, l.offset, l.size)
	}
}

// Rebind returns a copy of l pointing at a new resource and offset,
// used by the reposition fix-up in events/assembly once a defrag
// completes. The pool reference and marker are carried
// over unchanged; size is unchanged.
func (l Locator) Rebind(resource driver.Buffer, offset int64) Locator {
	out := l
	out.resource = resource
	out.offset = offset
	return out
}
