// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package batched implements BatchedPages, the sub-allocator that
// packs many small resource uploads into a handful of large device
// pages instead of giving each its own allocation, plus the
// live-GPU-side defragmenter that keeps those pages compact.
//
// The page free-list reuses internal/heap; what this package adds on
// top is tight-fit page *selection* across the whole pool, two-layer
// reference counting so a defrag pass can keep an old span pinned
// until every consumer has observed its replacement, and the
// single-threaded defrag state machine itself. Structurally grounded
// on gogpu-wgpu's hal/vulkan/memory allocator (page list + per-page
// free-list + Config/DefaultConfig), since that is the only example
// repo with a device sub-allocator at all.
package batched

import (
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gogpu/bufferuploads/driver"
	"github.com/gogpu/bufferuploads/events"
	"github.com/gogpu/bufferuploads/internal/heap"
	"github.com/gogpu/bufferuploads/internal/logging"
	"github.com/gogpu/bufferuploads/locator"
)

// ErrAllocationTooLarge names the case of a request that cannot be
// served even by a freshly created dedicated page. Allocate does not
// return it: when the device cannot create that page, Allocate returns
// the device's own error from NewBuffer.
var ErrAllocationTooLarge = errors.New("batched: allocation exceeds device limits")

type subAlloc struct {
	offset       int64
	size         int64
	primaryRefs  int32
	otherRefs    int32
	defragEvent  int
	hasDefragRef bool
}

func (s *subAlloc) live() bool { return s.primaryRefs+s.otherRefs > 0 }

// page is one device allocation sub-allocated by many requests. Its
// own mutex guards the heap and sub-allocation map so Allocate and
// Release on two different pages can proceed without contending on
// the pool-wide lock, while lockedForDefrag lets a reader (the page
// scan of another Allocate call, or pickDefragCandidate) check defrag
// status without taking the page lock at all.
type page struct {
	buf       driver.Buffer
	heap      *heap.Heap
	subs      map[int64]*subAlloc
	dedicated bool

	mu              sync.Mutex
	lockedForDefrag atomic.Bool
}

// Metrics summarizes a Pages instance's current layout, as returned by
// CalculateMetrics.
type Metrics struct {
	PageCount       int
	TotalBytes      int64
	UsedBytes       int64
	FreeBytes       int64
	LargestFreeSpan int64
	DefragsStarted  int64
	DefragsFinished int64
}

// Pages is a pool of device pages sub-allocated by many small upload
// requests, implementing locator.Pool.
//
// It is safe for concurrent use from both a foreground and a
// background thread context: Allocate, Release and AddRef take the
// pool lock in shared mode to find the page they need, then serialize
// their actual mutation with that page's own mutex; appending a new
// page, and running a defrag pass (which restructures a page's whole
// layout, not just one sub-allocation), take the pool lock in
// exclusive mode.
type Pages struct {
	cfg    Config
	device driver.Device

	mu     sync.RWMutex
	pages  []*page
	handle *locator.PoolHandle
	events *events.Manager

	pendingDefrags map[int]pendingDefrag

	metrics Metrics
}

type pendingDefrag struct {
	pageIdx         int
	oldOffset, size int64
	newOffset       int64
}

// NewPages constructs an empty pool backed by device, using cfg for
// page sizing and defrag heuristics.
func NewPages(device driver.Device, cfg Config) *Pages {
	p := &Pages{
		cfg:            cfg,
		device:         device,
		events:         &events.Manager{},
		pendingDefrags: make(map[int]pendingDefrag),
	}
	p.handle = locator.NewPoolHandle(p)
	return p
}

// Events returns the pool's reposition event ring. The assembly line
// reads it back once a defrag pass's copy retires, to rebind any
// in-flight locator still pointing at the span that moved before the
// old bytes are freed out from under it.
func (p *Pages) Events() *events.Manager { return p.events }

// Allocate reserves size bytes, reusing the tightest-fitting existing
// page when one has enough contiguous free space, or creating a new
// page otherwise. Requests larger than the configured page size get a
// dedicated page sized exactly to fit.
func (p *Pages) Allocate(size int64) (locator.Locator, error) {
	if size <= 0 {
		return locator.Locator{}, errors.New("batched: allocation size must be positive")
	}

	if size > p.cfg.PageSize {
		return p.allocateDedicated(size)
	}

	bestIdx := p.findCandidatePage(size)

	if bestIdx == -1 {
		buf, err := p.device.NewBuffer(p.cfg.PageSize, false, driver.UsageTransferDst|driver.UsageStorage)
		if err != nil {
			return locator.Locator{}, err
		}
		pg := &page{buf: buf, heap: heap.New(uint64(p.cfg.PageSize)), subs: make(map[int64]*subAlloc)}

		p.mu.Lock()
		p.pages = append(p.pages, pg)
		bestIdx = len(p.pages) - 1
		p.mu.Unlock()
	}

	p.mu.RLock()
	pg := p.pages[bestIdx]
	p.mu.RUnlock()

	pg.mu.Lock()
	off, err := pg.heap.Alloc(uint64(size), 1)
	if err != nil {
		pg.mu.Unlock()
		return locator.Locator{}, err
	}
	sa := &subAlloc{offset: int64(off), size: size, primaryRefs: 1}
	pg.subs[int64(off)] = sa
	pg.mu.Unlock()

	return locator.Pooled(pg.buf, int64(off), size, p.handle, uint64(bestIdx), driver.InvalidCommandListID), nil
}

// findCandidatePage scans the current page list under the pool's
// shared lock for the tightest-fitting non-dedicated, non-defragging
// page. It returns -1 if none fits, in which case the caller must
// create one.
func (p *Pages) findCandidatePage(size int64) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	bestIdx := -1
	var bestWaste uint64
	for i, pg := range p.pages {
		if pg.dedicated || pg.lockedForDefrag.Load() {
			continue
		}
		pg.mu.Lock()
		largest := pg.heap.LargestFree()
		pg.mu.Unlock()
		if largest < uint64(size) {
			continue
		}
		waste := largest - uint64(size)
		if bestIdx == -1 || waste < bestWaste {
			bestIdx = i
			bestWaste = waste
		}
	}
	return bestIdx
}

func (p *Pages) allocateDedicated(size int64) (locator.Locator, error) {
	buf, err := p.device.NewBuffer(size, false, driver.UsageTransferDst|driver.UsageStorage)
	if err != nil {
		return locator.Locator{}, err
	}
	pg := &page{buf: buf, heap: heap.New(uint64(size)), subs: make(map[int64]*subAlloc), dedicated: true}

	p.mu.Lock()
	p.pages = append(p.pages, pg)
	idx := len(p.pages) - 1
	p.mu.Unlock()

	pg.mu.Lock()
	off, err := pg.heap.Alloc(uint64(size), 1)
	if err != nil {
		pg.mu.Unlock()
		return locator.Locator{}, err
	}
	sa := &subAlloc{offset: int64(off), size: size, primaryRefs: 1}
	pg.subs[int64(off)] = sa
	pg.mu.Unlock()

	return locator.Pooled(buf, int64(off), size, p.handle, uint64(idx), driver.InvalidCommandListID), nil
}

// pageAt resolves marker to its page under the pool's shared lock.
func (p *Pages) pageAt(marker uint64) *page {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if int(marker) >= len(p.pages) {
		return nil
	}
	return p.pages[marker]
}

// AddRef implements locator.Pool.
func (p *Pages) AddRef(marker uint64, resource driver.Buffer, offset, size int64) {
	pg := p.pageAt(marker)
	if pg == nil {
		return
	}
	pg.mu.Lock()
	if sa := pg.subs[offset]; sa != nil {
		sa.primaryRefs++
	}
	pg.mu.Unlock()
}

// Release implements locator.Pool. Once both the primary and
// defrag-umbrella counts reach zero, the span returns to its page's
// free list.
func (p *Pages) Release(marker uint64, resource driver.Buffer, offset, size int64) {
	pg := p.pageAt(marker)
	if pg == nil {
		return
	}
	pg.mu.Lock()
	sa := pg.subs[offset]
	if sa == nil {
		pg.mu.Unlock()
		return
	}
	sa.primaryRefs--
	if !sa.live() {
		pg.heap.FreeUnchecked(uint64(sa.offset), uint64(sa.size))
		delete(pg.subs, sa.offset)
	}
	pg.mu.Unlock()
}

// TickDefrag examines every page for fragmentation exceeding the
// configured threshold and, for the first candidate found, records a
// compaction copy on enc that moves every live sub-allocation toward
// the front of the page. It returns the reposition events created by
// this pass (one per moved sub-allocation) so the caller can notify
// locators once readyMarker retires.
//
// Only one page defragments at a time, and a page already mid-defrag
// is skipped by Allocate until CompleteDefragMove clears it. The pool
// lock is held exclusively for the whole call, since a defrag pass
// restructures the page's entire sub-allocation layout rather than
// touching one span at a time.
func (p *Pages) TickDefrag(enc driver.CommandEncoder, readyMarker driver.CommandListID) ([]int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pendingDefrags) > 0 {
		return nil, false
	}

	idx := p.pickDefragCandidate()
	if idx == -1 {
		return nil, false
	}

	pg := p.pages[idx]
	pg.mu.Lock()
	defer pg.mu.Unlock()

	live := pg.heap.LiveSpans()
	sort.Slice(live, func(i, j int) bool { return live[i].Offset < live[j].Offset })

	pg.lockedForDefrag.Store(true)
	var eventIDs []int
	var cursor uint64
	var copies []driver.BufCopy

	for _, span := range live {
		newOffset := cursor
		cursor += span.Size
		if newOffset == span.Offset {
			continue
		}
		sa := pg.subs[int64(span.Offset)]
		sa.otherRefs++
		sa.hasDefragRef = true

		copies = append(copies, driver.BufCopy{SrcOffset: int64(span.Offset), DstOffset: int64(newOffset), Size: int64(span.Size)})

		evID := p.events.Acquire(events.Reposition{
			OldResource:        pg.buf,
			OldOffset:          int64(span.Offset),
			NewResource:        pg.buf,
			NewOffset:          int64(newOffset),
			Size:               int64(span.Size),
			ReadyCommandListID: readyMarker,
		})
		sa.defragEvent = evID
		p.pendingDefrags[evID] = pendingDefrag{pageIdx: idx, oldOffset: int64(span.Offset), newOffset: int64(newOffset), size: int64(span.Size)}
		eventIDs = append(eventIDs, evID)
	}

	if len(copies) == 0 {
		pg.lockedForDefrag.Store(false)
		return nil, false
	}

	enc.CopyBuffer(pg.buf, pg.buf, copies)
	p.metrics.DefragsStarted++
	logging.Logger().Info("batched: started defrag pass", "page", idx, "moves", len(copies))
	return eventIDs, true
}

// CompleteDefragMove finalizes a single reposition once its copy has
// retired on the device and every consumer has rebound its Locator.
// It releases the old span's umbrella reference and, once that drops
// to zero, frees the physical bytes at the old offset.
func (p *Pages) CompleteDefragMove(eventID int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pd, ok := p.pendingDefrags[eventID]
	if !ok {
		return
	}
	delete(p.pendingDefrags, eventID)

	pg := p.pages[pd.pageIdx]
	pg.mu.Lock()
	defer pg.mu.Unlock()

	old := pg.subs[pd.oldOffset]
	if old == nil {
		p.events.Release(eventID)
		return
	}

	old.otherRefs--
	delete(pg.subs, pd.oldOffset)

	moved := &subAlloc{offset: pd.newOffset, size: pd.size, primaryRefs: old.primaryRefs, otherRefs: old.otherRefs}
	pg.subs[pd.newOffset] = moved
	pg.heap.MarkLive(uint64(pd.newOffset), uint64(pd.size))

	if !old.live() {
		pg.heap.FreeUnchecked(uint64(pd.oldOffset), uint64(pd.size))
	}

	p.events.Release(eventID)

	if p.pageHasNoPendingDefrags(pd.pageIdx) {
		pg.lockedForDefrag.Store(false)
		p.metrics.DefragsFinished++
	}
}

// pageHasNoPendingDefrags must be called with p.mu held.
func (p *Pages) pageHasNoPendingDefrags(pageIdx int) bool {
	for _, pd := range p.pendingDefrags {
		if pd.pageIdx == pageIdx {
			return false
		}
	}
	return true
}

// pickDefragCandidate must be called with p.mu held.
func (p *Pages) pickDefragCandidate() int {
	for i, pg := range p.pages {
		if pg.dedicated || pg.lockedForDefrag.Load() {
			continue
		}
		pg.mu.Lock()
		stats := pg.heap.Stats()
		pg.mu.Unlock()
		if stats.FreeSize == 0 || stats.FreeSize == stats.LargestFree {
			continue
		}
		fragmentation := stats.FreeSize - stats.LargestFree
		if float64(fragmentation) < p.cfg.DefragFragmentationThreshold*float64(p.cfg.PageSize) {
			continue
		}
		if float64(stats.FreeSize) < p.cfg.DefragMinGainFactor*float64(stats.LargestFree) {
			continue
		}
		return i
	}
	return -1
}

// Validate checks every page's heap for structural consistency.
func (p *Pages) Validate() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i, pg := range p.pages {
		pg.mu.Lock()
		err := pg.heap.Validate()
		pg.mu.Unlock()
		if err != nil {
			return errors.Join(errors.New("batched: page "+strconv.Itoa(i)+" invalid"), err)
		}
	}
	return nil
}

// CalculateMetrics recomputes and returns a fresh snapshot of the
// pool's current layout.
func (p *Pages) CalculateMetrics() Metrics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	m := p.metrics
	m.PageCount = len(p.pages)
	m.TotalBytes, m.UsedBytes, m.FreeBytes, m.LargestFreeSpan = 0, 0, 0, 0
	for _, pg := range p.pages {
		pg.mu.Lock()
		stats := pg.heap.Stats()
		pg.mu.Unlock()
		m.TotalBytes += int64(stats.TotalSize)
		m.FreeBytes += int64(stats.FreeSize)
		m.UsedBytes += int64(stats.TotalSize - stats.FreeSize)
		if int64(stats.LargestFree) > m.LargestFreeSpan {
			m.LargestFreeSpan = int64(stats.LargestFree)
		}
	}
	return m
}
