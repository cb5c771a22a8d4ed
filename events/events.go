// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package events implements the small, fixed-capacity ring of
// "resource repositioned" notifications that BatchedPages raises when
// its background defragmenter moves a live sub-allocation to a new
// offset or resource.
//
// Modeled on gogpu-wgpu's core identity/registry packages: a small
// preallocated slot table addressed by plain slot index (a released
// slot is reused by index, with no generation check), sized for a use
// case the corpus treats as bounded rather than unbounded.
package events

import (
	"sync/atomic"

	"github.com/gogpu/bufferuploads/driver"
)

// MaxOutstanding is the maximum number of reposition events the
// manager tracks at once. Acquire does not wait for a slot to drain:
// asking for a fifth while four are in use panics with ErrQueueFull.
const MaxOutstanding = 4

// Reposition describes one live relocation: everything referencing
// the old (resource, offset) range must rebind to the new one once
// ReadyCommandListID has retired on the graphics queue.
type Reposition struct {
	OldResource driver.Buffer
	OldOffset   int64
	NewResource driver.Buffer
	NewOffset   int64
	Size        int64

	// ReadyCommandListID is the transfer-queue submission whose
	// completion makes NewResource's bytes visible.
	ReadyCommandListID driver.CommandListID
}

type slot struct {
	inUse    bool
	refCount int32
	event    Reposition
}

// Manager is the fixed-size ring of pending reposition events.
// Not safe for concurrent mutation beyond the atomic ref counting
// exposed by Retain/Release, consistent with a single
// defrag-owner-thread model; multiple reader threads may safely call
// Retain/Release/Get concurrently on an already-acquired ID.
type Manager struct {
	slots   [MaxOutstanding]slot
	refs    [MaxOutstanding]atomic.Int32
	nextIdx int
}

// ErrQueueFull is panicked by Acquire when every slot is occupied.
// This is treated as a programmer error: callers must size their
// defrag concurrency to never exceed MaxOutstanding in flight.
type ErrQueueFull struct{}

func (ErrQueueFull) Error() string { return "events: reposition event queue is full" }

// Acquire reserves a slot for a new reposition event and returns its
// ID. The slot starts with a reference count of 1, held by the
// defragmenter itself until it calls Release.
func (m *Manager) Acquire(ev Reposition) int {
	for i := 0; i < MaxOutstanding; i++ {
		idx := (m.nextIdx + i) % MaxOutstanding
		if !m.slots[idx].inUse {
			m.slots[idx] = slot{inUse: true, event: ev}
			m.refs[idx].Store(1)
			m.nextIdx = (idx + 1) % MaxOutstanding
			return idx
		}
	}
	panic(ErrQueueFull{})
}

// Get returns the reposition event for id. ok is false if the slot is
// not currently occupied (e.g. it has already fully drained).
func (m *Manager) Get(id int) (Reposition, bool) {
	s := &m.slots[id]
	if !s.inUse {
		return Reposition{}, false
	}
	return s.event, true
}

// Retain adds a reference to id, taken by each Locator that must
// observe the reposition before it can be safely dropped from the
// ring.
func (m *Manager) Retain(id int) {
	m.refs[id].Add(1)
}

// Release drops a reference to id. Once the count reaches zero the
// slot is returned to the free pool.
func (m *Manager) Release(id int) {
	if m.refs[id].Add(-1) == 0 {
		m.slots[id] = slot{}
	}
}

// Outstanding reports how many slots are currently occupied.
func (m *Manager) Outstanding() int {
	n := 0
	for i := range m.slots {
		if m.slots[i].inUse {
			n++
		}
	}
	return n
}
