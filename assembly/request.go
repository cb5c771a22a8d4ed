// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package assembly

import (
	"github.com/gogpu/bufferuploads/batched"
	"github.com/gogpu/bufferuploads/driver"
)

// Source is an asynchronous producer of upload bytes, e.g. a disk
// read or a decompression job running off the pipeline's own
// goroutines. AssemblyLine never blocks waiting for one: it polls
// Ready from PollContinuations instead.
type Source interface {
	// Ready reports whether Bytes can be called without blocking.
	Ready() bool

	// Bytes returns the produced data. Only valid once Ready is true.
	Bytes() ([]byte, error)
}

// StaticSource wraps already-available bytes as a Source, for callers
// that already have the data in memory.
type StaticSource []byte

func (s StaticSource) Ready() bool            { return true }
func (s StaticSource) Bytes() ([]byte, error) { return s, nil }

// Request describes one Begin call's worth of work.
type Request struct {
	// Size is the final resource's size in bytes.
	Size int64

	// Source, if non-nil, produces the bytes to upload. A nil Source
	// with a nil Data means the caller only wants the destination
	// resource created and left uninitialized.
	Source Source

	// Data, if non-nil and Source is nil, is copied synchronously.
	Data []byte

	// Pool, if non-nil, routes the allocation through a sub-allocator
	// instead of giving it a dedicated resource.
	Pool *batched.Pages

	// Usage describes how the final resource will be bound.
	Usage driver.Usage

	// FramePriority selects one of the four priority lanes frame-
	// critical uploads (e.g. this frame's skinning data) jump ahead
	// in, 0 being the lowest priority and FramePriorityLevels-1 the
	// highest.
	FramePriority int
}

// FramePriorityLevels is the number of distinct priority lanes.
const FramePriorityLevels = 4
