// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package driver

// Usage describes how a buffer will be bound and accessed by commands
// recorded against it. Bits may be combined.
type Usage uint32

const (
	// UsageTransferSrc allows the buffer to be the source of a copy.
	UsageTransferSrc Usage = 1 << iota
	// UsageTransferDst allows the buffer to be the destination of a copy.
	UsageTransferDst
	// UsageVertex allows the buffer to be bound as a vertex buffer.
	UsageVertex
	// UsageIndex allows the buffer to be bound as an index buffer.
	UsageIndex
	// UsageUniform allows the buffer to be bound as a uniform buffer.
	UsageUniform
	// UsageStorage allows the buffer to be bound as a storage buffer.
	UsageStorage
)

// Resource is the base interface for all device-owned objects reached
// through this package. Destroy must be called exactly once.
type Resource interface {
	Destroy()
}

// Buffer is a device-owned linear allocation. Host-visible buffers
// (created with visible=true) additionally support Bytes, which
// returns a slice over the permanently mapped memory.
type Buffer interface {
	Resource

	// Cap returns the buffer's size in bytes.
	Cap() int64

	// Bytes returns the mapped host-visible view of the buffer.
	// Panics if the buffer was not created with host visibility.
	Bytes() []byte
}

// Off3D is a 3D offset, used for copies into/out of image-shaped
// resources. The upload subsystem only deals with linear buffers, so
// this is always the zero value when present in a copy; it is kept for
// parity with the collaborator's copy-command shape.
type Off3D struct {
	X, Y, Z int
}

// BufCopy describes one buffer-to-buffer copy region.
type BufCopy struct {
	SrcOffset int64
	DstOffset int64
	Size      int64
}
