// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package driver

// Transition describes a queue-family acquire or a make-visible
// barrier that must run before a resource produced on one queue is
// consumed on another — the pre-command-list, resource-transfer
// deferred operations a two-queue handoff needs.
type Transition struct {
	Buf      Buffer
	SrcQueue QueueKind
	DstQueue QueueKind
}

// QueueKind distinguishes the two hardware queues the subsystem
// coordinates: a transfer queue and a graphics queue.
type QueueKind int

const (
	// QueueTransfer is the queue the upload subsystem owns and submits
	// staging copies to.
	QueueTransfer QueueKind = iota
	// QueueGraphics is the queue the host application renders with;
	// the subsystem only cooperates with it via AdvanceGraphicsQueue.
	QueueGraphics
)

// CommandEncoder records a batch of commands for submission to one
// queue. It is single-use: once End or Destroy is called it must not
// be recorded into again. This mirrors hal.CommandEncoder, trimmed to
// the copy/barrier/signal operations the upload subsystem needs.
type CommandEncoder interface {
	Resource

	// IsRecording reports whether Begin has been called without a
	// matching End.
	IsRecording() bool

	// Begin starts recording. Must be called before any other method
	// except IsRecording, Destroy and Reset.
	Begin() error

	// End finishes recording and makes the encoder submittable.
	End() error

	// Reset discards any recorded commands, returning the encoder to
	// its pristine, not-recording state for reuse.
	Reset()

	// CopyBuffer records a staging-to-final or final-to-final copy.
	CopyBuffer(src, dst Buffer, regions []BufCopy)

	// Transition records queue-family acquire / release barriers.
	Transition(ts []Transition)

	// SignalOnCompletion arranges for fence to be bumped to value once
	// this command buffer finishes executing on its queue.
	SignalOnCompletion(fence Fence, value uint64)

	// WaitBeforeBegin arranges for this command buffer to stall until
	// fence reaches value before any of its commands execute.
	WaitBeforeBegin(fence Fence, value uint64)
}
