// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package driver

// Queue submits recorded command buffers for execution. The upload
// subsystem records its copies on the transfer queue; on the graphics
// queue it submits only the short handoff command buffers that
// AdvanceGraphicsQueue records, and reads that queue's fence to learn
// when uploads have retired.
type Queue interface {
	// Submit submits cb for execution, applying waits before any
	// command runs and signals after the last command completes.
	// Submit does not block; completion is observed through the
	// signalled fences.
	Submit(cb CommandEncoder, waits []SemaphoreWait, signals []SemaphoreSignal) error
}
