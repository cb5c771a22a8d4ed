// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package driver

// CommandListID is a monotonically increasing marker minted by an
// UploadsThreadContext each time it submits a batch of copies to the
// transfer queue. Locators, retirement queues and the "waiting on
// device" staging list all key off it instead of a raw fence value,
// because a context may batch several logical steps into one
// submission.
type CommandListID uint64

// InvalidCommandListID marks "no submission yet" — e.g. a freshly
// opened context, or a Locator that was never written to.
const InvalidCommandListID CommandListID = 0

// IsValid reports whether id refers to an actual submission.
func (id CommandListID) IsValid() bool { return id != InvalidCommandListID }

// Before reports whether id was submitted strictly earlier than other,
// accounting for the monotonically increasing, never-wrapping counter
// each context hands out.
func (id CommandListID) Before(other CommandListID) bool { return id < other }
