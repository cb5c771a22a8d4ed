// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package driver

import "errors"

// Sentinel errors a Device/Queue implementation may return. The upload
// subsystem treats all of them as a resource-creation failure: it
// fails the transaction's promise rather than propagating a panic
// or aborting the pipeline.
var (
	// ErrOutOfMemory indicates the device has exhausted its memory.
	ErrOutOfMemory = errors.New("driver: device out of memory")

	// ErrDeviceLost indicates the device cannot be recovered and must
	// be recreated by the host application.
	ErrDeviceLost = errors.New("driver: device lost")

	// ErrTimeout indicates a Wait-style operation did not observe the
	// requested fence value before its deadline.
	ErrTimeout = errors.New("driver: timeout")
)
