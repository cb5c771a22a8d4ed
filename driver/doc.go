// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package driver defines the boundary between the upload subsystem and
// the underlying graphics device.
//
// Everything in this package is an interface implemented by an
// out-of-scope collaborator: the real Vulkan-class device, its command
// submission machinery, and its queue timelines. The upload subsystem
// never constructs a concrete Device, Queue, Buffer, Fence or
// CommandEncoder — it only calls methods on values handed to it by the
// host application, the same way gogpu-wgpu's hal package is consumed
// by the core package one layer up.
package driver
