// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package threadctx implements UploadsThreadContext: the per-thread
// bundle of a lazily-opened CommandEncoder, a StagingPage, and the
// bookkeeping needed to submit batched copies to the transfer queue,
// hand the result off to the graphics queue, and learn when it
// actually retires there.
//
// Manager owns a small, fixed number of these
// rather than creating one per transaction, since a context's whole
// purpose is to amortize command-list overhead across many
// transactions.
package threadctx

import (
	"errors"

	"github.com/gogpu/bufferuploads/driver"
	"github.com/gogpu/bufferuploads/internal/logging"
	"github.com/gogpu/bufferuploads/metrics"
	"github.com/gogpu/bufferuploads/staging"
)

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("threadctx: context is closed")

// AdvanceOptions controls one AdvanceGraphicsQueue call.
type AdvanceOptions struct {
	// Required forces a submission (and a fresh CommandListID) even if
	// nothing was recorded since the last advance, used when a caller
	// needs a synchronization point regardless of pending work.
	Required bool
}

// DeferredOperations accumulates the resource-transfer transitions a
// context must apply before the graphics queue is allowed to touch
// whatever the transfer queue just wrote: queue-family acquires and
// similar make-visible barriers that only make sense once the
// transfer-side copy they follow has actually been submitted.
type DeferredOperations struct {
	transitions []driver.Transition
}

// Queue appends t to run immediately before the next handoff to the
// graphics queue.
func (d *DeferredOperations) Queue(t driver.Transition) {
	d.transitions = append(d.transitions, t)
}

// Pending returns the transitions queued since the last handoff,
// without clearing them.
func (d *DeferredOperations) Pending() []driver.Transition {
	return d.transitions
}

func (d *DeferredOperations) drain() []driver.Transition {
	out := d.transitions
	d.transitions = nil
	return out
}

// Context bundles one thread's upload state: its own CommandEncoder
// recording buffer, its own StagingPage, and the counters needed to
// report back to Manager.
type Context struct {
	device    driver.Device
	queueKind driver.QueueKind
	page      *staging.Page
	fence     driver.Fence

	graphicsQueue driver.Queue
	graphicsFence driver.Fence
	deferred      DeferredOperations

	enc         driver.CommandEncoder
	nextID      driver.CommandListID
	lastRetired driver.CommandListID

	budget  metrics.Budget
	current metrics.CommandListMetrics
	log     *metrics.RetirementLog

	// starvationCount tracks how many consecutive AdvanceGraphicsQueue
	// calls found nothing to submit, reported through StarvationCount.
	// Manager does not read it; new transactions are not rebalanced
	// between contexts on its account.
	starvationCount int

	closed bool
}

// New creates a context with its own staging page of the given
// capacity, bound to queueKind on the transfer side and to
// graphicsQueue for the handoff AdvanceGraphicsQueue performs once a
// transfer submission completes.
func New(device driver.Device, queueKind driver.QueueKind, graphicsQueue driver.Queue, stagingCapacity int64, budget metrics.Budget) (*Context, error) {
	buf, err := device.NewBuffer(stagingCapacity, true, driver.UsageTransferSrc)
	if err != nil {
		return nil, err
	}
	fence, err := device.NewFence()
	if err != nil {
		buf.Destroy()
		return nil, err
	}
	graphicsFence, err := device.NewFence()
	if err != nil {
		fence.Destroy()
		buf.Destroy()
		return nil, err
	}
	ctx := &Context{
		device:        device,
		queueKind:     queueKind,
		page:          staging.NewPage(buf, stagingCapacity),
		fence:         fence,
		graphicsQueue: graphicsQueue,
		graphicsFence: graphicsFence,
		budget:        budget,
		log:           metrics.NewRetirementLog(32),
	}
	ctx.page.BindOwner(ctx)
	return ctx, nil
}

// StagingPage returns the context's staging allocator. Callers must
// only touch it from this context's owning thread.
func (c *Context) StagingPage() *staging.Page { return c.page }

// Fence returns the transfer-queue timeline fence this context signals
// on submission.
func (c *Context) Fence() driver.Fence { return c.fence }

// GraphicsFence returns the graphics-queue timeline fence the handoff
// performed by AdvanceGraphicsQueue signals. A transaction's upload is
// only actually visible once this fence, not the transfer fence,
// reaches its CommandListID.
func (c *Context) GraphicsFence() driver.Fence { return c.graphicsFence }

// DeferredOperations returns the context's queue of pending
// resource-transfer transitions, for callers (e.g. a defrag pass) that
// need a barrier applied at the next graphics-queue handoff.
func (c *Context) DeferredOperations() *DeferredOperations { return &c.deferred }

// QueueToHardware returns the currently open CommandEncoder, lazily
// beginning one if none is open. Callers record copies and barriers
// into it directly; the context only tracks submission and
// retirement, not individual command authorship.
func (c *Context) QueueToHardware() (driver.CommandEncoder, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.enc == nil {
		enc, err := c.device.NewCmdBuffer(c.queueKind)
		if err != nil {
			return nil, err
		}
		if err := enc.Begin(); err != nil {
			return nil, err
		}
		c.enc = enc
	}
	return c.enc, nil
}

// RecordCopy accounts for a copy about to be (or just) recorded into
// the context's open encoder, for budget and metrics purposes. It
// does not itself call CopyBuffer — callers record into the encoder
// returned by QueueToHardware and report the accounting here.
func (c *Context) RecordCopy(bytes int64) {
	c.current.BytesUploaded += bytes
	c.current.CopyCount++
}

// RecordTransaction accounts for one transaction's step having run
// against this context's current command list.
func (c *Context) RecordTransaction() {
	c.current.TransactionsRun++
}

// ShouldFlush reports whether the context's accumulated metrics have
// reached its configured Budget, meaning AdvanceGraphicsQueue should
// be called before recording further copies.
func (c *Context) ShouldFlush() bool {
	return c.budget.ShouldFlush(c.current)
}

// AdvanceGraphicsQueue submits the currently open transfer-queue
// command list (if any) to queue, signaling the context's transfer
// fence with a freshly minted CommandListID, and then performs the
// handoff to the graphics queue: a second command buffer that stalls
// on that same fence value before applying any transitions queued on
// DeferredOperations, so the graphics queue never touches a buffer the
// transfer queue still owns. The returned CommandListID is the one
// ObserveRetirement/PollRetirement track — it only reaches "retired"
// once the graphics-queue half, not just the transfer submission, has
// completed on the device.
//
// If nothing was recorded and opts.Required is false, it records a
// starvation tick and returns the zero ID without submitting anything.
func (c *Context) AdvanceGraphicsQueue(queue driver.Queue, opts AdvanceOptions) (driver.CommandListID, error) {
	if c.closed {
		return driver.InvalidCommandListID, ErrClosed
	}
	if c.enc == nil && len(c.deferred.transitions) == 0 && !opts.Required {
		c.starvationCount++
		return driver.InvalidCommandListID, nil
	}
	c.starvationCount = 0

	if c.enc == nil {
		enc, err := c.device.NewCmdBuffer(c.queueKind)
		if err != nil {
			return driver.InvalidCommandListID, err
		}
		if err := enc.Begin(); err != nil {
			return driver.InvalidCommandListID, err
		}
		c.enc = enc
	}

	if err := c.enc.End(); err != nil {
		return driver.InvalidCommandListID, err
	}

	c.nextID++
	id := c.nextID
	c.enc.SignalOnCompletion(c.fence, uint64(id))

	if err := queue.Submit(c.enc, nil, []driver.SemaphoreSignal{{Fence: c.fence, Value: uint64(id)}}); err != nil {
		return driver.InvalidCommandListID, err
	}

	logging.Logger().Debug("threadctx: submitted transfer queue work", "commandListID", uint64(id), "bytes", c.current.BytesUploaded)

	c.log.Push(c.current)
	c.current = metrics.CommandListMetrics{}
	c.enc = nil

	if err := c.handOffToGraphicsQueue(id); err != nil {
		return driver.InvalidCommandListID, err
	}
	return id, nil
}

// handOffToGraphicsQueue records and submits the graphics-queue side
// of the cross-queue handoff: a command buffer whose only content is
// a wait on the transfer fence reaching transferID and the resource
// transitions queued since the last handoff. Its own completion,
// reported through c.graphicsFence, is what a transaction's retirement
// is actually measured against.
func (c *Context) handOffToGraphicsQueue(transferID driver.CommandListID) error {
	genc, err := c.device.NewCmdBuffer(driver.QueueGraphics)
	if err != nil {
		return err
	}
	if err := genc.Begin(); err != nil {
		genc.Destroy()
		return err
	}
	genc.WaitBeforeBegin(c.fence, uint64(transferID))
	if ts := c.deferred.drain(); len(ts) > 0 {
		genc.Transition(ts)
	}
	if err := genc.End(); err != nil {
		genc.Destroy()
		return err
	}
	genc.SignalOnCompletion(c.graphicsFence, uint64(transferID))
	if err := c.graphicsQueue.Submit(genc, nil, []driver.SemaphoreSignal{{Fence: c.graphicsFence, Value: uint64(transferID)}}); err != nil {
		return err
	}
	logging.Logger().Debug("threadctx: advanced graphics queue", "commandListID", uint64(transferID))
	return nil
}

// PendingCommandListID returns the CommandListID that the next
// AdvanceGraphicsQueue call will mint, without submitting anything.
// A defrag pass uses this to stamp a reposition event with the
// retirement marker its copy will carry before that copy has actually
// been submitted.
func (c *Context) PendingCommandListID() driver.CommandListID { return c.nextID + 1 }

// StarvationCount reports how many consecutive AdvanceGraphicsQueue
// calls found no work, i.e. how "irregular" this context has been.
func (c *Context) StarvationCount() int { return c.starvationCount }

// ObserveRetirement informs the context (and its staging page) that
// retired is the highest CommandListID known to have completed on the
// graphics queue, reclaiming any staging allocations that unblocks.
func (c *Context) ObserveRetirement(retired driver.CommandListID) {
	if retired.Before(c.lastRetired) {
		return
	}
	c.lastRetired = retired
	c.page.UpdateConsumerMarker(retired)
}

// PollRetirement reads the graphics-queue fence's current value and
// folds it into ObserveRetirement, returning the context's updated
// LastRetired. Callers drive this once per tick; it never blocks.
func (c *Context) PollRetirement() driver.CommandListID {
	c.ObserveRetirement(driver.CommandListID(c.graphicsFence.CompletedValue()))
	return c.lastRetired
}

// LastRetired returns the highest CommandListID this context has
// observed as complete.
func (c *Context) LastRetired() driver.CommandListID { return c.lastRetired }

// PopMetrics drains and sums the metrics of every command list
// submitted since the last call.
func (c *Context) PopMetrics() metrics.CommandListMetrics {
	return metrics.Sum(c.log.Drain())
}

// Close releases the context's staging buffer and fences. It is an
// error to use the context afterward.
func (c *Context) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.enc != nil {
		c.enc.Destroy()
		c.enc = nil
	}
	c.fence.Destroy()
	c.graphicsFence.Destroy()
	c.page.Buffer().Destroy()
}
