// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package assembly implements AssemblyLine: the transaction table plus
// the three pipelined queues (CreateFromDataPacket, PrepareStaging,
// TransferStagingToFinal) every upload passes through, and the
// frame-priority barrier mechanism that lets urgent uploads cut the
// main queue.
//
// The three-stage pipeline shape mirrors gviegas-neo3's Commit/staging
// split (accumulate pending copies, then flush them as one command
// buffer submission) generalized from "one commit pass over a fixed
// staging buffer set" to three independently progressing queues that
// a caller drains one step at a time via Process.
package assembly

import (
	"sync"

	"github.com/gogpu/bufferuploads/batched"
	"github.com/gogpu/bufferuploads/driver"
	"github.com/gogpu/bufferuploads/events"
	"github.com/gogpu/bufferuploads/internal/logging"
	"github.com/gogpu/bufferuploads/locator"
	"github.com/gogpu/bufferuploads/staging"
	"github.com/gogpu/bufferuploads/threadctx"
	"github.com/gogpu/bufferuploads/txn"
)

type item struct {
	id            txn.ID
	tx            *txn.Transaction
	req           Request
	barrierGen    uint64
	loc           locator.Locator
	alloc         staging.Allocation
	ctx           *threadctx.Context
	framePriority int

	// externalDest marks an item created through BeginInto: loc names a
	// resource the caller already owns, so finishCancelled must not
	// release it the way it would a locator this line allocated itself.
	externalDest bool
}

// pendingDefragBatch tracks one TickDefrag call's worth of reposition
// events until the compaction copy that produced them retires.
type pendingDefragBatch struct {
	pool     *batched.Pages
	eventIDs []int
	target   driver.CommandListID
}

// pendingReposition tracks one BeginReposition call's future until its
// copy retires, at which point the waiting caller is unblocked.
type pendingReposition struct {
	target driver.CommandListID
	ch     chan driver.CommandListID
}

// AssemblyLine owns the transaction table and drives every
// transaction through its three steps.
//
// Its queues are touched from both the foreground context's thread
// (via the caller's own Update call) and the background context's
// dedicated worker thread, since both feed from and return to this
// same set of lanes. mu serializes every method below save the
// read-only Transaction/Table accessors, which defer to the table's
// own locking instead.
type AssemblyLine struct {
	mu sync.Mutex

	table  *txn.Table
	device driver.Device

	main            []*item
	lanes           [FramePriorityLevels][]*item
	waitingOnSource []*item

	barrierGen         uint64
	barrierOutstanding map[uint64]int

	pendingByContext   map[*threadctx.Context][]*item
	awaitingRetirement map[*threadctx.Context][]*item
	pendingDefrag      map[*threadctx.Context][]pendingDefragBatch
	pendingReposition  map[*threadctx.Context][]pendingReposition
}

// New creates an empty assembly line. device is used to create
// dedicated (non-pooled) destination resources.
func New(device driver.Device) *AssemblyLine {
	return &AssemblyLine{
		table:              txn.NewTable(),
		device:             device,
		barrierOutstanding: make(map[uint64]int),
		pendingByContext:   make(map[*threadctx.Context][]*item),
		awaitingRetirement: make(map[*threadctx.Context][]*item),
		pendingDefrag:      make(map[*threadctx.Context][]pendingDefragBatch),
		pendingReposition:  make(map[*threadctx.Context][]pendingReposition),
	}
}

// Begin allocates a transaction for req and enqueues its first step.
func (a *AssemblyLine) Begin(req Request) (txn.ID, error) {
	id, tx, err := a.table.Begin()
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	it := &item{id: id, tx: tx, req: req, barrierGen: a.barrierGen, framePriority: req.FramePriority}
	a.enqueue(it)
	a.barrierOutstanding[it.barrierGen]++
	return id, nil
}

// BeginInto behaves like Begin but writes into dst, a resource the
// caller already owns (e.g. the destination half of a batched defrag
// move, or a resource the caller allocated through some other means),
// instead of allocating a new one through req.Pool or a dedicated
// buffer. dst is never released on the caller's behalf: cancellation
// only abandons any staging bytes already copied in.
func (a *AssemblyLine) BeginInto(dst locator.Locator, req Request) (txn.ID, error) {
	id, tx, err := a.table.Begin()
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	it := &item{id: id, tx: tx, req: req, barrierGen: a.barrierGen, framePriority: req.FramePriority, loc: dst, externalDest: true}
	a.barrierOutstanding[it.barrierGen]++

	if req.Source == nil && req.Data == nil {
		it.tx.Complete(dst, nil)
		it.tx.ReleaseSystemRef()
		return id, nil
	}
	if req.Source != nil && !req.Source.Ready() {
		a.waitingOnSource = append(a.waitingOnSource, it)
		return id, nil
	}
	a.enqueue(it)
	return id, nil
}

// BeginReposition records a device-side copy from src to dst against
// ctx's currently open command list — the compaction move a defrag
// pass (or any caller relocating a resource by hand) needs — applying
// repositionSteps as queue-transition barriers at the next graphics
// handoff. The returned channel receives the CommandListID once the
// copy has retired on the graphics queue; it is buffered and closed
// after sending exactly once, so a caller that never reads it cannot
// block PollRetirements.
func (a *AssemblyLine) BeginReposition(ctx *threadctx.Context, dst, src locator.Locator, repositionSteps []driver.Transition) (<-chan driver.CommandListID, error) {
	enc, err := ctx.QueueToHardware()
	if err != nil {
		return nil, err
	}

	enc.CopyBuffer(src.Resource(), dst.Resource(), []driver.BufCopy{{
		SrcOffset: src.Offset(),
		DstOffset: dst.Offset(),
		Size:      src.Size(),
	}})
	ctx.RecordCopy(src.Size())

	for _, t := range repositionSteps {
		ctx.DeferredOperations().Queue(t)
	}

	target := ctx.PendingCommandListID()
	ch := make(chan driver.CommandListID, 1)

	a.mu.Lock()
	a.pendingReposition[ctx] = append(a.pendingReposition[ctx], pendingReposition{target: target, ch: ch})
	a.mu.Unlock()
	return ch, nil
}

// TickDefrag asks pool to examine its pages for fragmentation and, if
// a candidate page is found, records its compaction copy against ctx's
// currently open command list. It reports whether a defrag pass was
// started. The reposition events the pass creates are resolved —
// fixing up every in-flight locator that referenced the moved bytes,
// then releasing the old span — once PollRetirements observes the
// copy's CommandListID has retired.
func (a *AssemblyLine) TickDefrag(ctx *threadctx.Context, pool *batched.Pages) (bool, error) {
	enc, err := ctx.QueueToHardware()
	if err != nil {
		return false, err
	}

	target := ctx.PendingCommandListID()
	eventIDs, started := pool.TickDefrag(enc, target)
	if !started {
		return false, nil
	}

	a.mu.Lock()
	a.pendingDefrag[ctx] = append(a.pendingDefrag[ctx], pendingDefragBatch{pool: pool, eventIDs: eventIDs, target: target})
	a.mu.Unlock()
	return true, nil
}

// Transaction exposes the underlying Transaction for id, used by the
// façade to implement IsComplete/StallUntilCompletion/OnCompletion.
func (a *AssemblyLine) Transaction(id txn.ID) (*txn.Transaction, error) {
	return a.table.Get(id)
}

// FramePriorityBarrier returns the current barrier generation and
// advances it by one. The generation is only counted: next and Process
// do not consult it, so transactions begun on either side of a barrier
// are ordered only by their priority lane and queue position.
func (a *AssemblyLine) FramePriorityBarrier() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	gen := a.barrierGen
	a.barrierGen++
	return gen
}

func (a *AssemblyLine) enqueue(it *item) {
	lvl := it.framePriority
	if lvl < 0 {
		lvl = 0
	}
	if lvl >= FramePriorityLevels {
		lvl = FramePriorityLevels - 1
	}
	if lvl == 0 {
		a.main = append(a.main, it)
	} else {
		a.lanes[lvl] = append(a.lanes[lvl], it)
	}
}

// next pops the item at the front of the highest non-empty priority
// lane, falling back to the main queue, or nil if every queue is empty.
func (a *AssemblyLine) next() *item {
	for lvl := FramePriorityLevels - 1; lvl >= 1; lvl-- {
		if it := popReady(&a.lanes[lvl]); it != nil {
			return it
		}
	}
	return popReady(&a.main)
}

func popReady(q *[]*item) *item {
	if len(*q) == 0 {
		return nil
	}
	it := (*q)[0]
	*q = (*q)[1:]
	return it
}

// PollContinuations re-checks every transaction parked on an
// unready Source and, for those now ready, moves them into the
// PrepareStaging queue. Call this periodically from Update in place of a dedicated thread pool blocking on the source.
func (a *AssemblyLine) PollContinuations() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var stillWaiting []*item
	moved := 0
	for _, it := range a.waitingOnSource {
		if it.tx.IsCancelled() {
			a.finishCancelled(it)
			moved++
			continue
		}
		if it.req.Source.Ready() {
			a.enqueue(it)
			moved++
			continue
		}
		stillWaiting = append(stillWaiting, it)
	}
	a.waitingOnSource = stillWaiting
	return moved
}

// Process visits each item queued at the time of the call at most
// once, up to budget items, highest priority lane first, and runs the
// step stepMask selects for the item's current state against ctx:
// CreateFromDataPacket for an item with no destination yet,
// PrepareStaging for one with data but no staging allocation, and
// TransferStagingToFinal for one whose staging allocation was made on
// ctx. Items none of the selected steps applies to are put back for a
// later call. It returns the number of items visited.
func (a *AssemblyLine) Process(stepMask txn.StepMask, ctx *threadctx.Context, budget int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var batch []*item
	for it := a.next(); it != nil; it = a.next() {
		batch = append(batch, it)
	}
	if n := max(budget, 0); len(batch) > n {
		for _, rest := range batch[n:] {
			a.enqueue(rest)
		}
		batch = batch[:n]
	}

	processed := 0
	for _, it := range batch {
		if it.tx.IsCancelled() {
			a.finishCancelled(it)
			processed++
			continue
		}

		switch {
		case stepMask&txn.StepCreateFromDataPacket != 0 && it.loc.IsEmpty():
			if err := a.runCreate(it); err != nil {
				it.tx.Complete(locator.Locator{}, err)
				it.tx.ReleaseSystemRef()
				processed++
				continue
			}
		case stepMask&txn.StepPrepareStaging != 0 && (it.req.Source != nil || it.req.Data != nil) && !it.loc.IsEmpty() && it.alloc == (staging.Allocation{}):
			if err := a.runPrepareStaging(it, ctx); err != nil {
				it.tx.Complete(locator.Locator{}, err)
				it.tx.ReleaseSystemRef()
				processed++
				continue
			}
		case stepMask&txn.StepTransferStagingToFinal != 0 && it.alloc != (staging.Allocation{}) && it.ctx == ctx:
			a.runTransfer(it, ctx)
		default:
			// Nothing in the requested mask applies yet; put it back
			// for a future call with a different mask.
			a.enqueue(it)
		}
		processed++
	}
	return processed, nil
}

func (a *AssemblyLine) runCreate(it *item) error {
	var loc locator.Locator
	var err error
	if it.req.Pool != nil {
		loc, err = it.req.Pool.Allocate(it.req.Size)
	} else {
		var buf driver.Buffer
		buf, err = a.device.NewBuffer(it.req.Size, false, it.req.Usage|driver.UsageTransferDst)
		if err == nil {
			loc = locator.Whole(buf, driver.InvalidCommandListID)
		}
	}
	if err != nil {
		return err
	}
	it.loc = loc

	if it.req.Source == nil && it.req.Data == nil {
		it.tx.Complete(loc, nil)
		it.tx.ReleaseSystemRef()
		return nil
	}
	if it.req.Source != nil && !it.req.Source.Ready() {
		a.waitingOnSource = append(a.waitingOnSource, it)
		return nil
	}
	a.enqueue(it)
	return nil
}

func (a *AssemblyLine) runPrepareStaging(it *item, ctx *threadctx.Context) error {
	data := it.req.Data
	if it.req.Source != nil {
		b, err := it.req.Source.Bytes()
		if err != nil {
			return err
		}
		data = b
	}

	alloc, ok := ctx.StagingPage().Allocate(int64(len(data)))
	if !ok {
		// Page is full; try again on a future Process call.
		a.enqueue(it)
		return nil
	}
	copy(ctx.StagingPage().Buffer().Bytes()[alloc.Offset:alloc.Offset+alloc.Size], data)
	it.alloc = alloc
	it.ctx = ctx
	a.enqueue(it)
	return nil
}

func (a *AssemblyLine) runTransfer(it *item, ctx *threadctx.Context) {
	enc, err := ctx.QueueToHardware()
	if err != nil {
		it.tx.Complete(locator.Locator{}, err)
		it.tx.ReleaseSystemRef()
		return
	}
	enc.CopyBuffer(ctx.StagingPage().Buffer(), it.loc.Resource(), []driver.BufCopy{{
		SrcOffset: it.alloc.Offset,
		DstOffset: it.loc.Offset(),
		Size:      it.alloc.Size,
	}})
	ctx.RecordCopy(it.alloc.Size)
	ctx.RecordTransaction()

	a.pendingByContext[ctx] = append(a.pendingByContext[ctx], it)
	logging.Logger().Debug("assembly: recorded transfer", "transaction", it.id.String(), "bytes", it.alloc.Size)
}

// FlushContext advances ctx's command list on queue. Every transaction
// whose copy was just submitted has its staging allocation released
// (keyed to the new CommandListID) and is moved into the retirement
// queue — it is not completed here, since "submitted" is not the same
// as "visible to the graphics queue". PollRetirements delivers the
// actual result once the device confirms that.
func (a *AssemblyLine) FlushContext(ctx *threadctx.Context, queue driver.Queue, required bool) (driver.CommandListID, error) {
	a.mu.Lock()
	pending := a.pendingByContext[ctx]
	delete(a.pendingByContext, ctx)
	a.mu.Unlock()

	id, err := ctx.AdvanceGraphicsQueue(queue, threadctx.AdvanceOptions{Required: required || len(pending) > 0})
	if err != nil {
		if len(pending) > 0 {
			a.mu.Lock()
			a.pendingByContext[ctx] = append(pending, a.pendingByContext[ctx]...)
			a.mu.Unlock()
		}
		return driver.InvalidCommandListID, err
	}
	if len(pending) == 0 {
		return id, nil
	}

	for _, it := range pending {
		ctx.StagingPage().Release(it.alloc, id)
		it.loc = it.loc.WithCompletionCommandListID(id)
	}

	a.mu.Lock()
	a.awaitingRetirement[ctx] = append(a.awaitingRetirement[ctx], pending...)
	a.mu.Unlock()
	return id, nil
}

// PollRetirements polls ctx for the CommandListID the graphics queue
// has actually retired, and for every transaction, defrag pass and
// reposition future waiting on ctx whose target has now retired:
// delivers the transaction's result, applies its reposition fix-ups,
// or unblocks its future, respectively. It returns how many
// transactions it completed.
func (a *AssemblyLine) PollRetirements(ctx *threadctx.Context) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	retired := ctx.PollRetirement()
	completed := 0

	items := a.awaitingRetirement[ctx]
	remaining := items[:0]
	for _, it := range items {
		if retiredAtOrAfter(retired, it.loc.CompletionCommandListID()) {
			it.tx.Complete(it.loc, nil)
			it.tx.ReleaseSystemRef()
			completed++
			continue
		}
		remaining = append(remaining, it)
	}
	if len(remaining) == 0 {
		delete(a.awaitingRetirement, ctx)
	} else {
		a.awaitingRetirement[ctx] = remaining
	}

	var remainingDefrags []pendingDefragBatch
	for _, batch := range a.pendingDefrag[ctx] {
		if !retiredAtOrAfter(retired, batch.target) {
			remainingDefrags = append(remainingDefrags, batch)
			continue
		}
		for _, evID := range batch.eventIDs {
			if ev, ok := batch.pool.Events().Get(evID); ok {
				a.applyReposition(ev)
			}
			batch.pool.CompleteDefragMove(evID)
		}
	}
	if len(remainingDefrags) == 0 {
		delete(a.pendingDefrag, ctx)
	} else {
		a.pendingDefrag[ctx] = remainingDefrags
	}

	var remainingRepos []pendingReposition
	for _, pr := range a.pendingReposition[ctx] {
		if !retiredAtOrAfter(retired, pr.target) {
			remainingRepos = append(remainingRepos, pr)
			continue
		}
		pr.ch <- retired
		close(pr.ch)
	}
	if len(remainingRepos) == 0 {
		delete(a.pendingReposition, ctx)
	} else {
		a.pendingReposition[ctx] = remainingRepos
	}

	return completed
}

func retiredAtOrAfter(retired, target driver.CommandListID) bool {
	return !retired.Before(target)
}

// applyReposition rewrites the locator of every item this line still
// owns that pointed at ev's old (resource, offset) range. Locators
// already delivered to a caller through a completed transaction's
// Result/OnCompletion are out of scope: Go's value-typed Locator means
// this line has no remaining handle on a copy once it has been handed
// out, so a client holding one across a defrag pass must rely on the
// pool's reference counting (which keeps the old bytes alive until the
// client releases it) rather than on an in-place rewrite.
func (a *AssemblyLine) applyReposition(ev events.Reposition) {
	rebind := func(loc locator.Locator) (locator.Locator, bool) {
		if loc.Resource() == ev.OldResource && loc.Offset() == ev.OldOffset {
			return loc.Rebind(ev.NewResource, ev.NewOffset), true
		}
		return loc, false
	}
	apply := func(items []*item) {
		for _, it := range items {
			if nl, changed := rebind(it.loc); changed {
				it.loc = nl
			}
		}
	}

	apply(a.main)
	for lvl := range a.lanes {
		apply(a.lanes[lvl])
	}
	apply(a.waitingOnSource)
	for _, items := range a.pendingByContext {
		apply(items)
	}
	for _, items := range a.awaitingRetirement {
		apply(items)
	}
}

func (a *AssemblyLine) finishCancelled(it *item) {
	if !it.loc.IsEmpty() && !it.externalDest {
		it.loc.Release()
	}
	if it.alloc != (staging.Allocation{}) && it.ctx != nil {
		it.ctx.StagingPage().Abandon(it.alloc)
	}
	it.tx.Complete(locator.Locator{}, nil)
	it.tx.ReleaseSystemRef()
}

// Table exposes the underlying transaction table, e.g. for Manager to
// report outstanding transaction counts.
func (a *AssemblyLine) Table() *txn.Table { return a.table }
