// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package bufferuploads is the public entry point for the
// asynchronous GPU resource-upload subsystem: a Manager wires together
// an AssemblyLine and a pair of thread contexts (foreground, driven
// from the caller's render loop, and background, driven from its own
// goroutine) the way gogpu-wgpu's core package wires hal collaborators
// into its public Device.
package bufferuploads

import (
	"errors"
	"sync"
	"time"

	"github.com/gogpu/bufferuploads/assembly"
	"github.com/gogpu/bufferuploads/batched"
	"github.com/gogpu/bufferuploads/driver"
	"github.com/gogpu/bufferuploads/internal/dispatch"
	"github.com/gogpu/bufferuploads/internal/logging"
	"github.com/gogpu/bufferuploads/locator"
	"github.com/gogpu/bufferuploads/metrics"
	"github.com/gogpu/bufferuploads/threadctx"
	"github.com/gogpu/bufferuploads/txn"
)

// ErrImmediateStagingUnsupported is returned by ImmediateTransaction
// when the request would require a staged (async) upload. Immediate
// transactions only support the in-place creation path — a locator
// already backed by initialized device memory — never a synchronous
// stage-then-copy, since that would block the caller's thread on the
// transfer queue.
var ErrImmediateStagingUnsupported = errors.New("bufferuploads: immediate transactions cannot stage data, only create in place")

// DataPacket supplies the bytes for a synchronous upload, mirroring
// IDataPacket's sub-resource accessors. This subsystem
// only ever uploads a single linear range, so GetData takes no
// sub-resource argument and returns the whole packet.
type DataPacket interface {
	// GetData returns the packet's raw bytes.
	GetData() []byte
}

// AsyncDataSource is the asynchronous counterpart of DataPacket,
// satisfying assembly.Source directly.
type AsyncDataSource = assembly.Source

// ResourcePool is satisfied by *batched.Pages; named here so callers
// depend on this package's vocabulary rather than batched's directly.
type ResourcePool = batched.Pages

// TransactionMarker is returned by Begin: the transaction's opaque id
// plus a channel that receives its outcome exactly once.
type TransactionMarker struct {
	ID     txn.ID
	Future <-chan LocatorResult
}

// LocatorResult is the value delivered on a TransactionMarker's
// Future once the transaction completes.
type LocatorResult struct {
	Locator locator.Locator
	Err     error
}

// BeginOptions configures a Begin call.
type BeginOptions struct {
	// Pool routes the allocation through a sub-allocator instead of a
	// dedicated resource.
	Pool *batched.Pages

	// Usage describes how the final resource will be bound.
	Usage driver.Usage

	// FramePriority selects a priority lane (0 = lowest).
	FramePriority int
}

// Manager is the subsystem's public façade: one AssemblyLine plus the
// foreground/background thread contexts that drive it.
type Manager struct {
	line *assembly.AssemblyLine

	foreground *threadctx.Context
	background *threadctx.Context

	foregroundQueue driver.Queue
	backgroundQueue driver.Queue

	// bgWorker pins all background command-list recording to a single
	// OS thread, the same way the foreground context implicitly runs
	// on whichever thread calls Update. bgWake/bgStop/bgDone drive an
	// independent loop goroutine that schedules work onto it between
	// Update calls, so background uploads keep draining even when the
	// caller's render loop is busy elsewhere.
	bgWorker *dispatch.Worker
	bgWake   chan struct{}
	bgStop   chan struct{}
	bgDone   chan struct{}

	// cbMu guards backgroundFrameCallbacks and nextCallbackID, touched
	// by BindOnBackgroundFrame/UnbindOnBackgroundFrame from the
	// caller's thread and fired from the background worker's thread.
	cbMu                     sync.Mutex
	backgroundFrameCallbacks map[uint64]func()
	nextCallbackID           uint64
}

// Config bundles the construction-time inputs Manager needs.
type Config struct {
	Device driver.Device

	ForegroundQueue driver.Queue
	BackgroundQueue driver.Queue // may be nil; background processing is then skipped

	// GraphicsQueue is the queue both thread contexts hand off to once
	// their transfer-queue submission completes. Required even when
	// BackgroundQueue is nil, since the foreground context always
	// performs the two-queue handoff.
	GraphicsQueue driver.Queue

	StagingPageSize int64
	Budget          metrics.Budget
}

// NewManager constructs the foreground thread context unconditionally
// and the background one only if cfg.BackgroundQueue is non-nil,
// mirroring the choice of whether to run the hot steps on the
// background by testing whether a deferred context is actually
// creatable. A background queue also starts this subsystem's one
// other long-lived thread: a dispatch.Worker pinned to its own OS
// thread, fed by a small scheduling goroutine.
func NewManager(cfg Config) (*Manager, error) {
	fg, err := threadctx.New(cfg.Device, driver.QueueTransfer, cfg.GraphicsQueue, cfg.StagingPageSize, cfg.Budget)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		line:                     assembly.New(cfg.Device),
		foreground:               fg,
		foregroundQueue:          cfg.ForegroundQueue,
		backgroundFrameCallbacks: make(map[uint64]func()),
	}

	if cfg.BackgroundQueue != nil {
		bg, err := threadctx.New(cfg.Device, driver.QueueTransfer, cfg.GraphicsQueue, cfg.StagingPageSize, cfg.Budget)
		if err != nil {
			fg.Close()
			return nil, err
		}
		m.background = bg
		m.backgroundQueue = cfg.BackgroundQueue

		m.bgWorker = dispatch.NewWorker()
		m.bgWake = make(chan struct{}, 1)
		m.bgStop = make(chan struct{})
		m.bgDone = make(chan struct{})
		go m.backgroundLoop()
	}

	return m, nil
}

// backgroundLoop runs on an ordinary goroutine and does no GPU work
// itself; it only decides when to ask bgWorker to run a tick on its
// pinned thread, either because Update just queued new foreground
// work (wakeBackground) or because the idle timer elapsed and any
// still-draining staging releases deserve a poll.
func (m *Manager) backgroundLoop() {
	defer close(m.bgDone)
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.bgStop:
			return
		case <-m.bgWake:
			m.runBackgroundTick()
		case <-ticker.C:
			m.runBackgroundTick()
		}
	}
}

func (m *Manager) runBackgroundTick() {
	m.bgWorker.Call(func() {
		const budget = 256
		if _, err := m.line.Process(txn.StepPrepareStaging, m.background, budget); err != nil {
			logging.Logger().Error("bufferuploads: background prepare-staging failed", "err", err)
			return
		}
		if _, err := m.line.Process(txn.StepTransferStagingToFinal, m.background, budget); err != nil {
			logging.Logger().Error("bufferuploads: background transfer failed", "err", err)
			return
		}
		id, err := m.line.FlushContext(m.background, m.backgroundQueue, false)
		if err != nil {
			logging.Logger().Error("bufferuploads: background flush failed", "err", err)
			return
		}
		m.line.PollRetirements(m.background)
		if id.IsValid() {
			m.fireBackgroundFrameCallbacks()
		}
	})
}

// wakeBackground nudges the background loop to run a tick soon,
// without blocking the caller if one is already pending.
func (m *Manager) wakeBackground() {
	if m.bgWorker == nil {
		return
	}
	select {
	case m.bgWake <- struct{}{}:
	default:
	}
}

// Close releases both thread contexts' device resources and, if a
// background queue was configured, stops its dedicated thread.
func (m *Manager) Close() {
	if m.bgWorker != nil {
		close(m.bgStop)
		<-m.bgDone
		m.bgWorker.Stop()
	}
	m.foreground.Close()
	if m.background != nil {
		m.background.Close()
	}
}

// Begin enqueues an upload and returns a marker the caller can poll or
// wait on. data is copied synchronously once the destination exists;
// pass nil data with a non-nil source for an asynchronous upload, or
// both nil to only create the destination resource.
func (m *Manager) Begin(size int64, data []byte, source AsyncDataSource, opts BeginOptions) (TransactionMarker, error) {
	id, err := m.line.Begin(assembly.Request{
		Size:          size,
		Data:          data,
		Source:        source,
		Pool:          opts.Pool,
		Usage:         opts.Usage,
		FramePriority: opts.FramePriority,
	})
	if err != nil {
		return TransactionMarker{}, err
	}
	return m.marker(id)
}

// BeginFromPacket is the DataPacket-flavored overload of Begin.
func (m *Manager) BeginFromPacket(size int64, packet DataPacket, opts BeginOptions) (TransactionMarker, error) {
	var data []byte
	if packet != nil {
		data = packet.GetData()
	}
	return m.Begin(size, data, nil, opts)
}

func (m *Manager) marker(id txn.ID) (TransactionMarker, error) {
	tx, err := m.line.Transaction(id)
	if err != nil {
		return TransactionMarker{}, err
	}

	ch := make(chan LocatorResult, 1)
	tx.OnCompletion(func(loc locator.Locator, err error) {
		ch <- LocatorResult{Locator: loc, Err: err}
		close(ch)
		tx.Release()
	})
	return TransactionMarker{ID: id, Future: ch}, nil
}

// Cancel requests best-effort cancellation of every id. A transaction
// already retired is silently left alone.
func (m *Manager) Cancel(ids []txn.ID) {
	for _, id := range ids {
		tx, err := m.line.Transaction(id)
		if err != nil {
			continue
		}
		tx.Cancel()
	}
}

// OnCompletion registers fn to run once every id in ids has retired.
// fn fires exactly once, on whichever goroutine observes the last
// outstanding id's completion.
func (m *Manager) OnCompletion(ids []txn.ID, fn func()) {
	if len(ids) == 0 {
		fn()
		return
	}

	// remaining is decremented here for ids already recycled and from
	// completion callbacks, which run on this goroutine for an already
	// completed transaction or on whichever goroutine retires it, so mu
	// guards it and only the decrement that reaches zero fires fn.
	var mu sync.Mutex
	remaining := len(ids)
	finish := func() {
		mu.Lock()
		remaining--
		last := remaining == 0
		mu.Unlock()
		if last {
			fn()
		}
	}
	for _, id := range ids {
		tx, err := m.line.Transaction(id)
		if err != nil {
			finish()
			continue
		}
		tx.OnCompletion(func(locator.Locator, error) { finish() })
	}
}

// ImmediateTransaction creates and, if data is non-nil, initializes a
// resource synchronously on the calling thread, without going through
// the staged pipeline. It only supports in-place creation: pool
// allocations backed by already-mapped memory, or a dedicated
// host-visible buffer the caller writes into directly. A request that
// would require staging through a transfer-queue copy returns
// ErrImmediateStagingUnsupported.
func (m *Manager) ImmediateTransaction(device driver.Device, size int64, data []byte, pool *batched.Pages, usage driver.Usage) (locator.Locator, error) {
	var loc locator.Locator
	var err error
	if pool != nil {
		loc, err = pool.Allocate(size)
	} else {
		var buf driver.Buffer
		buf, err = device.NewBuffer(size, true, usage|driver.UsageTransferDst)
		if err == nil {
			loc = locator.Whole(buf, driver.InvalidCommandListID)
		}
	}
	if err != nil {
		return locator.Locator{}, err
	}

	if data == nil {
		return loc, nil
	}

	res := loc.Resource()
	host, ok := tryBytes(res)
	if !ok {
		loc.Release()
		return locator.Locator{}, ErrImmediateStagingUnsupported
	}
	off, n := loc.Offset(), loc.Size()
	if loc.IsWholeResource() {
		off, n = 0, int64(len(host))
	}
	copy(host[off:off+n], data)
	return loc, nil
}

func tryBytes(buf driver.Buffer) (b []byte, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return buf.Bytes(), true
}

// IsComplete reports whether id's command list has retired to the
// graphics queue.
func (m *Manager) IsComplete(id txn.ID) bool {
	tx, err := m.line.Transaction(id)
	if err != nil {
		return true // already recycled: necessarily complete
	}
	return tx.IsComplete()
}

// StallUntilCompletion polls IsComplete, driving Update between
// checks, until id retires.
func (m *Manager) StallUntilCompletion(id txn.ID, queue driver.Queue) {
	for !m.IsComplete(id) {
		m.Update(queue)
		time.Sleep(100 * time.Microsecond)
	}
}

// PopMetrics drains and sums the foreground and background contexts'
// retirement logs.
func (m *Manager) PopMetrics() metrics.CommandListMetrics {
	sum := m.foreground.PopMetrics()
	if m.background != nil {
		bg := m.background.PopMetrics()
		sum.BytesUploaded += bg.BytesUploaded
		sum.CopyCount += bg.CopyCount
		sum.TransactionsRun += bg.TransactionsRun
	}
	return sum
}

// Update runs one tick of the pipeline on the caller's own thread:
// continuations, then every step against the foreground context,
// flushing it to queue and delivering the results of whatever that
// flush's predecessor already retired. If a background queue was
// configured, this also nudges the independent background thread to
// run a tick of its own rather than running it inline here.
func (m *Manager) Update(queue driver.Queue) error {
	m.line.PollContinuations()

	const budget = 256
	if _, err := m.line.Process(txn.StepCreateFromDataPacket, m.foreground, budget); err != nil {
		return err
	}
	if _, err := m.line.Process(txn.StepPrepareStaging, m.foreground, budget); err != nil {
		return err
	}
	if _, err := m.line.Process(txn.StepTransferStagingToFinal, m.foreground, budget); err != nil {
		return err
	}
	if _, err := m.line.FlushContext(m.foreground, queue, false); err != nil {
		return err
	}
	m.line.PollRetirements(m.foreground)

	m.wakeBackground()

	logging.Logger().Debug("bufferuploads: update tick complete", "outstanding", m.line.Table().Len())
	return nil
}

// BeginWriteInto behaves like Begin but writes into dst, a resource
// the caller already allocated (e.g. through ImmediateTransaction or a
// prior Begin), instead of allocating a new destination.
func (m *Manager) BeginWriteInto(dst locator.Locator, size int64, data []byte, source AsyncDataSource, opts BeginOptions) (TransactionMarker, error) {
	id, err := m.line.BeginInto(dst, assembly.Request{
		Size:          size,
		Data:          data,
		Source:        source,
		Pool:          opts.Pool,
		Usage:         opts.Usage,
		FramePriority: opts.FramePriority,
	})
	if err != nil {
		return TransactionMarker{}, err
	}
	return m.marker(id)
}

// BeginReposition records a device-side move of src's bytes to dst
// against the foreground context's currently open command list,
// applying repositionSteps as queue-transition barriers at the next
// graphics handoff. The returned channel receives the CommandListID
// once the move has retired; a subsequent Update call is what actually
// drives that retirement forward.
func (m *Manager) BeginReposition(dst, src locator.Locator, repositionSteps []driver.Transition) (<-chan driver.CommandListID, error) {
	return m.line.BeginReposition(m.foreground, dst, src, repositionSteps)
}

// FramePriorityBarrier advances the assembly line's barrier generation
// and returns the generation that was current before the call. It does
// not rotate or reorder the priority lanes: queued transactions keep
// their lane and queue position.
func (m *Manager) FramePriorityBarrier() uint64 {
	return m.line.FramePriorityBarrier()
}

// BindOnBackgroundFrame registers fn to run every time the background
// context's dedicated worker thread flushes a command list, returning
// an id usable with UnbindOnBackgroundFrame. fn fires on the
// background worker's own OS thread, not the caller's.
func (m *Manager) BindOnBackgroundFrame(fn func()) uint64 {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.nextCallbackID++
	id := m.nextCallbackID
	m.backgroundFrameCallbacks[id] = fn
	return id
}

// UnbindOnBackgroundFrame removes a callback registered with
// BindOnBackgroundFrame.
func (m *Manager) UnbindOnBackgroundFrame(id uint64) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	delete(m.backgroundFrameCallbacks, id)
}

func (m *Manager) fireBackgroundFrameCallbacks() {
	m.cbMu.Lock()
	fns := make([]func(), 0, len(m.backgroundFrameCallbacks))
	for _, fn := range m.backgroundFrameCallbacks {
		fns = append(fns, fn)
	}
	m.cbMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
