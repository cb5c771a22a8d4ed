// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package threadctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/bufferuploads/driver"
	"github.com/gogpu/bufferuploads/metrics"
)

type fakeBuffer struct{ size int64 }

func (b *fakeBuffer) Destroy()      {}
func (b *fakeBuffer) Cap() int64    { return b.size }
func (b *fakeBuffer) Bytes() []byte { return make([]byte, b.size) }

type fakeFence struct{ value uint64 }

func (f *fakeFence) Destroy()              {}
func (f *fakeFence) CompletedValue() uint64 { return f.value }

type fakeEncoder struct {
	recording bool
	ended     bool
	waited    bool
	transitions []driver.Transition
}

func (e *fakeEncoder) Destroy()          {}
func (e *fakeEncoder) IsRecording() bool { return e.recording }
func (e *fakeEncoder) Begin() error      { e.recording = true; return nil }
func (e *fakeEncoder) End() error        { e.recording = false; e.ended = true; return nil }
func (e *fakeEncoder) Reset()            { e.ended = false }
func (e *fakeEncoder) CopyBuffer(src, dst driver.Buffer, regions []driver.BufCopy) {}
func (e *fakeEncoder) Transition(ts []driver.Transition)               { e.transitions = append(e.transitions, ts...) }
func (e *fakeEncoder) SignalOnCompletion(fence driver.Fence, v uint64) {}
func (e *fakeEncoder) WaitBeforeBegin(fence driver.Fence, v uint64)    { e.waited = true }

type fakeDevice struct {
	encoders []*fakeEncoder
}

func (d *fakeDevice) NewBuffer(size int64, visible bool, usage driver.Usage) (driver.Buffer, error) {
	return &fakeBuffer{size: size}, nil
}
func (d *fakeDevice) NewCmdBuffer(q driver.QueueKind) (driver.CommandEncoder, error) {
	enc := &fakeEncoder{}
	d.encoders = append(d.encoders, enc)
	return enc, nil
}
func (d *fakeDevice) NewFence() (driver.Fence, error) { return &fakeFence{}, nil }
func (d *fakeDevice) Limits() driver.Limits           { return driver.Limits{} }

// fakeQueue simulates a device that retires submitted work
// immediately: every signaled fence jumps straight to its target
// value, so tests can observe retirement without a real device loop.
type fakeQueue struct {
	submitted int
}

func (q *fakeQueue) Submit(cb driver.CommandEncoder, waits []driver.SemaphoreWait, signals []driver.SemaphoreSignal) error {
	q.submitted++
	for _, s := range signals {
		if f, ok := s.Fence.(*fakeFence); ok {
			f.value = s.Value
		}
	}
	return nil
}

func TestAdvanceGraphicsQueueSkipsWhenNothingRecordedAndNotRequired(t *testing.T) {
	dev := &fakeDevice{}
	gq := &fakeQueue{}
	ctx, err := New(dev, driver.QueueTransfer, gq, 1024, metrics.DefaultBudget())
	require.NoError(t, err)
	defer ctx.Close()

	q := &fakeQueue{}
	id, err := ctx.AdvanceGraphicsQueue(q, AdvanceOptions{})
	require.NoError(t, err)
	assert.False(t, id.IsValid())
	assert.Equal(t, 0, q.submitted)
	assert.Equal(t, 0, gq.submitted)
	assert.Equal(t, 1, ctx.StarvationCount())
}

func TestAdvanceGraphicsQueueSubmitsOpenEncoderAndHandsOffToGraphics(t *testing.T) {
	dev := &fakeDevice{}
	gq := &fakeQueue{}
	ctx, err := New(dev, driver.QueueTransfer, gq, 1024, metrics.DefaultBudget())
	require.NoError(t, err)
	defer ctx.Close()

	_, err = ctx.QueueToHardware()
	require.NoError(t, err)
	ctx.RecordCopy(128)

	q := &fakeQueue{}
	id, err := ctx.AdvanceGraphicsQueue(q, AdvanceOptions{})
	require.NoError(t, err)
	assert.True(t, id.IsValid())
	assert.Equal(t, 1, q.submitted, "transfer-queue submission")
	assert.Equal(t, 1, gq.submitted, "graphics-queue handoff submission")
	assert.Equal(t, 0, ctx.StarvationCount())

	require.Len(t, dev.encoders, 2)
	assert.True(t, dev.encoders[1].waited, "handoff encoder must wait on the transfer fence")
}

func TestAdvanceGraphicsQueueAppliesQueuedTransitionsDuringHandoff(t *testing.T) {
	dev := &fakeDevice{}
	gq := &fakeQueue{}
	ctx, err := New(dev, driver.QueueTransfer, gq, 1024, metrics.DefaultBudget())
	require.NoError(t, err)
	defer ctx.Close()

	transition := driver.Transition{SrcQueue: driver.QueueTransfer, DstQueue: driver.QueueGraphics}
	ctx.DeferredOperations().Queue(transition)

	q := &fakeQueue{}
	id, err := ctx.AdvanceGraphicsQueue(q, AdvanceOptions{Required: true})
	require.NoError(t, err)
	assert.True(t, id.IsValid())

	require.Len(t, dev.encoders, 2)
	assert.Equal(t, []driver.Transition{transition}, dev.encoders[1].transitions)
	assert.Empty(t, ctx.DeferredOperations().Pending(), "transitions drain once handed off")
}

func TestAdvanceGraphicsQueueRequiredForcesSubmission(t *testing.T) {
	dev := &fakeDevice{}
	gq := &fakeQueue{}
	ctx, err := New(dev, driver.QueueTransfer, gq, 1024, metrics.DefaultBudget())
	require.NoError(t, err)
	defer ctx.Close()

	q := &fakeQueue{}
	id, err := ctx.AdvanceGraphicsQueue(q, AdvanceOptions{Required: true})
	require.NoError(t, err)
	assert.True(t, id.IsValid())
	assert.Equal(t, 1, q.submitted)
}

func TestPollRetirementReclaimsStagingSpace(t *testing.T) {
	dev := &fakeDevice{}
	gq := &fakeQueue{}
	ctx, err := New(dev, driver.QueueTransfer, gq, 64, metrics.DefaultBudget())
	require.NoError(t, err)
	defer ctx.Close()

	alloc, ok := ctx.StagingPage().Allocate(64)
	require.True(t, ok)

	q := &fakeQueue{}
	id, err := ctx.AdvanceGraphicsQueue(q, AdvanceOptions{Required: true})
	require.NoError(t, err)
	ctx.StagingPage().Release(alloc, id)

	_, ok = ctx.StagingPage().Allocate(1)
	assert.False(t, ok, "page should be full until the graphics queue retires")

	retired := ctx.PollRetirement()
	assert.Equal(t, id, retired, "fakeQueue retires signals synchronously")

	_, ok = ctx.StagingPage().Allocate(64)
	assert.True(t, ok)
	assert.Equal(t, id, ctx.LastRetired())
}

func TestObserveRetirementIgnoresStaleValues(t *testing.T) {
	dev := &fakeDevice{}
	gq := &fakeQueue{}
	ctx, err := New(dev, driver.QueueTransfer, gq, 1024, metrics.DefaultBudget())
	require.NoError(t, err)
	defer ctx.Close()

	ctx.ObserveRetirement(driver.CommandListID(5))
	ctx.ObserveRetirement(driver.CommandListID(2))
	assert.Equal(t, driver.CommandListID(5), ctx.LastRetired())
}

func TestPopMetricsDrainsRetiredCommandLists(t *testing.T) {
	dev := &fakeDevice{}
	gq := &fakeQueue{}
	ctx, err := New(dev, driver.QueueTransfer, gq, 1024, metrics.DefaultBudget())
	require.NoError(t, err)
	defer ctx.Close()

	_, err = ctx.QueueToHardware()
	require.NoError(t, err)
	ctx.RecordCopy(256)
	ctx.RecordTransaction()

	q := &fakeQueue{}
	_, err = ctx.AdvanceGraphicsQueue(q, AdvanceOptions{})
	require.NoError(t, err)

	m := ctx.PopMetrics()
	assert.Equal(t, int64(256), m.BytesUploaded)
	assert.Equal(t, 1, m.TransactionsRun)

	// A second pop with nothing new retired should be empty.
	assert.Equal(t, metrics.CommandListMetrics{}, ctx.PopMetrics())
}
