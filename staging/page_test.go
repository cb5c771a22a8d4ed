// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package staging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/bufferuploads/driver"
)

type fakeBuffer struct{}

func (fakeBuffer) Destroy()      {}
func (fakeBuffer) Cap() int64    { return 1024 }
func (fakeBuffer) Bytes() []byte { return nil }

func TestAllocateWithinCapacity(t *testing.T) {
	p := NewPage(fakeBuffer{}, 256)

	a, ok := p.Allocate(64)
	require.True(t, ok)
	assert.Equal(t, int64(0), a.Offset)

	b, ok := p.Allocate(64)
	require.True(t, ok)
	assert.Equal(t, int64(64), b.Offset)
	assert.Equal(t, int64(128), p.Outstanding())
}

func TestAllocateRejectsOversized(t *testing.T) {
	p := NewPage(fakeBuffer{}, 128)
	_, ok := p.Allocate(256)
	assert.False(t, ok)
}

func TestAllocateFailsWhenRingFull(t *testing.T) {
	p := NewPage(fakeBuffer{}, 128)
	_, ok := p.Allocate(128)
	require.True(t, ok)

	_, ok = p.Allocate(1)
	assert.False(t, ok, "ring has no reclaimed space left")
}

func TestReleaseReclaimsOnlyAfterMarkerRetires(t *testing.T) {
	p := NewPage(fakeBuffer{}, 128)
	a, _ := p.Allocate(64)
	p.Release(a, driver.CommandListID(5))

	_, ok := p.Allocate(128)
	assert.False(t, ok, "space is still pending on an unretired marker")

	p.UpdateConsumerMarker(driver.CommandListID(4))
	_, ok = p.Allocate(128)
	assert.False(t, ok, "marker 4 has not reached marker 5 yet")

	p.UpdateConsumerMarker(driver.CommandListID(5))
	_, ok = p.Allocate(64)
	assert.True(t, ok, "marker retiring should reclaim the released 64 bytes")
}

func TestAbandonReclaimsWithoutAnyMarker(t *testing.T) {
	p := NewPage(fakeBuffer{}, 128)
	a, _ := p.Allocate(128)
	p.Abandon(a)

	p.UpdateConsumerMarker(driver.InvalidCommandListID)
	_, ok := p.Allocate(128)
	assert.True(t, ok)
	assert.Equal(t, int64(128), p.Metrics().BytesAbandoned)
}

func TestOutOfOrderReleasesWaitForOldestEntry(t *testing.T) {
	p := NewPage(fakeBuffer{}, 128)
	a, _ := p.Allocate(64)
	b, _ := p.Allocate(64)

	// b retires before a, but the ring can only shrink from the tail:
	// a must still be satisfied first.
	p.Release(b, driver.CommandListID(1))
	p.Release(a, driver.CommandListID(9))

	p.UpdateConsumerMarker(driver.CommandListID(1))
	_, ok := p.Allocate(64)
	assert.False(t, ok, "a (at the tail) has not retired yet")

	p.UpdateConsumerMarker(driver.CommandListID(9))
	_, ok = p.Allocate(128)
	assert.True(t, ok)
}

func TestWrapSkipsTooSmallTailSegment(t *testing.T) {
	p := NewPage(fakeBuffer{}, 100)
	a, ok := p.Allocate(60)
	require.True(t, ok)
	p.Release(a, driver.CommandListID(1))
	p.UpdateConsumerMarker(driver.CommandListID(1))

	// Only 40 bytes remain before wrap; a 50-byte request must skip to
	// offset 0 rather than splitting across the boundary.
	b, ok := p.Allocate(50)
	require.True(t, ok)
	assert.Equal(t, int64(0), b.Offset)
}

func TestAssertOwnerPanicsOnMismatch(t *testing.T) {
	p := NewPage(fakeBuffer{}, 64)
	tokenA, tokenB := new(int), new(int)
	p.BindOwner(tokenA)

	assert.NotPanics(t, func() { p.AssertOwner(tokenA) })
	assert.PanicsWithError(t, ErrWrongOwner.Error(), func() { p.AssertOwner(tokenB) })
}
