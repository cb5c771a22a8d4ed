// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBudgetFlushesOnByteCeiling(t *testing.T) {
	b := Budget{MaxBytesPerList: 1024, MaxCopiesPerList: 1000}
	assert.False(t, b.ShouldFlush(CommandListMetrics{BytesUploaded: 512}))
	assert.True(t, b.ShouldFlush(CommandListMetrics{BytesUploaded: 1024}))
}

func TestBudgetFlushesOnCopyCeiling(t *testing.T) {
	b := Budget{MaxBytesPerList: 1 << 30, MaxCopiesPerList: 4}
	assert.False(t, b.ShouldFlush(CommandListMetrics{CopyCount: 3}))
	assert.True(t, b.ShouldFlush(CommandListMetrics{CopyCount: 4}))
}

func TestUnboundedBudgetNeverFlushes(t *testing.T) {
	b := Budget{MaxBytesPerList: 1, MaxCopiesPerList: 1, Unbounded: true}
	assert.False(t, b.ShouldFlush(CommandListMetrics{BytesUploaded: 1 << 30, CopyCount: 1000}))
}

func TestRetirementLogDrainReturnsOldestFirst(t *testing.T) {
	log := NewRetirementLog(3)
	log.Push(CommandListMetrics{BytesUploaded: 1})
	log.Push(CommandListMetrics{BytesUploaded: 2})
	log.Push(CommandListMetrics{BytesUploaded: 3})
	log.Push(CommandListMetrics{BytesUploaded: 4}) // wraps, overwrites the "1" entry

	drained := log.Drain()
	var got []int64
	for _, m := range drained {
		got = append(got, m.BytesUploaded)
	}
	assert.Equal(t, []int64{2, 3, 4}, got)
}

func TestRetirementLogDrainEmptiesTheRing(t *testing.T) {
	log := NewRetirementLog(2)
	log.Push(CommandListMetrics{BytesUploaded: 5})
	_ = log.Drain()
	assert.Empty(t, log.Drain())
}

func TestSumAggregatesAllFields(t *testing.T) {
	total := Sum([]CommandListMetrics{
		{BytesUploaded: 10, CopyCount: 1, TransactionsRun: 2},
		{BytesUploaded: 20, CopyCount: 3, TransactionsRun: 4},
	})
	assert.Equal(t, CommandListMetrics{BytesUploaded: 30, CopyCount: 4, TransactionsRun: 6}, total)
}
