// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package txn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/bufferuploads/locator"
)

func TestOnCompletionFiresImmediatelyIfAlreadyDone(t *testing.T) {
	tx := newTransaction(Zip(1, 1))
	tx.Complete(locator.Locator{}, nil)

	called := false
	tx.OnCompletion(func(locator.Locator, error) { called = true })
	assert.True(t, called)
}

func TestOnCompletionFiresOnceUponCompletion(t *testing.T) {
	tx := newTransaction(Zip(1, 1))

	var gotErr error
	tx.OnCompletion(func(_ locator.Locator, err error) { gotErr = err })

	want := errors.New("boom")
	tx.Complete(locator.Locator{}, want)
	assert.Equal(t, want, gotErr)

	// A second Complete call must not refire callbacks.
	fired := false
	tx.completions = append(tx.completions, func(locator.Locator, error) { fired = true })
	tx.Complete(locator.Locator{}, nil)
	assert.False(t, fired)
}

func TestPendingStepsClearIndependently(t *testing.T) {
	tx := newTransaction(Zip(1, 1))
	tx.SetPendingSteps(StepCreateFromDataPacket | StepTransferStagingToFinal)

	remaining := tx.ClearStep(StepCreateFromDataPacket)
	assert.Equal(t, StepTransferStagingToFinal, remaining)

	remaining = tx.ClearStep(StepTransferStagingToFinal)
	assert.Equal(t, StepMask(0), remaining)
}

type recordingReleaser struct {
	released []ID
}

func (r *recordingReleaser) Release(id ID) { r.released = append(r.released, id) }

func TestTransactionOnlyReleasesOnceBothRefCountsReachZero(t *testing.T) {
	tx := newTransaction(Zip(3, 1))
	rel := &recordingReleaser{}
	tx.table = rel

	tx.AddSystemRef() // two system steps now outstanding
	tx.Cancel()       // drops the sole client ref
	assert.Empty(t, rel.released, "system refs still outstanding")

	tx.ReleaseSystemRef()
	assert.Empty(t, rel.released, "one more system ref still outstanding")

	tx.ReleaseSystemRef()
	require.Len(t, rel.released, 1)
	assert.Equal(t, tx.id, rel.released[0])
}

func TestReleaseDropsClientRefWithoutCancelling(t *testing.T) {
	tx := newTransaction(Zip(5, 1))
	rel := &recordingReleaser{}
	tx.table = rel

	tx.Release()
	assert.False(t, tx.IsCancelled())
	assert.Empty(t, rel.released, "system ref from construction still outstanding")

	tx.ReleaseSystemRef()
	require.Len(t, rel.released, 1)
	assert.Equal(t, tx.id, rel.released[0])
}

func TestCancelMarksCancelledWithoutBlockingCompletion(t *testing.T) {
	tx := newTransaction(Zip(1, 1))
	tx.AddSystemRef()
	tx.Cancel()

	assert.True(t, tx.IsCancelled())
	assert.False(t, tx.IsComplete())

	tx.Complete(locator.Locator{}, nil)
	assert.True(t, tx.IsComplete())
}
