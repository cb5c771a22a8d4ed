// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package txn

import (
	"sync"

	"github.com/gogpu/bufferuploads/locator"
)

// StepMask is a bitmask of AssemblyLine steps a transaction still has
// outstanding.
type StepMask uint8

const (
	StepCreateFromDataPacket StepMask = 1 << iota
	StepPrepareStaging
	StepTransferStagingToFinal
)

// CompletionFunc is invoked once, exactly once, when a transaction's
// upload finishes or fails. loc is the zero Locator if err is non-nil.
type CompletionFunc func(loc locator.Locator, err error)

// Transaction tracks one in-flight upload from Begin to completion.
//
// It carries two independent reference counts rather than one,
// mirroring a client/system split in ownership: the client
// count reflects how many outstanding handles the caller holds (it
// drops when the client calls Cancel or consumes OnCompletion), while
// the system count reflects how many pipeline steps still need to
// touch the transaction. Recycling only happens once both hit zero,
// so a transaction can never be reused out from under a pipeline step
// still writing to it, nor leak forever because a queued step forgot
// to let go.
type Transaction struct {
	id    ID
	table releaser

	mu           sync.Mutex
	clientRefs   int32
	systemRefs   int32
	pendingSteps StepMask
	cancelled    bool
	done         bool
	result       locator.Locator
	resultErr    error
	completions  []CompletionFunc
}

func newTransaction(id ID) *Transaction {
	return &Transaction{id: id, clientRefs: 1, systemRefs: 1}
}

// ID returns the transaction's stable handle.
func (tx *Transaction) ID() ID { return tx.id }

// AddSystemRef is called by the assembly line when it enqueues another
// step that must run against this transaction.
func (tx *Transaction) AddSystemRef() {
	tx.mu.Lock()
	tx.systemRefs++
	tx.mu.Unlock()
}

// ReleaseSystemRef is called once a queued step has finished touching
// the transaction, whether it succeeded, failed, or found the
// transaction cancelled.
func (tx *Transaction) ReleaseSystemRef() {
	tx.release(false)
}

// Cancel drops the client's reference and marks the transaction
// cancelled. Pipeline steps still check IsCancelled and skip their
// work, but the transaction is not recycled until every system
// reference has also been released.
func (tx *Transaction) Cancel() {
	tx.mu.Lock()
	tx.cancelled = true
	tx.mu.Unlock()
	tx.release(true)
}

// Release drops the client's reference without requesting
// cancellation, used once the client has consumed the transaction's
// result (e.g. immediately after its completion callback has run) and
// no longer needs the handle.
func (tx *Transaction) Release() {
	tx.release(true)
}

// IsCancelled reports whether the client has requested cancellation.
func (tx *Transaction) IsCancelled() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.cancelled
}

func (tx *Transaction) release(client bool) {
	tx.mu.Lock()
	if client {
		tx.clientRefs--
	} else {
		tx.systemRefs--
	}
	dead := tx.clientRefs <= 0 && tx.systemRefs <= 0
	tx.mu.Unlock()

	if dead && tx.table != nil {
		tx.table.Release(tx.id)
	}
}

// SetPendingSteps records which AssemblyLine steps this transaction
// still needs to pass through.
func (tx *Transaction) SetPendingSteps(mask StepMask) {
	tx.mu.Lock()
	tx.pendingSteps = mask
	tx.mu.Unlock()
}

// ClearStep marks one step complete, returning the remaining mask.
func (tx *Transaction) ClearStep(step StepMask) StepMask {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.pendingSteps &^= step
	return tx.pendingSteps
}

// PendingSteps returns the steps not yet completed.
func (tx *Transaction) PendingSteps() StepMask {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.pendingSteps
}

// IsComplete reports whether the transaction's result (success or
// failure) has been recorded.
func (tx *Transaction) IsComplete() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.done
}

// OnCompletion registers fn to run once the transaction finishes. If
// the transaction has already completed, fn runs synchronously before
// OnCompletion returns — there is no missed-notification window.
func (tx *Transaction) OnCompletion(fn CompletionFunc) {
	tx.mu.Lock()
	if tx.done {
		loc, err := tx.result, tx.resultErr
		tx.mu.Unlock()
		fn(loc, err)
		return
	}
	tx.completions = append(tx.completions, fn)
	tx.mu.Unlock()
}

// Complete records the transaction's final outcome and fires every
// registered completion callback exactly once. Calling it more than
// once is a no-op.
func (tx *Transaction) Complete(loc locator.Locator, err error) {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return
	}
	tx.done = true
	tx.result = loc
	tx.resultErr = err
	fns := tx.completions
	tx.completions = nil
	tx.mu.Unlock()

	for _, fn := range fns {
		fn(loc, err)
	}
}

// Result returns the transaction's recorded outcome. ok is false until
// Complete has been called.
func (tx *Transaction) Result() (loc locator.Locator, err error, ok bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.result, tx.resultErr, tx.done
}
