// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package txn

import (
	"errors"
	"sync"
)

// MaxTransactions bounds the table's growth. Past this point the
// table refuses new allocations rather than growing without limit,
// the same class of fatal, programmer-visible condition as running
// out of device memory,
// not a recoverable backpressure signal.
const MaxTransactions = 1 << 16

// ErrOverflow is returned by Begin once MaxTransactions outstanding
// slots would be exceeded.
var ErrOverflow = errors.New("txn: transaction table overflow")

// ErrStale is returned when an ID's epoch no longer matches the slot
// occupant — the transaction it named has already completed and been
// recycled.
var ErrStale = errors.New("txn: stale transaction id")

type freeSlot struct {
	index Index
	epoch Epoch
}

type slot struct {
	txn   *Transaction
	epoch Epoch
	valid bool
}

// Table is the growable, epoch-guarded slot table every Transaction
// lives in for its entire lifetime, structured after
// core/storage.go + core/identity.go's split between index+epoch
// recycling and payload storage.
type Table struct {
	mu    sync.Mutex
	slots []slot
	free  []freeSlot
	count int
}

// NewTable creates an empty transaction table.
func NewTable() *Table {
	return &Table{slots: make([]slot, 0, 256), free: make([]freeSlot, 0, 64)}
}

// Begin allocates a fresh Transaction and returns its ID. The epoch of
// a recycled slot is always incremented, so a caller still holding an
// older ID for that index can never observe the new occupant.
func (t *Table) Begin() (ID, *Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count >= MaxTransactions {
		return 0, nil, ErrOverflow
	}
	t.count++

	var index Index
	var epoch Epoch
	if n := len(t.free); n > 0 {
		fs := t.free[n-1]
		t.free = t.free[:n-1]
		index, epoch = fs.index, fs.epoch+1
	} else {
		index = Index(len(t.slots))
		epoch = 1
		t.slots = append(t.slots, slot{})
	}

	tx := newTransaction(Zip(index, epoch))
	tx.table = t
	t.slots[index] = slot{txn: tx, epoch: epoch, valid: true}
	return tx.id, tx, nil
}

// Get resolves id to its live Transaction, failing if the slot has
// since been recycled.
func (t *Table) Get(id ID) (*Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	index, epoch := id.Unzip()
	if int(index) >= len(t.slots) {
		return nil, ErrStale
	}
	s := &t.slots[index]
	if !s.valid || s.epoch != epoch {
		return nil, ErrStale
	}
	return s.txn, nil
}

// Release recycles id's slot once its Transaction has no remaining
// client or system references. Called by Transaction.release once its
// combined refcount reaches zero.
func (t *Table) Release(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	index, epoch := id.Unzip()
	if int(index) >= len(t.slots) {
		return
	}
	s := &t.slots[index]
	if !s.valid || s.epoch != epoch {
		return
	}
	s.valid = false
	s.txn = nil
	t.count--
	t.free = append(t.free, freeSlot{index: index, epoch: epoch})
}

// Len returns the number of live transactions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// ForEach calls fn for every live transaction, in index order. fn must
// not call back into the table.
func (t *Table) ForEach(fn func(ID, *Transaction)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if t.slots[i].valid {
			fn(Zip(Index(i), t.slots[i].epoch), t.slots[i].txn)
		}
	}
}

// releaser is implemented by *Table. Transaction depends only on this
// narrow interface so it can be unit tested without a real Table.
type releaser interface {
	Release(ID)
}

var _ releaser = (*Table)(nil)
