package pkg

import (
	"sync/atomic"
	"weak"

	"github.com/pkg/errors"

	"github.com/irrevo/internal"
)

// irrTransactionLock serializes irrevocable transactions.
// At most one transaction holds it, for the whole stretch from promotion to
// commit or abort.
var irrTransactionLock internal.Flag

// Transaction carries one transaction's private state. It is created by
// Begin, reaches committed or aborted exactly once, and is then torn down.
// Remote transactions only ever touch the two flags and the two atomics;
// everything else belongs to the owning goroutine, except the write set,
// which a hijacking irrevocable transaction may read once the owner is
// pinned inside its commit path.
type Transaction struct {
	// cleanReadsetLock is taken by a committing transaction that overwrites
	// one of our reads, poisoning our own commit path.
	cleanReadsetLock internal.Flag

	// commitLock is taken by us on commit, or by an irrevocable transaction
	// that wants us dead. Whoever loses it knows the other is in charge.
	commitLock internal.Flag

	committed atomic.Bool
	aborted   atomic.Bool

	// irrevocable is only ever touched by the owning goroutine.
	irrevocable bool

	owner *thread

	// self is what variables record in their reader tables and lock-owner
	// slots. It lives in its own allocation so a registered handle does not
	// keep the transaction reachable.
	self *weak.Pointer[Transaction]

	rset     map[variable]any // variable -> *T, uniquely owned read buffer
	wset     map[variable]any // variable -> *T, write buffer shared with hijackers
	hijacked map[variable]any // variable -> *T, buffer of an overtaken writer
	locks    map[*internal.Flag]struct{}
}

func newTransaction(th *thread) *Transaction {
	t := &Transaction{
		owner:    th,
		rset:     make(map[variable]any),
		wset:     make(map[variable]any),
		hijacked: make(map[variable]any),
		locks:    make(map[*internal.Flag]struct{}),
	}
	wp := weak.Make(t)
	t.self = &wp
	return t
}

// irr promotes the transaction to irrevocable.
func (t *Transaction) irr() error {
	if t.irrevocable {
		return nil
	}

	if irrTransactionLock.TestAndSet() {
		// somebody else is irrevocable, or winning the race to become it
		t.abort()
		return errors.WithMessage(ErrIrrevocFailed, "another transaction holds irrevocability")
	}

	// our reads must become visible as reads of an irrevocable transaction
	if !t.acquireReadset() {
		irrTransactionLock.Clear()
		t.abort()
		return errors.WithMessage(ErrIrrevocFailed, "read set could not be locked")
	}

	// nobody may force our abort from here on
	if t.cleanReadsetLock.TestAndSet() || t.commitLock.TestAndSet() {
		for v := range t.rset {
			v.base().usedByIrr.Store(false)
		}
		irrTransactionLock.Clear()
		t.abort()
		return errors.WithMessage(ErrIrrevocFailed, "aborted while promoting")
	}

	t.irrevocable = true
	return nil
}

// acquireReadset locks every variable in the read set on behalf of the
// promotion. On any failure it rolls the partial acquisition back.
func (t *Transaction) acquireReadset() bool {
	var acquired []*internal.Flag
	var marked []variable

	for v := range t.rset {
		marked = append(marked, v)
		l := v.base().acquireRead()
		if l == nil {
			for _, m := range marked {
				m.base().usedByIrr.Store(false)
			}
			for _, a := range acquired {
				a.Clear()
			}
			return false
		}
		acquired = append(acquired, l)
	}

	for _, l := range acquired {
		t.locks[l] = struct{}{}
	}
	return true
}

// commit publishes the write set, or aborts on a lost race.
func (t *Transaction) commit() error {
	if t.committed.Load() {
		panic("transactional memory: commit on an already committed transaction")
	}

	if t.aborted.Load() {
		// a commit that overwrote one of our reads, or an irrevocable
		// transaction that claimed one of our writes, got there first
		t.abort()
		return errors.WithMessage(ErrCommitFailed, "aborted by a conflicting commit")
	}

	// from here on every fresh reader of these variables notices the dirty
	// flag and gives up, so late readers cannot spoil the publish
	for v := range t.wset {
		if t.irrevocable {
			v.base().dirtyIrr.Store(true)
		} else {
			v.base().dirty.Store(true)
		}
	}

	// current readers don't make it either
	t.killReaders()

	if !t.irrevocable {
		// a revocable takes its own locks now; an irrevocable took them
		// during promotion
		if t.cleanReadsetLock.TestAndSet() {
			t.revertDirty()
			t.abort()
			return errors.WithMessage(ErrCommitFailed, "read set was overwritten")
		}
		if t.commitLock.TestAndSet() {
			t.revertDirty()
			t.abort()
			return errors.WithMessage(ErrCommitFailed, "lost commit lock to an irrevocable transaction")
		}
	}

	if t.irrevocable {
		for v, buf := range t.wset {
			v.performWriteAsIrr(t, buf)
		}
		for v := range t.rset {
			v.base().usedByIrr.Store(false)
		}
		for v := range t.wset {
			v.base().usedByIrr.Store(false)
		}
	} else {
		for v, buf := range t.wset {
			v.performWrite(t, buf)
		}
	}

	t.committed.Store(true)

	for l := range t.locks {
		l.Clear()
	}
	t.locks = nil

	// ordered strictly after everything else
	if t.irrevocable {
		irrTransactionLock.Clear()
	}

	t.cleanup()
	return nil
}

// abort marks the transaction dead and tears it down. Safe to call on a
// transaction that was already marked aborted by a remote commit; not on a
// committed one.
func (t *Transaction) abort() error {
	if t.committed.Load() {
		return errors.WithMessage(ErrInvalidUse, "abort on a committed transaction")
	}

	if t.irrevocable {
		if err := ForcingAbortOnIrr(); err != nil {
			// refused: the transaction keeps running
			return err
		}
		for v := range t.rset {
			v.base().usedByIrr.Store(false)
		}
		for v := range t.wset {
			v.base().usedByIrr.Store(false)
		}
	}

	t.aborted.Store(true)

	if t.irrevocable {
		irrTransactionLock.Clear()
	}

	t.cleanup()
	return nil
}

// killReaders aborts every transaction still registered as a reader of a
// variable we are about to overwrite.
func (t *Transaction) killReaders() {
	for v := range t.wset {
		v.base().killReaders(t.owner.slot)
	}
}

func (t *Transaction) revertDirty() {
	for v := range t.wset {
		v.base().dirty.Store(false)
	}
}

// cleanup releases held locks, unregisters our reads and drops the local
// sets. The write set is deliberately left in place: an irrevocable
// transaction may still publish through one of our buffers after we are
// gone, and the garbage collector reclaims it with us.
func (t *Transaction) cleanup() {
	for l := range t.locks {
		l.Clear()
	}
	t.locks = nil

	for v := range t.rset {
		v.base().dropReader(t.owner.slot)
	}
	t.rset = nil
	t.hijacked = nil

	t.owner.tx = nil
}
