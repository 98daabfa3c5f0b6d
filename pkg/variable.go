package pkg

import (
	"sync/atomic"
	"weak"

	"github.com/pkg/errors"

	"github.com/irrevo/internal"
)

// variable is the type-erased face of Variable[T]: what a transaction can
// do to a variable without knowing T. Transactions key their sets by it.
type variable interface {
	base() *varBase

	// performWrite publishes buf as the new global copy for a revocable
	// commit; performWriteAsIrr does the same for an irrevocable one,
	// routing through a hijacked buffer when there is one.
	performWrite(t *Transaction, buf any)
	performWriteAsIrr(t *Transaction, buf any)
}

// varBase carries the per-variable concurrency metadata, shared by all
// Variable instantiations.
type varBase struct {
	// usedByIrr warns revocable transactions off: an irrevocable one holds
	// interest in this variable and any revocable access must abort.
	usedByIrr atomic.Bool

	// While dirty (dirtyIrr for an irrevocable writer) is raised, a commit
	// is publishing this variable. A reader observing it cannot order
	// itself against the in-flight publish and must abort.
	dirty    atomic.Bool
	dirtyIrr atomic.Bool

	// lock's holder has the right to publish a new global copy.
	lock internal.Flag

	// readers[slot] holds the transaction that last registered a visible
	// read of this variable from that thread slot.
	readers []atomic.Pointer[weak.Pointer[Transaction]]

	// mostRecentLockOwner is installed right after a revocable transaction
	// wins lock; an irrevocable acquirer chases it to find whom to kill.
	mostRecentLockOwner atomic.Pointer[weak.Pointer[Transaction]]
}

func (b *varBase) base() *varBase { return b }

// killReaders aborts every registered reader except the one in skipSlot.
// Readers already inside their commit path win the flag race and are left
// alone; so are irrevocable ones, which cannot die anyway.
func (b *varBase) killReaders(skipSlot int) {
	for i := range b.readers {
		if i == skipSlot {
			continue
		}
		wp := b.readers[i].Load()
		if wp == nil {
			continue
		}
		reader := wp.Value()
		if reader == nil {
			continue
		}
		if !reader.cleanReadsetLock.TestAndSet() {
			reader.aborted.Store(true)
		}
	}
}

// acquireRead locks the variable on behalf of a promoting transaction.
// Returns the write lock on success, nil when somebody else holds it; in
// the latter case the promotion fails, or we were aborted already and just
// haven't noticed.
func (b *varBase) acquireRead() *internal.Flag {
	b.usedByIrr.Store(true)

	if b.lock.TestAndSet() {
		return nil
	}
	return &b.lock
}

// dropReader clears the slot's registration. Only called by the goroutine
// that owns the slot.
func (b *varBase) dropReader(slot int) {
	b.readers[slot].Store(nil)
}

// Variable wraps a value of type T shared between transactions. Reads and
// writes are allowed only from within transactions, through RO and RW;
// outside a transaction the NonTransAccess hook decides.
//
// The zero Variable is not usable; construct with NewVariable. A variable
// must not be torn down while any transaction still references it.
type Variable[T any] struct {
	varBase

	// the global copy; swung atomically at commit time
	val atomic.Pointer[T]
}

// NewVariable creates a transactional variable holding initial.
// MaxThreadNum must have its final value by the time this is called.
func NewVariable[T any](initial T) *Variable[T] {
	v := &Variable[T]{}
	v.readers = make([]atomic.Pointer[weak.Pointer[Transaction]], MaxThreadNum)
	p := new(T)
	*p = initial
	v.val.Store(p)
	return v
}

// RO gives read access to the variable. The returned pointer aliases a
// transaction-local buffer and must not be written through; use RW for
// that. On conflict the transaction is aborted and ErrReadFailed returned.
func (v *Variable[T]) RO() (*T, error) {
	th := currentThread()
	t := th.tx
	if t == nil {
		if err := NonTransAccess(); err != nil {
			return nil, err
		}
		return v.val.Load(), nil
	}

	// the write set first: reads must observe our own writes
	if buf, ok := t.wset[v]; ok {
		return buf.(*T), nil
	}
	if buf, ok := t.rset[v]; ok {
		return buf.(*T), nil
	}

	if t.irrevocable {
		v.irrAcquire(t, true)
		// irrAcquire filled the read or write set, so this recurses once
		return v.RO()
	}

	// visible read: bookkeep it where writers will look
	v.readers[th.slot].Store(t.self)

	// a raised dirty flag means the publisher may not have seen us; either
	// way we cannot order ourselves against it
	if v.dirty.Load() || v.dirtyIrr.Load() {
		t.abort()
		return nil, errors.WithMessage(ErrReadFailed, "variable is being published")
	}

	buf := new(T)
	*buf = *v.val.Load()

	// any transaction that altered the variable since we registered must
	// have marked us aborted first
	if t.aborted.Load() {
		t.abort()
		return nil, errors.WithMessage(ErrReadFailed, "aborted by a conflicting commit")
	}

	t.rset[v] = buf
	return buf, nil
}

// RW gives read-write access to the variable through a transaction-private
// buffer; the new value is published on commit. On conflict the transaction
// is aborted and ErrWriteFailed returned.
func (v *Variable[T]) RW() (*T, error) {
	th := currentThread()
	t := th.tx
	if t == nil {
		if err := NonTransAccess(); err != nil {
			return nil, err
		}
		return v.val.Load(), nil
	}

	if buf, ok := t.wset[v]; ok {
		return buf.(*T), nil
	}

	if t.irrevocable {
		return v.rwIrr(t)
	}

	// first write access

	if v.usedByIrr.Load() {
		// conflicting with an irrevocable cannot end well
		t.abort()
		return nil, errors.WithMessage(ErrWriteFailed, "variable claimed by an irrevocable transaction")
	}

	if v.lock.TestAndSet() {
		t.abort()
		return nil, errors.WithMessage(ErrWriteFailed, "write lock contended")
	}

	v.mostRecentLockOwner.Store(t.self)

	// checked again on purpose: without it an irrevocable acquirer could
	// miss our handle while we keep operating on the variable
	if v.usedByIrr.Load() {
		v.lock.Clear()
		t.abort()
		return nil, errors.WithMessage(ErrWriteFailed, "variable claimed by an irrevocable transaction")
	}

	var buf *T
	if rbuf, ok := t.rset[v]; ok {
		// the read buffer is known consistent now that we hold the lock;
		// steal it for writing
		buf = rbuf.(*T)
		delete(t.rset, v)
	} else {
		buf = new(T)
		*buf = *v.val.Load()
	}

	// what we return is writable, so make sure nobody killed us meanwhile
	if t.aborted.Load() {
		v.lock.Clear()
		t.abort()
		return nil, errors.WithMessage(ErrWriteFailed, "aborted by a conflicting commit")
	}

	t.wset[v] = buf
	t.locks[&v.lock] = struct{}{}
	return buf, nil
}

// Get reads the variable and returns a copy of its value.
func (v *Variable[T]) Get() (T, error) {
	p, err := v.RO()
	if err != nil {
		var zero T
		return zero, err
	}
	return *p, nil
}

// Set overwrites the variable within the current transaction.
func (v *Variable[T]) Set(val T) error {
	p, err := v.RW()
	if err != nil {
		return err
	}
	*p = val
	return nil
}

// rwIrr handles a first write access by an irrevocable transaction.
func (v *Variable[T]) rwIrr(t *Transaction) (*T, error) {
	if rbuf, ok := t.rset[v]; ok {
		// the promotion already locked every read variable, so the buffer
		// can move to the write set as it is
		delete(t.rset, v)
		t.wset[v] = rbuf
		return rbuf.(*T), nil
	}
	v.irrAcquire(t, false)
	return v.RW()
}

// irrAcquire runs when an irrevocable transaction touches a variable for
// the first time. It either takes the variable over outright or, when a
// live revocable writer is already past its commit checks, hijacks that
// writer's buffer so that even a late publish installs our value.
func (v *Variable[T]) irrAcquire(t *Transaction, wantReadOnly bool) {
	// tell others to hold back
	v.usedByIrr.Store(true)

	if v.hijackOwner(t) {
		return
	}

	// whatever happened above, the global copy is ours alone now
	buf := new(T)
	*buf = *v.val.Load()
	if wantReadOnly {
		t.rset[v] = buf
	} else {
		t.wset[v] = buf
	}
}

// hijackOwner sorts out the write lock for an irrevocable acquisition.
// It reports true when a live owner was hijacked: the owner keeps the lock,
// our hijacked set tracks its buffer and our write set got a copy of it.
// False means the variable is exclusively ours.
func (v *Variable[T]) hijackOwner(t *Transaction) bool {
	if !v.lock.TestAndSet() {
		// only an irrevocable reads the owner slot, and there is at most
		// one of us, so no need to install ourselves there
		t.locks[&v.lock] = struct{}{}
		return false
	}

	wp := v.mostRecentLockOwner.Load()
	if wp == nil {
		// the owner has not installed its handle yet; usedByIrr stops it
		// on its next move
		return false
	}
	owner := wp.Value()
	if owner == nil {
		// a lock owner from a forgotten past
		return false
	}

	if !owner.commitLock.TestAndSet() {
		// that transaction can no longer commit
		owner.aborted.Store(true)
		return false
	}

	if owner.aborted.Load() || owner.committed.Load() {
		// it already finished either way; nothing to take over
		return false
	}

	// a live owner holding its own commit lock has passed every commit
	// check and will write its buffers out no matter what. Take its buffer,
	// so what it publishes is our value.
	hb := owner.wset[v].(*T)
	t.hijacked[v] = hb
	buf := new(T)
	*buf = *hb
	t.wset[v] = buf
	return true
}

func (v *Variable[T]) performWrite(_ *Transaction, buf any) {
	v.val.Store(buf.(*T))
	v.dirty.Store(false)
}

func (v *Variable[T]) performWriteAsIrr(t *Transaction, buf any) {
	next := buf.(*T)
	if hb, ok := t.hijacked[v]; ok {
		// write through the overtaken buffer: if its owner ever resumes
		// its publish, it now publishes this value
		h := hb.(*T)
		*h = *next
		v.val.Store(h)
	} else {
		v.val.Store(next)
	}
	v.dirtyIrr.Store(false)
}
