package pkg

import (
	"sync"
	"sync/atomic"

	"github.com/irrevo/internal"
)

// MaxThreadNum bounds how many goroutines may ever run transactions. Every
// variable's reader table is sized from it at construction, so it must be
// set before the first NewVariable call and left alone afterwards.
//
// Slots are handed out on first transactional touch and kept for process
// lifetime, so run transactions from a bounded pool of goroutines. Going
// past the bound is a program error; it surfaces as an index panic on the
// first visible read.
var MaxThreadNum = 32

// thread is the per-goroutine slot: a small stable id plus the transaction
// currently running on that goroutine. tx is only ever touched by its own
// goroutine.
type thread struct {
	slot int
	tx   *Transaction
}

var (
	threads sync.Map // goroutine id -> *thread
	slotSeq atomic.Int64
)

// currentThread finds the calling goroutine's slot, assigning one on first
// touch. Slots are never recycled.
func currentThread() *thread {
	gid := internal.GoroutineID()
	if th, ok := threads.Load(gid); ok {
		return th.(*thread)
	}
	th := &thread{slot: int(slotSeq.Add(1)) - 1}
	actual, _ := threads.LoadOrStore(gid, th)
	return actual.(*thread)
}
