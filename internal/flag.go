package internal

import "sync/atomic"

// Flag is a wait-free test-and-set flag.
// Note that this flag doesn't enforce ownership!
type Flag struct {
	v atomic.Bool
}

// Sets the flag and reports whether it was already set
// (in which case the caller lost the race for it).
// Non-blocking.
func (f *Flag) TestAndSet() bool {
	return f.v.Swap(true)
}

// Clears the flag.
func (f *Flag) Clear() {
	f.v.Store(false)
}

// Retrieves flag state without changing it.
func (f *Flag) Load() bool {
	return f.v.Load()
}

// The whole protocol built on Flag is wait-free only as long as Swap is a
// single atomic instruction. This startup probe checks only that set, test
// and clear round-trip correctly on one goroutine, and panics if they do
// not; it cannot tell whether Swap is lock-free.
func init() {
	var f Flag
	if f.TestAndSet() {
		panic("internal: fresh test-and-set flag reports already set")
	}
	if !f.TestAndSet() {
		panic("internal: test-and-set flag lost its state")
	}
	f.Clear()
	if f.Load() {
		panic("internal: flag clear did not take")
	}
}
