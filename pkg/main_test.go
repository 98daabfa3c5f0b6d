package pkg

import (
	"os"
	"testing"
)

// Tests spawn goroutines freely and every one of them burns a thread slot
// for the life of the process, so size the slot space generously before the
// first variable is created.
func TestMain(m *testing.M) {
	MaxThreadNum = 4096
	os.Exit(m.Run())
}

// worker serializes transactional steps onto one dedicated goroutine, so a
// test can interleave two transactions deterministically.
type worker struct {
	ops chan func()
}

func newWorker() *worker {
	w := &worker{ops: make(chan func())}
	go func() {
		for op := range w.ops {
			op()
		}
	}()
	return w
}

// do runs f on the worker goroutine and waits for it.
func (w *worker) do(f func()) {
	done := make(chan struct{})
	w.ops <- func() {
		defer close(done)
		f()
	}
	<-done
}

func (w *worker) stop() { close(w.ops) }

// readCommitted reads v's committed value in a throwaway transaction.
func readCommitted[T any](t *testing.T, v *Variable[T]) T {
	t.Helper()
	var out T
	if err := Atomically(func() error {
		val, err := v.Get()
		if err != nil {
			return err
		}
		out = val
		return nil
	}); err != nil {
		t.Fatalf("readCommitted: %v", err)
	}
	return out
}
