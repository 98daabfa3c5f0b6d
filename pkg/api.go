// Package pkg implements software transactional memory over shared typed
// variables, with both revocable (optimistic, abortable) and irrevocable
// (serialized, unabortable) transactions.
//
// A goroutine opens a transaction with Begin, reads and writes variables
// through RO/RW, and finishes with Commit or Abort. On any conflict the
// transaction is aborted and the operation returns one of the package's
// sentinel errors; retrying is the caller's business, or Atomically's.
//
// A transaction may promote itself with Irr. At most one irrevocable
// transaction exists at a time; once promoted it can no longer fail, and
// revocable transactions touching its variables die instead. If a revocable
// writer is already past its commit checks when the irrevocable claims a
// variable, the irrevocable hijacks the writer's buffer, so even a late
// publish by the writer installs the irrevocable's value.
package pkg

import "github.com/pkg/errors"

// NonTransAccess is called whenever a variable is read or written outside
// a transaction. If it returns nil the access proceeds against the live
// global copy. Replace only before any concurrent use.
var NonTransAccess = func() error { return ErrInvalidUse }

// ForcingAbortOnIrr is called when Abort is asked to kill an irrevocable
// transaction. The default refuses; replacing it with a no-op enables
// forced aborts but is dangerous, since other transactions have been dying
// on this one's behalf assuming it would commit. Replace only before any
// concurrent use.
var ForcingAbortOnIrr = func() error { return ErrInvalidUse }

// Begin starts a new transaction on the calling goroutine.
// Returns ErrInvalidUse if one is already running; nesting is not supported.
func Begin() error {
	th := currentThread()
	if th.tx != nil {
		return errors.WithMessage(ErrInvalidUse, "transaction already running")
	}
	th.tx = newTransaction(th)
	return nil
}

// Abort explicitly aborts the calling goroutine's transaction.
// Returns ErrInvalidUse if there is none. On an irrevocable transaction the
// ForcingAbortOnIrr verdict decides; a non-nil verdict leaves the
// transaction running.
func Abort() error {
	th := currentThread()
	if th.tx == nil {
		return errors.WithMessage(ErrInvalidUse, "no transaction to abort")
	}
	return th.tx.abort()
}

// Irr promotes the calling goroutine's transaction to irrevocable.
// Returns ErrInvalidUse if there is no transaction, ErrIrrevocFailed if the
// promotion lost a race (the transaction is aborted then).
func Irr() error {
	th := currentThread()
	if th.tx == nil {
		return errors.WithMessage(ErrInvalidUse, "no transaction to promote")
	}
	return th.tx.irr()
}

// Commit attempts to commit the calling goroutine's transaction.
// Returns ErrInvalidUse if there is none, ErrCommitFailed if the commit
// lost a race (the transaction is aborted then).
func Commit() error {
	th := currentThread()
	if th.tx == nil {
		return errors.WithMessage(ErrInvalidUse, "no transaction to commit")
	}
	return th.tx.commit()
}

// Atomically runs block inside a transaction and retries it for as long as
// it keeps losing races. A block error other than a conflict aborts the
// transaction and is returned as-is; ErrInvalidUse is never retried.
//
// Blocks must tolerate re-execution: side effects outside transactional
// variables may run more than once.
func Atomically(block func() error) error {
	for {
		if err := Begin(); err != nil {
			return err
		}
		if err := block(); err != nil {
			if isConflict(err) {
				// the failing operation already aborted us; the fallback
				// covers blocks that hand back a conflict of their own making
				if currentThread().tx != nil {
					_ = Abort()
				}
				continue
			}
			if currentThread().tx != nil {
				_ = Abort()
			}
			return err
		}
		err := Commit()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCommitFailed) {
			continue
		}
		return err
	}
}

func isConflict(err error) bool {
	return errors.Is(err, ErrAccessFailed) ||
		errors.Is(err, ErrCommitFailed) ||
		errors.Is(err, ErrIrrevocFailed)
}
