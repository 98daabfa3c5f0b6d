package pkg

import "github.com/pkg/errors"

// Every recoverable failure surfaces as one of these sentinels, with the
// transaction already aborted by the time the caller sees it. The caller
// decides whether to retry (see Atomically). ErrInvalidUse is different:
// it marks a program bug and never fires on a correctly sequenced program.
var (
	// ErrInvalidUse reports misuse of the api: nesting transactions,
	// aborting/committing/promoting with no active transaction, or touching
	// variables outside a transaction without replacing NonTransAccess.
	ErrInvalidUse = errors.New("invalid use of transactional memory api")

	// ErrAccessFailed covers conflicts on variable access;
	// errors.Is(err, ErrAccessFailed) matches both sentinels below.
	ErrAccessFailed = errors.New("variable access conflict")

	ErrReadFailed  = errors.WithMessage(ErrAccessFailed, "read failed")
	ErrWriteFailed = errors.WithMessage(ErrAccessFailed, "write failed")

	// ErrIrrevocFailed means the transaction lost the race to become
	// irrevocable and has been aborted.
	ErrIrrevocFailed = errors.New("irrevocable promotion failed")

	// ErrCommitFailed means the transaction lost a commit race and has
	// been aborted.
	ErrCommitFailed = errors.New("commit failed")
)
