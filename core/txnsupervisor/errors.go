package txnsupervisor

import "errors"

// --- Error Definitions ---

var (
	// ErrTransactionFailed wraps any engine-reported transaction failure.
	ErrTransactionFailed = errors.New("transaction failed")
	// ErrTransactionInactive is returned when a collection handle is used
	// after the transaction reached a terminal state.
	ErrTransactionInactive = errors.New("transaction is no longer active")
	// ErrTransactionTimeout is returned when the deadline fires while the
	// transaction is still active.
	ErrTransactionTimeout = errors.New("transaction deadline exceeded")
	// ErrTransactionUnsafeAsync is the strict-mode violation: a second
	// storage operation was started while a previous handle was unsettled.
	ErrTransactionUnsafeAsync = errors.New("unsafe async: previous storage operation is still unsettled")
)

// wrap attaches cause to kind so callers can test the kind with errors.Is
// while keeping the originating error in the chain.
func wrap(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return &wrapped{kind: kind, cause: cause}
}

type wrapped struct {
	kind  error
	cause error
}

func (w *wrapped) Error() string { return w.kind.Error() + ": " + w.cause.Error() }

func (w *wrapped) Unwrap() []error { return []error{w.kind, w.cause} }
