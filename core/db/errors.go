package db

import "errors"

var (
	// ErrOpenFailed wraps any engine, upgrade or migration error that
	// prevented the database from opening.
	ErrOpenFailed = errors.New("database open failed")

	// ErrClosed is returned by operations on a closed database.
	ErrClosed = errors.New("database is closed")
)

// wrap ties a sentinel to its cause so callers can match either with
// errors.Is.
func wrap(kind, cause error) error {
	return &wrapped{kind: kind, cause: cause}
}

type wrapped struct {
	kind  error
	cause error
}

func (w *wrapped) Error() string {
	return w.kind.Error() + ": " + w.cause.Error()
}

func (w *wrapped) Unwrap() []error { return []error{w.kind, w.cause} }
