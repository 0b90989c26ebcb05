package migration

import "errors"

// --- Error Definitions ---

var (
	// ErrMigrationFailed reports a forward action that threw. The schema
	// did not reach the target version; the open sequence is rejected.
	ErrMigrationFailed = errors.New("migration failed")
	// ErrRollbackFailed reports a rollback action that itself threw. This
	// is the one unconditionally fatal condition: the store may hold a
	// half-migrated schema and no automatic retry is safe.
	ErrRollbackFailed = errors.New("migration rollback failed")
	// ErrUnresumable reports a non-checkpointed migration that was
	// interrupted mid-flight. There is no record of what the interrupted
	// action already did, so it is never re-run automatically.
	ErrUnresumable = errors.New("migration was interrupted and cannot be resumed")
)

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
