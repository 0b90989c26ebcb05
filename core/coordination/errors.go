package coordination

import "errors"

// --- Error Definitions ---

var (
	// ErrLockTimeout is returned when no grant or denial arrives within
	// the acquire timeout.
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// ErrAcquisitionFailed is returned once denial retries are exhausted.
	ErrAcquisitionFailed = errors.New("lock acquisition failed after retries")
	// ErrCoordinatorClosed is returned for operations on a closed coordinator.
	ErrCoordinatorClosed = errors.New("coordinator is closed")
)
