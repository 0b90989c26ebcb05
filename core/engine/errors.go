package engine

import "errors"

// --- Error Definitions ---

var (
	ErrKeyNotFound          = errors.New("key not found")
	ErrKeyExists            = errors.New("key already exists (for strict insert)")
	ErrCollectionNotFound   = errors.New("collection not found")
	ErrCollectionExists     = errors.New("collection already exists")
	ErrCollectionNotInScope = errors.New("collection is not in the transaction's scope")
	ErrTxnClosed            = errors.New("transaction is already committed or aborted")
	ErrReadOnlyTxn          = errors.New("mutation attempted in a read-only transaction")
	ErrDatabaseClosed       = errors.New("database handle is closed")
	ErrVersionDowngrade     = errors.New("requested version is lower than the stored version")
	ErrUpgradeOnly          = errors.New("operation is only valid inside the upgrade hook")
)
