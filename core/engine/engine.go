// Package engine defines the versioned, transactional keyed-storage
// capability that the Stratum policy layer is built on. The engine owns the
// on-disk format, optimistic isolation, and the schema-version gate; the
// layers above only consume this contract.
package engine

import "context"

// Mode selects the isolation scope of a transaction.
type Mode int

const (
	// ReadOnly transactions may not mutate any collection.
	ReadOnly Mode = iota
	// ReadWrite transactions may mutate the collections they are scoped to.
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// KeyRange bounds a cursor scan. Start is inclusive, End is exclusive; a nil
// bound is unbounded on that side.
type KeyRange struct {
	Start []byte
	End   []byte
}

// Pending is the handle returned by every asynchronous data operation.
// The operation is not considered settled until its result has been
// consumed through Await.
type Pending interface {
	// Await blocks until the operation settles and returns its result:
	// the stored value for reads, nil for mutations.
	Await(ctx context.Context) ([]byte, error)
	// Settled reports whether the result has already been consumed.
	Settled() bool
}

// Cursor iterates a key range in ascending key order.
type Cursor interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// Collection is a per-transaction accessor for one named object collection.
type Collection interface {
	Name() string
	// Add inserts key; it fails with ErrKeyExists if key is present.
	Add(key, value []byte) Pending
	// Put inserts or overwrites key.
	Put(key, value []byte) Pending
	// Get reads key; it fails with ErrKeyNotFound if key is absent.
	Get(key []byte) Pending
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) Pending
	// Scan opens a cursor over r.
	Scan(r KeyRange) (Cursor, error)
}

// Txn is one engine transaction scoped to a set of collections.
type Txn interface {
	// Collection returns the accessor for name. It fails with
	// ErrCollectionNotInScope if name was not in the transaction's scope.
	Collection(name string) (Collection, error)
	// Commit blocks until the engine acknowledges the commit.
	Commit(ctx context.Context) error
	// Abort discards the transaction. Aborting twice is a no-op.
	Abort() error
}

// Upgrade is the handle passed to the upgrade hook. It is the only place
// collections can be created or dropped.
type Upgrade interface {
	OldVersion() uint64
	NewVersion() uint64
	HasCollection(name string) bool
	CreateCollection(name string) error
	DropCollection(name string) error
	// Database returns a handle usable for data transactions while the
	// upgrade hook is still running.
	Database() Database
}

// UpgradeFunc is fired exactly once when the requested version exceeds the
// stored version. If it returns an error the open fails and the stored
// version is left unchanged.
type UpgradeFunc func(ctx context.Context, u Upgrade) error

// Database is an open handle on a named storage resource.
type Database interface {
	Name() string
	Version() uint64
	Collections() []string
	Begin(ctx context.Context, collections []string, mode Mode) (Txn, error)
	Close() error
}

// Engine opens named, versioned databases.
type Engine interface {
	Open(ctx context.Context, name string, version uint64, upgrade UpgradeFunc) (Database, error)
}
