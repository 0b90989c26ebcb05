package txnsupervisor

import (
	"errors"

	"github.com/stratum-db/stratum/core/engine"
)

// Scope is the capability-scoped accessor handed to a unit of work. Every
// collection it yields checks transaction state before delegating to the
// engine, so storage access after a terminal state fails with
// ErrTransactionInactive instead of corrupting anything.
type Scope struct {
	sup *supervised
}

// Collection returns the guarded accessor for name.
func (s *Scope) Collection(name string) (*Collection, error) {
	s.sup.mu.Lock()
	terminal := s.sup.state.Terminal()
	s.sup.mu.Unlock()
	if terminal {
		return nil, ErrTransactionInactive
	}
	coll, err := s.sup.txn.Collection(name)
	if err != nil {
		if errors.Is(err, engine.ErrTxnClosed) {
			return nil, ErrTransactionInactive
		}
		return nil, err
	}
	return &Collection{sup: s.sup, coll: coll}, nil
}

// Collection is a guarded per-collection accessor. Each data method tracks
// the Pending handle it returns; in strict mode starting a new operation
// while the previous handle is unsettled is rejected synchronously.
type Collection struct {
	sup  *supervised
	coll engine.Collection
}

// Name returns the underlying collection name.
func (c *Collection) Name() string { return c.coll.Name() }

// Add inserts key, failing if it exists.
func (c *Collection) Add(key, value []byte) (engine.Pending, error) {
	return c.start(func() engine.Pending { return c.coll.Add(key, value) })
}

// Put inserts or overwrites key.
func (c *Collection) Put(key, value []byte) (engine.Pending, error) {
	return c.start(func() engine.Pending { return c.coll.Put(key, value) })
}

// Get reads key.
func (c *Collection) Get(key []byte) (engine.Pending, error) {
	return c.start(func() engine.Pending { return c.coll.Get(key) })
}

// Delete removes key.
func (c *Collection) Delete(key []byte) (engine.Pending, error) {
	return c.start(func() engine.Pending { return c.coll.Delete(key) })
}

// Scan opens a cursor over r. Cursors are not tracked by the async-safety
// monitor; the engine serializes cursor stepping itself.
func (c *Collection) Scan(r engine.KeyRange) (engine.Cursor, error) {
	c.sup.mu.Lock()
	defer c.sup.mu.Unlock()
	if c.sup.state.Terminal() {
		return nil, ErrTransactionInactive
	}
	return c.coll.Scan(r)
}

// start runs op under the supervised transaction's bookkeeping: state must
// be non-terminal, and in strict mode the previous handle must be settled.
func (c *Collection) start(op func() engine.Pending) (engine.Pending, error) {
	c.sup.mu.Lock()
	defer c.sup.mu.Unlock()
	if c.sup.state.Terminal() {
		return nil, ErrTransactionInactive
	}
	if c.sup.strict && c.sup.inflight != nil && !c.sup.inflight.Settled() {
		return nil, ErrTransactionUnsafeAsync
	}
	p := op()
	c.sup.inflight = p
	return p, nil
}
