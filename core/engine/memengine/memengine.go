// Package memengine is an in-memory implementation of the engine contract.
// It backs the test suites and embedders that want Stratum semantics without
// a persistent store. Versioning, the upgrade hook, and per-transaction
// write staging behave like the persistent engines.
package memengine

import (
	"context"
	"sort"
	"sync"

	"github.com/stratum-db/stratum/core/engine"
)

// Engine keeps every named database in process memory.
type Engine struct {
	mu  sync.Mutex
	dbs map[string]*store
}

type store struct {
	mu          sync.Mutex
	version     uint64
	collections map[string]map[string][]byte
}

// New creates an empty in-memory engine.
func New() *Engine {
	return &Engine{dbs: make(map[string]*store)}
}

// Open opens (creating if necessary) the named database at the requested
// version, firing upgrade when the requested version exceeds the stored one.
func (e *Engine) Open(ctx context.Context, name string, version uint64, upgrade engine.UpgradeFunc) (engine.Database, error) {
	e.mu.Lock()
	st, ok := e.dbs[name]
	if !ok {
		st = &store{collections: make(map[string]map[string][]byte)}
		e.dbs[name] = st
	}
	e.mu.Unlock()

	st.mu.Lock()
	stored := st.version
	st.mu.Unlock()

	if version < stored {
		return nil, engine.ErrVersionDowngrade
	}

	db := &database{name: name, store: st}
	if version > stored {
		if upgrade != nil {
			u := &upgradeHandle{db: db, old: stored, next: version}
			if err := upgrade(ctx, u); err != nil {
				return nil, err
			}
		}
		st.mu.Lock()
		st.version = version
		st.mu.Unlock()
	}
	return db, nil
}

type database struct {
	name  string
	store *store

	mu     sync.Mutex
	closed bool
}

func (d *database) Name() string { return d.name }

func (d *database) Version() uint64 {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	return d.store.version
}

func (d *database) Collections() []string {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	names := make([]string, 0, len(d.store.collections))
	for name := range d.store.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *database) Begin(ctx context.Context, collections []string, mode engine.Mode) (engine.Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, engine.ErrDatabaseClosed
	}

	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	scope := make(map[string]struct{}, len(collections))
	for _, name := range collections {
		if _, ok := d.store.collections[name]; !ok {
			return nil, engine.ErrCollectionNotFound
		}
		scope[name] = struct{}{}
	}
	return &txn{
		store:  d.store,
		mode:   mode,
		scope:  scope,
		staged: make(map[string]map[string]*[]byte),
	}, nil
}

func (d *database) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

type upgradeHandle struct {
	db   *database
	old  uint64
	next uint64
}

func (u *upgradeHandle) OldVersion() uint64 { return u.old }
func (u *upgradeHandle) NewVersion() uint64 { return u.next }

func (u *upgradeHandle) HasCollection(name string) bool {
	u.db.store.mu.Lock()
	defer u.db.store.mu.Unlock()
	_, ok := u.db.store.collections[name]
	return ok
}

func (u *upgradeHandle) CreateCollection(name string) error {
	u.db.store.mu.Lock()
	defer u.db.store.mu.Unlock()
	if _, ok := u.db.store.collections[name]; ok {
		return engine.ErrCollectionExists
	}
	u.db.store.collections[name] = make(map[string][]byte)
	return nil
}

func (u *upgradeHandle) DropCollection(name string) error {
	u.db.store.mu.Lock()
	defer u.db.store.mu.Unlock()
	if _, ok := u.db.store.collections[name]; !ok {
		return engine.ErrCollectionNotFound
	}
	delete(u.db.store.collections, name)
	return nil
}

func (u *upgradeHandle) Database() engine.Database { return u.db }

// txn stages writes privately and applies them on commit under the store
// lock. A nil staged value marks a delete.
type txn struct {
	store  *store
	mode   engine.Mode
	scope  map[string]struct{}
	staged map[string]map[string]*[]byte

	mu     sync.Mutex
	closed bool
}

func (t *txn) Collection(name string) (engine.Collection, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, engine.ErrTxnClosed
	}
	if _, ok := t.scope[name]; !ok {
		return nil, engine.ErrCollectionNotInScope
	}
	return &collection{txn: t, name: name}, nil
}

func (t *txn) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return engine.ErrTxnClosed
	}
	t.closed = true
	t.mu.Unlock()

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for name, writes := range t.staged {
		coll, ok := t.store.collections[name]
		if !ok {
			// Collection dropped mid-flight; skip its writes.
			continue
		}
		for key, value := range writes {
			if value == nil {
				delete(coll, key)
			} else {
				coll[key] = *value
			}
		}
	}
	return nil
}

func (t *txn) Abort() error {
	t.mu.Lock()
	t.closed = true
	t.staged = make(map[string]map[string]*[]byte)
	t.mu.Unlock()
	return nil
}

type collection struct {
	txn  *txn
	name string
}

func (c *collection) Name() string { return c.name }

func (c *collection) Add(key, value []byte) engine.Pending {
	return c.mutate(key, value, true)
}

func (c *collection) Put(key, value []byte) engine.Pending {
	return c.mutate(key, value, false)
}

func (c *collection) mutate(key, value []byte, strict bool) engine.Pending {
	if err := c.writable(); err != nil {
		return engine.Failed(err)
	}
	c.txn.store.mu.Lock()
	defer c.txn.store.mu.Unlock()
	if strict {
		if _, ok := c.read(string(key)); ok {
			return engine.Failed(engine.ErrKeyExists)
		}
	}
	cp := append([]byte(nil), value...)
	c.stage(string(key), &cp)
	return engine.Resolved(nil)
}

func (c *collection) Get(key []byte) engine.Pending {
	if err := c.open(); err != nil {
		return engine.Failed(err)
	}
	c.txn.store.mu.Lock()
	defer c.txn.store.mu.Unlock()
	value, ok := c.read(string(key))
	if !ok {
		return engine.Failed(engine.ErrKeyNotFound)
	}
	return engine.Resolved(append([]byte(nil), value...))
}

func (c *collection) Delete(key []byte) engine.Pending {
	if err := c.writable(); err != nil {
		return engine.Failed(err)
	}
	c.txn.store.mu.Lock()
	defer c.txn.store.mu.Unlock()
	c.stage(string(key), nil)
	return engine.Resolved(nil)
}

func (c *collection) Scan(r engine.KeyRange) (engine.Cursor, error) {
	if err := c.open(); err != nil {
		return nil, err
	}
	c.txn.store.mu.Lock()
	defer c.txn.store.mu.Unlock()

	merged := make(map[string][]byte)
	if coll, ok := c.txn.store.collections[c.name]; ok {
		for k, v := range coll {
			merged[k] = v
		}
	}
	if writes, ok := c.txn.staged[c.name]; ok {
		for k, v := range writes {
			if v == nil {
				delete(merged, k)
			} else {
				merged[k] = *v
			}
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		if r.Start != nil && k < string(r.Start) {
			continue
		}
		if r.End != nil && k >= string(r.End) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cur := &cursor{}
	for _, k := range keys {
		cur.entries = append(cur.entries, entry{key: []byte(k), value: append([]byte(nil), merged[k]...)})
	}
	return cur, nil
}

// read resolves key against staged writes first, then the committed store.
// Callers hold the store lock.
func (c *collection) read(key string) ([]byte, bool) {
	if writes, ok := c.txn.staged[c.name]; ok {
		if v, ok := writes[key]; ok {
			if v == nil {
				return nil, false
			}
			return *v, true
		}
	}
	coll, ok := c.txn.store.collections[c.name]
	if !ok {
		return nil, false
	}
	v, ok := coll[key]
	return v, ok
}

func (c *collection) stage(key string, value *[]byte) {
	writes, ok := c.txn.staged[c.name]
	if !ok {
		writes = make(map[string]*[]byte)
		c.txn.staged[c.name] = writes
	}
	writes[key] = value
}

func (c *collection) open() error {
	c.txn.mu.Lock()
	defer c.txn.mu.Unlock()
	if c.txn.closed {
		return engine.ErrTxnClosed
	}
	return nil
}

func (c *collection) writable() error {
	if err := c.open(); err != nil {
		return err
	}
	if c.txn.mode != engine.ReadWrite {
		return engine.ErrReadOnlyTxn
	}
	return nil
}

type entry struct {
	key   []byte
	value []byte
}

type cursor struct {
	entries []entry
	pos     int
}

func (c *cursor) Next() bool {
	if c.pos >= len(c.entries) {
		return false
	}
	c.pos++
	return c.pos <= len(c.entries)
}

func (c *cursor) Key() []byte {
	if c.pos == 0 || c.pos > len(c.entries) {
		return nil
	}
	return c.entries[c.pos-1].key
}

func (c *cursor) Value() []byte {
	if c.pos == 0 || c.pos > len(c.entries) {
		return nil
	}
	return c.entries[c.pos-1].value
}

func (c *cursor) Err() error   { return nil }
func (c *cursor) Close() error { return nil }
