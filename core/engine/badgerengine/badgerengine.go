// Package badgerengine implements the engine contract on BadgerDB. Named
// databases share one badger instance through key prefixes; transactions map
// onto badger transactions, so isolation and conflict detection come from
// badger's optimistic concurrency control.
package badgerengine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/stratum-db/stratum/core/engine"
)

// Key layout inside the shared badger store. Database and collection names
// must not contain '/'.
//
//	!v/<db>                   stored schema version, big endian uint64
//	!c/<db>/<collection>      collection existence marker
//	!d/<db>/<collection>/<k>  one record
const (
	versionPrefix    = "!v/"
	collectionPrefix = "!c/"
	dataPrefix       = "!d/"
)

// Config tunes the underlying badger store.
type Config struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path string `yaml:"path"`
	// InMemory keeps everything in process memory; used by tests.
	InMemory bool `yaml:"in_memory"`
	// SyncWrites forces fsync on every commit.
	SyncWrites bool `yaml:"sync_writes"`
}

// Engine is a badger-backed engine. One Engine owns one badger store and
// serializes version upgrades across the databases in it.
type Engine struct {
	db  *badger.DB
	log *zap.Logger

	// openMu serializes Open calls so two contexts in one process cannot
	// race the version gate.
	openMu sync.Mutex
}

// New opens the badger store described by cfg.
func New(cfg Config, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badgerengine: Path is required for a persistent store")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("badgerengine: create store directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerengine: open store: %w", err)
	}
	return &Engine{db: db, log: log}, nil
}

// Close closes the underlying badger store.
func (e *Engine) Close() error { return e.db.Close() }

// Open opens the named database at the requested version, firing upgrade
// when the requested version exceeds the stored one. The stored version is
// only advanced after the upgrade hook returns without error.
func (e *Engine) Open(ctx context.Context, name string, version uint64, upgrade engine.UpgradeFunc) (engine.Database, error) {
	e.openMu.Lock()
	defer e.openMu.Unlock()

	stored, err := e.storedVersion(name)
	if err != nil {
		return nil, err
	}
	if version < stored {
		return nil, engine.ErrVersionDowngrade
	}

	db := &database{eng: e, name: name}
	if version > stored {
		if upgrade != nil {
			u := &upgradeHandle{db: db, old: stored, next: version}
			if err := upgrade(ctx, u); err != nil {
				return nil, err
			}
		}
		if err := e.writeVersion(name, version); err != nil {
			return nil, err
		}
		e.log.Info("database upgraded",
			zap.String("database", name),
			zap.Uint64("from", stored),
			zap.Uint64("to", version))
	}
	return db, nil
}

func (e *Engine) storedVersion(name string) (uint64, error) {
	var version uint64
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(versionPrefix + name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				version = binary.BigEndian.Uint64(val)
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("badgerengine: read version of %q: %w", name, err)
	}
	return version, nil
}

func (e *Engine) writeVersion(name string, version uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, version)
	err := e.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(versionPrefix+name), buf)
	})
	if err != nil {
		return fmt.Errorf("badgerengine: write version of %q: %w", name, err)
	}
	return nil
}

func (e *Engine) hasCollection(name, collection string) (bool, error) {
	found := false
	err := e.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(collectionKey(name, collection))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

func collectionKey(db, collection string) []byte {
	return []byte(collectionPrefix + db + "/" + collection)
}

func recordPrefix(db, collection string) []byte {
	return []byte(dataPrefix + db + "/" + collection + "/")
}

type database struct {
	eng  *Engine
	name string

	mu     sync.Mutex
	closed bool
}

func (d *database) Name() string { return d.name }

func (d *database) Version() uint64 {
	v, err := d.eng.storedVersion(d.name)
	if err != nil {
		d.eng.log.Error("version read failed", zap.String("database", d.name), zap.Error(err))
		return 0
	}
	return v
}

func (d *database) Collections() []string {
	var names []string
	prefix := []byte(collectionPrefix + d.name + "/")
	_ = d.eng.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
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

	scope := make(map[string]struct{}, len(collections))
	for _, name := range collections {
		ok, err := d.eng.hasCollection(d.name, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, engine.ErrCollectionNotFound
		}
		scope[name] = struct{}{}
	}

	return &txn{
		db:    d,
		inner: d.eng.db.NewTransaction(mode == engine.ReadWrite),
		mode:  mode,
		scope: scope,
	}, nil
}

// Close marks the handle unusable. The shared badger store stays open; it
// belongs to the Engine.
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
	ok, err := u.db.eng.hasCollection(u.db.name, name)
	return err == nil && ok
}

func (u *upgradeHandle) CreateCollection(name string) error {
	if u.HasCollection(name) {
		return engine.ErrCollectionExists
	}
	return u.db.eng.db.Update(func(txn *badger.Txn) error {
		return txn.Set(collectionKey(u.db.name, name), nil)
	})
}

func (u *upgradeHandle) DropCollection(name string) error {
	if !u.HasCollection(name) {
		return engine.ErrCollectionNotFound
	}
	prefix := recordPrefix(u.db.name, name)
	return u.db.eng.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
		}
		return txn.Delete(collectionKey(u.db.name, name))
	})
}

func (u *upgradeHandle) Database() engine.Database { return u.db }

type txn struct {
	db    *database
	inner *badger.Txn
	mode  engine.Mode
	scope map[string]struct{}

	mu   sync.Mutex
	done bool
}

func (t *txn) Collection(name string) (engine.Collection, error) {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done {
		return nil, engine.ErrTxnClosed
	}
	if _, ok := t.scope[name]; !ok {
		return nil, engine.ErrCollectionNotInScope
	}
	return &collection{txn: t, name: name, prefix: recordPrefix(t.db.name, name)}, nil
}

func (t *txn) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		t.inner.Discard()
		return err
	}
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return engine.ErrTxnClosed
	}
	t.done = true
	t.mu.Unlock()
	if err := t.inner.Commit(); err != nil {
		return fmt.Errorf("badgerengine: commit: %w", err)
	}
	return nil
}

func (t *txn) Abort() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	t.done = true
	t.mu.Unlock()
	t.inner.Discard()
	return nil
}

func (t *txn) closedOrReadOnly(writing bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return engine.ErrTxnClosed
	}
	if writing && t.mode != engine.ReadWrite {
		return engine.ErrReadOnlyTxn
	}
	return nil
}

type collection struct {
	txn    *txn
	name   string
	prefix []byte
}

func (c *collection) Name() string { return c.name }

func (c *collection) key(k []byte) []byte {
	return append(append([]byte{}, c.prefix...), k...)
}

func (c *collection) Add(key, value []byte) engine.Pending {
	if err := c.txn.closedOrReadOnly(true); err != nil {
		return engine.Failed(err)
	}
	full := c.key(key)
	_, err := c.txn.inner.Get(full)
	switch {
	case err == nil:
		return engine.Failed(engine.ErrKeyExists)
	case !errors.Is(err, badger.ErrKeyNotFound):
		return engine.Failed(err)
	}
	if err := c.txn.inner.Set(full, value); err != nil {
		return engine.Failed(err)
	}
	return engine.Resolved(nil)
}

func (c *collection) Put(key, value []byte) engine.Pending {
	if err := c.txn.closedOrReadOnly(true); err != nil {
		return engine.Failed(err)
	}
	if err := c.txn.inner.Set(c.key(key), value); err != nil {
		return engine.Failed(err)
	}
	return engine.Resolved(nil)
}

func (c *collection) Get(key []byte) engine.Pending {
	if err := c.txn.closedOrReadOnly(false); err != nil {
		return engine.Failed(err)
	}
	item, err := c.txn.inner.Get(c.key(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return engine.Failed(engine.ErrKeyNotFound)
	}
	if err != nil {
		return engine.Failed(err)
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return engine.Failed(err)
	}
	return engine.Resolved(value)
}

func (c *collection) Delete(key []byte) engine.Pending {
	if err := c.txn.closedOrReadOnly(true); err != nil {
		return engine.Failed(err)
	}
	if err := c.txn.inner.Delete(c.key(key)); err != nil {
		return engine.Failed(err)
	}
	return engine.Resolved(nil)
}

func (c *collection) Scan(r engine.KeyRange) (engine.Cursor, error) {
	if err := c.txn.closedOrReadOnly(false); err != nil {
		return nil, err
	}
	opts := badger.DefaultIteratorOptions
	opts.Prefix = c.prefix
	it := c.txn.inner.NewIterator(opts)

	start := c.prefix
	if r.Start != nil {
		start = c.key(r.Start)
	}
	var end []byte
	if r.End != nil {
		end = c.key(r.End)
	}
	cur := &cursor{it: it, prefix: c.prefix, end: end}
	it.Seek(start)
	return cur, nil
}

type cursor struct {
	it     *badger.Iterator
	prefix []byte
	end    []byte

	key     []byte
	value   []byte
	err     error
	started bool
	closed  bool
}

func (c *cursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	if c.started {
		c.it.Next()
	}
	c.started = true
	if !c.it.Valid() {
		return false
	}
	item := c.it.Item()
	full := item.KeyCopy(nil)
	if c.end != nil && bytes.Compare(full, c.end) >= 0 {
		return false
	}
	c.key = full[len(c.prefix):]
	c.value, c.err = item.ValueCopy(nil)
	return c.err == nil
}

func (c *cursor) Key() []byte   { return c.key }
func (c *cursor) Value() []byte { return c.value }
func (c *cursor) Err() error    { return c.err }

func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.it.Close()
	return nil
}
