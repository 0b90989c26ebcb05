package badgerengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratum-db/stratum/core/engine"
)

// --- Test Helpers ---

func setupEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := New(Config{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func openWithItems(t *testing.T, eng *Engine, version uint64) engine.Database {
	t.Helper()
	db, err := eng.Open(context.Background(), "testdb", version, func(ctx context.Context, u engine.Upgrade) error {
		if !u.HasCollection("items") {
			return u.CreateCollection("items")
		}
		return nil
	})
	require.NoError(t, err)
	return db
}

func put(t *testing.T, db engine.Database, collection, key, value string) {
	t.Helper()
	ctx := context.Background()
	txn, err := db.Begin(ctx, []string{collection}, engine.ReadWrite)
	require.NoError(t, err)
	col, err := txn.Collection(collection)
	require.NoError(t, err)
	_, err = col.Put([]byte(key), []byte(value)).Await(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))
}

func get(t *testing.T, db engine.Database, collection, key string) ([]byte, error) {
	t.Helper()
	ctx := context.Background()
	txn, err := db.Begin(ctx, []string{collection}, engine.ReadOnly)
	require.NoError(t, err)
	defer txn.Abort()
	col, err := txn.Collection(collection)
	require.NoError(t, err)
	return col.Get([]byte(key)).Await(ctx)
}

// --- Test Cases ---

func TestOpen_UpgradeAndVersionGate(t *testing.T) {
	eng := setupEngine(t)

	db := openWithItems(t, eng, 2)
	require.Equal(t, uint64(2), db.Version())
	require.Equal(t, []string{"items"}, db.Collections())
	require.NoError(t, db.Close())

	// Same version opens without firing the upgrade hook.
	fired := false
	db2, err := eng.Open(context.Background(), "testdb", 2, func(ctx context.Context, u engine.Upgrade) error {
		fired = true
		return nil
	})
	require.NoError(t, err)
	require.False(t, fired)
	require.NoError(t, db2.Close())

	// Downgrades are rejected.
	_, err = eng.Open(context.Background(), "testdb", 1, nil)
	require.ErrorIs(t, err, engine.ErrVersionDowngrade)
}

func TestOpen_UpgradeErrorLeavesVersion(t *testing.T) {
	eng := setupEngine(t)

	_, err := eng.Open(context.Background(), "testdb", 2, func(ctx context.Context, u engine.Upgrade) error {
		require.Equal(t, uint64(0), u.OldVersion())
		require.Equal(t, uint64(2), u.NewVersion())
		return context.Canceled
	})
	require.Error(t, err)

	// The stored version never advanced.
	db := openWithItems(t, eng, 2)
	defer db.Close()
	require.Equal(t, uint64(2), db.Version())
}

func TestReadWriteRoundTrip(t *testing.T) {
	eng := setupEngine(t)
	db := openWithItems(t, eng, 1)
	defer db.Close()

	put(t, db, "items", "k1", "v1")
	value, err := get(t, db, "items", "k1")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), value)

	_, err = get(t, db, "items", "missing")
	require.ErrorIs(t, err, engine.ErrKeyNotFound)
}

func TestAdd_RejectsExistingKey(t *testing.T) {
	eng := setupEngine(t)
	db := openWithItems(t, eng, 1)
	defer db.Close()
	ctx := context.Background()

	put(t, db, "items", "k1", "v1")

	txn, err := db.Begin(ctx, []string{"items"}, engine.ReadWrite)
	require.NoError(t, err)
	defer txn.Abort()
	col, err := txn.Collection("items")
	require.NoError(t, err)
	_, err = col.Add([]byte("k1"), []byte("other")).Await(ctx)
	require.ErrorIs(t, err, engine.ErrKeyExists)
}

func TestAbort_DiscardsWrites(t *testing.T) {
	eng := setupEngine(t)
	db := openWithItems(t, eng, 1)
	defer db.Close()
	ctx := context.Background()

	txn, err := db.Begin(ctx, []string{"items"}, engine.ReadWrite)
	require.NoError(t, err)
	col, err := txn.Collection("items")
	require.NoError(t, err)
	_, err = col.Put([]byte("k1"), []byte("v1")).Await(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Abort())

	_, err = get(t, db, "items", "k1")
	require.ErrorIs(t, err, engine.ErrKeyNotFound)
}

func TestReadOnly_RejectsWrites(t *testing.T) {
	eng := setupEngine(t)
	db := openWithItems(t, eng, 1)
	defer db.Close()
	ctx := context.Background()

	txn, err := db.Begin(ctx, []string{"items"}, engine.ReadOnly)
	require.NoError(t, err)
	defer txn.Abort()
	col, err := txn.Collection("items")
	require.NoError(t, err)
	_, err = col.Put([]byte("k1"), []byte("v1")).Await(ctx)
	require.ErrorIs(t, err, engine.ErrReadOnlyTxn)
}

func TestScope_RejectsForeignCollection(t *testing.T) {
	eng := setupEngine(t)
	db := openWithItems(t, eng, 1)
	defer db.Close()

	txn, err := db.Begin(context.Background(), []string{"items"}, engine.ReadOnly)
	require.NoError(t, err)
	defer txn.Abort()
	_, err = txn.Collection("users")
	require.ErrorIs(t, err, engine.ErrCollectionNotInScope)

	_, err = db.Begin(context.Background(), []string{"users"}, engine.ReadOnly)
	require.ErrorIs(t, err, engine.ErrCollectionNotFound)
}

func TestScan_RangeAndOrder(t *testing.T) {
	eng := setupEngine(t)
	db := openWithItems(t, eng, 1)
	defer db.Close()
	ctx := context.Background()

	for _, k := range []string{"c", "a", "d", "b"} {
		put(t, db, "items", k, "v-"+k)
	}

	txn, err := db.Begin(ctx, []string{"items"}, engine.ReadOnly)
	require.NoError(t, err)
	defer txn.Abort()
	col, err := txn.Collection("items")
	require.NoError(t, err)

	// Start inclusive, end exclusive.
	cur, err := col.Scan(engine.KeyRange{Start: []byte("b"), End: []byte("d")})
	require.NoError(t, err)
	defer cur.Close()

	var keys []string
	for cur.Next() {
		keys = append(keys, string(cur.Key()))
	}
	require.NoError(t, cur.Err())
	require.Equal(t, []string{"b", "c"}, keys)
}

func TestDropCollection_RemovesRecords(t *testing.T) {
	eng := setupEngine(t)
	db := openWithItems(t, eng, 1)
	put(t, db, "items", "k1", "v1")
	require.NoError(t, db.Close())

	db2, err := eng.Open(context.Background(), "testdb", 2, func(ctx context.Context, u engine.Upgrade) error {
		if err := u.DropCollection("items"); err != nil {
			return err
		}
		return u.CreateCollection("items")
	})
	require.NoError(t, err)
	defer db2.Close()

	_, err = get(t, db2, "items", "k1")
	require.ErrorIs(t, err, engine.ErrKeyNotFound)
}
