package memengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratum-db/stratum/core/engine"
)

func open(t *testing.T, eng *Engine, version uint64) engine.Database {
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

// TestStagingIsolation verifies writes stay invisible to other transactions
// until commit.
func TestStagingIsolation(t *testing.T) {
	eng := New()
	db := open(t, eng, 1)
	ctx := context.Background()

	writer, err := db.Begin(ctx, []string{"items"}, engine.ReadWrite)
	require.NoError(t, err)
	col, err := writer.Collection("items")
	require.NoError(t, err)
	_, err = col.Put([]byte("k1"), []byte("v1")).Await(ctx)
	require.NoError(t, err)

	// A concurrent reader must not see the staged write.
	reader, err := db.Begin(ctx, []string{"items"}, engine.ReadOnly)
	require.NoError(t, err)
	rcol, err := reader.Collection("items")
	require.NoError(t, err)
	_, err = rcol.Get([]byte("k1")).Await(ctx)
	require.ErrorIs(t, err, engine.ErrKeyNotFound)
	require.NoError(t, reader.Abort())

	require.NoError(t, writer.Commit(ctx))

	after, err := db.Begin(ctx, []string{"items"}, engine.ReadOnly)
	require.NoError(t, err)
	defer after.Abort()
	acol, err := after.Collection("items")
	require.NoError(t, err)
	value, err := acol.Get([]byte("k1")).Await(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), value)
}

// TestScan_MergesStagedWrites verifies a cursor sees the transaction's own
// staged puts and deletes on top of the committed state.
func TestScan_MergesStagedWrites(t *testing.T) {
	eng := New()
	db := open(t, eng, 1)
	ctx := context.Background()

	seed, err := db.Begin(ctx, []string{"items"}, engine.ReadWrite)
	require.NoError(t, err)
	scol, err := seed.Collection("items")
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		_, err = scol.Put([]byte(k), []byte("committed")).Await(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, seed.Commit(ctx))

	txn, err := db.Begin(ctx, []string{"items"}, engine.ReadWrite)
	require.NoError(t, err)
	defer txn.Abort()
	col, err := txn.Collection("items")
	require.NoError(t, err)
	_, err = col.Put([]byte("d"), []byte("staged")).Await(ctx)
	require.NoError(t, err)
	_, err = col.Delete([]byte("b")).Await(ctx)
	require.NoError(t, err)

	cur, err := col.Scan(engine.KeyRange{})
	require.NoError(t, err)
	defer cur.Close()
	var keys []string
	for cur.Next() {
		keys = append(keys, string(cur.Key()))
	}
	require.NoError(t, cur.Err())
	require.Equal(t, []string{"a", "c", "d"}, keys)
}

// TestVersionGate verifies downgrade rejection and upgrade-once semantics.
func TestVersionGate(t *testing.T) {
	eng := New()
	db := open(t, eng, 2)
	require.Equal(t, uint64(2), db.Version())
	require.NoError(t, db.Close())

	_, err := eng.Open(context.Background(), "testdb", 1, nil)
	require.ErrorIs(t, err, engine.ErrVersionDowngrade)

	fired := false
	_, err = eng.Open(context.Background(), "testdb", 2, func(ctx context.Context, u engine.Upgrade) error {
		fired = true
		return nil
	})
	require.NoError(t, err)
	require.False(t, fired)
}

// TestPendingSettlement verifies a handle settles only once its result is
// consumed.
func TestPendingSettlement(t *testing.T) {
	eng := New()
	db := open(t, eng, 1)
	ctx := context.Background()

	txn, err := db.Begin(ctx, []string{"items"}, engine.ReadWrite)
	require.NoError(t, err)
	defer txn.Abort()
	col, err := txn.Collection("items")
	require.NoError(t, err)

	p := col.Put([]byte("k1"), []byte("v1"))
	require.False(t, p.Settled())
	_, err = p.Await(ctx)
	require.NoError(t, err)
	require.True(t, p.Settled())
}
