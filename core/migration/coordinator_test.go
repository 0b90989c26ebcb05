package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratum-db/stratum/core/engine"
	"github.com/stratum-db/stratum/core/engine/memengine"
	"github.com/stratum-db/stratum/core/txnsupervisor"
)

// --- Test Helpers ---

// setupCoordinator opens an in-memory database with an "items" collection
// plus the migration metadata collection and returns a coordinator over it.
func setupCoordinator(t *testing.T) (*Coordinator, *txnsupervisor.Supervisor) {
	t.Helper()
	eng := memengine.New()
	db, err := eng.Open(context.Background(), "migration_test", 1,
		func(ctx context.Context, u engine.Upgrade) error {
			if err := u.CreateCollection("items"); err != nil {
				return err
			}
			return u.CreateCollection(MetaCollection)
		})
	require.NoError(t, err)
	sup := txnsupervisor.New(db, zap.NewNop(), nil)
	return NewCoordinator(sup, MetaCollection, zap.NewNop(), nil), sup
}

// putRaw writes one key into a collection outside of any migration.
func putRaw(t *testing.T, sup *txnsupervisor.Supervisor, collection, key, value string) {
	t.Helper()
	err := sup.Execute(context.Background(), []string{collection}, engine.ReadWrite,
		func(ctx context.Context, scope *txnsupervisor.Scope) error {
			coll, err := scope.Collection(collection)
			if err != nil {
				return err
			}
			p, err := coll.Put([]byte(key), []byte(value))
			if err != nil {
				return err
			}
			_, err = p.Await(ctx)
			return err
		}, txnsupervisor.Options{})
	require.NoError(t, err)
}

// loadRecord reads one migration record back out of the metadata collection.
func loadRecord(t *testing.T, sup *txnsupervisor.Supervisor, id string) Record {
	t.Helper()
	var rec Record
	err := sup.Execute(context.Background(), []string{MetaCollection}, engine.ReadOnly,
		func(ctx context.Context, scope *txnsupervisor.Scope) error {
			coll, err := scope.Collection(MetaCollection)
			if err != nil {
				return err
			}
			p, err := coll.Get([]byte(id))
			if err != nil {
				return err
			}
			raw, err := p.Await(ctx)
			if err != nil {
				return err
			}
			return json.Unmarshal(raw, &rec)
		}, txnsupervisor.Options{})
	require.NoError(t, err)
	return rec
}

// metaKeys lists every key currently in the metadata collection.
func metaKeys(t *testing.T, sup *txnsupervisor.Supervisor) []string {
	t.Helper()
	var keys []string
	err := sup.Execute(context.Background(), []string{MetaCollection}, engine.ReadOnly,
		func(ctx context.Context, scope *txnsupervisor.Scope) error {
			coll, err := scope.Collection(MetaCollection)
			if err != nil {
				return err
			}
			cur, err := coll.Scan(engine.KeyRange{})
			if err != nil {
				return err
			}
			defer cur.Close()
			for cur.Next() {
				keys = append(keys, string(cur.Key()))
			}
			return cur.Err()
		}, txnsupervisor.Options{})
	require.NoError(t, err)
	return keys
}

// writeAction returns a forward action that writes key=value into "items".
func writeAction(key, value string) ActionFunc {
	return func(ctx context.Context, scope *txnsupervisor.Scope) error {
		coll, err := scope.Collection("items")
		if err != nil {
			return err
		}
		p, err := coll.Put([]byte(key), []byte(value))
		if err != nil {
			return err
		}
		_, err = p.Await(ctx)
		return err
	}
}

// --- Test Cases ---

// TestRun_CleanUpgrade covers the straight 1→3 path: two migrations run in
// order, both end completed, and no checkpoint records remain.
func TestRun_CleanUpgrade(t *testing.T) {
	c, sup := setupCoordinator(t)

	var order []string
	track := func(id string, action ActionFunc) ActionFunc {
		return func(ctx context.Context, scope *txnsupervisor.Scope) error {
			order = append(order, id)
			return action(ctx, scope)
		}
	}
	migrations := []Migration{
		{ID: "a", Version: 2, Up: track("a", writeAction("idx", "1"))},
		{ID: "b", Version: 3, Up: track("b", writeAction("store", "1"))},
	}

	require.NoError(t, c.Run(context.Background(), migrations, 1, 3, []string{"items", MetaCollection}))
	require.Equal(t, []string{"a", "b"}, order)
	require.Equal(t, StatusCompleted, loadRecord(t, sup, "a").Status)
	require.Equal(t, StatusCompleted, loadRecord(t, sup, "b").Status)

	for _, key := range metaKeys(t, sup) {
		require.False(t, strings.HasSuffix(key, "_checkpoint"), "no checkpoint records may remain")
	}
}

// TestRun_Idempotent verifies that a second Run over the same inputs
// performs zero migration actions.
func TestRun_Idempotent(t *testing.T) {
	c, _ := setupCoordinator(t)

	runs := 0
	migrations := []Migration{{
		ID:      "only",
		Version: 2,
		Up: func(ctx context.Context, scope *txnsupervisor.Scope) error {
			runs++
			return nil
		},
	}}

	require.NoError(t, c.Run(context.Background(), migrations, 1, 2, []string{"items", MetaCollection}))
	require.NoError(t, c.Run(context.Background(), migrations, 1, 2, []string{"items", MetaCollection}))
	require.Equal(t, 1, runs)
}

// TestRun_Ordering verifies ascending target-version execution regardless
// of list order, and that out-of-range versions are excluded.
func TestRun_Ordering(t *testing.T) {
	c, _ := setupCoordinator(t)

	var order []uint64
	mk := func(id string, version uint64) Migration {
		return Migration{ID: id, Version: version, Up: func(ctx context.Context, scope *txnsupervisor.Scope) error {
			order = append(order, version)
			return nil
		}}
	}
	migrations := []Migration{mk("four", 4), mk("two", 2), mk("three", 3), mk("five", 5)}

	require.NoError(t, c.Run(context.Background(), migrations, 1, 4, []string{"items", MetaCollection}))
	require.Equal(t, []uint64{2, 3, 4}, order)
}

// TestRun_RollbackSucceeds verifies that a failing forward action with a
// working rollback ends rolled_back and surfaces ErrMigrationFailed.
func TestRun_RollbackSucceeds(t *testing.T) {
	c, sup := setupCoordinator(t)

	boom := errors.New("forward action blew up")
	rolledBack := false
	migrations := []Migration{{
		ID:      "bad",
		Version: 2,
		Up: func(ctx context.Context, scope *txnsupervisor.Scope) error {
			return boom
		},
		Down: func(ctx context.Context, scope *txnsupervisor.Scope) error {
			rolledBack = true
			return nil
		},
	}}

	err := c.Run(context.Background(), migrations, 1, 2, []string{"items", MetaCollection})
	require.ErrorIs(t, err, ErrMigrationFailed)
	require.ErrorIs(t, err, boom)
	require.True(t, rolledBack)
	require.Equal(t, StatusRolledBack, loadRecord(t, sup, "bad").Status)
}

// TestRun_RollbackFatality verifies the one unconditionally fatal path: a
// forward action and its rollback both failing ends rollback_failed and
// surfaces ErrRollbackFailed.
func TestRun_RollbackFatality(t *testing.T) {
	c, sup := setupCoordinator(t)

	migrations := []Migration{{
		ID:      "doomed",
		Version: 2,
		Up: func(ctx context.Context, scope *txnsupervisor.Scope) error {
			return errors.New("forward failed")
		},
		Down: func(ctx context.Context, scope *txnsupervisor.Scope) error {
			return errors.New("rollback failed too")
		},
	}}

	err := c.Run(context.Background(), migrations, 1, 2, []string{"items", MetaCollection})
	require.ErrorIs(t, err, ErrRollbackFailed)
	require.Equal(t, StatusRollbackFailed, loadRecord(t, sup, "doomed").Status)
}

// TestRun_CheckpointedResume simulates a process interrupted after the
// first of three batches (25 items, batch size 10): the metadata holds an
// in_progress record and a checkpoint at 10. The next Run must resume from
// the checkpoint and finish in exactly two more batches.
func TestRun_CheckpointedResume(t *testing.T) {
	c, sup := setupCoordinator(t)

	// Seed what the interrupted run left behind.
	inProgress, err := json.Marshal(Record{ID: "backfill", Status: StatusInProgress, Timestamp: time.Now().UnixMilli()})
	require.NoError(t, err)
	putRaw(t, sup, MetaCollection, "backfill", string(inProgress))
	cp, err := json.Marshal(checkpointRecord{Checkpoint: []byte("10"), Timestamp: time.Now().UnixMilli()})
	require.NoError(t, err)
	putRaw(t, sup, MetaCollection, "backfill_checkpoint", string(cp))

	const total = 25
	var batchStarts []int
	migrations := []Migration{{
		ID:           "backfill",
		Version:      2,
		Checkpointed: true,
		BatchSize:    10,
		Batch: func(ctx context.Context, scope *txnsupervisor.Scope, checkpoint []byte, batchSize int) ([]byte, bool, error) {
			offset := 0
			if checkpoint != nil {
				var err error
				offset, err = strconv.Atoi(string(checkpoint))
				if err != nil {
					return nil, false, err
				}
			}
			batchStarts = append(batchStarts, offset)
			next := offset + batchSize
			if next >= total {
				return nil, true, nil
			}
			return []byte(strconv.Itoa(next)), false, nil
		},
	}}

	require.NoError(t, c.Run(context.Background(), migrations, 1, 2, []string{"items", MetaCollection}))
	require.Equal(t, []int{10, 20}, batchStarts, "must resume at 10 and finish after exactly 2 more batches")
	require.Equal(t, StatusCompleted, loadRecord(t, sup, "backfill").Status)

	for _, key := range metaKeys(t, sup) {
		require.False(t, strings.HasSuffix(key, "_checkpoint"), "checkpoint must be cleared on completion")
	}
}

// TestRun_UnresumableNonCheckpointed verifies that a non-checkpointed
// migration left in_progress by a dead process is marked failed and
// surfaced, never silently re-run.
func TestRun_UnresumableNonCheckpointed(t *testing.T) {
	c, sup := setupCoordinator(t)

	inProgress, err := json.Marshal(Record{ID: "stuck", Status: StatusInProgress, Timestamp: time.Now().UnixMilli()})
	require.NoError(t, err)
	putRaw(t, sup, MetaCollection, "stuck", string(inProgress))

	ran := false
	migrations := []Migration{{
		ID:      "stuck",
		Version: 2,
		Up: func(ctx context.Context, scope *txnsupervisor.Scope) error {
			ran = true
			return nil
		},
	}}

	err = c.Run(context.Background(), migrations, 1, 2, []string{"items", MetaCollection})
	require.ErrorIs(t, err, ErrUnresumable)
	require.False(t, ran, "interrupted action must not be re-run")

	rec := loadRecord(t, sup, "stuck")
	require.Equal(t, StatusFailed, rec.Status)
	require.Contains(t, rec.Error, "cannot be resumed")
}

// TestNormalize verifies the legacy callable shim: bare actions become full
// migration records with sequential ids and versions.
func TestNormalize(t *testing.T) {
	actions := []ActionFunc{
		func(ctx context.Context, scope *txnsupervisor.Scope) error { return nil },
		func(ctx context.Context, scope *txnsupervisor.Scope) error { return nil },
	}
	migrations := Normalize(actions)
	require.Len(t, migrations, 2)
	for i, m := range migrations {
		require.Equal(t, fmt.Sprintf("migration_%d", i+1), m.ID)
		require.Equal(t, uint64(i+1), m.Version)
		require.False(t, m.Checkpointed)
		require.NotNil(t, m.Up)
	}
}
