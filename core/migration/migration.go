// Package migration executes an ordered list of schema migrations exactly
// once, with checkpoint/resume for long-running ones and rollback on
// failure. All progress is recorded in a dedicated metadata collection so a
// run interrupted by process death can be reasoned about afterwards.
package migration

import (
	"context"
	"fmt"

	"github.com/stratum-db/stratum/core/txnsupervisor"
)

// DefaultBatchSize is used when a checkpointed migration does not pick one.
const DefaultBatchSize = 100

// ActionFunc is a whole-migration forward or rollback action. It runs
// inside one supervised transaction scoped to the collections the
// coordinator was given.
type ActionFunc func(ctx context.Context, scope *txnsupervisor.Scope) error

// BatchFunc processes one batch of a checkpointed migration. checkpoint is
// nil on the first batch, otherwise the opaque cursor saved after the
// previous batch. It returns the next checkpoint and done=true once there
// is nothing left to process.
type BatchFunc func(ctx context.Context, scope *txnsupervisor.Scope, checkpoint []byte, batchSize int) (next []byte, done bool, err error)

// Migration is one named, versioned unit of schema change. IDs must be
// stable across runs; versions totally order the list.
type Migration struct {
	ID      string
	Version uint64

	// Up is the forward action for a non-checkpointed migration.
	Up ActionFunc
	// Down is the optional rollback action.
	Down ActionFunc

	// Checkpointed selects batched execution through Batch.
	Checkpointed bool
	Batch        BatchFunc
	BatchSize    int
}

func (m Migration) validate() error {
	if m.ID == "" {
		return fmt.Errorf("migration at version %d has no id", m.Version)
	}
	if m.Version == 0 {
		return fmt.Errorf("migration %q has no target version", m.ID)
	}
	if m.Checkpointed && m.Batch == nil {
		return fmt.Errorf("checkpointed migration %q has no batch action", m.ID)
	}
	if !m.Checkpointed && m.Up == nil {
		return fmt.Errorf("migration %q has no forward action", m.ID)
	}
	return nil
}

// Normalize converts bare forward-action callables into full Migration
// records: synthesized sequential ids, version = position + 1, not
// checkpointed. It keeps the coordinator itself free of format detection.
func Normalize(actions []ActionFunc) []Migration {
	migrations := make([]Migration, 0, len(actions))
	for i, action := range actions {
		migrations = append(migrations, Migration{
			ID:      fmt.Sprintf("migration_%d", i+1),
			Version: uint64(i + 1),
			Up:      action,
		})
	}
	return migrations
}
