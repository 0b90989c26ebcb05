package migration

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/stratum-db/stratum/core/engine"
	"github.com/stratum-db/stratum/core/txnsupervisor"
)

// Coordinator runs pending migrations in ascending version order, exactly
// once each. It is only ever invoked from inside the storage engine's
// upgrade hook, where the engine guarantees the version gate.
type Coordinator struct {
	meta       *metaStore
	sup        *txnsupervisor.Supervisor
	log        *zap.Logger
	metrics    *Metrics
	txnTimeout time.Duration
}

// NewCoordinator creates a coordinator persisting progress into
// metaCollection through sup. metrics may be nil; a zero txnTimeout uses
// the supervisor default per action.
func NewCoordinator(sup *txnsupervisor.Supervisor, metaCollection string, log *zap.Logger, metrics *Metrics) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if metaCollection == "" {
		metaCollection = MetaCollection
	}
	return &Coordinator{
		meta:    &metaStore{sup: sup, collection: metaCollection},
		sup:     sup,
		log:     log,
		metrics: metrics,
	}
}

// SetActionTimeout overrides the per-action transaction timeout. Migrations
// routinely outlive the default operation deadline.
func (c *Coordinator) SetActionTimeout(d time.Duration) { c.txnTimeout = d }

// Run executes every migration whose version lies in (fromVersion,
// toVersion] and whose id has no completed record, in ascending version
// order. A second Run over the same inputs performs zero migration actions.
func (c *Coordinator) Run(ctx context.Context, migrations []Migration, fromVersion, toVersion uint64, collections []string) error {
	pending := make([]Migration, 0, len(migrations))
	for _, m := range migrations {
		if err := m.validate(); err != nil {
			return fmt.Errorf("invalid migration list: %w", err)
		}
		if m.Version > fromVersion && m.Version <= toVersion {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	records, err := c.meta.loadRecords(ctx)
	if err != nil {
		return fmt.Errorf("failed to load migration records: %w", err)
	}

	for _, m := range pending {
		rec, known := records[m.ID]
		if known && rec.Status == StatusCompleted {
			c.log.Debug("skipping completed migration", zap.String("id", m.ID))
			continue
		}
		if known && rec.Status == StatusInProgress {
			if err := c.resume(ctx, m, collections); err != nil {
				return err
			}
			continue
		}
		if err := c.execute(ctx, m, collections, nil); err != nil {
			return err
		}
	}
	return nil
}

// resume re-enters an interrupted migration. Only checkpointed migrations
// can be picked up again; anything else has unknowable partial effects and
// is deliberately surfaced instead of guessed at.
func (c *Coordinator) resume(ctx context.Context, m Migration, collections []string) error {
	if !m.Checkpointed {
		cause := fmt.Errorf("migration %q was interrupted and cannot be resumed", m.ID)
		if err := c.meta.putRecord(ctx, Record{
			ID:     m.ID,
			Status: StatusFailed,
			Error:  cause.Error(),
		}); err != nil {
			return fmt.Errorf("failed to record unresumable migration: %w", err)
		}
		c.log.Error("unresumable migration", zap.String("id", m.ID))
		return wrap(ErrUnresumable, cause)
	}

	checkpoint, found, err := c.meta.loadCheckpoint(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint for %q: %w", m.ID, err)
	}
	if found {
		c.log.Info("resuming checkpointed migration",
			zap.String("id", m.ID),
			zap.Int("checkpoint_bytes", len(checkpoint)))
	} else {
		// Interrupted before the first checkpoint was persisted; batches
		// are restartable from the beginning.
		c.log.Info("restarting checkpointed migration from the beginning", zap.String("id", m.ID))
	}
	return c.execute(ctx, m, collections, checkpoint)
}

// execute runs the forward action (from checkpoint, when resuming) and
// handles the completed/failed/rolled_back/rollback_failed bookkeeping.
func (c *Coordinator) execute(ctx context.Context, m Migration, collections []string, checkpoint []byte) error {
	start := time.Now()
	if err := c.meta.putRecord(ctx, Record{
		ID:        m.ID,
		Status:    StatusInProgress,
		StartTime: start.UnixMilli(),
	}); err != nil {
		return fmt.Errorf("failed to mark migration %q in progress: %w", m.ID, err)
	}
	c.log.Info("running migration",
		zap.String("id", m.ID),
		zap.Uint64("version", m.Version),
		zap.Bool("checkpointed", m.Checkpointed))

	var execErr error
	if m.Checkpointed {
		execErr = c.runBatches(ctx, m, collections, checkpoint)
	} else {
		execErr = c.sup.Execute(ctx, collections, engine.ReadWrite,
			txnsupervisor.UnitOfWork(m.Up), c.actionOptions())
	}

	if execErr == nil {
		end := time.Now()
		if m.Checkpointed {
			if err := c.meta.deleteCheckpoint(ctx, m.ID); err != nil {
				return fmt.Errorf("failed to clear checkpoint for %q: %w", m.ID, err)
			}
		}
		if err := c.meta.putRecord(ctx, Record{
			ID:         m.ID,
			Status:     StatusCompleted,
			StartTime:  start.UnixMilli(),
			EndTime:    end.UnixMilli(),
			DurationMs: end.Sub(start).Milliseconds(),
		}); err != nil {
			return fmt.Errorf("failed to mark migration %q completed: %w", m.ID, err)
		}
		c.log.Info("migration completed",
			zap.String("id", m.ID),
			zap.Duration("took", end.Sub(start)))
		if c.metrics != nil {
			c.metrics.CompletedCounter.Add(ctx, 1)
			c.metrics.DurationHistogram.Record(ctx, end.Sub(start).Milliseconds())
		}
		return nil
	}

	// Forward action failed.
	if err := c.meta.putRecord(ctx, Record{
		ID:        m.ID,
		Status:    StatusFailed,
		StartTime: start.UnixMilli(),
		Error:     execErr.Error(),
	}); err != nil {
		return fmt.Errorf("failed to mark migration %q failed: %w", m.ID, err)
	}
	c.log.Error("migration failed", zap.String("id", m.ID), zap.Error(execErr))
	if c.metrics != nil {
		c.metrics.FailedCounter.Add(ctx, 1)
	}

	if m.Down == nil {
		return wrap(ErrMigrationFailed, execErr)
	}

	rollbackErr := c.sup.Execute(ctx, collections, engine.ReadWrite,
		txnsupervisor.UnitOfWork(m.Down), c.actionOptions())
	if rollbackErr != nil {
		if err := c.meta.putRecord(ctx, Record{
			ID:        m.ID,
			Status:    StatusRollbackFailed,
			StartTime: start.UnixMilli(),
			Error:     rollbackErr.Error(),
		}); err != nil {
			c.log.Error("failed to record rollback failure", zap.String("id", m.ID), zap.Error(err))
		}
		c.log.Error("migration rollback failed, store may hold a half-migrated schema",
			zap.String("id", m.ID),
			zap.Error(rollbackErr))
		return wrap(ErrRollbackFailed, rollbackErr)
	}

	if err := c.meta.putRecord(ctx, Record{
		ID:        m.ID,
		Status:    StatusRolledBack,
		StartTime: start.UnixMilli(),
		Error:     execErr.Error(),
	}); err != nil {
		return fmt.Errorf("failed to mark migration %q rolled back: %w", m.ID, err)
	}
	c.log.Warn("migration rolled back", zap.String("id", m.ID))
	if c.metrics != nil {
		c.metrics.RolledBackCounter.Add(ctx, 1)
	}
	return wrap(ErrMigrationFailed, execErr)
}

// runBatches drives a checkpointed migration: one supervised transaction
// per batch, the next checkpoint persisted before continuing, and a
// scheduling yield between batches so the host is never blocked for the
// whole migration.
func (c *Coordinator) runBatches(ctx context.Context, m Migration, collections []string, checkpoint []byte) error {
	batchSize := m.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	for {
		var next []byte
		var done bool
		err := c.sup.Execute(ctx, collections, engine.ReadWrite,
			func(ctx context.Context, scope *txnsupervisor.Scope) error {
				var batchErr error
				next, done, batchErr = m.Batch(ctx, scope, checkpoint, batchSize)
				return batchErr
			}, c.actionOptions())
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := c.meta.saveCheckpoint(ctx, m.ID, next); err != nil {
			return fmt.Errorf("failed to persist checkpoint for %q: %w", m.ID, err)
		}
		checkpoint = next
		runtime.Gosched()
	}
}

func (c *Coordinator) actionOptions() txnsupervisor.Options {
	return txnsupervisor.Options{Timeout: c.txnTimeout, StrictAsync: true}
}
