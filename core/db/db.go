// Package db ties the policy layers together behind one handle: it opens a
// versioned storage resource, provisions its collections through the upgrade
// hook, runs pending migrations under the cross-context migration lock, and
// exposes supervised transactions to the application.
package db

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/stratum-db/stratum/core/coordination"
	"github.com/stratum-db/stratum/core/engine"
	"github.com/stratum-db/stratum/core/migration"
	"github.com/stratum-db/stratum/core/txnsupervisor"
	"github.com/stratum-db/stratum/pkg/bus"
)

// Config describes one database to open.
type Config struct {
	// Name and Version identify the storage resource. Version must be at
	// least 1 and may only move forward.
	Name    string
	Version uint64

	// Collections are provisioned during the upgrade hook. The migration
	// metadata collection is always added.
	Collections []string

	// Migrations run in version order inside the upgrade hook, guarded by
	// the cross-context migration lock.
	Migrations []migration.Migration

	// Engine provides the storage. Required.
	Engine engine.Engine

	// Bus is the broadcast transport shared with other contexts using the
	// same resource. Nil means this is the only context.
	Bus bus.Bus

	Logger *zap.Logger
	// Meter registers the instrument bundles when set.
	Meter metric.Meter

	// TxnTimeout is the default supervised transaction timeout.
	TxnTimeout time.Duration
	// MigrationTxnTimeout bounds each migration action transaction.
	MigrationTxnTimeout time.Duration
	// Lock tunes the coordination protocol timers.
	Lock coordination.Config
}

func (c Config) validate() error {
	if c.Name == "" {
		return errors.New("config: Name is required")
	}
	if c.Version == 0 {
		return errors.New("config: Version must be at least 1")
	}
	if c.Engine == nil {
		return errors.New("config: Engine is required")
	}
	return nil
}

// DB is an open, migrated database handle.
type DB struct {
	name        string
	collections []string
	migrations  []migration.Migration
	log         *zap.Logger

	database engine.Database
	sup      *txnsupervisor.Supervisor
	coord    *coordination.Coordinator

	txnTimeout       time.Duration
	migrationTimeout time.Duration
	migMetrics       *migration.Metrics

	closed bool
}

// Open opens the named resource, provisions collections, and brings the
// stored schema up to Config.Version by running the pending migrations.
// Every failure aborts the open; a failed rollback surfaces as
// migration.ErrRollbackFailed and requires operator attention.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if err := cfg.validate(); err != nil {
		return nil, wrap(ErrOpenFailed, err)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("database", cfg.Name))

	txnMetrics, migMetrics, lockMetrics, err := buildMetrics(cfg.Meter)
	if err != nil {
		return nil, wrap(ErrOpenFailed, err)
	}

	coord := coordination.New(cfg.Bus, log, lockMetrics, cfg.Lock)
	if err := coord.Start(ctx); err != nil {
		return nil, wrap(ErrOpenFailed, err)
	}

	d := &DB{
		name:             cfg.Name,
		collections:      cfg.Collections,
		migrations:       cfg.Migrations,
		log:              log,
		coord:            coord,
		txnTimeout:       cfg.TxnTimeout,
		migrationTimeout: cfg.MigrationTxnTimeout,
		migMetrics:       migMetrics,
	}

	database, err := cfg.Engine.Open(ctx, cfg.Name, cfg.Version, func(ctx context.Context, u engine.Upgrade) error {
		for _, name := range append([]string{migration.MetaCollection}, cfg.Collections...) {
			if u.HasCollection(name) {
				continue
			}
			if err := u.CreateCollection(name); err != nil {
				return err
			}
		}
		if len(cfg.Migrations) == 0 {
			return nil
		}
		sup := txnsupervisor.New(u.Database(), log, txnMetrics)
		return d.runMigrations(ctx, sup, u.OldVersion(), u.NewVersion())
	})
	if err != nil {
		_ = coord.Close()
		if errors.Is(err, migration.ErrRollbackFailed) {
			return nil, err
		}
		return nil, wrap(ErrOpenFailed, err)
	}

	d.database = database
	d.sup = txnsupervisor.New(database, log, txnMetrics)
	log.Info("database open",
		zap.Uint64("version", database.Version()),
		zap.Strings("collections", database.Collections()))
	return d, nil
}

// runMigrations holds the migration lock, announces the run to peers, and
// drives the migration coordinator over (from, to].
func (d *DB) runMigrations(ctx context.Context, sup *txnsupervisor.Supervisor, from, to uint64) error {
	lockID := "migration:" + d.name
	return d.coord.WithLock(ctx, lockID, func(ctx context.Context) error {
		d.coord.AnnounceMigrationStart(ctx, d.name, to)
		defer d.coord.AnnounceMigrationComplete(ctx, d.name, to)

		mc := migration.NewCoordinator(sup, migration.MetaCollection, d.log, d.migMetrics)
		if d.migrationTimeout > 0 {
			mc.SetActionTimeout(d.migrationTimeout)
		}
		return mc.Run(ctx, d.migrations, from, to, d.collections)
	})
}

// Name returns the resource name.
func (d *DB) Name() string { return d.name }

// Version returns the stored schema version.
func (d *DB) Version() uint64 { return d.database.Version() }

// Collections returns the provisioned collection names.
func (d *DB) Collections() []string { return d.database.Collections() }

// Supervisor exposes the transaction supervisor bound to this database.
func (d *DB) Supervisor() *txnsupervisor.Supervisor { return d.sup }

// Coordinator exposes this context's lock protocol participant.
func (d *DB) Coordinator() *coordination.Coordinator { return d.coord }

// WithTransaction runs work in one supervised transaction. When opts leaves
// the timeout unset, the database-level default applies before the
// supervisor's own.
func (d *DB) WithTransaction(ctx context.Context, collections []string, mode engine.Mode, work txnsupervisor.UnitOfWork, opts txnsupervisor.Options) error {
	if d.closed {
		return ErrClosed
	}
	if opts.Timeout <= 0 && d.txnTimeout > 0 {
		opts.Timeout = d.txnTimeout
	}
	return d.sup.Execute(ctx, collections, mode, work, opts)
}

// WithCoordination runs fn while holding lockID across contexts.
func (d *DB) WithCoordination(ctx context.Context, lockID string, fn func(ctx context.Context) error) error {
	if d.closed {
		return ErrClosed
	}
	return d.coord.WithLock(ctx, lockID, fn)
}

// RunMigrations re-drives the migration list against the current stored
// version. Completed migrations are skipped; interrupted checkpointed ones
// resume from their saved checkpoint. Schema changes still require a
// version bump through Open; this only completes data migrations.
func (d *DB) RunMigrations(ctx context.Context) error {
	if d.closed {
		return ErrClosed
	}
	return d.runMigrations(ctx, d.sup, 0, d.database.Version())
}

// Close broadcasts departure to peer contexts and closes the engine handle.
func (d *DB) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	coordErr := d.coord.Close()
	engErr := d.database.Close()
	if engErr != nil {
		return engErr
	}
	return coordErr
}

func buildMetrics(meter metric.Meter) (*txnsupervisor.Metrics, *migration.Metrics, *coordination.Metrics, error) {
	if meter == nil {
		return nil, nil, nil, nil
	}
	txnM, err := txnsupervisor.NewMetrics(meter)
	if err != nil {
		return nil, nil, nil, err
	}
	migM, err := migration.NewMetrics(meter)
	if err != nil {
		return nil, nil, nil, err
	}
	lockM, err := coordination.NewMetrics(meter)
	if err != nil {
		return nil, nil, nil, err
	}
	return txnM, migM, lockM, nil
}
