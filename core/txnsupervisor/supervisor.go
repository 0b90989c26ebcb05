// Package txnsupervisor wraps engine transactions with deadline enforcement,
// async-safety monitoring, and structured error translation. It is the only
// component that opens transactions against the engine; everything above it
// (migrations, application operations) goes through Execute.
package txnsupervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/stratum-db/stratum/core/engine"
)

// DefaultTimeout bounds a supervised transaction when the caller does not
// pick one.
const DefaultTimeout = 5 * time.Second

// Options tune one Execute call.
type Options struct {
	// Timeout is the deadline for the whole unit of work including the
	// engine commit. Zero means DefaultTimeout.
	Timeout time.Duration
	// StrictAsync rejects starting a storage operation while a previously
	// returned handle is still unsettled. The interleaved-async pattern is
	// what silently invalidates an engine transaction, so it is forbidden
	// up front instead of detected after the fact.
	StrictAsync bool
}

// UnitOfWork is the caller-supplied body of a supervised transaction. It
// must do all storage access through the provided Scope.
type UnitOfWork func(ctx context.Context, scope *Scope) error

// Supervisor executes units of work against one open database.
type Supervisor struct {
	db      engine.Database
	log     *zap.Logger
	metrics *Metrics
}

// New creates a supervisor for db. metrics may be nil.
func New(db engine.Database, log *zap.Logger, metrics *Metrics) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{db: db, log: log, metrics: metrics}
}

// Database exposes the underlying handle for read-only inspection.
func (s *Supervisor) Database() engine.Database { return s.db }

// Execute opens a transaction scoped to collections in mode, runs work, and
// waits for the engine's commit acknowledgment. Deadline expiry while the
// transaction is still active forcibly aborts it and fails with
// ErrTransactionTimeout. Errors from work abort the transaction and are
// surfaced wrapped in ErrTransactionFailed unless they already carry one of
// this package's kinds.
func (s *Supervisor) Execute(ctx context.Context, collections []string, mode engine.Mode, work UnitOfWork, opts Options) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	txn, err := s.db.Begin(ctx, collections, mode)
	if err != nil {
		return wrap(ErrTransactionFailed, err)
	}

	sup := &supervised{
		id:     uuid.NewString(),
		txn:    txn,
		strict: opts.StrictAsync,
		state:  StateActive,
	}
	start := time.Now()
	s.count(ctx, s.counterStarted(), mode)

	workCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- work(workCtx, &Scope{sup: sup})
	}()

	select {
	case workErr := <-done:
		cancel()
		if workErr != nil {
			if ctx.Err() == nil && errors.Is(workErr, context.DeadlineExceeded) {
				// The unit of work gave up because our deadline fired.
				if sup.leaveActive(StateTimedOut) {
					_ = txn.Abort()
					s.log.Warn("transaction deadline exceeded, forcibly aborted",
						zap.String("txn_id", sup.id),
						zap.Duration("timeout", timeout),
						zap.Strings("collections", collections))
					s.count(ctx, s.counterTimedOut(), mode)
				}
				return ErrTransactionTimeout
			}
			s.abort(sup, workErr)
			s.count(ctx, s.counterAborted(), mode)
			if isSupervisorError(workErr) {
				return workErr
			}
			return wrap(ErrTransactionFailed, workErr)
		}
		if !sup.leaveActive(StateCommitting) {
			// The deadline raced the unit of work; the loser observes the
			// terminal state set by the winner.
			return s.terminalError(sup)
		}
		if err := txn.Commit(ctx); err != nil {
			sup.force(StateAborted)
			s.log.Warn("engine rejected commit",
				zap.String("txn_id", sup.id),
				zap.Error(err))
			s.count(ctx, s.counterAborted(), mode)
			return wrap(ErrTransactionFailed, err)
		}
		sup.force(StateCommitted)
		s.count(ctx, s.counterCommitted(), mode)
		if s.metrics != nil {
			s.metrics.DurationHistogram.Record(ctx, time.Since(start).Milliseconds(),
				metric.WithAttributes(attribute.String("mode", mode.String())))
		}
		return nil

	case <-workCtx.Done():
		if parentErr := ctx.Err(); parentErr != nil {
			s.abort(sup, parentErr)
			s.count(ctx, s.counterAborted(), mode)
			return wrap(ErrTransactionFailed, parentErr)
		}
		if sup.leaveActive(StateTimedOut) {
			_ = txn.Abort()
			s.log.Warn("transaction deadline exceeded, forcibly aborted",
				zap.String("txn_id", sup.id),
				zap.Duration("timeout", timeout),
				zap.Strings("collections", collections))
			s.count(ctx, s.counterTimedOut(), mode)
			return ErrTransactionTimeout
		}
		return s.terminalError(sup)
	}
}

func (s *Supervisor) abort(sup *supervised, cause error) {
	if sup.leaveActive(StateAborting) {
		_ = sup.txn.Abort()
		sup.force(StateAborted)
		s.log.Debug("transaction aborted",
			zap.String("txn_id", sup.id),
			zap.Error(cause))
	}
}

// terminalError maps a terminal state reached by a concurrent trigger onto
// the error the caller should see.
func (s *Supervisor) terminalError(sup *supervised) error {
	if sup.State() == StateTimedOut {
		return ErrTransactionTimeout
	}
	return ErrTransactionInactive
}

func isSupervisorError(err error) bool {
	return errors.Is(err, ErrTransactionTimeout) ||
		errors.Is(err, ErrTransactionInactive) ||
		errors.Is(err, ErrTransactionUnsafeAsync)
}

func (s *Supervisor) counterStarted() metric.Int64Counter {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.StartedCounter
}

func (s *Supervisor) counterCommitted() metric.Int64Counter {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.CommittedCounter
}

func (s *Supervisor) counterAborted() metric.Int64Counter {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.AbortedCounter
}

func (s *Supervisor) counterTimedOut() metric.Int64Counter {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.TimedOutCounter
}

func (s *Supervisor) count(ctx context.Context, c metric.Int64Counter, mode engine.Mode) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode.String())))
}

// supervised is the per-call transaction record. It is owned exclusively by
// the Execute call that created it and never shared across calls.
type supervised struct {
	id     string
	txn    engine.Txn
	strict bool

	mu       sync.Mutex
	state    State
	inflight engine.Pending
}

// State returns the current lifecycle position.
func (t *supervised) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// leaveActive performs the single allowed transition out of Active. It
// returns false if another trigger already moved the state; losers must
// treat that as a no-op.
func (t *supervised) leaveActive(to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return false
	}
	t.state = to
	return true
}

// force sets a terminal state from its corresponding transitional one.
func (t *supervised) force(to State) {
	t.mu.Lock()
	t.state = to
	t.mu.Unlock()
}
