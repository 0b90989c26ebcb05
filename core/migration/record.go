package migration

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/stratum-db/stratum/core/engine"
	"github.com/stratum-db/stratum/core/txnsupervisor"
)

// MetaCollection is the default name of the migration metadata collection.
// It must exist before Run is called; the connection orchestrator creates it
// during schema setup.
const MetaCollection = "_stratum_migrations"

const checkpointSuffix = "_checkpoint"

// Status is the recorded phase of one migration id. Statuses only move
// forward; records are never deleted so the collection doubles as an audit
// trail.
type Status string

const (
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusRolledBack     Status = "rolled_back"
	StatusRollbackFailed Status = "rollback_failed"
)

// Record is the persisted metadata for one migration id.
type Record struct {
	ID         string `json:"id"`
	Status     Status `json:"status"`
	Timestamp  int64  `json:"timestamp"`
	StartTime  int64  `json:"startTime,omitempty"`
	EndTime    int64  `json:"endTime,omitempty"`
	DurationMs int64  `json:"duration,omitempty"`
	Error      string `json:"error,omitempty"`
}

type checkpointRecord struct {
	Checkpoint []byte `json:"checkpoint"`
	Timestamp  int64  `json:"timestamp"`
}

// metaStore reads and writes migration metadata through the supervisor so
// record updates get the same deadline and safety treatment as everything
// else.
type metaStore struct {
	sup        *txnsupervisor.Supervisor
	collection string
}

func (s *metaStore) putRecord(ctx context.Context, rec Record) error {
	rec.Timestamp = time.Now().UnixMilli()
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.put(ctx, rec.ID, raw)
}

// loadRecords returns every migration record keyed by id. Checkpoint
// entries live in the same collection and are skipped by key suffix.
func (s *metaStore) loadRecords(ctx context.Context) (map[string]Record, error) {
	records := make(map[string]Record)
	err := s.sup.Execute(ctx, []string{s.collection}, engine.ReadOnly,
		func(ctx context.Context, scope *txnsupervisor.Scope) error {
			coll, err := scope.Collection(s.collection)
			if err != nil {
				return err
			}
			cur, err := coll.Scan(engine.KeyRange{})
			if err != nil {
				return err
			}
			defer cur.Close()
			for cur.Next() {
				if strings.HasSuffix(string(cur.Key()), checkpointSuffix) {
					continue
				}
				var rec Record
				if err := json.Unmarshal(cur.Value(), &rec); err != nil {
					return err
				}
				records[rec.ID] = rec
			}
			return cur.Err()
		}, txnsupervisor.Options{})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *metaStore) saveCheckpoint(ctx context.Context, id string, checkpoint []byte) error {
	raw, err := json.Marshal(checkpointRecord{
		Checkpoint: checkpoint,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return s.put(ctx, id+checkpointSuffix, raw)
}

// loadCheckpoint returns the saved checkpoint for id, or found=false.
func (s *metaStore) loadCheckpoint(ctx context.Context, id string) (checkpoint []byte, found bool, err error) {
	err = s.sup.Execute(ctx, []string{s.collection}, engine.ReadOnly,
		func(ctx context.Context, scope *txnsupervisor.Scope) error {
			coll, err := scope.Collection(s.collection)
			if err != nil {
				return err
			}
			p, err := coll.Get([]byte(id + checkpointSuffix))
			if err != nil {
				return err
			}
			raw, err := p.Await(ctx)
			if err != nil {
				return err
			}
			var rec checkpointRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			checkpoint = rec.Checkpoint
			found = true
			return nil
		}, txnsupervisor.Options{})
	if err != nil && errors.Is(err, engine.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return checkpoint, found, nil
}

func (s *metaStore) deleteCheckpoint(ctx context.Context, id string) error {
	return s.sup.Execute(ctx, []string{s.collection}, engine.ReadWrite,
		func(ctx context.Context, scope *txnsupervisor.Scope) error {
			coll, err := scope.Collection(s.collection)
			if err != nil {
				return err
			}
			p, err := coll.Delete([]byte(id + checkpointSuffix))
			if err != nil {
				return err
			}
			_, err = p.Await(ctx)
			return err
		}, txnsupervisor.Options{})
}

func (s *metaStore) put(ctx context.Context, key string, value []byte) error {
	return s.sup.Execute(ctx, []string{s.collection}, engine.ReadWrite,
		func(ctx context.Context, scope *txnsupervisor.Scope) error {
			coll, err := scope.Collection(s.collection)
			if err != nil {
				return err
			}
			p, err := coll.Put([]byte(key), value)
			if err != nil {
				return err
			}
			_, err = p.Await(ctx)
			return err
		}, txnsupervisor.Options{})
}
