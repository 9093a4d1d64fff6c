// Package store persists sweep schedules and an audit trail of
// invalidation calls in BoltDB, the same embedded, pure-Go, single-file
// database the orchestrator used for workflow and execution records —
// chosen there, and here, over an external database so incgraphd has no
// deployment dependency beyond a writable directory.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	bucketSchedules    = []byte("sweep_schedules")
	bucketInvalidation = []byte("invalidation_records")
)

// SweepSchedule is the persisted configuration internal/sweep restores
// on startup. PredicateLabel stands in for the predicate function
// itself, which cannot be serialized — directly analogous to the
// teacher's ScheduleConfig.WorkflowName standing in for a closure.
type SweepSchedule struct {
	Name           string `json:"name"`
	CronExpr       string `json:"cron_expr"`
	PredicateLabel string `json:"predicate_label"`
	Enabled        bool   `json:"enabled"`
}

// InvalidationRecord is appended once per InvalidateFromRoots call, for
// operator audit. It carries counts only, never node identities or
// results — the store never reads the graph.
type InvalidationRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	Cleared        int       `json:"cleared"`
	Dirtied        int       `json:"dirtied"`
	PredicateLabel string    `json:"predicate_label"`
}

// Store wraps a BoltDB handle with schedule and invalidation-history
// buckets plus a hot in-memory cache of schedules, mirroring the
// orchestrator's WorkflowStore cache-then-disk pattern.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex

	scheduleCache map[string]SweepSchedule

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open creates (if needed) the database at path and loads persisted
// schedules into the memory cache.
func Open(path string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSchedules, bucketInvalidation} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("incgraph_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("incgraph_store_write_ms")

	s := &Store{db: db, scheduleCache: make(map[string]SweepSchedule), readLatency: readLatency, writeLatency: writeLatency}
	if err := s.warmCache(); err != nil {
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var sched SweepSchedule
			if err := json.Unmarshal(v, &sched); err != nil {
				return nil
			}
			s.scheduleCache[sched.Name] = sched
			return nil
		})
	})
}

// PutSchedule persists sched and updates the memory cache.
func (s *Store) PutSchedule(ctx context.Context, sched SweepSchedule) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_schedule")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(sched.Name), data)
	}); err != nil {
		return fmt.Errorf("write schedule: %w", err)
	}
	s.scheduleCache[sched.Name] = sched
	return nil
}

// DeleteSchedule removes a schedule by name.
func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(name))
	}); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	delete(s.scheduleCache, name)
	return nil
}

// ListSchedules returns every persisted schedule, served from cache.
func (s *Store) ListSchedules(ctx context.Context) ([]SweepSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SweepSchedule, 0, len(s.scheduleCache))
	for _, sched := range s.scheduleCache {
		out = append(out, sched)
	}
	return out, nil
}

// RecordInvalidation appends rec to the invalidation audit trail. It
// never reads or touches any Graph.
func (s *Store) RecordInvalidation(ctx context.Context, rec InvalidationRecord) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "record_invalidation")))
	}()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal invalidation record: %w", err)
	}
	key := fmt.Sprintf("%020d", rec.Timestamp.UnixNano())
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInvalidation).Put([]byte(key), data)
	})
}

// RecentInvalidations returns the n most recent invalidation records, in
// reverse-chronological order, independent of any Graph state.
func (s *Store) RecentInvalidations(ctx context.Context, n int) ([]InvalidationRecord, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "recent_invalidations")))
	}()

	var recs []InvalidationRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketInvalidation).Cursor()
		for k, v := cursor.Last(); k != nil && len(recs) < n; k, v = cursor.Prev() {
			var rec InvalidationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}
