// Package store implements the persistent, status-partitioned task store
// (spec §4.A) on top of BoltDB, the way orchestrator/persistence.go's
// WorkflowStore layers a workflow store on bbolt: one bucket per partition,
// secondary index buckets updated in the same transaction, and per-operation
// latency histograms.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskqueue/internal/domain"
)

var partitionBuckets = map[domain.Status][]byte{
	domain.StatusPending:    []byte("pending"),
	domain.StatusInProgress: []byte("in_progress"),
	domain.StatusCompleted:  []byte("completed"),
	domain.StatusFailed:     []byte("failed"),
	domain.StatusDeadLetter: []byte("dead_letter"),
}

var allStatuses = []domain.Status{
	domain.StatusPending,
	domain.StatusInProgress,
	domain.StatusCompleted,
	domain.StatusFailed,
	domain.StatusDeadLetter,
}

var (
	bucketIdxType     = []byte("idx_type")
	bucketIdxPriority = []byte("idx_priority")
)

// Store is the durable, partitioned task store.
type Store struct {
	db *bbolt.DB

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open creates or opens the store's BoltDB file at dbPath, creating every
// partition and index bucket that does not yet exist.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(dbPath, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range partitionBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		for _, b := range [][]byte{bucketIdxType, bucketIdxPriority} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create store buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("tq_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("tq_store_write_ms")

	return &Store{db: db, readLatency: readLatency, writeLatency: writeLatency}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func idKey(id uuid.UUID) []byte {
	b, _ := id.MarshalBinary()
	return b
}

func priorityKey(priority uint8, id uuid.UUID) []byte {
	key := make([]byte, 1+16)
	key[0] = 255 - priority // descending sort under ascending cursor walk
	copy(key[1:], idKey(id))
	return key
}

func typeKey(taskType string, id uuid.UUID) []byte {
	key := append([]byte(taskType), 0x00)
	return append(key, idKey(id)...)
}

func marshalTask(t *domain.Task) ([]byte, error) { return json.Marshal(t) }

func unmarshalTask(data []byte) (*domain.Task, error) {
	var t domain.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Put writes task into the partition matching task.Status, creating or
// overwriting the secondary index entries in the same transaction.
func (s *Store) Put(ctx context.Context, t *domain.Task) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "put")))
	}()

	bucketName, ok := partitionBuckets[t.Status]
	if !ok {
		return fmt.Errorf("unknown status %q", t.Status)
	}
	data, err := marshalTask(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketName).Put(idKey(t.ID), data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketIdxType).Put(typeKey(t.TaskType, t.ID), []byte(t.Status)); err != nil {
			return err
		}
		return tx.Bucket(bucketIdxPriority).Put(priorityKey(t.Priority, t.ID), []byte(t.Status))
	})
}

// Get searches every partition for id, returning the first hit.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.Task, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "get")))
	}()

	var found *domain.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := idKey(id)
		for _, status := range allStatuses {
			data := tx.Bucket(partitionBuckets[status]).Get(key)
			if data == nil {
				continue
			}
			t, err := unmarshalTask(data)
			if err != nil {
				return err
			}
			found = t
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return found, found != nil, nil
}

// Mutator transforms a task record as part of Move; it must set t.Status to
// the destination partition's status (Move writes wherever t.Status ends up).
type Mutator func(t *domain.Task)

// Move atomically removes id from the `from` partition, applies mutator, and
// writes the result to the partition matching the mutated status — all in a
// single bbolt transaction, so a crash mid-move leaves the task in exactly
// one partition (never both, never neither).
func (s *Store) Move(ctx context.Context, id uuid.UUID, from domain.Status, mutator Mutator) (*domain.Task, error) {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "move")))
	}()

	fromBucket, ok := partitionBuckets[from]
	if !ok {
		return nil, fmt.Errorf("unknown status %q", from)
	}

	var result *domain.Task
	err := s.db.Update(func(tx *bbolt.Tx) error {
		key := idKey(id)
		data := tx.Bucket(fromBucket).Get(key)
		if data == nil {
			return fmt.Errorf("task %s not in partition %s", id, from)
		}
		t, err := unmarshalTask(data)
		if err != nil {
			return err
		}
		if err := tx.Bucket(fromBucket).Delete(key); err != nil {
			return err
		}

		mutator(t)
		t.UpdatedAt = time.Now().UTC()

		toBucket, ok := partitionBuckets[t.Status]
		if !ok {
			return fmt.Errorf("mutator produced unknown status %q", t.Status)
		}
		newData, err := marshalTask(t)
		if err != nil {
			return err
		}
		if err := tx.Bucket(toBucket).Put(key, newData); err != nil {
			return err
		}
		if err := tx.Bucket(bucketIdxType).Put(typeKey(t.TaskType, t.ID), []byte(t.Status)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketIdxPriority).Put(priorityKey(t.Priority, t.ID), []byte(t.Status)); err != nil {
			return err
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes id from the named partition and its index entries.
func (s *Store) Delete(ctx context.Context, id uuid.UUID, status domain.Status) error {
	bucketName, ok := partitionBuckets[status]
	if !ok {
		return fmt.Errorf("unknown status %q", status)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := idKey(id)
		data := tx.Bucket(bucketName).Get(key)
		if data == nil {
			return nil
		}
		t, err := unmarshalTask(data)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketName).Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketIdxType).Delete(typeKey(t.TaskType, t.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketIdxPriority).Delete(priorityKey(t.Priority, t.ID))
	})
}

// List returns up to limit tasks from status's partition, skipping offset,
// ordered by id (bbolt's natural key order) for stable pagination.
func (s *Store) List(ctx context.Context, status domain.Status, limit, offset int) ([]*domain.Task, error) {
	bucketName, ok := partitionBuckets[status]
	if !ok {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	var out []*domain.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if len(out) >= limit {
				break
			}
			t, err := unmarshalTask(v)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

// Count returns the number of tasks in status's partition.
func (s *Store) Count(ctx context.Context, status domain.Status) (int, error) {
	bucketName, ok := partitionBuckets[status]
	if !ok {
		return 0, fmt.Errorf("unknown status %q", status)
	}
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	return n, err
}

// ListByType scans the type index for taskType and resolves each id through
// the partition it currently lives in (the index value), skipping entries
// whose partition lookup misses (deleted between index write and read).
func (s *Store) ListByType(ctx context.Context, taskType string, limit int) ([]*domain.Task, error) {
	var out []*domain.Task
	prefix := append([]byte(taskType), 0x00)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketIdxType).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if len(out) >= limit {
				break
			}
			id, err := uuid.FromBytes(k[len(prefix):])
			if err != nil {
				continue
			}
			status := domain.Status(v)
			bucketName, ok := partitionBuckets[status]
			if !ok {
				continue
			}
			data := tx.Bucket(bucketName).Get(idKey(id))
			if data == nil {
				continue
			}
			t, err := unmarshalTask(data)
			if err != nil {
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

// IterScheduledUpTo enumerates Pending tasks whose ScheduledAt <= t, ordered
// (priority desc, scheduled_at asc). The pending partition is scanned in
// full and sorted in memory — O(n_pending) on every call, including the
// ready-set rebuild at startup and the dispatcher's periodic promote sweep.
func (s *Store) IterScheduledUpTo(ctx context.Context, t time.Time) ([]*domain.Task, error) {
	pending, err := s.List(ctx, domain.StatusPending, 1<<30, 0)
	if err != nil {
		return nil, err
	}
	out := pending[:0]
	for _, task := range pending {
		if !task.ScheduledAt.After(t) {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Stats returns raw bucket sizes, mirroring WorkflowStore.GetStats.
func (s *Store) Stats() map[string]int {
	stats := make(map[string]int)
	s.db.View(func(tx *bbolt.Tx) error {
		for status, bucketName := range partitionBuckets {
			stats[string(status)] = tx.Bucket(bucketName).Stats().KeyN
		}
		return nil
	})
	return stats
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
