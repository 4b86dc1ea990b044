package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskqueue/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "store.db"), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTask(priority uint8, taskType string) *domain.Task {
	now := time.Now().UTC()
	return &domain.Task{
		ID:             uuid.New(),
		TaskType:       taskType,
		Payload:        []byte("payload"),
		Priority:       priority,
		CreatedAt:      now,
		ScheduledAt:    now,
		TimeoutSeconds: 30,
		MaxRetries:     3,
		Status:         domain.StatusPending,
		UpdatedAt:      now,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask(150, "resize_image")

	if err := s.Put(ctx, task); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := s.Get(ctx, task.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.TaskType != task.TaskType || got.Priority != task.Priority {
		t.Fatalf("round-trip mismatch: got %+v", got)
	}
}

func TestMoveIsAtomicAcrossPartitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask(200, "send_email")
	if err := s.Put(ctx, task); err != nil {
		t.Fatalf("Put: %v", err)
	}

	moved, err := s.Move(ctx, task.ID, domain.StatusPending, func(t *domain.Task) {
		t.Status = domain.StatusInProgress
		t.WorkerID = "worker-1"
	})
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if moved.Status != domain.StatusInProgress || moved.WorkerID != "worker-1" {
		t.Fatalf("unexpected moved task: %+v", moved)
	}

	if n, _ := s.Count(ctx, domain.StatusPending); n != 0 {
		t.Fatalf("expected pending partition empty, got %d", n)
	}
	if n, _ := s.Count(ctx, domain.StatusInProgress); n != 1 {
		t.Fatalf("expected in_progress partition to hold 1, got %d", n)
	}

	_, ok, err := s.Get(ctx, task.ID)
	if err != nil || !ok {
		t.Fatalf("Get after move: ok=%v err=%v", ok, err)
	}
}

func TestMoveMissingSourceFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.Move(ctx, uuid.New(), domain.StatusPending, func(t *domain.Task) {})
	if err == nil {
		t.Fatal("expected error moving a task absent from the source partition")
	}
}

func TestDeleteRemovesIndices(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask(50, "archive")
	if err := s.Put(ctx, task); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, task.ID, domain.StatusPending); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, task.ID); ok {
		t.Fatal("expected task gone after delete")
	}
	byType, err := s.ListByType(ctx, "archive", 10)
	if err != nil {
		t.Fatalf("ListByType: %v", err)
	}
	if len(byType) != 0 {
		t.Fatalf("expected type index cleared, got %d entries", len(byType))
	}
}

func TestListByTypeFiltersByPrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := newTask(100, "resize_image")
	b := newTask(100, "resize_image_thumb")
	c := newTask(100, "send_email")
	for _, task := range []*domain.Task{a, b, c} {
		if err := s.Put(ctx, task); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := s.ListByType(ctx, "resize_image", 10)
	if err != nil {
		t.Fatalf("ListByType: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exact type match only (prefix separator blocks resize_image_thumb), got %d", len(got))
	}
	if got[0].ID != a.ID {
		t.Fatalf("expected task %s, got %s", a.ID, got[0].ID)
	}
}

func TestIterScheduledUpToOrdersByPriorityThenTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	low := newTask(50, "t")
	low.ScheduledAt = now.Add(-time.Minute)
	high := newTask(250, "t")
	high.ScheduledAt = now.Add(-time.Second)
	normalEarly := newTask(150, "t")
	normalEarly.ScheduledAt = now.Add(-2 * time.Minute)
	future := newTask(250, "t")
	future.ScheduledAt = now.Add(time.Hour)

	for _, task := range []*domain.Task{low, high, normalEarly, future} {
		if err := s.Put(ctx, task); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := s.IterScheduledUpTo(ctx, now)
	if err != nil {
		t.Fatalf("IterScheduledUpTo: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 due tasks, got %d", len(got))
	}
	if got[0].ID != high.ID {
		t.Fatalf("expected highest priority first, got %s", got[0].TaskType)
	}
	if got[1].ID != normalEarly.ID || got[2].ID != low.ID {
		t.Fatalf("expected normal then low priority, got order %v", got)
	}
}

func TestCountPerPartition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Put(ctx, newTask(100, "t")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	n, err := s.Count(ctx, domain.StatusPending)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 pending, got %d", n)
	}
	if n, _ := s.Count(ctx, domain.StatusCompleted); n != 0 {
		t.Fatalf("expected 0 completed, got %d", n)
	}
}

func TestStatsCoversAllPartitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := newTask(100, "t")
	if err := s.Put(ctx, task); err != nil {
		t.Fatalf("Put: %v", err)
	}
	stats := s.Stats()
	if len(stats) != len(partitionBuckets) {
		t.Fatalf("expected stats for all %d partitions, got %d", len(partitionBuckets), len(stats))
	}
	if stats[string(domain.StatusPending)] != 1 {
		t.Fatalf("expected pending count 1, got %d", stats[string(domain.StatusPending)])
	}
}
