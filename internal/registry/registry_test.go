package registry

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestHeartbeatAutoRegistersUnknownWorker(t *testing.T) {
	r := New()
	now := time.Now()
	rec := r.Heartbeat("worker-1", now, 12.5, 256)
	if rec.WorkerID != "worker-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if r.Count() != 1 {
		t.Fatalf("expected 1 registered worker, got %d", r.Count())
	}
}

func TestMarkClaimedAndReleased(t *testing.T) {
	r := New()
	now := time.Now()
	r.Register("worker-1", now)
	taskID := uuid.New()

	r.MarkClaimed("worker-1", taskID)
	rec, _ := r.Get("worker-1")
	if _, ok := rec.ClaimedTaskIDs[taskID]; !ok {
		t.Fatal("expected task to be recorded as claimed")
	}

	r.MarkReleased("worker-1", taskID)
	if _, ok := rec.ClaimedTaskIDs[taskID]; ok {
		t.Fatal("expected task to be released")
	}
}

func TestDeregisterReturnsClaimedTasks(t *testing.T) {
	r := New()
	now := time.Now()
	r.Register("worker-1", now)
	a, b := uuid.New(), uuid.New()
	r.MarkClaimed("worker-1", a)
	r.MarkClaimed("worker-1", b)

	claimed := r.Deregister("worker-1")
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed tasks returned, got %d", len(claimed))
	}
	if r.Count() != 0 {
		t.Fatalf("expected worker removed, count=%d", r.Count())
	}
}

func TestSweepDeadRemovesStaleWorkersOnly(t *testing.T) {
	r := New()
	now := time.Now()
	r.Register("alive", now)
	r.Register("dead", now.Add(-time.Minute))
	taskID := uuid.New()
	r.MarkClaimed("dead", taskID)

	dead := r.SweepDead(now, 30*time.Second)
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead worker, got %d", len(dead))
	}
	claimed, ok := dead["dead"]
	if !ok || len(claimed) != 1 || claimed[0] != taskID {
		t.Fatalf("expected dead worker's claimed task returned, got %v ok=%v", claimed, ok)
	}
	if r.Count() != 1 {
		t.Fatalf("expected only the alive worker to remain, count=%d", r.Count())
	}
	if _, ok := r.Get("alive"); !ok {
		t.Fatal("expected alive worker to still be registered")
	}
}

func TestListReturnsAllWorkers(t *testing.T) {
	r := New()
	now := time.Now()
	r.Register("a", now)
	r.Register("b", now)
	if len(r.List()) != 2 {
		t.Fatalf("expected 2 workers listed, got %d", len(r.List()))
	}
}
