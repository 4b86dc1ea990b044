package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/swarmguard/taskqueue/internal/brokererr"
)

// RegisterWorker records a new worker. A second Register for the same id
// without an intervening Deregister is rejected (spec §6's AlreadyRegistered
// case): the worker process is expected to restart cleanly, not double up.
func (d *Dispatcher) RegisterWorker(ctx context.Context, workerID string) error {
	if _, ok := d.registry.Get(workerID); ok {
		return brokererr.Conflict(fmt.Sprintf("worker %s is already registered", workerID))
	}
	d.registry.Register(workerID, time.Now().UTC())
	return nil
}

// DeregisterWorker removes workerID, releasing every task it still held a
// lease on back through the same reclaim path a lease timeout uses.
func (d *Dispatcher) DeregisterWorker(ctx context.Context, workerID string) error {
	claimed := d.registry.Deregister(workerID)
	for _, taskID := range claimed {
		if err := d.reclaim(ctx, taskID, "worker deregistered"); err != nil {
			d.logger.Error("reclaim on deregister failed", "task_id", taskID, "worker_id", workerID, "error", err)
		}
	}
	return nil
}

// Heartbeat records workerID's liveness and load, auto-registering it if
// unknown (a worker that reconnected after a broker restart has no record
// yet — spec §4.D).
func (d *Dispatcher) Heartbeat(ctx context.Context, workerID string, cpuPercent, memoryMB float64) {
	d.registry.Heartbeat(workerID, time.Now().UTC(), cpuPercent, memoryMB)
}

// WorkerSnapshot is a point-in-time view of one registered worker, as
// returned by ListWorkers.
type WorkerSnapshot struct {
	WorkerID      string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	CPUPercent    float64
	MemoryMB      float64
	ClaimedCount  int
}

// ListWorkers returns a snapshot of every registered worker.
func (d *Dispatcher) ListWorkers() []WorkerSnapshot {
	recs := d.registry.List()
	out := make([]WorkerSnapshot, 0, len(recs))
	for _, r := range recs {
		out = append(out, WorkerSnapshot{
			WorkerID:      r.WorkerID,
			RegisteredAt:  r.RegisteredAt,
			LastHeartbeat: r.LastHeartbeat,
			CPUPercent:    r.CPUPercent,
			MemoryMB:      r.MemoryMB,
			ClaimedCount:  len(r.ClaimedTaskIDs),
		})
	}
	return out
}
