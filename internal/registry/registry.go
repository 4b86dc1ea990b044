// Package registry tracks live worker processes (spec §4.D): heartbeats,
// reported load, and claimed-task membership. Styled after
// CancellationManager's map-plus-RWMutex bookkeeping, since both are
// in-memory-only, high-churn, read-heavy registries.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/taskqueue/internal/domain"
)

// Registry is the in-memory worker registry. Never persisted: on restart,
// workers re-establish themselves through Heartbeat/Register as they
// reconnect (spec §9, matching the original broker's recovery semantics).
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*domain.WorkerRecord
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{workers: make(map[string]*domain.WorkerRecord)}
}

// Register adds or replaces workerID's record, resetting its claimed-task
// set. Called on an explicit Register message; a heartbeat from an unknown
// workerID creates its record in Heartbeat instead.
func (r *Registry) Register(workerID string, now time.Time) *domain.WorkerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := &domain.WorkerRecord{
		WorkerID:       workerID,
		RegisteredAt:   now,
		LastHeartbeat:  now,
		ClaimedTaskIDs: make(map[uuid.UUID]struct{}),
	}
	r.workers[workerID] = rec
	return rec
}

// Deregister removes workerID from the registry, returning the ids it had
// claimed so the caller can release them back to the ready-set.
func (r *Registry) Deregister(workerID string) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[workerID]
	if !ok {
		return nil
	}
	delete(r.workers, workerID)
	return claimedIDs(rec)
}

// Heartbeat records workerID's liveness and load report, auto-registering
// an unknown worker (a worker that reconnected after a broker restart has
// no record to update yet).
func (r *Registry) Heartbeat(workerID string, now time.Time, cpuPercent, memoryMB float64) *domain.WorkerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[workerID]
	if !ok {
		rec = &domain.WorkerRecord{
			WorkerID:       workerID,
			RegisteredAt:   now,
			ClaimedTaskIDs: make(map[uuid.UUID]struct{}),
		}
		r.workers[workerID] = rec
	}
	rec.LastHeartbeat = now
	rec.CPUPercent = cpuPercent
	rec.MemoryMB = memoryMB
	return rec
}

// MarkClaimed records that workerID now holds taskID's lease.
func (r *Registry) MarkClaimed(workerID string, taskID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[workerID]
	if !ok {
		return
	}
	rec.ClaimedTaskIDs[taskID] = struct{}{}
}

// MarkReleased records that workerID no longer holds taskID's lease (the
// task completed, failed, or was reassigned after a lease expiry).
func (r *Registry) MarkReleased(workerID string, taskID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[workerID]
	if !ok {
		return
	}
	delete(rec.ClaimedTaskIDs, taskID)
}

// Get returns workerID's record, if present.
func (r *Registry) Get(workerID string) (*domain.WorkerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.workers[workerID]
	return rec, ok
}

// List returns every registered worker's record.
func (r *Registry) List() []*domain.WorkerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.WorkerRecord, 0, len(r.workers))
	for _, rec := range r.workers {
		out = append(out, rec)
	}
	return out
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// SweepDead removes every worker whose last heartbeat is older than timeout
// and returns, per dead worker, the task ids it had claimed — the
// dispatcher's dead-worker sweep uses this to release those leases back to
// the ready-set (spec §8, worker crash recovery scenario).
func (r *Registry) SweepDead(now time.Time, timeout time.Duration) map[string][]uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	dead := make(map[string][]uuid.UUID)
	for id, rec := range r.workers {
		if now.Sub(rec.LastHeartbeat) >= timeout {
			dead[id] = claimedIDs(rec)
			delete(r.workers, id)
		}
	}
	return dead
}

func claimedIDs(rec *domain.WorkerRecord) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(rec.ClaimedTaskIDs))
	for id := range rec.ClaimedTaskIDs {
		ids = append(ids, id)
	}
	return ids
}
