// Package queue implements the in-memory ready-set (spec §4.C): the
// priority-ordered working set of tasks eligible for dispatch right now.
// container/heap is the one stdlib exception in this codebase — no example
// in the retrieved corpus ships a generic priority heap, so there is no
// third-party type to defer to here, unlike the store, WAL or transport
// layers where bbolt, cron and the semaphore package do the job instead.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

// readyEntry orders the same way the original broker's BinaryHeap does:
// priority descending, then scheduled_at ascending, then created_at
// ascending, so ties among equal-priority due tasks favor the oldest.
type readyEntry struct {
	id          uuid.UUID
	priority    uint8
	scheduledAt time.Time
	createdAt   time.Time
	index       int
}

type entryHeap []*readyEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.scheduledAt.Equal(b.scheduledAt) {
		return a.scheduledAt.Before(b.scheduledAt)
	}
	return a.createdAt.Before(b.createdAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*readyEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// ReadySet is the dispatcher's single in-memory priority queue. One mutex
// guards both the heap and the id index, matching the spec's single-lock
// concurrency model for this component (§5).
type ReadySet struct {
	mu   sync.Mutex
	heap entryHeap
	byID map[uuid.UUID]*readyEntry
}

// New returns an empty ready-set.
func New() *ReadySet {
	return &ReadySet{
		byID: make(map[uuid.UUID]*readyEntry),
	}
}

// Push adds id to the ready-set, or updates its ordering key in place if id
// is already present.
func (r *ReadySet) Push(id uuid.UUID, priority uint8, scheduledAt, createdAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[id]; ok {
		existing.priority = priority
		existing.scheduledAt = scheduledAt
		existing.createdAt = createdAt
		heap.Fix(&r.heap, existing.index)
		return
	}

	e := &readyEntry{id: id, priority: priority, scheduledAt: scheduledAt, createdAt: createdAt}
	heap.Push(&r.heap, e)
	r.byID[id] = e
}

// Peek returns the id at the front of the queue without removing it.
func (r *ReadySet) Peek() (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.heap) == 0 {
		return uuid.UUID{}, false
	}
	return r.heap[0].id, true
}

// Pop removes and returns the highest-priority ready id.
func (r *ReadySet) Pop() (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.heap) == 0 {
		return uuid.UUID{}, false
	}
	e := heap.Pop(&r.heap).(*readyEntry)
	delete(r.byID, e.id)
	return e.id, true
}

// Remove drops id from the ready-set if present (used by CancelTask). It is
// a no-op if id is not currently in the set, e.g. a Pending task whose
// scheduled_at has not arrived yet.
func (r *ReadySet) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&r.heap, e.index)
	delete(r.byID, id)
	return true
}

// Contains reports whether id currently sits in the ready-set.
func (r *ReadySet) Contains(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byID[id]
	return ok
}

// Len returns the number of ready tasks.
func (r *ReadySet) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.heap)
}

// TierCounts tallies ready tasks by coarse priority tier, for GetStats's
// per-tier queue depth without a store scan.
func (r *ReadySet) TierCounts() (high, normal, low int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.heap {
		switch {
		case e.priority >= 200:
			high++
		case e.priority >= 100:
			normal++
		default:
			low++
		}
	}
	return
}
