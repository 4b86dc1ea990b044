package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPopOrdersByPriorityDescending(t *testing.T) {
	r := New()
	now := time.Now()
	low, high, mid := uuid.New(), uuid.New(), uuid.New()
	r.Push(low, 10, now, now)
	r.Push(high, 250, now, now)
	r.Push(mid, 150, now, now)

	order := []uuid.UUID{}
	for {
		id, ok := r.Pop()
		if !ok {
			break
		}
		order = append(order, id)
	}
	if order[0] != high || order[1] != mid || order[2] != low {
		t.Fatalf("expected high,mid,low order, got %v", order)
	}
}

func TestPopTiesBreakOnScheduledThenCreated(t *testing.T) {
	r := New()
	base := time.Now()
	older := uuid.New()
	newer := uuid.New()

	r.Push(newer, 100, base, base.Add(time.Minute))
	r.Push(older, 100, base, base)

	id, _ := r.Pop()
	if id != older {
		t.Fatalf("expected the older-created task first on a priority tie, got %s", id)
	}
}

func TestPushUpdatesExistingEntryInPlace(t *testing.T) {
	r := New()
	now := time.Now()
	id := uuid.New()
	r.Push(id, 50, now, now)
	r.Push(id, 250, now, now)

	if r.Len() != 1 {
		t.Fatalf("expected re-push to update in place, got len %d", r.Len())
	}
	popped, ok := r.Pop()
	if !ok || popped != id {
		t.Fatalf("expected updated entry to pop, got %s ok=%v", popped, ok)
	}
}

func TestRemoveDropsEntryFromMiddleOfHeap(t *testing.T) {
	r := New()
	now := time.Now()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	r.Push(a, 255, now, now)
	r.Push(b, 150, now, now)
	r.Push(c, 0, now, now)

	if !r.Remove(b) {
		t.Fatal("expected Remove to report success for a present id")
	}
	if r.Remove(b) {
		t.Fatal("expected a second Remove of the same id to report false")
	}
	if r.Contains(b) {
		t.Fatal("expected b to be gone")
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 entries left, got %d", r.Len())
	}
}

func TestTierCounts(t *testing.T) {
	r := New()
	now := time.Now()
	r.Push(uuid.New(), 250, now, now)
	r.Push(uuid.New(), 120, now, now)
	r.Push(uuid.New(), 30, now, now)
	r.Push(uuid.New(), 210, now, now)

	high, normal, low := r.TierCounts()
	if high != 2 || normal != 1 || low != 1 {
		t.Fatalf("expected high=2 normal=1 low=1, got high=%d normal=%d low=%d", high, normal, low)
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	r := New()
	now := time.Now()
	id := uuid.New()
	r.Push(id, 100, now, now)

	peeked, ok := r.Peek()
	if !ok || peeked != id {
		t.Fatalf("expected peek to return %s, got %s ok=%v", id, peeked, ok)
	}
	if r.Len() != 1 {
		t.Fatal("expected Peek to leave the entry in place")
	}
}
