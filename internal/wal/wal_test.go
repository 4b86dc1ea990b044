package wal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/taskqueue/internal/domain"
)

func openTestWAL(t *testing.T) *WAL {
	t.Helper()
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "wal.db"), 5*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	w := openTestWAL(t)
	var seqs []uint64
	for i := 0; i < 5; i++ {
		seq, err := w.Append(&domain.WALEntry{Kind: domain.WALTaskSubmitted, TaskID: uuid.New()})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		seqs = append(seqs, seq)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Fatalf("sequence not strictly increasing: %v", seqs)
		}
	}
}

func TestRecoverReplaysInOrder(t *testing.T) {
	w := openTestWAL(t)
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		if _, err := w.Append(&domain.WALEntry{Kind: domain.WALTaskClaimed, TaskID: id}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var replayed []uuid.UUID
	err := w.Recover(func(entry *domain.WALEntry) error {
		replayed = append(replayed, entry.TaskID)
		return nil
	})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(replayed) != len(ids) {
		t.Fatalf("expected %d replayed entries, got %d", len(ids), len(replayed))
	}
	for i, id := range ids {
		if replayed[i] != id {
			t.Fatalf("replay order mismatch at %d: want %s got %s", i, id, replayed[i])
		}
	}
}

func TestRecoverSkipsCheckpointedEntries(t *testing.T) {
	w := openTestWAL(t)
	first, err := w.Append(&domain.WALEntry{Kind: domain.WALTaskSubmitted, TaskID: uuid.New()})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, err := w.Append(&domain.WALEntry{Kind: domain.WALTaskClaimed, TaskID: uuid.New()})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Checkpoint(first); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	var replayedSeqs []uint64
	err = w.Recover(func(entry *domain.WALEntry) error {
		replayedSeqs = append(replayedSeqs, entry.Sequence)
		return nil
	})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(replayedSeqs) != 1 || replayedSeqs[0] != second {
		t.Fatalf("expected only seq %d replayed, got %v", second, replayedSeqs)
	}
}

func TestCompactRemovesCheckpointedEntries(t *testing.T) {
	w := openTestWAL(t)
	seq, err := w.Append(&domain.WALEntry{Kind: domain.WALTaskSubmitted, TaskID: uuid.New()})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := w.Append(&domain.WALEntry{Kind: domain.WALTaskCompleted, TaskID: uuid.New()}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Checkpoint(seq); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	removed, err := w.Compact()
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 entry removed, got %d", removed)
	}

	var remaining int
	w.Recover(func(entry *domain.WALEntry) error {
		remaining++
		return nil
	})
	if remaining != 1 {
		t.Fatalf("expected 1 entry left after compact, got %d", remaining)
	}
}

func TestAppendSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.db")

	w1, err := Open(path, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := w1.Append(&domain.WALEntry{Kind: domain.WALTaskSubmitted, TaskID: uuid.New()}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := Open(path, 0, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	next, err := w2.Append(&domain.WALEntry{Kind: domain.WALTaskCompleted, TaskID: uuid.New()})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if next != 2 {
		t.Fatalf("expected sequence to resume at 2 after reopen, got %d", next)
	}
}
