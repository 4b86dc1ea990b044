package dispatcher

import (
	"context"
	"time"

	"github.com/swarmguard/taskqueue/internal/domain"
)

// Recover runs once at startup, before the transport accepts connections:
// replay the WAL to finish any transition that committed to the log but not
// the store, reset every InProgress task to Pending (no registry survives a
// restart, so no lease can be trusted), and rebuild the ready-set from the
// store. This mirrors the original broker's own startup recovery rather
// than inventing new semantics.
func (d *Dispatcher) Recover(ctx context.Context) error {
	if err := d.replayWAL(); err != nil {
		return err
	}
	if err := d.resetInProgress(ctx); err != nil {
		return err
	}
	return d.rebuildReadySet(ctx)
}

// replayWAL applies every entry after the last checkpoint. A TaskSubmitted
// entry is skipped when the stored task's UpdatedAt is not older than the
// entry's timestamp; every other transition is skipped unless the task is
// still in the status that transition starts from.
func (d *Dispatcher) replayWAL() error {
	var lastSeq uint64
	err := d.wal.Recover(func(entry *domain.WALEntry) error {
		lastSeq = entry.Sequence
		return d.applyWALEntry(entry)
	})
	if err != nil {
		return err
	}
	if lastSeq > 0 {
		return d.wal.Checkpoint(lastSeq)
	}
	return nil
}

func (d *Dispatcher) applyWALEntry(entry *domain.WALEntry) error {
	ctx := context.Background()

	switch entry.Kind {
	case domain.WALTaskSubmitted:
		if entry.Task == nil {
			return nil
		}
		existing, found, err := d.store.Get(ctx, entry.TaskID)
		if err != nil {
			return err
		}
		if found && !existing.UpdatedAt.Before(entry.Timestamp) {
			return nil // store write already happened before the crash
		}
		return d.store.Put(ctx, entry.Task)

	case domain.WALTaskClaimed:
		t, found, err := d.store.Get(ctx, entry.TaskID)
		if err != nil || !found || t.Status != domain.StatusPending {
			return err
		}
		_, err = d.store.Move(ctx, entry.TaskID, domain.StatusPending, func(task *domain.Task) {
			task.Status = domain.StatusInProgress
			task.WorkerID = entry.WorkerID
			task.LeaseExpiresAt = entry.Timestamp.Add(d.cfg.Broker.LeaseDuration())
		})
		return err

	case domain.WALTaskCompleted:
		t, found, err := d.store.Get(ctx, entry.TaskID)
		if err != nil || !found || t.Status != domain.StatusInProgress {
			return err
		}
		_, err = d.store.Move(ctx, entry.TaskID, domain.StatusInProgress, func(task *domain.Task) {
			task.Status = domain.StatusCompleted
			task.Result = entry.Result
			task.WorkerID = ""
			task.LeaseExpiresAt = time.Time{}
		})
		return err

	case domain.WALTaskFailed:
		// Intermediate marker only: the reclaim decision it records is
		// either abandoned (a WALTaskReleased/WALTaskMovedToDLQ entry
		// follows in the same reclaim call) or, if the crash landed
		// between the two appends, resetInProgress's plain reset is
		// the correct outcome since no retry decision was ever logged.
		return nil

	case domain.WALTaskReleased:
		// The store.Move that should have followed this append may not
		// have landed before the crash. Replay it here so a completed
		// WAL entry is never under-applied into a bare reset that drops
		// the retry count and backoff resetInProgress alone would miss.
		t, found, err := d.store.Get(ctx, entry.TaskID)
		if err != nil || !found || t.Status != domain.StatusInProgress {
			return err
		}
		_, err = d.store.Move(ctx, entry.TaskID, domain.StatusInProgress, func(task *domain.Task) {
			task.Status = domain.StatusPending
			task.RetryCount = entry.RetryCount
			task.ScheduledAt = entry.ScheduledAt
			task.WorkerID = ""
			task.LeaseExpiresAt = time.Time{}
			task.Error = entry.Error
		})
		return err

	case domain.WALTaskMovedToDLQ:
		t, found, err := d.store.Get(ctx, entry.TaskID)
		if err != nil || !found || t.Status != domain.StatusInProgress {
			return err
		}
		_, err = d.store.Move(ctx, entry.TaskID, domain.StatusInProgress, func(task *domain.Task) {
			task.Status = domain.StatusDeadLetter
			task.RetryCount = entry.RetryCount
			task.WorkerID = ""
			task.LeaseExpiresAt = time.Time{}
			task.Error = entry.Error
		})
		return err
	}
	return nil
}

// resetInProgress moves every task still InProgress back to Pending. By the
// time this runs, WAL replay has already applied any TaskReleased or
// TaskMovedToDLQ transition the log recorded, so any task still InProgress
// here has no logged reclaim decision at all: it simply never got a chance
// to run, and the reset is not counted as a retry attempt.
func (d *Dispatcher) resetInProgress(ctx context.Context) error {
	inProgress, err := d.store.List(ctx, domain.StatusInProgress, 1<<20, 0)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, t := range inProgress {
		if _, err := d.store.Move(ctx, t.ID, domain.StatusInProgress, func(task *domain.Task) {
			task.Status = domain.StatusPending
			task.WorkerID = ""
			task.LeaseExpiresAt = time.Time{}
			task.ScheduledAt = now
		}); err != nil {
			d.logger.Error("recovery: failed to reset in-progress task", "task_id", t.ID, "error", err)
		}
	}
	return nil
}

// rebuildReadySet re-admits every currently-due Pending task. The ready-set
// is pure cache; it holds nothing that the store does not already know.
func (d *Dispatcher) rebuildReadySet(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := d.store.IterScheduledUpTo(ctx, now)
	if err != nil {
		return err
	}
	for _, t := range due {
		d.ready.Push(t.ID, t.Priority, t.ScheduledAt, t.CreatedAt)
	}
	return nil
}
