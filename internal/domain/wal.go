package domain

import (
	"time"

	"github.com/google/uuid"
)

// WALEntryKind enumerates the transition intents the write-ahead log records.
type WALEntryKind string

const (
	WALTaskSubmitted  WALEntryKind = "task_submitted"
	WALTaskClaimed    WALEntryKind = "task_claimed"
	WALTaskCompleted  WALEntryKind = "task_completed"
	WALTaskFailed     WALEntryKind = "task_failed"
	WALTaskReleased   WALEntryKind = "task_released"
	WALTaskMovedToDLQ WALEntryKind = "task_moved_to_dlq"
)

// WALEntry is one append-only record. Sequence is assigned by the log on
// append and is strictly monotonic (ordering guarantee O1).
type WALEntry struct {
	Sequence  uint64       `json:"sequence"`
	Kind      WALEntryKind `json:"kind"`
	Timestamp time.Time    `json:"timestamp"`

	TaskID   uuid.UUID `json:"task_id"`
	WorkerID string    `json:"worker_id,omitempty"`
	Result   []byte    `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`

	// RetryCount and ScheduledAt carry the post-transition values for
	// WALTaskReleased (retry backoff) and WALTaskMovedToDLQ (final retry
	// count), so replay can apply the same transition the WAL already
	// recorded instead of only coarsely resetting the task.
	RetryCount  int       `json:"retry_count,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at,omitempty"`

	// Task is only populated for WALTaskSubmitted, carrying the full
	// immutable+initial-mutable record so recovery can reconstruct it
	// without consulting the store.
	Task *Task `json:"task,omitempty"`
}
