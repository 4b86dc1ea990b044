// Package domain holds the wire- and storage-independent task queue types:
// Task, Priority, Status, WorkerRecord and the WAL entry variants.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// MaxPayloadBytes is the hard ceiling on Task.Payload and TaskResult.Result (10 MiB).
const MaxPayloadBytes = 10 << 20

// Status is the lifecycle state of a task at rest. Exactly one partition in
// the store holds a given task at any time (invariant I1).
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// Tier buckets the 0..255 priority value for reporting. Dispatch always uses
// the raw priority, never the tier.
type Tier string

const (
	TierHigh   Tier = "high"
	TierNormal Tier = "normal"
	TierLow    Tier = "low"
)

// TierOf classifies a priority value. High = 200..255, Normal = 100..199, Low = 0..99.
func TierOf(priority uint8) Tier {
	switch {
	case priority >= 200:
		return TierHigh
	case priority >= 100:
		return TierNormal
	default:
		return TierLow
	}
}

// Task is the durable record for one unit of work. ID, TaskType, Payload,
// Priority, CreatedAt, ScheduledAt, TimeoutSeconds, MaxRetries and
// Dependencies are immutable after SubmitTask. Status, RetryCount, WorkerID,
// LeaseExpiresAt, Result, Error and UpdatedAt mutate over the lifecycle.
type Task struct {
	ID             uuid.UUID   `json:"id"`
	TaskType       string      `json:"task_type"`
	Payload        []byte      `json:"payload"`
	Priority       uint8       `json:"priority"`
	CreatedAt      time.Time   `json:"created_at"`
	ScheduledAt    time.Time   `json:"scheduled_at"`
	TimeoutSeconds int         `json:"timeout_seconds"`
	MaxRetries     int         `json:"max_retries"`
	Dependencies   []uuid.UUID `json:"dependencies,omitempty"`

	Status         Status    `json:"status"`
	RetryCount     int       `json:"retry_count"`
	WorkerID       string    `json:"worker_id,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	Result         []byte    `json:"result,omitempty"`
	Error          string    `json:"error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Tier classifies this task's priority for reporting purposes only.
func (t *Task) Tier() Tier { return TierOf(t.Priority) }

// Ready reports whether the task can sit in the ready-set right now, given
// only its own fields (not store/registry state). Dependencies are a
// documented-but-unimplemented extension hook (see SPEC_FULL.md §9): a
// non-empty Dependencies set does not block readiness.
func (t *Task) Ready(now time.Time) bool {
	return t.Status == StatusPending && !t.ScheduledAt.After(now)
}

// WorkerRecord is the registry's live view of one worker process.
type WorkerRecord struct {
	WorkerID       string    `json:"worker_id"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryMB       float64   `json:"memory_mb"`
	ClaimedTaskIDs map[uuid.UUID]struct{} `json:"-"`
}

// Alive reports whether the worker has heartbeated recently enough.
func (w *WorkerRecord) Alive(now time.Time, heartbeatTimeout time.Duration) bool {
	return now.Sub(w.LastHeartbeat) < heartbeatTimeout
}

// RetryDelay computes the exponential backoff before a task's next attempt.
// base=5s, cap=1h, doubling per retry: attempt 0,1,2,3 -> 5s,10s,20s,40s.
func RetryDelay(retryCount int) time.Duration {
	const base = 5 * time.Second
	const cap_ = time.Hour
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 20 {
		return cap_
	}
	d := base << uint(retryCount)
	if d > cap_ || d <= 0 {
		return cap_
	}
	return d
}
