// Package dispatcher is the broker's central coordinator (spec §4.E): the
// state machine that owns the store, WAL, ready-set and worker registry and
// drives every task through submit -> claim -> (complete | fail -> retry |
// dead-letter). It holds no back-reference into the components it
// coordinates; they know nothing of it (spec §9's cyclic-ownership note).
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskqueue/internal/brokererr"
	"github.com/swarmguard/taskqueue/internal/config"
	"github.com/swarmguard/taskqueue/internal/domain"
	"github.com/swarmguard/taskqueue/internal/queue"
	"github.com/swarmguard/taskqueue/internal/registry"
	"github.com/swarmguard/taskqueue/internal/store"
	"github.com/swarmguard/taskqueue/internal/wal"
)

// Dispatcher coordinates the store, WAL, ready-set and registry. All four
// components are safe for concurrent use on their own; Dispatcher adds no
// lock of its own beyond what each step already needs from them.
type Dispatcher struct {
	store    *store.Store
	wal      *wal.WAL
	ready    *queue.ReadySet
	registry *registry.Registry
	cfg      config.Config
	logger   *slog.Logger

	tasksSubmitted  metric.Int64Counter
	tasksClaimed    metric.Int64Counter
	tasksCompleted  metric.Int64Counter
	tasksFailed     metric.Int64Counter
	tasksDeadLetter metric.Int64Counter
	queueRejections metric.Int64Counter
	processingTime  metric.Float64Histogram

	roll *rollup
}

// New constructs a Dispatcher over already-open components.
func New(s *store.Store, w *wal.WAL, r *queue.ReadySet, reg *registry.Registry, cfg config.Config, logger *slog.Logger, meter metric.Meter) *Dispatcher {
	d := &Dispatcher{
		store: s, wal: w, ready: r, registry: reg, cfg: cfg, logger: logger,
		roll: newRollup(),
	}
	d.tasksSubmitted, _ = meter.Int64Counter("tq_tasks_submitted_total")
	d.tasksClaimed, _ = meter.Int64Counter("tq_tasks_claimed_total")
	d.tasksCompleted, _ = meter.Int64Counter("tq_tasks_completed_total")
	d.tasksFailed, _ = meter.Int64Counter("tq_tasks_failed_total")
	d.tasksDeadLetter, _ = meter.Int64Counter("tq_tasks_dead_letter_total")
	d.queueRejections, _ = meter.Int64Counter("tq_queue_rejections_total")
	d.processingTime, _ = meter.Float64Histogram("tq_task_processing_duration_ms")
	return d
}

// SubmitRequest carries SubmitTask's immutable fields.
type SubmitRequest struct {
	TaskType       string
	Payload        []byte
	Priority       uint8
	ScheduledAt    time.Time
	TimeoutSeconds int
	MaxRetries     int
	Dependencies   []uuid.UUID
}

// Submit validates and durably records a new task, admitting it to the
// ready-set immediately if it is due now (spec §4.E submission algorithm).
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*domain.Task, error) {
	if len(req.Payload) > domain.MaxPayloadBytes {
		return nil, brokererr.BadRequest(fmt.Sprintf("payload %d bytes exceeds max %d", len(req.Payload), domain.MaxPayloadBytes))
	}
	if req.TaskType == "" {
		return nil, brokererr.BadRequest("task_type must not be empty")
	}

	depth := d.ready.Len()
	if depth >= d.cfg.Broker.QueueDepthThreshold {
		d.queueRejections.Add(ctx, 1)
		return nil, brokererr.QueueFull(depth)
	}

	now := time.Now().UTC()
	scheduledAt := req.ScheduledAt
	if scheduledAt.Before(now) {
		scheduledAt = now
	}

	task := &domain.Task{
		ID:             uuid.New(),
		TaskType:       req.TaskType,
		Payload:        req.Payload,
		Priority:       req.Priority,
		CreatedAt:      now,
		ScheduledAt:    scheduledAt,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxRetries:     req.MaxRetries,
		Dependencies:   req.Dependencies,
		Status:         domain.StatusPending,
		UpdatedAt:      now,
	}

	if len(task.Dependencies) > 0 {
		d.logger.Warn("task submitted with dependencies; readiness does not consult them yet", "task_id", task.ID, "dependency_count", len(task.Dependencies))
	}

	if _, err := d.wal.Append(&domain.WALEntry{Kind: domain.WALTaskSubmitted, TaskID: task.ID, Task: task, Timestamp: now}); err != nil {
		return nil, brokererr.Internal("wal append TaskSubmitted", err)
	}
	if err := d.store.Put(ctx, task); err != nil {
		return nil, brokererr.Internal("store put submitted task", err)
	}
	if task.Ready(now) {
		d.ready.Push(task.ID, task.Priority, task.ScheduledAt, task.CreatedAt)
	}

	d.tasksSubmitted.Add(ctx, 1)
	return task, nil
}

// Claim pops the highest-priority eligible task and hands it to workerID
// under a fresh lease. Stale ready-set entries (cancelled, already claimed
// by a racing popper, or not actually due) are discarded in place, matching
// the "ready-set is a cache, store is truth" design (spec §8).
func (d *Dispatcher) Claim(ctx context.Context, workerID string) (*domain.Task, bool, error) {
	budget := d.ready.Len()
	for attempt := 0; attempt <= budget; attempt++ {
		id, ok := d.ready.Pop()
		if !ok {
			return nil, false, nil
		}

		t, found, err := d.store.Get(ctx, id)
		if err != nil {
			return nil, false, brokererr.Internal("store get during claim", err)
		}
		if !found || t.Status != domain.StatusPending {
			continue // stale entry: cancelled, or already moved out of Pending
		}
		now := time.Now().UTC()
		if t.ScheduledAt.After(now) {
			continue // not actually due yet; the promote sweep will re-admit it
		}

		leaseExpiresAt := now.Add(d.cfg.Broker.LeaseDuration())
		if _, err := d.wal.Append(&domain.WALEntry{Kind: domain.WALTaskClaimed, TaskID: id, WorkerID: workerID, Timestamp: now}); err != nil {
			return nil, false, brokererr.Internal("wal append TaskClaimed", err)
		}

		claimed, err := d.store.Move(ctx, id, domain.StatusPending, func(task *domain.Task) {
			task.Status = domain.StatusInProgress
			task.WorkerID = workerID
			task.LeaseExpiresAt = leaseExpiresAt
		})
		if err != nil {
			// WAL already recorded the claim; a crash here is completed by
			// WAL replay on the next startup (spec §7 propagation policy).
			d.logger.Error("store move pending->in_progress failed after wal append", "task_id", id, "error", err)
			continue
		}

		d.registry.MarkClaimed(workerID, id)
		d.tasksClaimed.Add(ctx, 1)
		return claimed, true, nil
	}
	return nil, false, nil
}

// ReportResult applies a worker's outcome for a task it holds the lease on.
// It is idempotent: a report for a task no longer InProgress, or from a
// worker that does not hold the current lease, is logged and ignored
// without touching task state (spec §8 idempotency properties).
// durationSeconds is the worker's own measurement of how long the task ran;
// it feeds the per-task_type processing-duration histogram and the rolling
// average GetStats reports, and is only meaningful on success.
func (d *Dispatcher) ReportResult(ctx context.Context, taskID uuid.UUID, workerID string, success bool, result []byte, errMsg string, durationSeconds float64) error {
	t, found, err := d.store.Get(ctx, taskID)
	if err != nil {
		return brokererr.Internal("store get during report", err)
	}
	if !found {
		return brokererr.TaskNotFound(taskID.String())
	}
	if t.Status != domain.StatusInProgress {
		d.logger.Debug("ignoring result for task no longer in progress", "task_id", taskID, "status", t.Status)
		return nil
	}
	if t.WorkerID != workerID {
		d.logger.Warn("ignoring result from non-lease-holding worker", "task_id", taskID, "reporting_worker", workerID, "lease_worker", t.WorkerID)
		return nil
	}

	d.registry.MarkReleased(workerID, taskID)

	if success {
		return d.complete(ctx, taskID, result, durationSeconds)
	}
	return d.reclaim(ctx, taskID, errMsg)
}

func (d *Dispatcher) complete(ctx context.Context, taskID uuid.UUID, result []byte, durationSeconds float64) error {
	now := time.Now().UTC()
	if _, err := d.wal.Append(&domain.WALEntry{Kind: domain.WALTaskCompleted, TaskID: taskID, Result: result, Timestamp: now}); err != nil {
		return brokererr.Internal("wal append TaskCompleted", err)
	}
	var taskType string
	_, err := d.store.Move(ctx, taskID, domain.StatusInProgress, func(t *domain.Task) {
		t.Status = domain.StatusCompleted
		t.Result = result
		t.WorkerID = ""
		t.LeaseExpiresAt = time.Time{}
		taskType = t.TaskType
	})
	if err != nil {
		d.logger.Error("store move in_progress->completed failed after wal append", "task_id", taskID, "error", err)
		return nil
	}
	d.tasksCompleted.Add(ctx, 1)
	d.roll.recordCompletion(now)

	durationMs := durationSeconds * 1000
	d.roll.recordDuration(durationMs)
	d.processingTime.Record(ctx, durationMs, metric.WithAttributes(attribute.String("task_type", taskType)))
	return nil
}

// reclaim is the shared path for "a lease holder will not produce a result":
// an explicit failure report, a lease-monitor timeout, or a dead-worker
// sweep. It either reschedules the task into Pending with backoff, or moves
// it to DeadLetter once retries are exhausted.
func (d *Dispatcher) reclaim(ctx context.Context, taskID uuid.UUID, reason string) error {
	t, found, err := d.store.Get(ctx, taskID)
	if err != nil {
		return brokererr.Internal("store get during reclaim", err)
	}
	if !found || t.Status != domain.StatusInProgress {
		return nil // already resolved by a racing path
	}

	now := time.Now().UTC()
	if _, err := d.wal.Append(&domain.WALEntry{Kind: domain.WALTaskFailed, TaskID: taskID, Error: reason, Timestamp: now}); err != nil {
		return brokererr.Internal("wal append TaskFailed", err)
	}

	newRetryCount := t.RetryCount + 1
	if newRetryCount <= t.MaxRetries {
		delay := domain.RetryDelay(t.RetryCount)
		scheduledAt := now.Add(delay)
		if _, err := d.wal.Append(&domain.WALEntry{Kind: domain.WALTaskReleased, TaskID: taskID, Error: reason, RetryCount: newRetryCount, ScheduledAt: scheduledAt, Timestamp: now}); err != nil {
			return brokererr.Internal("wal append TaskReleased", err)
		}
		_, err := d.store.Move(ctx, taskID, domain.StatusInProgress, func(task *domain.Task) {
			task.Status = domain.StatusPending
			task.RetryCount = newRetryCount
			task.ScheduledAt = scheduledAt
			task.WorkerID = ""
			task.LeaseExpiresAt = time.Time{}
			task.Error = reason
		})
		if err != nil {
			d.logger.Error("store move in_progress->pending failed after wal append", "task_id", taskID, "error", err)
			return nil
		}
		d.tasksFailed.Add(ctx, 1)
		d.roll.recordFailure(now)
		return nil
	}

	if _, err := d.wal.Append(&domain.WALEntry{Kind: domain.WALTaskMovedToDLQ, TaskID: taskID, Error: reason, RetryCount: newRetryCount, Timestamp: now}); err != nil {
		return brokererr.Internal("wal append TaskMovedToDLQ", err)
	}
	_, err = d.store.Move(ctx, taskID, domain.StatusInProgress, func(task *domain.Task) {
		task.Status = domain.StatusDeadLetter
		task.RetryCount = newRetryCount
		task.WorkerID = ""
		task.LeaseExpiresAt = time.Time{}
		task.Error = reason
	})
	if err != nil {
		d.logger.Error("store move in_progress->dead_letter failed after wal append", "task_id", taskID, "error", err)
		return nil
	}
	d.tasksFailed.Add(ctx, 1)
	d.tasksDeadLetter.Add(ctx, 1)
	d.roll.recordFailure(now)
	return nil
}

// QueryStatus returns a task's current snapshot from the store.
func (d *Dispatcher) QueryStatus(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	t, found, err := d.store.Get(ctx, taskID)
	if err != nil {
		return nil, brokererr.Internal("store get", err)
	}
	if !found {
		return nil, brokererr.TaskNotFound(taskID.String())
	}
	return t, nil
}

// CancelTask removes a Pending task. InProgress tasks cannot be cancelled:
// the worker is expected to self-terminate on its own timeout.
func (d *Dispatcher) CancelTask(ctx context.Context, taskID uuid.UUID) error {
	t, found, err := d.store.Get(ctx, taskID)
	if err != nil {
		return brokererr.Internal("store get during cancel", err)
	}
	if !found {
		return brokererr.TaskNotFound(taskID.String())
	}
	if t.Status != domain.StatusPending {
		return brokererr.Conflict(fmt.Sprintf("task %s is %s, not pending", taskID, t.Status))
	}

	d.ready.Remove(taskID)
	if err := d.store.Delete(ctx, taskID, domain.StatusPending); err != nil {
		return brokererr.Internal("store delete during cancel", err)
	}
	return nil
}

// ListQuery narrows ListTasks by status and/or task type.
type ListQuery struct {
	Status   domain.Status
	TaskType string
	Limit    int
	Offset   int
}

// ListTasks returns up to Limit tasks matching the query.
func (d *Dispatcher) ListTasks(ctx context.Context, q ListQuery) ([]*domain.Task, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	if q.Status != "" {
		tasks, err := d.store.List(ctx, q.Status, limit, q.Offset)
		if err != nil {
			return nil, brokererr.Internal("store list", err)
		}
		if q.TaskType == "" {
			return tasks, nil
		}
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.TaskType == q.TaskType {
				filtered = append(filtered, t)
			}
		}
		return filtered, nil
	}

	if q.TaskType != "" {
		tasks, err := d.store.ListByType(ctx, q.TaskType, limit+q.Offset)
		if err != nil {
			return nil, brokererr.Internal("store list by type", err)
		}
		if q.Offset >= len(tasks) {
			return nil, nil
		}
		end := q.Offset + limit
		if end > len(tasks) {
			end = len(tasks)
		}
		return tasks[q.Offset:end], nil
	}

	var out []*domain.Task
	for _, status := range allStatuses() {
		if len(out) >= limit+q.Offset {
			break
		}
		tasks, err := d.store.List(ctx, status, limit+q.Offset-len(out), 0)
		if err != nil {
			return nil, brokererr.Internal("store list", err)
		}
		out = append(out, tasks...)
	}
	if q.Offset >= len(out) {
		return nil, nil
	}
	end := q.Offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[q.Offset:end], nil
}

func allStatuses() []domain.Status {
	return []domain.Status{
		domain.StatusPending,
		domain.StatusInProgress,
		domain.StatusCompleted,
		domain.StatusFailed,
		domain.StatusDeadLetter,
	}
}
