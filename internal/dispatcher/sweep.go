package dispatcher

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/taskqueue/internal/domain"
	"github.com/swarmguard/taskqueue/internal/resilience"
)

// Start schedules five cron entries onto one cron.Cron — due-task promotion
// (1s), lease monitor (5s), dead-worker sweep (10s), retention sweep
// (compact_interval_seconds) and the hourly stats roll-up reset — the way
// orchestrator/scheduler.go schedules its periodic workflow triggers. The
// WAL flush is bbolt's own Batch timer, not a cron entry here.
// Each sweep runs at its own cadence; a slow tick is not coalesced into a
// burst (cron.Cron invokes each entry independently).
func (d *Dispatcher) Start(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds())

	if _, err := c.AddFunc("@every 1s", func() { d.promoteDueTasks(ctx) }); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc("@every 5s", func() { d.sweepExpiredLeases(ctx) }); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc("@every 10s", func() { d.sweepDeadWorkers(ctx) }); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc(every(d.cfg.Persistence.CompactIntervalSeconds), func() { d.sweepRetention(ctx) }); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc("@every 1h", func() { d.roll.reset() }); err != nil {
		return nil, err
	}

	c.Start()
	return c, nil
}

func every(seconds int) string {
	if seconds <= 0 {
		seconds = 3600
	}
	return "@every " + time.Duration(seconds*int(time.Second)).String()
}

// promoteDueTasks admits Pending tasks whose scheduled_at has arrived into
// the ready-set: newly submitted future-dated tasks, and tasks rescheduled
// by a retry backoff.
func (d *Dispatcher) promoteDueTasks(ctx context.Context) {
	now := time.Now().UTC()
	due, err := d.store.IterScheduledUpTo(ctx, now)
	if err != nil {
		d.logger.Error("promote due tasks: store scan failed", "error", err)
		return
	}
	for _, t := range due {
		if !d.ready.Contains(t.ID) {
			d.ready.Push(t.ID, t.Priority, t.ScheduledAt, t.CreatedAt)
		}
	}
}

// sweepExpiredLeases reclaims InProgress tasks whose lease has passed,
// converging on the same reclaim path as a worker-reported failure.
func (d *Dispatcher) sweepExpiredLeases(ctx context.Context) {
	now := time.Now().UTC()
	inProgress, err := d.store.List(ctx, domain.StatusInProgress, 1<<20, 0)
	if err != nil {
		d.logger.Error("lease sweep: store list failed", "error", err)
		return
	}
	for _, t := range inProgress {
		if t.LeaseExpiresAt.IsZero() || t.LeaseExpiresAt.After(now) {
			continue
		}
		d.registry.MarkReleased(t.WorkerID, t.ID)
		// A reclaim here writes to the WAL before it touches the store; a
		// transient bbolt write error (disk briefly full, fsync stall) is
		// worth a couple of quick retries rather than abandoning the sweep
		// tick and leaving the task's lease expired for another whole cycle.
		_, err := resilience.Retry(ctx, 3, 50*time.Millisecond, func() (struct{}, error) {
			return struct{}{}, d.reclaim(ctx, t.ID, "lease expired")
		})
		if err != nil {
			d.logger.Error("lease sweep: reclaim failed after retries", "task_id", t.ID, "error", err)
		}
	}
}

// sweepDeadWorkers removes workers that stopped heartbeating and reclaims
// whatever they had claimed.
func (d *Dispatcher) sweepDeadWorkers(ctx context.Context) {
	now := time.Now().UTC()
	dead := d.registry.SweepDead(now, d.cfg.Worker.HeartbeatTimeout())
	for workerID, taskIDs := range dead {
		for _, taskID := range taskIDs {
			if err := d.reclaim(ctx, taskID, "worker "+workerID+" stopped heartbeating"); err != nil {
				d.logger.Error("dead-worker sweep: reclaim failed", "task_id", taskID, "worker_id", workerID, "error", err)
			}
		}
	}
}

// sweepRetention purges Completed tasks older than the configured
// retention window.
func (d *Dispatcher) sweepRetention(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-d.cfg.Persistence.RetentionPeriod())
	completed, err := d.store.List(ctx, domain.StatusCompleted, 1<<20, 0)
	if err != nil {
		d.logger.Error("retention sweep: store list failed", "error", err)
		return
	}
	purged := 0
	for _, t := range completed {
		if t.UpdatedAt.Before(cutoff) {
			if err := d.store.Delete(ctx, t.ID, domain.StatusCompleted); err != nil {
				d.logger.Error("retention sweep: delete failed", "task_id", t.ID, "error", err)
				continue
			}
			purged++
		}
	}
	if purged > 0 {
		d.logger.Info("retention sweep purged completed tasks", "count", purged)
	}
}
