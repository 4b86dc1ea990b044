package dispatcher

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskqueue/internal/config"
	"github.com/swarmguard/taskqueue/internal/domain"
	"github.com/swarmguard/taskqueue/internal/queue"
	"github.com/swarmguard/taskqueue/internal/registry"
	"github.com/swarmguard/taskqueue/internal/store"
	"github.com/swarmguard/taskqueue/internal/wal"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	dir := t.TempDir()
	meter := noop.NewMeterProvider().Meter("test")

	s, err := store.Open(filepath.Join(dir, "store.db"), meter)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	w, err := wal.Open(filepath.Join(dir, "wal.db"), time.Millisecond, 0)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	cfg := config.Default()
	cfg.Broker.QueueDepthThreshold = 10
	cfg.Broker.WorkerLeaseSeconds = 30
	cfg.Worker.HeartbeatTimeoutSeconds = 30

	return New(s, w, queue.New(), registry.New(), cfg, testLogger(), meter)
}

func TestHappyPath(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	task, err := d.Submit(ctx, SubmitRequest{TaskType: "echo", Payload: []byte{0x01, 0x02, 0x03}, Priority: 150, MaxRetries: 3})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	claimed, ok, err := d.Claim(ctx, "worker-1")
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if claimed.ID != task.ID {
		t.Fatalf("expected to claim submitted task, got %s", claimed.ID)
	}

	if err := d.ReportResult(ctx, task.ID, "worker-1", true, []byte{0x01, 0x02, 0x03}, "", 0.25); err != nil {
		t.Fatalf("ReportResult: %v", err)
	}

	got, err := d.QueryStatus(ctx, task.ID)
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if got.Status != domain.StatusCompleted || got.RetryCount != 0 {
		t.Fatalf("expected Completed with retry_count 0, got %+v", got)
	}
}

func TestScheduledTaskNotClaimableUntilDue(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	task, err := d.Submit(ctx, SubmitRequest{TaskType: "delayed", Priority: 100, ScheduledAt: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if d.ready.Contains(task.ID) {
		t.Fatal("expected future-scheduled task to not enter the ready-set immediately")
	}

	_, ok, err := d.Claim(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if ok {
		t.Fatal("expected no claimable task while the only task is not yet due")
	}
}

func TestRetryThenSucceed(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	task, err := d.Submit(ctx, SubmitRequest{TaskType: "flaky", Priority: 100, MaxRetries: 2})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	claimed, ok, err := d.Claim(ctx, "worker-1")
	if err != nil || !ok || claimed.ID != task.ID {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if err := d.ReportResult(ctx, task.ID, "worker-1", false, nil, "boom", 0.25); err != nil {
		t.Fatalf("ReportResult (failure): %v", err)
	}

	got, err := d.QueryStatus(ctx, task.ID)
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if got.Status != domain.StatusPending || got.RetryCount != 1 {
		t.Fatalf("expected Pending with retry_count 1, got %+v", got)
	}
	if got.ScheduledAt.Before(time.Now().Add(4 * time.Second)) {
		t.Fatalf("expected ~5s backoff, got scheduled_at %s", got.ScheduledAt)
	}

	// simulate time passing: pull the backoff's scheduled_at into the past
	// so both the next schedule scan and Claim's due-time check see it as due
	if _, err := d.store.Move(ctx, task.ID, domain.StatusPending, func(tsk *domain.Task) {
		tsk.Status = domain.StatusPending
		tsk.ScheduledAt = time.Now().Add(-time.Second)
	}); err != nil {
		t.Fatalf("force due: %v", err)
	}
	due, err := d.store.IterScheduledUpTo(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("IterScheduledUpTo: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected the retried task to reappear via a schedule scan, got %d", len(due))
	}
	d.ready.Push(due[0].ID, due[0].Priority, due[0].ScheduledAt, due[0].CreatedAt)

	claimed2, ok, err := d.Claim(ctx, "worker-2")
	if err != nil || !ok || claimed2.ID != task.ID {
		t.Fatalf("re-claim: ok=%v err=%v", ok, err)
	}
	if err := d.ReportResult(ctx, task.ID, "worker-2", true, []byte("done"), "", 0.25); err != nil {
		t.Fatalf("ReportResult (success): %v", err)
	}

	final, err := d.QueryStatus(ctx, task.ID)
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if final.Status != domain.StatusCompleted || final.RetryCount != 1 {
		t.Fatalf("expected Completed retry_count=1, got %+v", final)
	}
}

func TestDeadLetterAfterRetriesExhausted(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	task, err := d.Submit(ctx, SubmitRequest{TaskType: "poison", Priority: 100, MaxRetries: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	for i := 0; i < 2; i++ {
		claimed, ok, err := d.Claim(ctx, "worker-1")
		if i == 0 {
			if err != nil || !ok || claimed.ID != task.ID {
				t.Fatalf("claim %d: ok=%v err=%v", i, ok, err)
			}
			if err := d.ReportResult(ctx, task.ID, "worker-1", false, nil, "first failure", 0.25); err != nil {
				t.Fatalf("ReportResult: %v", err)
			}
			// force due for the second attempt
			if _, err := d.store.Move(ctx, task.ID, domain.StatusPending, func(tsk *domain.Task) {
				tsk.Status = domain.StatusPending
				tsk.ScheduledAt = time.Now().Add(-time.Second)
			}); err != nil {
				t.Fatalf("force due: %v", err)
			}
			d.ready.Push(task.ID, task.Priority, time.Now().Add(-time.Second), task.CreatedAt)
			continue
		}
		if err != nil || !ok || claimed.ID != task.ID {
			t.Fatalf("claim %d: ok=%v err=%v", i, ok, err)
		}
		if err := d.ReportResult(ctx, task.ID, "worker-1", false, nil, "second failure", 0.25); err != nil {
			t.Fatalf("ReportResult: %v", err)
		}
	}

	final, err := d.QueryStatus(ctx, task.ID)
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if final.Status != domain.StatusDeadLetter || final.RetryCount != 2 {
		t.Fatalf("expected DeadLetter retry_count=2, got %+v", final)
	}
	if final.Error != "second failure" {
		t.Fatalf("expected last error recorded, got %q", final.Error)
	}
}

func TestWorkerDeathReclaim(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	task, err := d.Submit(ctx, SubmitRequest{TaskType: "slow", Priority: 100, MaxRetries: 3})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, ok, err := d.Claim(ctx, "worker-dead"); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	d.registry.Register("worker-dead", time.Now().Add(-time.Hour))
	d.registry.MarkClaimed("worker-dead", task.ID)

	dead := d.registry.SweepDead(time.Now(), 30*time.Second)
	claimed, ok := dead["worker-dead"]
	if !ok || len(claimed) != 1 {
		t.Fatalf("expected worker-dead to be swept with its claimed task, got %v", dead)
	}
	if err := d.reclaim(ctx, claimed[0], "worker dead"); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	final, err := d.QueryStatus(ctx, task.ID)
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if final.Status != domain.StatusPending || final.RetryCount != 1 {
		t.Fatalf("expected Pending retry_count=1 after reclaim, got %+v", final)
	}
	if _, ok := d.registry.Get("worker-dead"); ok {
		t.Fatal("expected dead worker removed from registry")
	}
}

func TestBackpressureRejectsAtThreshold(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	d.cfg.Broker.QueueDepthThreshold = 3

	for i := 0; i < 3; i++ {
		if _, err := d.Submit(ctx, SubmitRequest{TaskType: "t", Priority: 100}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	_, err := d.Submit(ctx, SubmitRequest{TaskType: "t", Priority: 100})
	if err == nil {
		t.Fatal("expected QueueFull at threshold")
	}
	if _, found, _ := d.store.Get(ctx, uuid.UUID{}); found {
		t.Fatal("sanity check: zero uuid should never be found")
	}
}

func TestCancelOnlyPending(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	pending, err := d.Submit(ctx, SubmitRequest{TaskType: "t", Priority: 100})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := d.CancelTask(ctx, pending.ID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if _, err := d.QueryStatus(ctx, pending.ID); err == nil {
		t.Fatal("expected task gone after cancel")
	}
	if err := d.CancelTask(ctx, pending.ID); err == nil {
		t.Fatal("expected second cancel to report TaskNotFound")
	}

	inProgressSrc, err := d.Submit(ctx, SubmitRequest{TaskType: "t", Priority: 100})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, ok, err := d.Claim(ctx, "worker-1"); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if err := d.CancelTask(ctx, inProgressSrc.ID); err == nil {
		t.Fatal("expected Conflict cancelling an in-progress task")
	}
}

func TestReportResultIdempotentAfterCompletion(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	task, err := d.Submit(ctx, SubmitRequest{TaskType: "t", Priority: 100})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, ok, err := d.Claim(ctx, "worker-1"); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if err := d.ReportResult(ctx, task.ID, "worker-1", true, []byte("first"), "", 0.25); err != nil {
		t.Fatalf("ReportResult: %v", err)
	}
	if err := d.ReportResult(ctx, task.ID, "worker-1", true, []byte("second"), "", 0.25); err != nil {
		t.Fatalf("second ReportResult should be a no-op, not an error: %v", err)
	}

	got, err := d.QueryStatus(ctx, task.ID)
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if string(got.Result) != "first" {
		t.Fatalf("expected first result to stick, got %q", got.Result)
	}
}

func TestReportResultFromWrongWorkerIgnored(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	task, err := d.Submit(ctx, SubmitRequest{TaskType: "t", Priority: 100})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, ok, err := d.Claim(ctx, "worker-1"); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if err := d.ReportResult(ctx, task.ID, "worker-2", true, []byte("impostor"), "", 0.25); err != nil {
		t.Fatalf("expected wrong-worker report to be ignored, not errored: %v", err)
	}

	got, err := d.QueryStatus(ctx, task.ID)
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if got.Status != domain.StatusInProgress {
		t.Fatalf("expected task to remain InProgress under its real lease, got %s", got.Status)
	}
}

func TestReportResultFeedsProcessingDurationIntoStats(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	task, err := d.Submit(ctx, SubmitRequest{TaskType: "t", Priority: 100})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, ok, err := d.Claim(ctx, "worker-1"); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if err := d.ReportResult(ctx, task.ID, "worker-1", true, []byte("ok"), "", 2.0); err != nil {
		t.Fatalf("ReportResult: %v", err)
	}

	stats, err := d.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.AvgProcessingTimeMs != 2000 {
		t.Fatalf("expected avg processing time 2000ms from a 2s duration, got %v", stats.AvgProcessingTimeMs)
	}
}
