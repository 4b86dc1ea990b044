package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/swarmguard/taskqueue/internal/brokererr"
	"github.com/swarmguard/taskqueue/internal/domain"
)

// rollup tracks completed/failed counts and processing-time totals "in the
// last hour" the way a cron-driven rollup would: accumulate since the last
// reset, reset on an hourly cron tick (see sweep.go). This trades perfect
// sliding-window accuracy for a single counter pair, which is what GetStats
// needs to report.
type rollup struct {
	mu sync.Mutex

	completed       uint64
	failed          uint64
	totalDurationMs float64
	durationSamples uint64
}

func newRollup() *rollup { return &rollup{} }

func (r *rollup) recordCompletion(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}

func (r *rollup) recordFailure(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
}

func (r *rollup) recordDuration(ms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalDurationMs += ms
	r.durationSamples++
}

func (r *rollup) snapshot() (completed, failed uint64, avgMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	completed, failed = r.completed, r.failed
	if r.durationSamples > 0 {
		avgMs = r.totalDurationMs / float64(r.durationSamples)
	}
	return
}

func (r *rollup) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed, r.failed, r.totalDurationMs, r.durationSamples = 0, 0, 0, 0
}

// Stats is the GetStats reply: partition counts, worker count, per-tier
// ready-set depth, and the rolling last-hour completion/failure counters.
type Stats struct {
	PendingCount        uint64
	InProgressCount     uint64
	CompletedCount      uint64
	FailedCount         uint64
	DeadLetterCount     uint64
	CompletedLastHour   uint64
	FailedLastHour      uint64
	WorkerCount         uint64
	AvgProcessingTimeMs float64
	QueueDepthHigh      uint64
	QueueDepthNormal    uint64
	QueueDepthLow       uint64
}

// GetStats reports the broker's current counts and rolling throughput.
func (d *Dispatcher) GetStats(ctx context.Context) (Stats, error) {
	partitionStats := d.store.Stats()
	high, normal, low := d.ready.TierCounts()
	completed, failed, avgMs := d.roll.snapshot()

	if err := ctx.Err(); err != nil {
		return Stats{}, brokererr.Internal("context cancelled during stats", err)
	}

	return Stats{
		PendingCount:        uint64(partitionStats[string(domain.StatusPending)]),
		InProgressCount:     uint64(partitionStats[string(domain.StatusInProgress)]),
		CompletedCount:      uint64(partitionStats[string(domain.StatusCompleted)]),
		FailedCount:         uint64(partitionStats[string(domain.StatusFailed)]),
		DeadLetterCount:     uint64(partitionStats[string(domain.StatusDeadLetter)]),
		CompletedLastHour:   completed,
		FailedLastHour:      failed,
		WorkerCount:         uint64(d.registry.Count()),
		AvgProcessingTimeMs: avgMs,
		QueueDepthHigh:      uint64(high),
		QueueDepthNormal:    uint64(normal),
		QueueDepthLow:       uint64(low),
	}, nil
}
