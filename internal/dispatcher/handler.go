package dispatcher

import (
	"context"

	"github.com/swarmguard/taskqueue/internal/brokererr"
	"github.com/swarmguard/taskqueue/internal/domain"
	"github.com/swarmguard/taskqueue/internal/wire"
)

// Handle decodes one request Message and returns the reply Message,
// translating typed brokererr.Error values into Nack frames per spec §7's
// propagation policy. It has the shape of transport.Handler so it can be
// passed straight into transport.New.
func (d *Dispatcher) Handle(ctx context.Context, msg wire.Message) wire.Message {
	switch msg.Type {
	case wire.SubmitTask:
		return d.handleSubmitTask(ctx, msg)
	case wire.ClaimTask:
		return d.handleClaimTask(ctx, msg)
	case wire.TaskResult:
		return d.handleTaskResult(ctx, msg)
	case wire.QueryStatus:
		return d.handleQueryStatus(ctx, msg)
	case wire.CancelTask:
		return d.handleCancelTask(ctx, msg)
	case wire.ListTasks:
		return d.handleListTasks(ctx, msg)
	case wire.Heartbeat:
		return d.handleHeartbeat(ctx, msg)
	case wire.WorkerRegistration:
		return d.handleRegister(ctx, msg)
	case wire.WorkerDeregistration:
		return d.handleDeregister(ctx, msg)
	case wire.GetStats:
		return d.handleGetStats(ctx, msg)
	case wire.Ping:
		return wire.Message{Type: wire.Pong}
	default:
		return nackFor(msg, brokererr.BadRequest("unsupported message type"))
	}
}

func nackFor(req wire.Message, err error) wire.Message {
	kind := brokererr.KindOf(err)
	if kind == brokererr.KindUnknown {
		kind = brokererr.KindInternal
	}
	return wire.Message{Type: wire.Nack, NackReason: kind.String() + ": " + err.Error()}
}

func (d *Dispatcher) handleSubmitTask(ctx context.Context, msg wire.Message) wire.Message {
	if msg.Task == nil {
		return nackFor(msg, brokererr.BadRequest("missing task"))
	}
	t, err := d.Submit(ctx, SubmitRequest{
		TaskType:       msg.Task.TaskType,
		Payload:        msg.Task.Payload,
		Priority:       msg.Task.Priority,
		ScheduledAt:    msg.Task.ScheduledAt,
		TimeoutSeconds: msg.Task.TimeoutSeconds,
		MaxRetries:     msg.Task.MaxRetries,
		Dependencies:   msg.Task.Dependencies,
	})
	if err != nil {
		return nackFor(msg, err)
	}
	return wire.Message{Type: wire.Ack, MessageID: t.ID.String()}
}

func (d *Dispatcher) handleClaimTask(ctx context.Context, msg wire.Message) wire.Message {
	t, ok, err := d.Claim(ctx, msg.WorkerID)
	if err != nil {
		return nackFor(msg, err)
	}
	if !ok {
		return wire.Message{Type: wire.TaskAssigned, AssignedTask: nil}
	}
	return wire.Message{Type: wire.TaskAssigned, AssignedTask: t}
}

func (d *Dispatcher) handleTaskResult(ctx context.Context, msg wire.Message) wire.Message {
	if msg.TaskResult == nil {
		return nackFor(msg, brokererr.BadRequest("missing task result"))
	}
	res := msg.TaskResult
	if err := d.ReportResult(ctx, res.TaskID, res.WorkerID, res.Success, res.Result, res.Error, res.Duration); err != nil {
		return nackFor(msg, err)
	}
	return wire.Message{Type: wire.Ack, MessageID: res.TaskID.String()}
}

func (d *Dispatcher) handleQueryStatus(ctx context.Context, msg wire.Message) wire.Message {
	t, err := d.QueryStatus(ctx, msg.TaskID)
	if err != nil {
		return nackFor(msg, err)
	}
	return wire.Message{Type: wire.QueryStatus, StatusTask: t}
}

func (d *Dispatcher) handleCancelTask(ctx context.Context, msg wire.Message) wire.Message {
	if err := d.CancelTask(ctx, msg.TaskID); err != nil {
		return nackFor(msg, err)
	}
	return wire.Message{Type: wire.Ack, MessageID: msg.TaskID.String()}
}

func (d *Dispatcher) handleListTasks(ctx context.Context, msg wire.Message) wire.Message {
	q := ListQuery{}
	if msg.Query != nil {
		q.Status = domain.Status(msg.Query.Status)
		q.TaskType = msg.Query.TaskType
		q.Limit = int(msg.Query.Limit)
		q.Offset = int(msg.Query.Offset)
	}
	tasks, err := d.ListTasks(ctx, q)
	if err != nil {
		return nackFor(msg, err)
	}
	return wire.Message{Type: wire.ListTasks, ListResponse: &wire.TaskListResponse{Tasks: tasks, Total: uint64(len(tasks))}}
}

func (d *Dispatcher) handleHeartbeat(ctx context.Context, msg wire.Message) wire.Message {
	if msg.HeartbeatData == nil {
		return nackFor(msg, brokererr.BadRequest("missing heartbeat data"))
	}
	h := msg.HeartbeatData
	d.Heartbeat(ctx, h.WorkerID, float64(h.CPUUsagePercent), float64(h.MemoryUsageMB))
	return wire.Message{Type: wire.Ack, MessageID: h.WorkerID}
}

func (d *Dispatcher) handleRegister(ctx context.Context, msg wire.Message) wire.Message {
	if err := d.RegisterWorker(ctx, msg.WorkerID); err != nil {
		return nackFor(msg, err)
	}
	return wire.Message{Type: wire.Ack, MessageID: msg.WorkerID}
}

func (d *Dispatcher) handleDeregister(ctx context.Context, msg wire.Message) wire.Message {
	if err := d.DeregisterWorker(ctx, msg.WorkerID); err != nil {
		return nackFor(msg, err)
	}
	return wire.Message{Type: wire.Ack, MessageID: msg.WorkerID}
}

func (d *Dispatcher) handleGetStats(ctx context.Context, msg wire.Message) wire.Message {
	stats, err := d.GetStats(ctx)
	if err != nil {
		return nackFor(msg, err)
	}
	return wire.Message{Type: wire.GetStats, Stats: &wire.Stats{
		PendingCount:        stats.PendingCount,
		InProgressCount:     stats.InProgressCount,
		CompletedLastHour:   stats.CompletedLastHour,
		FailedLastHour:      stats.FailedLastHour,
		WorkerCount:         stats.WorkerCount,
		AvgProcessingTimeMs: stats.AvgProcessingTimeMs,
		QueueDepthByPriority: wire.QueueDepthByPriority{
			High:   stats.QueueDepthHigh,
			Normal: stats.QueueDepthNormal,
			Low:    stats.QueueDepthLow,
		},
	}}
}
