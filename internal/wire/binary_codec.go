package wire

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/swarmguard/taskqueue/internal/domain"
)

// BinaryCodec is the default, compact payload encoding: raw 16-byte UUIDs,
// raw payload bytes, nanosecond-epoch timestamps. Preferred per spec §6
// ("binary-preferred") for broker-worker traffic; JSONCodec exists
// alongside it for interop with non-Go clients.
type BinaryCodec struct{}

func (BinaryCodec) Name() string { return "binary" }

func (BinaryCodec) Encode(msg Message) ([]byte, error) {
	w := &binWriter{}
	switch msg.Type {
	case SubmitTask:
		if msg.Task == nil {
			return nil, fmt.Errorf("SubmitTask requires Task")
		}
		encodeTask(w, msg.Task)

	case ClaimTask:
		w.str(msg.WorkerID)
		if msg.MaxPriority != nil {
			w.bool(true)
			w.u8(*msg.MaxPriority)
		} else {
			w.bool(false)
		}

	case TaskResult:
		encodeTaskResult(w, msg.TaskResult)

	case Heartbeat:
		encodeHeartbeat(w, msg.HeartbeatData)

	case QueryStatus, CancelTask:
		w.uuid(msg.TaskID)

	case Ack:
		w.str(msg.MessageID)

	case Nack:
		w.str(msg.MessageID)
		w.str(msg.NackReason)

	case ListTasks:
		encodeQuery(w, msg.Query)

	case GetStats:
		// no request payload

	case TaskAssigned:
		if msg.AssignedTask != nil {
			w.bool(true)
			encodeTask(w, msg.AssignedTask)
		} else {
			w.bool(false)
		}

	case TaskUpdate:
		w.uuid(msg.TaskID)
		w.str(string(msg.UpdateStatus))
		if msg.UpdateResult != nil {
			w.bool(true)
			encodeTaskResult(w, msg.UpdateResult)
		} else {
			w.bool(false)
		}

	case WorkerRegistration:
		w.str(msg.WorkerID)
		w.str(msg.Hostname)
		w.u32(msg.PID)
		w.u32(msg.Concurrency)

	case WorkerDeregistration:
		w.str(msg.WorkerID)

	case ErrorMsg:
		w.u32(msg.ErrorCode)
		w.str(msg.ErrorMessage)

	case Ping, Pong:
		// no payload

	default:
		return nil, fmt.Errorf("binary codec: unsupported message type %s", msg.Type)
	}
	return w.Bytes(), nil
}

func (BinaryCodec) Decode(msgType MessageType, payload []byte) (Message, error) {
	r := newBinReader(payload)
	msg := Message{Type: msgType}
	var err error

	switch msgType {
	case SubmitTask:
		msg.Task, err = decodeTask(r)

	case ClaimTask:
		msg.WorkerID, err = r.str()
		if err != nil {
			return msg, err
		}
		has, err2 := r.boolean()
		if err2 != nil {
			return msg, err2
		}
		if has {
			p, err3 := r.u8()
			if err3 != nil {
				return msg, err3
			}
			msg.MaxPriority = &p
		}

	case TaskResult:
		msg.TaskResult, err = decodeTaskResult(r)

	case Heartbeat:
		msg.HeartbeatData, err = decodeHeartbeat(r)

	case QueryStatus, CancelTask:
		msg.TaskID, err = r.uuid()

	case Ack:
		msg.MessageID, err = r.str()

	case Nack:
		if msg.MessageID, err = r.str(); err != nil {
			return msg, err
		}
		msg.NackReason, err = r.str()

	case ListTasks:
		msg.Query, err = decodeQuery(r)

	case GetStats:
		// no payload

	case TaskAssigned:
		has, err2 := r.boolean()
		if err2 != nil {
			return msg, err2
		}
		if has {
			msg.AssignedTask, err = decodeTask(r)
		}

	case TaskUpdate:
		if msg.TaskID, err = r.uuid(); err != nil {
			return msg, err
		}
		status, err2 := r.str()
		if err2 != nil {
			return msg, err2
		}
		msg.UpdateStatus = domain.Status(status)
		has, err3 := r.boolean()
		if err3 != nil {
			return msg, err3
		}
		if has {
			msg.UpdateResult, err = decodeTaskResult(r)
		}

	case WorkerRegistration:
		if msg.WorkerID, err = r.str(); err != nil {
			return msg, err
		}
		if msg.Hostname, err = r.str(); err != nil {
			return msg, err
		}
		if msg.PID, err = r.u32(); err != nil {
			return msg, err
		}
		msg.Concurrency, err = r.u32()

	case WorkerDeregistration:
		msg.WorkerID, err = r.str()

	case ErrorMsg:
		if msg.ErrorCode, err = r.u32(); err != nil {
			return msg, err
		}
		msg.ErrorMessage, err = r.str()

	case Ping, Pong:
		// no payload

	default:
		return msg, fmt.Errorf("binary codec: unsupported message type %s", msgType)
	}
	return msg, err
}

func encodeTask(w *binWriter, t *domain.Task) {
	w.uuid(t.ID)
	w.str(t.TaskType)
	w.bytes(t.Payload)
	w.u8(t.Priority)
	w.time(t.CreatedAt)
	w.time(t.ScheduledAt)
	w.u32(uint32(t.TimeoutSeconds))
	w.u32(uint32(t.MaxRetries))
	w.u32(uint32(len(t.Dependencies)))
	for _, dep := range t.Dependencies {
		w.uuid(dep)
	}
	w.str(string(t.Status))
	w.u32(uint32(t.RetryCount))
	w.str(t.WorkerID)
	w.time(t.LeaseExpiresAt)
	w.bytes(t.Result)
	w.str(t.Error)
	w.time(t.UpdatedAt)
}

func decodeTask(r *binReader) (*domain.Task, error) {
	t := &domain.Task{}
	var err error
	if t.ID, err = r.uuid(); err != nil {
		return nil, err
	}
	if t.TaskType, err = r.str(); err != nil {
		return nil, err
	}
	if t.Payload, err = r.bytes(); err != nil {
		return nil, err
	}
	if t.Priority, err = r.u8(); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = r.timeVal(); err != nil {
		return nil, err
	}
	if t.ScheduledAt, err = r.timeVal(); err != nil {
		return nil, err
	}
	timeout, err := r.u32()
	if err != nil {
		return nil, err
	}
	t.TimeoutSeconds = int(timeout)
	maxRetries, err := r.u32()
	if err != nil {
		return nil, err
	}
	t.MaxRetries = int(maxRetries)
	depCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	t.Dependencies = make([]uuid.UUID, depCount)
	for i := range t.Dependencies {
		if t.Dependencies[i], err = r.uuid(); err != nil {
			return nil, err
		}
	}
	status, err := r.str()
	if err != nil {
		return nil, err
	}
	t.Status = domain.Status(status)
	retryCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	t.RetryCount = int(retryCount)
	if t.WorkerID, err = r.str(); err != nil {
		return nil, err
	}
	if t.LeaseExpiresAt, err = r.timeVal(); err != nil {
		return nil, err
	}
	if t.Result, err = r.bytes(); err != nil {
		return nil, err
	}
	if t.Error, err = r.str(); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = r.timeVal(); err != nil {
		return nil, err
	}
	return t, nil
}

func encodeTaskResult(w *binWriter, res *TaskResultPayload) {
	if res == nil {
		res = &TaskResultPayload{}
	}
	w.uuid(res.TaskID)
	w.str(res.WorkerID)
	w.bool(res.Success)
	w.bytes(res.Result)
	w.str(res.Error)
	w.f64(res.Duration)
}

func decodeTaskResult(r *binReader) (*TaskResultPayload, error) {
	res := &TaskResultPayload{}
	var err error
	if res.TaskID, err = r.uuid(); err != nil {
		return nil, err
	}
	if res.WorkerID, err = r.str(); err != nil {
		return nil, err
	}
	if res.Success, err = r.boolean(); err != nil {
		return nil, err
	}
	if res.Result, err = r.bytes(); err != nil {
		return nil, err
	}
	if res.Error, err = r.str(); err != nil {
		return nil, err
	}
	if res.Duration, err = r.f64(); err != nil {
		return nil, err
	}
	return res, nil
}

func encodeHeartbeat(w *binWriter, h *HeartbeatData) {
	if h == nil {
		h = &HeartbeatData{}
	}
	w.str(h.WorkerID)
	w.u32(h.CurrentTaskCount)
	w.f64(float64(h.CPUUsagePercent))
	w.u32(h.MemoryUsageMB)
}

func decodeHeartbeat(r *binReader) (*HeartbeatData, error) {
	h := &HeartbeatData{}
	var err error
	if h.WorkerID, err = r.str(); err != nil {
		return nil, err
	}
	if h.CurrentTaskCount, err = r.u32(); err != nil {
		return nil, err
	}
	cpu, err := r.f64()
	if err != nil {
		return nil, err
	}
	h.CPUUsagePercent = float32(cpu)
	if h.MemoryUsageMB, err = r.u32(); err != nil {
		return nil, err
	}
	return h, nil
}

func encodeQuery(w *binWriter, q *TaskListQuery) {
	if q == nil {
		q = &TaskListQuery{}
	}
	w.str(q.Status)
	w.str(q.TaskType)
	w.u32(q.Limit)
	w.u32(q.Offset)
}

func decodeQuery(r *binReader) (*TaskListQuery, error) {
	q := &TaskListQuery{}
	var err error
	if q.Status, err = r.str(); err != nil {
		return nil, err
	}
	if q.TaskType, err = r.str(); err != nil {
		return nil, err
	}
	if q.Limit, err = r.u32(); err != nil {
		return nil, err
	}
	if q.Offset, err = r.u32(); err != nil {
		return nil, err
	}
	return q, nil
}
