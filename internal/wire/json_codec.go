package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/swarmguard/taskqueue/internal/domain"
)

// JSONCodec is the interop-friendly payload encoding: textual UUIDs,
// base64 payload bytes (via encoding/json's []byte handling), RFC3339
// timestamps. Selected with --codec=json; slower and larger on the wire
// than BinaryCodec but readable with any JSON-capable client.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

type jsonEnvelope struct {
	Task          *domain.Task       `json:"task,omitempty"`
	WorkerID      string             `json:"worker_id,omitempty"`
	MaxPriority   *uint8             `json:"max_priority,omitempty"`
	TaskResult    *TaskResultPayload `json:"task_result,omitempty"`
	HeartbeatData *HeartbeatData     `json:"heartbeat_data,omitempty"`
	TaskID        *uuid.UUID         `json:"task_id,omitempty"`
	MessageID     string             `json:"message_id,omitempty"`
	NackReason    string             `json:"nack_reason,omitempty"`
	Query         *TaskListQuery     `json:"query,omitempty"`
	AssignedTask  *domain.Task       `json:"assigned_task,omitempty"`
	UpdateStatus  domain.Status      `json:"update_status,omitempty"`
	UpdateResult  *TaskResultPayload `json:"update_result,omitempty"`
	Hostname      string             `json:"hostname,omitempty"`
	PID           uint32             `json:"pid,omitempty"`
	Concurrency   uint32             `json:"concurrency,omitempty"`
	ErrorCode     uint32             `json:"error_code,omitempty"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	Stats         *Stats             `json:"stats,omitempty"`
	StatusTask    *domain.Task       `json:"status_task,omitempty"`
	ListResponse  *TaskListResponse  `json:"list_response,omitempty"`
}

func (JSONCodec) Encode(msg Message) ([]byte, error) {
	env := jsonEnvelope{
		Task:          msg.Task,
		WorkerID:      msg.WorkerID,
		MaxPriority:   msg.MaxPriority,
		TaskResult:    msg.TaskResult,
		HeartbeatData: msg.HeartbeatData,
		MessageID:     msg.MessageID,
		NackReason:    msg.NackReason,
		Query:         msg.Query,
		AssignedTask:  msg.AssignedTask,
		UpdateStatus:  msg.UpdateStatus,
		UpdateResult:  msg.UpdateResult,
		Hostname:      msg.Hostname,
		PID:           msg.PID,
		Concurrency:   msg.Concurrency,
		ErrorCode:     msg.ErrorCode,
		ErrorMessage:  msg.ErrorMessage,
		Stats:         msg.Stats,
		StatusTask:    msg.StatusTask,
		ListResponse:  msg.ListResponse,
	}
	if msg.TaskID != uuid.Nil {
		id := msg.TaskID
		env.TaskID = &id
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("json encode %s: %w", msg.Type, err)
	}
	return b, nil
}

func (JSONCodec) Decode(msgType MessageType, payload []byte) (Message, error) {
	var env jsonEnvelope
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &env); err != nil {
			return Message{}, fmt.Errorf("json decode %s: %w", msgType, err)
		}
	}
	msg := Message{
		Type:          msgType,
		Task:          env.Task,
		WorkerID:      env.WorkerID,
		MaxPriority:   env.MaxPriority,
		TaskResult:    env.TaskResult,
		HeartbeatData: env.HeartbeatData,
		MessageID:     env.MessageID,
		NackReason:    env.NackReason,
		Query:         env.Query,
		AssignedTask:  env.AssignedTask,
		UpdateStatus:  env.UpdateStatus,
		UpdateResult:  env.UpdateResult,
		Hostname:      env.Hostname,
		PID:           env.PID,
		Concurrency:   env.Concurrency,
		ErrorCode:     env.ErrorCode,
		ErrorMessage:  env.ErrorMessage,
		Stats:         env.Stats,
		StatusTask:    env.StatusTask,
		ListResponse:  env.ListResponse,
	}
	if env.TaskID != nil {
		msg.TaskID = *env.TaskID
	}
	return msg, nil
}
